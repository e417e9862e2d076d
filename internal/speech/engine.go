// Package speech turns announcement text into audio.
package speech

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
)

// DefaultCommand is the text-to-speech program used when none is set.
const DefaultCommand = "espeak-ng"

// baseWordsPerMinute is the speaking rate at speed 1.0.
const baseWordsPerMinute = 175

// Engine speaks one utterance at a time.
type Engine interface {
	// Speak blocks until text has been spoken or ctx is cancelled. A
	// cancelled utterance stops playing before Speak returns.
	Speak(ctx context.Context, text string, speed float64) error
}

// ExecEngine runs an external TTS program per utterance. The command line
// may contain {speed} and {text} placeholders; without them the espeak-ng
// arguments "-s <wpm> -- <text>" are appended.
type ExecEngine struct {
	name   string
	args   []string
	logger *slog.Logger
}

// NewExecEngine parses commandLine into a program and its arguments.
func NewExecEngine(commandLine string, logger *slog.Logger) (*ExecEngine, error) {
	fields := strings.Fields(commandLine)
	if len(fields) == 0 {
		fields = []string{DefaultCommand}
	}
	if _, err := exec.LookPath(fields[0]); err != nil {
		return nil, fmt.Errorf("tts command %q: %w", fields[0], err)
	}
	return &ExecEngine{
		name:   fields[0],
		args:   fields[1:],
		logger: logger.With("component", "speech"),
	}, nil
}

// Speak runs the TTS program. Cancelling ctx kills it.
func (e *ExecEngine) Speak(ctx context.Context, text string, speed float64) error {
	cmd := exec.CommandContext(ctx, e.name, e.buildArgs(text, speed)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("tts exited with %d: %s", exitErr.ExitCode(), strings.TrimSpace(stderr.String()))
		}
		return fmt.Errorf("running tts: %w", err)
	}
	e.logger.Debug("spoke", "text", text, "speed", speed)
	return nil
}

func (e *ExecEngine) buildArgs(text string, speed float64) []string {
	if speed <= 0 {
		speed = 1
	}
	wpm := strconv.Itoa(int(baseWordsPerMinute * speed))

	templated := false
	args := make([]string, 0, len(e.args)+4)
	for _, a := range e.args {
		if strings.Contains(a, "{speed}") || strings.Contains(a, "{text}") {
			templated = true
			a = strings.ReplaceAll(a, "{speed}", wpm)
			a = strings.ReplaceAll(a, "{text}", text)
		}
		args = append(args, a)
	}
	if !templated {
		args = append(args, "-s", wpm, "--", text)
	}
	return args
}
