package audio

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"time"

	"github.com/carephone/carephone/internal/telephony"
)

// paVolumeNorm is PulseAudio's 100% volume.
const paVolumeNorm = 65536

const mixerTimeout = 5 * time.Second

// ExecMixer drives the PulseAudio default sink and source through pactl.
type ExecMixer struct {
	speakerPort  string
	earpiecePort string
	logger       *slog.Logger

	run func(ctx context.Context, name string, args ...string) error
}

// NewExecMixer creates a mixer. The port names select the sink port used
// for each audio route; an empty name leaves the port unchanged.
func NewExecMixer(speakerPort, earpiecePort string, logger *slog.Logger) *ExecMixer {
	return &ExecMixer{
		speakerPort:  speakerPort,
		earpiecePort: earpiecePort,
		logger:       logger.With("component", "mixer"),
		run:          runCommand,
	}
}

func runCommand(ctx context.Context, name string, args ...string) error {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %v: %w (%s)", name, args, err, out)
	}
	return nil
}

func (m *ExecMixer) pactl(args ...string) error {
	ctx, cancel := context.WithTimeout(context.Background(), mixerTimeout)
	defer cancel()
	return m.run(ctx, "pactl", args...)
}

// MaxVolume returns the PulseAudio volume that corresponds to 100%.
func (m *ExecMixer) MaxVolume() (int, error) {
	return paVolumeNorm, nil
}

// SetVolume sets the default sink volume.
func (m *ExecMixer) SetVolume(level int) error {
	return m.pactl("set-sink-volume", "@DEFAULT_SINK@", strconv.Itoa(level))
}

// SetMute mutes or unmutes the default source.
func (m *ExecMixer) SetMute(muted bool) error {
	v := "0"
	if muted {
		v = "1"
	}
	return m.pactl("set-source-mute", "@DEFAULT_SOURCE@", v)
}

// SetRoute switches the default sink port.
func (m *ExecMixer) SetRoute(route telephony.AudioRoute) error {
	port := m.earpiecePort
	if route == telephony.RouteSpeaker {
		port = m.speakerPort
	}
	if port == "" {
		m.logger.Debug("no sink port configured for route", "route", route)
		return nil
	}
	return m.pactl("set-sink-port", "@DEFAULT_SINK@", port)
}
