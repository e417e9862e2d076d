package sounds

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// WriteDefaults writes every default sound missing from dir as
// <name>.wav. Existing files are left alone.
func WriteDefaults(dir string, logger *slog.Logger) error {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("creating sounds directory: %w", err)
	}

	for _, s := range defaults {
		dest := filepath.Join(dir, s.name+".wav")

		if _, err := os.Stat(dest); err == nil {
			logger.Debug("sound already exists, skipping", "file", dest)
			continue
		}

		if err := os.WriteFile(dest, wav(s.synthesize()), 0640); err != nil {
			return fmt.Errorf("writing sound %s: %w", s.name, err)
		}
		logger.Info("wrote default sound", "sound", s.name, "path", dest)
	}
	return nil
}
