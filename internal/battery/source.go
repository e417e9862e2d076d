package battery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrNoBattery means the device has no battery to monitor.
var ErrNoBattery = errors.New("no battery found")

// Reading is one battery sample.
type Reading struct {
	Level    int  `json:"level"` // percent
	Charging bool `json:"charging"`
}

// Source reports the battery state.
type Source interface {
	Read(ctx context.Context) (Reading, error)
}

// DefaultSysfsRoot is where Linux exposes power supplies.
const DefaultSysfsRoot = "/sys/class/power_supply"

// SysfsSource reads a Linux power_supply device.
type SysfsSource struct {
	dir string
}

// NewSysfsSource opens the named supply under root, or the first supply of
// type Battery when name is empty.
func NewSysfsSource(root, name string) (*SysfsSource, error) {
	if name != "" {
		dir := filepath.Join(root, name)
		if _, err := os.Stat(filepath.Join(dir, "capacity")); err != nil {
			return nil, fmt.Errorf("power supply %s: %w", name, ErrNoBattery)
		}
		return &SysfsSource{dir: dir}, nil
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("listing power supplies: %w", ErrNoBattery)
	}
	for _, e := range entries {
		dir := filepath.Join(root, e.Name())
		typ, err := readString(filepath.Join(dir, "type"))
		if err == nil && typ == "Battery" {
			return &SysfsSource{dir: dir}, nil
		}
	}
	return nil, ErrNoBattery
}

// Read implements Source.
func (s *SysfsSource) Read(ctx context.Context) (Reading, error) {
	if err := ctx.Err(); err != nil {
		return Reading{}, err
	}
	capacity, err := readString(filepath.Join(s.dir, "capacity"))
	if err != nil {
		return Reading{}, fmt.Errorf("reading capacity: %w", err)
	}
	level, err := strconv.Atoi(capacity)
	if err != nil {
		return Reading{}, fmt.Errorf("parsing capacity %q: %w", capacity, err)
	}

	status, err := readString(filepath.Join(s.dir, "status"))
	if err != nil {
		return Reading{}, fmt.Errorf("reading status: %w", err)
	}
	return Reading{
		Level:    min(max(level, 0), 100),
		Charging: status == "Charging" || status == "Full",
	}, nil
}

func readString(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}
