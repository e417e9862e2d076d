package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// clearEnv unsets every CAREPHONE_ variable for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		name, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(name, envPrefix) {
			t.Setenv(name, "")
			os.Unsetenv(name)
		}
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := load([]string{"--data-dir", t.TempDir()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTPPort != defaultHTTPPort {
		t.Errorf("HTTPPort = %d, want %d", cfg.HTTPPort, defaultHTTPPort)
	}
	if cfg.SIPPort != defaultSIPPort {
		t.Errorf("SIPPort = %d, want %d", cfg.SIPPort, defaultSIPPort)
	}
	if cfg.SIPTransport != "udp" {
		t.Errorf("SIPTransport = %q, want udp", cfg.SIPTransport)
	}
	if cfg.SIPProviderHost != "" {
		t.Errorf("SIPProviderHost = %q, want empty", cfg.SIPProviderHost)
	}
	if cfg.ScreeningTimeout != 3*time.Second {
		t.Errorf("ScreeningTimeout = %s, want 3s", cfg.ScreeningTimeout)
	}
	if cfg.TTSCommand != defaultTTSCommand {
		t.Errorf("TTSCommand = %q, want %q", cfg.TTSCommand, defaultTTSCommand)
	}
	if cfg.LogLevel != defaultLogLevel {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, defaultLogLevel)
	}
}

func TestEnvVarOverride(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	t.Setenv("CAREPHONE_HTTP_PORT", "9090")
	t.Setenv("CAREPHONE_DATA_DIR", dir)
	t.Setenv("CAREPHONE_LOG_LEVEL", "DEBUG")
	t.Setenv("CAREPHONE_SCREENING_TIMEOUT", "750ms")
	t.Setenv("CAREPHONE_SIP_PROVIDER_HOST", "sip.example.net")
	t.Setenv("CAREPHONE_SIP_USERNAME", "441632960000")

	cfg, err := load(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTPPort != 9090 {
		t.Errorf("HTTPPort = %d, want 9090", cfg.HTTPPort)
	}
	if cfg.DataDir != dir {
		t.Errorf("DataDir = %q, want %q", cfg.DataDir, dir)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if cfg.ScreeningTimeout != 750*time.Millisecond {
		t.Errorf("ScreeningTimeout = %s, want 750ms", cfg.ScreeningTimeout)
	}
	if cfg.SIPProviderHost != "sip.example.net" || cfg.SIPUsername != "441632960000" {
		t.Errorf("provider = %q/%q", cfg.SIPProviderHost, cfg.SIPUsername)
	}
}

func TestCLIFlagsPrecedence(t *testing.T) {
	clearEnv(t)
	t.Setenv("CAREPHONE_HTTP_PORT", "9090")
	t.Setenv("CAREPHONE_LOG_LEVEL", "debug")

	cfg, err := load([]string{"--data-dir", t.TempDir(), "--http-port", "3000", "--log-level", "warn"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTPPort != 3000 {
		t.Errorf("HTTPPort = %d, want 3000 (CLI should override env)", cfg.HTTPPort)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn (CLI should override env)", cfg.LogLevel)
	}
}

func TestEnvFile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	envFile := "CAREPHONE_SIP_PASSWORD=from-file\nCAREPHONE_HTTP_PORT=7070\n"
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(envFile), 0o600); err != nil {
		t.Fatal(err)
	}
	// Variables loaded from the file land in the process environment.
	t.Cleanup(func() {
		os.Unsetenv("CAREPHONE_SIP_PASSWORD")
		os.Unsetenv("CAREPHONE_HTTP_PORT")
	})
	t.Setenv("CAREPHONE_DATA_DIR", dir)

	cfg, err := load([]string{"--http-port", "3000"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.SIPPassword != "from-file" {
		t.Errorf("SIPPassword = %q, want from-file", cfg.SIPPassword)
	}
	if cfg.HTTPPort != 3000 {
		t.Errorf("HTTPPort = %d, want 3000 (CLI should override .env)", cfg.HTTPPort)
	}
}

func TestEnvFileExplicitMissing(t *testing.T) {
	clearEnv(t)
	_, err := load([]string{"--data-dir", t.TempDir(), "--env-file", filepath.Join(t.TempDir(), "missing.env")})
	if err == nil {
		t.Fatal("expected error for missing explicit env file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"http port", []string{"--http-port", "99999"}},
		{"log level", []string{"--log-level", "verbose"}},
		{"transport", []string{"--sip-transport", "sctp"}},
		{"provider without username", []string{"--sip-provider-host", "sip.example.net"}},
		{"odd rtp port", []string{"--rtp-port-min", "10001"}},
		{"rtp range", []string{"--rtp-port-min", "10000", "--rtp-port-max", "10001"}},
		{"media ip", []string{"--media-ip", "not-an-ip"}},
		{"sound sink", []string{"--sound-sink-addr", "nowhere"}},
		{"screening timeout", []string{"--screening-timeout", "0s"}},
		{"smtp tls", []string{"--smtp-tls", "ssl"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			args := append([]string{"--data-dir", t.TempDir()}, tt.args...)
			if _, err := load(args); err == nil {
				t.Fatalf("expected error for %v", tt.args)
			}
		})
	}
}

func TestInvalidEnvValue(t *testing.T) {
	clearEnv(t)
	t.Setenv("CAREPHONE_SIP_PORT", "five")
	if _, err := load([]string{"--data-dir", t.TempDir()}); err == nil {
		t.Fatal("expected error for non-numeric CAREPHONE_SIP_PORT")
	}
}

func TestEnvName(t *testing.T) {
	if got := envName("sip-provider-host"); got != "CAREPHONE_SIP_PROVIDER_HOST" {
		t.Errorf("envName = %q", got)
	}
}

func TestSlogLevel(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			cfg := &Config{LogLevel: tt.level}
			if got := cfg.SlogLevel(); got != tt.want {
				t.Errorf("SlogLevel() = %v, want %v", got, tt.want)
			}
		})
	}
}
