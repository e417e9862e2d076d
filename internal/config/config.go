package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the process configuration for the phone. Settings the carer
// edits at runtime live in the database, not here.
// Precedence: CLI flags > env vars (.env included) > defaults.
type Config struct {
	DataDir     string
	HTTPPort    int
	LogLevel    string
	LogFormat   string // text or json
	CORSOrigins string
	EnvFile     string

	// SIP line.
	SIPPort           int
	SIPTransport      string
	SIPProviderHost   string // empty: no provider, direct calls only
	SIPProviderPort   int
	SIPUsername       string
	SIPAuthUsername   string
	SIPPassword       string
	SIPRegisterExpiry int // seconds

	// Media and audio.
	MediaIP         string // address advertised in SDP, auto-detected if empty
	RTPPortMin      int
	RTPPortMax      int
	AudioDeviceAddr string // RTP endpoint of the local audio daemon for call audio
	SoundSinkAddr   string // RTP endpoint the sound player streams to
	SoundsDir       string
	TTSCommand      string
	SpeakerPort     string // sink port used for the speaker route
	EarpiecePort    string // sink port used for the earpiece route

	// Device.
	BatteryPath         string
	BatteryName         string // auto-detected if empty
	BatteryPollInterval time.Duration
	ScreeningTimeout    time.Duration
	CountryCode         string
	CallLogRetention    time.Duration

	// Carer access and alerts.
	JWTSecret      string // hex-encoded 32-byte secret for carer tokens
	PushGatewayURL string
	LicenseKey     string
	SMTPHost       string
	SMTPPort       string
	SMTPFrom       string
	SMTPUsername   string
	SMTPPassword   string
	SMTPTLS        string // none, starttls or tls
}

// defaults
const (
	defaultDataDir             = "./data"
	defaultHTTPPort            = 8080
	defaultLogLevel            = "info"
	defaultLogFormat           = "text"
	defaultSIPPort             = 5060
	defaultSIPTransport        = "udp"
	defaultSIPProviderPort     = 5060
	defaultSIPRegisterExpiry   = 300
	defaultRTPPortMin          = 10000
	defaultRTPPortMax          = 10100
	defaultSoundSinkAddr       = "127.0.0.1:46000"
	defaultSoundsDir           = "./sounds"
	defaultTTSCommand          = "espeak-ng"
	defaultBatteryPath         = "/sys/class/power_supply"
	defaultBatteryPollInterval = time.Minute
	defaultScreeningTimeout    = 3 * time.Second
	defaultCountryCode         = "44"
	defaultCallLogRetention    = 365 * 24 * time.Hour
	defaultSMTPPort            = "587"
	defaultSMTPTLS             = "starttls"
)

// envPrefix is the prefix for all environment variables. The variable for
// a flag is the prefix plus the flag name upper-cased with dashes as
// underscores, e.g. CAREPHONE_SIP_PORT.
const envPrefix = "CAREPHONE_"

// Load parses configuration from CLI flags, the .env file and environment
// variables.
func Load() (*Config, error) {
	return load(os.Args[1:])
}

func load(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("carephone", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the database")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP server listen port")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.CORSOrigins, "cors-origins", "", "comma-separated list of allowed CORS origins (use * for all)")
	fs.StringVar(&cfg.EnvFile, "env-file", "", "path to a .env file (default <data-dir>/.env)")

	fs.IntVar(&cfg.SIPPort, "sip-port", defaultSIPPort, "SIP listen port")
	fs.StringVar(&cfg.SIPTransport, "sip-transport", defaultSIPTransport, "SIP transport (udp, tcp)")
	fs.StringVar(&cfg.SIPProviderHost, "sip-provider-host", "", "SIP provider host to register with (empty for direct calls only)")
	fs.IntVar(&cfg.SIPProviderPort, "sip-provider-port", defaultSIPProviderPort, "SIP provider port")
	fs.StringVar(&cfg.SIPUsername, "sip-username", "", "SIP account username")
	fs.StringVar(&cfg.SIPAuthUsername, "sip-auth-username", "", "SIP digest username if it differs from the account username")
	fs.StringVar(&cfg.SIPPassword, "sip-password", "", "SIP account password")
	fs.IntVar(&cfg.SIPRegisterExpiry, "sip-register-expiry", defaultSIPRegisterExpiry, "requested registration expiry in seconds")

	fs.StringVar(&cfg.MediaIP, "media-ip", "", "IP address advertised in SDP (auto-detected if empty)")
	fs.IntVar(&cfg.RTPPortMin, "rtp-port-min", defaultRTPPortMin, "minimum UDP port for call audio")
	fs.IntVar(&cfg.RTPPortMax, "rtp-port-max", defaultRTPPortMax, "maximum UDP port for call audio")
	fs.StringVar(&cfg.AudioDeviceAddr, "audio-device-addr", "", "RTP address of the local audio daemon for call audio")
	fs.StringVar(&cfg.SoundSinkAddr, "sound-sink-addr", defaultSoundSinkAddr, "RTP address the sound player streams to")
	fs.StringVar(&cfg.SoundsDir, "sounds-dir", defaultSoundsDir, "directory of G.711 WAV sounds")
	fs.StringVar(&cfg.TTSCommand, "tts-command", defaultTTSCommand, "text-to-speech command line")
	fs.StringVar(&cfg.SpeakerPort, "speaker-port", "", "audio sink port for the speaker route")
	fs.StringVar(&cfg.EarpiecePort, "earpiece-port", "", "audio sink port for the earpiece route")

	fs.StringVar(&cfg.BatteryPath, "battery-path", defaultBatteryPath, "sysfs power supply directory")
	fs.StringVar(&cfg.BatteryName, "battery-name", "", "battery device name (auto-detected if empty)")
	fs.DurationVar(&cfg.BatteryPollInterval, "battery-poll-interval", defaultBatteryPollInterval, "how often the battery is read")
	fs.DurationVar(&cfg.ScreeningTimeout, "screening-timeout", defaultScreeningTimeout, "deadline for screening an incoming call")
	fs.StringVar(&cfg.CountryCode, "country-code", defaultCountryCode, "country calling code used to match national numbers")
	fs.DurationVar(&cfg.CallLogRetention, "call-log-retention", defaultCallLogRetention, "how long call log entries are kept")

	fs.StringVar(&cfg.JWTSecret, "jwt-secret", "", "hex-encoded 32-byte secret for carer tokens (auto-generated if empty)")
	fs.StringVar(&cfg.PushGatewayURL, "push-gateway-url", "", "URL of the push gateway for carer alerts")
	fs.StringVar(&cfg.LicenseKey, "license-key", "", "license key for the push gateway")
	fs.StringVar(&cfg.SMTPHost, "smtp-host", "", "SMTP server for carer alert e-mails")
	fs.StringVar(&cfg.SMTPPort, "smtp-port", defaultSMTPPort, "SMTP server port")
	fs.StringVar(&cfg.SMTPFrom, "smtp-from", "", "sender address for carer alert e-mails")
	fs.StringVar(&cfg.SMTPUsername, "smtp-username", "", "SMTP auth username")
	fs.StringVar(&cfg.SMTPPassword, "smtp-password", "", "SMTP auth password")
	fs.StringVar(&cfg.SMTPTLS, "smtp-tls", defaultSMTPTLS, "SMTP TLS mode (none, starttls, tls)")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	if err := loadEnvFile(fs, set); err != nil {
		return nil, err
	}
	if err := applyEnvOverrides(fs, set); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// envName returns the environment variable for a flag.
func envName(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// loadEnvFile loads the .env file into the environment. Variables already
// set are kept. A missing default file is not an error; a missing file
// named explicitly is.
func loadEnvFile(fs *flag.FlagSet, set map[string]bool) error {
	path := flagOrEnv(fs, set, "env-file")
	explicit := path != ""
	if !explicit {
		path = filepath.Join(flagOrEnv(fs, set, "data-dir"), ".env")
	}

	if err := godotenv.Load(path); err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("loading env file %s: %w", path, err)
	}
	slog.Debug("loaded env file", "path", path)
	return nil
}

// flagOrEnv resolves one flag ahead of the full override pass.
func flagOrEnv(fs *flag.FlagSet, set map[string]bool, name string) string {
	f := fs.Lookup(name)
	if set[name] {
		return f.Value.String()
	}
	if v := os.Getenv(envName(name)); v != "" {
		return v
	}
	return f.Value.String()
}

// applyEnvOverrides sets every flag not given on the command line from its
// environment variable, if present.
func applyEnvOverrides(fs *flag.FlagSet, set map[string]bool) error {
	var errs []error
	fs.VisitAll(func(f *flag.Flag) {
		if set[f.Name] {
			return
		}
		env := envName(f.Name)
		val, ok := os.LookupEnv(env)
		if !ok || val == "" {
			return
		}
		if err := fs.Set(f.Name, val); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", env, err))
		}
	})
	return errors.Join(errs...)
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if c.SIPPort < 1 || c.SIPPort > 65535 {
		return fmt.Errorf("sip-port must be between 1 and 65535, got %d", c.SIPPort)
	}
	if c.SIPProviderPort < 1 || c.SIPProviderPort > 65535 {
		return fmt.Errorf("sip-provider-port must be between 1 and 65535, got %d", c.SIPProviderPort)
	}
	c.SIPTransport = strings.ToLower(c.SIPTransport)
	if c.SIPTransport != "udp" && c.SIPTransport != "tcp" {
		return fmt.Errorf("sip-transport must be udp or tcp, got %q", c.SIPTransport)
	}
	if c.SIPProviderHost != "" && c.SIPUsername == "" {
		return fmt.Errorf("sip-username is required when sip-provider-host is set")
	}
	if c.SIPRegisterExpiry < 60 {
		return fmt.Errorf("sip-register-expiry must be at least 60 seconds, got %d", c.SIPRegisterExpiry)
	}

	if c.RTPPortMin < 1024 || c.RTPPortMin > 65534 {
		return fmt.Errorf("rtp-port-min must be between 1024 and 65534, got %d", c.RTPPortMin)
	}
	if c.RTPPortMax < c.RTPPortMin+2 || c.RTPPortMax > 65535 {
		return fmt.Errorf("rtp-port-max must be between rtp-port-min+2 and 65535, got %d", c.RTPPortMax)
	}
	// RTP ports must be even (RTP uses even ports, RTCP uses the next odd port).
	if c.RTPPortMin%2 != 0 {
		return fmt.Errorf("rtp-port-min must be even, got %d", c.RTPPortMin)
	}
	if c.MediaIP != "" && net.ParseIP(c.MediaIP) == nil {
		return fmt.Errorf("media-ip must be an IP address, got %q", c.MediaIP)
	}
	if c.AudioDeviceAddr != "" {
		if _, _, err := net.SplitHostPort(c.AudioDeviceAddr); err != nil {
			return fmt.Errorf("audio-device-addr: %w", err)
		}
	}
	if _, _, err := net.SplitHostPort(c.SoundSinkAddr); err != nil {
		return fmt.Errorf("sound-sink-addr: %w", err)
	}

	if c.BatteryPollInterval < time.Second {
		return fmt.Errorf("battery-poll-interval must be at least 1s, got %s", c.BatteryPollInterval)
	}
	if c.ScreeningTimeout <= 0 {
		return fmt.Errorf("screening-timeout must be positive, got %s", c.ScreeningTimeout)
	}
	if c.CallLogRetention < 24*time.Hour {
		return fmt.Errorf("call-log-retention must be at least 24h, got %s", c.CallLogRetention)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	validTLS := map[string]bool{"none": true, "starttls": true, "tls": true}
	if !validTLS[strings.ToLower(c.SMTPTLS)] {
		return fmt.Errorf("smtp-tls must be one of none, starttls, tls; got %q", c.SMTPTLS)
	}
	c.SMTPTLS = strings.ToLower(c.SMTPTLS)

	return nil
}

// SIPListenAddr is the address the SIP stack binds.
func (c *Config) SIPListenAddr() string {
	return fmt.Sprintf("0.0.0.0:%d", c.SIPPort)
}

// HTTPAddr is the address the HTTP server binds.
func (c *Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

// JWTSecretBytes returns the decoded 32-byte JWT signing secret.
// If no secret is configured, it generates a random 32-byte key and stores
// the hex-encoded value back in the config for the process lifetime.
func (c *Config) JWTSecretBytes() ([]byte, error) {
	if c.JWTSecret == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating jwt secret: %w", err)
		}
		c.JWTSecret = hex.EncodeToString(key)
		slog.Warn("no jwt-secret configured, generated ephemeral key (tokens will not survive restart)")
		return key, nil
	}
	key, err := hex.DecodeString(c.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("decoding jwt secret: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("jwt secret must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// ContactIP returns the address to advertise in SIP Contact headers and
// SDP. If MediaIP is configured, it is returned directly. Otherwise the
// machine's primary non-loopback IPv4 address is used, falling back to
// 127.0.0.1.
func (c *Config) ContactIP() string {
	if c.MediaIP != "" {
		return c.MediaIP
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			if ipNet.IP.To4() != nil {
				return ipNet.IP.String()
			}
		}
	}
	return "127.0.0.1"
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
