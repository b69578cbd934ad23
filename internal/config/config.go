package config

import (
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// Config holds the server settings.
type Config struct {
	Addr      string `toml:"addr"`
	DBPath    string `toml:"db-path"`
	BlobDir   string `toml:"blob-dir"`
	JWTSecret string `toml:"jwt-secret"`

	// OpenRegistration lets anyone create an account and receive a token
	// through POST /api/users.
	OpenRegistration bool `toml:"open-registration"`

	// SendBuffer is the number of outbound events queued per session
	// before the session is considered too slow and dropped.
	SendBuffer int `toml:"send-buffer"`

	// InboundRate and InboundBurst bound client -> server events per connection.
	InboundRate  float64 `toml:"inbound-rate"`
	InboundBurst int     `toml:"inbound-burst"`

	PongWait   Duration `toml:"pong-wait"`
	PingPeriod Duration `toml:"ping-period"`
	WriteWait  Duration `toml:"write-wait"`

	Log LogConfig `toml:"log"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level       string `toml:"level"`
	Development bool   `toml:"development"`
}

// Duration lets durations be written as "30s" in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Addr:         ":4000",
		DBPath:       "space-point.db",
		BlobDir:      "blobs",
		SendBuffer:   256,
		InboundRate:  20,
		InboundBurst: 40,
		PongWait:     Duration{60 * time.Second},
		PingPeriod:   Duration{30 * time.Second},
		WriteWait:    Duration{10 * time.Second},
		Log:          LogConfig{Level: "info"},
	}
}

// Load builds the configuration from defaults, an optional TOML file and
// SPACEPOINT_* environment variables, in that order of precedence.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, errors.Wrapf(err, "decode config %s", path)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("SPACEPOINT_ADDR"); v != "" {
		c.Addr = v
	}
	if v := os.Getenv("SPACEPOINT_DB_PATH"); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv("SPACEPOINT_BLOB_DIR"); v != "" {
		c.BlobDir = v
	}
	if v := os.Getenv("SPACEPOINT_JWT_SECRET"); v != "" {
		c.JWTSecret = v
	}
	if v := os.Getenv("SPACEPOINT_OPEN_REGISTRATION"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return errors.Wrap(err, "SPACEPOINT_OPEN_REGISTRATION")
		}
		c.OpenRegistration = b
	}
	if v := os.Getenv("SPACEPOINT_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("SPACEPOINT_SEND_BUFFER"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrap(err, "SPACEPOINT_SEND_BUFFER")
		}
		c.SendBuffer = n
	}
	if v := os.Getenv("SPACEPOINT_INBOUND_RATE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return errors.Wrap(err, "SPACEPOINT_INBOUND_RATE")
		}
		c.InboundRate = f
	}
	return nil
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return errors.New("jwt-secret is required")
	}
	if c.SendBuffer <= 0 {
		return errors.Errorf("send-buffer must be positive, got %d", c.SendBuffer)
	}
	if c.PingPeriod.Duration >= c.PongWait.Duration {
		return errors.Errorf("ping-period %s must be shorter than pong-wait %s", c.PingPeriod, c.PongWait)
	}
	return nil
}
