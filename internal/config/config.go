// Package config loads relay settings from the environment and command-line
// flags.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds relay configuration.
type Config struct {
	HTTPAddr       string   `env:"RELAY_HTTP_ADDR"         envDefault:":4000"`
	AllowedOrigins []string `env:"RELAY_ALLOWED_ORIGINS"   envSeparator:","`

	SendBuffer      int           `env:"RELAY_SEND_BUFFER"       envDefault:"256"`
	MaxFrameBytes   int64         `env:"RELAY_MAX_FRAME_BYTES"   envDefault:"8192"`
	MaxTextRunes    int           `env:"RELAY_MAX_TEXT_RUNES"    envDefault:"2000"`
	FramesPerSecond float64       `env:"RELAY_FRAMES_PER_SECOND" envDefault:"20"`
	FrameBurst      int           `env:"RELAY_FRAME_BURST"       envDefault:"40"`
	WriteWait       time.Duration `env:"RELAY_WRITE_WAIT"        envDefault:"10s"`
	PongWait        time.Duration `env:"RELAY_PONG_WAIT"         envDefault:"60s"`

	TrackMessages       bool `env:"RELAY_TRACK_MESSAGES"        envDefault:"false"`
	TrackedMessageLimit int  `env:"RELAY_TRACKED_MESSAGE_LIMIT" envDefault:"1024"`

	ShutdownTimeout time.Duration `env:"RELAY_SHUTDOWN_TIMEOUT" envDefault:"10s"`
	LogLevel        string        `env:"RELAY_LOG_LEVEL"        envDefault:"info"`
	LogFormat       string        `env:"RELAY_LOG_FORMAT"       envDefault:"text"`
	OTelEndpoint    string        `env:"RELAY_OTEL_ENDPOINT"`
	MetricInterval  time.Duration `env:"RELAY_METRIC_INTERVAL"  envDefault:"15s"`
}

// LoadDotEnv loads variables from the given .env files. Missing files are
// ignored; variables already set in the environment win.
func LoadDotEnv(files ...string) error {
	for _, file := range files {
		if err := godotenv.Load(file); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", file, err)
		}
	}
	return nil
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	if fs == nil {
		return Config{}, errors.New("flag parser is required")
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "relay HTTP listen address")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.BoolVar(&cfg.TrackMessages, "track-messages", cfg.TrackMessages, "remember sent messages and reject receipts for unknown ids")
	if args == nil {
		args = []string{}
	}
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports settings that cannot work.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.HTTPAddr) == "" {
		errs = append(errs, errors.New("http addr is required"))
	}
	if c.SendBuffer <= 0 {
		errs = append(errs, errors.New("send buffer must be positive"))
	}
	if c.MaxFrameBytes <= 0 {
		errs = append(errs, errors.New("max frame bytes must be positive"))
	}
	if c.FramesPerSecond <= 0 || c.FrameBurst <= 0 {
		errs = append(errs, errors.New("frame rate and burst must be positive"))
	}
	if c.PongWait <= 0 || c.WriteWait <= 0 {
		errs = append(errs, errors.New("pong and write waits must be positive"))
	}
	if c.OTelEndpoint != "" && c.MetricInterval <= 0 {
		errs = append(errs, errors.New("metric interval must be positive"))
	}
	return errors.Join(errs...)
}

// PingPeriod is how often the transport pings a client. It must be shorter
// than PongWait.
func (c Config) PingPeriod() time.Duration {
	return (c.PongWait * 9) / 10
}

// OriginAllowed reports whether a WebSocket upgrade from origin is accepted.
// An empty allow list accepts every origin.
func (c Config) OriginAllowed(origin string) bool {
	if len(c.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range c.AllowedOrigins {
		if strings.EqualFold(strings.TrimSpace(allowed), origin) {
			return true
		}
	}
	return false
}
