// Package config loads yacall settings from a YAML file overlaid by YACALL_* variables.
package config

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

type Config struct {
	// UserID is the local user the client acts as.
	UserID  int64         `yaml:"user_id" env:"USER_ID"`
	Log     LogConfig     `yaml:"log" envPrefix:"LOG_"`
	Backend BackendConfig `yaml:"backend" envPrefix:"BACKEND_"`
	Push    PushConfig    `yaml:"push" envPrefix:"PUSH_"`
	Session SessionConfig `yaml:"session" envPrefix:"SESSION_"`
	Modal   ModalConfig   `yaml:"modal" envPrefix:"MODAL_"`
	Server  ServerConfig  `yaml:"server" envPrefix:"SERVER_"`
}

type LogConfig struct {
	Level string `yaml:"level" env:"LEVEL"`
	// Format is "console" or "json".
	Format string `yaml:"format" env:"FORMAT"`
}

type BackendConfig struct {
	URL     string        `yaml:"url" env:"URL"`
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

type PushConfig struct {
	URL          string        `yaml:"url" env:"URL"`
	PollInterval time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
}

type SessionConfig struct {
	RoomTTL           time.Duration `yaml:"room_ttl" env:"ROOM_TTL"`
	ActivityInterval  time.Duration `yaml:"activity_interval" env:"ACTIVITY_INTERVAL"`
	SpeakingThreshold float64       `yaml:"speaking_threshold" env:"SPEAKING_THRESHOLD"`
}

type ModalConfig struct {
	ViewportWidth int `yaml:"viewport_width" env:"VIEWPORT_WIDTH"`
	WindowWidth   int `yaml:"window_width" env:"WINDOW_WIDTH"`
	Gutter        int `yaml:"gutter" env:"GUTTER"`
	MaxWindows    int `yaml:"max_windows" env:"MAX_WINDOWS"`
}

type ServerConfig struct {
	Addr string `yaml:"addr" env:"ADDR"`
	// Store is "memory" or "sqlite".
	Store         string `yaml:"store" env:"STORE"`
	DSN           string `yaml:"dsn" env:"DSN"`
	PublicRoomURL string `yaml:"public_room_url" env:"PUBLIC_ROOM_URL"`
	// SweepInterval is how often expired rooms are deleted.
	SweepInterval time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`
}

const envPrefix = "YACALL_"

// Load reads path (skipped when empty), applies environment overrides and validates.
func Load(path string) (*Config, error) {
	var data []byte
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		data = b
	}
	return parse(data, os.Environ())
}

// Parse unmarshals YAML bytes into a validated Config, ignoring the environment.
func Parse(data []byte) (*Config, error) {
	return parse(data, nil)
}

func parse(data []byte, environ []string) (*Config, error) {
	var cfg Config
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse: %w", err)
		}
	}
	if environ != nil {
		opts := env.Options{Prefix: envPrefix, Environment: toMap(environ)}
		if err := env.ParseWithOptions(&cfg, opts); err != nil {
			return nil, fmt.Errorf("config: env: %w", err)
		}
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func toMap(environ []string) map[string]string {
	m := make(map[string]string, len(environ))
	for _, kv := range environ {
		if k, v, ok := strings.Cut(kv, "="); ok {
			m[k] = v
		}
	}
	return m
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if c.Backend.URL == "" {
		c.Backend.URL = "http://127.0.0.1:8080"
	}
	if c.Backend.Timeout == 0 {
		c.Backend.Timeout = 10 * time.Second
	}
	if c.Push.URL == "" {
		c.Push.URL = strings.Replace(c.Backend.URL, "http", "ws", 1) + "/ws"
	}
	if c.Push.PollInterval == 0 {
		c.Push.PollInterval = 5 * time.Second
	}
	if c.Session.RoomTTL == 0 {
		c.Session.RoomTTL = 60 * time.Minute
	}
	if c.Session.ActivityInterval == 0 {
		c.Session.ActivityInterval = 400 * time.Millisecond
	}
	if c.Session.SpeakingThreshold == 0 {
		c.Session.SpeakingThreshold = 0.02
	}
	if c.Modal.ViewportWidth == 0 {
		c.Modal.ViewportWidth = 1280
	}
	if c.Modal.WindowWidth == 0 {
		c.Modal.WindowWidth = 360
	}
	if c.Modal.Gutter == 0 {
		c.Modal.Gutter = 16
	}
	if c.Modal.MaxWindows == 0 {
		c.Modal.MaxWindows = 5
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.Store == "" {
		c.Server.Store = "memory"
	}
	if c.Server.DSN == "" && c.Server.Store == "sqlite" {
		c.Server.DSN = "yacall.db"
	}
	if c.Server.PublicRoomURL == "" {
		c.Server.PublicRoomURL = "https://rooms.yacall.local"
	}
	if c.Server.SweepInterval == 0 {
		c.Server.SweepInterval = time.Minute
	}
}

func (c *Config) validate() error {
	var errs []string
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Sprintf("log.level %q is not a level", c.Log.Level))
	}
	if c.Log.Format != "console" && c.Log.Format != "json" {
		errs = append(errs, "log.format must be console or json")
	}
	if p := c.Push.PollInterval; p < 5*time.Second || p > 10*time.Second {
		errs = append(errs, fmt.Sprintf("push.poll_interval %s outside [5s, 10s]", p))
	}
	if a := c.Session.ActivityInterval; a < 300*time.Millisecond || a > 500*time.Millisecond {
		errs = append(errs, fmt.Sprintf("session.activity_interval %s outside [300ms, 500ms]", a))
	}
	if c.Session.RoomTTL < time.Minute {
		errs = append(errs, "session.room_ttl must be at least 1m")
	}
	if t := c.Session.SpeakingThreshold; t <= 0 || t >= 1 {
		errs = append(errs, "session.speaking_threshold must be in (0, 1)")
	}
	if c.Modal.MaxWindows < 1 || c.Modal.MaxWindows > 5 {
		errs = append(errs, "modal.max_windows must be in [1, 5]")
	}
	if c.Modal.WindowWidth <= 0 || c.Modal.Gutter < 0 {
		errs = append(errs, "modal.window_width must be positive and modal.gutter not negative")
	}
	if c.Server.SweepInterval < time.Second {
		errs = append(errs, "server.sweep_interval must be at least 1s")
	}
	switch c.Server.Store {
	case "memory", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("server.store %q must be memory or sqlite", c.Server.Store))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Logger builds the root logger: human readable on a console, JSON otherwise.
func (l LogConfig) Logger(out io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(l.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	if l.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}
