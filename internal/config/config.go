package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Duration unmarshals from strings like "90s" or "8h".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(value.Value))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Size unmarshals from strings like "64 KiB".
type Size uint64

func (s *Size) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := humanize.ParseBytes(strings.TrimSpace(value.Value))
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", value.Value, err)
	}
	*s = Size(parsed)
	return nil
}

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Hub       HubConfig       `yaml:"hub"`
	Messaging MessagingConfig `yaml:"messaging"`
	RateGuard RateGuardConfig `yaml:"rate_guard"`
	Retention RetentionConfig `yaml:"retention"`
}

type ServerConfig struct {
	Port           string   `yaml:"port"`
	JWTSecret      string   `yaml:"-"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	BodyLimit      Size     `yaml:"body_limit"`
	CSRFMode       string   `yaml:"csrf_mode"` // token, origin or off
}

type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// DatabaseConfig selects the storage driver: "postgres" or "memory".
type DatabaseConfig struct {
	Driver   string `yaml:"driver"`
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"-"`
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"sslmode"`
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s",
		d.Host, d.User, d.Password, d.Name, d.Port, d.SSLMode)
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"-"`
	DB       int    `yaml:"db"`
}

type HubConfig struct {
	PresenceGrace Duration `yaml:"presence_grace"`
	TypingTTL     Duration `yaml:"typing_ttl"`
	SendQueueSize int      `yaml:"send_queue_size"`
	PingInterval  Duration `yaml:"ping_interval"`
	PongTimeout   Duration `yaml:"pong_timeout"`
	MaxFrameSize  Size     `yaml:"max_frame_size"`
	InboundRate   float64  `yaml:"inbound_rate"`
	InboundBurst  int      `yaml:"inbound_burst"`
	GzipThreshold Size     `yaml:"gzip_threshold"`
}

type MessagingConfig struct {
	EditWindow     Duration `yaml:"edit_window"`
	IdempotencyTTL Duration `yaml:"idempotency_ttl"`
	PinCap         int      `yaml:"pin_cap"`
	HistoryLimit   int      `yaml:"history_limit"`
	SearchBackend  string   `yaml:"search_backend"` // "memory" or "postgres"
}

type RateGuardConfig struct {
	Window          Duration `yaml:"window"`
	Threshold       int      `yaml:"threshold"`
	DuplicateWindow Duration `yaml:"duplicate_window"`
	Store           string   `yaml:"store"` // "memory" or "redis"
}

type RetentionConfig struct {
	Cron string `yaml:"cron"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:      "8080",
			BodyLimit: 1 << 20,
			CSRFMode:  "token",
		},
		Log: LogConfig{Level: "info"},
		Database: DatabaseConfig{
			Driver:  "postgres",
			Host:    "localhost",
			Port:    "5432",
			User:    "eventflow",
			Name:    "eventflow",
			SSLMode: "disable",
		},
		Redis: RedisConfig{Addr: "localhost:6379"},
		Hub: HubConfig{
			PresenceGrace: Duration(5 * time.Second),
			TypingTTL:     Duration(6 * time.Second),
			SendQueueSize: 256,
			PingInterval:  Duration(30 * time.Second),
			PongTimeout:   Duration(90 * time.Second),
			MaxFrameSize:  64 << 10,
			InboundRate:   20,
			InboundBurst:  40,
			GzipThreshold: 512,
		},
		Messaging: MessagingConfig{
			EditWindow:     Duration(15 * time.Minute),
			IdempotencyTTL: Duration(24 * time.Hour),
			PinCap:         10,
			HistoryLimit:   50,
			SearchBackend:  "memory",
		},
		RateGuard: RateGuardConfig{
			Window:          Duration(time.Minute),
			Threshold:       30,
			DuplicateWindow: Duration(5 * time.Minute),
			Store:           "memory",
		},
		Retention: RetentionConfig{Cron: "*/10 * * * *"},
	}
}

// Load reads .env (if present), then the YAML file at path (if non-empty and
// present), then applies environment overrides.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Server.Port, "PORT")
	setString(&cfg.Server.JWTSecret, "JWT_SECRET")
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		cfg.Server.AllowedOrigins = splitCSV(v)
	}
	setString(&cfg.Server.CSRFMode, "CSRF_MODE")
	setString(&cfg.Log.Level, "LOG_LEVEL")
	if v := os.Getenv("LOG_JSON"); v != "" {
		cfg.Log.JSON = v == "1" || strings.EqualFold(v, "true")
	}
	setString(&cfg.Database.Driver, "STORAGE_DRIVER")
	setString(&cfg.Database.Host, "DB_HOST")
	setString(&cfg.Database.Port, "DB_PORT")
	setString(&cfg.Database.User, "DB_USER")
	setString(&cfg.Database.Password, "DB_PASSWORD")
	setString(&cfg.Database.Name, "DB_NAME")
	setString(&cfg.Database.SSLMode, "DB_SSLMODE")
	setString(&cfg.Redis.Addr, "REDIS_ADDR")
	setString(&cfg.Redis.Password, "REDIS_PASSWORD")
	if v := os.Getenv("REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = n
		}
	}
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate rejects settings the services cannot run with.
func (c *Config) Validate() error {
	if c.Server.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	if c.RateGuard.Window <= 0 || c.RateGuard.Threshold <= 0 {
		return errors.New("rate_guard.window and rate_guard.threshold must be positive")
	}
	if c.RateGuard.DuplicateWindow <= 0 {
		return errors.New("rate_guard.duplicate_window must be positive")
	}
	if c.Messaging.EditWindow <= 0 {
		return errors.New("messaging.edit_window must be positive")
	}
	if c.Messaging.PinCap <= 0 {
		return errors.New("messaging.pin_cap must be positive")
	}
	if c.Hub.SendQueueSize <= 0 {
		return errors.New("hub.send_queue_size must be positive")
	}
	switch c.Database.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("unknown storage driver %q", c.Database.Driver)
	}
	return nil
}
