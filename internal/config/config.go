package config

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/sethvargo/go-envconfig"

	"github.com/danmuck/taskd/internal/server"
)

// fileConfig mirrors the TOML layout. Durations are Go duration strings.
type fileConfig struct {
	ListenAddr    string `toml:"listen_addr"`
	AdminAddr     string `toml:"admin_addr"`
	AdminToken    string `toml:"admin_token,omitempty"`
	Workers       int    `toml:"workers"`
	BlockingSlots int    `toml:"blocking_slots"`
	QueueCapacity int    `toml:"queue_capacity"`
	ReadTimeout   string `toml:"read_timeout"`
	WriteTimeout  string `toml:"write_timeout"`
}

// envOverrides are applied after the file. Unset variables leave fields nil.
type envOverrides struct {
	ListenAddr    *string        `env:"TASKD_LISTEN_ADDR, noinit"`
	AdminAddr     *string        `env:"TASKD_ADMIN_ADDR, noinit"`
	AdminToken    *string        `env:"TASKD_ADMIN_TOKEN, noinit"`
	Workers       *int           `env:"TASKD_WORKERS, noinit"`
	BlockingSlots *int           `env:"TASKD_BLOCKING_SLOTS, noinit"`
	QueueCapacity *int           `env:"TASKD_QUEUE_CAPACITY, noinit"`
	ReadTimeout   *time.Duration `env:"TASKD_READ_TIMEOUT, noinit"`
	WriteTimeout  *time.Duration `env:"TASKD_WRITE_TIMEOUT, noinit"`
}

// Load resolves defaults, then the TOML file at path (if non-empty), then
// environment overrides, and validates the result.
func Load(ctx context.Context, path string) (server.Config, error) {
	return LoadWith(ctx, path, envconfig.OsLookuper())
}

func LoadWith(ctx context.Context, path string, lookuper envconfig.Lookuper) (server.Config, error) {
	cfg := server.DefaultConfig()
	if strings.TrimSpace(path) != "" {
		if err := applyFile(path, &cfg); err != nil {
			return server.Config{}, err
		}
	}
	if err := applyEnv(ctx, lookuper, &cfg); err != nil {
		return server.Config{}, err
	}
	cfg = cfg.WithDefaults()
	if err := Validate(cfg); err != nil {
		return server.Config{}, err
	}
	return cfg, nil
}

func applyFile(path string, cfg *server.Config) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("config parse failed (%s): unknown key %q", path, undecoded[0].String())
	}

	if meta.IsDefined("listen_addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.ListenAddr)
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("admin_token") {
		cfg.AdminToken = strings.TrimSpace(raw.AdminToken)
	}
	if meta.IsDefined("workers") {
		cfg.Workers = raw.Workers
	}
	if meta.IsDefined("blocking_slots") {
		cfg.BlockingSlots = raw.BlockingSlots
	}
	if meta.IsDefined("queue_capacity") {
		cfg.QueueCapacity = raw.QueueCapacity
	}
	if meta.IsDefined("read_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.ReadTimeout))
		if err != nil {
			return fmt.Errorf("parse read_timeout: %w", err)
		}
		cfg.ReadTimeout = d
	}
	if meta.IsDefined("write_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.WriteTimeout))
		if err != nil {
			return fmt.Errorf("parse write_timeout: %w", err)
		}
		cfg.WriteTimeout = d
	}
	return nil
}

func applyEnv(ctx context.Context, lookuper envconfig.Lookuper, cfg *server.Config) error {
	var env envOverrides
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &env, Lookuper: lookuper}); err != nil {
		return fmt.Errorf("config env failed: %w", err)
	}
	if env.ListenAddr != nil {
		cfg.ListenAddr = strings.TrimSpace(*env.ListenAddr)
	}
	if env.AdminAddr != nil {
		cfg.AdminAddr = strings.TrimSpace(*env.AdminAddr)
	}
	if env.AdminToken != nil {
		cfg.AdminToken = strings.TrimSpace(*env.AdminToken)
	}
	if env.Workers != nil {
		cfg.Workers = *env.Workers
	}
	if env.BlockingSlots != nil {
		cfg.BlockingSlots = *env.BlockingSlots
	}
	if env.QueueCapacity != nil {
		cfg.QueueCapacity = *env.QueueCapacity
	}
	if env.ReadTimeout != nil {
		cfg.ReadTimeout = *env.ReadTimeout
	}
	if env.WriteTimeout != nil {
		cfg.WriteTimeout = *env.WriteTimeout
	}
	return nil
}

func Validate(cfg server.Config) error {
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		return fmt.Errorf("config missing listen_addr")
	}
	if _, _, err := net.SplitHostPort(cfg.ListenAddr); err != nil {
		return fmt.Errorf("invalid listen_addr %q: %w", cfg.ListenAddr, err)
	}
	if cfg.AdminAddr != "" {
		if _, _, err := net.SplitHostPort(cfg.AdminAddr); err != nil {
			return fmt.Errorf("invalid admin_addr %q: %w", cfg.AdminAddr, err)
		}
	}
	if cfg.AdminToken != "" && cfg.AdminAddr == "" {
		return fmt.Errorf("admin_token set without admin_addr")
	}
	if cfg.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", cfg.Workers)
	}
	if cfg.QueueCapacity <= 0 {
		return fmt.Errorf("queue_capacity must be positive, got %d", cfg.QueueCapacity)
	}
	if cfg.ReadTimeout <= 0 {
		return fmt.Errorf("read_timeout must be positive, got %s", cfg.ReadTimeout)
	}
	return nil
}
