package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/taskd/internal/config"
	"github.com/danmuck/taskd/internal/logging"
	"github.com/danmuck/taskd/internal/observability"
	"github.com/danmuck/taskd/internal/server"
)

func main() {
	configPath := flag.String("config", "", "path to taskd TOML config")
	addr := flag.String("addr", "", "listen address override")
	admin := flag.String("admin", "", "admin HTTP address override")
	workers := flag.Int("workers", 0, "worker count override")
	flag.Parse()

	logging.ConfigureRuntime()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath, *addr, *admin, *workers); err != nil {
		fmt.Fprintf(os.Stderr, "taskd: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, path, addr, admin string, workers int) error {
	cfg, err := config.Load(ctx, path)
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.ListenAddr = addr
	}
	if admin != "" {
		cfg.AdminAddr = admin
	}
	if workers > 0 {
		cfg.Workers = workers
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}

	observability.RegisterMetrics()
	log.Info().
		Str("addr", cfg.ListenAddr).
		Str("admin", cfg.AdminAddr).
		Int("workers", cfg.Workers).
		Int("queue_capacity", cfg.QueueCapacity).
		Msg("taskd starting")

	if err := server.Run(ctx, cfg); err != nil {
		return err
	}
	log.Info().Msg("taskd stopped")
	return nil
}
