package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/civickiosk/server/internal/app"
	"github.com/civickiosk/server/internal/config"
	"github.com/joho/godotenv"
)

func main() {
	// Load .env from CWD (env vars override)
	_ = godotenv.Load(".env")

	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(log)

	cfg, err := config.Load()
	if err != nil {
		log.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}
	if cfg.DevMode {
		log.Warn("DEV_MODE enabled: demo payments and development defaults are active")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		log.Error("failed to start", slog.Any("error", err))
		os.Exit(1)
	}
	defer a.Close()

	if err := a.Run(ctx, ":"+cfg.Port); err != nil {
		log.Error("server stopped with error", slog.Any("error", err))
		_ = a.Close()
		os.Exit(1)
	}
	log.Info("server exited")
}
