package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/ocx/gateway/internal/config"
	"github.com/ocx/gateway/internal/gateway"
)

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", "", "path to the gateway config file")
	flag.Parse()

	log := newLogger(os.Getenv("LOG_LEVEL"))
	slog.SetDefault(log)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(gateway.ExitConfig)
	}

	ctrl, err := gateway.Build(cfg, log)
	if err != nil {
		log.Error("startup failed", "err", err)
		os.Exit(gateway.ExitCode(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := ctrl.Run(ctx); err != nil {
		log.Error("gateway exited", "err", err)
		os.Exit(gateway.ExitCode(err))
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
