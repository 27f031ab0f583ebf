package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/harunnryd/avatar/pkg/avatar"
	"github.com/harunnryd/avatar/pkg/gateway"
	"github.com/harunnryd/avatar/pkg/logging"
	"github.com/harunnryd/avatar/pkg/runner"
)

func main() {
	configPath := flag.String("config", "configs/avatar.example.yaml", "")
	envFile := flag.String("env", ".env", "optional dotenv file loaded before the config")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
		slog.Warn("dotenv_load_failed", "path", *envFile, "error", err)
	}
	cfg, err := avatar.LoadConfig(*configPath)
	if err != nil {
		slog.Error("config_invalid", "error", err)
		os.Exit(1)
	}
	logger := logging.InitLogger(cfg.LogLevel, cfg.LogFormat)

	engine, err := avatar.NewEngine(avatar.EngineOptions{Config: cfg, Logger: logger})
	if err != nil {
		logger.Error("engine_init_failed", "error", err)
		os.Exit(1)
	}
	gw := gateway.NewFromEngine(engine, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	lc := runner.NewLifecycleRunner(
		runner.Drainers(runner.DrainerFunc(gw.Drain), runner.DrainerFunc(engine.Close)),
		runner.Hooks{
			OnStart: func(context.Context) error {
				if err := gw.Start(context.Background()); err != nil {
					return err
				}
				logger.Info("avatar_server_ready",
					slog.String("addr", cfg.Gateway.Addr),
					slog.String("path", cfg.Gateway.Path),
					slog.Bool("voice_enabled", engine.VoiceEnabled()))
				return nil
			},
			OnStop: func() { logger.Info("avatar_server_stopped") },
			Logger: logger,
		},
		time.Duration(cfg.Gateway.DrainTimeoutMS)*time.Millisecond+5*time.Second,
	)
	if err := lc.Run(ctx); err != nil {
		logger.Error("avatar_server_stop_failed", "error", err)
		os.Exit(1)
	}
}
