// Command taskrpcd serves the account, task and chat RPC services.
//
// Configuration comes from ./.env, the YAML file named by TASKRPC_CONFIG
// and TASKRPC_* environment variables. See package config.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ggoodman/taskrpc/config"
	"github.com/ggoodman/taskrpc/internal/app"
	"github.com/ggoodman/taskrpc/internal/logctx"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "taskrpcd:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	var level slog.LevelVar
	log := newLogger(cfg.Log, &level)
	slog.SetDefault(log)

	if path := os.Getenv(config.FileEnv); path != "" {
		go func() {
			err := config.Watch(ctx, path, log, func(next *config.Config) {
				if lvl, err := next.Log.SlogLevel(); err == nil {
					level.Set(lvl)
				}
			})
			if err != nil {
				log.WarnContext(ctx, "config.watch.fail", slog.String("err", err.Error()))
			}
		}()
	}

	a, err := app.New(ctx, cfg, app.WithLogger(log))
	if err != nil {
		return err
	}
	defer a.Close()

	log.InfoContext(ctx, "taskrpcd.start",
		slog.String("listen", cfg.Listen),
		slog.Bool("sqlite", cfg.Store.Path != ""),
		slog.Bool("redis", cfg.Broker.RedisAddr != ""),
		slog.Bool("external_auth", cfg.Auth.External.Enabled()),
	)
	if err := a.Run(ctx); err != nil {
		return err
	}
	log.InfoContext(ctx, "taskrpcd.stop")
	return nil
}

// newLogger builds the process logger. Only the level is reloaded from the
// config file at runtime; format changes need a restart.
func newLogger(cfg config.Log, level *slog.LevelVar) *slog.Logger {
	lvl, _ := cfg.SlogLevel()
	level.Set(lvl)
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if cfg.Format == "json" {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(logctx.Handler{Handler: h})
}
