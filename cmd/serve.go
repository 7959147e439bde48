package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"agentspace/internal/config"
	"agentspace/internal/feedback"
	"agentspace/internal/logging"
	providerfactory "agentspace/internal/provider/factory"
	"agentspace/internal/router"
	"agentspace/internal/server"
	"agentspace/internal/telemetry"
)

const serveUsage = `Usage:
  agentspace serve --config <path> [--port <port>] [--env-file <path>]

Flags:
  --config   string   Path to YAML configuration file (required)
  --port     int      Override server port from configuration
  --env-file string   Dotenv file loaded before expanding ${VARS} (default ".env")`

const telemetryShutdownTimeout = 5 * time.Second

type serveOptions struct {
	configPath   string
	envFile      string
	overridePort int
}

func parseServeFlags(args []string) (serveOptions, error) {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, serveUsage)
	}

	var opts serveOptions
	fs.StringVar(&opts.configPath, "config", "", "path to configuration file")
	fs.StringVar(&opts.envFile, "env-file", ".env", "path to dotenv file")
	fs.IntVar(&opts.overridePort, "port", 0, "override server port")

	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if opts.configPath == "" {
		return opts, errors.New("serve command requires --config <path>")
	}
	if opts.overridePort < 0 || opts.overridePort > 65535 {
		return opts, fmt.Errorf("port override %d must be a valid TCP port", opts.overridePort)
	}
	return opts, nil
}

func serve(ctx context.Context, args []string) error {
	opts, err := parseServeFlags(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("parse serve flags: %w", err)
	}

	cfg, err := config.Load(opts.configPath, opts.envFile)
	if err != nil {
		return err
	}
	if opts.overridePort != 0 {
		cfg.Server.Port = opts.overridePort
	}

	logger := logging.New(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})

	shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:      cfg.Telemetry.Enabled,
		ServiceName:  cfg.Telemetry.ServiceName,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		Logger:       logging.WithComponent("telemetry"),
	})
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), telemetryShutdownTimeout)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("trace shutdown failed", "error", err)
		}
	}()

	built, err := providerfactory.BuildRegistry(ctx, cfg.Providers)
	if err != nil {
		return err
	}
	defer func() {
		if err := built.Close(); err != nil {
			logger.Warn("closing provider clients failed", "error", err)
		}
	}()

	notifier, closeNotifier := newNotifier(cfg.Feedback, logger)
	defer closeNotifier()

	rt := router.New(built.Registry, cfg.Server.MaxFanout, logger)
	srv, err := server.New(cfg.Server, rt, feedback.NewDispatcher(notifier, logger), logger)
	if err != nil {
		return err
	}

	return srv.Run(ctx)
}

func newNotifier(cfg config.FeedbackConfig, logger *slog.Logger) (feedback.Notifier, func()) {
	if cfg.RedisAddr == "" {
		logger.Info("feedback redis not configured, feedback will only be logged")
		return feedback.LogNotifier{Logger: logging.WithComponent("feedback")}, func() {}
	}

	redisNotifier := feedback.NewRedisNotifier(feedback.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		List:     cfg.List,
	})
	return redisNotifier, func() {
		if err := redisNotifier.Close(); err != nil {
			logger.Warn("closing feedback redis client failed", "error", err)
		}
	}
}
