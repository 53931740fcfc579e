package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hydraforge/resolver/internal/config"
	"github.com/hydraforge/resolver/internal/listener"
	"github.com/hydraforge/resolver/internal/logging"
	"github.com/hydraforge/resolver/internal/metrics"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the resolver: listeners, cache, upstream pool, and rewrite pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfgFile)
		},
	}
}

// runServe wires the ambient stack (config, logging, metrics) to the
// listener supervisor, following the shutdown idiom of the teacher's
// cmd/hydradns/main.go: a cancellable context tied to OS signals, torn
// down with Run blocking until it's cancelled.
func runServe(ctx context.Context, path string) error {
	bootstrap := logging.Configure(logging.Config{Level: "info", Structured: true, StructuredFormat: "json"})

	provider, err := config.NewProvider(path, bootstrap)
	if err != nil {
		return err
	}

	logger := logging.Configure(provider.LoggingConfig())
	logger.Info("hydra starting", "config", path)

	statsSink := metrics.New(provider.MetricsNamespace())
	logSink := logging.NewSlogSink(logger)

	go provider.RunBlocklistFeeder(ctx)

	sv := &listener.Supervisor{
		Config:    provider,
		LogSink:   logSink,
		StatsSink: statsSink,
		Logger:    logger,
		RateLimit: provider.RateLimitSettings(),
	}

	return sv.Run(ctx)
}
