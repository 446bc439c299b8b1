// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// artifactp2p-node runs one peer of the artifact dissemination
// network: the authenticated transport, the artifact pool, the peer
// set manager and the gossip engine, wired from a YAML config file.
//
// The config path comes from --config, or from ARTIFACTP2P_CONFIG
// when the flag is absent. The node runs until SIGINT or SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/bureau-foundation/artifactp2p/lib/config"
	"github.com/bureau-foundation/artifactp2p/lib/metrics"
	"github.com/bureau-foundation/artifactp2p/lib/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		logLevel    string
		showVersion bool
	)

	flagSet := pflag.NewFlagSet("artifactp2p-node", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to the node config file (default: $"+config.EnvironmentVariable+")")
	flagSet.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn or error")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if showVersion {
		fmt.Printf("artifactp2p-node %s\n", version.Info())
		return nil
	}

	level, err := parseLogLevel(logLevel)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger.Info("starting artifactp2p node",
		append([]any{"node", cfg.Node.ID, "environment", cfg.Environment}, version.Attributes()...)...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	nodeMetrics := metrics.New(prometheus.DefaultRegisterer)
	assembled, err := assemble(cfg, logger, nodeMetrics)
	if err != nil {
		return err
	}
	defer assembled.close()

	var (
		wait   sync.WaitGroup
		failed = make(chan error, 5)
	)
	start := func(name string, fn func(context.Context) error) {
		wait.Add(1)
		go func() {
			defer wait.Done()
			if err := fn(ctx); err != nil {
				failed <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	start("transport", assembled.transport.Serve)
	start("gossip", assembled.engine.Run)
	start("membership", func(ctx context.Context) error {
		return assembled.membership.Run(ctx, assembled.source, cfg.Membership.PollInterval)
	})
	if assembled.poolGC != nil {
		start("pool gc", assembled.poolGC)
	}
	if cfg.Metrics.ListenAddress != "" {
		start("metrics", func(ctx context.Context) error {
			return serveMetrics(ctx, cfg.Metrics.ListenAddress, logger)
		})
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-failed:
		logger.Error("node component failed", "error", runErr)
		stop()
	}
	wait.Wait()
	return runErr
}

func loadConfig(path string) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path != "" {
		cfg, err = config.LoadFile(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func parseLogLevel(name string) (slog.Level, error) {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", name)
	}
}

// serveMetrics serves /metrics on address until ctx is done.
func serveMetrics(ctx context.Context, address string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:              address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errs := make(chan error, 1)
	go func() { errs <- server.ListenAndServe() }()
	logger.Info("metrics endpoint listening", "address", address)

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
