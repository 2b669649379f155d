package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/slipway-sh/slipway/internal/api"
	"github.com/slipway-sh/slipway/internal/bluegreen"
	"github.com/slipway-sh/slipway/internal/canary"
	"github.com/slipway-sh/slipway/internal/config"
	"github.com/slipway-sh/slipway/internal/core"
	"github.com/slipway-sh/slipway/internal/dns"
	"github.com/slipway-sh/slipway/internal/events"
	"github.com/slipway-sh/slipway/internal/health"
	"github.com/slipway-sh/slipway/internal/metricsrc"
	"github.com/slipway-sh/slipway/internal/provision"
	"github.com/slipway-sh/slipway/internal/router"
)

func main() {
	cfg := config.MustParse()
	logger := newLogger(cfg)

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("slipway exited with error")
	}
}

func run(cfg config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provisioner, err := newProvisioner(cfg, logger)
	if err != nil {
		return err
	}
	metricsSource, err := newMetricsSource(cfg, logger)
	if err != nil {
		return err
	}

	bus := events.NewBus()
	trafficRouter := router.New(logger)
	validator := health.NewValidator(health.NewSimulatedProber(), logger)

	bgConfig := bluegreen.DefaultConfig()
	bgConfig.StepInterval = cfg.ShiftStepInterval
	deployments := bluegreen.NewManager(bgConfig, trafficRouter, validator, provisioner, metricsSource, bus, logger)
	canaries := canary.NewManager(trafficRouter, metricsSource, bus, logger)
	defer canaries.Close()

	publisher, err := dns.NewPublisher(dns.Config{
		Enabled:    cfg.CloudflareEnabled,
		APIToken:   cfg.CloudflareAPIToken,
		ZoneID:     cfg.CloudflareZoneID,
		BaseDomain: cfg.BaseDomain,
	}, logger)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: api.NewServer(deployments, canaries, logger).Handler(),
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Int("port", cfg.Port).Msg("slipway listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		publisher.Run(ctx, bus)
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func newLogger(cfg config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if cfg.LogPretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Logger()
}

func newProvisioner(cfg config.Config, logger zerolog.Logger) (core.Provisioner, error) {
	switch cfg.Provisioner {
	case "docker":
		return provision.NewDocker(cfg.ContainerPort, logger)
	case "memory":
		return provision.NewMemory(cfg.BaseDomain), nil
	default:
		return nil, fmt.Errorf("unknown provisioner %q", cfg.Provisioner)
	}
}

func newMetricsSource(cfg config.Config, logger zerolog.Logger) (core.MetricsSource, error) {
	switch cfg.MetricsBackend {
	case "prometheus":
		return metricsrc.NewPrometheus(cfg.PrometheusURL, logger)
	case "simulated":
		return metricsrc.NewSimulated(), nil
	default:
		return nil, fmt.Errorf("unknown metrics backend %q", cfg.MetricsBackend)
	}
}
