package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashworks/aur-ci/broker"
	"github.com/hashworks/aur-ci/config"
	"github.com/hashworks/aur-ci/connect"
	"github.com/hashworks/aur-ci/controller/aur"
	"github.com/hashworks/aur-ci/controller/pipeline"
	"github.com/hashworks/aur-ci/controller/server"
	"github.com/hashworks/aur-ci/controller/store"
	"github.com/hashworks/aur-ci/logfields"
	"github.com/hashworks/aur-ci/metrics"
	"github.com/hashworks/aur-ci/model"
	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"
)

const SHUTDOWN_TIMEOUT = 10 * time.Second

type app struct {
	cfg      config.Controller
	logger   *slog.Logger
	packages []model.PackageConfig

	exitCodes *model.ExitCodeTable
	store     *store.Store
	broker    *broker.Broker
	publisher *broker.Publisher

	registry *metricsRegistry
}

type metricsRegistry struct {
	recorder metrics.Recorder
	handler  http.Handler
}

func newMetricsRegistry() *metricsRegistry {
	reg := metrics.NewRegistry()
	return &metricsRegistry{recorder: metrics.NewPrometheusRecorder(reg), handler: metrics.Handler(reg)}
}

// setup loads the configuration and connects to the database and the broker.
func setup(ctx context.Context, flags rootFlags) (*app, error) {
	cfg, logger, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}

	packages, err := config.LoadPackages(cfg.PackagesPath)
	if err != nil {
		return nil, connect.WithExitCode(connect.EXIT_CONFIG, err)
	}
	exitCodes, err := model.LoadExitCodeTable(cfg.ExitCodesPath)
	if err != nil {
		return nil, connect.WithExitCode(connect.EXIT_CONFIG, err)
	}
	logger.Info("Loaded package list", slog.Int("packages", len(packages)), slog.String("path", cfg.PackagesPath))

	a := &app{cfg: cfg, logger: logger, packages: packages, exitCodes: exitCodes, registry: newMetricsRegistry()}

	if a.store, err = connectStore(ctx, cfg, logger); err != nil {
		return nil, err
	}

	conn, err := connect.Retry(ctx, logger, "broker", connect.NewPolicy(cfg.Connect.Attempts, cfg.Connect.Interval, connect.EXIT_BROKER),
		func(ctx context.Context) (*amqp.Connection, error) {
			return broker.Dial(ctx, cfg.Broker.Address)
		})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.broker = broker.New(conn, broker.Options{
		DurableQueues:      cfg.Broker.DurableQueues,
		PersistentMessages: cfg.Broker.PersistentMessages,
	}, logger)

	a.publisher, err = a.broker.NewPublisher(broker.QUEUE_BUILD_REQUESTS, broker.QUEUE_BUILD_RESULTS, broker.QUEUE_NOTIFICATIONS)
	if err != nil {
		a.Close()
		return nil, connect.WithExitCode(connect.EXIT_BROKER, err)
	}

	return a, nil
}

func connectStore(ctx context.Context, cfg config.Controller, logger *slog.Logger) (*store.Store, error) {
	s, err := connect.Retry(ctx, logger, "database", connect.NewPolicy(cfg.Connect.Attempts, cfg.Connect.Interval, connect.EXIT_DATABASE),
		func(ctx context.Context) (*store.Store, error) {
			return store.Connect(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
		})
	if err != nil {
		return nil, err
	}
	if err := s.Sync(); err != nil {
		s.Close()
		return nil, connect.WithExitCode(connect.EXIT_DATABASE, err)
	}
	return s, nil
}

func (a *app) Close() {
	if a.publisher != nil {
		a.publisher.Close()
	}
	if a.broker != nil {
		a.broker.Close()
	}
	if a.store != nil {
		a.store.Close()
	}
}

func (a *app) newDetector() *pipeline.Detector {
	return &pipeline.Detector{
		Packages: a.packages,
		Fetcher:  aur.NewSources(),
		Store:    a.store,
		Dispatcher: &pipeline.Dispatcher{
			Publisher: a.publisher,
			Store:     a.store,
			Recorder:  a.registry.recorder,
			Logger:    a.logger,
		},
		Recorder: a.registry.recorder,
		Logger:   a.logger,
		Interval: a.cfg.CheckInterval,
	}
}

// Run starts the detector loop, the result consumer and the HTTP server. The first of them to
// fail stops the others.
func (a *app) Run(ctx context.Context) error {
	reporter := &pipeline.Reporter{
		Store:     a.store,
		Publisher: a.publisher,
		ExitCodes: a.exitCodes,
		Recorder:  a.registry.recorder,
		Logger:    a.logger,
	}
	srv := &server.Server{
		Store:          a.store,
		ExitCodes:      a.exitCodes,
		MetricsHandler: a.registry.handler,
		Logger:         a.logger,
	}
	httpServer := &http.Server{Addr: a.cfg.Address, Handler: srv.NewRouter()}
	brokerClosed := a.broker.NotifyClose()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.newDetector().Run(ctx)
	})

	g.Go(func() error {
		err := a.broker.Consume(ctx, broker.ConsumeOptions{
			Queue:                  broker.QUEUE_BUILD_RESULTS,
			ConsumerTag:            broker.ConsumerTag("controller"),
			Prefetch:               1,
			RequeueDelay:           a.cfg.Broker.RequeueDelay,
			MaxConsecutiveFailures: a.cfg.Broker.MaxConsecutiveFailures,
		}, reporter.HandleDelivery)
		if err != nil && ctx.Err() == nil {
			return connect.WithDefaultExitCode(connect.EXIT_BROKER, err)
		}
		return err
	})

	g.Go(func() error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case amqpErr, ok := <-brokerClosed:
			if !ok || amqpErr == nil {
				return connect.WithExitCode(connect.EXIT_BROKER, errors.New("broker connection closed"))
			}
			return connect.WithExitCode(connect.EXIT_BROKER, fmt.Errorf("broker connection closed: %w", amqpErr))
		}
	})

	g.Go(func() error {
		a.logger.Info("Starting AUR CI Controller", slog.String("address", a.cfg.Address))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), SHUTDOWN_TIMEOUT)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("Failed to shut down http server", logfields.Error(err))
		}
		return nil
	})

	return g.Wait()
}
