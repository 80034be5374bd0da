package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docker/docker/client"
	"github.com/gin-gonic/gin"
	"github.com/hashworks/aur-ci/broker"
	"github.com/hashworks/aur-ci/config"
	"github.com/hashworks/aur-ci/connect"
	"github.com/hashworks/aur-ci/logfields"
	"github.com/hashworks/aur-ci/metrics"
	"github.com/hashworks/aur-ci/worker/build"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const SHUTDOWN_TIMEOUT = 10 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCommand().ExecuteContext(ctx)
	stop()

	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(connect.ExitCode(err))
	}
}

func newRootCommand() *cobra.Command {
	var image string

	rootCmd := &cobra.Command{
		Use:           "worker",
		Short:         "Builds packages from the build request queue in Docker containers",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadWorker()
			if err != nil {
				return connect.WithExitCode(connect.EXIT_CONFIG, err)
			}
			if image != "" {
				cfg.BuilderImage = image
			}
			if err := cfg.Validate(); err != nil {
				return connect.WithExitCode(connect.EXIT_CONFIG, err)
			}
			logger, err := config.NewLogger(os.Stderr, cfg.Log.Level, cfg.Log.Format)
			if err != nil {
				return connect.WithExitCode(connect.EXIT_CONFIG, err)
			}
			slog.SetDefault(logger)

			return run(cmd.Context(), cfg, logger)
		},
	}

	rootCmd.Flags().StringVar(&image, "image", "", "Build image [$AB_BUILDER_IMAGE]")

	return rootCmd
}

func connectDocker(ctx context.Context) (*client.Client, error) {
	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	// This won't fail if the socket is not available, test it
	if _, err := dockerClient.Info(ctx); err != nil {
		dockerClient.Close()
		return nil, err
	}
	return dockerClient, nil
}

func run(ctx context.Context, cfg config.Worker, logger *slog.Logger) error {
	registryAuth, err := build.EncodeRegistryAuth(cfg.Registry.Address, cfg.Registry.User, cfg.Registry.Password)
	if err != nil {
		return connect.WithExitCode(connect.EXIT_CONFIG, err)
	}

	dockerClient, err := connect.Retry(ctx, logger, "docker", connect.NewPolicy(cfg.Connect.Attempts, cfg.Connect.Interval, connect.EXIT_CONTAINER_RUNTIME), connectDocker)
	if err != nil {
		return err
	}
	defer dockerClient.Close()

	conn, err := connect.Retry(ctx, logger, "broker", connect.NewPolicy(cfg.Connect.Attempts, cfg.Connect.Interval, connect.EXIT_BROKER),
		func(ctx context.Context) (*amqp.Connection, error) {
			return broker.Dial(ctx, cfg.Broker.Address)
		})
	if err != nil {
		return err
	}
	b := broker.New(conn, broker.Options{
		DurableQueues:      cfg.Broker.DurableQueues,
		PersistentMessages: cfg.Broker.PersistentMessages,
	}, logger)
	defer b.Close()

	publisher, err := b.NewPublisher(broker.QUEUE_BUILD_RESULTS)
	if err != nil {
		return connect.WithExitCode(connect.EXIT_BROKER, err)
	}
	defer publisher.Close()

	registry := metrics.NewRegistry()

	orchestrator := build.NewOrchestrator(dockerClient, publisher, cfg.BuilderImage, logger)
	orchestrator.RegistryAuth = registryAuth
	orchestrator.Credentials = build.Credentials{
		GiteaRepo:  cfg.Gitea.Repo,
		GiteaUser:  cfg.Gitea.User,
		GiteaToken: cfg.Gitea.Token,
	}
	orchestrator.Recorder = metrics.NewPrometheusRecorder(registry)

	sweeper := &build.Sweeper{
		Runtime: dockerClient,
		Logger:  logger,
		Active:  orchestrator.Active,
		MinAge:  cfg.SweepMinAge,
	}
	sweeper.Sweep(ctx)
	if _, err := sweeper.Schedule(ctx, cfg.SweepSchedule); err != nil {
		return connect.WithExitCode(connect.EXIT_CONFIG, fmt.Errorf("invalid sweep schedule %q: %w", cfg.SweepSchedule, err))
	}

	brokerClosed := b.NotifyClose()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		// One build per worker process, scale out by starting more workers.
		err := b.Consume(ctx, broker.ConsumeOptions{
			Queue:                  broker.QUEUE_BUILD_REQUESTS,
			ConsumerTag:            broker.ConsumerTag("worker"),
			Prefetch:               1,
			RequeueDelay:           cfg.Broker.RequeueDelay,
			MaxConsecutiveFailures: cfg.Broker.MaxConsecutiveFailures,
		}, orchestrator.HandleDelivery)
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

	if cfg.MetricsAddress != "" {
		router := gin.New()
		router.Use(gin.Recovery())
		router.GET("/healthz", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
		})
		router.GET("/metrics", gin.WrapH(metrics.Handler(registry)))
		metricsServer := &http.Server{Addr: cfg.MetricsAddress, Handler: router}

		g.Go(func() error {
			logger.Info("Serving metrics", slog.String("address", cfg.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), SHUTDOWN_TIMEOUT)
			defer cancel()
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				logger.Warn("Failed to shut down metrics server", logfields.Error(err))
			}
			return nil
		})
	}

	logger.Info("Starting AUR CI Worker", slog.String("image", cfg.BuilderImage))
	return g.Wait()
}
