// Package config loads the environment and package list configuration of the controller and
// the worker.
//
// Environment variables are parsed with github.com/caarlos0/env, an optional .env file in the
// working directory is loaded first.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	env "github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Broker contains the message broker settings shared by all binaries.
type Broker struct {
	Address            string `env:"AMQP_ADDR"           envDefault:"amqp://127.0.0.1:5672/%2f"`
	DurableQueues      bool   `env:"QUEUE_DURABLE"       envDefault:"true"`
	PersistentMessages bool   `env:"PERSISTENT_MESSAGES" envDefault:"false"`

	RequeueDelay           time.Duration `env:"REQUEUE_DELAY"            envDefault:"5s"`
	MaxConsecutiveFailures int           `env:"MAX_CONSECUTIVE_FAILURES" envDefault:"10"`
}

// Connect controls the retry policy for infrastructure connections.
type Connect struct {
	Attempts int           `env:"CONNECT_ATTEMPTS" envDefault:"10"`
	Interval time.Duration `env:"CONNECT_INTERVAL" envDefault:"10s"`
}

type Log struct {
	Level  string `env:"LOG_LEVEL"  envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"text"`
}

type Controller struct {
	Log     Log
	Broker  Broker
	Connect Connect

	DatabaseURL    string `env:"DATABASE_URL"`
	DatabaseDriver string `env:"DB_DRIVER"      envDefault:"pgx"`
	PackagesPath   string `env:"AB_CONFIG_PATH"`

	// CheckInterval is the pause between two change detection passes.
	CheckInterval time.Duration `env:"CHECK_INTERVAL"  envDefault:"5m"`
	Address       string        `env:"ADDRESS"         envDefault:"127.0.0.1:8080"`
	ExitCodesPath string        `env:"EXIT_CODES_PATH"`
}

// Gitea holds the credentials build containers use to push artifacts.
type Gitea struct {
	Repo  string `env:"REPO"`
	User  string `env:"USER"`
	Token string `env:"TOKEN"`
}

// Registry holds optional credentials for pulling the build image.
type Registry struct {
	Address  string `env:"ADDRESS"`
	User     string `env:"USER"`
	Password string `env:"PASSWORD"`
}

func (r Registry) Enabled() bool {
	return r.User != "" || r.Password != ""
}

type Worker struct {
	Log     Log
	Broker  Broker
	Connect Connect

	BuilderImage   string   `env:"AB_BUILDER_IMAGE" envDefault:"ghcr.io/neferin12/aur-builder-build-container:latest"`
	Gitea          Gitea    `envPrefix:"AB_GITEA_"`
	Registry       Registry `envPrefix:"REGISTRY_"`
	MetricsAddress string   `env:"METRICS_ADDRESS"`
	SweepSchedule  string   `env:"SWEEP_SCHEDULE"   envDefault:"@every 30m"`
	// Exited build containers younger than this are left to their owner.
	SweepMinAge time.Duration `env:"SWEEP_MIN_AGE" envDefault:"1h"`
}

func loadDotEnv() error {
	if err := godotenv.Load(); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return fmt.Errorf("load .env file: %w", err)
		}
	}
	return nil
}

func LoadController() (Controller, error) {
	var cfg Controller
	if err := loadDotEnv(); err != nil {
		return cfg, err
	}
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func LoadWorker() (Worker, error) {
	var cfg Worker
	if err := loadDotEnv(); err != nil {
		return cfg, err
	}
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func (c *Controller) Validate() error {
	if c.DatabaseURL == "" {
		return errors.New("missing database URL (DATABASE_URL)")
	}
	if c.DatabaseDriver == "" {
		return errors.New("missing database driver (DB_DRIVER)")
	}
	if c.PackagesPath == "" {
		return errors.New("missing package list (AB_CONFIG_PATH)")
	}
	if c.CheckInterval <= 0 {
		return fmt.Errorf("invalid check interval %s", c.CheckInterval)
	}
	if c.Broker.Address == "" {
		return errors.New("missing broker address (AMQP_ADDR)")
	}
	return nil
}

func (c *Worker) Validate() error {
	if c.BuilderImage == "" {
		return errors.New("missing build image (AB_BUILDER_IMAGE)")
	}
	if c.Broker.Address == "" {
		return errors.New("missing broker address (AMQP_ADDR)")
	}
	return nil
}
