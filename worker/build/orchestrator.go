package build

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/hashworks/aur-ci/broker"
	"github.com/hashworks/aur-ci/connect"
	"github.com/hashworks/aur-ci/logfields"
	"github.com/hashworks/aur-ci/metrics"
	"github.com/hashworks/aur-ci/model"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	BUILD_USER = "builder"
	// One logical CPU.
	CPU_PERIOD = 100000
	CPU_QUOTA  = 100000

	LABEL_PACKAGE = "aur-ci.package"
	LABEL_TASK_ID = "aur-ci.task-id"
)

type Publisher interface {
	Publish(ctx context.Context, queue string, body []byte) error
}

// Credentials are injected into every build container to push artifacts.
type Credentials struct {
	GiteaRepo  string
	GiteaUser  string
	GiteaToken string
}

type Orchestrator struct {
	Runtime      Runtime
	Publisher    Publisher
	Image        string
	RegistryAuth string
	Credentials  Credentials
	Recorder     metrics.Recorder
	Logger       *slog.Logger
	// Active holds the container of the build in progress until it is removed.
	Active *ContainerSet

	names *nameGenerator
	now   func() time.Time
}

func NewOrchestrator(runtime Runtime, publisher Publisher, image string, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		Runtime:   runtime,
		Publisher: publisher,
		Image:     image,
		Recorder:  metrics.NoopRecorder{},
		Logger:    logger,
		Active:    NewContainerSet(),
		names:     newSeededNameGenerator(),
		now:       time.Now,
	}
}

func (o *Orchestrator) HandleDelivery(ctx context.Context, delivery amqp.Delivery) error {
	return o.Handle(ctx, delivery.Body)
}

// Handle builds one task and publishes its result. A nil return means the result was
// published and the task may be acknowledged.
func (o *Orchestrator) Handle(ctx context.Context, body []byte) error {
	task, err := model.DecodeBuildTask(body)
	if err != nil {
		err = &model.ProtocolError{Queue: broker.QUEUE_BUILD_REQUESTS, Err: err}
		o.Logger.Error("Dropping malformed build task", logfields.Queue(broker.QUEUE_BUILD_REQUESTS), slog.String("body", string(body)), logfields.Error(err))
		o.Recorder.IncMalformedMessage(broker.QUEUE_BUILD_REQUESTS)
		return broker.Permanent(err)
	}

	logger := o.Logger.With(logfields.Package(task.Name), logfields.TaskID(task.Id), logfields.Version(task.Version))
	logger.Info("Handling build task")

	if err := PullImage(ctx, o.Runtime, o.Image, o.RegistryAuth); err != nil {
		logger.Warn("Failed to pull build image, using cached image", slog.String("image", o.Image), logfields.Error(err))
	}

	result, err := o.Build(ctx, &task, logger)
	if err != nil {
		logger.Error("Build failed without result", logfields.Error(err))
		o.Recorder.IncBuildOutcome(metrics.BuildError)
		return connect.WithExitCode(connect.EXIT_CONTAINER_RUNTIME, err)
	}

	resultBody, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal build result: %w", err)
	}
	if err := o.Publisher.Publish(ctx, broker.QUEUE_BUILD_RESULTS, resultBody); err != nil {
		o.Recorder.IncBuildOutcome(metrics.BuildError)
		logger.Warn("Failed to publish build result", logfields.Queue(broker.QUEUE_BUILD_RESULTS), logfields.Error(err))
		return connect.WithExitCode(connect.EXIT_BROKER, fmt.Errorf("failed to publish build result: %w", err))
	}

	if result.Success {
		o.Recorder.IncBuildOutcome(metrics.BuildSuccess)
	} else {
		o.Recorder.IncBuildOutcome(metrics.BuildFailure)
	}
	o.Recorder.ObserveBuildDuration(result.Timestamps.End.Sub(result.Timestamps.Start))

	logger.Info("Published build result", slog.Bool("success", result.Success), logfields.ExitCode(result.StatusCode), slog.Int("log_lines", len(result.LogLines)))
	return nil
}

func (o *Orchestrator) containerConfig(task *model.BuildTask) *container.Config {
	env := []string{
		"AB_SOURCE=" + task.SourceURL(),
		"AB_SUBFOLDER=" + task.SubfolderOrEmpty(),
		"AB_OPTIONS=" + task.OptionsOrEmpty(),
		"AB_GITEA_REPO=" + o.Credentials.GiteaRepo,
		"AB_GITEA_USER=" + o.Credentials.GiteaUser,
		"AB_GITEA_TOKEN=" + o.Credentials.GiteaToken,
	}
	for _, variable := range task.Environment {
		env = append(env, variable.String())
	}

	return &container.Config{
		Image: o.Image,
		User:  BUILD_USER,
		Env:   env,
		Labels: map[string]string{
			LABEL_PACKAGE: task.Name,
			LABEL_TASK_ID: strconv.FormatInt(task.Id, 10),
		},
	}
}

// Build runs the task container to completion. Errors are orchestration failures without an
// exit code, a failing build is a result with Success set to false.
func (o *Orchestrator) Build(ctx context.Context, task *model.BuildTask, logger *slog.Logger) (model.BuildResult, error) {
	result := model.BuildResult{Task: *task, StatusCode: model.STATUS_CODE_UNAVAILABLE}
	result.Timestamps.Start = o.now()

	name := o.names.Next(task)
	logger = logger.With(logfields.Container(name))
	logger.Info("Creating container")

	created, err := o.Runtime.ContainerCreate(ctx,
		o.containerConfig(task),
		&container.HostConfig{
			Resources: container.Resources{
				CPUPeriod: CPU_PERIOD,
				CPUQuota:  CPU_QUOTA,
			},
		},
		&network.NetworkingConfig{},
		platformFor(o.Runtime),
		name)
	if err != nil {
		return result, &model.ContainerError{Op: "create", Err: err}
	}
	logger = logger.With(logfields.ContainerID(created.ID))
	o.Active.Add(created.ID)

	defer func() {
		defer o.Active.Remove(created.ID)
		// Removal must happen even if ctx is already cancelled.
		if err := o.Runtime.ContainerRemove(context.WithoutCancel(ctx), created.ID, container.RemoveOptions{
			RemoveVolumes: true,
			Force:         true,
		}); err != nil {
			logger.Warn("Failed to remove container", logfields.Error(err))
		}
	}()

	// Registered before the start so a fast exit is not missed.
	waitCh, errCh := o.Runtime.ContainerWait(ctx, created.ID, container.WaitConditionNextExit)

	logger.Info("Starting container")
	if err := o.Runtime.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return result, &model.ContainerError{Op: "start", Err: err}
	}

	streamCtx, stopStreaming := context.WithCancel(ctx)
	waitStreaming := followLogs(streamCtx, o.Runtime, created.ID, func(line string) {
		logger.Debug(strings.TrimSuffix(line, "\n"))
	})

	var waitResponse container.WaitResponse
	var waitErr error
	select {
	case waitResponse = <-waitCh:
	case waitErr = <-errCh:
	case <-ctx.Done():
		waitErr = ctx.Err()
	}

	stopStreaming()
	if err := waitStreaming(); err != nil {
		logger.Debug("Log streaming ended with error", logfields.Error(err))
	}

	if waitErr != nil {
		return result, &model.ContainerError{Op: "wait", Err: waitErr}
	}

	lines, err := collectLogs(context.WithoutCancel(ctx), o.Runtime, created.ID)
	if err != nil {
		logger.Warn("Failed to fetch container log", logfields.Error(err))
	}
	result.LogLines = lines
	result.Timestamps.End = o.now()

	if err := classify(&result, waitResponse); err != nil {
		return result, err
	}

	logger.Info("Container exited", logfields.ExitCode(result.StatusCode), slog.Bool("success", result.Success))
	return result, nil
}

// classify folds a wait response into the result. A wait error without an exit code has no
// result.
func classify(result *model.BuildResult, response container.WaitResponse) error {
	if response.Error != nil && response.StatusCode == 0 {
		return &model.ContainerError{Op: "wait", Err: errors.New(response.Error.Message)}
	}
	result.StatusCode = response.StatusCode
	result.Success = response.Error == nil && response.StatusCode == 0
	return nil
}
