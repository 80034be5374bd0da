package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hashworks/aur-ci/broker"
	"github.com/hashworks/aur-ci/connect"
	"github.com/hashworks/aur-ci/logfields"
	"github.com/hashworks/aur-ci/metrics"
	"github.com/hashworks/aur-ci/model"
	amqp "github.com/rabbitmq/amqp091-go"
)

type ResultStore interface {
	SaveBuildResult(ctx context.Context, result *model.BuildResult) (model.BuildResultRecord, error)
}

// Reporter persists build results and forwards them to the notification queue.
type Reporter struct {
	Store     ResultStore
	Publisher Publisher
	ExitCodes *model.ExitCodeTable
	Recorder  metrics.Recorder
	Logger    *slog.Logger
}

func (r *Reporter) HandleDelivery(ctx context.Context, delivery amqp.Delivery) error {
	return r.Handle(ctx, delivery.Body)
}

// Handle processes one build result message. Malformed messages and results of unknown
// packages are permanent failures, everything else is retried by redelivery.
func (r *Reporter) Handle(ctx context.Context, body []byte) error {
	result, err := model.DecodeBuildResult(body)
	if err != nil {
		err = &model.ProtocolError{Queue: broker.QUEUE_BUILD_RESULTS, Err: err}
		r.Logger.Error("Dropping malformed build result", logfields.Queue(broker.QUEUE_BUILD_RESULTS), slog.String("body", string(body)), logfields.Error(err))
		r.Recorder.IncMalformedMessage(broker.QUEUE_BUILD_RESULTS)
		return broker.Permanent(err)
	}

	logger := r.Logger.With(logfields.Package(result.Task.Name), logfields.TaskID(result.Task.Id), logfields.Version(result.Task.Version))

	record, err := r.Store.SaveBuildResult(ctx, &result)
	if err != nil {
		if errors.Is(err, model.ErrPackageNotFound) {
			logger.Error("Dropping build result of unknown package", logfields.Error(err))
			r.Recorder.IncResultStored(metrics.StoreRejected)
			return broker.Permanent(err)
		}
		r.Recorder.IncResultStored(metrics.StoreFailed)
		logger.Warn("Failed to store build result", logfields.Error(err))
		return connect.WithExitCode(connect.EXIT_DATABASE, fmt.Errorf("failed to store build result of %s: %w", result.Task.Name, err))
	}
	r.Recorder.IncResultStored(metrics.StoreOK)

	logger.Info("Stored build result",
		slog.Int64("record_id", record.Id),
		slog.Bool("success", result.Success),
		logfields.ExitCode(result.StatusCode),
		slog.String("description", r.ExitCodes.Describe(result.StatusCode)),
	)

	if err := r.Publisher.Publish(ctx, broker.QUEUE_NOTIFICATIONS, body); err != nil {
		logger.Warn("Failed to forward build result", logfields.Queue(broker.QUEUE_NOTIFICATIONS), logfields.Error(err))
		return connect.WithExitCode(connect.EXIT_BROKER, fmt.Errorf("failed to forward build result of %s: %w", result.Task.Name, err))
	}
	return nil
}
