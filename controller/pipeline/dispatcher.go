// Package pipeline detects upstream changes, dispatches build tasks and records build results.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hashworks/aur-ci/broker"
	"github.com/hashworks/aur-ci/logfields"
	"github.com/hashworks/aur-ci/metrics"
	"github.com/hashworks/aur-ci/model"
)

type Publisher interface {
	Publish(ctx context.Context, queue string, body []byte) error
}

type PackageStore interface {
	UpdateMetadata(ctx context.Context, metadata model.PackageMetadata) (model.PackageState, bool, error)
	ResetLastModified(ctx context.Context, id int64) error
}

// Dispatcher publishes one build task per changed package and waits for the broker to confirm
// it before returning.
type Dispatcher struct {
	Publisher Publisher
	Store     PackageStore
	Recorder  metrics.Recorder
	Logger    *slog.Logger
}

func (d *Dispatcher) Dispatch(ctx context.Context, state model.PackageState, metadata model.PackageMetadata) error {
	task := model.NewBuildTask(state, metadata)
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal build task of %s: %w", task.Name, err)
	}

	if err := d.Publisher.Publish(ctx, broker.QUEUE_BUILD_REQUESTS, body); err != nil {
		// The change is already stored. Forget it so the next cycle detects it again.
		if resetErr := d.Store.ResetLastModified(context.WithoutCancel(ctx), state.Id); resetErr != nil {
			d.Logger.Error("Failed to reset package after publish failure", logfields.Package(task.Name), logfields.Error(resetErr))
		}
		return fmt.Errorf("failed to dispatch build task of %s: %w", task.Name, err)
	}

	d.Recorder.IncTaskPublished()
	d.Logger.Info("Dispatched build task", logfields.Package(task.Name), logfields.TaskID(task.Id), logfields.Version(task.Version))
	return nil
}
