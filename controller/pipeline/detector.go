package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/hashworks/aur-ci/controller/aur"
	"github.com/hashworks/aur-ci/logfields"
	"github.com/hashworks/aur-ci/metrics"
	"github.com/hashworks/aur-ci/model"
)

const DEFAULT_CHECK_INTERVAL = 5 * time.Minute

type CycleReport struct {
	Checked int
	Changed int
	Failed  int
}

// Detector polls the upstream state of a static package list.
type Detector struct {
	Packages   []model.PackageConfig
	Fetcher    aur.Fetcher
	Store      PackageStore
	Dispatcher *Dispatcher
	Recorder   metrics.Recorder
	Logger     *slog.Logger
	// Interval is slept after every finished cycle.
	Interval time.Duration
	// AfterCheck is called once per package and cycle, if set.
	AfterCheck func(pkg model.PackageConfig)
}

// Run repeats RunCycle until ctx is done or a task could not be dispatched.
func (d *Detector) Run(ctx context.Context) error {
	interval := d.Interval
	if interval <= 0 {
		interval = DEFAULT_CHECK_INTERVAL
	}

	for {
		report, err := d.RunCycle(ctx)
		if err != nil {
			return err
		}
		d.Logger.Info("Finished package check", slog.Int("checked", report.Checked), slog.Int("changed", report.Changed), slog.Int("failed", report.Failed))

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// RunCycle checks every package once. Fetch failures skip the package, a failed dispatch ends
// the cycle with an error.
func (d *Detector) RunCycle(ctx context.Context) (CycleReport, error) {
	var report CycleReport

	for _, pkg := range d.Packages {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		changed, err := d.check(ctx, pkg)
		if d.AfterCheck != nil {
			d.AfterCheck(pkg)
		}
		if err != nil {
			return report, err
		}

		report.Checked++
		switch changed {
		case checkChanged:
			report.Changed++
		case checkFailed:
			report.Failed++
		}
	}

	return report, nil
}

type checkResult int

const (
	checkUnchanged checkResult = iota
	checkChanged
	checkFailed
)

func (d *Detector) check(ctx context.Context, pkg model.PackageConfig) (checkResult, error) {
	logger := d.Logger.With(logfields.Package(pkg.String()))

	metadata, err := d.Fetcher.Fetch(ctx, pkg)
	if err != nil {
		logger.Warn("Failed to fetch package, skipping", logfields.Error(err))
		d.Recorder.IncPackageCheck(metrics.CheckFailed)
		return checkFailed, nil
	}

	state, changed, err := d.Store.UpdateMetadata(ctx, metadata)
	if err != nil {
		logger.Error("Failed to update package state, skipping", logfields.Error(err))
		d.Recorder.IncPackageCheck(metrics.CheckFailed)
		return checkFailed, nil
	}

	if !changed {
		logger.Debug("Package unchanged", logfields.Version(metadata.Version))
		d.Recorder.IncPackageCheck(metrics.CheckUnchanged)
		return checkUnchanged, nil
	}

	logger.Info("Package changed", logfields.Version(metadata.Version), slog.Int64("last_modified", metadata.LastModified))
	d.Recorder.IncPackageCheck(metrics.CheckChanged)

	if err := d.Dispatcher.Dispatch(ctx, state, metadata); err != nil {
		return checkChanged, err
	}
	return checkChanged, nil
}
