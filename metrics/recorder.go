// Package metrics exposes pipeline counters. Components depend on the Recorder interface and
// default to NoopRecorder when metrics are not wired.
package metrics

import "time"

type CheckResult string

const (
	CheckChanged   CheckResult = "changed"
	CheckUnchanged CheckResult = "unchanged"
	CheckFailed    CheckResult = "failed"
)

type BuildOutcome string

const (
	BuildSuccess BuildOutcome = "success"
	BuildFailure BuildOutcome = "failure"
	BuildError   BuildOutcome = "error"
)

type StoreResult string

const (
	StoreOK       StoreResult = "stored"
	StoreRejected StoreResult = "rejected"
	StoreFailed   StoreResult = "failed"
)

type Recorder interface {
	IncPackageCheck(result CheckResult)
	IncTaskPublished()
	IncBuildOutcome(outcome BuildOutcome)
	ObserveBuildDuration(d time.Duration)
	IncResultStored(result StoreResult)
	IncMalformedMessage(queue string)
}

type NoopRecorder struct{}

func (NoopRecorder) IncPackageCheck(CheckResult)        {}
func (NoopRecorder) IncTaskPublished()                  {}
func (NoopRecorder) IncBuildOutcome(BuildOutcome)       {}
func (NoopRecorder) ObserveBuildDuration(time.Duration) {}
func (NoopRecorder) IncResultStored(StoreResult)        {}
func (NoopRecorder) IncMalformedMessage(string)         {}
