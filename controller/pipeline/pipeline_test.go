package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hashworks/aur-ci/broker"
	"github.com/hashworks/aur-ci/connect"
	"github.com/hashworks/aur-ci/controller/store"
	"github.com/hashworks/aur-ci/metrics"
	"github.com/hashworks/aur-ci/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type message struct {
	queue string
	body  []byte
}

type fakePublisher struct {
	mu       sync.Mutex
	messages []message
	err      error
}

func (p *fakePublisher) Publish(ctx context.Context, queue string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.messages = append(p.messages, message{queue: queue, body: body})
	return nil
}

func (p *fakePublisher) tasks(t *testing.T) []model.BuildTask {
	t.Helper()
	var tasks []model.BuildTask
	for _, m := range p.messages {
		require.Equal(t, broker.QUEUE_BUILD_REQUESTS, m.queue)
		task, err := model.DecodeBuildTask(m.body)
		require.NoError(t, err)
		tasks = append(tasks, task)
	}
	return tasks
}

type fakeFetcher map[string]model.PackageMetadata

func (f fakeFetcher) Fetch(ctx context.Context, pkg model.PackageConfig) (model.PackageMetadata, error) {
	metadata, ok := f[pkg.String()]
	if !ok {
		return model.PackageMetadata{}, &model.FetchError{Package: pkg.String(), Err: errors.New("upstream unavailable")}
	}
	return metadata, nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open("sqlite3", "file:"+uuid.NewString()+"?mode=memory&cache=shared")
	require.NoError(t, err)
	s.DB.SetMaxOpenConns(1)
	require.NoError(t, s.Sync())
	t.Cleanup(func() { s.Close() })
	return s
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestDetector(s *store.Store, publisher Publisher, fetcher fakeFetcher, packages ...model.PackageConfig) *Detector {
	logger := testLogger()
	return &Detector{
		Packages: packages,
		Fetcher:  fetcher,
		Store:    s,
		Dispatcher: &Dispatcher{
			Publisher: publisher,
			Store:     s,
			Recorder:  metrics.NoopRecorder{},
			Logger:    logger,
		},
		Recorder: metrics.NoopRecorder{},
		Logger:   logger,
	}
}

func aurPackage(name string) model.PackageConfig {
	return model.PackageConfig{Kind: model.PACKAGE_KIND_AUR, Name: name}
}

func TestRunCycleDispatchesNewerPackage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	stored, _, err := s.UpdateMetadata(ctx, model.PackageMetadata{Name: "foo", Version: "1.0-1", LastModified: 100})
	require.NoError(t, err)

	publisher := &fakePublisher{}
	fetcher := fakeFetcher{"foo": {Name: "foo", Version: "1.1-1", Maintainer: "alice", LastModified: 150, Options: "--nocheck"}}
	detector := newTestDetector(s, publisher, fetcher, aurPackage("foo"))

	report, err := detector.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, CycleReport{Checked: 1, Changed: 1}, report)

	state, err := s.GetPackageByName(ctx, "foo")
	require.NoError(t, err)
	assert.Equal(t, int64(150), state.LastModified)

	tasks := publisher.tasks(t)
	require.Len(t, tasks, 1)
	assert.Equal(t, stored.Id, tasks[0].Id)
	assert.Equal(t, "foo", tasks[0].Name)
	assert.Equal(t, "1.1-1", tasks[0].Version)
	assert.Equal(t, "--nocheck", tasks[0].OptionsOrEmpty())
}

func TestRunCycleSkipsUnchangedPackages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, _, err := s.UpdateMetadata(ctx, model.PackageMetadata{Name: "foo", Version: "1.0-1", LastModified: 100})
	require.NoError(t, err)
	_, _, err = s.UpdateMetadata(ctx, model.PackageMetadata{Name: "bar", Version: "1.0-1", LastModified: 100})
	require.NoError(t, err)

	publisher := &fakePublisher{}
	fetcher := fakeFetcher{
		"foo": {Name: "foo", Version: "1.0-1", LastModified: 100},
		"bar": {Name: "bar", Version: "0.9-1", LastModified: 90},
	}
	detector := newTestDetector(s, publisher, fetcher, aurPackage("foo"), aurPackage("bar"))

	report, err := detector.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, CycleReport{Checked: 2}, report)
	assert.Empty(t, publisher.messages)
}

func TestRunCycleDispatchesFirstSeenPackage(t *testing.T) {
	s := newTestStore(t)
	publisher := &fakePublisher{}
	fetcher := fakeFetcher{"foo": {Name: "foo", Version: "1.0-1", LastModified: 100}}
	detector := newTestDetector(s, publisher, fetcher, aurPackage("foo"))

	_, err := detector.RunCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, publisher.tasks(t), 1)

	// A second cycle without upstream changes dispatches nothing.
	_, err = detector.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Len(t, publisher.messages, 1)
}

func TestRunCycleSkipsFetchFailures(t *testing.T) {
	s := newTestStore(t)
	publisher := &fakePublisher{}
	fetcher := fakeFetcher{"bar": {Name: "bar", Version: "1.0-1", LastModified: 100}}

	var checked []string
	detector := newTestDetector(s, publisher, fetcher, aurPackage("foo"), aurPackage("bar"))
	detector.AfterCheck = func(pkg model.PackageConfig) { checked = append(checked, pkg.Name) }

	report, err := detector.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, CycleReport{Checked: 2, Changed: 1, Failed: 1}, report)
	assert.Equal(t, []string{"foo", "bar"}, checked)

	tasks := publisher.tasks(t)
	require.Len(t, tasks, 1)
	assert.Equal(t, "bar", tasks[0].Name)
}

func TestRunCyclePublishFailureResetsPackage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	publisher := &fakePublisher{err: errors.New("channel closed")}
	fetcher := fakeFetcher{"foo": {Name: "foo", Version: "1.0-1", LastModified: 100}}
	detector := newTestDetector(s, publisher, fetcher, aurPackage("foo"))

	_, err := detector.RunCycle(ctx)
	require.ErrorContains(t, err, "channel closed")

	state, err := s.GetPackageByName(ctx, "foo")
	require.NoError(t, err)
	assert.Zero(t, state.LastModified)

	publisher.err = nil
	report, err := detector.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Changed)
	assert.Len(t, publisher.tasks(t), 1)
}

func TestRunStopsOnCancel(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())

	detector := newTestDetector(s, &fakePublisher{}, fakeFetcher{}, aurPackage("foo"))
	detector.AfterCheck = func(model.PackageConfig) { cancel() }

	err := detector.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

type timedFetcher struct {
	delay time.Duration
	calls []time.Time
}

func (f *timedFetcher) Fetch(ctx context.Context, pkg model.PackageConfig) (model.PackageMetadata, error) {
	f.calls = append(f.calls, time.Now())
	time.Sleep(f.delay)
	return model.PackageMetadata{Name: pkg.Name, Version: "1.0-1", LastModified: 100}, nil
}

func TestRunSleepsFullIntervalAfterCycle(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const fetchDelay = 30 * time.Millisecond
	const interval = 50 * time.Millisecond

	fetcher := &timedFetcher{delay: fetchDelay}
	detector := newTestDetector(s, &fakePublisher{}, fakeFetcher{}, aurPackage("foo"))
	detector.Fetcher = fetcher
	detector.Interval = interval
	detector.AfterCheck = func(model.PackageConfig) {
		if len(fetcher.calls) == 3 {
			cancel()
		}
	}

	require.ErrorIs(t, detector.Run(ctx), context.Canceled)
	require.Len(t, fetcher.calls, 3)

	// The interval starts once a cycle is done, so slow cycles push the next one back.
	for i := 1; i < len(fetcher.calls); i++ {
		assert.GreaterOrEqual(t, fetcher.calls[i].Sub(fetcher.calls[i-1]), fetchDelay+interval)
	}
}

func newTestReporter(s *store.Store, publisher Publisher) *Reporter {
	exitCodes, _ := model.DefaultExitCodeTable()
	return &Reporter{
		Store:     s,
		Publisher: publisher,
		ExitCodes: exitCodes,
		Recorder:  metrics.NoopRecorder{},
		Logger:    testLogger(),
	}
}

func TestReporterStoresAndForwards(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	state, _, err := s.UpdateMetadata(ctx, model.PackageMetadata{Name: "foo", Version: "1.0-1", LastModified: 100})
	require.NoError(t, err)

	body, err := json.Marshal(model.BuildResult{
		Task:       model.BuildTask{Id: state.Id, Name: "foo", Version: "1.0-1"},
		StatusCode: 0,
		LogLines:   []string{"stdout: ok\n"},
		Success:    true,
	})
	require.NoError(t, err)

	publisher := &fakePublisher{}
	require.NoError(t, newTestReporter(s, publisher).Handle(ctx, body))

	records, err := s.BuildResults(ctx, state.Id)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, records[0].Success)
	assert.Equal(t, "stdout: ok\n", records[0].BuildLog)

	require.Len(t, publisher.messages, 1)
	assert.Equal(t, broker.QUEUE_NOTIFICATIONS, publisher.messages[0].queue)
	assert.Equal(t, body, publisher.messages[0].body)
}

func TestReporterRejectsUnknownPackage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	body, err := json.Marshal(model.BuildResult{Task: model.BuildTask{Id: 42, Name: "ghost", Version: "1.0"}})
	require.NoError(t, err)

	publisher := &fakePublisher{}
	err = newTestReporter(s, publisher).Handle(ctx, body)
	require.Error(t, err)
	assert.True(t, broker.IsPermanent(err))
	assert.ErrorIs(t, err, model.ErrPackageNotFound)

	count, err := s.DB.Count(new(model.BuildResultRecord))
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Empty(t, publisher.messages)
}

func TestReporterRejectsMalformedMessage(t *testing.T) {
	s := newTestStore(t)
	publisher := &fakePublisher{}

	err := newTestReporter(s, publisher).Handle(context.Background(), []byte(`{"task":`))
	require.Error(t, err)
	assert.True(t, broker.IsPermanent(err))

	var protocolErr *model.ProtocolError
	assert.ErrorAs(t, err, &protocolErr)
	assert.Empty(t, publisher.messages)
}

func TestReporterReplayAppendsDuplicateRecord(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	state, _, err := s.UpdateMetadata(ctx, model.PackageMetadata{Name: "foo", Version: "1.0-1", LastModified: 100})
	require.NoError(t, err)

	body, err := json.Marshal(model.BuildResult{Task: model.BuildTask{Id: state.Id, Name: "foo", Version: "1.0-1"}, StatusCode: 1})
	require.NoError(t, err)

	reporter := newTestReporter(s, &fakePublisher{})
	require.NoError(t, reporter.Handle(ctx, body))
	require.NoError(t, reporter.Handle(ctx, body))

	records, err := s.BuildResults(ctx, state.Id)
	require.NoError(t, err)
	assert.Len(t, records, 2)

	stored, err := s.GetPackage(ctx, state.Id)
	require.NoError(t, err)
	assert.Equal(t, state, stored)
}

func TestReporterForwardFailureIsRetried(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	state, _, err := s.UpdateMetadata(ctx, model.PackageMetadata{Name: "foo", Version: "1.0-1", LastModified: 100})
	require.NoError(t, err)
	body, err := json.Marshal(model.BuildResult{Task: model.BuildTask{Id: state.Id, Name: "foo"}})
	require.NoError(t, err)

	err = newTestReporter(s, &fakePublisher{err: errors.New("broker gone")}).Handle(ctx, body)
	require.Error(t, err)
	assert.False(t, broker.IsPermanent(err))
}

type failingResultStore struct {
	err error
}

func (f failingResultStore) SaveBuildResult(ctx context.Context, result *model.BuildResult) (model.BuildResultRecord, error) {
	return model.BuildResultRecord{}, f.err
}

func captureLogger() (*slog.Logger, *strings.Builder) {
	var buf strings.Builder
	return slog.New(slog.NewTextHandler(&buf, nil)), &buf
}

func TestReporterStoreFailureIsLoggedAndRetried(t *testing.T) {
	logger, logs := captureLogger()
	publisher := &fakePublisher{}
	reporter := newTestReporter(nil, publisher)
	reporter.Store = failingResultStore{err: errors.New("database is down")}
	reporter.Logger = logger

	body, err := json.Marshal(model.BuildResult{Task: model.BuildTask{Id: 1, Name: "foo", Version: "1.0-1"}})
	require.NoError(t, err)

	err = reporter.Handle(context.Background(), body)
	require.ErrorContains(t, err, "database is down")
	assert.False(t, broker.IsPermanent(err))
	assert.Equal(t, connect.EXIT_DATABASE, connect.ExitCode(err))
	assert.Empty(t, publisher.messages)

	assert.Contains(t, logs.String(), "level=WARN")
	assert.Contains(t, logs.String(), "database is down")
	assert.Contains(t, logs.String(), "package=foo")
}

func TestReporterForwardFailureIsLogged(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	state, _, err := s.UpdateMetadata(ctx, model.PackageMetadata{Name: "foo", Version: "1.0-1", LastModified: 100})
	require.NoError(t, err)
	body, err := json.Marshal(model.BuildResult{Task: model.BuildTask{Id: state.Id, Name: "foo"}})
	require.NoError(t, err)

	logger, logs := captureLogger()
	reporter := newTestReporter(s, &fakePublisher{err: errors.New("channel closed")})
	reporter.Logger = logger

	err = reporter.Handle(ctx, body)
	require.Error(t, err)
	assert.Equal(t, connect.EXIT_BROKER, connect.ExitCode(err))
	assert.Contains(t, logs.String(), "channel closed")
	assert.Contains(t, logs.String(), "queue="+broker.QUEUE_NOTIFICATIONS)
}
