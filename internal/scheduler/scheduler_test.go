package scheduler

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ipsix/fleetaudit/internal/connect"
	"github.com/ipsix/fleetaudit/internal/inventory"
	"github.com/ipsix/fleetaudit/internal/lease"
	"github.com/ipsix/fleetaudit/internal/logging"
	"github.com/ipsix/fleetaudit/internal/state"
)

type testExecutor struct {
	mu      sync.Mutex
	calls   map[string]int
	jobIDs  map[string]string
	block   chan struct{}
	started chan string
	panicOn string
}

func newTestExecutor() *testExecutor {
	return &testExecutor{
		calls:   map[string]int{},
		jobIDs:  map[string]string{},
		started: make(chan string, 16),
	}
}

func (e *testExecutor) Execute(ctx context.Context, task *inventory.ScanTask) inventory.TaskStatus {
	_ = task.Transition(inventory.StatusRunning)
	e.mu.Lock()
	e.calls[task.Source.ID]++
	e.jobIDs[task.Source.ID] = task.JobID
	block := e.block
	e.mu.Unlock()
	e.started <- task.Source.ID

	if task.Source.ID == e.panicOn {
		panic("boom")
	}
	if block != nil {
		select {
		case <-ctx.Done():
			if errors.Is(context.Cause(ctx), connect.ErrPaused) {
				_ = task.Transition(inventory.StatusPaused)
			} else {
				_ = task.Transition(inventory.StatusFailed)
			}
			return task.Status
		case <-block:
		}
	}
	_ = task.Transition(inventory.StatusCompleted)
	return task.Status
}

func (e *testExecutor) setBlock(ch chan struct{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.block = ch
}

func (e *testExecutor) callCount(source string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[source]
}

func testRegistry(t *testing.T, ids ...string) *inventory.Registry {
	t.Helper()
	var sources []inventory.Source
	for _, id := range ids {
		sources = append(sources, inventory.Source{ID: id, Type: inventory.SourceSatellite})
	}
	reg, err := inventory.NewRegistry(sources...)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return reg
}

func quietLogger() *logging.Logger {
	return logging.NewWithOptions(logging.Options{Format: "text", Output: &bytes.Buffer{}})
}

func waitStarted(t *testing.T, e *testExecutor, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-e.started:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for task %d to start", i+1)
		}
	}
}

func TestParseSchedule(t *testing.T) {
	for _, expr := range []string{"@every 1s", "1s", "*/5 * * * *", "@hourly", "0 2 * * 1-5"} {
		if _, err := parseSchedule(expr); err != nil {
			t.Fatalf("expected %q to parse: %v", expr, err)
		}
	}
	for _, expr := range []string{"", "-1s", "whenever", "* * *"} {
		if _, err := parseSchedule(expr); err == nil {
			t.Fatalf("expected %q to be rejected", expr)
		}
	}
}

func TestAddJobValidation(t *testing.T) {
	s := New(quietLogger(), newTestExecutor(), testRegistry(t, "a"))
	if err := s.AddJob(JobConfig{Schedule: "1h", Sources: []string{"a"}}); err == nil {
		t.Fatalf("expected missing name error")
	}
	if err := s.AddJob(JobConfig{Name: "job", Schedule: "1h"}); err == nil {
		t.Fatalf("expected missing sources error")
	}
	if err := s.AddJob(JobConfig{Name: "job", Schedule: "1h", Sources: []string{"a"}}); err != nil {
		t.Fatalf("add job: %v", err)
	}
	if err := s.AddJob(JobConfig{Name: "job", Schedule: "1h", Sources: []string{"a"}}); err == nil {
		t.Fatalf("expected duplicate job error")
	}
	if _, err := s.RunOnce(context.Background(), "missing"); err == nil {
		t.Fatalf("expected unknown job error")
	}
}

func TestRunOnceFansOutPerSource(t *testing.T) {
	exec := newTestExecutor()
	cache := state.NewTaskCache(10)
	s := New(quietLogger(), exec, testRegistry(t, "a", "b", "c"), WithTaskCache(cache))
	if err := s.AddJob(JobConfig{Name: "job", Schedule: "1h", Sources: []string{"a", "b", "c", "ghost"}, Workers: 2}); err != nil {
		t.Fatalf("add job: %v", err)
	}

	run, err := s.RunOnce(context.Background(), "job")
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if len(run.Tasks) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(run.Tasks))
	}
	if got := run.Counts()[inventory.StatusCompleted]; got != 3 {
		t.Fatalf("expected 3 completed, got %d", got)
	}
	for _, task := range run.Tasks {
		if task.JobID != run.JobID {
			t.Fatalf("task %s carries job %s, want %s", task.ID, task.JobID, run.JobID)
		}
	}
	if len(cache.Latest()) != 3 {
		t.Fatalf("expected cache to record every task")
	}
}

func TestOverlapPrevention(t *testing.T) {
	exec := newTestExecutor()
	release := make(chan struct{})
	exec.setBlock(release)
	s := New(quietLogger(), exec, testRegistry(t, "a"))
	if err := s.AddJob(JobConfig{Name: "job", Schedule: "1h", Sources: []string{"a"}}); err != nil {
		t.Fatalf("add job: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = s.RunOnce(context.Background(), "job")
	}()
	waitStarted(t, exec, 1)

	if _, err := s.RunOnce(context.Background(), "job"); err == nil {
		t.Fatalf("expected overlapping run to be rejected")
	}
	close(release)
	<-done
	if exec.callCount("a") != 1 {
		t.Fatalf("expected exactly one execution, got %d", exec.callCount("a"))
	}
}

func TestPauseThenResumeKeepsJobID(t *testing.T) {
	exec := newTestExecutor()
	exec.setBlock(make(chan struct{}))
	s := New(quietLogger(), exec, testRegistry(t, "a", "b"))
	if err := s.AddJob(JobConfig{Name: "job", Schedule: "1h", Sources: []string{"a", "b"}, Workers: 2}); err != nil {
		t.Fatalf("add job: %v", err)
	}

	runs := make(chan *JobRun, 1)
	go func() {
		run, _ := s.RunOnce(context.Background(), "job")
		runs <- run
	}()
	waitStarted(t, exec, 2)
	if err := s.Pause("job"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	paused := <-runs
	if got := paused.Counts()[inventory.StatusPaused]; got != 2 {
		t.Fatalf("expected 2 paused tasks, got %+v", paused.Counts())
	}

	exec.setBlock(nil)
	resumed, err := s.Resume(context.Background(), "job")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed == nil || resumed.JobID != paused.JobID {
		t.Fatalf("expected resume to continue the paused run")
	}
	if got := resumed.Counts()[inventory.StatusCompleted]; got != 2 {
		t.Fatalf("expected 2 completed after resume, got %+v", resumed.Counts())
	}
	if exec.callCount("a") != 2 {
		t.Fatalf("expected source a to be scanned twice, got %d", exec.callCount("a"))
	}

	again, err := s.Resume(context.Background(), "job")
	if err != nil || again != nil {
		t.Fatalf("expected nothing pending, got %v %v", again, err)
	}
}

func TestLeaseHeldSkipsTask(t *testing.T) {
	exec := newTestExecutor()
	locker := lease.NewLocal()
	held, err := locker.Acquire(context.Background(), lease.Key("job", "a"), time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer held.Release(context.Background()) //nolint:errcheck

	s := New(quietLogger(), exec, testRegistry(t, "a", "b"), WithLocker(locker, time.Minute))
	if err := s.AddJob(JobConfig{Name: "job", Schedule: "1h", Sources: []string{"a", "b"}}); err != nil {
		t.Fatalf("add job: %v", err)
	}
	run, err := s.RunOnce(context.Background(), "job")
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if exec.callCount("a") != 0 || exec.callCount("b") != 1 {
		t.Fatalf("expected only b to run, calls=%v", exec.calls)
	}
	if got := run.Counts()[inventory.StatusCreated]; got != 1 {
		t.Fatalf("expected skipped task to stay created, got %+v", run.Counts())
	}
}

func TestPanicRecovery(t *testing.T) {
	exec := newTestExecutor()
	exec.panicOn = "a"
	s := New(quietLogger(), exec, testRegistry(t, "a", "b"))
	if err := s.AddJob(JobConfig{Name: "job", Schedule: "1h", Sources: []string{"a", "b"}}); err != nil {
		t.Fatalf("add job: %v", err)
	}
	run, err := s.RunOnce(context.Background(), "job")
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	counts := run.Counts()
	if counts[inventory.StatusFailed] != 1 || counts[inventory.StatusCompleted] != 1 {
		t.Fatalf("expected one failed and one completed, got %+v", counts)
	}
}

func TestStartRunsOnStart(t *testing.T) {
	exec := newTestExecutor()
	runs := make(chan *JobRun, 4)
	s := New(quietLogger(), exec, testRegistry(t, "a"), WithOnRun(func(run *JobRun) { runs <- run }))
	if err := s.AddJob(JobConfig{Name: "job", Schedule: "@every 1h", Sources: []string{"a"}, RunOnStart: true}); err != nil {
		t.Fatalf("add job: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	select {
	case run := <-runs:
		if run.Counts()[inventory.StatusCompleted] != 1 {
			t.Fatalf("unexpected run: %+v", run.Counts())
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected run on start")
	}
}

type blockingLocker struct {
	entered chan struct{}
	err     error
}

func (l *blockingLocker) Acquire(ctx context.Context, _ string, _ time.Duration) (*lease.Lease, error) {
	if l.err != nil {
		return nil, l.err
	}
	close(l.entered)
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestPauseWhileAcquiringLeaseMarksTaskPaused(t *testing.T) {
	exec := newTestExecutor()
	locker := &blockingLocker{entered: make(chan struct{})}
	s := New(quietLogger(), exec, testRegistry(t, "a"), WithLocker(locker, time.Minute))
	if err := s.AddJob(JobConfig{Name: "job", Schedule: "1h", Sources: []string{"a"}}); err != nil {
		t.Fatalf("add job: %v", err)
	}

	runs := make(chan *JobRun, 1)
	go func() {
		run, _ := s.RunOnce(context.Background(), "job")
		runs <- run
	}()
	select {
	case <-locker.entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("lease acquire never started")
	}
	if err := s.Pause("job"); err != nil {
		t.Fatalf("pause: %v", err)
	}

	run := <-runs
	if got := run.Tasks[0].Status; got != inventory.StatusPaused {
		t.Fatalf("expected paused task, got %s", got)
	}
	if exec.callCount("a") != 0 {
		t.Fatalf("executor must not run without a lease")
	}
}

func TestLeaseErrorFailsTask(t *testing.T) {
	exec := newTestExecutor()
	locker := &blockingLocker{err: errors.New("redis: connection refused")}
	s := New(quietLogger(), exec, testRegistry(t, "a"), WithLocker(locker, time.Minute))
	if err := s.AddJob(JobConfig{Name: "job", Schedule: "1h", Sources: []string{"a"}}); err != nil {
		t.Fatalf("add job: %v", err)
	}
	run, err := s.RunOnce(context.Background(), "job")
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if got := run.Tasks[0].Status; got != inventory.StatusFailed {
		t.Fatalf("expected failed task, got %s", got)
	}
}

func TestStopWaitsForBackgroundRuns(t *testing.T) {
	exec := newTestExecutor()
	release := make(chan struct{})
	exec.setBlock(release)
	runs := make(chan *JobRun, 1)
	s := New(quietLogger(), exec, testRegistry(t, "a"), WithOnRun(func(run *JobRun) { runs <- run }))
	if err := s.AddJob(JobConfig{Name: "job", Schedule: "1h", Sources: []string{"a"}}); err != nil {
		t.Fatalf("add job: %v", err)
	}

	s.RunAll(context.Background())
	waitStarted(t, exec, 1)

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
		t.Fatalf("Stop returned while a run was in flight")
	case <-time.After(100 * time.Millisecond):
	}
	close(release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatalf("Stop did not return after the run finished")
	}
	<-runs

	s.RunAll(context.Background())
	if exec.callCount("a") != 1 {
		t.Fatalf("runs after Stop must be refused")
	}
}

func TestPauseAllAndResumeAll(t *testing.T) {
	exec := newTestExecutor()
	exec.setBlock(make(chan struct{}))
	runs := make(chan *JobRun, 4)
	s := New(quietLogger(), exec, testRegistry(t, "a"), WithOnRun(func(run *JobRun) { runs <- run }))
	if err := s.AddJob(JobConfig{Name: "job", Schedule: "1h", Sources: []string{"a"}}); err != nil {
		t.Fatalf("add job: %v", err)
	}

	s.RunAll(context.Background())
	waitStarted(t, exec, 1)
	s.PauseAll()
	paused := <-runs
	if paused.Counts()[inventory.StatusPaused] != 1 {
		t.Fatalf("expected paused run, got %+v", paused.Counts())
	}

	exec.setBlock(nil)
	s.ResumeAll(context.Background())
	resumed := <-runs
	if resumed.JobID != paused.JobID || resumed.Counts()[inventory.StatusCompleted] != 1 {
		t.Fatalf("expected the paused run to complete, got %s %+v", resumed.JobID, resumed.Counts())
	}
	s.Stop()
}
