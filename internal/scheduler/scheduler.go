package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/ipsix/fleetaudit/internal/connect"
	"github.com/ipsix/fleetaudit/internal/inventory"
	"github.com/ipsix/fleetaudit/internal/lease"
	"github.com/ipsix/fleetaudit/internal/logging"
	"github.com/ipsix/fleetaudit/internal/state"
)

type JobConfig struct {
	Name         string
	Schedule     string
	Sources      []string
	Timeout      time.Duration
	Workers      int
	AllowOverlap bool
	RunOnStart   bool
}

// TaskExecutor runs one scan task to a final or paused status.
type TaskExecutor interface {
	Execute(ctx context.Context, task *inventory.ScanTask) inventory.TaskStatus
}

type SourceLookup interface {
	Lookup(id string) (inventory.Source, bool)
}

// JobRun is one execution of a job across its sources. Resuming a paused run
// keeps its JobID so tasks land on the same connection results. A task still
// created after the run was skipped because its lease was held elsewhere.
type JobRun struct {
	JobID      string
	Name       string
	Tasks      []*inventory.ScanTask
	StartedAt  time.Time
	FinishedAt time.Time
}

func (r *JobRun) Counts() map[inventory.TaskStatus]int {
	out := map[inventory.TaskStatus]int{}
	for _, task := range r.Tasks {
		out[task.Status]++
	}
	return out
}

type Option func(*Scheduler)

func WithLocker(locker lease.Locker, ttl time.Duration) Option {
	return func(s *Scheduler) {
		s.locker = locker
		if ttl > 0 {
			s.leaseTTL = ttl
		}
	}
}

func WithTaskCache(cache *state.TaskCache) Option {
	return func(s *Scheduler) { s.cache = cache }
}

// WithOnRun registers a callback invoked after every job run.
func WithOnRun(fn func(run *JobRun)) Option {
	return func(s *Scheduler) { s.onRun = fn }
}

type Scheduler struct {
	logger   *logging.Logger
	exec     TaskExecutor
	sources  SourceLookup
	locker   lease.Locker
	leaseTTL time.Duration
	cache    *state.TaskCache
	onRun    func(run *JobRun)
	cron     *cron.Cron
	mu       sync.Mutex
	jobs     map[string]*job
	started  bool
	stopping bool
	wg       sync.WaitGroup
}

func New(logger *logging.Logger, exec TaskExecutor, sources SourceLookup, opts ...Option) *Scheduler {
	s := &Scheduler{
		logger:   logger,
		exec:     exec,
		sources:  sources,
		locker:   lease.NewLocal(),
		leaseTTL: 10 * time.Minute,
		cron:     cron.New(),
		jobs:     make(map[string]*job),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Scheduler) AddJob(cfg JobConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("job name is required")
	}
	if len(cfg.Sources) == 0 {
		return fmt.Errorf("job %q has no sources", cfg.Name)
	}
	schedule, err := parseSchedule(cfg.Schedule)
	if err != nil {
		return err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Minute
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[cfg.Name]; exists {
		return fmt.Errorf("job %q already exists", cfg.Name)
	}
	s.jobs[cfg.Name] = &job{cfg: cfg, schedule: schedule}
	return nil
}

// Start registers every job with cron and begins ticking. Runs use ctx as
// their parent.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	for _, j := range s.jobs {
		s.cron.Schedule(j.schedule, cron.FuncJob(func() {
			s.trigger(ctx, j)
		}))
		if j.cfg.RunOnStart {
			s.spawnLocked(func() { s.trigger(ctx, j) })
		}
	}
	s.cron.Start()
}

// Stop halts ticking and waits for running jobs, including background runs
// started by RunAll and ResumeAll, to return. Later background runs are
// refused.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	started := s.started
	s.started = false
	s.stopping = true
	s.mu.Unlock()
	if started {
		<-s.cron.Stop().Done()
	}
	s.wg.Wait()
}

// RunAll starts every job in the background now, as if its schedule fired.
func (s *Scheduler) RunAll(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		s.spawnLocked(func() { s.trigger(ctx, j) })
	}
}

// PauseAll pauses every job.
func (s *Scheduler) PauseAll() {
	for _, name := range s.jobNames() {
		_ = s.Pause(name)
	}
}

// ResumeAll resumes every job, rerunning paused runs in the background.
func (s *Scheduler) ResumeAll(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name := range s.jobs {
		s.spawnLocked(func() {
			if _, err := s.Resume(ctx, name); err != nil {
				s.logger.Warn("job resume failed", logging.Field{Key: "job", Value: name}, logging.Err(err))
			}
		})
	}
}

// spawnLocked runs fn in a goroutine Stop waits for. s.mu must be held.
func (s *Scheduler) spawnLocked(fn func()) {
	if s.stopping {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

func (s *Scheduler) jobNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	return names
}

// RunOnce runs a job immediately and waits for it.
func (s *Scheduler) RunOnce(ctx context.Context, name string) (*JobRun, error) {
	j, err := s.job(name)
	if err != nil {
		return nil, err
	}
	run := s.newRun(j)
	if !s.execute(ctx, j, run) {
		return nil, fmt.Errorf("job %q is already running", name)
	}
	return run, nil
}

// Pause stops scheduled triggers of a job and pauses any run in flight.
// Tasks already finished keep their status.
func (s *Scheduler) Pause(name string) error {
	j, err := s.job(name)
	if err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.paused = true
	if j.cancel != nil {
		j.cancel(connect.ErrPaused)
	}
	s.logger.Info("job paused", logging.Field{Key: "job", Value: name})
	return nil
}

// Resume re-enables triggers and reruns the tasks a pause interrupted. It
// returns nil when nothing was pending.
func (s *Scheduler) Resume(ctx context.Context, name string) (*JobRun, error) {
	j, err := s.job(name)
	if err != nil {
		return nil, err
	}
	j.mu.Lock()
	j.paused = false
	pending := j.pending
	j.pending = nil
	j.mu.Unlock()

	s.logger.Info("job resumed", logging.Field{Key: "job", Value: name})
	if pending == nil {
		return nil, nil
	}
	if !s.execute(ctx, j, pending) {
		j.mu.Lock()
		j.pending = pending
		j.mu.Unlock()
		return nil, fmt.Errorf("job %q is already running", name)
	}
	return pending, nil
}

func (s *Scheduler) job(name string) (*job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[name]
	if !ok {
		return nil, fmt.Errorf("job %q not found", name)
	}
	return j, nil
}

func (s *Scheduler) trigger(ctx context.Context, j *job) {
	j.mu.Lock()
	paused := j.paused
	j.mu.Unlock()
	if paused {
		s.logger.Info("job trigger skipped while paused", logging.Field{Key: "job", Value: j.cfg.Name})
		return
	}
	s.execute(ctx, j, s.newRun(j))
}

func (s *Scheduler) newRun(j *job) *JobRun {
	run := &JobRun{JobID: uuid.NewString(), Name: j.cfg.Name}
	for _, id := range j.cfg.Sources {
		src, ok := s.sources.Lookup(id)
		if !ok {
			s.logger.Error("job source not found",
				logging.Field{Key: "job", Value: j.cfg.Name},
				logging.Field{Key: "source", Value: id},
			)
			continue
		}
		run.Tasks = append(run.Tasks, inventory.NewScanTask(uuid.NewString(), run.JobID, src))
	}
	return run
}

// execute fans a run's tasks out to the worker pool. It returns false when
// the run was skipped because the job is already running.
func (s *Scheduler) execute(ctx context.Context, j *job, run *JobRun) bool {
	if !j.cfg.AllowOverlap {
		if !j.running.CompareAndSwap(false, true) {
			s.logger.Warn("job skipped due to overlap", logging.Field{Key: "job", Value: j.cfg.Name})
			return false
		}
		defer j.running.Store(false)
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	runCtx, cancelTimeout := context.WithTimeout(runCtx, j.cfg.Timeout)
	defer cancelTimeout()

	j.mu.Lock()
	if j.paused {
		j.mu.Unlock()
		cancel(connect.ErrPaused)
	} else {
		j.cancel = cancel
		j.mu.Unlock()
	}

	run.StartedAt = time.Now().UTC()
	g := new(errgroup.Group)
	g.SetLimit(j.cfg.Workers)
	for _, task := range run.Tasks {
		if task.Status.Terminal() {
			continue
		}
		g.Go(func() error {
			s.runTask(runCtx, j, task)
			return nil
		})
	}
	_ = g.Wait()
	run.FinishedAt = time.Now().UTC()

	j.mu.Lock()
	j.cancel = nil
	if errors.Is(context.Cause(runCtx), connect.ErrPaused) {
		j.pending = run
	}
	j.mu.Unlock()

	counts := run.Counts()
	s.logger.Info("job run finished",
		logging.Field{Key: "job", Value: j.cfg.Name},
		logging.Field{Key: "job_id", Value: run.JobID},
		logging.Field{Key: "completed", Value: counts[inventory.StatusCompleted]},
		logging.Field{Key: "failed", Value: counts[inventory.StatusFailed]},
		logging.Field{Key: "paused", Value: counts[inventory.StatusPaused]},
		logging.Field{Key: "skipped", Value: counts[inventory.StatusCreated]},
		logging.Field{Key: "duration", Value: run.FinishedAt.Sub(run.StartedAt).String()},
	)
	if s.onRun != nil {
		s.onRun(run)
	}
	return true
}

func (s *Scheduler) runTask(ctx context.Context, j *job, task *inventory.ScanTask) {
	fields := []logging.Field{
		{Key: "job", Value: j.cfg.Name},
		{Key: "task", Value: task.ID},
		{Key: "source", Value: task.Source.ID},
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("task panic recovered", append(fields,
				logging.Field{Key: "panic", Value: r},
				logging.Field{Key: "stack", Value: string(debug.Stack())},
			)...)
			if !task.Status.Terminal() {
				_ = task.Transition(inventory.StatusFailed)
			}
		}
		if s.cache != nil {
			s.cache.Add(task)
		}
	}()

	if errors.Is(context.Cause(ctx), connect.ErrPaused) {
		if task.Status != inventory.StatusPaused {
			_ = task.Transition(inventory.StatusPaused)
		}
		return
	}

	held, err := s.locker.Acquire(ctx, lease.Key(j.cfg.Name, task.Source.ID), s.leaseTTL)
	if err != nil {
		switch {
		case errors.Is(context.Cause(ctx), connect.ErrPaused):
			_ = task.Transition(inventory.StatusPaused)
			s.logger.Info("task paused before start", fields...)
		case errors.Is(err, lease.ErrHeld):
			// Another daemon owns this (job, source); the task stays created
			// and is reported as skipped.
			s.logger.Warn("task skipped: lease held elsewhere", fields...)
		default:
			_ = task.Transition(inventory.StatusFailed)
			s.logger.Error("connect scan failed", append(fields,
				logging.Field{Key: "error_kind", Value: "lease"},
				logging.Err(err),
			)...)
		}
		return
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := held.Release(releaseCtx); err != nil {
			s.logger.Warn("task lease release failed", append(fields, logging.Err(err))...)
		}
	}()

	s.exec.Execute(ctx, task)
}

type job struct {
	cfg      JobConfig
	schedule cron.Schedule
	running  atomic.Bool

	mu      sync.Mutex
	paused  bool
	cancel  context.CancelCauseFunc
	pending *JobRun
}

// parseSchedule accepts a cron expression, a descriptor such as @hourly or
// "@every <duration>", or a bare duration.
func parseSchedule(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("schedule is required")
	}
	if d, err := time.ParseDuration(expr); err == nil {
		if d <= 0 {
			return nil, fmt.Errorf("schedule interval must be positive")
		}
		expr = "@every " + expr
	}
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("unsupported schedule %q: %w", expr, err)
	}
	return schedule, nil
}
