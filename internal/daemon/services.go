package daemon

import (
	"context"
	"errors"
	"fmt"

	"github.com/ipsix/fleetaudit/internal/config"
	"github.com/ipsix/fleetaudit/internal/connect"
	"github.com/ipsix/fleetaudit/internal/fingerprint"
	"github.com/ipsix/fleetaudit/internal/inbox"
	"github.com/ipsix/fleetaudit/internal/inventory"
	"github.com/ipsix/fleetaudit/internal/lease"
	"github.com/ipsix/fleetaudit/internal/logging"
	"github.com/ipsix/fleetaudit/internal/report"
	"github.com/ipsix/fleetaudit/internal/satellite"
	"github.com/ipsix/fleetaudit/internal/scheduler"
	"github.com/ipsix/fleetaudit/internal/state"
	"github.com/ipsix/fleetaudit/internal/storage"
	"github.com/ipsix/fleetaudit/internal/storage/postgres"
	"github.com/ipsix/fleetaudit/internal/storage/sqlite"
)

const taskHistoryLimit = 200

// Services holds everything built from one Config. Close releases it.
type Services struct {
	Registry   *inventory.Registry
	Store      storage.ConnectionResultStore
	Factory    *satellite.Factory
	Executor   *connect.Executor
	Locker     lease.Locker
	Tasks      *state.TaskCache
	Dispatcher *report.Dispatcher
	Processor  *inbox.Processor

	cfg     config.Config
	logger  *logging.Logger
	closers []func() error
}

// Build opens storage, the lease backend and the publish channels. On error
// everything already opened is closed again.
func Build(ctx context.Context, cfg config.Config, logger *logging.Logger) (_ *Services, err error) {
	s := &Services{cfg: cfg, logger: logger, Tasks: state.NewTaskCache(taskHistoryLimit)}
	defer func() {
		if err != nil {
			_ = s.Close()
		}
	}()

	s.Registry, err = cfg.Inventory()
	if err != nil {
		return nil, err
	}

	store, closeStore, err := OpenStore(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}
	s.Store = store
	s.closers = append(s.closers, closeStore)

	s.Factory = satellite.NewFactory()
	dial := satellite.Dialer(satellite.ConnOptions{
		Timeout:           cfg.Satellite.TimeoutDuration(),
		RequestsPerSecond: cfg.Satellite.RequestsPerSecond,
	})
	s.Executor = connect.NewExecutor(s.Store, s.Factory, logger, connect.WithDialer(dial))

	s.Locker = lease.NewLocal()
	if cfg.Redis.Enabled {
		client, err := lease.Connect(ctx, lease.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, client.Close)
		s.Locker = lease.NewRedis(client)
	}

	channels, closeChannels, err := report.BuildChannels(ctx, cfg.Publish, logger)
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, closeChannels)
	s.Dispatcher = report.NewDispatcher(logger, cfg.Publish.DedupWindowDuration())
	for _, ch := range channels {
		s.Dispatcher.Register(ch)
	}

	engine := fingerprint.NewEngine(fingerprint.DefaultClassifiers(s.Registry), cfg.Fingerprint.Workers, logger)
	s.Processor = inbox.NewProcessor(engine, s.Dispatcher, logger)
	return s, nil
}

// OpenStore selects the connection result backend named by cfg.Driver.
func OpenStore(ctx context.Context, cfg config.StorageConfig) (storage.ConnectionResultStore, func() error, error) {
	switch cfg.Driver {
	case "", "badger":
		store, err := storage.NewBadgerStoreWithKey(cfg.DBPath, cfg.EncryptionKeyBase64)
		if err != nil {
			return nil, nil, err
		}
		return storage.NewConnectionResults(store), store.Close, nil
	case "memory":
		store := storage.NewMemoryStore()
		return storage.NewConnectionResults(store), store.Close, nil
	case "sqlite":
		db, err := sqlite.Open(cfg.DBPath)
		if err != nil {
			return nil, nil, err
		}
		if err := sqlite.Migrate(db); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		repo := sqlite.NewRepository(db)
		return repo, repo.Close, nil
	case "postgres":
		pool, err := postgres.NewDB(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		if err := postgres.EnsureSchema(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, err
		}
		repo := postgres.NewRepository(pool)
		return repo, func() error { repo.Close(); return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage driver: %s", cfg.Driver)
	}
}

// Scheduler registers every enabled job on a new scheduler.
func (s *Services) Scheduler() (*scheduler.Scheduler, error) {
	sched := scheduler.New(s.logger, s.Executor, s.Registry,
		scheduler.WithLocker(s.Locker, s.cfg.Redis.LeaseTTLDuration()),
		scheduler.WithTaskCache(s.Tasks),
		scheduler.WithOnRun(s.logRun),
	)
	for _, j := range s.cfg.Jobs {
		if !j.Enabled {
			continue
		}
		err := sched.AddJob(scheduler.JobConfig{
			Name:         j.Name,
			Schedule:     j.Schedule,
			Sources:      j.Sources,
			Timeout:      j.TimeoutDuration(),
			Workers:      j.Workers,
			AllowOverlap: j.AllowOverlap,
			RunOnStart:   j.RunOnStart,
		})
		if err != nil {
			return nil, fmt.Errorf("job %s: %w", j.Name, err)
		}
	}
	return sched, nil
}

func (s *Services) logRun(run *scheduler.JobRun) {
	fields := []logging.Field{
		{Key: "job", Value: run.Name},
		{Key: "job_id", Value: run.JobID},
		{Key: "duration", Value: run.FinishedAt.Sub(run.StartedAt).String()},
	}
	for status, n := range run.Counts() {
		fields = append(fields, logging.Field{Key: "tasks_" + string(status), Value: n})
	}
	for status, n := range s.Tasks.Counts() {
		fields = append(fields, logging.Field{Key: "sources_" + string(status), Value: n})
	}
	fields = append(fields, logging.Field{Key: "recent_failures", Value: recentFailures(s.Tasks.History())})
	s.logger.Info("job summary", fields...)
	for _, latest := range s.Tasks.Latest() {
		if latest.JobID != run.JobID {
			continue
		}
		s.logger.Debug("source outcome",
			logging.Field{Key: "job", Value: run.Name},
			logging.Field{Key: "source", Value: latest.SourceID},
			logging.Field{Key: "status", Value: string(latest.Status)},
			logging.Field{Key: "duration", Value: latest.Duration.String()},
		)
	}
}

// recentFailures counts failed tasks in the bounded task history.
func recentFailures(history []state.TaskSummary) int {
	n := 0
	for _, summary := range history {
		if summary.Status == inventory.StatusFailed {
			n++
		}
	}
	return n
}

func (s *Services) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
