package connect

import (
	"context"
	"errors"

	"github.com/ipsix/fleetaudit/internal/inventory"
	"github.com/ipsix/fleetaudit/internal/logging"
	"github.com/ipsix/fleetaudit/internal/satellite"
	"github.com/ipsix/fleetaudit/internal/storage"
)

// Executor builds and runs a TaskRunner per task. Schedulers hold one.
type Executor struct {
	store   storage.ConnectionResultStore
	factory *satellite.Factory
	logger  *logging.Logger
	opts    []Option
}

func NewExecutor(store storage.ConnectionResultStore, factory *satellite.Factory, logger *logging.Logger, opts ...Option) *Executor {
	return &Executor{store: store, factory: factory, logger: logger, opts: opts}
}

func (e *Executor) Execute(ctx context.Context, task *inventory.ScanTask) inventory.TaskStatus {
	runner, err := NewTaskRunner(ctx, task, e.store, e.factory, e.logger, e.opts...)
	if err != nil && errors.Is(context.Cause(ctx), ErrPaused) {
		if terr := task.Transition(inventory.StatusPaused); terr != nil {
			e.logger.Warn("task transition rejected", logging.Field{Key: "task", Value: task.ID}, logging.Err(terr))
		}
		e.logger.Info("connect scan paused",
			logging.Field{Key: "task", Value: task.ID},
			logging.Field{Key: "job", Value: task.JobID},
			logging.Field{Key: "source", Value: task.Source.ID},
		)
		return task.Status
	}
	if err != nil {
		if terr := task.Transition(inventory.StatusFailed); terr != nil {
			e.logger.Warn("task transition rejected", logging.Field{Key: "task", Value: task.ID}, logging.Err(terr))
		}
		e.logger.Error("connect scan failed",
			logging.Field{Key: "task", Value: task.ID},
			logging.Field{Key: "job", Value: task.JobID},
			logging.Field{Key: "source", Value: task.Source.ID},
			logging.Field{Key: "error_kind", Value: "storage"},
			logging.Err(err),
		)
		return task.Status
	}
	return runner.Run(ctx)
}

// Results exposes the store so callers can read back what a run recorded.
func (e *Executor) Results(ctx context.Context, jobID string) ([]inventory.ConnectionResult, error) {
	return e.store.Results(ctx, jobID)
}
