package connect

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/ipsix/fleetaudit/internal/inventory"
	"github.com/ipsix/fleetaudit/internal/logging"
	"github.com/ipsix/fleetaudit/internal/satellite"
	"github.com/ipsix/fleetaudit/internal/scanerr"
	"github.com/ipsix/fleetaudit/internal/storage"
)

// ErrPaused is the cancellation cause that pauses a running task instead of
// failing it.
var ErrPaused = errors.New("scan paused")

type Option func(*TaskRunner)

func WithDialer(dial satellite.DialFunc) Option {
	return func(r *TaskRunner) {
		if dial != nil {
			r.dial = dial
		}
	}
}

// TaskRunner drives one connection scan of one source.
type TaskRunner struct {
	task    *inventory.ScanTask
	store   storage.ConnectionResultStore
	factory *satellite.Factory
	dial    satellite.DialFunc
	logger  *logging.Logger
	result  *inventory.ConnectionResult
}

// NewTaskRunner fetches or creates the task's connection result and discards
// any systems a previous attempt recorded.
func NewTaskRunner(ctx context.Context, task *inventory.ScanTask, store storage.ConnectionResultStore, factory *satellite.Factory, logger *logging.Logger, opts ...Option) (*TaskRunner, error) {
	if task == nil {
		return nil, fmt.Errorf("task is required")
	}
	if store == nil || factory == nil || logger == nil {
		return nil, fmt.Errorf("store, factory and logger are required")
	}
	r := &TaskRunner{
		task:    task,
		store:   store,
		factory: factory,
		dial:    satellite.Dialer(satellite.ConnOptions{}),
		logger: logger.With(
			logging.Field{Key: "task", Value: task.ID},
			logging.Field{Key: "job", Value: task.JobID},
			logging.Field{Key: "source", Value: task.Source.ID},
		),
	}
	for _, opt := range opts {
		opt(r)
	}

	result, err := store.GetOrCreate(ctx, task.JobID, task.Source.ID, task.ID)
	if err != nil {
		return nil, fmt.Errorf("connection result for %s: %w", task, err)
	}
	if err := store.ClearSystems(ctx, result.ID); err != nil {
		return nil, fmt.Errorf("clear systems for %s: %w", task, err)
	}
	r.result = result
	return r, nil
}

func (r *TaskRunner) Result() *inventory.ConnectionResult {
	return r.result
}

// Run scans the source and returns the status the task ends in. Every
// failure is logged once here and never retried.
func (r *TaskRunner) Run(ctx context.Context) inventory.TaskStatus {
	if err := r.task.Transition(inventory.StatusRunning); err != nil {
		r.logger.Warn("task not runnable", logging.Err(err))
		return r.task.Status
	}

	count, err := r.scan(ctx)
	switch {
	case err == nil:
		r.finish(inventory.StatusCompleted)
		r.logger.Info("connect scan completed", logging.Field{Key: "systems", Value: count})
	case errors.Is(context.Cause(ctx), ErrPaused):
		r.finish(inventory.StatusPaused)
		r.logger.Info("connect scan paused", logging.Field{Key: "systems", Value: count})
	default:
		kind := scanerr.KindOf(err)
		if kind == "" {
			kind = "internal"
		}
		r.finish(inventory.StatusFailed)
		r.logger.Error("connect scan failed",
			logging.Field{Key: "error_kind", Value: string(kind)},
			logging.Err(err),
		)
	}
	return r.task.Status
}

func (r *TaskRunner) finish(status inventory.TaskStatus) {
	if err := r.task.Transition(status); err != nil {
		r.logger.Warn("task transition rejected", logging.Err(err))
	}
}

// scan returns the number of systems recorded.
func (r *TaskRunner) scan(ctx context.Context) (int, error) {
	source := r.task.Source
	if source.Type != "" && source.Type != inventory.SourceSatellite {
		return 0, scanerr.New(scanerr.KindUnsupportedCapability, "connect scan does not handle %s sources", source.Type)
	}
	version := source.SatelliteVersion()
	if version == "" || version == inventory.SatelliteVersion5 {
		return 0, scanerr.New(scanerr.KindUnsupportedVersion, "satellite version %q is not supported", version)
	}

	conn, err := r.dial(source)
	if err != nil {
		return 0, scanerr.Wrap(err, scanerr.KindTransport, "dial "+source.Host())
	}
	code, apiVersion, err := conn.Status(ctx)
	if err != nil {
		return 0, classify(err, "status probe")
	}
	if code != http.StatusOK {
		return 0, scanerr.New(scanerr.KindProtocol, "status probe returned %d", code)
	}

	client := r.factory.Resolve(version, apiVersion, conn)
	if client == nil {
		return 0, scanerr.New(scanerr.KindUnsupportedCapability, "no client for satellite %s api %s", version, apiVersion)
	}

	expected, err := client.HostCount(ctx)
	if err != nil {
		return 0, classify(err, "host count")
	}
	r.logger.Info("connect scan started",
		logging.Field{Key: "satellite_version", Value: version},
		logging.Field{Key: "api_version", Value: apiVersion},
		logging.Field{Key: "expected_hosts", Value: expected},
	)

	recorded := 0
	for host, err := range client.Hosts(ctx) {
		if err != nil {
			return recorded, classify(err, "host enumeration")
		}
		if err := r.store.AppendSystem(ctx, r.result.ID, host); err != nil {
			return recorded, fmt.Errorf("record system %q: %w", host.Name, err)
		}
		recorded++
	}
	if err := context.Cause(ctx); err != nil {
		return recorded, scanerr.Wrap(err, scanerr.KindTransport, "host enumeration")
	}
	return recorded, nil
}

// classify keeps a client's own kind and otherwise separates connectivity
// failures from remote-side errors.
func classify(err error, op string) error {
	if scanerr.KindOf(err) != "" {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return scanerr.Wrap(err, scanerr.KindTransport, op)
	}
	return scanerr.Wrap(err, scanerr.KindProtocol, op)
}
