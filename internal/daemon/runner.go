package daemon

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ipsix/fleetaudit/internal/config"
	"github.com/ipsix/fleetaudit/internal/inbox"
	"github.com/ipsix/fleetaudit/internal/logging"
	"github.com/ipsix/fleetaudit/internal/scheduler"
)

type Runner struct {
	cfg    config.Config
	logger *logging.Logger
}

func New(cfg config.Config, logger *logging.Logger) *Runner {
	return &Runner{
		cfg:    cfg,
		logger: logger,
	}
}

// signalActions are the operator controls bound to signals.
type signalActions struct {
	rescan func()
	pause  func()
	resume func()
}

// Run starts the scheduler and, when enabled, the facts inbox, then blocks
// until ctx ends or SIGINT/SIGTERM arrives. SIGHUP runs every job now,
// SIGUSR1 pauses every job and SIGUSR2 resumes them.
func (r *Runner) Run(ctx context.Context) error {
	services, err := Build(ctx, r.cfg, r.logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := services.Close(); err != nil {
			r.logger.Warn("close services", logging.Err(err))
		}
	}()

	sched, err := services.Scheduler()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(sigCh)

	sched.Start(ctx)

	var wg sync.WaitGroup
	if r.cfg.Inbox.Enabled {
		watcher := inbox.New(r.cfg.Inbox.Dir, services.Processor.HandleFile, r.logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := watcher.Run(ctx); err != nil {
				r.logger.Error("inbox stopped", logging.Err(err))
			}
		}()
	}

	r.logger.Info("daemon started",
		logging.Field{Key: "sources", Value: len(services.Registry.List())},
		logging.Field{Key: "jobs", Value: len(r.cfg.Jobs)},
		logging.Field{Key: "storage", Value: r.cfg.Storage.Driver},
	)

	go r.handleSignals(sigCh, cancel, signalActions{
		rescan: func() { sched.RunAll(ctx) },
		pause:  sched.PauseAll,
		resume: func() { sched.ResumeAll(ctx) },
	})

	<-ctx.Done()

	return r.shutdown(r.cfg.Daemon.ShutdownTimeoutDuration(), sched, &wg)
}

func (r *Runner) handleSignals(sigCh <-chan os.Signal, cancel context.CancelFunc, actions signalActions) {
	for sig := range sigCh {
		switch sig {
		case syscall.SIGHUP:
			r.logger.Info("rescan requested")
			actions.rescan()
		case syscall.SIGUSR1:
			r.logger.Info("pause requested")
			actions.pause()
		case syscall.SIGUSR2:
			r.logger.Info("resume requested")
			actions.resume()
		case syscall.SIGINT, syscall.SIGTERM:
			r.logger.Warn("shutdown signal received", logging.Field{Key: "signal", Value: sig.String()})
			cancel()
			return
		default:
			r.logger.Warn("unexpected signal received", logging.Field{Key: "signal", Value: sig.String()})
		}
	}
}

func (r *Runner) shutdown(timeout time.Duration, sched *scheduler.Scheduler, wg *sync.WaitGroup) error {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	r.logger.Info("shutdown starting", logging.Field{Key: "timeout", Value: timeout.String()})
	done := make(chan struct{})
	go func() {
		sched.Stop()
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.logger.Info("shutdown complete")
	case <-time.After(timeout):
		r.logger.Warn("shutdown timed out")
	}
	return nil
}
