package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ipsix/fleetaudit/internal/config"
	"github.com/ipsix/fleetaudit/internal/inventory"
	"github.com/ipsix/fleetaudit/internal/logging"
	"github.com/ipsix/fleetaudit/internal/scheduler"
)

func quietLogger() *logging.Logger {
	return logging.NewWithOptions(logging.Options{Output: &bytes.Buffer{}})
}

func TestHandleSignalsRescansOnSIGHUP(t *testing.T) {
	runner := &Runner{logger: quietLogger()}
	sigCh := make(chan os.Signal, 1)
	var rescanCalled atomic.Bool

	done := make(chan struct{})
	go func() {
		runner.handleSignals(sigCh, func() {}, signalActions{
			rescan: func() { rescanCalled.Store(true) },
			pause:  func() {},
			resume: func() {},
		})
		close(done)
	}()

	sigCh <- syscall.SIGHUP
	close(sigCh)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("handleSignals did not return after closing channel")
	}

	if !rescanCalled.Load() {
		t.Fatalf("expected rescan to be called on SIGHUP")
	}
}

func TestHandleSignalsCancelsOnSIGTERM(t *testing.T) {
	runner := &Runner{logger: quietLogger()}
	sigCh := make(chan os.Signal, 1)
	var canceled atomic.Bool

	done := make(chan struct{})
	go func() {
		runner.handleSignals(sigCh, func() { canceled.Store(true) }, signalActions{})
		close(done)
	}()
	sigCh <- syscall.SIGTERM

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("handleSignals did not return after SIGTERM")
	}
	if !canceled.Load() {
		t.Fatalf("expected cancel on SIGTERM")
	}
}

func TestHandleSignalsPausesAndResumes(t *testing.T) {
	runner := &Runner{logger: quietLogger()}
	sigCh := make(chan os.Signal, 2)
	var paused, resumed atomic.Int32

	done := make(chan struct{})
	go func() {
		runner.handleSignals(sigCh, func() {}, signalActions{
			rescan: func() { t.Errorf("unexpected rescan") },
			pause:  func() { paused.Add(1) },
			resume: func() { resumed.Add(1) },
		})
		close(done)
	}()

	sigCh <- syscall.SIGUSR1
	sigCh <- syscall.SIGUSR2
	close(sigCh)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("handleSignals did not return after closing channel")
	}
	if paused.Load() != 1 || resumed.Load() != 1 {
		t.Fatalf("expected one pause and one resume, got %d and %d", paused.Load(), resumed.Load())
	}
}

func memoryConfig() config.Config {
	cfg := config.Default()
	cfg.Storage.Driver = "memory"
	cfg.Sources = []config.SourceConfig{{
		ID: "sat-1", Name: "lab satellite", Type: "satellite",
		Hosts: []string{"127.0.0.1"}, Username: "admin", Password: "secret",
		SatelliteVersion: "6.2",
	}}
	cfg.Jobs = []config.JobConfig{
		{Name: "nightly", Enabled: true, Schedule: "@daily", Sources: []string{"sat-1"}},
		{Name: "disabled", Enabled: false, Schedule: "@daily", Sources: []string{"sat-1"}},
	}
	return cfg
}

func TestBuildWiresMemoryServices(t *testing.T) {
	services, err := Build(context.Background(), memoryConfig(), quietLogger())
	require.NoError(t, err)
	defer services.Close() //nolint:errcheck

	src, ok := services.Registry.Lookup("sat-1")
	require.True(t, ok)
	assert.Equal(t, inventory.SourceSatellite, src.Type)
	assert.NotNil(t, services.Store)
	assert.NotNil(t, services.Processor)

	sched, err := services.Scheduler()
	require.NoError(t, err)
	_, err = sched.RunOnce(context.Background(), "disabled")
	assert.Error(t, err, "disabled jobs are not registered")
}

func TestJobSummaryReportsTaskCache(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewWithOptions(logging.Options{Level: "debug", Output: &buf})
	services, err := Build(context.Background(), memoryConfig(), logger)
	require.NoError(t, err)
	defer services.Close() //nolint:errcheck

	run := &scheduler.JobRun{JobID: "run-1", Name: "nightly"}
	for _, id := range []string{"sat-1", "sat-2"} {
		task := inventory.NewScanTask("task-"+id, run.JobID, inventory.Source{ID: id})
		require.NoError(t, task.Transition(inventory.StatusRunning))
		require.NoError(t, task.Transition(inventory.StatusFailed))
		services.Tasks.Add(task)
		run.Tasks = append(run.Tasks, task)
	}
	buf.Reset()
	services.logRun(run)

	var summary map[string]interface{}
	outcomes := 0
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal(line, &entry))
		switch entry["msg"] {
		case "job summary":
			summary = entry
		case "source outcome":
			outcomes++
			assert.Equal(t, "nightly", entry["job"])
			assert.Equal(t, "failed", entry["status"])
		}
	}
	if summary == nil {
		t.Fatalf("no job summary logged: %s", buf.String())
	}
	assert.EqualValues(t, 2, summary["tasks_failed"])
	assert.EqualValues(t, 2, summary["sources_failed"])
	assert.EqualValues(t, 2, summary["recent_failures"])
	assert.Equal(t, 2, outcomes)
}

func TestOpenStoreDrivers(t *testing.T) {
	dir := t.TempDir()
	for _, driver := range []string{"memory", "badger", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			store, closeStore, err := OpenStore(context.Background(), config.StorageConfig{
				Driver: driver,
				DBPath: filepath.Join(dir, driver, "store.db"),
			})
			require.NoError(t, err)
			defer closeStore() //nolint:errcheck

			ctx := context.Background()
			first, err := store.GetOrCreate(ctx, "job-1", "sat-1", "task-1")
			require.NoError(t, err)
			second, err := store.GetOrCreate(ctx, "job-1", "sat-1", "task-2")
			require.NoError(t, err)
			assert.Equal(t, first.ID, second.ID)
		})
	}

	_, _, err := OpenStore(context.Background(), config.StorageConfig{Driver: "etcd"})
	assert.Error(t, err)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	cfg := memoryConfig()
	cfg.Inbox.Enabled = true
	cfg.Inbox.Dir = t.TempDir()
	runner := New(cfg, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- runner.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(cfg.Inbox.Dir, "processed"))
		return err == nil
	}, 3*time.Second, 20*time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatalf("runner did not stop")
	}
}
