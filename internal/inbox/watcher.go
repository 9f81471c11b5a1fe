package inbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ipsix/fleetaudit/internal/logging"
)

const (
	processedDir = "processed"
	failedDir    = "failed"
)

// Handler consumes one fact collection file.
type Handler func(ctx context.Context, path string) error

// Watcher feeds *.json files dropped into a directory to a Handler. Handled
// files move to processed/, rejected ones to failed/.
type Watcher struct {
	dir      string
	handle   Handler
	logger   *logging.Logger
	debounce time.Duration
}

func New(dir string, handle Handler, logger *logging.Logger) *Watcher {
	return &Watcher{
		dir:      dir,
		handle:   handle,
		logger:   logger.With(logging.Field{Key: "component", Value: "inbox"}),
		debounce: 500 * time.Millisecond,
	}
}

// SetDebounce overrides how long a file must be quiet before it is handled.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.debounce = d
}

// Run blocks until ctx is canceled. Files already present are handled first.
func (w *Watcher) Run(ctx context.Context) error {
	for _, sub := range []string{"", processedDir, failedDir} {
		if err := os.MkdirAll(filepath.Join(w.dir, sub), 0o750); err != nil {
			return fmt.Errorf("prepare inbox: %w", err)
		}
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close() //nolint:errcheck
	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	w.logger.Info("inbox watching", logging.Field{Key: "dir", Value: w.dir})

	existing, err := w.existing()
	if err != nil {
		return err
	}
	for _, path := range existing {
		w.process(ctx, path)
	}

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	pending := map[string]struct{}{}

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("inbox stopping")
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			if !isFactFile(ev.Name) || filepath.Dir(ev.Name) != filepath.Clean(w.dir) {
				continue
			}
			pending[ev.Name] = struct{}{}
			timer.Reset(w.debounce)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("inbox watcher error", logging.Err(err))

		case <-timer.C:
			paths := make([]string, 0, len(pending))
			for path := range pending {
				paths = append(paths, path)
			}
			sort.Strings(paths)
			pending = map[string]struct{}{}
			for _, path := range paths {
				w.process(ctx, path)
			}
		}
	}
}

func (w *Watcher) existing() ([]string, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, fmt.Errorf("read inbox: %w", err)
	}
	var out []string
	for _, entry := range entries {
		if entry.IsDir() || !isFactFile(entry.Name()) {
			continue
		}
		out = append(out, filepath.Join(w.dir, entry.Name()))
	}
	return out, nil
}

func (w *Watcher) process(ctx context.Context, path string) {
	if _, err := os.Stat(path); err != nil {
		return
	}
	target := processedDir
	if err := w.handle(ctx, path); err != nil {
		target = failedDir
		w.logger.Error("inbox file rejected", logging.Field{Key: "file", Value: path}, logging.Err(err))
	} else {
		w.logger.Info("inbox file handled", logging.Field{Key: "file", Value: path})
	}
	dest := filepath.Join(w.dir, target, filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		w.logger.Warn("inbox file not moved", logging.Field{Key: "file", Value: path}, logging.Err(err))
	}
}

func isFactFile(name string) bool {
	base := filepath.Base(name)
	return strings.HasSuffix(base, ".json") && !strings.HasPrefix(base, ".")
}
