package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	submittedSuffix = ".submitted"
	rejectedSuffix  = ".rejected"

	defaultSpoolSettle = 500 * time.Millisecond
)

// spoolWatcher submits job files dropped into a directory. A file is handled once no event
// arrived for it during the settle interval, then renamed with a .submitted or .rejected
// suffix so it is never picked up twice.
type spoolWatcher struct {
	dir    string
	settle time.Duration
	submit func(path string) (string, error)
	logger *slog.Logger

	mu     sync.Mutex
	timers map[string]*pendingFile
	wg     sync.WaitGroup
	// serializes process so one file is never submitted twice
	procMu sync.Mutex
}

func newSpoolWatcher(dir string, submit func(path string) (string, error), log *slog.Logger) *spoolWatcher {
	return &spoolWatcher{
		dir:    dir,
		settle: defaultSpoolSettle,
		submit: submit,
		logger: log.With("component", "spool"),
		timers: make(map[string]*pendingFile),
	}
}

func isJobFile(name string) bool {
	base := filepath.Base(name)
	if strings.HasPrefix(base, ".") {
		return false
	}
	return strings.HasSuffix(base, ".yaml") || strings.HasSuffix(base, ".yml")
}

// Run watches the spool directory until ctx is done. Job files already present are submitted
// first.
func (w *spoolWatcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create spool dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create spool watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("failed to read spool dir: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() && isJobFile(e.Name()) {
			w.schedule(filepath.Join(w.dir, e.Name()))
		}
	}
	w.logger.Info("📥 Watching spool directory", "dir", w.dir)

	defer w.stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 && isJobFile(event.Name) {
				w.schedule(event.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("spool watcher error", "error", err)
		}
	}
}

type pendingFile struct {
	timer *time.Timer
}

// schedule (re)starts the settle timer of path.
func (w *spoolWatcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if p, ok := w.timers[path]; ok && p.timer.Stop() {
		p.timer.Reset(w.settle)
		return
	}

	p := &pendingFile{}
	w.wg.Add(1)
	p.timer = time.AfterFunc(w.settle, func() {
		defer w.wg.Done()
		w.mu.Lock()
		if w.timers[path] == p {
			delete(w.timers, path)
		}
		w.mu.Unlock()
		w.process(path)
	})
	w.timers[path] = p
}

func (w *spoolWatcher) stop() {
	w.mu.Lock()
	for path, p := range w.timers {
		if p.timer.Stop() {
			w.wg.Done()
		}
		delete(w.timers, path)
	}
	w.mu.Unlock()
	w.wg.Wait()
}

func (w *spoolWatcher) process(path string) {
	w.procMu.Lock()
	defer w.procMu.Unlock()

	info, err := os.Stat(path)
	if err != nil {
		// already handled, or moved away
		return
	}
	if info.Size() == 0 {
		w.logger.Debug("waiting for job file content", "file", path)
		return
	}

	jobID, err := w.submit(path)
	if err != nil {
		w.logger.Error("❌ Rejected job file", "file", path, "error", err)
		if rerr := os.Rename(path, path+rejectedSuffix); rerr != nil {
			w.logger.Error("failed to mark job file rejected", "file", path, "error", rerr)
		}
		return
	}
	w.logger.Info("📨 Submitted job file", "file", path, "job", jobID)
	if err := os.Rename(path, path+submittedSuffix); err != nil {
		w.logger.Error("failed to mark job file submitted", "file", path, "error", err)
	}
}
