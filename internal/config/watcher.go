package config

import (
	"context"
	"hash/fnv"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultSettle is how long the watcher collects filesystem events before
// reporting one reload.
const DefaultSettle = 150 * time.Millisecond

// ReloadEvent is one settled change to config.yaml. Ops accumulates every
// operation seen while settling.
type ReloadEvent struct {
	Path string
	Ops  fsnotify.Op
	At   time.Time
}

// Watcher reports changes to config.yaml. It watches the home directory
// rather than the file so editors that replace the file on save are seen.
// Bursts of writes are coalesced, and saves that leave the bytes unchanged
// are dropped.
type Watcher struct {
	homeDir string
	path    string
	settle  time.Duration
	logger  *slog.Logger
	events  chan ReloadEvent
}

func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir: homeDir,
		path:    ConfigPath(homeDir),
		settle:  DefaultSettle,
		logger:  logger.With("component", "config"),
		events:  make(chan ReloadEvent, 4),
	}
}

func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.homeDir); err != nil {
		_ = fsw.Close()
		return err
	}
	go w.loop(ctx, fsw)
	return nil
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher) {
	defer fsw.Close()
	defer close(w.events)

	target := filepath.Base(w.path)
	lastSum, _ := fileSum(w.path)
	var (
		pending fsnotify.Op
		settle  <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if settle == nil {
				settle = time.After(w.settle)
			}
			pending |= ev.Op
		case <-settle:
			settle = nil
			ops := pending
			pending = 0
			sum, err := fileSum(w.path)
			if err == nil && sum == lastSum {
				w.logger.Debug("config.yaml saved without changes")
				continue
			}
			lastSum = sum
			select {
			case w.events <- ReloadEvent{Path: w.path, Ops: ops, At: time.Now()}:
			default:
				// A reload is already queued; it will read the newest file.
			}
			w.logger.Info("config file changed", "path", w.path, "ops", ops.String())
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", "error", err)
		}
	}
}

// fileSum hashes path's bytes. A missing file hashes as zero.
func fileSum(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	h := fnv.New64a()
	_, _ = h.Write(data)
	return h.Sum64(), nil
}
