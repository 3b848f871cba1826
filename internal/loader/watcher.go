package loader

import (
	"context"
	"os"
	"path/filepath"
	"time"
)

// fileStamp is the cheap change fingerprint for one artifact: size and mtime
// from a stat, no hashing.
type fileStamp struct {
	size    int64
	modTime time.Time
}

// Watcher drives periodic rescans of the plugin dir so artifacts dropped in
// or removed at runtime take effect without a restart. Each tick stats the
// dir and only runs a full scan when a size or mtime changed; the scan itself
// does the hashing and verification. Resolution of in-flight tasks is
// unaffected; only subsequent lookups see the change.
type Watcher struct {
	loader   *Loader
	interval time.Duration
	last     map[string]fileStamp
}

// NewWatcher rescans at the given interval.
func NewWatcher(l *Loader, interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Watcher{loader: l, interval: interval}
}

// Start runs the rescan loop. This is a blocking call that runs until ctx is
// cancelled. Individual scan errors are logged by the loader and do not stop
// the loop.
func (w *Watcher) Start(ctx context.Context) error {
	w.loader.logger.Info("plugin watcher started", "interval", w.interval)
	defer w.loader.logger.Info("plugin watcher stopped")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			stamps := w.snapshot()
			if !changed(w.last, stamps) {
				continue
			}
			if err := w.loader.Scan(ctx); err != nil {
				w.loader.logger.Error("rescan failed", "error", err)
			}
			w.last = stamps
		}
	}
}

// snapshot stats every regular file in the plugin dir. A missing dir reads as
// empty, matching how Scan treats it.
func (w *Watcher) snapshot() map[string]fileStamp {
	stamps := make(map[string]fileStamp)
	entries, err := os.ReadDir(w.loader.cfg.Dir)
	if err != nil {
		return stamps
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		stamps[filepath.Join(w.loader.cfg.Dir, entry.Name())] = fileStamp{
			size:    info.Size(),
			modTime: info.ModTime(),
		}
	}
	return stamps
}

// changed reports whether two snapshots differ. A nil previous snapshot
// always reads as changed so the first tick reconciles.
func changed(prev, next map[string]fileStamp) bool {
	if prev == nil || len(prev) != len(next) {
		return true
	}
	for path, stamp := range next {
		if prev[path] != stamp {
			return true
		}
	}
	return false
}
