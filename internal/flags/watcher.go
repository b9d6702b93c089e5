package flags

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the evaluator when the flag file changes on disk, and on a
// periodic interval as a backstop for editors that replace the file inode.
// Returns immediately when no flag file is configured.
func (e *Evaluator) Watch(ctx context.Context, interval time.Duration) error {
	if e.file == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	// Watch the directory: file replacement (write-to-temp + rename) would
	// otherwise drop the watch.
	if err := watcher.Add(filepath.Dir(e.file)); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Name != e.file {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := e.Reload(); err != nil {
					e.log.Warn("flag reload failed, keeping previous table", "error", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				e.log.Warn("flag watcher error", "error", err)
			case <-ticker.C:
				if err := e.Reload(); err != nil {
					e.log.Warn("periodic flag reload failed", "error", err)
				}
			}
		}
	}()
	return nil
}
