// Package watcher observes the persistent state file for out-of-band
// modification while a recording session is running. Detection is best
// effort: on platforms or filesystems where inotify is unavailable, Watch
// returns an error and the caller proceeds without it.
package watcher

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Watcher flags writes, renames, and removals of a single file that
// happen outside the owning process.
type Watcher struct {
	target  string
	watcher *fsnotify.Watcher
	logger  *slog.Logger

	touched atomic.Bool
	// suppress counts expected self-writes so the recorder's own atomic
	// rename does not count as tampering.
	suppress atomic.Int64

	done chan struct{}
}

// Watch starts observing the given file. The parent directory is watched
// rather than the file itself so that atomic replace-by-rename is seen.
// An error means watching is unavailable here; callers treat that as
// degraded, not fatal. The nil Watcher they get back is safe to use.
func Watch(path string, logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watcher: watch %s: %w", filepath.Dir(path), err)
	}

	w := &Watcher{
		target:  path,
		watcher: fsw,
		logger:  logger,
		done:    make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Name != w.target {
				continue
			}
			if !ev.Has(fsnotify.Write | fsnotify.Create | fsnotify.Remove | fsnotify.Rename | fsnotify.Chmod) {
				continue
			}
			if w.suppress.Load() > 0 {
				w.suppress.Add(-1)
				continue
			}
			if w.touched.CompareAndSwap(false, true) && w.logger != nil {
				w.logger.Warn("state file modified during session", "path", w.target, "op", ev.Op.String())
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			if w.logger != nil {
				w.logger.Warn("state file watch error", "error", err)
			}
		}
	}
}

// ExpectSelfWrite tells the watcher to ignore the next event on the
// target, for the recorder's own save.
func (w *Watcher) ExpectSelfWrite() {
	if w == nil {
		return
	}
	w.suppress.Add(1)
}

// Touched reports whether the file changed outside the recorder's
// control since watching began.
func (w *Watcher) Touched() bool {
	if w == nil {
		return false
	}
	return w.touched.Load()
}

// Close stops watching. Safe on a nil Watcher.
func (w *Watcher) Close() error {
	if w == nil {
		return nil
	}
	err := w.watcher.Close()
	<-w.done
	return err
}
