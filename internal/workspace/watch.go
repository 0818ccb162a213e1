package workspace

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// relevant are the operations that can change which config is in effect.
const relevant = fsnotify.Create | fsnotify.Write | fsnotify.Remove | fsnotify.Rename

// Watch re-initializes the folders whenever a config file in a root, or in
// the directory of a folder's config file, is created, written, removed or
// renamed. Bursts of changes are debounced. Watch blocks until ctx is done
// or the workspace is closed.
func (w *Workspace) Watch(ctx context.Context) error {
	if w.isDisposed() {
		return ErrDisposed
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	w.watchDirs(fw)

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.closed:
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Op&relevant == 0 {
				continue
			}
			if !IsConfigFile(ev.Name) {
				continue
			}
			w.logger.Debug("config file %s changed (%s)", ev.Name, ev.Op)
			if timer == nil {
				timer = time.NewTimer(w.opts.Debounce)
			} else {
				timer.Reset(w.opts.Debounce)
			}
			fire = timer.C

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config watcher: %v", err)

		case <-fire:
			fire = nil
			infos, err := w.InitializeFolders(ctx, w.Roots())
			if err != nil {
				w.logger.Warn("re-initializing folders: %v", err)
			} else {
				w.logger.Info("re-initialized %d folders after a config change", len(infos))
			}
			if cb := w.opts.OnReinitialize; cb != nil {
				cb(infos, err)
			}
			w.watchDirs(fw)
		}
	}
}

// watchDirs adds the roots and the directories of their config files.
// Adding a directory twice is harmless.
func (w *Workspace) watchDirs(fw *fsnotify.Watcher) {
	w.mu.Lock()
	dirs := make([]string, 0, len(w.roots))
	dirs = append(dirs, w.roots...)
	for _, f := range w.folders {
		dirs = append(dirs, f.Root())
	}
	w.mu.Unlock()

	for _, dir := range dirs {
		dir = filepath.Clean(dir)
		if err := fw.Add(dir); err != nil {
			w.logger.Debug("watch %s: %v", dir, err)
		}
	}
}
