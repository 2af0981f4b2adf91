// control/watch.go
// Author: momentics <momentics@gmail.com>
//
// Reload triggers for the configuration file: filesystem events and
// explicit requests such as SIGHUP.

package control

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

// Watcher reports changes to one file. The parent directory is watched so
// that editors replacing the file by rename are noticed too.
type Watcher struct {
	logger  log.Logger
	path    string
	watcher *fsnotify.Watcher
	updates chan struct{}
}

// NewWatcher starts watching path.
func NewWatcher(path string, logger log.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %s", path)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "create watcher")
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return nil, errors.Wrapf(err, "watch %s", filepath.Dir(abs))
	}
	return &Watcher{
		logger:  logger,
		path:    abs,
		watcher: w,
		updates: make(chan struct{}, 1),
	}, nil
}

// Updates delivers one value per batch of changes.
func (w *Watcher) Updates() <-chan struct{} { return w.updates }

// Notify queues an update unless one is already pending.
func (w *Watcher) Notify() {
	select {
	case w.updates <- struct{}{}:
	default:
	}
}

// Run forwards file events until ctx is done.
func (w *Watcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			level.Warn(w.logger).Log("msg", "config watcher error, treating as an update", "err", err)
			w.Notify()
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			// chmod alone does not change the content.
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			level.Debug(w.logger).Log("msg", "config file changed", "path", ev.Name, "op", ev.Op.String())
			w.Notify()
		}
	}
}

// Close stops the underlying watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}

// ReloadOn reloads path into cs for every update from w until ctx is done.
// Failed reloads are logged and the previous configuration stays active.
func (cs *ConfigStore) ReloadOn(ctx context.Context, w *Watcher, path string, logger log.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.Updates():
			if err := cs.Reload(path); err != nil {
				level.Error(logger).Log("msg", "reload failed, keeping previous configuration", "path", path, "err", err)
				continue
			}
			level.Info(logger).Log("msg", "configuration reloaded", "path", path)
		}
	}
}
