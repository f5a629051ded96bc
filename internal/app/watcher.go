package app

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Watcher reports changes to a single configuration file.
//
// It watches the parent directory so editors that replace the file by
// rename are still noticed.
type Watcher struct {
	fs   *fsnotify.Watcher
	path string
	log  logrus.FieldLogger
}

// NewWatcher starts watching path's directory.
func NewWatcher(path string, log logrus.FieldLogger) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		_ = fw.Close()
		return nil, err
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Watcher{fs: fw, path: abs, log: log.WithField("component", "config-watcher")}, nil
}

// Run calls onChange for every write or create of the file until ctx is
// done or the watcher is closed.
func (w *Watcher) Run(ctx context.Context, onChange func()) error {
	w.log.WithField("file", w.path).Debug("watching configuration")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
				w.log.WithField("op", ev.Op.String()).Info("configuration changed")
				onChange()
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.log.WithError(err).Warn("configuration watcher error")
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error { return w.fs.Close() }
