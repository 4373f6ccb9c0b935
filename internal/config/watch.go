package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

var logger = logrus.WithField("component", "config")

// watchSettle coalesces the burst of events editors produce on save.
const watchSettle = 200 * time.Millisecond

// Watcher reloads a config file when it changes on disk.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	onLoad  func(Config)
	closed  chan struct{}
	done    chan struct{}
}

// Watch calls onLoad with every valid version of path written after the
// call. Invalid versions are logged and skipped. The parent directory is
// watched so that rename-on-save editors are handled.
func Watch(path string, onLoad func(Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		fw.Close()
		return nil, err
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	w := &Watcher{
		path:    abs,
		watcher: fw,
		onLoad:  onLoad,
		closed:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	go w.watchLoop()
	return w, nil
}

// Close stops watching and waits for the loop to exit.
func (w *Watcher) Close() error {
	select {
	case <-w.closed:
		return nil
	default:
	}
	close(w.closed)
	err := w.watcher.Close()
	<-w.done
	return err
}

func (w *Watcher) watchLoop() {
	defer close(w.done)

	var settle <-chan time.Time
	for {
		select {
		case <-w.closed:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				settle = time.After(watchSettle)
			}
		case <-settle:
			settle = nil
			cfg, err := Load(w.path)
			if err != nil {
				logger.WithFields(logrus.Fields{
					"path":  w.path,
					"error": err,
				}).Warn("config changed but does not load, keeping previous")
				continue
			}
			logger.WithField("path", w.path).Info("config reloaded")
			w.onLoad(cfg)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.WithError(err).Warn("watcher error")
		}
	}
}
