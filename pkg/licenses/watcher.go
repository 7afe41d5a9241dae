package licenses

import (
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/mosaicfx/farmd/pkg/log"
)

// Watcher reloads the license file when it changes on disk. The reload
// itself is not executed here: the enqueue callback hands the work to the
// dispatcher goroutine so seat counts are never touched concurrently.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	enqueue func(func())
	manager *Manager
	stopCh  chan struct{}
}

// NewWatcher watches path and schedules manager.LoadFile through enqueue on
// every write.
func NewWatcher(manager *Manager, path string, enqueue func(func())) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create license watcher: %w", err)
	}
	// watch the directory: editors replace the file rather than write in place
	if err := fsWatcher.Add(filepath.Dir(path)); err != nil {
		fsWatcher.Close()
		return nil, fmt.Errorf("failed to watch license directory: %w", err)
	}
	return &Watcher{
		path:    path,
		watcher: fsWatcher,
		enqueue: enqueue,
		manager: manager,
		stopCh:  make(chan struct{}),
	}, nil
}

// Start begins watching in the background.
func (w *Watcher) Start() {
	go w.run()
}

// Stop ends the watch.
func (w *Watcher) Stop() {
	close(w.stopCh)
	w.watcher.Close()
}

func (w *Watcher) run() {
	logger := log.WithComponent("license-watcher")
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Name != w.path {
				continue
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) {
				continue
			}
			logger.Info().Str("path", w.path).Msg("License file changed, scheduling reload")
			w.enqueue(func() {
				if err := w.manager.LoadFile(w.path); err != nil {
					logger.Error().Err(err).Msg("License reload failed")
				}
			})
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Error().Err(err).Msg("License watcher error")
		case <-w.stopCh:
			return
		}
	}
}
