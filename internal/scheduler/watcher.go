package scheduler

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/MrSnakeDoc/tend/internal/logger"
)

// DirWatcher turns file system events under watched directories into
// non-blocking sends on the trigger channel registered for them.
// Subdirectories created under a watched root are watched too.
type DirWatcher struct {
	mu      sync.Mutex
	watcher *fsnotify.Watcher
	logger  logger.Logger
	routes  map[string]chan<- struct{}
	done    chan struct{}
}

// NewDirWatcher creates a watcher and starts its event loop.
func NewDirWatcher(log logger.Logger) (*DirWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dw := &DirWatcher{
		watcher: w,
		logger:  log,
		routes:  make(map[string]chan<- struct{}),
		done:    make(chan struct{}),
	}
	go dw.loop()
	return dw, nil
}

// Add watches dir and its existing subdirectories, one level deep, and sends
// on trigger when anything below changes. A missing dir is skipped.
func (dw *DirWatcher) Add(dir string, trigger chan<- struct{}) error {
	dir = filepath.Clean(dir)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		dw.logger.Debug("not watching missing directory", logger.String("dir", dir))
		return nil
	}
	if err := dw.add(dir, trigger); err != nil {
		return err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			if err := dw.add(filepath.Join(dir, e.Name()), trigger); err != nil {
				return err
			}
		}
	}
	return nil
}

func (dw *DirWatcher) add(dir string, trigger chan<- struct{}) error {
	dw.mu.Lock()
	defer dw.mu.Unlock()
	if _, ok := dw.routes[dir]; ok {
		return nil
	}
	if err := dw.watcher.Add(dir); err != nil {
		return err
	}
	dw.routes[dir] = trigger
	return nil
}

// route finds the trigger of the deepest watched dir containing path.
func (dw *DirWatcher) route(path string) (chan<- struct{}, bool) {
	dw.mu.Lock()
	defer dw.mu.Unlock()
	best := ""
	var trigger chan<- struct{}
	for dir, ch := range dw.routes {
		if (path == dir || strings.HasPrefix(path, dir+string(filepath.Separator))) && len(dir) > len(best) {
			best, trigger = dir, ch
		}
	}
	return trigger, trigger != nil
}

func (dw *DirWatcher) loop() {
	defer close(dw.done)
	for {
		select {
		case event, ok := <-dw.watcher.Events:
			if !ok {
				return
			}
			dw.handle(event)
		case err, ok := <-dw.watcher.Errors:
			if !ok {
				return
			}
			dw.logger.Warn("file watcher error", logger.Error(err))
		}
	}
}

func (dw *DirWatcher) handle(event fsnotify.Event) {
	if event.Op == fsnotify.Chmod {
		return
	}
	trigger, ok := dw.route(filepath.Clean(event.Name))
	if !ok {
		return
	}
	if event.Op&fsnotify.Create != 0 {
		if fi, err := os.Stat(event.Name); err == nil && fi.IsDir() {
			if err := dw.add(event.Name, trigger); err != nil {
				dw.logger.Warn("failed to watch new directory",
					logger.String("dir", event.Name), logger.Error(err))
			}
		}
	}
	dw.logger.Debug("file change detected",
		logger.String("path", event.Name),
		logger.String("op", event.Op.String()))
	notify(trigger)
}

// Close stops the watcher.
func (dw *DirWatcher) Close() error {
	err := dw.watcher.Close()
	<-dw.done
	return err
}

// notify sends on ch without blocking; a pending signal already covers it.
func notify(ch chan<- struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
