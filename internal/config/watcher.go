package config

import (
	"os"
	"sync"
	"time"

	"github.com/SkynetNext/port-dispatcher/pkg/xlog"
)

// FileWatcher polls the apps file and reports every successfully parsed
// change. A file that fails to parse is logged and the previous state kept.
type FileWatcher struct {
	path     string
	interval time.Duration
	onChange func(*AppSet)
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	lastModTime time.Time
}

// NewFileWatcher creates a watcher for the apps file at path
func NewFileWatcher(path string, interval time.Duration, onChange func(*AppSet)) *FileWatcher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &FileWatcher{
		path:     path,
		interval: interval,
		onChange: onChange,
		stopCh:   make(chan struct{}),
	}
}

// Start starts watching for file changes
func (w *FileWatcher) Start() {
	w.wg.Add(1)
	go w.watch()
}

// Stop stops the watcher and waits for it to exit
func (w *FileWatcher) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Prime records the current modification time so the first poll does not
// re-deliver a file that was already loaded.
func (w *FileWatcher) Prime() {
	if info, err := os.Stat(w.path); err == nil {
		w.lastModTime = info.ModTime()
	}
}

func (w *FileWatcher) watch() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.poll()
		}
	}
}

func (w *FileWatcher) poll() {
	info, err := os.Stat(w.path)
	if err != nil {
		return // File doesn't exist yet
	}
	if info.ModTime().IsZero() || !info.ModTime().After(w.lastModTime) {
		return
	}
	w.lastModTime = info.ModTime()

	xlog.Infof("Apps file %s changed, reloading...", w.path)
	set, err := LoadAppsFile(w.path)
	if err != nil {
		xlog.Warnf("Ignoring apps file update: %v", err)
		return
	}
	w.onChange(set)
}
