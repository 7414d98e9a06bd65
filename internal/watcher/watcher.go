// Package watcher watches the config file and triggers hot reloads.
// It supports cross-platform fsnotify event handling with debounce.
package watcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/warptunnel/warp/internal/config"
)

// configReloadDebounce coalesces the bursts of write events editors and
// atomic-save tools emit for a single edit.
const configReloadDebounce = 300 * time.Millisecond

// Watcher manages file watching for the configuration file and invokes the
// reload callback with the freshly parsed config on every material change.
type Watcher struct {
	configPath     string
	reloadCallback func(*config.Config)
	watcher        *fsnotify.Watcher

	mu             sync.Mutex
	reloadTimer    *time.Timer
	lastConfigHash string
}

// New creates a watcher for configPath. The callback runs on the debounce
// timer's goroutine; keep it quick.
func New(configPath string, callback func(*config.Config)) *Watcher {
	return &Watcher{configPath: configPath, reloadCallback: callback}
}

// Start begins watching until ctx is cancelled. The directory is watched
// rather than the file itself, so atomic rename-into-place saves keep
// working.
func (w *Watcher) Start(ctx context.Context) error {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.watcher = fsWatcher

	dir := filepath.Dir(w.configPath)
	if err := fsWatcher.Add(dir); err != nil {
		_ = fsWatcher.Close()
		return err
	}
	if data, readErr := os.ReadFile(w.configPath); readErr == nil {
		w.mu.Lock()
		w.lastConfigHash = hashConfig(data)
		w.mu.Unlock()
	}
	log.Debugf("watcher: watching %s for config changes", dir)

	go func() {
		defer func() { _ = fsWatcher.Close() }()
		for {
			select {
			case <-ctx.Done():
				w.stopReloadTimer()
				return
			case event, ok := <-fsWatcher.Events:
				if !ok {
					return
				}
				w.handleEvent(event)
			case watchErr, ok := <-fsWatcher.Errors:
				if !ok {
					return
				}
				log.Warnf("watcher: %v", watchErr)
			}
		}
	}()
	return nil
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !sameFile(event.Name, w.configPath) {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}
	w.scheduleReload()
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.reloadTimer != nil {
		w.reloadTimer.Stop()
	}
	w.reloadTimer = time.AfterFunc(configReloadDebounce, func() {
		w.mu.Lock()
		w.reloadTimer = nil
		w.mu.Unlock()
		w.reloadIfChanged()
	})
}

func (w *Watcher) stopReloadTimer() {
	w.mu.Lock()
	if w.reloadTimer != nil {
		w.reloadTimer.Stop()
		w.reloadTimer = nil
	}
	w.mu.Unlock()
}

func (w *Watcher) reloadIfChanged() {
	data, err := os.ReadFile(w.configPath)
	if err != nil {
		log.Errorf("watcher: failed to read config file: %v", err)
		return
	}
	if len(data) == 0 {
		log.Debugf("watcher: ignoring empty config file write event")
		return
	}
	newHash := hashConfig(data)

	w.mu.Lock()
	unchanged := w.lastConfigHash != "" && w.lastConfigHash == newHash
	if !unchanged {
		w.lastConfigHash = newHash
	}
	w.mu.Unlock()
	if unchanged {
		return
	}

	cfg, err := config.LoadConfig(w.configPath)
	if err != nil {
		log.Errorf("watcher: config reload skipped: %v", err)
		return
	}
	log.Infof("watcher: config file changed, reloading")
	if w.reloadCallback != nil {
		w.reloadCallback(cfg)
	}
}

func hashConfig(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func sameFile(a, b string) bool {
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	if errA != nil || errB != nil {
		return strings.EqualFold(filepath.Clean(a), filepath.Clean(b))
	}
	return absA == absB
}
