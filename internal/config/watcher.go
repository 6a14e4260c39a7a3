package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

func (cm *Manager) startWatcher() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.WithError(err).Warn("failed to create file watcher, falling back to polling")
		cm.startPollingWatcher()
		return
	}

	if err := watcher.Add(cm.configPath); err != nil {
		log.WithError(err).WithField("path", cm.configPath).Warn("failed to watch config file, falling back to polling")
		watcher.Close()
		cm.startPollingWatcher()
		return
	}

	// Watch the directory too so atomic writes (rename) are caught.
	configDir := filepath.Dir(cm.configPath)
	if err := watcher.Add(configDir); err != nil {
		log.WithError(err).WithField("dir", configDir).Warn("failed to watch config directory")
	}

	log.WithField("path", cm.configPath).Info("config watcher started using fsnotify")

	go func() {
		defer watcher.Close()

		// Debounce so editors that write in bursts trigger one reload.
		var debounceTimer *time.Timer
		debounceDuration := 100 * time.Millisecond

		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name == cm.configPath && (event.Op&fsnotify.Write == fsnotify.Write || event.Op&fsnotify.Create == fsnotify.Create) {
					if debounceTimer != nil {
						debounceTimer.Stop()
					}
					debounceTimer = time.AfterFunc(debounceDuration, func() {
						cm.checkAndReload()
					})
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithError(err).Warn("config watcher error")

			case <-cm.stopCh:
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				return
			}
		}
	}()
}

// startPollingWatcher is a fallback when fsnotify is not available.
func (cm *Manager) startPollingWatcher() {
	ticker := time.NewTicker(5 * time.Second)
	log.WithField("interval", "5s").Info("config watcher started using polling")

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				cm.checkAndReload()
			case <-cm.stopCh:
				return
			}
		}
	}()
}

func (cm *Manager) checkAndReload() {
	if cm.configPath == "" {
		return
	}

	info, err := os.Stat(cm.configPath)
	if err != nil {
		return
	}

	cm.mu.Lock()
	stale := info.ModTime().After(cm.lastMod)
	if stale {
		if err := cm.load(); err != nil {
			cm.mu.Unlock()
			log.WithError(err).WithField("path", cm.configPath).Warn("failed to reload config")
			return
		}
	}
	cm.mu.Unlock()
	if !stale {
		return
	}

	cm.mergeEnvLocked()
	cm.emitChange(cm.Get())
}

func (cm *Manager) mergeEnvLocked() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.mergeEnvVars()
}
