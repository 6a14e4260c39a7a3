package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"llmgate/internal/events"
)

// Manager owns the loaded configuration and its hot reload.
type Manager struct {
	mu         sync.RWMutex
	config     *FileConfig
	configPath string
	stopCh     chan struct{}
	stopOnce   sync.Once
	onChange   []func(*FileConfig)
	lastMod    time.Time
	publisher  events.Publisher
}

// NewManager loads the config at path, falling back to well-known locations
// when path is empty and to the documented defaults when no file exists.
func NewManager(configPath string) (*Manager, error) {
	if configPath == "" {
		locations := []string{
			"llmgate.yaml",
			"llmgate.yml",
			"llmgate.json",
			filepath.Join(os.Getenv("HOME"), ".llmgate", "config.yaml"),
			"/etc/llmgate/config.yaml",
		}
		for _, loc := range locations {
			if _, err := os.Stat(loc); err == nil {
				configPath = loc
				break
			}
		}
	}

	if strings.HasPrefix(configPath, "~") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configPath = filepath.Join(homeDir, configPath[1:])
	}

	cm := &Manager{
		configPath: configPath,
		stopCh:     make(chan struct{}),
	}

	if err := cm.load(); err != nil {
		if os.IsNotExist(err) || configPath == "" {
			cm.config = cm.defaultConfig()
			log.WithField("path", configPath).Warn("using default configuration (no config file found)")
		} else {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}

	cm.mergeEnvVars()

	if cm.configPath != "" {
		if _, err := os.Stat(cm.configPath); err == nil {
			cm.startWatcher()
		}
	}

	return cm, nil
}

// OnChange registers a callback invoked after every reload.
func (cm *Manager) OnChange(fn func(*FileConfig)) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.onChange = append(cm.onChange, fn)
}

// SetEventPublisher wires the event hub used to broadcast config updates.
func (cm *Manager) SetEventPublisher(p events.Publisher) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.publisher = p
}

// Get returns a copy of the current configuration.
func (cm *Manager) Get() *FileConfig {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if cm.config == nil {
		return cm.defaultConfig()
	}
	config := *cm.config
	return &config
}

// Close stops the watcher. Safe to call more than once.
func (cm *Manager) Close() {
	cm.stopOnce.Do(func() { close(cm.stopCh) })
}

func (cm *Manager) listenersSnapshot() ([]func(*FileConfig), events.Publisher, string) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	callbacks := make([]func(*FileConfig), len(cm.onChange))
	copy(callbacks, cm.onChange)
	return callbacks, cm.publisher, cm.configPath
}

func (cm *Manager) emitChange(newCfg *FileConfig) {
	callbacks, publisher, path := cm.listenersSnapshot()

	for _, fn := range callbacks {
		fn(newCfg)
	}

	if publisher != nil && newCfg != nil {
		publisher.Publish(context.Background(), events.TopicConfigUpdated, ChangeEvent{
			Path:      path,
			UpdatedAt: time.Now().UTC(),
			Config:    *newCfg,
		}, nil)
	}
}

// ChangeEvent is the payload broadcast when configuration changes.
type ChangeEvent struct {
	Path      string     `json:"path"`
	UpdatedAt time.Time  `json:"updated_at"`
	Config    FileConfig `json:"config"`
}
