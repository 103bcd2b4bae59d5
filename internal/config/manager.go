package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Manager is the settings provider: it loads the yaml file, merges
// environment overrides, and hands out an immutable snapshot per Get call.
// A file watcher refreshes the snapshot on change.
type Manager struct {
	mu         sync.RWMutex
	settings   *Settings
	configPath string
	onReload   []func(*Settings)
	watcher    *fsnotify.Watcher
	stopCh     chan struct{}
	stopOnce   sync.Once
}

// NewManager loads configuration from path (optional; empty path means
// defaults + environment only).
func NewManager(path string) (*Manager, error) {
	m := &Manager{configPath: path, stopCh: make(chan struct{})}
	if err := m.reload(); err != nil {
		return nil, err
	}
	return m, nil
}

// Get returns the current settings snapshot. Callers must not mutate it.
func (m *Manager) Get() *Settings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.settings
}

// OnReload registers a callback invoked with the fresh snapshot after every
// successful reload.
func (m *Manager) OnReload(fn func(*Settings)) {
	m.mu.Lock()
	m.onReload = append(m.onReload, fn)
	m.mu.Unlock()
}

func (m *Manager) reload() error {
	s := Defaults()
	if m.configPath != "" {
		raw, err := os.ReadFile(m.configPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(raw, s); err != nil {
			return fmt.Errorf("parse config: %w", err)
		}
	}
	mergeEnv(s)

	m.mu.Lock()
	m.settings = s
	callbacks := append([]func(*Settings){}, m.onReload...)
	m.mu.Unlock()

	for _, fn := range callbacks {
		fn(s)
	}
	return nil
}

// StartWatcher begins watching the config file for changes. Reload failures
// keep the previous snapshot.
func (m *Manager) StartWatcher() {
	if m.configPath == "" {
		return
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.WithError(err).Warn("failed to create config watcher")
		return
	}
	// Watch the directory too, to catch atomic writes (rename).
	if err := watcher.Add(filepath.Dir(m.configPath)); err != nil {
		log.WithError(err).Warn("failed to watch config directory")
		_ = watcher.Close()
		return
	}
	m.watcher = watcher
	log.WithField("path", m.configPath).Info("config watcher started")

	go func() {
		defer watcher.Close()
		var debounce *time.Timer
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != m.configPath {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(100*time.Millisecond, func() {
					if err := m.reload(); err != nil {
						log.WithError(err).Warn("config reload failed, keeping previous settings")
					} else {
						log.Info("config reloaded")
					}
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithError(err).Warn("config watcher error")
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Stop halts the watcher.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func mergeEnv(s *Settings) {
	if v := os.Getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n < 65536 {
			s.Port = n
		}
	}
	if v := os.Getenv("DEBUG"); v != "" {
		s.Debug = v == "true" || v == "1"
	}
	if v := os.Getenv("POSTGRES_DSN"); v != "" {
		s.PostgresDSN = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		s.RedisAddr = v
	}
	if v := os.Getenv("OAUTH_CLIENT_ID"); v != "" {
		s.OAuth.ClientID = v
	}
	if v := os.Getenv("OAUTH_CLIENT_SECRET"); v != "" {
		s.OAuth.ClientSecret = v
	}
	if v := os.Getenv("SYSTEM_API_KEY"); v != "" {
		s.System.APIKey = v
	}
	if v := os.Getenv("CODE_ASSIST_ENDPOINT"); v != "" {
		s.Gemini.CodeAssistEndpoint = v
	}
	if v := os.Getenv("ANTIGRAVITY_API_URL"); v != "" {
		s.Antigravity.APIURL = v
	}
	if v := os.Getenv("ANTIGRAVITY_SKIP_TLS_VALIDATE"); v != "" {
		s.Antigravity.SkipTLSValidate = v == "true"
	}
	if v := os.Getenv("OTLP_ENDPOINT"); v != "" {
		s.OTLPEndpoint = v
	}
	if v := os.Getenv("PROXY_URL"); v != "" {
		s.ProxyURL = v
	}
}
