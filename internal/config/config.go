// Package config loads and hot-reloads pingsrv's YAML configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for pingsrv.
type Config struct {
	Listen ListenConfig `yaml:"listen"`
	DB     DBConfig     `yaml:"db"`
	Pool   PoolConfig   `yaml:"pool"`
}

// ListenConfig defines the bind address and port for the HTTP API.
type ListenConfig struct {
	HTTPPort int    `yaml:"http_port"`
	HTTPBind string `yaml:"http_bind"`
}

// DBConfig is the single upstream Postgres connection target. Process-wide
// and loaded once: a reload seen by Watcher builds and validates a whole
// new Config and hands it to the watcher's callback, but nothing in this
// process mutates a running pool's DBConfig or prepared plans.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	DBName   string `yaml:"dbname"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// PoolConfig sizes the fixed worker pool.
type PoolConfig struct {
	Size int `yaml:"size"`
}

// Redacted returns a copy of the DBConfig with the password masked, for
// logging.
func (d DBConfig) Redacted() DBConfig {
	c := d
	if c.Password != "" {
		c.Password = "***REDACTED***"
	}
	return c
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnvVars replaces ${VAR_NAME} patterns with environment variable
// values, leaving unmatched placeholders untouched.
func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file, with env var substitution.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading file: %w", err)
	}

	data = substituteEnvVars(data)

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing file: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: validating: %w", err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Listen.HTTPPort == 0 {
		cfg.Listen.HTTPPort = 8080
	}
	if cfg.Listen.HTTPBind == "" {
		cfg.Listen.HTTPBind = "0.0.0.0"
	}
	if cfg.DB.Port == 0 {
		cfg.DB.Port = 5432
	}
	if cfg.Pool.Size == 0 {
		cfg.Pool.Size = 10
	}
}

func validate(cfg *Config) error {
	if cfg.DB.Host == "" {
		return fmt.Errorf("db.host is required")
	}
	if cfg.DB.DBName == "" {
		return fmt.Errorf("db.dbname is required")
	}
	if cfg.DB.Username == "" {
		return fmt.Errorf("db.username is required")
	}
	return nil
}

// Watcher watches a config file for changes and calls back with the newly
// loaded Config. Used only for ambient, non-db concerns on the next
// generation (listen address, pool size); a running pool's DBConfig and
// prepared plans are never mutated in place by a reload.
type Watcher struct {
	path     string
	callback func(*Config)
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewWatcher creates a new config file watcher.
func NewWatcher(path string, callback func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: creating file watcher: %w", err)
	}

	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("config: watching file: %w", err)
	}

	cw := &Watcher{
		path:     path,
		callback: callback,
		watcher:  w,
		stopCh:   make(chan struct{}),
	}

	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, cw.reload)
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("config watcher error", "component", "config", "error", err)
		case <-cw.stopCh:
			return
		}
	}
}

func (cw *Watcher) reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cfg, err := Load(cw.path)
	if err != nil {
		slog.Error("config hot-reload failed", "component", "config", "path", cw.path, "error", err)
		return
	}

	slog.Info("configuration reloaded", "component", "config", "path", cw.path)
	cw.callback(cfg)
}

// Stop stops the config watcher.
func (cw *Watcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}
