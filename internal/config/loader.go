package config

import (
	"fmt"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Loader reads the YAML policy file and watches it for changes, so limit
// updates take effect without a redeploy.
type Loader struct {
	path     string
	mu       sync.RWMutex
	current  *PolicyConfig
	onChange []func(*PolicyConfig)
	watcher  *fsnotify.Watcher
}

// NewLoader creates a Loader and performs the initial load.
func NewLoader(path string) (*Loader, error) {
	l := &Loader{path: path}
	cfg, err := l.load()
	if err != nil {
		return nil, err
	}
	l.current = cfg
	return l, nil
}

// Config returns the current (latest) policy.
func (l *Loader) Config() *PolicyConfig {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// OnChange registers a callback invoked whenever the policy reloads.
func (l *Loader) OnChange(fn func(*PolicyConfig)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = append(l.onChange, fn)
}

// Watch starts a background goroutine that hot-reloads the policy on file
// changes. Call the returned stop function to clean up. Invalid files are
// skipped and the previous policy stays active.
func (l *Loader) Watch() (stop func(), err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("policy watcher: %w", err)
	}
	if err := w.Add(l.path); err != nil {
		w.Close()
		return nil, fmt.Errorf("policy watcher add %s: %w", l.path, err)
	}
	l.watcher = w

	done := make(chan struct{})
	go func() {
		defer w.Close()
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
					cfg, err := l.load()
					if err != nil {
						// Keep serving the old policy.
						continue
					}
					if err := Validate(cfg); err != nil {
						continue
					}
					l.swap(cfg)
				}
			case <-w.Errors:
				// Ignore watcher errors.
			case <-done:
				return
			}
		}
	}()

	return func() { close(done) }, nil
}

// Reload forces an immediate re-read of the policy file.
func (l *Loader) Reload() (*PolicyConfig, error) {
	cfg, err := l.load()
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	l.swap(cfg)
	return cfg, nil
}

func (l *Loader) swap(cfg *PolicyConfig) {
	l.mu.Lock()
	l.current = cfg
	callbacks := make([]func(*PolicyConfig), len(l.onChange))
	copy(callbacks, l.onChange)
	l.mu.Unlock()
	for _, fn := range callbacks {
		fn(cfg)
	}
}

func (l *Loader) load() (*PolicyConfig, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("read policy %s: %w", l.path, err)
	}
	var cfg PolicyConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse policy %s: %w", l.path, err)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *PolicyConfig) {
	if cfg.Pipeline.Workers == 0 {
		cfg.Pipeline.Workers = 16
	}
	if cfg.Pipeline.QueueDepth == 0 {
		cfg.Pipeline.QueueDepth = 1024
	}
	if cfg.Pipeline.BatchTimeoutMs == 0 {
		cfg.Pipeline.BatchTimeoutMs = 30000
	}
	if cfg.Pipeline.AuditTimeoutMs == 0 {
		cfg.Pipeline.AuditTimeoutMs = 5000
	}
	if cfg.Breaker.ConsecutiveFailures == 0 {
		cfg.Breaker.ConsecutiveFailures = 5
	}
	if cfg.Breaker.FailureRatio == 0 {
		cfg.Breaker.FailureRatio = 0.5
	}
	if cfg.Breaker.MinRequests == 0 {
		cfg.Breaker.MinRequests = 10
	}
	if cfg.Breaker.CooldownMs == 0 {
		cfg.Breaker.CooldownMs = 30000
	}
	if cfg.Breaker.HalfOpenMaxRequests == 0 {
		cfg.Breaker.HalfOpenMaxRequests = 1
	}
	if cfg.Breaker.CallTimeoutMs == 0 {
		cfg.Breaker.CallTimeoutMs = 2000
	}
	if cfg.Retry.Attempts == 0 {
		cfg.Retry.Attempts = 3
	}
	if cfg.Retry.BackoffBaseMs == 0 {
		cfg.Retry.BackoffBaseMs = 50
	}
	if cfg.Idempotency.StaleAfterMs == 0 {
		cfg.Idempotency.StaleAfterMs = 60000
	}
}
