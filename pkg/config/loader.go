package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Loader loads, validates, and caches configuration from one file.
type Loader struct {
	path   string
	logger *zap.Logger

	mu   sync.Mutex
	last atomic.Pointer[Config]
}

// LoaderOption customizes loader behaviour.
type LoaderOption func(*Loader)

// WithLogger sets the logger used by Watch. Defaults to a no-op.
func WithLogger(logger *zap.Logger) LoaderOption {
	return func(l *Loader) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewLoader wires a loader for the given config file path. A missing
// file is not an error at construction time; Load falls back to
// defaults when the file does not exist.
func NewLoader(path string, opts ...LoaderOption) (*Loader, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("config: path is required")
	}
	abs, err := filepath.Abs(ExpandHome(path))
	if err != nil {
		return nil, fmt.Errorf("config: resolve path: %w", err)
	}
	l := &Loader{path: abs, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Path returns the absolute config file path.
func (l *Loader) Path() string {
	return l.path
}

// Last returns the most recent valid configuration.
func (l *Loader) Last() (*Config, bool) {
	cfg := l.last.Load()
	if cfg == nil {
		return nil, false
	}
	return cfg, true
}

// Load parses, normalizes, and validates the file, caching the result.
// A missing file yields the defaults.
func (l *Loader) Load() (*Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cfg, err := l.loadOnce()
	if err != nil {
		return nil, err
	}
	l.last.Store(cfg)
	return cfg, nil
}

// Reload refreshes configuration, keeping the last good state when the
// new payload fails to parse or validate.
func (l *Loader) Reload() (*Config, error) {
	prev, _ := l.Last()
	cfg, err := l.Load()
	if err != nil {
		if prev != nil {
			return prev, fmt.Errorf("config: reload failed, keeping last good config: %w", err)
		}
		return nil, err
	}
	return cfg, nil
}

func (l *Loader) loadOnce() (*Config, error) {
	raw, err := os.ReadFile(l.path)
	switch {
	case err == nil:
	case errors.Is(err, fs.ErrNotExist):
		cfg := Default()
		cfg.Normalize()
		return cfg, nil
	default:
		return nil, fmt.Errorf("config: read %s: %w", l.path, err)
	}
	return Parse(raw)
}

// Parse decodes a YAML or JSON payload into a validated Config.
func Parse(raw []byte) (*Config, error) {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil, errors.New("config: payload is empty")
	}
	cfg := &Config{}
	if err := decodeMixedYAMLJSON(raw, cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeMixedYAMLJSON(data []byte, out any) error {
	if err := yaml.Unmarshal(data, out); err == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err == nil {
		return nil
	}
	return errors.New("config: decode failed: unsupported format")
}

// Watch re-loads the file whenever it changes on disk and hands each
// good result to onChange. Bad payloads keep the last good config and
// are logged. Watch blocks until ctx is done or the watcher fails.
func (l *Loader) Watch(ctx context.Context, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: editors and atomic writers replace the
	// file, which drops a watch placed on the file itself.
	if err := watcher.Add(filepath.Dir(l.path)); err != nil {
		return fmt.Errorf("config: watch %s: %w", filepath.Dir(l.path), err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != l.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			cfg, err := l.Reload()
			if err != nil {
				l.logger.Warn("config reload failed", zap.String("path", l.path), zap.Error(err))
				continue
			}
			l.logger.Info("config reloaded", zap.String("path", l.path))
			if onChange != nil {
				onChange(cfg)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.logger.Warn("config watcher error", zap.Error(err))
		}
	}
}

// WriteFile renders cfg as YAML to path, creating parent directories.
func WriteFile(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("config: nil config")
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}
	path = ExpandHome(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: create dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}
