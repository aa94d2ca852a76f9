package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog/log"
)

// FileGate reads the policy config from a JSON file and hot-reloads it when
// the file changes on disk.
type FileGate struct {
	mu      sync.RWMutex
	path    string
	cfg     Config
	watcher *FileWatcher
}

func NewFileGate(path string) (*FileGate, error) {
	g := &FileGate{path: path}

	cfg, err := loadConfigFile(path)
	if err != nil {
		return nil, fmt.Errorf("initial load: %w", err)
	}
	g.cfg = cfg

	watcher, err := NewFileWatcher(path, g.handleChange)
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	g.watcher = watcher

	return g, nil
}

func (g *FileGate) Config() Config {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.cfg
}

func (g *FileGate) Close() error {
	if g.watcher != nil {
		return g.watcher.Close()
	}
	return nil
}

func (g *FileGate) handleChange(path string) {
	cfg, err := loadConfigFile(g.path)
	if err != nil {
		log.Error().Err(err).Str("path", g.path).Msg("failed to reload policy config")
		return
	}

	g.mu.Lock()
	g.cfg = cfg
	g.mu.Unlock()

	log.Info().
		Bool("file_write", cfg.EnableFileWrite).
		Bool("code_execution", cfg.EnableCodeExecution).
		Str("approval_mode", string(cfg.ApprovalMode)).
		Msg("policy config reloaded")
}

func loadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read policy config: %w", err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse policy config: %w", err)
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func validateConfig(cfg Config) error {
	switch cfg.ApprovalMode {
	case ApprovalNever, ApprovalRisky, ApprovalAlways:
		return nil
	default:
		return fmt.Errorf("invalid approval_mode: %q", cfg.ApprovalMode)
	}
}
