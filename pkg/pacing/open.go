package pacing

import (
	"fmt"
	"time"

	"github.com/lkarlslund/duckbridge/pkg/config"
)

// Open builds the store named by cfg.Backend. The returned close func is never nil.
func Open(cfg config.PacingConfig) (Store, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Backend {
	case config.PacingBackendMemory:
		return NewMemoryStore(), noop, nil
	case config.PacingBackendSQLite:
		path := cfg.Path
		if path == "" {
			path = config.DefaultPacingDBPath()
		}
		s, err := OpenSQLiteStore(path)
		if err != nil {
			return nil, noop, err
		}
		return s, s.Close, nil
	case config.PacingBackendFile, "":
		path := cfg.Path
		if path == "" {
			path = config.DefaultPacingStatePath()
		}
		return NewFileStore(path), noop, nil
	}
	return nil, noop, fmt.Errorf("unknown pacing backend %q", cfg.Backend)
}

// WindowFromConfig returns the configured window, or DefaultWindow.
func WindowFromConfig(cfg config.PacingConfig) time.Duration {
	if cfg.WindowSeconds <= 0 {
		return DefaultWindow
	}
	return time.Duration(cfg.WindowSeconds) * time.Second
}

// OptionsFromConfig returns the window and minimum-interval options for cfg.
func OptionsFromConfig(cfg config.PacingConfig) []Option {
	return []Option{
		WithWindow(WindowFromConfig(cfg)),
		WithMinInterval(time.Duration(max(0, cfg.MinIntervalMs)) * time.Millisecond),
	}
}
