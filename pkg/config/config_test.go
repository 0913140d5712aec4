package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"
)

func TestDefaultServerConfigPathUsesDuckbridgeToml(t *testing.T) {
	if got := filepath.Base(DefaultServerConfigPath()); got != defaultConfigFileName {
		t.Fatalf("expected default config file %q, got %q", defaultConfigFileName, got)
	}
}

func TestLoadOrCreateWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg", defaultConfigFileName)
	cfg, err := LoadOrCreateServerConfig(path)
	if err != nil {
		t.Fatalf("load or create: %v", err)
	}
	if cfg.Upstream.DefaultModel != DefaultModel {
		t.Fatalf("unexpected default model %q", cfg.Upstream.DefaultModel)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read created config: %v", err)
	}
	s := string(b)
	for _, want := range []string{"[upstream]", "[pacing]", "window_seconds = 60"} {
		if !strings.Contains(s, want) {
			t.Fatalf("expected %q in written config:\n%s", want, s)
		}
	}
	again, err := LoadServerConfig(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(again.Upstream.Models) != len(DefaultModels) {
		t.Fatalf("models not round-tripped: %+v", again.Upstream.Models)
	}
}

func TestLoadServerConfigMigratesLegacyPort(t *testing.T) {
	path := filepath.Join(t.TempDir(), defaultConfigFileName)
	if err := os.WriteFile(path, []byte("port = 4000\n"), 0o600); err != nil {
		t.Fatalf("write legacy: %v", err)
	}
	cfg, err := LoadServerConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":4000" {
		t.Fatalf("expected legacy port to migrate, got %q", cfg.ListenAddr)
	}
	if cfg.Pacing.WindowSeconds != 60 {
		t.Fatalf("expected defaults to survive partial file, got %d", cfg.Pacing.WindowSeconds)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ServerConfig)
		want   string
	}{
		{"backend", func(c *ServerConfig) { c.Pacing.Backend = "redis" }, "pacing.backend"},
		{"loglevel", func(c *ServerConfig) { c.LogLevel = "chatty" }, "log_level"},
		{"tls", func(c *ServerConfig) { c.TLS.Enabled = true }, "tls.domain"},
		{"base url", func(c *ServerConfig) { c.Upstream.BaseURL = "not a url" }, "upstream.base_url"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := NewDefaultServerConfig()
			tc.mutate(cfg)
			cfg.Normalize()
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %q, got %v", tc.want, err)
			}
		})
	}
}

func TestNormalizeFillsPacingPathPerBackend(t *testing.T) {
	cfg := NewDefaultServerConfig()
	cfg.Pacing.Backend = "SQLite"
	cfg.Pacing.Path = ""
	cfg.Normalize()
	if cfg.Pacing.Backend != PacingBackendSQLite || filepath.Base(cfg.Pacing.Path) != "pacing.db" {
		t.Fatalf("unexpected pacing config: %+v", cfg.Pacing)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvListenAddr, "0.0.0.0:9999")
	t.Setenv(EnvUpstreamBaseURL, "http://127.0.0.1:1234")
	cfg := NewDefaultServerConfig()
	ApplyEnvOverrides(cfg)
	if cfg.ListenAddr != "0.0.0.0:9999" || cfg.Upstream.BaseURL != "http://127.0.0.1:1234" {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
}

func TestLoadDotEnvDoesNotOverrideExisting(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	if err := os.WriteFile(envFile, []byte(EnvLogLevel+"=debug\n"+EnvListenAddr+"=:7000\n"), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}
	t.Setenv(EnvListenAddr, ":8000")
	t.Setenv(EnvLogLevel, "")
	os.Unsetenv(EnvLogLevel)
	if err := LoadDotEnv(envFile, filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("load dotenv: %v", err)
	}
	if got := os.Getenv(EnvLogLevel); got != "debug" {
		t.Fatalf("expected log level from .env, got %q", got)
	}
	if got := os.Getenv(EnvListenAddr); got != ":8000" {
		t.Fatalf("existing env must win, got %q", got)
	}
}

func TestStoreUpdatePersistsAndNotifies(t *testing.T) {
	path := filepath.Join(t.TempDir(), defaultConfigFileName)
	cfg := NewDefaultServerConfig()
	store := NewServerConfigStore(path, cfg)
	var seen ServerConfig
	store.OnChange(func(c ServerConfig) { seen = c })
	if err := store.Update(func(c *ServerConfig) error {
		c.Pacing.WindowSeconds = 90
		return nil
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if seen.Pacing.WindowSeconds != 90 {
		t.Fatalf("listener not invoked with new config: %+v", seen.Pacing)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var onDisk ServerConfig
	if err := toml.Unmarshal(b, &onDisk); err != nil {
		t.Fatalf("parse saved: %v", err)
	}
	if onDisk.Pacing.WindowSeconds != 90 {
		t.Fatalf("update not persisted:\n%s", string(b))
	}
	snap := store.Snapshot()
	snap.Upstream.Models[0] = "mutated"
	if store.Snapshot().Upstream.Models[0] == "mutated" {
		t.Fatalf("snapshot must not alias store state")
	}
}

func TestWatchReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), defaultConfigFileName)
	cfg := NewDefaultServerConfig()
	if err := Save(path, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}
	store := NewServerConfigStore(path, cfg)
	changed := make(chan ServerConfig, 4)
	store.OnChange(func(c ServerConfig) { changed <- c })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- store.watch(ctx, 10*time.Millisecond) }()
	time.Sleep(100 * time.Millisecond)

	next := NewDefaultServerConfig()
	next.Pacing.WindowSeconds = 120
	if err := Save(path, next); err != nil {
		t.Fatalf("save updated: %v", err)
	}
	select {
	case c := <-changed:
		if c.Pacing.WindowSeconds != 120 {
			t.Fatalf("unexpected reloaded window %d", c.Pacing.WindowSeconds)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("config change was not picked up")
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("watch returned error: %v", err)
	}
}

func TestReloadKeepsFlagOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), defaultConfigFileName)
	onDisk := NewDefaultServerConfig()
	onDisk.LogLevel = "warn"
	if err := Save(path, onDisk); err != nil {
		t.Fatalf("save: %v", err)
	}
	running := onDisk.clone()
	running.LogLevel = "debug"
	running.ListenAddr = "127.0.0.1:9999"
	store := NewServerConfigStore(path, &running)
	store.SetOverrides(func(c *ServerConfig) {
		c.LogLevel = "debug"
		c.ListenAddr = "127.0.0.1:9999"
	})

	onDisk.Pacing.WindowSeconds = 45
	onDisk.Pacing.MinIntervalMs = -5
	if err := Save(path, onDisk); err != nil {
		t.Fatalf("save edit: %v", err)
	}
	if err := store.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	got := store.Snapshot()
	if got.LogLevel != "debug" || got.ListenAddr != "127.0.0.1:9999" {
		t.Fatalf("flag overrides lost on reload: level=%q listen=%q", got.LogLevel, got.ListenAddr)
	}
	if got.Pacing.WindowSeconds != 45 {
		t.Fatalf("file edit not applied: window=%d", got.Pacing.WindowSeconds)
	}
	if got.Pacing.MinIntervalMs != 0 {
		t.Fatalf("negative min interval must normalize to 0, got %d", got.Pacing.MinIntervalMs)
	}
}
