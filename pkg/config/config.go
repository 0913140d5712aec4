package config

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/pelletier/go-toml/v2"
)

const (
	defaultConfigFileName = "duckbridge.toml"
	appDirName            = "duckbridge"

	DefaultUpstreamBaseURL  = "https://duckduckgo.com"
	DefaultStatusPath       = "/duckchat/v1/status"
	DefaultChatPath         = "/duckchat/v1/chat"
	DefaultModel            = "mistralai/Mistral-Small-24B-Instruct-2501"
	DefaultBrowserSignature = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/138.0.0.0 Safari/537.36"

	PacingBackendFile   = "file"
	PacingBackendSQLite = "sqlite"
	PacingBackendMemory = "memory"
)

var DefaultModels = []string{
	"gpt-4o-mini",
	"gpt-5-mini",
	"claude-3-5-haiku-latest",
	"meta-llama/Llama-4-Scout-17B-16E-Instruct",
	"mistralai/Mistral-Small-24B-Instruct-2501",
	"openai/gpt-oss-120b",
}

type UpstreamConfig struct {
	BaseURL              string   `toml:"base_url"`
	StatusPath           string   `toml:"status_path,omitempty"`
	ChatPath             string   `toml:"chat_path,omitempty"`
	TimeoutSeconds       int      `toml:"timeout_seconds,omitempty"`
	BrowserSignature     string   `toml:"browser_signature,omitempty"`
	ScriptTimeoutSeconds int      `toml:"script_timeout_seconds,omitempty"`
	DefaultModel         string   `toml:"default_model"`
	Models               []string `toml:"models"`
}

type PacingConfig struct {
	Backend              string `toml:"backend"`
	Path                 string `toml:"path,omitempty"`
	WindowSeconds        int    `toml:"window_seconds"`
	PruneIntervalSeconds int    `toml:"prune_interval_seconds"`
	MinIntervalMs        int    `toml:"min_interval_ms,omitempty"`
}

type VPNConfig struct {
	ConfigPath string `toml:"config_path"`
}

type TLSConfig struct {
	Enabled  bool   `toml:"enabled"`
	Domain   string `toml:"domain"`
	Email    string `toml:"email"`
	CacheDir string `toml:"cache_dir"`
}

type MetricsConfig struct {
	Enabled bool `toml:"enabled"`
}

type ServerConfig struct {
	ListenAddr string         `toml:"listen_addr"`
	LogLevel   string         `toml:"log_level"`
	Upstream   UpstreamConfig `toml:"upstream"`
	Pacing     PacingConfig   `toml:"pacing"`
	VPN        VPNConfig      `toml:"vpn"`
	TLS        TLSConfig      `toml:"tls"`
	Metrics    MetricsConfig  `toml:"metrics"`
}

func DefaultServerConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return defaultConfigFileName
	}
	return filepath.Join(home, ".config", appDirName, defaultConfigFileName)
}

func DefaultPacingStatePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "rate-limit-state.json"
	}
	return filepath.Join(home, ".cache", appDirName, "rate-limit-state.json")
}

func DefaultPacingDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "pacing.db"
	}
	return filepath.Join(home, ".cache", appDirName, "pacing.db")
}

func DefaultVPNConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "wg0.conf"
	}
	return filepath.Join(home, ".config", appDirName, "wg0.conf")
}

func DefaultTLSCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "tls-autocert"
	}
	return filepath.Join(home, ".cache", appDirName, "tls-autocert")
}

func NewDefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ListenAddr: "127.0.0.1:3000",
		LogLevel:   "info",
		Upstream: UpstreamConfig{
			BaseURL:              DefaultUpstreamBaseURL,
			StatusPath:           DefaultStatusPath,
			ChatPath:             DefaultChatPath,
			TimeoutSeconds:       120,
			BrowserSignature:     DefaultBrowserSignature,
			ScriptTimeoutSeconds: 10,
			DefaultModel:         DefaultModel,
			Models:               append([]string(nil), DefaultModels...),
		},
		Pacing: PacingConfig{
			Backend:              PacingBackendFile,
			Path:                 DefaultPacingStatePath(),
			WindowSeconds:        60,
			PruneIntervalSeconds: 30,
		},
		VPN: VPNConfig{
			ConfigPath: DefaultVPNConfigPath(),
		},
		TLS: TLSConfig{
			CacheDir: DefaultTLSCacheDir(),
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

func LoadServerConfig(path string) (*ServerConfig, error) {
	cfg := NewDefaultServerConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := unmarshalServerConfigTOML(b, cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func LoadOrCreateServerConfig(path string) (*ServerConfig, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		cfg := NewDefaultServerConfig()
		if err := Save(path, cfg); err != nil {
			return nil, fmt.Errorf("write default config: %w", err)
		}
		return cfg, nil
	} else if err != nil {
		return nil, fmt.Errorf("stat config: %w", err)
	}
	return LoadServerConfig(path)
}

// unmarshalServerConfigTOML decodes on top of the defaults already in cfg and
// migrates the flat `port` key used by older installs.
func unmarshalServerConfigTOML(b []byte, cfg *ServerConfig) error {
	type legacyServerConfig struct {
		ServerConfig
		Port int `toml:"port"`
	}
	raw := legacyServerConfig{ServerConfig: *cfg}
	if err := toml.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("parse toml: %w", err)
	}
	*cfg = raw.ServerConfig
	if raw.Port > 0 && !tomlHasKey(b, "listen_addr") {
		cfg.ListenAddr = ":" + strconv.Itoa(raw.Port)
	}
	return nil
}

func tomlHasKey(b []byte, key string) bool {
	var raw map[string]any
	if err := toml.Unmarshal(b, &raw); err != nil {
		return false
	}
	_, ok := raw[key]
	return ok
}

func Save(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return writeAtomic(path, v)
}

func writeAtomic(path string, v any) error {
	b, err := marshalTOML(v)
	if err != nil {
		return fmt.Errorf("encode toml: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func marshalTOML(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	enc.SetArraysMultiline(true)
	enc.SetIndentSymbol("  ")
	enc.SetIndentTables(true)
	enc.SetTablesInline(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	out := buf.Bytes()
	if len(out) > 0 && out[len(out)-1] != '\n' {
		out = append(out, '\n')
	}
	return out, nil
}

func (c *ServerConfig) Normalize() {
	c.ListenAddr = strings.TrimSpace(c.ListenAddr)
	if c.ListenAddr == "" {
		c.ListenAddr = ":3000"
	}
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	u := &c.Upstream
	u.BaseURL = strings.TrimRight(strings.TrimSpace(u.BaseURL), "/")
	if u.BaseURL == "" {
		u.BaseURL = DefaultUpstreamBaseURL
	}
	u.StatusPath = normalizePath(u.StatusPath, DefaultStatusPath)
	u.ChatPath = normalizePath(u.ChatPath, DefaultChatPath)
	if u.TimeoutSeconds <= 0 {
		u.TimeoutSeconds = 120
	}
	u.BrowserSignature = strings.TrimSpace(u.BrowserSignature)
	if u.BrowserSignature == "" {
		u.BrowserSignature = DefaultBrowserSignature
	}
	if u.ScriptTimeoutSeconds < 0 {
		u.ScriptTimeoutSeconds = 0
	}
	u.Models = dedupeTrimmed(u.Models)
	if len(u.Models) == 0 {
		u.Models = append([]string(nil), DefaultModels...)
	}
	u.DefaultModel = strings.TrimSpace(u.DefaultModel)
	if u.DefaultModel == "" {
		u.DefaultModel = DefaultModel
	}

	p := &c.Pacing
	p.Backend = strings.ToLower(strings.TrimSpace(p.Backend))
	if p.Backend == "" {
		p.Backend = PacingBackendFile
	}
	p.Path = strings.TrimSpace(p.Path)
	if p.Path == "" {
		switch p.Backend {
		case PacingBackendSQLite:
			p.Path = DefaultPacingDBPath()
		case PacingBackendFile:
			p.Path = DefaultPacingStatePath()
		}
	}
	if p.WindowSeconds <= 0 {
		p.WindowSeconds = 60
	}
	if p.PruneIntervalSeconds < 0 {
		p.PruneIntervalSeconds = 0
	}
	if p.MinIntervalMs < 0 {
		p.MinIntervalMs = 0
	}

	c.VPN.ConfigPath = strings.TrimSpace(c.VPN.ConfigPath)
	if c.VPN.ConfigPath == "" {
		c.VPN.ConfigPath = DefaultVPNConfigPath()
	}
	c.TLS.Domain = strings.TrimSpace(c.TLS.Domain)
	c.TLS.Email = strings.TrimSpace(c.TLS.Email)
	c.TLS.CacheDir = strings.TrimSpace(c.TLS.CacheDir)
	if c.TLS.CacheDir == "" {
		c.TLS.CacheDir = DefaultTLSCacheDir()
	}
}

func (c *ServerConfig) Validate() error {
	if _, err := url.ParseRequestURI(c.Upstream.BaseURL); err != nil {
		return fmt.Errorf("upstream.base_url %q is invalid: %w", c.Upstream.BaseURL, err)
	}
	switch c.LogLevel {
	case "trace", "debug", "info", "warn", "warning", "error", "fatal":
	default:
		return fmt.Errorf("log_level %q is not one of trace, debug, info, warn, error, fatal", c.LogLevel)
	}
	switch c.Pacing.Backend {
	case PacingBackendFile, PacingBackendSQLite, PacingBackendMemory:
	default:
		return fmt.Errorf("pacing.backend %q must be file, sqlite or memory", c.Pacing.Backend)
	}
	if c.TLS.Enabled && c.TLS.Domain == "" {
		return errors.New("tls.domain is required when tls.enabled is true")
	}
	return nil
}

func normalizePath(p, def string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return def
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

func dedupeTrimmed(in []string) []string {
	out := make([]string, 0, len(in))
	seen := map[string]struct{}{}
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func (c ServerConfig) clone() ServerConfig {
	cp := c
	cp.Upstream.Models = append([]string(nil), c.Upstream.Models...)
	return cp
}

type ServerConfigStore struct {
	mu        sync.RWMutex
	path      string
	cfg       *ServerConfig
	overrides func(*ServerConfig)
	listeners []func(ServerConfig)
}

func NewServerConfigStore(path string, cfg *ServerConfig) *ServerConfigStore {
	return &ServerConfigStore{path: path, cfg: cfg}
}

func (s *ServerConfigStore) Path() string {
	return s.path
}

func (s *ServerConfigStore) Snapshot() ServerConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.clone()
}

// SetOverrides registers fn to run after env overrides on every Reload, so
// command-line flags keep winning over the file.
func (s *ServerConfigStore) SetOverrides(fn func(*ServerConfig)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides = fn
}

// OnChange registers fn to run with the new snapshot after every successful Update or Reload.
func (s *ServerConfigStore) OnChange(fn func(ServerConfig)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *ServerConfigStore) Update(mutator func(*ServerConfig) error) error {
	s.mu.Lock()
	cp := s.cfg.clone()
	if err := mutator(&cp); err != nil {
		s.mu.Unlock()
		return err
	}
	cp.Normalize()
	if err := cp.Validate(); err != nil {
		s.mu.Unlock()
		return err
	}
	if err := Save(s.path, &cp); err != nil {
		s.mu.Unlock()
		return err
	}
	s.cfg = &cp
	listeners := append(([]func(ServerConfig))(nil), s.listeners...)
	snap := cp.clone()
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(snap)
	}
	return nil
}

// Reload re-reads the file from disk, re-applies env and flag overrides and
// replaces the in-memory config. A file that fails to parse or validate is
// rejected and the previous config stays active.
func (s *ServerConfigStore) Reload() error {
	cfg, err := LoadServerConfig(s.path)
	if err != nil {
		return err
	}
	ApplyEnvOverrides(cfg)
	s.mu.RLock()
	overrides := s.overrides
	s.mu.RUnlock()
	if overrides != nil {
		overrides(cfg)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.cfg = cfg
	listeners := append(([]func(ServerConfig))(nil), s.listeners...)
	snap := cfg.clone()
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(snap)
	}
	return nil
}
