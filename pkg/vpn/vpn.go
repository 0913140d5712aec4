// Package vpn keeps a WireGuard configuration file and a simulated connection
// state. No tunnel is ever brought up.
package vpn

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	log "github.com/charmbracelet/log"
	"github.com/lkarlslund/duckbridge/pkg/cache"
)

const (
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"

	SimulatedMessage = "VPN simulated. Kernel-level TUN devices are not available to this process."

	// Messages returned to dashboard callers for the errors below.
	NoConfigMessage      = "No config provided"
	ConfigMissingMessage = "VPN config missing. Please upload wg0.conf first."
)

var (
	ErrNoConfig      = errors.New("no vpn config provided")
	ErrConfigMissing = errors.New("vpn config missing")
)

type ConnectResult struct {
	Status    string `json:"status"`
	Simulated bool   `json:"simulated"`
	Message   string `json:"message"`
}

type Manager struct {
	mu        sync.RWMutex
	path      string
	connected bool
}

func NewManager(configPath string) *Manager {
	return &Manager{path: configPath}
}

func (m *Manager) ConfigPath() string {
	return m.path
}

func (m *Manager) Status() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.connected {
		return StatusConnected
	}
	return StatusDisconnected
}

func (m *Manager) HasConfig() bool {
	st, err := os.Stat(m.path)
	return err == nil && st.Mode().IsRegular()
}

// SaveConfig writes content verbatim to the config path.
func (m *Manager) SaveConfig(content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrNoConfig
	}
	if err := cache.WriteAtomic(m.path, []byte(content)); err != nil {
		return fmt.Errorf("save vpn config: %w", err)
	}
	log.Info("vpn config saved", "path", m.path)
	return nil
}

func (m *Manager) Connect() (ConnectResult, error) {
	if !m.HasConfig() {
		return ConnectResult{}, ErrConfigMissing
	}
	m.mu.Lock()
	m.connected = true
	m.mu.Unlock()
	return ConnectResult{Status: StatusConnected, Simulated: true, Message: SimulatedMessage}, nil
}

// AutoConnect connects at startup when a config file is already present.
func (m *Manager) AutoConnect() bool {
	if !m.HasConfig() {
		log.Info("no vpn config found for auto-connect", "path", m.path)
		return false
	}
	if _, err := m.Connect(); err != nil {
		log.Warn("vpn auto-connect failed", "err", err)
		return false
	}
	log.Info("vpn auto-connected (simulated)", "path", m.path)
	return true
}
