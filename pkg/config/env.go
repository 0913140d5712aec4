package config

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
)

const (
	EnvListenAddr      = "DUCKBRIDGE_LISTEN_ADDR"
	EnvLogLevel        = "DUCKBRIDGE_LOG_LEVEL"
	EnvUpstreamBaseURL = "DUCKBRIDGE_UPSTREAM_BASE_URL"
)

// LoadDotEnv reads KEY=VALUE pairs from the given files (default ".env") into
// the process environment. Variables already set are not overwritten and a
// missing file is not an error.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	present := make([]string, 0, len(files))
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			present = append(present, f)
		}
	}
	if len(present) == 0 {
		return nil
	}
	return godotenv.Load(present...)
}

// ApplyEnvOverrides copies non-empty DUCKBRIDGE_* variables over cfg.
func ApplyEnvOverrides(cfg *ServerConfig) {
	if v := strings.TrimSpace(os.Getenv(EnvListenAddr)); v != "" {
		cfg.ListenAddr = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		cfg.LogLevel = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvUpstreamBaseURL)); v != "" {
		cfg.Upstream.BaseURL = v
	}
}
