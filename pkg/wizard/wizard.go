package wizard

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/lkarlslund/duckbridge/pkg/config"
)

// Run asks for each setting on out, reading answers from r. An empty answer keeps the shown default.
func Run(r io.Reader, out io.Writer, path string, cfg *config.ServerConfig) error {
	in := bufio.NewScanner(r)
	ask := func(label, def string) string {
		if def == "" {
			fmt.Fprintf(out, "%s: ", label)
		} else {
			fmt.Fprintf(out, "%s [%s]: ", label, def)
		}
		if !in.Scan() {
			return def
		}
		txt := strings.TrimSpace(in.Text())
		if txt == "" {
			return def
		}
		return txt
	}

	fmt.Fprintln(out, "duckbridge configuration wizard")
	cfg.ListenAddr = ask("Listen address", cfg.ListenAddr)
	cfg.LogLevel = ask("Log level (debug, info, warn, error)", cfg.LogLevel)
	cfg.Upstream.BaseURL = ask("Upstream base URL", cfg.Upstream.BaseURL)
	cfg.Upstream.DefaultModel = ask("Default model", cfg.Upstream.DefaultModel)
	if v, err := strconv.Atoi(ask("Upstream timeout seconds", strconv.Itoa(cfg.Upstream.TimeoutSeconds))); err == nil && v > 0 {
		cfg.Upstream.TimeoutSeconds = v
	}

	backend := strings.ToLower(ask("Pacing store (file, sqlite, memory)", cfg.Pacing.Backend))
	if backend != cfg.Pacing.Backend {
		cfg.Pacing.Path = ""
	}
	cfg.Pacing.Backend = backend
	if backend != config.PacingBackendMemory {
		cfg.Pacing.Path = ask("Pacing store path", defaultPacingPath(cfg.Pacing))
	}
	if v, err := strconv.Atoi(ask("Pacing window seconds", strconv.Itoa(cfg.Pacing.WindowSeconds))); err == nil && v > 0 {
		cfg.Pacing.WindowSeconds = v
	}

	cfg.VPN.ConfigPath = ask("WireGuard config path", cfg.VPN.ConfigPath)
	cfg.Metrics.Enabled = parseYes(ask("Expose Prometheus metrics? (y/N)", boolStr(cfg.Metrics.Enabled)))

	cfg.TLS.Enabled = parseYes(ask("Enable Let's Encrypt TLS? (y/N)", boolStr(cfg.TLS.Enabled)))
	if cfg.TLS.Enabled {
		cfg.TLS.Domain = ask("TLS domain", cfg.TLS.Domain)
		cfg.TLS.Email = ask("ACME email", cfg.TLS.Email)
		cfg.TLS.CacheDir = ask("ACME cache dir", cfg.TLS.CacheDir)
	}

	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := config.Save(path, cfg); err != nil {
		return err
	}
	fmt.Fprintf(out, "Saved %s\n", path)
	return nil
}

func defaultPacingPath(p config.PacingConfig) string {
	if p.Path != "" {
		return p.Path
	}
	if p.Backend == config.PacingBackendSQLite {
		return config.DefaultPacingDBPath()
	}
	return config.DefaultPacingStatePath()
}

func parseYes(v string) bool {
	v = strings.TrimSpace(v)
	return strings.EqualFold(v, "y") || strings.EqualFold(v, "yes") || strings.EqualFold(v, "true")
}

func boolStr(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
