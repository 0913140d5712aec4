package wizard

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lkarlslund/duckbridge/pkg/config"
)

func TestRunKeepsDefaultsOnEmptyAnswers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "duckbridge.toml")
	cfg := config.NewDefaultServerConfig()
	var out bytes.Buffer
	if err := Run(strings.NewReader(""), &out, path, cfg); err != nil {
		t.Fatalf("run: %v", err)
	}
	loaded, err := config.LoadServerConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	def := config.NewDefaultServerConfig()
	def.Normalize()
	if loaded.ListenAddr != def.ListenAddr || loaded.Pacing.Backend != def.Pacing.Backend || loaded.Upstream.DefaultModel != def.Upstream.DefaultModel {
		t.Fatalf("defaults not kept: %+v", loaded)
	}
	if !strings.Contains(out.String(), "Saved "+path) {
		t.Fatalf("missing confirmation in %q", out.String())
	}
}

func TestRunAppliesAnswers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "duckbridge.toml")
	dbPath := filepath.Join(dir, "pacing.db")
	answers := strings.Join([]string{
		"0.0.0.0:8080", // listen
		"debug",        // log level
		"",             // base url
		"gpt-4o-mini",  // default model
		"30",           // timeout
		"sqlite",       // backend
		dbPath,         // pacing path
		"120",          // window
		"",             // vpn path
		"n",            // metrics
		"n",            // tls
	}, "\n") + "\n"
	cfg := config.NewDefaultServerConfig()
	if err := Run(strings.NewReader(answers), &bytes.Buffer{}, path, cfg); err != nil {
		t.Fatalf("run: %v", err)
	}
	loaded, err := config.LoadServerConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.ListenAddr != "0.0.0.0:8080" || loaded.LogLevel != "debug" || loaded.Upstream.DefaultModel != "gpt-4o-mini" {
		t.Fatalf("unexpected config %+v", loaded)
	}
	if loaded.Pacing.Backend != config.PacingBackendSQLite || loaded.Pacing.Path != dbPath || loaded.Pacing.WindowSeconds != 120 {
		t.Fatalf("unexpected pacing config %+v", loaded.Pacing)
	}
	if loaded.Metrics.Enabled || loaded.Upstream.TimeoutSeconds != 30 {
		t.Fatalf("unexpected toggles %+v", loaded)
	}
}

func TestRunRejectsInvalidBackend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "duckbridge.toml")
	answers := "\n\n\n\n\nredis\n\n\n\n\n\n"
	if err := Run(strings.NewReader(answers), &bytes.Buffer{}, path, config.NewDefaultServerConfig()); err == nil {
		t.Fatalf("expected validation error")
	}
}
