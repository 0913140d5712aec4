package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lkarlslund/duckbridge/pkg/config"
	"github.com/lkarlslund/duckbridge/pkg/pacing"
)

func runRoot(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("%v: %v", args, err)
	}
	return out.String()
}

func TestStatusReadsSharedStore(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "duckbridge.toml")
	cfg := config.NewDefaultServerConfig()
	cfg.Pacing.Backend = config.PacingBackendFile
	cfg.Pacing.Path = filepath.Join(dir, "state.json")
	cfg.Pacing.MinIntervalMs = 60_000
	cfg.Normalize()
	if err := config.Save(cfgPath, cfg); err != nil {
		t.Fatalf("save config: %v", err)
	}

	coord := pacing.NewCoordinator(pacing.NewFileStore(cfg.Pacing.Path))
	for range 3 {
		if err := coord.RecordRequest(context.Background(), time.Now()); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	var st pacing.Status
	if err := json.Unmarshal([]byte(runRoot(t, "status", "--config", cfgPath, "--json")), &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.Count != 3 || st.WindowMs != 60_000 {
		t.Fatalf("unexpected status %+v", st)
	}
	if st.RecommendedWaitMs <= 0 || st.RecommendedWaitMs > 60_000 {
		t.Fatalf("min_interval_ms not applied, recommended wait %d", st.RecommendedWaitMs)
	}

	text := runRoot(t, "status", "--config", cfgPath, "--json=false")
	if !strings.Contains(text, "Requests in window: 3") || !strings.Contains(text, "Window:             1m0s") {
		t.Fatalf("unexpected text output:\n%s", text)
	}
}

func TestVersionCommand(t *testing.T) {
	if out := runRoot(t, "version"); !strings.HasPrefix(out, "duckbridge ") {
		t.Fatalf("unexpected version output %q", out)
	}
}
