package logutil

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	log "github.com/charmbracelet/log"
)

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func TestComponentPrefixReachesTee(t *testing.T) {
	if err := Configure("error"); err != nil {
		t.Fatalf("configure: %v", err)
	}
	var tee syncBuffer
	SetOutputTee(&tee)
	t.Cleanup(func() {
		SetOutputTee(nil)
		_ = Configure("info")
	})

	Component("duckchat").Debug("upstream chat accepted", "model", "m")
	out := tee.String()
	if !strings.Contains(out, "duckchat") || !strings.Contains(out, "upstream chat accepted") {
		t.Fatalf("tee missed component line: %q", out)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]log.Level{"": log.InfoLevel, "trace": log.DebugLevel, "WARN": log.WarnLevel, "error": log.ErrorLevel}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Fatalf("ParseLevel(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestLineLevel(t *testing.T) {
	if got := lineLevel("2026/01/02 15:04:05 \x1b[1mWARN\x1b[0m proxy: slow"); got != log.WarnLevel {
		t.Fatalf("expected warn, got %v", got)
	}
	if got := lineLevel("plain text"); got != log.InfoLevel {
		t.Fatalf("expected info default, got %v", got)
	}
}
