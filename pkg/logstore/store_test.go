package logstore

import (
	"testing"
)

func TestStoreRetainsMaxLinesNewestFirst(t *testing.T) {
	s := NewStore(3)
	s.Add("info", "one")
	s.Add("warn", "two")
	s.Add("error", "three")
	s.Add("debug", "four")

	entries := s.List(ListFilter{Limit: 10})
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].Message != "four" || entries[1].Message != "three" || entries[2].Message != "two" {
		t.Fatalf("unexpected order/messages: %+v", entries)
	}
	if entries[0].Seq != 4 {
		t.Fatalf("expected seq 4, got %d", entries[0].Seq)
	}
}

func TestSinkParsesRenderedLines(t *testing.T) {
	s := NewStore(100)
	w := s.Writer()
	_, _ = w.Write([]byte("2026/01/02 15:04:05 DEBU pacing: recorded count=2\n"))
	_, _ = w.Write([]byte("2026/01/02 15:04:06 \x1b[1mWARN\x1b[0m proxy: upstream "))
	_, _ = w.Write([]byte("throttled\n"))
	_, _ = w.Write([]byte("no level here\n"))

	if got := s.Len(); got != 3 {
		t.Fatalf("expected 3 entries, got %d", got)
	}
	warn := s.List(ListFilter{Level: "warn"})
	if len(warn) != 1 || warn[0].Message != "proxy: upstream throttled" {
		t.Fatalf("unexpected warn entries: %+v", warn)
	}
	debug := s.List(ListFilter{Level: "debug", Query: "PACING"})
	if len(debug) != 1 || debug[0].Level != "debug" {
		t.Fatalf("unexpected query result: %+v", debug)
	}
	plain := s.List(ListFilter{Query: "no level"})
	if len(plain) != 1 || plain[0].Level != "info" {
		t.Fatalf("expected unlabelled line as info, got %+v", plain)
	}
}

func TestClearRemovesEntries(t *testing.T) {
	s := NewStore(0)
	s.Add("info", "hello")
	s.Add("info", "   ")
	if got := s.Len(); got != 1 {
		t.Fatalf("expected 1 entry before clear, got %d", got)
	}
	s.Clear()
	if got := len(s.List(ListFilter{})); got != 0 {
		t.Fatalf("expected 0 entries after clear, got %d", got)
	}
}
