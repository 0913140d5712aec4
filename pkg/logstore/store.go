package logstore

import (
	"bytes"
	"io"
	"strings"
	"sync"
	"time"
)

const (
	DefaultMaxLines = 2000
	defaultLimit    = 200
	maxLimit        = 5000
)

type Entry struct {
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

type ListFilter struct {
	Level string
	Query string
	Limit int
}

// Store keeps the most recent log lines in memory for the dashboard.
type Store struct {
	mu       sync.RWMutex
	maxLines int
	entries  []Entry
	seq      uint64
	now      func() time.Time
}

// Sink splits written bytes into lines and adds each one to the store.
type Sink struct {
	store *Store
	mu    sync.Mutex
	buf   []byte
}

func NewStore(maxLines int) *Store {
	if maxLines <= 0 {
		maxLines = DefaultMaxLines
	}
	return &Store{maxLines: maxLines, now: time.Now}
}

func (s *Store) Add(level, message string) {
	message = strings.TrimSpace(stripANSI(message))
	if message == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.entries = append(s.entries, Entry{
		Seq:       s.seq,
		Timestamp: s.now().UTC(),
		Level:     normalizeLevel(level),
		Message:   message,
	})
	if over := len(s.entries) - s.maxLines; over > 0 {
		s.entries = append([]Entry(nil), s.entries[over:]...)
	}
}

// List returns matching entries newest first.
func (s *Store) List(filter ListFilter) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	level := normalizeLevel(filter.Level)
	query := strings.ToLower(strings.TrimSpace(filter.Query))
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	limit = min(limit, maxLimit)

	out := make([]Entry, 0, min(limit, len(s.entries)))
	for i := len(s.entries) - 1; i >= 0 && len(out) < limit; i-- {
		e := s.entries[i]
		if levelRank(e.Level) < levelRank(level) {
			continue
		}
		if query != "" && !strings.Contains(strings.ToLower(e.Message), query) {
			continue
		}
		out = append(out, e)
	}
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
}

func (s *Store) Writer() io.Writer {
	return &Sink{store: s}
}

func (w *Sink) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		idx := bytes.IndexByte(w.buf, '\n')
		if idx < 0 {
			break
		}
		line := stripANSI(string(w.buf[:idx]))
		w.buf = w.buf[idx+1:]
		level, msg := splitLine(line)
		w.store.Add(level, msg)
	}
	return len(p), nil
}

// splitLine pulls the level token out of a rendered charmbracelet line such as
// "2026/01/02 15:04:05 INFO proxy: listening addr=:8080".
func splitLine(line string) (string, string) {
	fields := strings.Fields(line)
	for i, f := range fields {
		if i > 2 {
			break
		}
		if lvl := normalizeLevel(strings.TrimPrefix(strings.ToLower(f), "level=")); lvl != "" {
			return lvl, strings.Join(fields[i+1:], " ")
		}
	}
	return "info", line
}

func normalizeLevel(level string) string {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug", "debu", "trace", "trac":
		return "debug"
	case "info":
		return "info"
	case "warn", "warning":
		return "warn"
	case "error", "erro":
		return "error"
	case "fatal", "fata":
		return "fatal"
	default:
		return ""
	}
}

func levelRank(level string) int {
	switch level {
	case "debug":
		return 1
	case "info":
		return 2
	case "warn":
		return 3
	case "error":
		return 4
	case "fatal":
		return 5
	default:
		return 0
	}
}

func stripANSI(s string) string {
	if strings.IndexByte(s, 0x1b) < 0 {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	inEsc := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if !inEsc {
			if ch == 0x1b {
				inEsc = true
				continue
			}
			b.WriteByte(ch)
			continue
		}
		if (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') {
			inEsc = false
		}
	}
	return b.String()
}
