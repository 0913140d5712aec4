package logutil

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	log "github.com/charmbracelet/log"
)

var (
	outputMu   sync.Mutex
	stderrSink = &levelFilterWriter{minLevel: log.InfoLevel}
)

// Configure sets the minimum level written to stderr. The logger itself always
// runs at debug so that a tee (see SetOutputTee) still receives every line.
func Configure(levelRaw string) error {
	level, err := ParseLevel(levelRaw)
	if err != nil {
		return err
	}
	outputMu.Lock()
	defer outputMu.Unlock()
	stderrSink.mu.Lock()
	stderrSink.minLevel = level
	stderrSink.mu.Unlock()
	log.SetLevel(log.DebugLevel)
	log.SetReportTimestamp(true)
	applyOutputLocked(os.Stderr)
	return nil
}

func ParseLevel(levelRaw string) (log.Level, error) {
	levelRaw = strings.ToLower(strings.TrimSpace(levelRaw))
	switch levelRaw {
	case "":
		return log.InfoLevel, nil
	case "trace", "trac":
		return log.DebugLevel, nil
	}
	level, err := log.ParseLevel(levelRaw)
	if err != nil {
		return 0, fmt.Errorf("invalid loglevel %q", levelRaw)
	}
	return level, nil
}

// SetOutputTee mirrors every log line, regardless of level, to w. Pass nil to stop.
func SetOutputTee(w io.Writer) {
	outputMu.Lock()
	defer outputMu.Unlock()
	stderrSink.mu.Lock()
	stderrSink.tee = w
	stderrSink.mu.Unlock()
	applyOutputLocked(os.Stderr)
}

// Component returns a logger prefixed with the component name. The logger
// copies the current output and level, so fetch it at the call site rather
// than caching it before Configure runs.
func Component(name string) *log.Logger {
	return log.WithPrefix(name)
}

func applyOutputLocked(out io.Writer) {
	stderrSink.mu.Lock()
	stderrSink.out = out
	stderrSink.mu.Unlock()
	log.SetOutput(stderrSink)
}

type levelFilterWriter struct {
	mu       sync.Mutex
	out      io.Writer
	tee      io.Writer
	minLevel log.Level
	buf      []byte
}

func (w *levelFilterWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		idx := bytes.IndexByte(w.buf, '\n')
		if idx < 0 {
			break
		}
		line := append([]byte(nil), w.buf[:idx+1]...)
		w.buf = w.buf[idx+1:]
		w.writeLineLocked(line)
	}
	return len(p), nil
}

func (w *levelFilterWriter) writeLineLocked(line []byte) {
	if w.tee != nil {
		_, _ = w.tee.Write(line)
	}
	if w.out == nil {
		return
	}
	if lineLevel(string(line)) < w.minLevel {
		return
	}
	_, _ = w.out.Write(line)
}

var levelTokens = []struct {
	level  log.Level
	tokens []string
}{
	{log.DebugLevel, []string{"DEBU", "DEBUG"}},
	{log.InfoLevel, []string{"INFO"}},
	{log.WarnLevel, []string{"WARN", "WARNING"}},
	{log.ErrorLevel, []string{"ERRO", "ERROR"}},
	{log.FatalLevel, []string{"FATA", "FATAL"}},
}

// lineLevel recovers the level from a rendered text line. Lines without a
// recognisable level token are treated as info.
func lineLevel(line string) log.Level {
	fields := strings.Fields(strings.ToUpper(stripANSI(line)))
	for _, f := range fields {
		f = strings.TrimPrefix(f, "LEVEL=")
		for _, lt := range levelTokens {
			for _, tok := range lt.tokens {
				if f == tok {
					return lt.level
				}
			}
		}
	}
	return log.InfoLevel
}

func stripANSI(s string) string {
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
