package duckchat

import (
	"bufio"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/tidwall/gjson"
)

const framePrefix = "data: "

// Stream yields upstream message fragments in arrival order.
type Stream struct {
	body      io.ReadCloser
	sc        *bufio.Scanner
	closeOnce sync.Once
	closeErr  error
}

func newStream(body io.ReadCloser) *Stream {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), 2<<20)
	return &Stream{body: body, sc: sc}
}

// NewStream wraps an already decoded SSE body.
func NewStream(body io.ReadCloser) *Stream {
	return newStream(body)
}

// Recv returns the next non-empty fragment, or io.EOF once the body ends.
// Frames that are not valid JSON are skipped.
func (s *Stream) Recv() (string, error) {
	for s.sc.Scan() {
		if frag, ok := ParseFrame(s.sc.Text()); ok {
			return frag, nil
		}
	}
	if err := s.sc.Err(); err != nil {
		return "", fmt.Errorf("read upstream stream: %w", err)
	}
	return "", io.EOF
}

// Fragments iterates the remaining fragments. A read error is yielded once as
// the final element; the stream is closed when iteration ends.
func (s *Stream) Fragments() iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		defer s.Close()
		for {
			frag, err := s.Recv()
			if err == io.EOF {
				return
			}
			if err != nil {
				yield("", err)
				return
			}
			if !yield(frag, nil) {
				return
			}
		}
	}
}

func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.body.Close()
	})
	return s.closeErr
}

// ParseFrame extracts the message text from one upstream line.
func ParseFrame(line string) (string, bool) {
	line = strings.TrimRight(line, "\r")
	if !strings.HasPrefix(line, framePrefix) {
		return "", false
	}
	payload := line[len(framePrefix):]
	if !gjson.Valid(payload) {
		return "", false
	}
	msg := gjson.Get(payload, "message")
	if msg.Type != gjson.String || msg.Str == "" {
		return "", false
	}
	return msg.Str, true
}

type multiCloser struct {
	io.Reader
	closers []func() error
}

func (m *multiCloser) Close() error {
	var first error
	for _, c := range m.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func decodeBody(resp *http.Response) (io.ReadCloser, error) {
	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "", "identity":
		return resp.Body, nil
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		return &multiCloser{Reader: zr, closers: []func() error{zr.Close, resp.Body.Close}}, nil
	case "zstd":
		zr, err := zstd.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		return &multiCloser{Reader: zr, closers: []func() error{func() error { zr.Close(); return nil }, resp.Body.Close}}, nil
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", resp.Header.Get("Content-Encoding"))
	}
}
