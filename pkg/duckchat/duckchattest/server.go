// Package duckchattest provides an in-process stand-in for the duckchat
// upstream: a status endpoint issuing a solvable challenge and a chat
// endpoint streaming scripted replies.
package duckchattest

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

const (
	StatusPath = "/duckchat/v1/status"
	ChatPath   = "/duckchat/v1/chat"

	browserSignature = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/138.0.0.0 Safari/537.36"
	challengeScript  = `(function(){return {client_hashes:[navigator.userAgent,"fake"],server_hashes:["srv"]};})()`
)

var DefaultReply = []string{"Hello", " world"}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
}

// Server is a fake upstream. Replies are consumed one per chat call; when the
// queue is empty DefaultReply is served.
type Server struct {
	*httptest.Server

	mu         sync.Mutex
	replies    [][]string
	status     int
	retryAfter string
	encoding   string
	requests   []ChatRequest
	userAgents []string
	challenges int
}

func NewServer() *Server {
	s := &Server{}
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+StatusPath, s.handleStatus)
	mux.HandleFunc("POST "+ChatPath, s.handleChat)
	s.Server = httptest.NewServer(mux)
	return s
}

// Enqueue schedules the fragments of the next reply.
func (s *Server) Enqueue(fragments ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies = append(s.replies, fragments)
}

// FailWith makes every following chat call answer with status. Pass 0 to recover.
func (s *Server) FailWith(status int, retryAfter string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
	s.retryAfter = retryAfter
}

// SetEncoding compresses chat bodies with "gzip" or "zstd".
func (s *Server) SetEncoding(enc string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.encoding = enc
}

func (s *Server) Requests() []ChatRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ChatRequest(nil), s.requests...)
}

func (s *Server) UserAgents() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.userAgents...)
}

func (s *Server) Challenges() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.challenges
}

// ExpectedHash is the response a correct solver produces for the issued challenge.
func ExpectedHash() string {
	h := func(v string) string {
		sum := sha256.Sum256([]byte(v))
		return base64.StdEncoding.EncodeToString(sum[:])
	}
	doc := `{"client_hashes":["` + h(browserSignature) + `","` + h("fake") + `"],"server_hashes":["srv"]}`
	return base64.StdEncoding.EncodeToString([]byte(doc))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.challenges++
	s.mu.Unlock()
	if r.Header.Get("x-vqd-accept") != "1" {
		http.Error(w, "missing x-vqd-accept", http.StatusBadRequest)
		return
	}
	w.Header().Set("x-vqd-hash-1", base64.StdEncoding.EncodeToString([]byte(challengeScript)))
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("x-vqd-hash-1") != ExpectedHash() {
		http.Error(w, "challenge mismatch", http.StatusForbidden)
		return
	}
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.userAgents = append(s.userAgents, r.Header.Get("User-Agent"))
	status, retryAfter, encoding := s.status, s.retryAfter, s.encoding
	reply := DefaultReply
	if status == 0 && len(s.replies) > 0 {
		reply = s.replies[0]
		s.replies = s.replies[1:]
	}
	s.mu.Unlock()

	if status != 0 {
		if retryAfter != "" {
			w.Header().Set("Retry-After", retryAfter)
		}
		http.Error(w, `{"action":"error","type":"ERR_CONVERSATION_LIMIT"}`, status)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	var out io.Writer = w
	var closer func() error
	switch encoding {
	case "gzip":
		w.Header().Set("Content-Encoding", "gzip")
		zw := gzip.NewWriter(w)
		out, closer = zw, zw.Close
	case "zstd":
		w.Header().Set("Content-Encoding", "zstd")
		zw, _ := zstd.NewWriter(w)
		out, closer = zw, zw.Close
	}
	flusher, _ := w.(http.Flusher)
	write := func(line string) {
		_, _ = io.WriteString(out, line)
		if closer == nil && flusher != nil {
			flusher.Flush()
		}
	}
	write(`data: {"role":"assistant","message":"","created":1,"id":"x","action":"success","model":"` + req.Model + `"}` + "\n\n")
	for i, frag := range reply {
		b, _ := json.Marshal(map[string]any{"role": "assistant", "message": frag, "created": 1, "action": "success"})
		write("data: " + string(b) + "\n\n")
		if i == 0 {
			write("data: {broken json\n\n")
		}
	}
	write("data: [DONE]\n\n")
	if closer != nil {
		_ = closer()
	}
}

// SystemFolded reports whether a request carries text in the first user turn
// that came from a system instruction.
func SystemFolded(req ChatRequest) bool {
	for _, m := range req.Messages {
		if m.Role == "user" {
			return strings.HasPrefix(m.Content, "[System Instruction: ")
		}
	}
	return false
}
