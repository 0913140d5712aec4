// Package challenge obtains the per-request VQD token the duckchat upstream
// requires before it accepts a chat call.
package challenge

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/charmbracelet/log"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	HeaderVQDHash = "x-vqd-hash-1"
	headerAccept  = "x-vqd-accept"

	DefaultStatusPath       = "/duckchat/v1/status"
	DefaultBrowserSignature = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/138.0.0.0 Safari/537.36"
	DefaultScriptTimeout    = 10 * time.Second
)

// Token is the result of one challenge round trip. VQD is the header value
// exactly as the server issued it; Hash is what the chat call must send back.
type Token struct {
	VQD  string
	Hash string
}

// Error reports a failed challenge: a bad status response, a missing header
// or a script that could not be evaluated.
type Error struct {
	Stage      string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("challenge %s: status %d: %v", e.Stage, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("challenge %s: %v", e.Stage, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

type Solver struct {
	HTTPClient       *http.Client
	BaseURL          string
	StatusPath       string
	BrowserSignature string
	// ScriptTimeout bounds script evaluation. Zero disables the bound; the
	// caller's context still applies.
	ScriptTimeout time.Duration
}

func NewSolver(baseURL string, httpClient *http.Client) *Solver {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Solver{
		HTTPClient:       httpClient,
		BaseURL:          strings.TrimRight(baseURL, "/"),
		StatusPath:       DefaultStatusPath,
		BrowserSignature: DefaultBrowserSignature,
		ScriptTimeout:    DefaultScriptTimeout,
	}
}

// ObtainToken fetches a fresh challenge and solves it. Tokens are single use
// and are never cached.
func (s *Solver) ObtainToken(ctx context.Context, userAgent string) (Token, error) {
	header, err := s.fetchChallenge(ctx, userAgent)
	if err != nil {
		return Token{}, err
	}
	hash, err := s.Solve(ctx, header, userAgent)
	if err != nil {
		return Token{}, err
	}
	return Token{VQD: header, Hash: hash}, nil
}

func (s *Solver) fetchChallenge(ctx context.Context, userAgent string) (string, error) {
	statusPath := s.StatusPath
	if statusPath == "" {
		statusPath = DefaultStatusPath
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.BaseURL+statusPath, nil)
	if err != nil {
		return "", &Error{Stage: "request", Err: err}
	}
	h := req.Header
	h.Set("Accept", "*/*")
	h.Set("Accept-Language", "en-US,en;q=0.9")
	h.Set("Cache-Control", "no-store")
	h.Set("Pragma", "no-cache")
	h.Set("Priority", "u=1, i")
	h.Set("Sec-Fetch-Dest", "empty")
	h.Set("Sec-Fetch-Mode", "cors")
	h.Set("Sec-Fetch-Site", "same-origin")
	h.Set("Referer", s.BaseURL+"/")
	h.Set(headerAccept, "1")
	h.Set("User-Agent", userAgent)

	client := s.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", &Error{Stage: "status", Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &Error{Stage: "status", StatusCode: resp.StatusCode, Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}
	header := strings.TrimSpace(resp.Header.Get(HeaderVQDHash))
	if header == "" {
		return "", &Error{Stage: "status", StatusCode: resp.StatusCode, Err: fmt.Errorf("missing %s header", HeaderVQDHash)}
	}
	return header, nil
}

// Solve turns a challenge header into the response hash without any network access.
func (s *Solver) Solve(ctx context.Context, header, userAgent string) (string, error) {
	script, err := decodeBase64(header)
	if err != nil {
		return "", &Error{Stage: "decode", Err: err}
	}
	started := time.Now()
	raw, err := evaluate(ctx, string(script), userAgent, s.ScriptTimeout)
	if err != nil {
		return "", &Error{Stage: "evaluate", Err: err}
	}
	log.Debug("challenge evaluated", "elapsed", time.Since(started))

	signature := s.BrowserSignature
	if signature == "" {
		signature = DefaultBrowserSignature
	}
	out, err := rewriteClientHashes(raw, signature)
	if err != nil {
		return "", &Error{Stage: "rewrite", Err: err}
	}
	return base64.StdEncoding.EncodeToString(out), nil
}

// rewriteClientHashes swaps the first client hash for the fixed browser
// signature and replaces every entry by base64(sha256(entry)). Other keys keep
// their position in the document.
func rewriteClientHashes(doc []byte, signature string) ([]byte, error) {
	arr := gjson.GetBytes(doc, "client_hashes")
	if !arr.IsArray() {
		return nil, fmt.Errorf("result has no client_hashes array")
	}
	items := arr.Array()
	hashed := make([]string, len(items))
	for i, item := range items {
		v := item.String()
		if i == 0 {
			v = signature
		}
		sum := sha256.Sum256([]byte(v))
		hashed[i] = base64.StdEncoding.EncodeToString(sum[:])
	}
	out, err := sjson.SetBytes(doc, "client_hashes", hashed)
	if err != nil {
		return nil, fmt.Errorf("set client_hashes: %w", err)
	}
	return out, nil
}

func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	b, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		return nil, fmt.Errorf("challenge is not base64: %w", err)
	}
	return b, nil
}
