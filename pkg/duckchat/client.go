// Package duckchat talks to the duckchat upstream: one challenge round trip,
// then one chat call whose body is an SSE stream of message fragments.
package duckchat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/lkarlslund/duckbridge/pkg/challenge"
	"github.com/lkarlslund/duckbridge/pkg/config"
	"github.com/lkarlslund/duckbridge/pkg/logutil"
	"github.com/lkarlslund/duckbridge/pkg/pacing"
	"github.com/lkarlslund/duckbridge/pkg/useragent"
)

const FallbackResponse = "I apologize, but I'm unable to provide a response at the moment."

const (
	OutcomeOK              = "ok"
	OutcomeRateLimited     = "rate_limited"
	OutcomeUpstreamError   = "upstream_error"
	OutcomeChallengeFailed = "challenge_failed"
	OutcomeTransportError  = "transport_error"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the upstream chat body. Roles are limited to user and assistant.
type Request struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
}

type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("upstream rate limited, retry after %dms", e.RetryAfter.Milliseconds())
}

type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.StatusCode, e.Body)
}

type TokenSource interface {
	ObtainToken(ctx context.Context, userAgent string) (challenge.Token, error)
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

func WithTokenSource(ts TokenSource) Option {
	return func(c *Client) {
		if ts != nil {
			c.tokens = ts
		}
	}
}

func WithPacing(p *pacing.Coordinator) Option {
	return func(c *Client) {
		c.pacing = p
	}
}

func WithUserAgents(next func() string) Option {
	return func(c *Client) {
		if next != nil {
			c.userAgent = next
		}
	}
}

// WithOutcomeHook receives one Outcome* value per chat call.
func WithOutcomeHook(fn func(outcome string)) Option {
	return func(c *Client) {
		c.onOutcome = fn
	}
}

type Client struct {
	httpClient *http.Client
	chatURL    string
	tokens     TokenSource
	pacing     *pacing.Coordinator
	userAgent  func() string
	models     []string
	onOutcome  func(string)
}

func NewClient(cfg config.UpstreamConfig, opts ...Option) *Client {
	timeout := cfg.TimeoutSeconds
	if timeout <= 0 {
		timeout = 120
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = time.Duration(timeout) * time.Second
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = config.DefaultUpstreamBaseURL
	}
	chatPath := cfg.ChatPath
	if chatPath == "" {
		chatPath = config.DefaultChatPath
	}
	models := append([]string(nil), cfg.Models...)
	if len(models) == 0 {
		models = append(models, config.DefaultModels...)
	}
	c := &Client{
		httpClient: &http.Client{Transport: transport},
		chatURL:    base + chatPath,
		userAgent:  useragent.Random,
		models:     models,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.tokens == nil {
		s := challenge.NewSolver(base, c.httpClient)
		if cfg.StatusPath != "" {
			s.StatusPath = cfg.StatusPath
		}
		if cfg.BrowserSignature != "" {
			s.BrowserSignature = cfg.BrowserSignature
		}
		s.ScriptTimeout = time.Duration(cfg.ScriptTimeoutSeconds) * time.Second
		c.tokens = s
	}
	return c
}

// Models returns the static list of upstream model identifiers.
func (c *Client) Models() []string {
	return append([]string(nil), c.models...)
}

// Chat performs a call and returns the concatenated, trimmed reply.
func (c *Client) Chat(ctx context.Context, req Request) (string, error) {
	stream, err := c.ChatStream(ctx, req)
	if err != nil {
		return "", err
	}
	defer stream.Close()
	var sb strings.Builder
	for frag, err := range stream.Fragments() {
		if err != nil {
			return "", err
		}
		sb.WriteString(frag)
	}
	out := strings.TrimSpace(sb.String())
	if out == "" {
		return FallbackResponse, nil
	}
	return out, nil
}

// ChatStream performs a call and returns the fragments as they arrive. The
// caller must Close the stream.
func (c *Client) ChatStream(ctx context.Context, req Request) (*Stream, error) {
	resp, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}
	body, err := decodeBody(resp)
	if err != nil {
		resp.Body.Close()
		c.outcome(OutcomeTransportError)
		return nil, fmt.Errorf("decode upstream body: %w", err)
	}
	c.outcome(OutcomeOK)
	return newStream(body), nil
}

func (c *Client) do(ctx context.Context, req Request) (*http.Response, error) {
	ua := c.userAgent()
	token, err := c.tokens.ObtainToken(ctx, ua)
	if err != nil {
		c.outcome(OutcomeChallengeFailed)
		return nil, fmt.Errorf("obtain challenge token: %w", err)
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode upstream request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.chatURL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	setBrowserHeaders(httpReq.Header, ua)
	httpReq.Header.Set(challenge.HeaderVQDHash, token.Hash)

	c.recordSend(ctx, time.Now())
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.outcome(OutcomeTransportError)
		return nil, fmt.Errorf("upstream chat: %w", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		retry := parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		drainAndClose(resp)
		c.markLimited(ctx, retry)
		c.outcome(OutcomeRateLimited)
		return nil, &RateLimitedError{RetryAfter: retry}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body := readErrorBody(resp)
		logutil.Component("duckchat").Warn("upstream chat failed", "status", resp.StatusCode, "model", req.Model, "body", body)
		c.outcome(OutcomeUpstreamError)
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Body: body}
	}
	c.clearLimited(ctx)
	logutil.Component("duckchat").Debug("upstream chat accepted", "model", req.Model, "messages", len(req.Messages))
	return resp, nil
}

func setBrowserHeaders(h http.Header, ua string) {
	h.Set("Accept", "text/event-stream")
	h.Set("Accept-Encoding", "gzip, zstd")
	h.Set("Accept-Language", "en-US,en;q=0.9")
	h.Set("Cache-Control", "no-cache")
	h.Set("Content-Type", "application/json")
	h.Set("Pragma", "no-cache")
	h.Set("Priority", "u=1, i")
	h.Set("Sec-Ch-Ua", `"Google Chrome";v="131", "Chromium";v="131", "Not_A Brand";v="24"`)
	h.Set("Sec-Ch-Ua-Mobile", "?0")
	h.Set("Sec-Ch-Ua-Platform", `"Windows"`)
	h.Set("Sec-Fetch-Dest", "empty")
	h.Set("Sec-Fetch-Mode", "cors")
	h.Set("Sec-Fetch-Site", "same-origin")
	h.Set("User-Agent", ua)
	h.Set("X-Vqd-Accept", "1")
}

// Pacing is advisory, so store failures are logged and never fail a chat call.
func (c *Client) recordSend(ctx context.Context, at time.Time) {
	if c.pacing == nil {
		return
	}
	if err := c.pacing.RecordRequest(context.WithoutCancel(ctx), at); err != nil {
		logutil.Component("duckchat").Warn("pacing record failed", "err", err)
	}
}

func (c *Client) markLimited(ctx context.Context, retry time.Duration) {
	if c.pacing == nil {
		return
	}
	if err := c.pacing.MarkLimited(context.WithoutCancel(ctx), time.Now(), retry); err != nil {
		logutil.Component("duckchat").Warn("pacing mark limited failed", "err", err)
	}
}

func (c *Client) clearLimited(ctx context.Context) {
	if c.pacing == nil {
		return
	}
	if err := c.pacing.ClearLimited(context.WithoutCancel(ctx)); err != nil {
		logutil.Component("duckchat").Warn("pacing clear failed", "err", err)
	}
}

func (c *Client) outcome(o string) {
	if c.onOutcome != nil {
		c.onOutcome(o)
	}
}

// parseRetryAfter accepts delay-seconds or an HTTP date and falls back to
// pacing.DefaultRetryAfter.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return pacing.DefaultRetryAfter
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return pacing.RetryAfterFromSeconds(secs)
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return pacing.DefaultRetryAfter
}

func readErrorBody(resp *http.Response) string {
	defer resp.Body.Close()
	body, err := decodeBody(resp)
	if err != nil {
		return ""
	}
	defer body.Close()
	b, _ := io.ReadAll(io.LimitReader(body, 4096))
	return strings.TrimSpace(string(b))
}

func drainAndClose(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}

// IsRateLimited reports whether err carries an upstream 429.
func IsRateLimited(err error) bool {
	var rl *RateLimitedError
	return errors.As(err, &rl)
}
