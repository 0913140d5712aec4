// Package bridge translates between the OpenAI chat-completion protocol and
// the duckchat upstream, including simulated function calling.
package bridge

import (
	"context"
	"iter"
	"strings"
	"time"

	log "github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/lkarlslund/duckbridge/pkg/chatapi"
	"github.com/lkarlslund/duckbridge/pkg/config"
	"github.com/lkarlslund/duckbridge/pkg/duckchat"
	"github.com/lkarlslund/duckbridge/pkg/pacing"
	"github.com/lkarlslund/duckbridge/pkg/toolsim"
	openai "github.com/sashabaranov/go-openai"
)

const (
	OwnedBy = "duckai"

	ToolCallSourceModel  = "model"
	ToolCallSourceForced = "forced"
)

// Upstream is the subset of *duckchat.Client the bridge needs.
type Upstream interface {
	Chat(ctx context.Context, req duckchat.Request) (string, error)
	ChatStream(ctx context.Context, req duckchat.Request) (*duckchat.Stream, error)
	Models() []string
}

type Option func(*Bridge)

func WithPacing(p *pacing.Coordinator) Option {
	return func(b *Bridge) { b.pacing = p }
}

func WithRegistry(r *toolsim.Registry) Option {
	return func(b *Bridge) {
		if r != nil {
			b.registry = r
		}
	}
}

func WithDefaultModel(model string) Option {
	return func(b *Bridge) {
		if m := strings.TrimSpace(model); m != "" {
			b.defaultModel = m
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(b *Bridge) {
		if now != nil {
			b.now = now
		}
	}
}

// WithToolCallHook is told how many calls each tool-call completion carried and where they came from.
func WithToolCallHook(fn func(source string, n int)) Option {
	return func(b *Bridge) { b.onToolCalls = fn }
}

type Bridge struct {
	upstream     Upstream
	pacing       *pacing.Coordinator
	registry     *toolsim.Registry
	defaultModel string
	now          func() time.Time
	onToolCalls  func(string, int)
}

func New(up Upstream, opts ...Option) *Bridge {
	b := &Bridge{
		upstream:     up,
		registry:     toolsim.Builtins(),
		defaultModel: config.DefaultModel,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Bridge) ParseRequest(body []byte) (*chatapi.ChatCompletionRequest, error) {
	return parseRequest(body, b.defaultModel)
}

func (b *Bridge) newMeta(model string, prompt int) Meta {
	return Meta{
		ID:           "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		Created:      b.now().Unix(),
		Model:        model,
		PromptTokens: prompt,
	}
}

// Complete runs a non-streaming completion.
func (b *Bridge) Complete(ctx context.Context, req *chatapi.ChatCompletionRequest) (*chatapi.ChatCompletionResponse, error) {
	if toolsim.ShouldSimulate(req.Tools, req.ToolChoice) {
		return b.completeWithTools(ctx, req)
	}
	text, err := b.upstream.Chat(ctx, ToUpstreamRequest(req))
	if err != nil {
		return nil, err
	}
	return ToResponse(text, b.newMeta(req.Model, promptTokens(req.Messages))), nil
}

func (b *Bridge) completeWithTools(ctx context.Context, req *chatapi.ChatCompletionRequest) (*chatapi.ChatCompletionResponse, error) {
	if res := toolsim.Validate(req.Tools); !res.Valid {
		return nil, invalid("Invalid tools: " + strings.Join(res.Errors, ", "))
	}
	messages := withToolPrefix(req)
	modified := *req
	modified.Messages = messages
	text, err := b.upstream.Chat(ctx, ToUpstreamRequest(&modified))
	if err != nil {
		return nil, err
	}
	meta := b.newMeta(req.Model, promptTokens(messages))

	if calls := declaredOnly(toolsim.Extract(text), req.Tools); len(calls) > 0 {
		b.countToolCalls(ToolCallSourceModel, len(calls))
		return ToolCallResponse(calls, meta), nil
	}
	if req.ToolChoice.Forces() {
		call := toolsim.ForceCall(req.Tools, req.ToolChoice, lastUserMessage(req.Messages))
		log.Debug("forcing tool call", "function", call.Function.Name, "model", req.Model)
		b.countToolCalls(ToolCallSourceForced, 1)
		return ToolCallResponse([]openai.ToolCall{call}, meta), nil
	}
	return ToResponse(text, meta), nil
}

func declaredOnly(calls []openai.ToolCall, tools []openai.Tool) []openai.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	declared := map[string]bool{}
	for _, t := range tools {
		if t.Function != nil {
			declared[t.Function.Name] = true
		}
	}
	out := calls[:0]
	for _, c := range calls {
		if declared[c.Function.Name] {
			out = append(out, c)
		} else {
			log.Debug("dropping call to undeclared function", "function", c.Function.Name)
		}
	}
	return out
}

func (b *Bridge) countToolCalls(source string, n int) {
	if b.onToolCalls != nil && n > 0 {
		b.onToolCalls(source, n)
	}
}

// Stream runs a streaming completion. Upstream and validation failures are
// returned before any chunk is produced; the sequence must be drained so the
// upstream body is released.
func (b *Bridge) Stream(ctx context.Context, req *chatapi.ChatCompletionRequest) (iter.Seq2[chatapi.ChatCompletionChunk, error], error) {
	if toolsim.ShouldSimulate(req.Tools, req.ToolChoice) {
		resp, err := b.completeWithTools(ctx, req)
		if err != nil {
			return nil, err
		}
		return ReplayStream(resp), nil
	}
	stream, err := b.upstream.ChatStream(ctx, ToUpstreamRequest(req))
	if err != nil {
		return nil, err
	}
	return ToStream(stream.Fragments(), b.newMeta(req.Model, promptTokens(req.Messages))), nil
}

func (b *Bridge) Models() chatapi.ModelList {
	created := b.now().Unix()
	ids := b.upstream.Models()
	out := chatapi.ModelList{Object: chatapi.ObjectList, Data: make([]chatapi.Model, 0, len(ids))}
	for _, id := range ids {
		out.Data = append(out.Data, chatapi.Model{ID: id, Object: chatapi.ObjectModel, Created: created, OwnedBy: OwnedBy})
	}
	return out
}

func (b *Bridge) RateLimitStatus(ctx context.Context) (pacing.Status, error) {
	if b.pacing == nil {
		return pacing.Status{WindowMs: pacing.DefaultWindow.Milliseconds(), MaxRequestsPerWindow: pacing.DefaultMaxRequestsPerWindow}, nil
	}
	return b.pacing.Status(ctx)
}

// ExecuteToolCall runs call against the registered functions and returns the
// tool message content.
func (b *Bridge) ExecuteToolCall(ctx context.Context, call openai.ToolCall) string {
	return toolsim.Execute(ctx, call, b.registry)
}

func (b *Bridge) RegisterFunction(name string, h toolsim.Handler) error {
	return b.registry.Register(name, h)
}

func (b *Bridge) Functions() []openai.Tool {
	return b.registry.Tools()
}
