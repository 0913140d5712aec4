// Package chatapi holds the OpenAI chat-completion wire types served by the
// bridge. Tool definitions, tool calls and usage reuse go-openai's types.
package chatapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

const (
	ObjectChatCompletion      = "chat.completion"
	ObjectChatCompletionChunk = "chat.completion.chunk"
	ObjectList                = "list"
	ObjectModel               = "model"

	ToolChoiceNone     = "none"
	ToolChoiceAuto     = "auto"
	ToolChoiceRequired = "required"
	ToolChoiceFunction = "function"
)

type ChatMessage struct {
	Role string `json:"role"`
	// Content is nil for assistant turns that only carry tool calls and is
	// then emitted as an explicit null.
	Content    *string           `json:"content"`
	Name       string            `json:"name,omitempty"`
	ToolCalls  []openai.ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
}

func (m ChatMessage) Text() string {
	if m.Content == nil {
		return ""
	}
	return *m.Content
}

func StringPtr(s string) *string {
	return &s
}

// ToolChoice is either one of the strings none|auto|required or a named
// function object. The zero value means the caller did not set it.
type ToolChoice struct {
	Mode     string
	Function string
}

func (c ToolChoice) IsZero() bool {
	return c.Mode == "" && c.Function == ""
}

func (c ToolChoice) IsNone() bool {
	return c.Mode == ToolChoiceNone
}

func (c ToolChoice) IsRequired() bool {
	return c.Mode == ToolChoiceRequired
}

// Named returns the function a caller pinned, if any.
func (c ToolChoice) Named() (string, bool) {
	if c.Mode == ToolChoiceFunction && c.Function != "" {
		return c.Function, true
	}
	return "", false
}

// Forces reports whether the caller demands a tool call.
func (c ToolChoice) Forces() bool {
	_, named := c.Named()
	return c.IsRequired() || named
}

func (c ToolChoice) MarshalJSON() ([]byte, error) {
	if c.Mode == ToolChoiceFunction {
		return json.Marshal(map[string]any{
			"type":     "function",
			"function": map[string]string{"name": c.Function},
		})
	}
	return json.Marshal(c.Mode)
}

func (c *ToolChoice) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*c = ToolChoice{}
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.ToLower(strings.TrimSpace(s))
		switch s {
		case ToolChoiceNone, ToolChoiceAuto, ToolChoiceRequired:
			*c = ToolChoice{Mode: s}
			return nil
		}
		return fmt.Errorf("tool_choice must be none, auto, required or a function object, got %q", s)
	}
	var obj struct {
		Type     string `json:"type"`
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return fmt.Errorf("tool_choice: %w", err)
	}
	if obj.Type != "" && obj.Type != "function" {
		return fmt.Errorf("tool_choice type must be \"function\", got %q", obj.Type)
	}
	if strings.TrimSpace(obj.Function.Name) == "" {
		return fmt.Errorf("tool_choice function name is required")
	}
	*c = ToolChoice{Mode: ToolChoiceFunction, Function: strings.TrimSpace(obj.Function.Name)}
	return nil
}

// ChatCompletionRequest is the accepted request body. Sampling parameters are
// accepted for compatibility and not forwarded upstream.
type ChatCompletionRequest struct {
	Model            string        `json:"model"`
	Messages         []ChatMessage `json:"messages"`
	Temperature      *float64      `json:"temperature,omitempty"`
	TopP             *float64      `json:"top_p,omitempty"`
	MaxTokens        *int          `json:"max_tokens,omitempty"`
	PresencePenalty  *float64      `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64      `json:"frequency_penalty,omitempty"`
	Stop             any           `json:"stop,omitempty"`
	User             string        `json:"user,omitempty"`
	Stream           bool          `json:"stream,omitempty"`
	Tools            []openai.Tool `json:"tools,omitempty"`
	ToolChoice       ToolChoice    `json:"tool_choice,omitzero"`
}

type Choice struct {
	Index        int                 `json:"index"`
	Message      ChatMessage         `json:"message"`
	FinishReason openai.FinishReason `json:"finish_reason"`
}

type ChatCompletionResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []Choice     `json:"choices"`
	Usage   openai.Usage `json:"usage"`
}

type Delta struct {
	Role      string            `json:"role,omitempty"`
	Content   *string           `json:"content,omitempty"`
	ToolCalls []openai.ToolCall `json:"tool_calls,omitempty"`
}

type ChunkChoice struct {
	Index        int                  `json:"index"`
	Delta        Delta                `json:"delta"`
	FinishReason *openai.FinishReason `json:"finish_reason"`
}

type ChatCompletionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
}

type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type ModelList struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}

// ToolList is the GET /v1/tools body: the functions the bridge can execute.
type ToolList struct {
	Object string        `json:"object"`
	Data   []openai.Tool `json:"data"`
}

type ErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

type ToolExecuteRequest struct {
	ToolCall openai.ToolCall `json:"tool_call"`
}

type ToolExecuteResponse struct {
	ToolCallID string `json:"tool_call_id"`
	Role       string `json:"role"`
	Content    string `json:"content"`
}
