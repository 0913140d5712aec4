package bridge

import (
	"encoding/json"
	"iter"
	"sort"
	"strings"

	"github.com/lkarlslund/duckbridge/pkg/chatapi"
	openai "github.com/sashabaranov/go-openai"
)

// ReplaySliceRunes is the content slice size used when a finished completion
// is replayed as a stream.
const ReplaySliceRunes = 10

// Meta identifies one completion across all of its chunks.
type Meta struct {
	ID           string
	Created      int64
	Model        string
	PromptTokens int
}

func usage(prompt, completion int) openai.Usage {
	return openai.Usage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: prompt + completion}
}

func ToResponse(text string, meta Meta) *chatapi.ChatCompletionResponse {
	return &chatapi.ChatCompletionResponse{
		ID:      meta.ID,
		Object:  chatapi.ObjectChatCompletion,
		Created: meta.Created,
		Model:   meta.Model,
		Choices: []chatapi.Choice{{
			Index:        0,
			Message:      chatapi.ChatMessage{Role: openai.ChatMessageRoleAssistant, Content: chatapi.StringPtr(text)},
			FinishReason: openai.FinishReasonStop,
		}},
		Usage: usage(meta.PromptTokens, EstimateTokens(text)),
	}
}

func ToolCallResponse(calls []openai.ToolCall, meta Meta) *chatapi.ChatCompletionResponse {
	encoded, _ := json.Marshal(calls)
	return &chatapi.ChatCompletionResponse{
		ID:      meta.ID,
		Object:  chatapi.ObjectChatCompletion,
		Created: meta.Created,
		Model:   meta.Model,
		Choices: []chatapi.Choice{{
			Index:        0,
			Message:      chatapi.ChatMessage{Role: openai.ChatMessageRoleAssistant, ToolCalls: calls},
			FinishReason: openai.FinishReasonToolCalls,
		}},
		Usage: usage(meta.PromptTokens, EstimateTokens(string(encoded))),
	}
}

func chunk(meta Meta, delta chatapi.Delta, finish *openai.FinishReason) chatapi.ChatCompletionChunk {
	return chatapi.ChatCompletionChunk{
		ID:      meta.ID,
		Object:  chatapi.ObjectChatCompletionChunk,
		Created: meta.Created,
		Model:   meta.Model,
		Choices: []chatapi.ChunkChoice{{Index: 0, Delta: delta, FinishReason: finish}},
	}
}

func finish(r openai.FinishReason) *openai.FinishReason {
	return &r
}

// ToStream turns upstream fragments into chunks: a role-only opening delta,
// one content delta per fragment, then a terminal delta with finish_reason
// stop. A fragment error is yielded once and ends the sequence without the
// terminal chunk.
func ToStream(fragments iter.Seq2[string, error], meta Meta) iter.Seq2[chatapi.ChatCompletionChunk, error] {
	return func(yield func(chatapi.ChatCompletionChunk, error) bool) {
		if !yield(chunk(meta, chatapi.Delta{Role: openai.ChatMessageRoleAssistant}, nil), nil) {
			return
		}
		for frag, err := range fragments {
			if err != nil {
				yield(chatapi.ChatCompletionChunk{}, err)
				return
			}
			if !yield(chunk(meta, chatapi.Delta{Content: chatapi.StringPtr(frag)}, nil), nil) {
				return
			}
		}
		yield(chunk(meta, chatapi.Delta{}, finish(openai.FinishReasonStop)), nil)
	}
}

// ReplayStream renders a finished completion as chunks: tool calls in one
// delta followed by a tool_calls terminal chunk, or content in
// ReplaySliceRunes slices followed by a stop terminal chunk.
func ReplayStream(resp *chatapi.ChatCompletionResponse) iter.Seq2[chatapi.ChatCompletionChunk, error] {
	meta := Meta{ID: resp.ID, Created: resp.Created, Model: resp.Model}
	return func(yield func(chatapi.ChatCompletionChunk, error) bool) {
		if len(resp.Choices) == 0 {
			yield(chunk(meta, chatapi.Delta{}, finish(openai.FinishReasonStop)), nil)
			return
		}
		msg := resp.Choices[0].Message
		if len(msg.ToolCalls) > 0 {
			calls := make([]openai.ToolCall, len(msg.ToolCalls))
			for i, c := range msg.ToolCalls {
				idx := i
				c.Index = &idx
				calls[i] = c
			}
			if !yield(chunk(meta, chatapi.Delta{Role: openai.ChatMessageRoleAssistant, ToolCalls: calls}, nil), nil) {
				return
			}
			yield(chunk(meta, chatapi.Delta{}, finish(openai.FinishReasonToolCalls)), nil)
			return
		}
		if !yield(chunk(meta, chatapi.Delta{Role: openai.ChatMessageRoleAssistant}, nil), nil) {
			return
		}
		runes := []rune(msg.Text())
		for i := 0; i < len(runes); i += ReplaySliceRunes {
			end := min(i+ReplaySliceRunes, len(runes))
			if !yield(chunk(meta, chatapi.Delta{Content: chatapi.StringPtr(string(runes[i:end]))}, nil), nil) {
				return
			}
		}
		yield(chunk(meta, chatapi.Delta{}, finish(openai.FinishReasonStop)), nil)
	}
}

// Collect buffers a chunk sequence back into a single completion. Usage only
// carries the completion estimate since prompt text is not part of a stream.
func Collect(chunks iter.Seq2[chatapi.ChatCompletionChunk, error]) (*chatapi.ChatCompletionResponse, error) {
	var (
		resp    chatapi.ChatCompletionResponse
		content strings.Builder
		sawText bool
		reason  openai.FinishReason
		calls   = map[int]*openai.ToolCall{}
		first   = true
	)
	for c, err := range chunks {
		if err != nil {
			return nil, err
		}
		if first {
			resp.ID, resp.Created, resp.Model = c.ID, c.Created, c.Model
			first = false
		}
		for _, ch := range c.Choices {
			if ch.Delta.Content != nil {
				content.WriteString(*ch.Delta.Content)
				sawText = true
			}
			for pos, tc := range ch.Delta.ToolCalls {
				idx := pos
				if tc.Index != nil {
					idx = *tc.Index
				}
				cur, ok := calls[idx]
				if !ok {
					cp := tc
					cp.Index = nil
					calls[idx] = &cp
					continue
				}
				if cur.ID == "" {
					cur.ID = tc.ID
				}
				if cur.Type == "" {
					cur.Type = tc.Type
				}
				if cur.Function.Name == "" {
					cur.Function.Name = tc.Function.Name
				}
				cur.Function.Arguments += tc.Function.Arguments
			}
			if ch.FinishReason != nil {
				reason = *ch.FinishReason
			}
		}
	}
	resp.Object = chatapi.ObjectChatCompletion
	msg := chatapi.ChatMessage{Role: openai.ChatMessageRoleAssistant}
	if len(calls) > 0 {
		keys := make([]int, 0, len(calls))
		for k := range calls {
			keys = append(keys, k)
		}
		sort.Ints(keys)
		for _, k := range keys {
			msg.ToolCalls = append(msg.ToolCalls, *calls[k])
		}
		encoded, _ := json.Marshal(msg.ToolCalls)
		resp.Usage = usage(0, EstimateTokens(string(encoded)))
	}
	if sawText || len(calls) == 0 {
		msg.Content = chatapi.StringPtr(content.String())
		if len(calls) == 0 {
			resp.Usage = usage(0, EstimateTokens(content.String()))
		}
	}
	if reason == "" {
		reason = openai.FinishReasonStop
	}
	resp.Choices = []chatapi.Choice{{Index: 0, Message: msg, FinishReason: reason}}
	return &resp, nil
}
