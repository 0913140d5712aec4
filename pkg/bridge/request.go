package bridge

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/lkarlslund/duckbridge/pkg/chatapi"
	"github.com/lkarlslund/duckbridge/pkg/config"
	"github.com/lkarlslund/duckbridge/pkg/duckchat"
	"github.com/lkarlslund/duckbridge/pkg/toolsim"
	openai "github.com/sashabaranov/go-openai"
	"github.com/tidwall/gjson"
)

// ValidationError is a malformed request. Its message is safe to show callers.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func invalid(msg string) error {
	return &ValidationError{Message: msg}
}

var validRoles = map[string]bool{
	openai.ChatMessageRoleSystem:    true,
	openai.ChatMessageRoleUser:      true,
	openai.ChatMessageRoleAssistant: true,
	openai.ChatMessageRoleTool:      true,
}

// ParseRequest validates and decodes a chat-completion body, filling in
// config.DefaultModel when model is empty.
func ParseRequest(body []byte) (*chatapi.ChatCompletionRequest, error) {
	return parseRequest(body, config.DefaultModel)
}

func parseRequest(body []byte, defaultModel string) (*chatapi.ChatCompletionRequest, error) {
	if !gjson.ValidBytes(body) {
		return nil, invalid("Request body must be valid JSON")
	}
	doc := gjson.ParseBytes(body)
	if !doc.IsObject() {
		return nil, invalid("Request body must be a JSON object")
	}
	if err := validateMessages(doc.Get("messages")); err != nil {
		return nil, err
	}
	var req chatapi.ChatCompletionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, invalid("Invalid request: " + err.Error())
	}
	if len(req.Tools) > 0 {
		if res := toolsim.Validate(req.Tools); !res.Valid {
			return nil, invalid("Invalid tools: " + strings.Join(res.Errors, ", "))
		}
	}
	if name, ok := req.ToolChoice.Named(); ok && !declaresFunction(req.Tools, name) {
		return nil, invalid(fmt.Sprintf("tool_choice names undeclared function %q", name))
	}
	req.Model = strings.TrimSpace(req.Model)
	if req.Model == "" {
		req.Model = defaultModel
	}
	return &req, nil
}

func declaresFunction(tools []openai.Tool, name string) bool {
	for _, t := range tools {
		if t.Function != nil && t.Function.Name == name {
			return true
		}
	}
	return false
}

func validateMessages(messages gjson.Result) error {
	if !messages.IsArray() {
		return invalid("messages field is required and must be an array")
	}
	list := messages.Array()
	if len(list) == 0 {
		return invalid("messages array cannot be empty")
	}
	for _, m := range list {
		role := m.Get("role")
		if role.Type != gjson.String || !validRoles[role.Str] {
			return invalid("Each message must have a valid role (system, user, assistant, or tool)")
		}
		content := m.Get("content")
		if role.Str == openai.ChatMessageRoleTool {
			if id := m.Get("tool_call_id"); id.Type != gjson.String || id.Str == "" {
				return invalid("Tool messages must have a tool_call_id")
			}
			if content.Type != gjson.String {
				return invalid("Tool messages must have content as a string")
			}
			continue
		}
		switch {
		case content.Type == gjson.String:
		case content.Type == gjson.Null && content.Exists():
			if calls := m.Get("tool_calls"); !calls.IsArray() || len(calls.Array()) == 0 {
				return invalid("Message content can only be null when tool_calls are present")
			}
		default:
			return invalid("Each message must have content as a string or null")
		}
	}
	return nil
}

// ToUpstreamRequest folds system turns into the first user turn and collapses
// every role to user or assistant.
func ToUpstreamRequest(req *chatapi.ChatCompletionRequest) duckchat.Request {
	model := req.Model
	if model == "" {
		model = config.DefaultModel
	}
	var system []string
	rest := make([]chatapi.ChatMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == openai.ChatMessageRoleSystem {
			if text := m.Text(); text != "" {
				system = append(system, text)
			}
			continue
		}
		rest = append(rest, m)
	}

	out := make([]duckchat.Message, 0, len(rest)+1)
	for _, m := range rest {
		role := openai.ChatMessageRoleUser
		if m.Role == openai.ChatMessageRoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		out = append(out, duckchat.Message{Role: role, Content: m.Text()})
	}

	if sys := strings.Join(system, "\n"); sys != "" {
		instruction := "[System Instruction: " + sys + "]"
		folded := false
		for i, m := range rest {
			if m.Role == openai.ChatMessageRoleUser {
				out[i].Content = instruction + "\n\n" + out[i].Content
				folded = true
				break
			}
		}
		if !folded {
			out = append([]duckchat.Message{{Role: openai.ChatMessageRoleUser, Content: instruction}}, out...)
		}
	}
	return duckchat.Request{Model: model, Messages: out}
}

// EstimateTokens approximates a token count as one token per four characters.
// It is not a tokenizer.
func EstimateTokens(text string) int {
	return (utf8.RuneCountInString(text) + 3) / 4
}

func promptTokens(messages []chatapi.ChatMessage) int {
	parts := make([]string, len(messages))
	for i, m := range messages {
		parts[i] = m.Text()
	}
	return EstimateTokens(strings.Join(parts, " "))
}

func lastUserMessage(messages []chatapi.ChatMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == openai.ChatMessageRoleUser {
			return messages[i].Text()
		}
	}
	if len(messages) > 0 {
		return messages[len(messages)-1].Text()
	}
	return ""
}

func withToolPrefix(req *chatapi.ChatCompletionRequest) []chatapi.ChatMessage {
	prefix := toolsim.BuildInstructionPrefix(req.Tools, req.ToolChoice)
	instruction := "[SYSTEM INSTRUCTIONS] " + prefix + "\n\nPlease follow these instructions when responding to the following user message."
	out := make([]chatapi.ChatMessage, 0, len(req.Messages)+1)
	out = append(out, chatapi.ChatMessage{Role: openai.ChatMessageRoleUser, Content: chatapi.StringPtr(instruction)})
	return append(out, req.Messages...)
}
