package toolsim

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"
	"github.com/tidwall/gjson"
)

// NewCallID returns an id of the form call_<24 hex>.
func NewCallID() string {
	return "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

// Detect reports whether text contains at least one well-formed call marker.
func Detect(text string) bool {
	if !strings.Contains(text, "tool_calls") {
		return false
	}
	return len(Extract(text)) > 0
}

// Extract returns every call found in marker objects within text, in order.
// Entries without a string name, or with arguments that are not a JSON object,
// are dropped.
func Extract(text string) []openai.ToolCall {
	var calls []openai.ToolCall
	for i := 0; i < len(text); {
		start := strings.IndexByte(text[i:], '{')
		if start < 0 {
			break
		}
		start += i
		end, ok := matchBrace(text, start)
		if !ok {
			i = start + 1
			continue
		}
		candidate := text[start : end+1]
		if found := parseMarker(candidate); len(found) > 0 {
			calls = append(calls, found...)
			i = end + 1
			continue
		}
		i = start + 1
	}
	return calls
}

// matchBrace returns the index of the brace closing the object opened at start.
// Braces inside JSON strings are ignored.
func matchBrace(s string, start int) (int, bool) {
	depth := 0
	inStr := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inStr {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inStr = false
			}
			continue
		}
		switch ch {
		case '"':
			inStr = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}

func parseMarker(candidate string) []openai.ToolCall {
	if !strings.Contains(candidate, "tool_calls") || !gjson.Valid(candidate) {
		return nil
	}
	list := gjson.Get(candidate, "tool_calls")
	if !list.IsArray() {
		return nil
	}
	var out []openai.ToolCall
	list.ForEach(func(_, entry gjson.Result) bool {
		if call, ok := parseEntry(entry); ok {
			out = append(out, call)
		}
		return true
	})
	return out
}

func parseEntry(entry gjson.Result) (openai.ToolCall, bool) {
	if !entry.IsObject() {
		return openai.ToolCall{}, false
	}
	// tolerate the OpenAI-shaped {"function":{"name":...,"arguments":...}} too
	if fn := entry.Get("function"); fn.IsObject() && !entry.Get("name").Exists() {
		entry = fn
	}
	name := entry.Get("name")
	if name.Type != gjson.String || strings.TrimSpace(name.Str) == "" {
		return openai.ToolCall{}, false
	}
	args, ok := normalizeArguments(entry)
	if !ok {
		return openai.ToolCall{}, false
	}
	return openai.ToolCall{
		ID:   NewCallID(),
		Type: openai.ToolTypeFunction,
		Function: openai.FunctionCall{
			Name:      strings.TrimSpace(name.Str),
			Arguments: args,
		},
	}, true
}

func normalizeArguments(entry gjson.Result) (string, bool) {
	var raw gjson.Result
	for _, key := range []string{"arguments", "input", "parameters"} {
		if v := entry.Get(key); v.Exists() {
			raw = v
			break
		}
	}
	switch {
	case !raw.Exists() || raw.Type == gjson.Null:
		return "{}", true
	case raw.IsObject():
		return compact(raw.Raw)
	case raw.Type == gjson.String:
		s := strings.TrimSpace(raw.Str)
		if s == "" {
			return "{}", true
		}
		if !gjson.Valid(s) || !gjson.Parse(s).IsObject() {
			return "", false
		}
		return compact(s)
	}
	return "", false
}

func compact(s string) (string, bool) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(s)); err != nil {
		return "", false
	}
	return buf.String(), true
}
