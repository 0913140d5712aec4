// Package toolsim emulates OpenAI function calling on top of a text-only
// model: it describes the functions in a prompt, finds call markers in the
// reply, forces a call when the model does not comply, and runs local handlers.
package toolsim

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/lkarlslund/duckbridge/pkg/chatapi"
	openai "github.com/sashabaranov/go-openai"
)

// MarkerExample is the exact shape the model is asked to reply with.
const MarkerExample = `{"tool_calls":[{"name":"<function_name>","arguments":{"<param>":"<value>"}}]}`

// ShouldSimulate reports whether a request needs the simulation layer.
func ShouldSimulate(tools []openai.Tool, choice chatapi.ToolChoice) bool {
	return len(tools) > 0 && !choice.IsNone()
}

// BuildInstructionPrefix renders the function catalogue and the reply convention.
func BuildInstructionPrefix(tools []openai.Tool, choice chatapi.ToolChoice) string {
	var b strings.Builder
	b.WriteString("You have access to the following functions. To call one or more of them, reply with ONLY a JSON object in exactly this format and nothing else:\n")
	b.WriteString(MarkerExample)
	b.WriteString("\n\nAvailable functions:\n")
	for _, t := range tools {
		if t.Function == nil {
			continue
		}
		fn := t.Function
		b.WriteString("\nFunction: ")
		b.WriteString(fn.Name)
		b.WriteByte('\n')
		if d := strings.TrimSpace(fn.Description); d != "" {
			b.WriteString("Description: ")
			b.WriteString(d)
			b.WriteByte('\n')
		}
		writeParameters(&b, fn.Parameters)
	}
	b.WriteByte('\n')
	b.WriteString(choiceDirective(choice))
	return b.String()
}

func choiceDirective(choice chatapi.ToolChoice) string {
	if name, ok := choice.Named(); ok {
		return fmt.Sprintf("You MUST call the function %q. Reply with the JSON object only, no other text.", name)
	}
	if choice.IsRequired() {
		return "You MUST call at least one of the functions above. Reply with the JSON object only, no other text."
	}
	return "Call a function only when it is needed to answer the user. Otherwise answer normally in plain text without any JSON."
}

func writeParameters(b *strings.Builder, params any) {
	schema, ok := schemaMap(params)
	props, _ := schema["properties"].(map[string]any)
	if !ok || len(props) == 0 {
		b.WriteString("Parameters: none\n")
		return
	}
	required := map[string]bool{}
	if req, ok := schema["required"].([]any); ok {
		for _, r := range req {
			if s, ok := r.(string); ok {
				required[s] = true
			}
		}
	}
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)
	b.WriteString("Parameters:\n")
	for _, name := range names {
		prop, _ := props[name].(map[string]any)
		typ, _ := prop["type"].(string)
		if typ == "" {
			typ = "any"
		}
		b.WriteString("- ")
		b.WriteString(name)
		b.WriteString(" (")
		b.WriteString(typ)
		if required[name] {
			b.WriteString(", required")
		}
		b.WriteByte(')')
		if d, _ := prop["description"].(string); strings.TrimSpace(d) != "" {
			b.WriteString(": ")
			b.WriteString(strings.TrimSpace(d))
		}
		if enum, ok := prop["enum"].([]any); ok && len(enum) > 0 {
			vals := make([]string, 0, len(enum))
			for _, v := range enum {
				vals = append(vals, fmt.Sprint(v))
			}
			b.WriteString(" [one of: ")
			b.WriteString(strings.Join(vals, ", "))
			b.WriteByte(']')
		}
		b.WriteByte('\n')
	}
}

// schemaMap normalizes a FunctionDefinition.Parameters value, which may be a
// decoded map, raw JSON or a typed schema, into a generic map.
func schemaMap(params any) (map[string]any, bool) {
	switch p := params.(type) {
	case nil:
		return nil, false
	case map[string]any:
		return p, true
	case json.RawMessage:
		return decodeSchema(p)
	case []byte:
		return decodeSchema(p)
	case string:
		return decodeSchema([]byte(p))
	}
	b, err := json.Marshal(params)
	if err != nil {
		return nil, false
	}
	return decodeSchema(b)
}

func decodeSchema(b []byte) (map[string]any, bool) {
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, false
	}
	m, ok := out.(map[string]any)
	return m, ok
}
