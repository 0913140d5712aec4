package toolsim

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/lkarlslund/duckbridge/pkg/chatapi"
	openai "github.com/sashabaranov/go-openai"
)

var (
	arithmeticPattern = regexp.MustCompile(`(\d+\s*[+\-*/]\s*\d+)`)
	locationPattern   = regexp.MustCompile(`(?i)\b(?:in|for|at)\s+([A-Za-z\s,]+)`)
)

// Selector inspects a user message. matched reports that the message carries
// the selector's cue, which ends the chain; tool is nil when the cue matched
// but no offered tool fits, and the first tool is used instead.
type Selector func(tools []openai.Tool, message string) (tool *openai.Tool, matched bool)

// DefaultSelectors is the keyword heuristic used by ForceCall. It is a best
// effort that only knows time, arithmetic and weather cues, tried in that
// order. A cue picks get_current_time or a name ending in "_time", calculate
// or a name starting with "calc", get_weather or a name containing "weather".
var DefaultSelectors = []Selector{
	keywordSelector([]string{"time"}, nil, toolNameMatcher("get_current_time", func(n string) bool { return strings.HasSuffix(n, "_time") })),
	keywordSelector([]string{"calculate"}, arithmeticPattern, toolNameMatcher("calculate", func(n string) bool { return strings.HasPrefix(n, "calc") })),
	keywordSelector([]string{"weather"}, nil, toolNameMatcher("get_weather", func(n string) bool { return strings.Contains(n, "weather") })),
}

func toolNameMatcher(exact string, shape func(lowerName string) bool) func([]openai.Tool) *openai.Tool {
	return func(tools []openai.Tool) *openai.Tool {
		for i := range tools {
			if tools[i].Function != nil && tools[i].Function.Name == exact {
				return &tools[i]
			}
		}
		for i := range tools {
			if tools[i].Function != nil && shape(strings.ToLower(tools[i].Function.Name)) {
				return &tools[i]
			}
		}
		return nil
	}
}

func keywordSelector(keywords []string, pattern *regexp.Regexp, pick func([]openai.Tool) *openai.Tool) Selector {
	return func(tools []openai.Tool, message string) (*openai.Tool, bool) {
		lower := strings.ToLower(message)
		hit := pattern != nil && pattern.MatchString(message)
		for _, k := range keywords {
			if strings.Contains(lower, k) {
				hit = true
			}
		}
		if !hit {
			return nil, false
		}
		return pick(tools), true
	}
}

// ForceCall synthesizes a call when the caller demanded one and the model did
// not produce it. A pinned function is used as named; otherwise the first
// matching selector of DefaultSelectors decides, falling back to the first tool.
func ForceCall(tools []openai.Tool, choice chatapi.ToolChoice, lastUserMessage string) openai.ToolCall {
	return ForceCallWith(DefaultSelectors, tools, choice, lastUserMessage)
}

func ForceCallWith(selectors []Selector, tools []openai.Tool, choice chatapi.ToolChoice, lastUserMessage string) openai.ToolCall {
	name, pinned := choice.Named()
	if !pinned {
		name = selectName(selectors, tools, lastUserMessage)
	}
	return openai.ToolCall{
		ID:   NewCallID(),
		Type: openai.ToolTypeFunction,
		Function: openai.FunctionCall{
			Name:      name,
			Arguments: forcedArguments(name, lastUserMessage),
		},
	}
}

func selectName(selectors []Selector, tools []openai.Tool, message string) string {
	for _, sel := range selectors {
		if tool, matched := sel(tools, message); matched {
			if tool != nil {
				return tool.Function.Name
			}
			break
		}
	}
	for _, t := range tools {
		if t.Function != nil {
			return t.Function.Name
		}
	}
	return ""
}

func forcedArguments(name, message string) string {
	lower := strings.ToLower(name)
	args := map[string]string{}
	switch {
	case strings.Contains(lower, "calc"):
		if m := arithmeticPattern.FindStringSubmatch(message); m != nil {
			args["expression"] = m[1]
		}
	case strings.Contains(lower, "weather"):
		if m := locationPattern.FindStringSubmatch(message); m != nil {
			if loc := strings.Trim(strings.TrimSpace(m[1]), ","); loc != "" {
				args["location"] = loc
			}
		}
	}
	b, _ := json.Marshal(args)
	return string(b)
}
