package toolsim

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/lkarlslund/duckbridge/pkg/chatapi"
	openai "github.com/sashabaranov/go-openai"
)

func fn(name, desc string, params any) openai.Tool {
	return openai.Tool{Type: openai.ToolTypeFunction, Function: &openai.FunctionDefinition{Name: name, Description: desc, Parameters: params}}
}

var weatherParams = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"location": map[string]any{"type": "string", "description": "City"},
		"unit":     map[string]any{"type": "string", "enum": []any{"c", "f"}},
	},
	"required": []any{"location"},
}

func TestShouldSimulate(t *testing.T) {
	tools := []openai.Tool{fn("a", "", nil)}
	if ShouldSimulate(nil, chatapi.ToolChoice{}) {
		t.Fatalf("no tools must not simulate")
	}
	if ShouldSimulate(tools, chatapi.ToolChoice{Mode: "none"}) {
		t.Fatalf("tool_choice none must not simulate")
	}
	if !ShouldSimulate(tools, chatapi.ToolChoice{}) || !ShouldSimulate(tools, chatapi.ToolChoice{Mode: "required"}) {
		t.Fatalf("expected simulation")
	}
}

func TestBuildInstructionPrefix(t *testing.T) {
	tools := []openai.Tool{fn("get_weather", "Weather lookup", weatherParams), fn("ping", "", nil)}
	p := BuildInstructionPrefix(tools, chatapi.ToolChoice{Mode: chatapi.ToolChoiceFunction, Function: "get_weather"})
	for _, want := range []string{
		MarkerExample,
		"Function: get_weather",
		"Description: Weather lookup",
		"- location (string, required): City",
		"- unit (string) [one of: c, f]",
		"Function: ping\nParameters: none",
		`You MUST call the function "get_weather"`,
	} {
		if !strings.Contains(p, want) {
			t.Fatalf("expected %q in prefix:\n%s", want, p)
		}
	}
	auto := BuildInstructionPrefix(tools, chatapi.ToolChoice{})
	if !strings.Contains(auto, "only when it is needed") {
		t.Fatalf("auto directive missing:\n%s", auto)
	}
	req := BuildInstructionPrefix(tools, chatapi.ToolChoice{Mode: "required"})
	if !strings.Contains(req, "MUST call at least one") {
		t.Fatalf("required directive missing:\n%s", req)
	}
}

func TestExtract(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		names []string
		args  []string
	}{
		{"plain", `{"tool_calls":[{"name":"get_weather","arguments":{"location": "Paris"}}]}`, []string{"get_weather"}, []string{`{"location":"Paris"}`}},
		{"surrounded", "Sure!\n```json\n{\"tool_calls\":[{\"name\":\"a\",\"arguments\":{}},{\"name\":\"b\",\"input\":{\"x\":1}}]}\n```\nDone", []string{"a", "b"}, []string{`{}`, `{"x":1}`}},
		{"string arguments", `{"tool_calls":[{"name":"a","arguments":"{\"q\": \"x\"}"}]}`, []string{"a"}, []string{`{"q":"x"}`}},
		{"braces in strings", `{"tool_calls":[{"name":"a","arguments":{"s":"}{"}}]}`, []string{"a"}, []string{`{"s":"}{"}`}},
		{"openai shape", `{"tool_calls":[{"function":{"name":"a","arguments":"{}"}}]}`, []string{"a"}, []string{`{}`}},
		{"malformed entries dropped", `{"tool_calls":[{"arguments":{}},{"name":7},{"name":"a","arguments":"not json"},{"name":"ok","parameters":{"k":true}}]}`, []string{"ok"}, []string{`{"k":true}`}},
		{"no marker", `The answer is {"x": 1}.`, nil, nil},
		{"unbalanced", `{"tool_calls":[{"name":"a"`, nil, nil},
		{"missing arguments", `{"tool_calls":[{"name":"a"}]}`, []string{"a"}, []string{`{}`}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			calls := Extract(tc.text)
			if len(calls) != len(tc.names) {
				t.Fatalf("expected %d calls, got %+v", len(tc.names), calls)
			}
			for i, c := range calls {
				if c.Function.Name != tc.names[i] || c.Function.Arguments != tc.args[i] {
					t.Fatalf("call %d: got %s(%s)", i, c.Function.Name, c.Function.Arguments)
				}
				if !strings.HasPrefix(c.ID, "call_") || c.Type != openai.ToolTypeFunction {
					t.Fatalf("call %d: unexpected id/type %q/%q", i, c.ID, c.Type)
				}
			}
			if Detect(tc.text) != (len(tc.names) > 0) {
				t.Fatalf("Detect disagrees with Extract")
			}
		})
	}
}

func TestForceCall(t *testing.T) {
	tools := []openai.Tool{fn("lookup", "", nil), fn("calculate", "", nil), fn("get_weather", "", weatherParams), fn("get_current_time", "", nil)}
	tests := []struct {
		name   string
		tools  []openai.Tool
		choice chatapi.ToolChoice
		msg    string
		want   string
		args   string
	}{
		{"calculator", tools, chatapi.ToolChoice{Mode: "required"}, "What is 4 + 5?", "calculate", `{"expression":"4 + 5"}`},
		{"weather", tools, chatapi.ToolChoice{Mode: "required"}, "What's the weather in Tokyo?", "get_weather", `{"location":"Tokyo"}`},
		{"time", tools, chatapi.ToolChoice{Mode: "required"}, "what time is it", "get_current_time", `{}`},
		{"named wins", tools, chatapi.ToolChoice{Mode: "function", Function: "lookup"}, "weather in Oslo", "lookup", `{}`},
		{"first tool fallback", tools, chatapi.ToolChoice{Mode: "required"}, "hello there", "lookup", `{}`},
		{"containment match", []openai.Tool{fn("x", "", nil), fn("weather_now", "", nil)}, chatapi.ToolChoice{Mode: "required"}, "weather for Berlin, Germany", "weather_now", `{"location":"Berlin, Germany"}`},
		{"pinned name used verbatim", []openai.Tool{fn("get_weather", "", weatherParams)}, chatapi.ToolChoice{Mode: "function", Function: "lookup"}, "weather in Oslo", "lookup", `{}`},
		{"first cue ends the chain", []openai.Tool{fn("get_weather", "", weatherParams), fn("calculate", "", nil)}, chatapi.ToolChoice{Mode: "required"}, "what time is 4 + 5", "get_weather", `{}`},
		{"timer is not a time tool", []openai.Tool{fn("lookup", "", nil), fn("start_timer", "", nil)}, chatapi.ToolChoice{Mode: "required"}, "what time is it", "lookup", `{}`},
		{"time suffix shape", []openai.Tool{fn("lookup", "", nil), fn("local_time", "", nil)}, chatapi.ToolChoice{Mode: "required"}, "what time is it", "local_time", `{}`},
		{"calc prefix shape", []openai.Tool{fn("lookup", "", nil), fn("calculator", "", nil)}, chatapi.ToolChoice{Mode: "required"}, "2 * 21", "calculator", `{"expression":"2 * 21"}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			call := ForceCall(tc.tools, tc.choice, tc.msg)
			if call.Function.Name != tc.want || call.Function.Arguments != tc.args {
				t.Fatalf("got %s(%s), want %s(%s)", call.Function.Name, call.Function.Arguments, tc.want, tc.args)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	good := Validate([]openai.Tool{fn("a", "", weatherParams), fn("b-c_1", "", nil)})
	if !good.Valid || len(good.Errors) != 0 {
		t.Fatalf("expected valid tools, got %+v", good)
	}
	bad := Validate([]openai.Tool{
		fn("dup", "", nil),
		fn("dup", "", nil),
		fn("1bad", "", nil),
		{Type: "retrieval", Function: &openai.FunctionDefinition{Name: "x"}},
		{Type: openai.ToolTypeFunction},
		fn("p", "", map[string]any{"type": "array"}),
		fn("q", "", map[string]any{"type": "object", "properties": []any{}}),
		fn("r", "", "not json"),
	})
	if bad.Valid {
		t.Fatalf("expected invalid result")
	}
	joined := strings.Join(bad.Errors, "\n")
	for _, want := range []string{
		`duplicate function name "dup"`,
		`function name "1bad" must match`,
		`tool 3: type must be "function"`,
		`tool 4: function definition is required`,
		`tool 5: parameters.type must be "object"`,
		`tool 6: parameters.properties must be an object`,
		`tool 7: parameters must be a JSON object`,
	} {
		if !strings.Contains(joined, want) {
			t.Fatalf("expected %q among errors:\n%s", want, joined)
		}
	}
}

func TestExecute(t *testing.T) {
	reg := Builtins()
	if err := reg.Register("boom", func(context.Context, map[string]any) (any, error) { panic("kaboom") }); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register("echo", func(_ context.Context, args map[string]any) (any, error) { return args["v"], nil }); err != nil {
		t.Fatalf("register: %v", err)
	}
	call := func(name, args string) openai.ToolCall {
		return openai.ToolCall{ID: "call_1", Type: openai.ToolTypeFunction, Function: openai.FunctionCall{Name: name, Arguments: args}}
	}
	ctx := context.Background()

	var calc map[string]any
	if err := json.Unmarshal([]byte(Execute(ctx, call("calculate", `{"expression":"(4 + 5) * 2"}`), reg)), &calc); err != nil {
		t.Fatalf("decode calc: %v", err)
	}
	if calc["result"] != float64(18) {
		t.Fatalf("unexpected calc result %+v", calc)
	}
	if got := Execute(ctx, call("echo", `{"v":"plain"}`), reg); got != "plain" {
		t.Fatalf("string results are returned verbatim, got %q", got)
	}

	errorCases := map[string]openai.ToolCall{
		"unknown":     call("nope", `{}`),
		"bad args":    call("calculate", `{oops`),
		"panic":       call("boom", `{}`),
		"handler err": call("calculate", `{"expression":"process.exit()"}`),
		"div zero":    call("calculate", `{"expression":"1/0"}`),
	}
	for name, c := range errorCases {
		var payload map[string]string
		if err := json.Unmarshal([]byte(Execute(ctx, c, reg)), &payload); err != nil || payload["error"] == "" {
			t.Fatalf("%s: expected error payload, got err=%v payload=%v", name, err, payload)
		}
	}
	if got := Execute(ctx, call("x", "{}"), nil); !strings.Contains(got, "unknown function") {
		t.Fatalf("nil registry must yield error payload, got %s", got)
	}
}

func TestBuiltinsWeatherAndTime(t *testing.T) {
	reg := Builtins()
	ctx := context.Background()
	var w map[string]any
	out := Execute(ctx, openai.ToolCall{Function: openai.FunctionCall{Name: "get_weather", Arguments: `{"location":"Tokyo"}`}}, reg)
	if err := json.Unmarshal([]byte(out), &w); err != nil {
		t.Fatalf("decode weather: %v", err)
	}
	temp, _ := w["temperature"].(float64)
	if w["location"] != "Tokyo" || temp < 10 || temp > 39 || w["note"] == nil {
		t.Fatalf("unexpected weather %+v", w)
	}
	cond, _ := w["condition"].(string)
	if cond != "sunny" && cond != "cloudy" && cond != "rainy" {
		t.Fatalf("unexpected condition %q", cond)
	}
	var tm map[string]any
	if err := json.Unmarshal([]byte(Execute(ctx, openai.ToolCall{Function: openai.FunctionCall{Name: "get_current_time"}}, reg)), &tm); err != nil {
		t.Fatalf("decode time: %v", err)
	}
	if s, _ := tm["current_time"].(string); !strings.HasSuffix(s, "Z") {
		t.Fatalf("expected RFC3339 UTC time, got %+v", tm)
	}
	if names := reg.Names(); len(names) != 3 || len(reg.Tools()) != 3 {
		t.Fatalf("unexpected builtin set %v", names)
	}
	if res := Validate(reg.Tools()); !res.Valid {
		t.Fatalf("builtin definitions must validate: %v", res.Errors)
	}
}
