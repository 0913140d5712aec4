package chatapi

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestToolChoiceUnmarshal(t *testing.T) {
	tests := []struct {
		in      string
		want    ToolChoice
		wantErr bool
		forces  bool
		isNone  bool
		named   string
	}{
		{`"auto"`, ToolChoice{Mode: "auto"}, false, false, false, ""},
		{`"none"`, ToolChoice{Mode: "none"}, false, false, true, ""},
		{`"REQUIRED"`, ToolChoice{Mode: "required"}, false, true, false, ""},
		{`{"type":"function","function":{"name":"get_weather"}}`, ToolChoice{Mode: "function", Function: "get_weather"}, false, true, false, "get_weather"},
		{`null`, ToolChoice{}, false, false, false, ""},
		{`"sometimes"`, ToolChoice{}, true, false, false, ""},
		{`{"type":"function","function":{}}`, ToolChoice{}, true, false, false, ""},
		{`42`, ToolChoice{}, true, false, false, ""},
	}
	for _, tc := range tests {
		var got ToolChoice
		err := json.Unmarshal([]byte(tc.in), &got)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("%s: expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: %v", tc.in, err)
		}
		if got != tc.want || got.Forces() != tc.forces || got.IsNone() != tc.isNone {
			t.Fatalf("%s: unexpected choice %+v", tc.in, got)
		}
		if name, _ := got.Named(); name != tc.named {
			t.Fatalf("%s: unexpected named function %q", tc.in, name)
		}
	}
}

func TestRequestOmitsUnsetToolChoiceAndEmitsNullContent(t *testing.T) {
	req := ChatCompletionRequest{Model: "m", Messages: []ChatMessage{{Role: "assistant"}}}
	b, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	s := string(b)
	if strings.Contains(s, "tool_choice") {
		t.Fatalf("unset tool_choice must be omitted: %s", s)
	}
	if !strings.Contains(s, `"content":null`) {
		t.Fatalf("nil content must be emitted as null: %s", s)
	}
	req.ToolChoice = ToolChoice{Mode: ToolChoiceFunction, Function: "f"}
	b, _ = json.Marshal(req)
	if !strings.Contains(string(b), `"tool_choice":{"function":{"name":"f"},"type":"function"}`) {
		t.Fatalf("unexpected tool_choice encoding: %s", b)
	}
}
