package toolsim

import (
	"fmt"
	"regexp"

	openai "github.com/sashabaranov/go-openai"
)

var functionNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]{0,63}$`)

type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// Validate checks every tool definition and collects all violations.
func Validate(tools []openai.Tool) ValidationResult {
	var errs []string
	seen := map[string]bool{}
	for i, t := range tools {
		if t.Type != openai.ToolTypeFunction {
			errs = append(errs, fmt.Sprintf("tool %d: type must be \"function\"", i))
		}
		if t.Function == nil {
			errs = append(errs, fmt.Sprintf("tool %d: function definition is required", i))
			continue
		}
		name := t.Function.Name
		switch {
		case name == "":
			errs = append(errs, fmt.Sprintf("tool %d: function name is required", i))
		case !functionNamePattern.MatchString(name):
			errs = append(errs, fmt.Sprintf("tool %d: function name %q must match %s", i, name, functionNamePattern.String()))
		case seen[name]:
			errs = append(errs, fmt.Sprintf("duplicate function name %q", name))
		}
		if name != "" {
			seen[name] = true
		}
		errs = append(errs, validateParameters(i, t.Function.Parameters)...)
	}
	return ValidationResult{Valid: len(errs) == 0, Errors: errs}
}

func validateParameters(i int, params any) []string {
	if params == nil {
		return nil
	}
	schema, ok := schemaMap(params)
	if !ok {
		return []string{fmt.Sprintf("tool %d: parameters must be a JSON object", i)}
	}
	var errs []string
	if typ, _ := schema["type"].(string); typ != "object" {
		errs = append(errs, fmt.Sprintf("tool %d: parameters.type must be \"object\"", i))
	}
	if props, present := schema["properties"]; present {
		if _, ok := props.(map[string]any); !ok {
			errs = append(errs, fmt.Sprintf("tool %d: parameters.properties must be an object", i))
		}
	}
	if req, present := schema["required"]; present {
		list, ok := req.([]any)
		if !ok {
			errs = append(errs, fmt.Sprintf("tool %d: parameters.required must be an array of strings", i))
		}
		for _, r := range list {
			if _, ok := r.(string); !ok {
				errs = append(errs, fmt.Sprintf("tool %d: parameters.required must be an array of strings", i))
				break
			}
		}
	}
	return errs
}
