package toolsim

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"regexp"
	"strings"
	"time"

	"github.com/dop251/goja"
	openai "github.com/sashabaranov/go-openai"
)

var (
	arithmeticWhitelist = regexp.MustCompile(`^[0-9+\-*/%().\s]+$`)
	weatherConditions   = []string{"sunny", "cloudy", "rainy"}
)

const calculatorTimeout = time.Second

// Builtins returns a registry holding get_current_time, calculate and the mock get_weather.
func Builtins() *Registry {
	r := NewRegistry()
	_ = r.RegisterDefinition(openai.FunctionDefinition{
		Name:        "get_current_time",
		Description: "Get the current date and time in UTC",
		Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
	}, currentTime)
	_ = r.RegisterDefinition(openai.FunctionDefinition{
		Name:        "calculate",
		Description: "Evaluate an arithmetic expression",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"expression": map[string]any{"type": "string", "description": "Arithmetic expression, e.g. 4 + 5"},
			},
			"required": []any{"expression"},
		},
	}, calculate)
	_ = r.RegisterDefinition(openai.FunctionDefinition{
		Name:        "get_weather",
		Description: "Get the current weather for a location (mock data)",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"location": map[string]any{"type": "string", "description": "City name"},
			},
			"required": []any{"location"},
		},
	}, mockWeather)
	return r
}

func currentTime(context.Context, map[string]any) (any, error) {
	now := time.Now().UTC()
	return map[string]any{
		"current_time": now.Format(time.RFC3339),
		"timezone":     "UTC",
		"unix":         now.Unix(),
	}, nil
}

func calculate(ctx context.Context, args map[string]any) (any, error) {
	expr, _ := args["expression"].(string)
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errors.New("expression is required")
	}
	v, err := EvaluateArithmetic(ctx, expr)
	if err != nil {
		return nil, err
	}
	return map[string]any{"expression": expr, "result": v}, nil
}

// EvaluateArithmetic computes expr, which may only contain digits, + - * / %,
// parentheses, dots and spaces. Evaluation happens in a fresh JS VM with no
// host bindings.
func EvaluateArithmetic(ctx context.Context, expr string) (float64, error) {
	if !arithmeticWhitelist.MatchString(expr) {
		return 0, fmt.Errorf("expression %q contains unsupported characters", expr)
	}
	vm := goja.New()
	t := time.AfterFunc(calculatorTimeout, func() { vm.Interrupt("calculation timed out") })
	defer t.Stop()
	stop := context.AfterFunc(ctx, func() { vm.Interrupt(ctx.Err()) })
	defer stop()

	v, err := vm.RunString("(" + expr + ")")
	if err != nil {
		return 0, fmt.Errorf("invalid expression %q", expr)
	}
	f := v.ToFloat()
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("expression %q has no finite result", expr)
	}
	return f, nil
}

func mockWeather(_ context.Context, args map[string]any) (any, error) {
	loc, _ := args["location"].(string)
	loc = strings.TrimSpace(loc)
	if loc == "" {
		return nil, errors.New("location is required")
	}
	return map[string]any{
		"location":    loc,
		"temperature": 10 + rand.IntN(30),
		"unit":        "celsius",
		"condition":   weatherConditions[rand.IntN(len(weatherConditions))],
		"note":        "This is mock weather data for demonstration purposes",
	}, nil
}
