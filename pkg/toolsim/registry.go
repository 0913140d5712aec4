package toolsim

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	log "github.com/charmbracelet/log"
	openai "github.com/sashabaranov/go-openai"
)

// Handler runs a function locally with decoded arguments.
type Handler func(ctx context.Context, args map[string]any) (any, error)

type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	defs     map[string]openai.FunctionDefinition
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[string]Handler{}, defs: map[string]openai.FunctionDefinition{}}
}

// Register adds or replaces a handler.
func (r *Registry) Register(name string, h Handler) error {
	return r.RegisterDefinition(openai.FunctionDefinition{Name: name}, h)
}

func (r *Registry) RegisterDefinition(def openai.FunctionDefinition, h Handler) error {
	if !functionNamePattern.MatchString(def.Name) {
		return fmt.Errorf("invalid function name %q", def.Name)
	}
	if h == nil {
		return fmt.Errorf("function %q: handler is nil", def.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[def.Name] = h
	r.defs[def.Name] = def
	return nil
}

func (r *Registry) Lookup(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Tools returns the registered definitions as tool entries, sorted by name.
func (r *Registry) Tools() []openai.Tool {
	names := r.Names()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]openai.Tool, 0, len(names))
	for _, name := range names {
		def := r.defs[name]
		out = append(out, openai.Tool{Type: openai.ToolTypeFunction, Function: &def})
	}
	return out
}

// Execute runs call against reg. Failures of any kind are returned as a
// {"error": "..."} payload rather than an error.
func Execute(ctx context.Context, call openai.ToolCall, reg *Registry) (out string) {
	name := call.Function.Name
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("tool handler panicked", "function", name, "panic", rec)
			out = errorPayload(fmt.Sprintf("function %q failed: %v", name, rec))
		}
	}()
	if reg == nil {
		return errorPayload(fmt.Sprintf("unknown function %q", name))
	}
	h, ok := reg.Lookup(name)
	if !ok {
		return errorPayload(fmt.Sprintf("unknown function %q", name))
	}
	args := map[string]any{}
	if raw := strings.TrimSpace(call.Function.Arguments); raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			return errorPayload(fmt.Sprintf("invalid arguments for %q: %v", name, err))
		}
		if args == nil {
			args = map[string]any{}
		}
	}
	res, err := h(ctx, args)
	if err != nil {
		return errorPayload(err.Error())
	}
	if s, ok := res.(string); ok {
		return s
	}
	b, err := json.Marshal(res)
	if err != nil {
		return errorPayload(fmt.Sprintf("encode result of %q: %v", name, err))
	}
	return string(b)
}

func errorPayload(msg string) string {
	b, _ := json.Marshal(map[string]string{"error": msg})
	return string(b)
}
