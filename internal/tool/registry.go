package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"novabot/internal/domain"
)

const DefaultTimeout = 30 * time.Second

// Registry holds all available tools and executes them.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]domain.Tool
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		tools:   make(map[string]domain.Tool),
		timeout: DefaultTimeout,
		logger:  logger,
		now:     time.Now,
	}
}

// SetTimeout bounds each Execute call. Zero or negative restores the default.
func (r *Registry) SetTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultTimeout
	}
	r.mu.Lock()
	r.timeout = d
	r.mu.Unlock()
}

// Register adds t. Names must be non-empty and unique.
func (r *Registry) Register(t domain.Tool) error {
	name := t.Name()
	if name == "" {
		return errors.New("tool name must not be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.tools[name]; dup {
		return fmt.Errorf("tool %q already registered", name)
	}
	r.tools[name] = t
	r.logger.Debug("registered tool", "name", name, "capability", t.Capability())
	return nil
}

// MustRegister is Register for static wiring at startup.
func (r *Registry) MustRegister(tools ...domain.Tool) {
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			panic(err)
		}
	}
}

func (r *Registry) Get(name string) domain.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

func (r *Registry) Has(name string) bool {
	return r.Get(name) != nil
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Execute runs the named tool with a timeout. It never returns an error:
// unknown tools, executor errors, timeouts and panics all become failed
// results that the model can read.
func (r *Registry) Execute(ctx context.Context, name string, inv domain.Invocation) (res domain.ExecResult) {
	start := r.now()
	defer func() {
		res.Metadata = domain.ExecMetadata{
			ToolName:      name,
			ExecutionTime: r.now().Sub(start).Milliseconds(),
			Timestamp:     start,
		}
	}()

	t := r.Get(name)
	if t == nil {
		return domain.Failed(fmt.Sprintf("unknown tool: %s", name))
	}

	r.mu.RLock()
	timeout := r.timeout
	r.mu.RUnlock()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("tool panicked", "tool", name, "panic", p)
			res = domain.Failed(fmt.Sprintf("tool %s failed: internal error", name))
		}
	}()

	out, err := t.Execute(ctx, inv)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
			return domain.Failed(fmt.Sprintf("tool %s timed out after %s", name, timeout))
		}
		return domain.Failed(err.Error())
	}
	return out
}

// Definitions returns the definitions of the named tools in the given order,
// skipping names that are not registered. With no names it returns every
// tool sorted by name.
func (r *Registry) Definitions(names ...string) []domain.ToolDefinition {
	if len(names) == 0 {
		names = r.Names()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]domain.ToolDefinition, 0, len(names))
	for _, n := range names {
		t, ok := r.tools[n]
		if !ok {
			continue
		}
		defs = append(defs, Definition(t))
	}
	return defs
}

// Definition describes t for the model.
func Definition(t domain.Tool) domain.ToolDefinition {
	return domain.ToolDefinition{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters:  t.Parameters(),
		Capability:  t.Capability(),
	}
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Param describes a single tool parameter.
type Param struct {
	Type        string
	Description string
	Enum        []string
}

// ToolParameters builds a JSON Schema "parameters" object for a tool.
func ToolParameters(properties map[string]Param, required []string) map[string]any {
	props := make(map[string]any)
	for name, p := range properties {
		prop := map[string]any{"type": p.Type, "description": p.Description}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		props[name] = prop
	}
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func ArgsString(args map[string]any, key string) string {
	if args == nil {
		return ""
	}
	v, ok := args[key]
	if !ok || v == nil {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	default:
		b, _ := json.Marshal(v)
		return string(b)
	}
}

// ArgsFloat reads a numeric argument. Strings holding a number are accepted
// since models sometimes quote them.
func ArgsFloat(args map[string]any, key string) (float64, bool) {
	v, ok := args[key]
	if !ok || v == nil {
		return 0, false
	}
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case json.Number:
		var err error
		if f, err = n.Float64(); err != nil {
			return 0, false
		}
	case string:
		var err error
		if f, err = strconv.ParseFloat(strings.TrimSpace(n), 64); err != nil {
			return 0, false
		}
	default:
		return 0, false
	}
	// "NaN" and "Inf" parse as floats but are never a usable argument.
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// ArgsInt reads an integral argument. Fractional values are refused.
func ArgsInt(args map[string]any, key string) (int, bool) {
	f, ok := ArgsFloat(args, key)
	if !ok || f != float64(int(f)) {
		return 0, false
	}
	return int(f), true
}
