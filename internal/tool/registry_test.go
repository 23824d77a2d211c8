package tool

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"os"
	"strings"
	"testing"
	"time"

	"novabot/internal/domain"
)

// stubTool is a minimal tool for testing the registry.
type stubTool struct {
	name   string
	result domain.ExecResult
	err    error
	panics bool
	block  bool
}

func (s *stubTool) Name() string                  { return s.name }
func (s *stubTool) Description() string           { return "stub: " + s.name }
func (s *stubTool) Capability() domain.Capability { return domain.CapDataQuery }
func (s *stubTool) Parameters() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}
func (s *stubTool) Execute(ctx context.Context, inv domain.Invocation) (domain.ExecResult, error) {
	if s.panics {
		panic("boom")
	}
	if s.block {
		<-ctx.Done()
		return domain.ExecResult{}, ctx.Err()
	}
	return s.result, s.err
}

var _ domain.Tool = (*stubTool)(nil)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	reg := NewRegistry(testLogger())
	if err := reg.Register(&stubTool{name: "test_tool"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	got := reg.Get("test_tool")
	if got == nil {
		t.Fatal("expected to find registered tool")
	}
	if got.Name() != "test_tool" {
		t.Fatalf("expected 'test_tool', got %q", got.Name())
	}
	if !reg.Has("test_tool") || reg.Len() != 1 {
		t.Fatal("expected Has and Len to reflect registration")
	}
}

func TestRegistry_GetUnknown(t *testing.T) {
	reg := NewRegistry(testLogger())
	if got := reg.Get("nonexistent"); got != nil {
		t.Fatal("expected nil for unknown tool")
	}
}

func TestRegistry_RejectsDuplicate(t *testing.T) {
	reg := NewRegistry(testLogger())
	reg.Register(&stubTool{name: "dup"})
	if err := reg.Register(&stubTool{name: "dup"}); err == nil {
		t.Fatal("expected error for duplicate name")
	}
}

func TestRegistry_RejectsEmptyName(t *testing.T) {
	reg := NewRegistry(testLogger())
	if err := reg.Register(&stubTool{name: ""}); err == nil {
		t.Fatal("expected error for empty name")
	}
}

func TestRegistry_MustRegisterPanicsOnDuplicate(t *testing.T) {
	reg := NewRegistry(testLogger())
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	reg.MustRegister(&stubTool{name: "a"}, &stubTool{name: "a"})
}

func TestRegistry_Execute(t *testing.T) {
	reg := NewRegistry(testLogger())
	reg.Register(&stubTool{name: "echo", result: domain.OK("hello")})

	res := reg.Execute(context.Background(), "echo", domain.Invocation{})
	if !res.Success || res.Data != "hello" {
		t.Fatalf("expected success with 'hello', got %+v", res)
	}
	if res.Metadata.ToolName != "echo" || res.Metadata.Timestamp.IsZero() {
		t.Fatalf("expected metadata stamped, got %+v", res.Metadata)
	}
}

func TestRegistry_ExecuteUnknown(t *testing.T) {
	reg := NewRegistry(testLogger())
	res := reg.Execute(context.Background(), "missing", domain.Invocation{})
	if res.Success {
		t.Fatal("expected failure for unknown tool")
	}
	if res.Error != "unknown tool: missing" {
		t.Fatalf("unexpected error: %q", res.Error)
	}
}

func TestRegistry_ExecuteError(t *testing.T) {
	reg := NewRegistry(testLogger())
	reg.Register(&stubTool{name: "bad", err: errors.New("connection refused")})

	res := reg.Execute(context.Background(), "bad", domain.Invocation{})
	if res.Success || res.Error != "connection refused" {
		t.Fatalf("expected failed result, got %+v", res)
	}
}

func TestRegistry_ExecutePanicRecovered(t *testing.T) {
	reg := NewRegistry(testLogger())
	reg.Register(&stubTool{name: "crash", panics: true})

	res := reg.Execute(context.Background(), "crash", domain.Invocation{})
	if res.Success {
		t.Fatal("expected failure after panic")
	}
	if res.Metadata.ToolName != "crash" {
		t.Fatalf("expected metadata after panic, got %+v", res.Metadata)
	}
}

func TestRegistry_ExecuteTimeout(t *testing.T) {
	reg := NewRegistry(testLogger())
	reg.SetTimeout(10 * time.Millisecond)
	reg.Register(&stubTool{name: "slow", block: true})

	res := reg.Execute(context.Background(), "slow", domain.Invocation{})
	if res.Success || !strings.Contains(res.Error, "timed out") {
		t.Fatalf("expected timeout failure, got %+v", res)
	}
}

func TestRegistry_Names(t *testing.T) {
	reg := NewRegistry(testLogger())
	reg.Register(&stubTool{name: "beta"})
	reg.Register(&stubTool{name: "alpha"})

	names := reg.Names()
	if len(names) != 2 || names[0] != "alpha" || names[1] != "beta" {
		t.Fatalf("expected sorted names, got %v", names)
	}
}

func TestRegistry_Definitions(t *testing.T) {
	reg := NewRegistry(testLogger())
	reg.Register(&stubTool{name: "tool1"})
	reg.Register(&stubTool{name: "tool2"})

	if defs := reg.Definitions(); len(defs) != 2 {
		t.Fatalf("expected 2 definitions, got %d", len(defs))
	}

	defs := reg.Definitions("tool2", "missing", "tool1")
	if len(defs) != 2 || defs[0].Name != "tool2" || defs[1].Name != "tool1" {
		t.Fatalf("expected requested order without unknown names, got %+v", defs)
	}
	if defs[0].Capability != domain.CapDataQuery {
		t.Fatalf("expected capability carried, got %q", defs[0].Capability)
	}
}

// --- ToolParameters ---

func TestToolParameters_WithRequired(t *testing.T) {
	params := ToolParameters(
		map[string]Param{
			"name": {Type: "string", Description: "The name"},
			"age":  {Type: "number", Description: "The age in years"},
		},
		[]string{"name"},
	)

	if params["type"] != "object" {
		t.Fatal("expected type=object")
	}
	props := params["properties"].(map[string]any)
	if len(props) != 2 {
		t.Fatalf("expected 2 properties, got %d", len(props))
	}

	nameParam := props["name"].(map[string]any)
	if nameParam["description"] != "The name" {
		t.Fatalf("expected 'The name', got %q", nameParam["description"])
	}

	required := params["required"].([]string)
	if len(required) != 1 || required[0] != "name" {
		t.Fatalf("unexpected required: %v", required)
	}
}

func TestToolParameters_Enum(t *testing.T) {
	params := ToolParameters(map[string]Param{
		"focus": {Type: "string", Description: "f", Enum: []string{"a", "b"}},
	}, nil)
	focus := params["properties"].(map[string]any)["focus"].(map[string]any)
	if enum, ok := focus["enum"].([]string); !ok || len(enum) != 2 {
		t.Fatalf("expected enum, got %v", focus["enum"])
	}
	if _, ok := params["required"]; ok {
		t.Fatal("should not have 'required' key when nil")
	}
}

// --- argument helpers ---

func TestArgsString(t *testing.T) {
	if got := ArgsString(map[string]any{"key": "value"}, "key"); got != "value" {
		t.Fatalf("expected 'value', got %q", got)
	}
	if got := ArgsString(map[string]any{"other": "value"}, "key"); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
	if got := ArgsString(nil, "key"); got != "" {
		t.Fatalf("expected empty for nil args, got %q", got)
	}
	if got := ArgsString(map[string]any{"num": 42.0}, "num"); got != "42" {
		t.Fatalf("expected JSON encoding of number, got %q", got)
	}
}

func TestArgsInt(t *testing.T) {
	cases := []struct {
		v    any
		want int
		ok   bool
	}{
		{2025.0, 2025, true},
		{"2024", 2024, true},
		{3, 3, true},
		{1.5, 0, false},
		{"1 OR 1=1", 0, false},
		{nil, 0, false},
	}
	for _, c := range cases {
		got, ok := ArgsInt(map[string]any{"n": c.v}, "n")
		if ok != c.ok || got != c.want {
			t.Fatalf("ArgsInt(%v): expected (%d,%v), got (%d,%v)", c.v, c.want, c.ok, got, ok)
		}
	}
}

func TestArgsFloat_RefusesNonFinite(t *testing.T) {
	for _, v := range []any{"NaN", "nan", "Inf", "-Infinity", "+Inf", math.NaN(), math.Inf(1)} {
		if _, ok := ArgsFloat(map[string]any{"x": v}, "x"); ok {
			t.Fatalf("expected %v to be refused", v)
		}
	}
	if f, ok := ArgsFloat(map[string]any{"x": " 17.5 "}, "x"); !ok || f != 17.5 {
		t.Fatalf("expected padded number to parse, got (%v, %v)", f, ok)
	}
}
