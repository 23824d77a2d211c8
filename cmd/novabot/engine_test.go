package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"

	"novabot/internal/agent"
	"novabot/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Database.DSN = ":memory:"
	cfg.Memory.DBPath = ":memory:"
	for name, pc := range cfg.Providers {
		pc.APIKey = ""
		cfg.Providers[name] = pc
	}
	return cfg
}

func TestBuildEngine_RegistersBusinessTools(t *testing.T) {
	eng, err := buildEngine(context.Background(), testConfig(), testLogger())
	if err != nil {
		t.Fatalf("buildEngine: %v", err)
	}
	defer eng.Close()

	want := []string{
		"smart_query", "get_kpis", "get_sales_data", "get_business_summary",
		"get_exchange_rate", "convert_currency", "process_sales_excel",
	}
	for _, name := range want {
		if !eng.registry.Has(name) {
			t.Errorf("expected tool %q to be registered", name)
		}
	}
	if eng.registry.Len() != len(want) {
		t.Fatalf("expected %d tools, got %d", len(want), eng.registry.Len())
	}
	if eng.memory == nil {
		t.Fatal("expected memory store to be opened")
	}
	if eng.metrics == nil {
		t.Fatal("expected metrics collector")
	}
	if eng.model != "claude-sonnet-4-20250514" {
		t.Fatalf("expected provider default model, got %q", eng.model)
	}
}

func TestBuildEngine_NoCredentials(t *testing.T) {
	eng, err := buildEngine(context.Background(), testConfig(), testLogger())
	if err != nil {
		t.Fatalf("buildEngine: %v", err)
	}
	defer eng.Close()

	res := eng.loop.Converse(context.Background(), "How were sales last month?", agent.ConversationContext{UserID: "u1"})
	if !errors.Is(res.Err, agent.ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", res.Err)
	}
	if res.Answer != agent.NotConfiguredAnswer {
		t.Fatalf("unexpected answer: %q", res.Answer)
	}
}

func TestBuildEngine_OptionalParts(t *testing.T) {
	cfg := testConfig()
	cfg.Memory.Enabled = false
	cfg.Metrics.Enabled = false
	cfg.Agent.Model = "gpt-4o-mini"
	cfg.Agent.DeniedTools = []string{"smart_query"}

	eng, err := buildEngine(context.Background(), cfg, testLogger())
	if err != nil {
		t.Fatalf("buildEngine: %v", err)
	}
	defer eng.Close()

	if eng.memory != nil || eng.metrics != nil {
		t.Fatal("expected memory and metrics to stay disabled")
	}
	if eng.model != "gpt-4o-mini" {
		t.Fatalf("expected configured model, got %q", eng.model)
	}
	if eng.filter.IsAllowed("smart_query") {
		t.Fatal("expected smart_query to be denied")
	}
}

func TestBuildEngine_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"unknown driver", func(c *config.Config) { c.Database.Driver = "oracle" }},
		{"missing routing file", func(c *config.Config) { c.Agent.RoutingFile = "/nonexistent/routing.yaml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(cfg)
			if _, err := buildEngine(context.Background(), cfg, testLogger()); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
