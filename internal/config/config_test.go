package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"novabot/internal/usage"
)

// --- Validate ---

func TestValidate_ValidConfig(t *testing.T) {
	cfg := Defaults()
	if err := Validate(cfg); err != nil {
		t.Fatalf("expected valid config, got: %v", err)
	}
}

func TestValidate_MaxIterations_Bounds(t *testing.T) {
	for _, n := range []int{0, 21} {
		cfg := Defaults()
		cfg.Agent.MaxIterations = n
		if err := Validate(cfg); err == nil {
			t.Fatalf("expected error for maxIterations=%d", n)
		}
	}
	for _, n := range []int{1, 20} {
		cfg := Defaults()
		cfg.Agent.MaxIterations = n
		if err := Validate(cfg); err != nil {
			t.Fatalf("maxIterations=%d should be valid: %v", n, err)
		}
	}
}

func TestValidate_InvalidPort(t *testing.T) {
	cfg := Defaults()
	cfg.API.Port = -1
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for negative port")
	}

	cfg.API.Port = 70000
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for port > 65535")
	}
}

func TestValidate_PromptStyle(t *testing.T) {
	cfg := Defaults()
	cfg.Agent.PromptStyle = "chatty"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for unknown prompt style")
	}
	cfg.Agent.PromptStyle = "compact"
	if err := Validate(cfg); err != nil {
		t.Fatalf("compact should be valid: %v", err)
	}
}

func TestValidate_DatabaseDriver(t *testing.T) {
	for _, driver := range []string{"sqlite", "postgres", "mysql"} {
		cfg := Defaults()
		cfg.Database.Driver = driver
		if err := Validate(cfg); err != nil {
			t.Fatalf("driver %q should be valid: %v", driver, err)
		}
	}
	cfg := Defaults()
	cfg.Database.Driver = "oracle"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

func TestValidate_UnknownProviders(t *testing.T) {
	cfg := Defaults()
	cfg.General.DefaultProvider = "nope"
	cfg.General.FailoverChain = []string{"missing"}
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"defaultProvider", "failoverChain"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected %s in %v", want, err)
		}
	}
}

func TestValidate_ProviderType(t *testing.T) {
	cfg := Defaults()
	cfg.Providers["groq"] = ProviderConfig{Enabled: true, APIBase: "https://api.groq.com/openai/v1"}
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for provider without a known type")
	}
	cfg.Providers["groq"] = ProviderConfig{Enabled: true, Type: "openai", APIBase: "https://api.groq.com/openai/v1"}
	if err := Validate(cfg); err != nil {
		t.Fatalf("typed provider should be valid: %v", err)
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := Defaults()
	cfg.Agent.MaxIterations = 0
	cfg.Uploads.MaxSizeMB = 0
	cfg.Memory.RetentionDays = 0
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected error")
	}
	if n := strings.Count(err.Error(), "\n  - "); n != 3 {
		t.Fatalf("expected 3 errors, got %d: %v", n, err)
	}
}

func TestValidate_NegativePrice(t *testing.T) {
	cfg := Defaults()
	cfg.Pricing = map[string]usage.Price{"gpt-4o": {InputPerMillion: -1}}
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for negative price")
	}
}

// --- Load / Save ---

func TestLoadSave_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	cfg := Defaults()
	cfg.General.TenantName = "Acme"
	cfg.Agent.MaxIterations = 7
	if err := Save(path, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.General.TenantName != "Acme" || loaded.Agent.MaxIterations != 7 {
		t.Fatalf("unexpected loaded config: %+v", loaded.General)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/path/config.json"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_InvalidJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	os.WriteFile(path, []byte("{invalid json"), 0o644)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestLoad_ValidatesConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	os.WriteFile(path, []byte(`{"agent": {"maxIterations": 0}}`), 0o644)

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "maxIterations") {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	os.WriteFile(path, []byte(`{"general": {"tenantName": "Acme", "logLevel": "debug", "defaultProvider": "claude"}}`), 0o644)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Agent.MaxIterations != 5 || cfg.Database.MaxRows != 500 {
		t.Fatalf("expected defaults, got %+v / %+v", cfg.Agent, cfg.Database)
	}
}

func TestLoad_WithEnvVarSubstitution(t *testing.T) {
	t.Setenv("TEST_NOVABOT_DSN", "postgres://bot:pw@db/sales")
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	content := `{"database": {"driver": "postgres", "dsn": "${TEST_NOVABOT_DSN}", "maxRows": 100, "queryTimeoutSeconds": 5}}`
	os.WriteFile(path, []byte(content), 0o644)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Database.DSN != "postgres://bot:pw@db/sales" {
		t.Fatalf("expected substituted dsn, got %q", cfg.Database.DSN)
	}
}

func TestLoad_UnsetSecretBecomesEmpty(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	os.WriteFile(path, []byte(`{}`), 0o644)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if key := cfg.Providers["claude"].APIKey; key != "" {
		t.Fatalf("expected empty key, got %q", key)
	}
}

func TestLoad_DotEnvNextToConfig(t *testing.T) {
	os.Unsetenv("NOVABOT_TEST_TENANT")
	t.Cleanup(func() { os.Unsetenv("NOVABOT_TEST_TENANT") })
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, ".env"), []byte("NOVABOT_TEST_TENANT=Globex\n"), 0o600)
	path := filepath.Join(dir, "config.json")
	os.WriteFile(path, []byte(`{"general": {"tenantName": "${NOVABOT_TEST_TENANT}", "logLevel": "info", "defaultProvider": "claude"}}`), 0o644)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.General.TenantName != "Globex" {
		t.Fatalf("expected tenant from .env, got %q", cfg.General.TenantName)
	}
}

func TestPrices_Overrides(t *testing.T) {
	cfg := Defaults()
	cfg.Pricing = map[string]usage.Price{
		"default":   {InputPerMillion: 1, OutputPerMillion: 2},
		"local-llm": {InputPerMillion: 0, OutputPerMillion: 0},
		"gpt-4o":    {InputPerMillion: 5, OutputPerMillion: 20},
	}
	p := cfg.Prices()
	if p.Default.InputPerMillion != 1 {
		t.Fatalf("expected default override, got %+v", p.Default)
	}
	if p.For("gpt-4o").OutputPerMillion != 20 {
		t.Fatalf("expected model override, got %+v", p.For("gpt-4o"))
	}
	if p.For("claude-3-5-haiku-20241022").InputPerMillion != 0.8 {
		t.Fatal("built-in prices should survive")
	}
}

// --- Accessor ---

func TestGetByPath_ValidPaths(t *testing.T) {
	cfg := Defaults()
	val, err := GetByPath(cfg, "agent.maxIterations")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if val != float64(5) {
		t.Fatalf("expected 5, got %v", val)
	}
	if _, err := GetByPath(cfg, "providers.claude.defaultModel"); err != nil {
		t.Fatalf("get nested: %v", err)
	}
}

func TestGetByPath_InvalidPath(t *testing.T) {
	if _, err := GetByPath(Defaults(), "agent.nope"); err == nil {
		t.Fatal("expected error for invalid path")
	}
}

func TestSetByPath_Conversions(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "agent.maxIterations", "8"); err != nil {
		t.Fatalf("set int: %v", err)
	}
	if err := SetByPath(cfg, "metrics.enabled", "false"); err != nil {
		t.Fatalf("set bool: %v", err)
	}
	if err := SetByPath(cfg, "general.tenantName", "Acme"); err != nil {
		t.Fatalf("set string: %v", err)
	}
	if cfg.Agent.MaxIterations != 8 || cfg.Metrics.Enabled || cfg.General.TenantName != "Acme" {
		t.Fatalf("unexpected config after set: %+v %+v %+v", cfg.Agent, cfg.Metrics, cfg.General)
	}
}

func TestSanitize_MasksSecrets(t *testing.T) {
	cfg := Defaults()
	cfg.Providers["claude"] = ProviderConfig{Enabled: true, APIKey: "sk-ant-1234567890abcdef"}
	cfg.API.APIKey = "api-key-0123456789"
	cfg.Database.DSN = "postgres://bot:hunter2@db:5432/sales"

	s := Sanitize(cfg)
	if key := s.Providers["claude"].APIKey; key != "sk-a****cdef" {
		t.Fatalf("expected masked provider key, got %q", key)
	}
	if s.API.APIKey == cfg.API.APIKey {
		t.Fatal("api key should be masked")
	}
	if s.Database.DSN != "postgres://bot:***@db:5432/sales" {
		t.Fatalf("expected masked dsn, got %q", s.Database.DSN)
	}
	if cfg.Providers["claude"].APIKey != "sk-ant-1234567890abcdef" {
		t.Fatal("original config must not change")
	}
}

func TestMaskDSN(t *testing.T) {
	tests := map[string]string{
		"bot:pw@tcp(db:3306)/sales": "bot:***@tcp(db:3306)/sales",
		"postgres://bot@db/sales":   "postgres://bot@db/sales",
		"/var/lib/novabot/sales.db": "/var/lib/novabot/sales.db",
	}
	for in, want := range tests {
		if got := maskDSN(in); got != want {
			t.Errorf("maskDSN(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestListPaths_ReturnsAllLeaves(t *testing.T) {
	paths := ListPaths(Defaults())
	for _, key := range []string{"agent.maxIterations", "database.driver", "uploads.ttlMinutes", "mcp.userId"} {
		if _, ok := paths[key]; !ok {
			t.Errorf("expected path %s", key)
		}
	}
}

// --- ExpandEnvVars ---

func TestExpandEnvVars_SimpleSubstitution(t *testing.T) {
	t.Setenv("TEST_API_KEY", "sk-abc123")
	if got := ExpandEnvVars(`{"apiKey": "${TEST_API_KEY}"}`); got != `{"apiKey": "sk-abc123"}` {
		t.Fatalf("unexpected %s", got)
	}
}

func TestExpandEnvVars_DefaultValue(t *testing.T) {
	os.Unsetenv("NOVABOT_UNSET_PORT")
	if got := ExpandEnvVars("${NOVABOT_UNSET_PORT:-8080}"); got != "8080" {
		t.Fatalf("expected default, got %s", got)
	}
}

func TestExpandEnvVars_UnsetVarNoDefault_KeepsOriginal(t *testing.T) {
	os.Unsetenv("NOVABOT_DEFINITELY_UNSET")
	input := "${NOVABOT_DEFINITELY_UNSET}"
	if got := ExpandEnvVars(input); got != input {
		t.Fatalf("expected original, got %s", got)
	}
}

func TestExpandEnvVars_EmptyVarUsesDefault(t *testing.T) {
	t.Setenv("EMPTY_VAR", "")
	if got := ExpandEnvVars("${EMPTY_VAR:-fallback}"); got != "fallback" {
		t.Fatalf("expected fallback, got %s", got)
	}
}

func TestDefaults_MarshalsToJSON(t *testing.T) {
	data, err := json.Marshal(Defaults())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(data), `"promptStyle":"verbose"`) {
		t.Fatalf("unexpected json: %s", data)
	}
}

func TestSetByPath_RejectsUnknownSetting(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "agent.maxIteration", "8"); err == nil {
		t.Fatal("expected typo to be rejected")
	}
	if cfg.Agent.MaxIterations != 5 {
		t.Fatalf("config must stay untouched on error, got %d", cfg.Agent.MaxIterations)
	}
}

func TestSetByPath_UnsetValues(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "agent.model", "gpt-4o"); err != nil {
		t.Fatalf("set omitted string: %v", err)
	}
	if err := SetByPath(cfg, "agent.deniedTools", `["smart_query"]`); err != nil {
		t.Fatalf("set list: %v", err)
	}
	if err := SetByPath(cfg, "general.tenantName", "2024"); err != nil {
		t.Fatalf("set numeric-looking string: %v", err)
	}
	if cfg.Agent.Model != "gpt-4o" || len(cfg.Agent.DeniedTools) != 1 || cfg.General.TenantName != "2024" {
		t.Fatalf("unexpected config after set: %+v %+v", cfg.Agent, cfg.General)
	}
}
