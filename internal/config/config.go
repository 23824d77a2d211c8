package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"

	"novabot/internal/usage"
)

// Config is the root configuration for novabot.
type Config struct {
	General   GeneralConfig             `json:"general"`
	Agent     AgentConfig               `json:"agent"`
	Providers map[string]ProviderConfig `json:"providers"`
	Database  DatabaseConfig            `json:"database"`
	Memory    MemoryConfig              `json:"memory"`
	Uploads   UploadsConfig             `json:"uploads"`
	Pricing   map[string]usage.Price    `json:"pricing,omitempty"` // "default" overrides the fallback price
	API       APIConfig                 `json:"api"`
	Metrics   MetricsConfig             `json:"metrics"`
	MCP       MCPConfig                 `json:"mcp"`
}

type GeneralConfig struct {
	TenantName      string   `json:"tenantName"`
	LogLevel        string   `json:"logLevel"`
	LogFile         string   `json:"logFile,omitempty"`
	DefaultProvider string   `json:"defaultProvider"`
	FailoverChain   []string `json:"failoverChain,omitempty"` // providers tried after the default
}

type AgentConfig struct {
	Model              string   `json:"model,omitempty"` // empty uses the provider's default model
	MaxTokens          int      `json:"maxTokens"`
	MaxIterations      int      `json:"maxIterations"` // tool rounds per turn
	HistoryLimit       int      `json:"historyLimit"`
	MaxParallelTools   int      `json:"maxParallelTools"`
	ToolTimeoutSeconds int      `json:"toolTimeoutSeconds"`
	TurnTimeoutSeconds int      `json:"turnTimeoutSeconds"`
	PromptStyle        string   `json:"promptStyle"` // "verbose" | "compact"
	PromptAdditions    string   `json:"promptAdditions,omitempty"`
	RoutingFile        string   `json:"routingFile,omitempty"`
	AllowedTools       []string `json:"allowedTools,omitempty"`
	DeniedTools        []string `json:"deniedTools,omitempty"`
	RateLimitPerMinute int      `json:"rateLimitPerMinute"`
}

type ProviderConfig struct {
	Enabled        bool   `json:"enabled"`
	Type           string `json:"type,omitempty"` // "claude" | "openai"; defaults to the entry name
	APIBase        string `json:"apiBase,omitempty"`
	APIKey         string `json:"apiKey,omitempty"`
	DefaultModel   string `json:"defaultModel,omitempty"`
	MaxRetries     int    `json:"maxRetries,omitempty"`
	TimeoutSeconds int    `json:"timeoutSeconds,omitempty"`
}

type DatabaseConfig struct {
	Driver              string `json:"driver"` // "sqlite" | "postgres" | "mysql"
	DSN                 string `json:"dsn"`
	MaxRows             int    `json:"maxRows"`
	QueryTimeoutSeconds int    `json:"queryTimeoutSeconds"`
	MaxOpenConns        int    `json:"maxOpenConns"`
}

type MemoryConfig struct {
	Enabled                   bool   `json:"enabled"`
	DBPath                    string `json:"dbPath"`
	MaxHistoryPerConversation int    `json:"maxHistoryPerConversation"`
	RetentionDays             int    `json:"retentionDays"`
}

type UploadsConfig struct {
	MaxSizeMB            int      `json:"maxSizeMB"`
	MaxFiles             int      `json:"maxFiles"`
	TTLMinutes           int      `json:"ttlMinutes"`
	SweepIntervalSeconds int      `json:"sweepIntervalSeconds"`
	AllowedTypes         []string `json:"allowedTypes,omitempty"`
}

// APIConfig configures the HTTP API.
type APIConfig struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
	APIKey  string `json:"apiKey,omitempty"`
}

// MetricsConfig configures the Prometheus endpoint served next to the API.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint"`
}

// MCPConfig configures the stdio MCP server. Every call runs as this identity.
type MCPConfig struct {
	UserID    string `json:"userId"`
	TenantID  string `json:"tenantId,omitempty"`
	CompanyID string `json:"companyId,omitempty"`
}

// DefaultConfigDir returns the default config directory (~/.novabot).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".novabot"
	}
	return filepath.Join(home, ".novabot")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// LoadDotEnv loads a .env file into the process environment without
// overriding variables that are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	if err := LoadDotEnv(filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return nil, err
	}
	if err := LoadDotEnv(".env"); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	for name, pc := range cfg.Providers {
		pc.APIKey = resolveSecret(pc.APIKey)
		cfg.Providers[name] = pc
	}
	cfg.API.APIKey = resolveSecret(cfg.API.APIKey)

	cfg.Memory.DBPath = ExpandPath(cfg.Memory.DBPath)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Agent.RoutingFile = ExpandPath(cfg.Agent.RoutingFile)
	if cfg.Database.Driver == "sqlite" {
		cfg.Database.DSN = ExpandPath(cfg.Database.DSN)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // Keep original if no env var and no default
		}
		return val
	})
}

// resolveSecret expands env references left over from defaults. A reference
// to an unset variable resolves to "" so it never reaches a provider.
func resolveSecret(s string) string {
	v := ExpandEnvVars(s)
	if envVarPattern.MatchString(v) {
		return ""
	}
	return v
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values and reports every
// problem at once.
func Validate(cfg *Config) error {
	var errs []string

	switch strings.ToLower(cfg.General.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	if cfg.Agent.MaxIterations < 1 || cfg.Agent.MaxIterations > 20 {
		errs = append(errs, "agent.maxIterations must be between 1 and 20")
	}
	if cfg.Agent.MaxTokens < 1 {
		errs = append(errs, "agent.maxTokens must be >= 1")
	}
	if cfg.Agent.HistoryLimit < 0 {
		errs = append(errs, "agent.historyLimit must be >= 0")
	}
	if cfg.Agent.MaxParallelTools < 1 || cfg.Agent.MaxParallelTools > 32 {
		errs = append(errs, "agent.maxParallelTools must be between 1 and 32")
	}
	if cfg.Agent.ToolTimeoutSeconds < 1 {
		errs = append(errs, "agent.toolTimeoutSeconds must be >= 1")
	}
	if cfg.Agent.TurnTimeoutSeconds < 1 {
		errs = append(errs, "agent.turnTimeoutSeconds must be >= 1")
	}
	if cfg.Agent.RateLimitPerMinute < 1 {
		errs = append(errs, "agent.rateLimitPerMinute must be >= 1")
	}
	switch cfg.Agent.PromptStyle {
	case "verbose", "compact":
	default:
		errs = append(errs, "agent.promptStyle must be one of: verbose, compact")
	}

	if _, ok := cfg.Providers[cfg.General.DefaultProvider]; !ok {
		errs = append(errs, fmt.Sprintf("general.defaultProvider references unknown provider: %s", cfg.General.DefaultProvider))
	}
	for _, provName := range cfg.General.FailoverChain {
		if _, ok := cfg.Providers[provName]; !ok {
			errs = append(errs, fmt.Sprintf("general.failoverChain references unknown provider: %s", provName))
		}
	}
	for name, pc := range cfg.Providers {
		switch pc.Kind(name) {
		case "claude", "openai":
		default:
			errs = append(errs, fmt.Sprintf("providers.%s: type must be claude or openai", name))
		}
		if pc.MaxRetries < 0 || pc.MaxRetries > 5 {
			errs = append(errs, fmt.Sprintf("providers.%s: maxRetries must be between 0 and 5", name))
		}
	}

	switch cfg.Database.Driver {
	case "sqlite", "postgres", "mysql":
	default:
		errs = append(errs, "database.driver must be one of: sqlite, postgres, mysql")
	}
	if cfg.Database.DSN == "" {
		errs = append(errs, "database.dsn is required")
	}
	if cfg.Database.MaxRows < 1 {
		errs = append(errs, "database.maxRows must be >= 1")
	}
	if cfg.Database.QueryTimeoutSeconds < 1 {
		errs = append(errs, "database.queryTimeoutSeconds must be >= 1")
	}

	if cfg.Memory.Enabled && cfg.Memory.DBPath == "" {
		errs = append(errs, "memory.dbPath is required when memory is enabled")
	}
	if cfg.Memory.MaxHistoryPerConversation < 1 {
		errs = append(errs, "memory.maxHistoryPerConversation must be >= 1")
	}
	if cfg.Memory.RetentionDays < 1 {
		errs = append(errs, "memory.retentionDays must be >= 1")
	}

	if cfg.Uploads.MaxSizeMB < 1 || cfg.Uploads.MaxSizeMB > 100 {
		errs = append(errs, "uploads.maxSizeMB must be between 1 and 100")
	}
	if cfg.Uploads.MaxFiles < 1 {
		errs = append(errs, "uploads.maxFiles must be >= 1")
	}
	if cfg.Uploads.TTLMinutes < 1 {
		errs = append(errs, "uploads.ttlMinutes must be >= 1")
	}

	for model, p := range cfg.Pricing {
		if p.InputPerMillion < 0 || p.OutputPerMillion < 0 {
			errs = append(errs, fmt.Sprintf("pricing.%s: prices must be >= 0", model))
		}
	}

	if cfg.API.Port < 0 || cfg.API.Port > 65535 {
		errs = append(errs, "api.port must be between 0 and 65535")
	}
	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.Endpoint, "/") {
		errs = append(errs, "metrics.endpoint must start with /")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// Kind returns the adapter type of the provider entry named name.
func (pc ProviderConfig) Kind(name string) string {
	if pc.Type != "" {
		return pc.Type
	}
	return name
}

// Prices returns the built-in price table with the configured overrides applied.
func (c *Config) Prices() usage.Prices {
	overrides := usage.Prices{Models: make(map[string]usage.Price)}
	for model, p := range c.Pricing {
		if model == "default" {
			overrides.Default = p
			continue
		}
		overrides.Models[model] = p
	}
	return usage.DefaultPrices().Merge(overrides)
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
