package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			TenantName:      "the company",
			LogLevel:        "info",
			DefaultProvider: "claude",
		},
		Agent: AgentConfig{
			MaxTokens:          4096,
			MaxIterations:      5,
			HistoryLimit:       10,
			MaxParallelTools:   4,
			ToolTimeoutSeconds: 30,
			TurnTimeoutSeconds: 120,
			PromptStyle:        "verbose",
			RateLimitPerMinute: 10,
		},
		Providers: map[string]ProviderConfig{
			"claude": {
				Enabled:      true,
				APIKey:       "${ANTHROPIC_API_KEY}",
				DefaultModel: "claude-sonnet-4-20250514",
				MaxRetries:   2,
			},
			"openai": {
				Enabled:      false,
				APIBase:      "https://api.openai.com/v1",
				APIKey:       "${OPENAI_API_KEY}",
				DefaultModel: "gpt-4o-mini",
				MaxRetries:   2,
			},
		},
		Database: DatabaseConfig{
			Driver:              "sqlite",
			DSN:                 "~/.novabot/business.db",
			MaxRows:             500,
			QueryTimeoutSeconds: 15,
			MaxOpenConns:        5,
		},
		Memory: MemoryConfig{
			Enabled:                   true,
			DBPath:                    "~/.novabot/memory.db",
			MaxHistoryPerConversation: 100,
			RetentionDays:             90,
		},
		Uploads: UploadsConfig{
			MaxSizeMB:            10,
			MaxFiles:             100,
			TTLMinutes:           15,
			SweepIntervalSeconds: 60,
		},
		API: APIConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8080,
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
		},
		MCP: MCPConfig{
			UserID: "mcp",
		},
	}
}
