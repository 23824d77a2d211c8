package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"novabot/internal/agent"
	"novabot/internal/channel"
	"novabot/internal/config"
	"novabot/internal/database"
	"novabot/internal/domain"
	"novabot/internal/memory"
	"novabot/internal/security"

	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "novabot",
		Short: "novabot: business assistant with database tools",
		Long:  "novabot answers business questions with an LLM that can query sales, KPIs and exchange rates.",
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.novabot/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(chatCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(mcpCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(usageCmd())
	root.AddCommand(sqlCmd())
	root.AddCommand(configCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

// loadConfig loads the config file, falling back to defaults when it does
// not exist yet, and reconfigures the logger from it.
func loadConfig() (*config.Config, error) {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		if _, statErr := os.Stat(config.ExpandPath(cfgPath)); statErr == nil {
			return nil, err
		}
		logger.Warn("config not found, using defaults", "path", cfgPath)
		cfg = config.Defaults()
		cfg.Database.DSN = config.ExpandPath(cfg.Database.DSN)
		cfg.Memory.DBPath = config.ExpandPath(cfg.Memory.DBPath)
	}
	if err := setupLogger(cfg.General); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setupLogger(g config.GeneralConfig) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(g.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	var out io.Writer = os.Stderr
	if g.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(g.LogFile), 0o755); err != nil {
			return fmt.Errorf("log directory: %w", err)
		}
		f, err := os.OpenFile(g.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		out = io.MultiWriter(os.Stderr, f)
	}
	logger = slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
	return nil
}

func initCmd() *cobra.Command {
	var seed bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize config and the business database",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg := config.Defaults()
			if _, err := os.Stat(cfgPath); err == nil {
				logger.Info("config already exists, keeping it", "config", cfgPath)
				loaded, err := config.Load(cfgPath)
				if err != nil {
					return err
				}
				cfg = loaded
			} else if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}

			dsn := cfg.Database.DSN
			if cfg.Database.Driver == "sqlite" {
				dsn = config.ExpandPath(dsn)
			}
			ctx := cmd.Context()
			db, err := database.Open(ctx, database.Config{
				Driver: cfg.Database.Driver,
				DSN:    dsn,
				Logger: logger,
			})
			if err != nil {
				return fmt.Errorf("business database: %w", err)
			}
			defer db.Close()
			if err := db.EnsureSchema(ctx); err != nil {
				return err
			}
			if seed {
				if err := db.SeedSample(ctx, time.Now().Year()); err != nil {
					return err
				}
			}
			logger.Info("initialized", "config", cfgPath, "database", cfg.Database.Driver, "seeded", seed)
			return nil
		},
	}
	cmd.Flags().BoolVar(&seed, "seed", true, "load sample sales, KPI and exchange rate rows")
	return cmd
}

func chatCmd() *cobra.Command {
	var resume, user string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start interactive chat (CLI)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			eng, err := buildEngine(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer eng.Close()

			cli := channel.NewCLI(channel.CLIConfig{
				Engine:       eng.loop,
				Store:        eng.memory,
				Ledger:       eng.ledger,
				UserID:       user,
				TenantID:     cfg.MCP.TenantID,
				CompanyID:    cfg.MCP.CompanyID,
				Model:        eng.model,
				HistoryLimit: cfg.Agent.HistoryLimit,
				Spinner:      true,
				Logger:       logger,
			})
			if resume != "" {
				if err := cli.Resume(ctx, resume); err != nil {
					return err
				}
			}
			return runChannel(ctx, cli)
		},
	}
	cmd.Flags().StringVar(&resume, "resume", "", "continue a stored conversation by id")
	cmd.Flags().StringVar(&user, "user", "cli", "user id the conversation belongs to")
	return cmd
}

// runChannel blocks on a foreground channel and logs how it ended.
func runChannel(ctx context.Context, ch domain.Channel) error {
	logger.Debug("channel started", "channel", ch.Name())
	err := ch.Start(ctx)
	if err != nil {
		logger.Error("channel stopped", "channel", ch.Name(), "error", err)
		return err
	}
	logger.Debug("channel stopped", "channel", ch.Name())
	return nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Long:  "Serves the chat, upload, usage and metrics endpoints. Press Ctrl+C to stop.",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.API.Enabled {
		return fmt.Errorf("api is disabled (set api.enabled to true)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, err := buildEngine(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer eng.Close()

	if eng.provider == nil || !eng.provider.Configured() {
		logger.Warn("no provider credentials configured, chat requests will be refused")
	} else {
		logger.Info("provider ready", "provider", eng.provider.Name(), "model", eng.model)
	}

	eng.uploads.Start(ctx)
	if eng.memory != nil && cfg.Memory.RetentionDays > 0 {
		go pruneLoop(ctx, eng.memory, time.Duration(cfg.Memory.RetentionDays)*24*time.Hour)
	}

	api := channel.NewAPI(channel.APIConfig{
		Host:        cfg.API.Host,
		Port:        cfg.API.Port,
		APIKey:      cfg.API.APIKey,
		Engine:      eng.loop,
		Ledger:      eng.ledger,
		Uploads:     eng.uploads,
		Limiter:     agent.NewRateLimiter(cfg.Agent.RateLimitPerMinute),
		Metrics:     eng.metrics,
		MetricsPath: cfg.Metrics.Endpoint,
		TenantID:    cfg.MCP.TenantID,
		Model:       eng.model,
		TurnTimeout: time.Duration(cfg.Agent.TurnTimeoutSeconds) * time.Second,
		Logger:      logger,
	})

	errc := make(chan error, 1)
	go func() { errc <- api.Start(ctx) }()

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	logger.Info("shutting down...")

	// Graceful shutdown with timeout
	const shutdownTimeout = 10 * time.Second
	select {
	case err := <-errc:
		if err != nil {
			return err
		}
		logger.Info("shutdown complete")
		return nil
	case <-time.After(shutdownTimeout):
		logger.Warn("shutdown timed out, forcing exit")
		api.Stop()
		return fmt.Errorf("shutdown timed out")
	}
}

// pruneLoop deletes stored conversations and usage older than retention,
// once at startup and then every hour.
func pruneLoop(ctx context.Context, store *memory.Store, retention time.Duration) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		n, err := store.Prune(ctx, time.Now().Add(-retention))
		if err != nil {
			logger.Warn("memory prune failed", "error", err)
		} else if n > 0 {
			logger.Info("pruned old conversations", "rows", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the business tools over MCP (stdio)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			eng, err := buildEngine(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer eng.Close()

			srv, err := channel.NewMCPServer(channel.MCPConfig{
				Name:      "novabot",
				Version:   version,
				Registry:  eng.registry,
				Filter:    eng.filter,
				UserID:    cfg.MCP.UserID,
				TenantID:  cfg.MCP.TenantID,
				CompanyID: cfg.MCP.CompanyID,
				Logger:    logger,
			})
			if err != nil {
				return err
			}
			return runChannel(ctx, srv)
		},
	}
}

func usageCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show stored token usage and cost per model",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cfg.Memory.Enabled {
				return fmt.Errorf("memory is disabled, no usage is stored")
			}
			store, err := memory.NewStore(memory.StoreConfig{Path: cfg.Memory.DBPath, Logger: logger})
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := cmd.Context()
			since := time.Now().AddDate(0, 0, -days)
			stats, err := store.UsageStats(ctx, since)
			if err != nil {
				return err
			}
			models, err := store.UsageByModel(ctx, since)
			if err != nil {
				return err
			}

			fmt.Printf("Usage over the last %d days\n", days)
			fmt.Printf("  requests: %d  tokens: %d  cost: $%.4f\n\n", stats.TotalRequests, stats.TotalTokens, stats.TotalCostUSD)
			for _, m := range models {
				fmt.Printf("  %-32s %6d req %10d in %10d out  $%.4f\n", m.Model, m.Requests, m.InputTokens, m.OutputTokens, m.CostUSD)
			}
			if len(stats.ToolUsage) > 0 {
				data, _ := json.MarshalIndent(stats.ToolUsage, "  ", "  ")
				fmt.Printf("\n  tools: %s\n", data)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 30, "how many days back to report")
	return cmd
}

func sqlCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sql",
		Short: "Inspect the read-only query validator",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check [query]",
		Short: "Report whether a query would be accepted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := security.ValidateQuery(args[0])
			if err != nil {
				fmt.Printf("rejected: %v\n", err)
				return err
			}
			fmt.Printf("accepted: %s\n", q)
			return nil
		},
	})
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. agent.maxIterations)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(cfg, args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. general.defaultProvider openai)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "value", args[1], "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			data, _ := json.MarshalIndent(config.ListPaths(config.Sanitize(cfg)), "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}
