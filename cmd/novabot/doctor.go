package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"novabot/internal/config"
	"novabot/internal/database"
	"novabot/internal/memory"
	"novabot/internal/provider"

	"github.com/spf13/cobra"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your novabot installation",
		Long: `Verifies that novabot's configuration, providers and databases
are correctly set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("novabot doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			passed := 0
			failed := 0
			warned := 0

			// 1. Config file exists
			if _, err := os.Stat(cfgPath); err != nil {
				printFail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'novabot init' to create a default configuration.\n")
				return fmt.Errorf("config file missing")
			}
			printPass("Config file", cfgPath)
			passed++

			// 2. Config loads and validates
			cfg, err := config.Load(cfgPath)
			if err != nil {
				printFail("Config validation", err.Error())
				failed++
				fmt.Printf("\n%d passed, %d failed\n", passed, failed)
				return fmt.Errorf("%d check(s) failed", failed)
			}
			printPass("Config validation", "valid")
			passed++

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			// 3. Business database reachable and initialized
			if err := checkBusinessDB(ctx, cfg.Database); err != nil {
				printFail("Business database", err.Error())
				failed++
			} else {
				printPass("Business database", cfg.Database.Driver)
				passed++
			}

			// 4. Memory database writable
			if cfg.Memory.Enabled {
				if err := checkMemoryDB(cfg.Memory.DBPath); err != nil {
					printFail("Memory database", err.Error())
					failed++
				} else {
					printPass("Memory database", cfg.Memory.DBPath)
					passed++
				}
			} else {
				printWarn("Memory database", "disabled (history and usage are not persisted)")
				warned++
			}

			// 5. Providers
			factory := provider.NewFactory(cfg, logger)
			configured := 0
			for name, pc := range cfg.Providers {
				if !pc.Enabled {
					continue
				}
				p, err := factory.Get(name)
				switch {
				case err != nil:
					printFail("Provider: "+name, err.Error())
					failed++
				case !p.Configured():
					printWarn("Provider: "+name, "enabled but no API key configured")
					warned++
				default:
					printPass("Provider: "+name, "configured")
					passed++
					configured++
				}
			}
			if configured == 0 {
				printFail("Providers", "no provider has credentials; chat will be refused")
				failed++
			}

			// 6. API port
			if cfg.API.Enabled {
				if err := checkPort(cfg.API.Host, cfg.API.Port); err != nil {
					printWarn("API port", fmt.Sprintf("port %d may be in use: %v", cfg.API.Port, err))
					warned++
				} else {
					printPass("API port", fmt.Sprintf(":%d available", cfg.API.Port))
					passed++
				}
				if cfg.API.APIKey == "" {
					printWarn("API key", "not set, the API accepts unauthenticated requests")
					warned++
				}
			}

			// 7. Log file writable
			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					printWarn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
					warned++
				} else {
					printPass("Log file", cfg.General.LogFile)
					passed++
				}
			}

			// Summary
			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", passed, warned, failed)
			if failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before running novabot.\n")
				return fmt.Errorf("%d check(s) failed", failed)
			}
			if warned > 0 {
				fmt.Printf("\nnovabot should work but consider fixing the warnings.\n")
			} else {
				fmt.Printf("\nAll checks passed! novabot is ready to run.\n")
			}
			return nil
		},
	}
}

// checkBusinessDB opens the configured database and runs the query every
// business tool depends on.
func checkBusinessDB(ctx context.Context, dc config.DatabaseConfig) error {
	db, err := database.Open(ctx, database.Config{
		Driver:  dc.Driver,
		DSN:     dc.DSN,
		MaxRows: 1,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	defer db.Close()

	if _, err := db.Query(ctx, "SELECT COUNT(*) AS n FROM sales_data"); err != nil {
		return fmt.Errorf("schema missing (run 'novabot init'): %w", err)
	}
	return nil
}

func checkMemoryDB(path string) error {
	store, err := memory.NewStore(memory.StoreConfig{Path: path, Logger: logger})
	if err != nil {
		return err
	}
	return store.Close()
}

func checkPort(host string, port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, fmt.Sprint(port)))
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}

func printPass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func printFail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func printWarn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}
