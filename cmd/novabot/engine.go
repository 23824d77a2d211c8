package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"novabot/internal/agent"
	"novabot/internal/config"
	"novabot/internal/database"
	"novabot/internal/domain"
	"novabot/internal/memory"
	"novabot/internal/metrics"
	"novabot/internal/provider"
	"novabot/internal/security"
	"novabot/internal/tool"
	"novabot/internal/upload"
	"novabot/internal/usage"
)

// engine holds every long-lived component a command needs.
type engine struct {
	cfg      *config.Config
	provider domain.Provider
	db       *database.DB
	registry *tool.Registry
	uploads  *upload.Store
	filter   *agent.ToolFilter
	ledger   *usage.Ledger
	metrics  *metrics.Collector // nil when metrics are disabled
	memory   *memory.Store      // nil when memory is disabled
	loop     *agent.Loop
	model    string
}

// buildEngine opens the databases and assembles the conversation loop.
// The caller owns the result and must Close it.
func buildEngine(ctx context.Context, cfg *config.Config, log *slog.Logger) (_ *engine, err error) {
	e := &engine{cfg: cfg, ledger: usage.NewLedger()}
	defer func() {
		if err != nil {
			e.Close()
		}
	}()

	factory := provider.NewFactory(cfg, log)
	e.provider, err = factory.DefaultProvider()
	if err != nil {
		// The loop answers with a fixed message when no provider is usable.
		log.Warn("no default provider", "error", err)
		e.provider, err = nil, nil
	}

	e.db, err = database.Open(ctx, database.Config{
		Driver:       cfg.Database.Driver,
		DSN:          cfg.Database.DSN,
		MaxRows:      cfg.Database.MaxRows,
		QueryTimeout: time.Duration(cfg.Database.QueryTimeoutSeconds) * time.Second,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		Logger:       log,
	})
	if err != nil {
		return nil, fmt.Errorf("business database: %w", err)
	}

	if cfg.Memory.Enabled {
		e.memory, err = memory.NewStore(memory.StoreConfig{Path: cfg.Memory.DBPath, Logger: log})
		if err != nil {
			return nil, fmt.Errorf("memory store: %w", err)
		}
	}

	if cfg.Metrics.Enabled {
		e.metrics = metrics.NewCollector()
	}

	e.uploads = upload.NewStore(upload.Config{
		MaxSize:       cfg.Uploads.MaxSizeMB << 20,
		MaxEntries:    cfg.Uploads.MaxFiles,
		TTL:           time.Duration(cfg.Uploads.TTLMinutes) * time.Minute,
		SweepInterval: time.Duration(cfg.Uploads.SweepIntervalSeconds) * time.Second,
		AllowedTypes:  cfg.Uploads.AllowedTypes,
		Logger:        log,
	})

	e.registry = registerTools(security.NewGuard(e.db, log), e.uploads, log)
	e.registry.SetTimeout(time.Duration(cfg.Agent.ToolTimeoutSeconds) * time.Second)

	routes, err := loadRouting(cfg.Agent.RoutingFile)
	if err != nil {
		return nil, err
	}
	if err := routes.Validate(e.registry.Has); err != nil {
		return nil, fmt.Errorf("routing table: %w", err)
	}

	e.filter = agent.NewToolFilter(cfg.Agent.AllowedTools, cfg.Agent.DeniedTools)
	if unknown := e.filter.Unknown(e.registry.Has); len(unknown) > 0 {
		log.Warn("tool filter names unknown tools", "tools", unknown)
	}
	log.Debug("tool catalog ready", "tools", e.registry.Len(), "filter", e.filter.String())

	e.model = cfg.Agent.Model
	if e.model == "" && e.provider != nil {
		e.model = provider.DefaultModel(e.provider)
	}

	prices := cfg.Prices()
	lc := agent.LoopConfig{
		Provider: e.provider,
		Tools:    e.registry,
		Selector: agent.NewSelector(routes, e.registry),
		Prompt: agent.NewPromptBuilder(agent.PromptConfig{
			TenantName: cfg.General.TenantName,
			Additions:  cfg.Agent.PromptAdditions,
		}),
		PromptStyle:      agent.PromptStyle(cfg.Agent.PromptStyle),
		Enabled:          e.filter,
		Ledger:           e.ledger,
		Prices:           &prices,
		Logger:           log,
		Model:            e.model,
		MaxTokens:        cfg.Agent.MaxTokens,
		MaxIterations:    cfg.Agent.MaxIterations,
		HistoryLimit:     cfg.Agent.HistoryLimit,
		MaxParallelTools: cfg.Agent.MaxParallelTools,
	}
	if e.memory != nil {
		lc.OnUsage = e.memory.SaveUsage
	}
	if e.metrics != nil {
		lc.Metrics = e.metrics
	}
	e.loop = agent.NewLoop(lc)

	return e, nil
}

// registerTools builds the business tool catalog.
func registerTools(runner tool.Runner, uploads tool.UploadSource, log *slog.Logger) *tool.Registry {
	reg := tool.NewRegistry(log)
	reg.MustRegister(
		tool.NewSmartQueryTool(runner),
		tool.NewKPIsTool(runner),
		tool.NewSalesDataTool(runner, time.Now),
		tool.NewBusinessSummaryTool(runner, time.Now),
		tool.NewExchangeRateTool(runner),
		tool.NewConvertCurrencyTool(runner),
		tool.NewSalesExcelTool(uploads),
	)
	return reg
}

func loadRouting(path string) (*agent.RoutingTable, error) {
	if path == "" {
		return agent.DefaultRouting()
	}
	rt, err := agent.LoadRouting(path)
	if err != nil {
		return nil, fmt.Errorf("routing table %s: %w", path, err)
	}
	return rt, nil
}

func (e *engine) Close() {
	if e.uploads != nil {
		e.uploads.Close()
	}
	if e.memory != nil {
		e.memory.Close()
	}
	if e.db != nil {
		e.db.Close()
	}
}
