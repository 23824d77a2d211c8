package security

import (
	"context"
	"log/slog"

	"novabot/internal/domain"
)

// QueryResult is the outcome of RunSafely. Rows is set only on success.
type QueryResult struct {
	Success bool             `json:"success"`
	Rows    []map[string]any `json:"rows,omitempty"`
	Error   string           `json:"error,omitempty"`
}

// RunSafely validates text and, only if it is accepted, executes it. Any
// rejection or database failure is reported in the result; nothing is thrown.
func RunSafely(ctx context.Context, db domain.QueryExecutor, text string) QueryResult {
	q, err := ValidateQuery(text)
	if err != nil {
		return QueryResult{Error: err.Error()}
	}
	if db == nil {
		return QueryResult{Error: "database not configured"}
	}
	rows, err := db.Query(ctx, q)
	if err != nil {
		return QueryResult{Error: err.Error()}
	}
	if rows == nil {
		rows = []map[string]any{}
	}
	return QueryResult{Success: true, Rows: rows}
}

// Guard wraps RunSafely with logging of refused and failed queries.
type Guard struct {
	db     domain.QueryExecutor
	logger *slog.Logger
}

func NewGuard(db domain.QueryExecutor, logger *slog.Logger) *Guard {
	return &Guard{db: db, logger: logger}
}

// Run validates and executes text against the guarded database.
func (g *Guard) Run(ctx context.Context, text string) QueryResult {
	res := RunSafely(ctx, g.db, text)
	if !res.Success {
		g.logger.Warn("query refused or failed", "error", res.Error, "query_len", len(text))
	} else {
		g.logger.Debug("query executed", "rows", len(res.Rows))
	}
	return res
}
