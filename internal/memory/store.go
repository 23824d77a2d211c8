// Package memory persists conversations and usage records in SQLite.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"novabot/internal/domain"
	"novabot/internal/usage"
)

// Store implements conversation history and usage persistence on SQLite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

type StoreConfig struct {
	Path   string // ":memory:" keeps everything in process
	Logger *slog.Logger
	Now    func() time.Time
}

// NewStore opens (creating if needed) the database at cfg.Path and applies
// pending migrations.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	dsn := cfg.Path
	if dsn != ":memory:" {
		dir := filepath.Dir(dsn)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
		}
		dsn += "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection for SQLite.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := Migrate(context.Background(), db, cfg.Logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return &Store{db: db, logger: cfg.Logger, now: cfg.Now}, nil
}

// CreateConversation starts a conversation for userID and returns it.
func (s *Store) CreateConversation(ctx context.Context, userID, title, model string) (*domain.Conversation, error) {
	now := s.now().UTC()
	conv := &domain.Conversation{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     title,
		Model:     model,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, user_id, title, model, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.UserID, conv.Title, conv.Model, now.Unix(), now.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return conv, nil
}

// GetConversation returns nil without error when id does not exist.
func (s *Store) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	var conv domain.Conversation
	var title, model sql.NullString
	var created, updated int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, model, created_at, updated_at FROM conversations WHERE id = ?`, id,
	).Scan(&conv.ID, &conv.UserID, &title, &model, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	conv.Title = title.String
	conv.Model = model.String
	conv.CreatedAt = time.Unix(created, 0).UTC()
	conv.UpdatedAt = time.Unix(updated, 0).UTC()
	return &conv, nil
}

// ListConversations returns the user's conversations, most recent first.
func (s *Store) ListConversations(ctx context.Context, userID string, limit int) ([]domain.Conversation, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, title, model, created_at, updated_at
		 FROM conversations WHERE user_id = ? ORDER BY updated_at DESC, created_at DESC LIMIT ?`, userID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var convs []domain.Conversation
	for rows.Next() {
		var c domain.Conversation
		var title, model sql.NullString
		var created, updated int64
		if err := rows.Scan(&c.ID, &c.UserID, &title, &model, &created, &updated); err != nil {
			return nil, err
		}
		c.Title = title.String
		c.Model = model.String
		c.CreatedAt = time.Unix(created, 0).UTC()
		c.UpdatedAt = time.Unix(updated, 0).UTC()
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// AddMessage appends msg to the conversation and bumps its update time.
func (s *Store) AddMessage(ctx context.Context, convID string, msg domain.MessageRecord) error {
	now := s.now().UTC()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	tools, err := json.Marshal(nonNil(msg.ToolsUsed))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, role, content, tools_used, tokens_in, tokens_out, latency_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		convID, msg.Role, msg.Content, string(tools), msg.TokensIn, msg.TokensOut, msg.LatencyMs, msg.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("add message: %w", err)
	}

	_, _ = s.db.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`, now.Unix(), convID,
	)
	return nil
}

// GetMessages returns the last limit messages of a conversation, oldest first.
func (s *Store) GetMessages(ctx context.Context, convID string, limit int) ([]domain.MessageRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, tools_used, tokens_in, tokens_out, latency_ms, created_at
		 FROM messages WHERE conversation_id = ?
		 ORDER BY id DESC LIMIT ?`, convID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []domain.MessageRecord
	for rows.Next() {
		var m domain.MessageRecord
		var content, tools sql.NullString
		var created int64
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &content, &tools,
			&m.TokensIn, &m.TokensOut, &m.LatencyMs, &created); err != nil {
			return nil, err
		}
		m.Content = content.String
		m.CreatedAt = time.Unix(created, 0).UTC()
		if tools.String != "" {
			_ = json.Unmarshal([]byte(tools.String), &m.ToolsUsed)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to chronological order
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// History returns the conversation as plain user/assistant messages ready to
// be passed back to the conversation loop.
func (s *Store) History(ctx context.Context, convID string, limit int) ([]domain.Message, error) {
	records, err := s.GetMessages(ctx, convID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Message, 0, len(records))
	for _, r := range records {
		out = append(out, domain.Message{Role: r.Role, Content: r.Content})
	}
	return out, nil
}

// SaveUsage persists one usage record. Its signature matches the loop's usage
// callback.
func (s *Store) SaveUsage(ctx context.Context, r usage.Record) error {
	tools, err := json.Marshal(nonNil(r.ToolsUsed))
	if err != nil {
		return err
	}
	at := r.Timestamp
	if at.IsZero() {
		at = s.now()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO usage_records (tenant_id, user_id, model, input_tokens, output_tokens, cost_usd, duration_ms, tools_used, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.TenantID, r.UserID, r.Model, r.InputTokens, r.OutputTokens, r.CostUSD,
		r.Duration.Milliseconds(), string(tools), at.Unix(),
	)
	if err != nil {
		return fmt.Errorf("save usage: %w", err)
	}
	return nil
}

// ModelUsage is the usage of one model over a period.
type ModelUsage struct {
	Model        string  `json:"model"`
	Requests     int     `json:"requests"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// UsageByModel aggregates usage recorded at or after since, most expensive first.
func (s *Store) UsageByModel(ctx context.Context, since time.Time) ([]ModelUsage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT model, COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost_usd), 0)
		 FROM usage_records WHERE created_at >= ?
		 GROUP BY model ORDER BY SUM(cost_usd) DESC, model`, since.Unix(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ModelUsage
	for rows.Next() {
		var m ModelUsage
		if err := rows.Scan(&m.Model, &m.Requests, &m.InputTokens, &m.OutputTokens, &m.CostUSD); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// UsageStats aggregates the persisted records since the given time the same
// way the in-memory ledger does.
func (s *Store) UsageStats(ctx context.Context, since time.Time) (usage.Stats, error) {
	stats := usage.Stats{ToolUsage: make(map[string]int)}
	rows, err := s.db.QueryContext(ctx,
		`SELECT input_tokens, output_tokens, cost_usd, tools_used FROM usage_records WHERE created_at >= ?`, since.Unix(),
	)
	if err != nil {
		return stats, err
	}
	defer rows.Close()

	for rows.Next() {
		var in, out int
		var cost float64
		var tools sql.NullString
		if err := rows.Scan(&in, &out, &cost, &tools); err != nil {
			return stats, err
		}
		stats.TotalRequests++
		stats.TotalTokens += in + out
		stats.TotalCostUSD += cost
		var names []string
		if tools.String != "" && json.Unmarshal([]byte(tools.String), &names) == nil {
			for _, n := range names {
				stats.ToolUsage[n]++
			}
		}
	}
	return stats, rows.Err()
}

// Prune deletes usage records and messages older than the cutoff, then
// conversations left without messages. It returns the number of rows removed.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	var total int64
	stmts := []string{
		`DELETE FROM usage_records WHERE created_at < ?`,
		`DELETE FROM messages WHERE created_at < ?`,
		`DELETE FROM conversations WHERE updated_at < ? AND id NOT IN (SELECT DISTINCT conversation_id FROM messages)`,
	}
	for _, stmt := range stmts {
		res, err := s.db.ExecContext(ctx, stmt, before.Unix())
		if err != nil {
			return total, fmt.Errorf("prune: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	if total > 0 {
		s.logger.Info("pruned old records", "rows", total, "before", before.Format(time.DateOnly))
	}
	return total, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
