package usage

import (
	"sync"
	"time"
)

// Record describes the usage of one completed turn. Records are never mutated
// after creation.
type Record struct {
	TenantID     string        `json:"tenant_id"`
	UserID       string        `json:"user_id"`
	Model        string        `json:"model"`
	InputTokens  int           `json:"input_tokens"`
	OutputTokens int           `json:"output_tokens"`
	TotalTokens  int           `json:"total_tokens"`
	CostUSD      float64       `json:"cost_usd"`
	Duration     time.Duration `json:"duration"`
	ToolsUsed    []string      `json:"tools_used"`
	Timestamp    time.Time     `json:"timestamp"`
}

// NewRecord builds a Record, computing the total and cost and removing
// duplicate tool names while keeping first-use order.
func NewRecord(prices Prices, tenantID, userID, model string, in, out int, d time.Duration, tools []string, at time.Time) Record {
	return Record{
		TenantID:     tenantID,
		UserID:       userID,
		Model:        model,
		InputTokens:  in,
		OutputTokens: out,
		TotalTokens:  in + out,
		CostUSD:      prices.Cost(in, out, model),
		Duration:     d,
		ToolsUsed:    dedupe(tools),
		Timestamp:    at,
	}
}

func dedupe(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

// Stats aggregates every record appended since the last reset.
type Stats struct {
	TotalRequests int            `json:"total_requests"`
	TotalTokens   int            `json:"total_tokens"`
	TotalCostUSD  float64        `json:"total_cost_usd"`
	ToolUsage     map[string]int `json:"tool_usage"`
}

// Ledger is an in-memory, concurrency-safe usage accumulator.
type Ledger struct {
	mu      sync.Mutex
	records []Record
	stats   Stats
}

func NewLedger() *Ledger {
	return &Ledger{stats: Stats{ToolUsage: make(map[string]int)}}
}

// Record appends r and updates the aggregates.
func (l *Ledger) Record(r Record) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.records = append(l.records, r)
	l.stats.TotalRequests++
	l.stats.TotalTokens += r.TotalTokens
	l.stats.TotalCostUSD += r.CostUSD
	for _, name := range r.ToolsUsed {
		l.stats.ToolUsage[name]++
	}
}

// Stats returns a snapshot that later records do not affect.
func (l *Ledger) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := l.stats
	out.ToolUsage = make(map[string]int, len(l.stats.ToolUsage))
	for k, v := range l.stats.ToolUsage {
		out.ToolUsage[k] = v
	}
	return out
}

// Records returns a copy of the appended records, oldest first.
func (l *Ledger) Records() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Record, len(l.records))
	copy(out, l.records)
	return out
}

// Reset clears records and aggregates.
func (l *Ledger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = nil
	l.stats = Stats{ToolUsage: make(map[string]int)}
}
