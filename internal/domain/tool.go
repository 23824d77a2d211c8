package domain

import (
	"context"
	"time"
)

// Capability groups tools by the business area they touch.
type Capability string

const (
	CapDataQuery     Capability = "data-query"
	CapTreasury      Capability = "treasury"
	CapSales         Capability = "sales"
	CapReports       Capability = "reports"
	CapNotifications Capability = "notifications"
	CapInvoices      Capability = "invoices"
)

// Tool is a named business operation the model may invoke.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any
	Capability() Capability
	Execute(ctx context.Context, inv Invocation) (ExecResult, error)
}

// Invocation carries the arguments of a tool call together with the identity
// of the user on whose behalf it runs.
type Invocation struct {
	Args      map[string]any
	UserID    string
	TenantID  string
	CompanyID string
}

type ExecResult struct {
	Success  bool         `json:"success"`
	Data     any          `json:"data,omitempty"`
	Error    string       `json:"error,omitempty"`
	Metadata ExecMetadata `json:"metadata"`
}

type ExecMetadata struct {
	ToolName      string    `json:"tool_name"`
	ExecutionTime int64     `json:"execution_time_ms"`
	Timestamp     time.Time `json:"timestamp"`
}

// Failed builds an unsuccessful result carrying msg.
func Failed(msg string) ExecResult {
	return ExecResult{Success: false, Error: msg}
}

// OK builds a successful result carrying data.
func OK(data any) ExecResult {
	return ExecResult{Success: true, Data: data}
}

// QueryExecutor runs one read-only statement and returns its rows.
type QueryExecutor interface {
	Query(ctx context.Context, query string) ([]map[string]any, error)
}
