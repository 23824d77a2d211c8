package agent

import (
	"fmt"
	"strings"
)

type PromptStyle string

const (
	PromptVerbose PromptStyle = "verbose"
	PromptCompact PromptStyle = "compact"
)

// DefaultSchema describes the tables the business tools read.
const DefaultSchema = `- sales_data(company_id, client_name, product_name, quantity, unit, sale_date, sale_month, sale_year, sale_week, invoice_number)
- kpis(name, value, target, unit, category)
- exchange_rates(source, buy_rate, sell_rate, date)`

// PromptBuilder renders the system prompt for a turn. It holds only static
// tenant configuration, so Build is a pure function of its inputs.
type PromptBuilder struct {
	tenantName string
	schema     string
	additions  string
}

// PromptConfig holds configuration for the prompt builder.
type PromptConfig struct {
	TenantName string
	Schema     string
	Additions  string
}

func NewPromptBuilder(cfg PromptConfig) *PromptBuilder {
	if cfg.TenantName == "" {
		cfg.TenantName = "the company"
	}
	if strings.TrimSpace(cfg.Schema) == "" {
		cfg.Schema = DefaultSchema
	}
	return &PromptBuilder{
		tenantName: cfg.TenantName,
		schema:     strings.TrimSpace(cfg.Schema),
		additions:  strings.TrimSpace(cfg.Additions),
	}
}

// PromptContext is the per-turn part of the prompt.
type PromptContext struct {
	UserID      string
	CompanyID   string
	PageContext string
}

// Build renders the system prompt in the given style. Unknown styles render
// verbose.
func (p *PromptBuilder) Build(style PromptStyle, pc PromptContext) string {
	if style == PromptCompact {
		return p.compact(pc)
	}
	return p.verbose(pc)
}

func (p *PromptBuilder) verbose(pc PromptContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, `# Nova

You are Nova, the business assistant of %s. You answer questions about sales, KPIs, treasury and operations using the tools available to you, and you can also help with general analysis, strategy and explanations.

## Capabilities
1. Query business data with read-only SQL (smart_query) and the specialised data tools.
2. Summarise the business, KPIs and top clients.
3. Check exchange rates and convert between USD and MXN.
4. Read uploaded spreadsheets when the user attaches one.

## Business data schema
%s

## Data rules
1. Never invent figures. Every number you give must come from a tool result in this conversation.
2. Only SELECT queries are allowed. Always add a LIMIT and prefer aggregates over raw rows.
3. If a query fails, read the error, fix the query and try again once; otherwise explain what is missing.
4. When a result is empty, say so plainly instead of guessing.

## Formatting
- Respond in the same language the user writes in.
- Lead with the answer, then the supporting figures.
- Use tables for more than three rows and format quantities with thousands separators.
- Do not mention tool names or SQL to the user unless they ask for it.
`, p.tenantName, p.schema)

	b.WriteString("\n## User context\n")
	fmt.Fprintf(&b, "User ID: %s\n", orUnknown(pc.UserID))
	b.WriteString(companyLine(pc.CompanyID) + "\n")

	if pc.PageContext != "" {
		b.WriteString("\n## Current page\n")
		b.WriteString(strings.TrimSpace(pc.PageContext))
		b.WriteString("\n")
	}
	if p.additions != "" {
		b.WriteString("\n## Additional instructions\n")
		b.WriteString(p.additions)
		b.WriteString("\n")
	}
	return b.String()
}

func (p *PromptBuilder) compact(pc PromptContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are Nova, business assistant of %s. Answer from tool results only; read-only SELECT with LIMIT; reply in the user's language.\n", p.tenantName)
	fmt.Fprintf(&b, "Schema:\n%s\n", p.schema)
	if p.additions != "" {
		fmt.Fprintf(&b, "Notes: %s\n", p.additions)
	}
	if pc.PageContext != "" {
		fmt.Fprintf(&b, "Page: %s\n", strings.TrimSpace(pc.PageContext))
	}
	company := pc.CompanyID
	if company == "" {
		company = "all"
	}
	fmt.Fprintf(&b, "User: %s | Company: %s\n", orUnknown(pc.UserID), company)
	return b.String()
}

func companyLine(companyID string) string {
	if companyID == "" {
		return "Access to all companies"
	}
	return "Company ID: " + companyID
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
