package tool

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"novabot/internal/domain"
)

var summaryFocus = []string{"ventas", "kpis", "clientes", "general"}

// BusinessSummaryTool assembles recent sales, KPIs and top clients.
type BusinessSummaryTool struct {
	runner Runner
	now    func() time.Time
}

func NewBusinessSummaryTool(r Runner, now func() time.Time) *BusinessSummaryTool {
	if now == nil {
		now = time.Now
	}
	return &BusinessSummaryTool{runner: r, now: now}
}

func (t *BusinessSummaryTool) Name() string                  { return "get_business_summary" }
func (t *BusinessSummaryTool) Capability() domain.Capability { return domain.CapReports }
func (t *BusinessSummaryTool) Description() string {
	return "Get an executive summary of the business: recent sales, KPIs and top clients for the current year."
}
func (t *BusinessSummaryTool) Parameters() map[string]any {
	return ToolParameters(map[string]Param{
		"focus": {Type: "string", Description: "Area to summarize", Enum: summaryFocus},
	}, nil)
}

func (t *BusinessSummaryTool) Execute(ctx context.Context, inv domain.Invocation) (domain.ExecResult, error) {
	focus := ArgsString(inv.Args, "focus")
	if focus == "" {
		focus = "general"
	}
	if !oneOf(focus, summaryFocus) {
		return domain.Failed(fmt.Sprintf("unknown focus %q", focus)), nil
	}
	year := strconv.Itoa(t.now().Year())

	summary := make(map[string]any)
	var failures []string
	run := func(key, q string) {
		res := t.runner.Run(ctx, q)
		if !res.Success {
			failures = append(failures, key+": "+res.Error)
			return
		}
		summary[key] = res.Rows
	}

	if focus == "ventas" || focus == "general" {
		run("recent_sales", "SELECT company_id, sale_year, sale_month, SUM(quantity) AS total, "+
			"COUNT(DISTINCT client_name) AS unique_clients FROM sales_data WHERE sale_year = "+year+
			" GROUP BY company_id, sale_year, sale_month ORDER BY sale_month DESC LIMIT 6")
	}
	if focus == "kpis" || focus == "general" {
		run("kpis", "SELECT name, value, target, unit, category FROM kpis ORDER BY category LIMIT 15")
	}
	if focus == "clientes" || focus == "general" {
		run("top_clients", "SELECT company_id, client_name, SUM(quantity) AS total FROM sales_data "+
			"WHERE sale_year = "+year+" AND client_name IS NOT NULL AND client_name <> '' "+
			"GROUP BY company_id, client_name ORDER BY total DESC LIMIT 10")
	}

	if len(summary) == 0 && len(failures) > 0 {
		return domain.Failed(failures[0]), nil
	}
	if len(failures) > 0 {
		summary["errors"] = failures
	}
	return domain.OK(summary), nil
}
