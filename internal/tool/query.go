package tool

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"novabot/internal/domain"
	"novabot/internal/security"
)

// Runner executes a read-only statement after validation.
type Runner interface {
	Run(ctx context.Context, query string) security.QueryResult
}

// SmartQueryName is the tool whose query text is echoed back to callers.
const SmartQueryName = "smart_query"

// SmartQueryTool lets the model run its own SELECT statements.
type SmartQueryTool struct {
	runner Runner
}

func NewSmartQueryTool(r Runner) *SmartQueryTool { return &SmartQueryTool{runner: r} }

func (t *SmartQueryTool) Name() string                  { return SmartQueryName }
func (t *SmartQueryTool) Capability() domain.Capability { return domain.CapDataQuery }
func (t *SmartQueryTool) Description() string {
	return "Run a read-only SQL SELECT against the business database and return the rows. " +
		"Only single SELECT statements are accepted; always add a LIMIT."
}
func (t *SmartQueryTool) Parameters() map[string]any {
	return ToolParameters(map[string]Param{
		"query":   {Type: "string", Description: "A single SELECT statement"},
		"purpose": {Type: "string", Description: "What the query is meant to answer"},
	}, []string{"query", "purpose"})
}

func (t *SmartQueryTool) Execute(ctx context.Context, inv domain.Invocation) (domain.ExecResult, error) {
	q := ArgsString(inv.Args, "query")
	if strings.TrimSpace(q) == "" {
		return domain.Failed("query is required"), nil
	}
	res := t.runner.Run(ctx, q)
	if !res.Success {
		return domain.Failed(res.Error), nil
	}
	return domain.OK(res.Rows), nil
}

var kpiCategories = []string{"ventas", "operaciones", "finanzas", "logistica", "clientes", "calidad"}

// KPIsTool lists KPI values with an optional category filter.
type KPIsTool struct {
	runner Runner
}

func NewKPIsTool(r Runner) *KPIsTool { return &KPIsTool{runner: r} }

func (t *KPIsTool) Name() string                  { return "get_kpis" }
func (t *KPIsTool) Capability() domain.Capability { return domain.CapDataQuery }
func (t *KPIsTool) Description() string {
	return "Get key performance indicators with their current value, target and unit."
}
func (t *KPIsTool) Parameters() map[string]any {
	return ToolParameters(map[string]Param{
		"category": {Type: "string", Description: "Business area to filter by", Enum: kpiCategories},
	}, nil)
}

func (t *KPIsTool) Execute(ctx context.Context, inv domain.Invocation) (domain.ExecResult, error) {
	q := "SELECT name, value, target, unit, category FROM kpis"
	if c := ArgsString(inv.Args, "category"); c != "" {
		if !oneOf(c, kpiCategories) {
			return domain.Failed(fmt.Sprintf("unknown category %q", c)), nil
		}
		q += " WHERE category = '" + c + "'"
	}
	q += " ORDER BY category, name LIMIT 50"
	return rowsResult(t.runner.Run(ctx, q)), nil
}

// SalesDataTool returns monthly sales volume per company for one year.
type SalesDataTool struct {
	runner Runner
	now    func() time.Time
}

func NewSalesDataTool(r Runner, now func() time.Time) *SalesDataTool {
	if now == nil {
		now = time.Now
	}
	return &SalesDataTool{runner: r, now: now}
}

func (t *SalesDataTool) Name() string                  { return "get_sales_data" }
func (t *SalesDataTool) Capability() domain.Capability { return domain.CapSales }
func (t *SalesDataTool) Description() string {
	return "Get monthly sales volume and distinct client count per company for a year."
}
func (t *SalesDataTool) Parameters() map[string]any {
	return ToolParameters(map[string]Param{
		"year":       {Type: "integer", Description: "Sale year (default: current year)"},
		"company_id": {Type: "integer", Description: "Restrict to one company"},
	}, nil)
}

func (t *SalesDataTool) Execute(ctx context.Context, inv domain.Invocation) (domain.ExecResult, error) {
	year := t.now().Year()
	if _, present := inv.Args["year"]; present {
		y, ok := ArgsInt(inv.Args, "year")
		if !ok || y < 2000 || y > 2100 {
			return domain.Failed("year must be an integer between 2000 and 2100"), nil
		}
		year = y
	}

	company, err := companyFilter(inv)
	if err != nil {
		return domain.Failed(err.Error()), nil
	}

	q := "SELECT company_id, sale_month, SUM(quantity) AS total_quantity, COUNT(DISTINCT client_name) AS clients " +
		"FROM sales_data WHERE sale_year = " + strconv.Itoa(year)
	if company > 0 {
		q += " AND company_id = " + strconv.Itoa(company)
	}
	q += " GROUP BY company_id, sale_month ORDER BY company_id, sale_month LIMIT 120"
	return rowsResult(t.runner.Run(ctx, q)), nil
}

// companyFilter resolves the company restriction. A caller bound to a
// company cannot widen it through arguments.
func companyFilter(inv domain.Invocation) (int, error) {
	if inv.CompanyID != "" {
		id, err := strconv.Atoi(inv.CompanyID)
		if err != nil {
			return 0, fmt.Errorf("invalid company id %q", inv.CompanyID)
		}
		return id, nil
	}
	if _, present := inv.Args["company_id"]; !present {
		return 0, nil
	}
	id, ok := ArgsInt(inv.Args, "company_id")
	if !ok || id <= 0 {
		return 0, fmt.Errorf("company_id must be a positive integer")
	}
	return id, nil
}

func rowsResult(res security.QueryResult) domain.ExecResult {
	if !res.Success {
		return domain.Failed(res.Error)
	}
	return domain.OK(res.Rows)
}

func oneOf(s string, set []string) bool {
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}

// numeric converts a database value to float64.
func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case []byte:
		f, err := strconv.ParseFloat(string(n), 64)
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}
