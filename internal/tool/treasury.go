package tool

import (
	"context"
	"fmt"
	"math"
	"strings"

	"novabot/internal/domain"
)

// Latest rate per source. Written as a derived table so it passes the
// SELECT-only validator.
const latestRatesQuery = "SELECT source, buy_rate, sell_rate, date FROM " +
	"(SELECT source, buy_rate, sell_rate, date, ROW_NUMBER() OVER (PARTITION BY source ORDER BY date DESC) AS rn FROM exchange_rates) latest " +
	"WHERE rn = 1 ORDER BY date DESC LIMIT 10"

const (
	officialRateQuery = "SELECT source, buy_rate, sell_rate, date FROM exchange_rates WHERE source = 'DOF' ORDER BY date DESC LIMIT 1"
	anyRateQuery      = "SELECT source, buy_rate, sell_rate, date FROM exchange_rates ORDER BY date DESC LIMIT 1"
)

// ExchangeRateTool returns the most recent USD/MXN rate of every source.
type ExchangeRateTool struct {
	runner Runner
}

func NewExchangeRateTool(r Runner) *ExchangeRateTool { return &ExchangeRateTool{runner: r} }

func (t *ExchangeRateTool) Name() string                  { return "get_exchange_rate" }
func (t *ExchangeRateTool) Capability() domain.Capability { return domain.CapTreasury }
func (t *ExchangeRateTool) Description() string {
	return "Get the latest USD/MXN exchange rate published by each source (DOF, banks)."
}
func (t *ExchangeRateTool) Parameters() map[string]any {
	return ToolParameters(map[string]Param{}, nil)
}

func (t *ExchangeRateTool) Execute(ctx context.Context, inv domain.Invocation) (domain.ExecResult, error) {
	return rowsResult(t.runner.Run(ctx, latestRatesQuery)), nil
}

// ConvertCurrencyTool converts amounts between USD and MXN.
type ConvertCurrencyTool struct {
	runner Runner
}

func NewConvertCurrencyTool(r Runner) *ConvertCurrencyTool { return &ConvertCurrencyTool{runner: r} }

func (t *ConvertCurrencyTool) Name() string                  { return "convert_currency" }
func (t *ConvertCurrencyTool) Capability() domain.Capability { return domain.CapTreasury }
func (t *ConvertCurrencyTool) Description() string {
	return "Convert an amount between USD and MXN using the latest official rate, or a given rate."
}
func (t *ConvertCurrencyTool) Parameters() map[string]any {
	return ToolParameters(map[string]Param{
		"amount":        {Type: "number", Description: "Amount to convert"},
		"from_currency": {Type: "string", Description: "Source currency", Enum: []string{"USD", "MXN"}},
		"to_currency":   {Type: "string", Description: "Target currency", Enum: []string{"USD", "MXN"}},
		"exchange_rate": {Type: "number", Description: "Optional MXN per USD rate to use instead of the stored one"},
	}, []string{"amount", "from_currency", "to_currency"})
}

type Conversion struct {
	Amount   float64 `json:"amount"`
	From     string  `json:"from_currency"`
	To       string  `json:"to_currency"`
	Rate     float64 `json:"exchange_rate"`
	Result   float64 `json:"result"`
	Source   string  `json:"rate_source"`
	RateDate any     `json:"rate_date,omitempty"`
}

func (t *ConvertCurrencyTool) Execute(ctx context.Context, inv domain.Invocation) (domain.ExecResult, error) {
	amount, ok := ArgsFloat(inv.Args, "amount")
	if !ok || amount < 0 || !finite(amount) {
		return domain.Failed("amount must be a non-negative number"), nil
	}
	from := strings.ToUpper(ArgsString(inv.Args, "from_currency"))
	to := strings.ToUpper(ArgsString(inv.Args, "to_currency"))
	if !oneOf(from, []string{"USD", "MXN"}) || !oneOf(to, []string{"USD", "MXN"}) {
		return domain.Failed("currencies must be USD or MXN"), nil
	}

	conv := Conversion{Amount: amount, From: from, To: to}
	if from == to {
		conv.Rate, conv.Result, conv.Source = 1, amount, "identity"
		return domain.OK(conv), nil
	}

	if manual, ok := ArgsFloat(inv.Args, "exchange_rate"); ok {
		if manual <= 0 || !finite(manual) {
			return domain.Failed("exchange_rate must be a positive finite number"), nil
		}
		conv.Rate, conv.Source = manual, "manual"
	} else {
		row, err := t.latestRate(ctx)
		if err != nil {
			return domain.Failed(err.Error()), nil
		}
		rate, ok := numeric(row["sell_rate"])
		if !ok || rate <= 0 || !finite(rate) {
			return domain.Failed("stored exchange rate is not usable"), nil
		}
		conv.Rate = rate
		conv.Source = fmt.Sprint(row["source"])
		conv.RateDate = row["date"]
	}

	if from == "USD" {
		conv.Result = round2(amount * conv.Rate)
	} else {
		conv.Result = round2(amount / conv.Rate)
	}
	if !finite(conv.Result) {
		return domain.Failed("conversion result is out of range"), nil
	}
	return domain.OK(conv), nil
}

func (t *ConvertCurrencyTool) latestRate(ctx context.Context) (map[string]any, error) {
	for _, q := range []string{officialRateQuery, anyRateQuery} {
		res := t.runner.Run(ctx, q)
		if !res.Success {
			return nil, fmt.Errorf("read exchange rate: %s", res.Error)
		}
		if len(res.Rows) > 0 {
			return res.Rows[0], nil
		}
	}
	return nil, fmt.Errorf("no exchange rate available; pass exchange_rate explicitly")
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
