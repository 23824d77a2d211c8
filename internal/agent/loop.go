package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"novabot/internal/domain"
	"novabot/internal/tool"
	"novabot/internal/usage"
)

const (
	DefaultModel            = "claude-sonnet-4-20250514"
	defaultMaxIterations    = 5
	defaultHistoryLimit     = 10
	defaultLLMMaxTokens     = 4096
	defaultMaxParallelTools = 4
)

// FallbackAnswer replaces an empty final completion.
const FallbackAnswer = "I could not process your request. Could you please rephrase it?"

// NotConfiguredAnswer is returned without calling the provider when
// credentials are missing.
const NotConfiguredAnswer = "The assistant is not available right now: no model provider credentials are configured. " +
	"Please contact your administrator."

const providerErrorPrefix = "An error occurred while processing your message. Please try again."

// CancelledAnswer is returned when the caller goes away mid-turn.
const CancelledAnswer = "The request was cancelled before an answer was ready."

// Turn outcomes reported to the Recorder.
const (
	OutcomeAnswered      = "answered"
	OutcomeProviderError = "provider_error"
	OutcomeNotConfigured = "not_configured"
	OutcomeCancelled     = "cancelled"
)

// ErrNotConfigured is set on Result.Err when no provider credentials exist.
var ErrNotConfigured = errors.New("no provider credentials configured")

// UsageFunc receives the usage record of every completed turn. Its errors and
// panics are logged and otherwise ignored.
type UsageFunc func(ctx context.Context, r usage.Record) error

// Recorder receives turn and tool metrics.
type Recorder interface {
	ObserveTurn(outcome string, d time.Duration, iterations int)
	ObserveToolCall(tool string, success bool, d time.Duration)
	ObserveUsage(model string, inputTokens, outputTokens int, costUSD float64)
}

type nopRecorder struct{}

func (nopRecorder) ObserveTurn(string, time.Duration, int)      {}
func (nopRecorder) ObserveToolCall(string, bool, time.Duration) {}
func (nopRecorder) ObserveUsage(string, int, int, float64)      {}

// Observer follows a turn while it runs. Calls for one tool round may come
// from several goroutines at once.
type Observer interface {
	ToolStarted(call domain.ToolCall)
	ToolFinished(call domain.ToolCall, res domain.ExecResult)
}

// ConversationContext identifies who is asking and from where.
type ConversationContext struct {
	UserID    string
	TenantID  string
	CompanyID string
	Page      string
	History   []domain.Message
	// AdditionalContext is appended to the question, e.g. an uploaded file id.
	AdditionalContext string
	// Observer, when set, is told about each tool call as it runs.
	Observer Observer
}

// Result is the outcome of one turn. Answer is always set.
type Result struct {
	Answer     string        `json:"answer"`
	Data       any           `json:"data,omitempty"`
	Query      string        `json:"query,omitempty"`
	ToolsUsed  []string      `json:"tools_used"`
	Iterations int           `json:"iterations"`
	Usage      *usage.Record `json:"usage,omitempty"`
	Err        error         `json:"-"`
}

// Loop runs the bounded completion/tool-execution cycle.
type Loop struct {
	provider      domain.Provider
	tools         *tool.Registry
	selector      *Selector
	prompt        *PromptBuilder
	promptStyle   PromptStyle
	enabled       *ToolFilter
	ledger        *usage.Ledger
	prices        usage.Prices
	onUsage       UsageFunc
	metrics       Recorder
	logger        *slog.Logger
	model         string
	maxTokens     int
	maxIterations int
	historyLimit  int
	maxParallel   int
	now           func() time.Time
}

// LoopConfig holds all dependencies and tuning parameters for the loop.
type LoopConfig struct {
	Provider    domain.Provider
	Tools       *tool.Registry
	Selector    *Selector
	Prompt      *PromptBuilder
	PromptStyle PromptStyle
	Enabled     *ToolFilter // nil enables every tool
	Ledger      *usage.Ledger
	Prices      *usage.Prices // nil uses the built-in table
	OnUsage     UsageFunc
	Metrics     Recorder
	Logger      *slog.Logger

	Model            string
	MaxTokens        int
	MaxIterations    int // tool-execution rounds per turn
	HistoryLimit     int
	MaxParallelTools int
	Now              func() time.Time
}

// NewLoop creates a new loop with the given configuration.
func NewLoop(cfg LoopConfig) *Loop {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultLLMMaxTokens
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaultMaxIterations
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	if cfg.MaxParallelTools <= 0 {
		cfg.MaxParallelTools = defaultMaxParallelTools
	}
	if cfg.Prompt == nil {
		cfg.Prompt = NewPromptBuilder(PromptConfig{})
	}
	if cfg.Ledger == nil {
		cfg.Ledger = usage.NewLedger()
	}
	prices := usage.DefaultPrices()
	if cfg.Prices != nil {
		prices = *cfg.Prices
	}
	if cfg.Metrics == nil {
		cfg.Metrics = nopRecorder{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Loop{
		provider:      cfg.Provider,
		tools:         cfg.Tools,
		selector:      cfg.Selector,
		prompt:        cfg.Prompt,
		promptStyle:   cfg.PromptStyle,
		enabled:       cfg.Enabled,
		ledger:        cfg.Ledger,
		prices:        prices,
		onUsage:       cfg.OnUsage,
		metrics:       cfg.Metrics,
		logger:        cfg.Logger,
		model:         cfg.Model,
		maxTokens:     cfg.MaxTokens,
		maxIterations: cfg.MaxIterations,
		historyLimit:  cfg.HistoryLimit,
		maxParallel:   cfg.MaxParallelTools,
		now:           cfg.Now,
	}
}

// Ledger returns the usage ledger the loop records into.
func (l *Loop) Ledger() *usage.Ledger { return l.ledger }

// Model returns the model id requested from the provider.
func (l *Loop) Model() string { return l.model }

// turnState accumulates what a turn learned from its tool calls.
type turnState struct {
	toolsUsed []string
	data      any
	query     string
}

// Converse answers question for the caller in cc. It never returns an error:
// failures are reported through Result.Answer and Result.Err.
func (l *Loop) Converse(ctx context.Context, question string, cc ConversationContext) Result {
	start := l.now()

	if l.provider == nil || !l.provider.Configured() {
		l.logger.Warn("provider credentials missing, refusing turn", "user", cc.UserID)
		l.metrics.ObserveTurn(OutcomeNotConfigured, l.now().Sub(start), 0)
		return Result{Answer: NotConfiguredAnswer, ToolsUsed: []string{}, Err: ErrNotConfigured}
	}

	system := l.prompt.Build(l.promptStyle, PromptContext{
		UserID:      cc.UserID,
		CompanyID:   cc.CompanyID,
		PageContext: l.pageContext(cc.Page),
	})
	toolDefs := l.selectTools(cc.Page, question)
	offered := make(map[string]bool, len(toolDefs))
	for _, d := range toolDefs {
		offered[d.Name] = true
	}

	messages := l.initialMessages(cc.History, composeQuestion(question, cc.AdditionalContext))

	l.logger.Info("turn started",
		"user", cc.UserID,
		"page", cc.Page,
		"tools_offered", len(toolDefs),
		"history", len(messages)-1,
	)

	var st turnState
	iterations := 0

	resp, err := l.complete(ctx, system, messages, toolDefs, offered)
	for err == nil && resp.HasToolCalls() && iterations < l.maxIterations {
		iterations++
		l.logger.Debug("tool round", "iteration", iterations, "calls", len(resp.ToolCalls))

		results := l.executeTools(ctx, resp.ToolCalls, cc, &st)

		next := make([]domain.Message, len(messages), len(messages)+2)
		copy(next, messages)
		next = append(next,
			domain.Message{Role: domain.RoleAssistant, Content: resp.Content, ToolCalls: resp.ToolCalls},
			domain.Message{Role: domain.RoleUser, ToolResults: results},
		)
		messages = next

		resp, err = l.complete(ctx, system, messages, toolDefs, offered)
	}

	elapsed := l.now().Sub(start)
	if errors.Is(err, context.Canceled) {
		l.logger.Info("turn cancelled by caller", "user", cc.UserID, "iterations", iterations)
		l.metrics.ObserveTurn(OutcomeCancelled, elapsed, iterations)
		return Result{
			Answer:     CancelledAnswer,
			ToolsUsed:  nonNil(st.toolsUsed),
			Iterations: iterations,
			Err:        err,
		}
	}
	if err != nil {
		l.logger.Error("provider call failed", "error", err, "user", cc.UserID, "iterations", iterations)
		l.metrics.ObserveTurn(OutcomeProviderError, elapsed, iterations)
		return Result{
			Answer:     fmt.Sprintf("%s\n\nError: %s", providerErrorPrefix, err.Error()),
			ToolsUsed:  nonNil(st.toolsUsed),
			Iterations: iterations,
			Err:        err,
		}
	}

	if resp.HasToolCalls() {
		l.logger.Warn("iteration cap reached with pending tool calls", "cap", l.maxIterations, "pending", len(resp.ToolCalls))
	}

	answer := strings.TrimSpace(stripRolePrefix(resp.Content))
	if answer == "" {
		answer = FallbackAnswer
	}

	rec := usage.NewRecord(l.prices, cc.TenantID, cc.UserID, l.model,
		resp.Usage.PromptTokens, resp.Usage.CompletionTokens, elapsed, st.toolsUsed, l.now())
	l.ledger.Record(rec)
	l.metrics.ObserveUsage(rec.Model, rec.InputTokens, rec.OutputTokens, rec.CostUSD)
	l.notifyUsage(ctx, rec)
	l.metrics.ObserveTurn(OutcomeAnswered, elapsed, iterations)

	l.logger.Info("turn completed",
		"user", cc.UserID,
		"iterations", iterations,
		"tools", rec.ToolsUsed,
		"tokens", rec.TotalTokens,
		"duration_ms", elapsed.Milliseconds(),
	)

	return Result{
		Answer:     answer,
		Data:       st.data,
		Query:      st.query,
		ToolsUsed:  rec.ToolsUsed,
		Iterations: iterations,
		Usage:      &rec,
	}
}

func (l *Loop) pageContext(page string) string {
	if l.selector == nil {
		return ""
	}
	return l.selector.PageContext(page)
}

func (l *Loop) selectTools(page, message string) []domain.ToolDefinition {
	if l.selector != nil {
		return l.selector.Select(page, message, l.enabled)
	}
	if l.tools == nil {
		return nil
	}
	return l.enabled.FilterDefinitions(l.tools.Definitions())
}

// initialMessages copies the most recent history and appends the question.
// History never starts with a tool-result message whose calls were cut off.
func (l *Loop) initialMessages(history []domain.Message, question string) []domain.Message {
	if len(history) > l.historyLimit {
		history = history[len(history)-l.historyLimit:]
	}
	for len(history) > 0 && (history[0].Role != domain.RoleUser || len(history[0].ToolResults) > 0) {
		history = history[1:]
	}
	msgs := make([]domain.Message, 0, len(history)+1)
	msgs = append(msgs, history...)
	return append(msgs, domain.Message{Role: domain.RoleUser, Content: question})
}

func composeQuestion(question, additional string) string {
	if strings.TrimSpace(additional) == "" {
		return question
	}
	return question + "\n\n--- Attached data ---\n" + additional
}

func (l *Loop) complete(ctx context.Context, system string, msgs []domain.Message, defs []domain.ToolDefinition, offered map[string]bool) (*domain.ChatResponse, error) {
	// The caller may have left during the last tool round.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	started := l.now()
	resp, err := l.provider.Chat(ctx, domain.ChatRequest{
		System:    system,
		Messages:  msgs,
		Tools:     defs,
		Model:     l.model,
		MaxTokens: l.maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("LLM error: %w", err)
	}
	resp.LatencyMs = l.now().Sub(started).Milliseconds()

	// Some OpenAI-compatible local models write tool calls into the text.
	if !resp.HasToolCalls() && resp.Content != "" {
		if calls := extractToolCallsFromContent(resp.Content, offered); len(calls) > 0 {
			resp.ToolCalls = calls
			resp.Content = ""
			l.logger.Info("extracted tool calls from content text", "count", len(calls))
		}
	}
	return resp, nil
}

// executeTools runs one round of calls with bounded parallelism. Results are
// returned in call order, one per call.
func (l *Loop) executeTools(ctx context.Context, calls []domain.ToolCall, cc ConversationContext, st *turnState) []domain.ToolResult {
	outcomes := make([]domain.ExecResult, len(calls))

	var g errgroup.Group
	g.SetLimit(l.maxParallel)
	for i, tc := range calls {
		st.toolsUsed = append(st.toolsUsed, tc.Name)
		g.Go(func() error {
			if cc.Observer != nil {
				cc.Observer.ToolStarted(tc)
			}
			outcomes[i] = l.executeTool(ctx, tc, cc)
			if cc.Observer != nil {
				cc.Observer.ToolFinished(tc, outcomes[i])
			}
			return nil
		})
	}
	_ = g.Wait()

	results := make([]domain.ToolResult, len(calls))
	for i, tc := range calls {
		res := outcomes[i]
		results[i] = domain.ToolResult{
			CallID:  tc.ID,
			Name:    tc.Name,
			Content: serializeResult(res),
			IsError: !res.Success,
		}
		if !res.Success {
			continue
		}
		if l.isDataTool(tc.Name) && res.Data != nil {
			st.data = res.Data
		}
		if tc.Name == tool.SmartQueryName {
			st.query = tool.ArgsString(tc.Arguments, "query")
		}
	}
	return results
}

func (l *Loop) executeTool(ctx context.Context, tc domain.ToolCall, cc ConversationContext) domain.ExecResult {
	if l.tools == nil {
		return domain.Failed("tool registry not initialized")
	}
	if l.tools.Has(tc.Name) && !l.permitted(tc.Name) {
		l.logger.Warn("model requested a disabled tool", "tool", tc.Name)
		return domain.Failed(fmt.Sprintf("tool %s is not enabled", tc.Name))
	}

	if l.logger.Enabled(ctx, slog.LevelDebug) {
		if argsJSON, err := json.Marshal(tc.Arguments); err == nil {
			l.logger.Debug("tool arguments", "tool", tc.Name, "args", string(argsJSON))
		}
	}

	args := tc.Arguments
	if args == nil {
		args = map[string]any{}
	}
	res := l.tools.Execute(ctx, tc.Name, domain.Invocation{
		Args:      args,
		UserID:    cc.UserID,
		TenantID:  cc.TenantID,
		CompanyID: cc.CompanyID,
	})

	d := time.Duration(res.Metadata.ExecutionTime) * time.Millisecond
	l.metrics.ObserveToolCall(tc.Name, res.Success, d)
	if res.Success {
		l.logger.Info("tool completed", "tool", tc.Name, "duration_ms", res.Metadata.ExecutionTime)
	} else {
		l.logger.Warn("tool failed", "tool", tc.Name, "error", res.Error)
	}
	return res
}

// permitted reports whether name may run for this tenant. Core tools always may.
func (l *Loop) permitted(name string) bool {
	if l.selector != nil && l.selector.IsCore(name) {
		return true
	}
	return l.enabled.IsAllowed(name)
}

func (l *Loop) isDataTool(name string) bool {
	t := l.tools.Get(name)
	if t == nil {
		return false
	}
	switch t.Capability() {
	case domain.CapDataQuery, domain.CapTreasury, domain.CapSales, domain.CapReports:
		return true
	}
	return false
}

func (l *Loop) notifyUsage(ctx context.Context, rec usage.Record) {
	if l.onUsage == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			l.logger.Error("usage callback panicked", "panic", p)
		}
	}()
	if err := l.onUsage(ctx, rec); err != nil {
		l.logger.Warn("usage callback failed", "error", err)
	}
}

// serializeResult renders a tool outcome for the model: the data as JSON on
// success, {"error": msg} otherwise.
func serializeResult(res domain.ExecResult) string {
	var payload any = res.Data
	if !res.Success {
		payload = map[string]string{"error": res.Error}
	}
	b, err := json.Marshal(payload)
	if err != nil {
		b, _ = json.Marshal(map[string]string{"error": "result could not be encoded: " + err.Error()})
	}
	return string(b)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
