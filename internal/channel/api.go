package channel

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"novabot/internal/agent"
	"novabot/internal/domain"
	"novabot/internal/metrics"
	"novabot/internal/upload"
	"novabot/internal/usage"
)

const (
	apiMaxBodySize     = 1 << 20 // 1MB for JSON bodies
	defaultTurnTimeout = 120 * time.Second
)

var _ domain.Channel = (*API)(nil)

// Conversational answers one question. *agent.Loop implements it.
type Conversational interface {
	Converse(ctx context.Context, question string, cc agent.ConversationContext) agent.Result
}

// API serves the engine over HTTP.
type API struct {
	addr        string
	apiKey      string
	engine      Conversational
	ledger      *usage.Ledger
	uploads     *upload.Store
	limiter     *agent.RateLimiter
	metrics     *metrics.Collector
	metricsPath string
	tenantID    string
	model       string
	turnTimeout time.Duration
	validate    *validator.Validate
	logger      *slog.Logger
	server      *http.Server
}

type APIConfig struct {
	Host        string
	Port        int
	APIKey      string // bearer token; empty disables auth
	Engine      Conversational
	Ledger      *usage.Ledger
	Uploads     *upload.Store
	Limiter     *agent.RateLimiter // nil disables rate limiting
	Metrics     *metrics.Collector // nil disables the metrics endpoint
	MetricsPath string
	TenantID    string
	Model       string
	TurnTimeout time.Duration
	Logger      *slog.Logger
}

func NewAPI(cfg APIConfig) *API {
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = defaultTurnTimeout
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.Ledger == nil {
		cfg.Ledger = usage.NewLedger()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics != nil && cfg.Uploads != nil {
		cfg.Metrics.TrackUploads(cfg.Uploads.Active)
	}
	return &API{
		addr:        fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		apiKey:      cfg.APIKey,
		engine:      cfg.Engine,
		ledger:      cfg.Ledger,
		uploads:     cfg.Uploads,
		limiter:     cfg.Limiter,
		metrics:     cfg.Metrics,
		metricsPath: cfg.MetricsPath,
		tenantID:    cfg.TenantID,
		model:       cfg.Model,
		turnTimeout: cfg.TurnTimeout,
		validate:    newValidator(),
		logger:      cfg.Logger,
	}
}

func (a *API) Name() string { return "api" }

// Handler returns the routed handler. Start serves it; tests call it directly.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", a.instrument("/healthz", a.handleHealth))
	mux.HandleFunc("POST /v1/chat", a.instrument("/v1/chat", a.requireAuth(a.handleChat)))
	mux.HandleFunc("POST /v1/chat/stream", a.instrument("/v1/chat/stream", a.requireAuth(a.handleChatStream)))
	mux.HandleFunc("POST /v1/uploads", a.instrument("/v1/uploads", a.requireAuth(a.handleUpload)))
	mux.HandleFunc("POST /v1/chat/completions", a.instrument("/v1/chat/completions", a.requireAuth(a.handleChatCompletions)))
	mux.HandleFunc("GET /v1/models", a.instrument("/v1/models", a.requireAuth(a.handleModels)))
	mux.HandleFunc("GET /v1/usage", a.instrument("/v1/usage", a.requireAuth(a.handleUsage)))
	mux.HandleFunc("POST /v1/usage/reset", a.instrument("/v1/usage/reset", a.requireAuth(a.handleUsageReset)))
	if a.metrics != nil {
		mux.Handle("GET "+a.metricsPath, a.metrics.Handler())
	}
	return mux
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (a *API) Start(ctx context.Context) error {
	a.server = &http.Server{
		Addr:              a.addr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      a.turnTimeout + 30*time.Second, // allow time for LLM response
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	a.logger.Info("API server started", "addr", a.addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.server.Shutdown(shutdownCtx)
	}()

	if err := a.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (a *API) Stop() error {
	if a.server != nil {
		return a.server.Close()
	}
	return nil
}

// --- middleware ---

func (a *API) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if a.apiKey != "" {
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(a.apiKey)) != 1 {
				writeError(rw, http.StatusUnauthorized, "invalid API key")
				return
			}
		}
		next(rw, r)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying flusher.
func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

func (a *API) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		rw.Header().Set("X-Request-ID", reqID)

		rec := &statusRecorder{ResponseWriter: rw, status: http.StatusOK}
		next(rec, r)

		d := time.Since(start)
		if a.metrics != nil {
			a.metrics.ObserveHTTP(route, rec.status, d)
		}
		a.logger.Debug("http request",
			"route", route,
			"status", rec.status,
			"duration_ms", d.Milliseconds(),
			"request_id", reqID,
		)
	}
}

// --- /v1/chat ---

type historyMessage struct {
	Role    string `json:"role" validate:"required,oneof=user assistant"`
	Content string `json:"content" validate:"required"`
}

type chatRequest struct {
	Question string           `json:"question" validate:"required,max=4000"`
	Page     string           `json:"page" validate:"omitempty,max=100"`
	History  []historyMessage `json:"history" validate:"omitempty,max=50,dive"`
	FileID   string           `json:"file_id" validate:"omitempty,uuid"`
}

type chatResponse struct {
	Answer    string   `json:"answer"`
	Data      any      `json:"data,omitempty"`
	Query     string   `json:"query,omitempty"`
	ToolsUsed []string `json:"tools_used"`
}

func (a *API) handleChat(rw http.ResponseWriter, r *http.Request) {
	question, cc, ok := a.parseChat(rw, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), a.turnTimeout)
	defer cancel()
	res := a.engine.Converse(ctx, question, cc)

	writeJSON(rw, http.StatusOK, a.chatPayload(res))
}

// chatPayload shapes a turn result for the wire. Data that JSON cannot carry
// is dropped so the answer still reaches the caller.
func (a *API) chatPayload(res agent.Result) chatResponse {
	out := chatResponse{
		Answer:    res.Answer,
		Data:      res.Data,
		Query:     res.Query,
		ToolsUsed: nonNilStrings(res.ToolsUsed),
	}
	if out.Data != nil {
		if _, err := json.Marshal(out.Data); err != nil {
			a.logger.Warn("dropping unencodable result data", "error", err)
			out.Data = nil
		}
	}
	return out
}

// parseChat authenticates, rate limits and decodes a /v1/chat request. It
// writes the error response itself and returns ok=false on failure.
func (a *API) parseChat(rw http.ResponseWriter, r *http.Request) (string, agent.ConversationContext, bool) {
	var cc agent.ConversationContext
	userID := strings.TrimSpace(r.Header.Get("X-User-ID"))
	if userID == "" {
		writeError(rw, http.StatusUnauthorized, "missing X-User-ID header")
		return "", cc, false
	}
	if a.limiter != nil && !a.limiter.Allow(userID) {
		writeError(rw, http.StatusTooManyRequests, "rate limit exceeded, try again in a minute")
		return "", cc, false
	}

	var req chatRequest
	if !a.decode(rw, r, &req) {
		return "", cc, false
	}

	cc = agent.ConversationContext{
		UserID:    userID,
		TenantID:  a.tenantID,
		CompanyID: strings.TrimSpace(r.Header.Get("X-Company-ID")),
		Page:      req.Page,
	}
	for _, h := range req.History {
		cc.History = append(cc.History, domain.Message{Role: h.Role, Content: h.Content})
	}
	if req.FileID != "" {
		entry, ok := a.lookupUpload(req.FileID, userID)
		if !ok {
			writeError(rw, http.StatusNotFound, "file not found or expired")
			return "", cc, false
		}
		cc.AdditionalContext = attachmentContext(entry)
	}
	return req.Question, cc, true
}

func (a *API) lookupUpload(id, userID string) (*upload.Entry, bool) {
	if a.uploads == nil {
		return nil, false
	}
	return a.uploads.Get(id, userID)
}

// attachmentContext tells the model which uploaded file the question is about.
func attachmentContext(e *upload.Entry) string {
	s := fmt.Sprintf("The user attached the file %q (file_id: %s, type: %s, %d bytes).", e.Name, e.ID, e.MimeType, e.Size)
	if strings.Contains(e.MimeType, "spreadsheet") || strings.Contains(e.MimeType, "excel") {
		s += " Use process_sales_excel with this file_id to read it."
	}
	return s
}

// --- /v1/uploads ---

type uploadResponse struct {
	FileID   string `json:"file_id"`
	Name     string `json:"name"`
	MimeType string `json:"mime_type"`
	Size     int    `json:"size"`
}

func (a *API) handleUpload(rw http.ResponseWriter, r *http.Request) {
	if a.uploads == nil {
		writeError(rw, http.StatusServiceUnavailable, "uploads are disabled")
		return
	}
	userID := strings.TrimSpace(r.Header.Get("X-User-ID"))
	if userID == "" {
		writeError(rw, http.StatusUnauthorized, "missing X-User-ID header")
		return
	}

	maxSize := int64(a.uploads.MaxSize())
	r.Body = http.MaxBytesReader(rw, r.Body, maxSize+64<<10) // room for multipart framing
	if err := r.ParseMultipartForm(maxSize); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(rw, http.StatusRequestEntityTooLarge, upload.ErrTooLarge.Error())
			return
		}
		writeError(rw, http.StatusBadRequest, "expected multipart form with a file field")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(rw, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxSize+1))
	if err != nil {
		writeError(rw, http.StatusBadRequest, "cannot read file")
		return
	}
	if int64(len(data)) > maxSize {
		writeError(rw, http.StatusRequestEntityTooLarge, upload.ErrTooLarge.Error())
		return
	}

	declared := header.Header.Get("Content-Type")
	if declared == "application/octet-stream" {
		declared = ""
	}
	mimeType, err := a.uploads.Check(data, declared)
	if err != nil {
		writeError(rw, http.StatusUnsupportedMediaType, err.Error())
		return
	}

	id, err := a.uploads.Put(data, header.Filename, mimeType, userID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, upload.ErrTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		writeError(rw, status, err.Error())
		return
	}

	a.logger.Info("file uploaded", "user", userID, "name", header.Filename, "type", mimeType, "size", len(data))
	writeJSON(rw, http.StatusCreated, uploadResponse{
		FileID:   id,
		Name:     header.Filename,
		MimeType: mimeType,
		Size:     len(data),
	})
}

// --- /v1/chat/completions (OpenAI-compatible) ---

type oaiCompatMessage struct {
	Role    string `json:"role" validate:"required,oneof=system user assistant"`
	Content string `json:"content"`
}

type oaiCompatRequest struct {
	Model    string             `json:"model"`
	Messages []oaiCompatMessage `json:"messages" validate:"required,min=1,max=100,dive"`
	User     string             `json:"user"`
}

type oaiCompatChoice struct {
	Index        int              `json:"index"`
	Message      oaiCompatMessage `json:"message"`
	FinishReason string           `json:"finish_reason"`
}

type oaiCompatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type oaiCompatResponse struct {
	ID      string            `json:"id"`
	Object  string            `json:"object"`
	Created int64             `json:"created"`
	Model   string            `json:"model"`
	Choices []oaiCompatChoice `json:"choices"`
	Usage   oaiCompatUsage    `json:"usage"`
}

func (a *API) handleChatCompletions(rw http.ResponseWriter, r *http.Request) {
	var req oaiCompatRequest
	if !a.decode(rw, r, &req) {
		return
	}

	userID := strings.TrimSpace(r.Header.Get("X-User-ID"))
	if userID == "" {
		userID = req.User
	}
	if userID == "" {
		userID = "api"
	}
	if a.limiter != nil && !a.limiter.Allow(userID) {
		writeError(rw, http.StatusTooManyRequests, "rate limit exceeded, try again in a minute")
		return
	}

	// The last user message is the question; earlier turns become history.
	last := -1
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			last = i
			break
		}
	}
	if last < 0 || strings.TrimSpace(req.Messages[last].Content) == "" {
		writeError(rw, http.StatusBadRequest, "no user message found")
		return
	}
	var history []domain.Message
	for _, m := range req.Messages[:last] {
		if m.Role == "system" || m.Content == "" {
			continue
		}
		history = append(history, domain.Message{Role: m.Role, Content: m.Content})
	}

	ctx, cancel := context.WithTimeout(r.Context(), a.turnTimeout)
	defer cancel()
	res := a.engine.Converse(ctx, req.Messages[last].Content, agent.ConversationContext{
		UserID:    userID,
		TenantID:  a.tenantID,
		CompanyID: strings.TrimSpace(r.Header.Get("X-Company-ID")),
		History:   history,
	})

	model := req.Model
	if model == "" {
		model = a.model
	}
	resp := oaiCompatResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []oaiCompatChoice{{
			Index:        0,
			Message:      oaiCompatMessage{Role: "assistant", Content: res.Answer},
			FinishReason: "stop",
		}},
	}
	if res.Usage != nil {
		resp.Usage = oaiCompatUsage{
			PromptTokens:     res.Usage.InputTokens,
			CompletionTokens: res.Usage.OutputTokens,
			TotalTokens:      res.Usage.TotalTokens,
		}
	}
	writeJSON(rw, http.StatusOK, resp)
}

func (a *API) handleModels(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, map[string]any{
		"object": "list",
		"data": []map[string]any{
			{"id": a.model, "object": "model", "owned_by": "novabot"},
		},
	})
}

// --- usage & health ---

func (a *API) handleUsage(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, a.ledger.Stats())
}

func (a *API) handleUsageReset(rw http.ResponseWriter, r *http.Request) {
	a.ledger.Reset()
	a.logger.Info("usage ledger reset")
	writeJSON(rw, http.StatusOK, map[string]string{"status": "reset"})
}

func (a *API) handleHealth(rw http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	if a.metrics != nil {
		body["uptime_seconds"] = int64(a.metrics.Uptime().Seconds())
	}
	writeJSON(rw, http.StatusOK, body)
}

// --- helpers ---

// decode reads a JSON body into dst and validates it, writing a 400 on failure.
func (a *API) decode(rw http.ResponseWriter, r *http.Request, dst any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, apiMaxBodySize+1))
	if err != nil {
		writeError(rw, http.StatusBadRequest, "bad request")
		return false
	}
	if len(body) > apiMaxBodySize {
		writeError(rw, http.StatusRequestEntityTooLarge, "request body too large")
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(rw, http.StatusBadRequest, "invalid JSON")
		return false
	}
	if err := a.validate.Struct(dst); err != nil {
		writeError(rw, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

func newValidator() *validator.Validate {
	v := validator.New()
	// Report JSON field names instead of Go field names.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return "invalid request"
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		// Drop the root struct name: "chatRequest.history[0].role" -> "history[0].role".
		_, field, _ := strings.Cut(fe.Namespace(), ".")
		switch fe.Tag() {
		case "required":
			parts = append(parts, field+" is required")
		case "max", "min":
			parts = append(parts, fmt.Sprintf("%s must have %s %s", field, fe.Tag(), fe.Param()))
		default:
			parts = append(parts, fmt.Sprintf("%s failed %s validation", field, fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}

// writeJSON encodes v before touching the response, so a value that cannot
// be encoded (a NaN from a query row, say) yields a readable 500.
func writeJSON(rw http.ResponseWriter, status int, v any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		status = http.StatusInternalServerError
		buf.Reset()
		json.NewEncoder(&buf).Encode(map[string]string{"error": "response could not be encoded: " + err.Error()})
	}
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	rw.Write(buf.Bytes())
}

func writeError(rw http.ResponseWriter, status int, msg string) {
	writeJSON(rw, status, map[string]string{"error": msg})
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
