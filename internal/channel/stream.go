package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"novabot/internal/agent"
	"novabot/internal/domain"
)

// Stream event names sent on /v1/chat/stream.
const (
	eventToken      = "token"
	eventToolStart  = "tool_start"
	eventToolResult = "tool_result"
	eventDone       = "done"
	eventError      = "error"
)

var _ agent.Observer = (*sseStream)(nil)

type tokenEvent struct {
	Text string `json:"text"`
}

type toolEvent struct {
	Tool    string `json:"tool"`
	Success *bool  `json:"success,omitempty"`
	Error   string `json:"error,omitempty"`
}

type errorEvent struct {
	Message string `json:"message"`
}

// sseStream writes server-sent events for one turn. Tool events arrive from
// the loop's worker goroutines, so writes are serialized.
type sseStream struct {
	mu  sync.Mutex
	rw  http.ResponseWriter
	rc  *http.ResponseController
	err error
}

func newSSEStream(rw http.ResponseWriter) *sseStream {
	h := rw.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	rw.WriteHeader(http.StatusOK)
	s := &sseStream{rw: rw, rc: http.NewResponseController(rw)}
	s.rc.Flush()
	return s
}

// send writes one event. After the first write error the stream stays
// silent; the client is gone.
func (s *sseStream) send(event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", event, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if _, err := fmt.Fprintf(s.rw, "event: %s\ndata: %s\n\n", event, data); err != nil {
		s.err = err
		return err
	}
	if err := s.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		s.err = err
	}
	return s.err
}

func (s *sseStream) ToolStarted(c domain.ToolCall) {
	s.send(eventToolStart, toolEvent{Tool: c.Name})
}

func (s *sseStream) ToolFinished(c domain.ToolCall, res domain.ExecResult) {
	ok := res.Success
	s.send(eventToolResult, toolEvent{Tool: c.Name, Success: &ok, Error: res.Error})
}

// answerChunks splits an answer into line-sized token events whose
// concatenation is the answer.
func answerChunks(answer string) []string {
	return strings.SplitAfter(answer, "\n")
}

// handleChatStream is /v1/chat served as server-sent events: tool_start and
// tool_result while tools run, then token chunks of the answer and a final
// done event, or a single error event when the turn failed.
func (a *API) handleChatStream(rw http.ResponseWriter, r *http.Request) {
	question, cc, ok := a.parseChat(rw, r)
	if !ok {
		return
	}

	stream := newSSEStream(rw)
	cc.Observer = stream

	ctx, cancel := context.WithTimeout(r.Context(), a.turnTimeout)
	defer cancel()
	res := a.engine.Converse(ctx, question, cc)

	if errors.Is(res.Err, context.Canceled) {
		a.logger.Info("chat stream abandoned by client", "user", cc.UserID, "iterations", res.Iterations)
		return
	}
	if res.Err != nil {
		stream.send(eventError, errorEvent{Message: res.Answer})
		return
	}
	for _, chunk := range answerChunks(res.Answer) {
		if chunk == "" {
			continue
		}
		if err := stream.send(eventToken, tokenEvent{Text: chunk}); err != nil {
			a.logger.Debug("chat stream write failed", "error", err)
			return
		}
	}
	stream.send(eventDone, a.chatPayload(res))
}
