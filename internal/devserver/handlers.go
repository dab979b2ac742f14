package devserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/chatloop-ai/chatloop/internal/logging"
	"github.com/chatloop-ai/chatloop/internal/transport"
	"github.com/chatloop-ai/chatloop/pkg/types"
)

// sseWriter wraps http.ResponseWriter for SSE output.
type sseWriter struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	if _, ok := w.(http.Flusher); !ok {
		return nil, fmt.Errorf("streaming not supported")
	}
	return &sseWriter{w: w, rc: http.NewResponseController(w)}, nil
}

// writeEvent writes one SSE event block and flushes it.
func (s *sseWriter) writeEvent(eventType string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", eventType, payload); err != nil {
		return err
	}
	return s.rc.Flush()
}

func (s *sseWriter) writeHeartbeat() {
	fmt.Fprintf(s.w, ": heartbeat\n\n")
	s.rc.Flush()
}

// wire payloads mirrored from the client transport
type wireToolCall struct {
	Index     int    `json:"index"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	ArgsDelta string `json:"argsDelta,omitempty"`
}

type wireError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func decodeRequest(w http.ResponseWriter, r *http.Request) (transport.Request, bool) {
	var req transport.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return req, false
	}
	if strings.TrimSpace(req.Text) == "" {
		http.Error(w, "text is required", http.StatusBadRequest)
		return req, false
	}
	return req, true
}

// handleStream serves one streaming exchange: the reply is chunked word
// by word, tool calls are split across fragments, and the exchange ends
// with a terminal finish event carrying the session identifier.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRequest(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	sse, err := newSSEWriter(w)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	sse.writeHeartbeat()

	reply := s.streamResponder()(req)
	if reply.Fault != nil {
		sse.writeEvent("error", wireError{
			Code:      reply.Fault.Code,
			Message:   reply.Fault.Message,
			Retryable: reply.Fault.Retryable,
		})
		return
	}

	ctx := r.Context()
	pace := func() bool {
		if s.config.ChunkDelay <= 0 {
			return ctx.Err() == nil
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(s.config.ChunkDelay):
			return true
		}
	}

	for _, delta := range splitContent(reply.Content) {
		if !pace() {
			logging.Debug().Msg("stream client went away")
			return
		}
		if err := sse.writeEvent("content", transport.ContentDelta{Text: delta}); err != nil {
			return
		}
	}

	for i, call := range reply.ToolCalls {
		if !pace() {
			return
		}
		// Name first, argument fragments after, the way real providers
		// deliver structured calls.
		if err := sse.writeEvent("tool_call", wireToolCall{
			Index: i,
			ID:    fmt.Sprintf("call_%d", i+1),
			Name:  call.Name,
		}); err != nil {
			return
		}
		for _, frag := range splitArgs(call.Args) {
			if !pace() {
				return
			}
			if err := sse.writeEvent("tool_call", wireToolCall{Index: i, ArgsDelta: frag}); err != nil {
				return
			}
		}
	}

	reason := reply.Reason
	if reason == "" {
		reason = "stop"
		if len(reply.ToolCalls) > 0 {
			reason = "tool_use"
		}
	}
	sse.writeEvent("finish", transport.Finish{
		Reason:          reason,
		ServerSessionID: s.sessionFor(req),
		Usage:           usageFor(req.Text, reply.Content),
	})
}

// handleComplete serves the single-shot exchange.
func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRequest(w, r)
	if !ok {
		return
	}

	reply := s.completeResponder()(req)
	if reply.Fault != nil {
		status := http.StatusBadRequest
		if reply.Fault.Retryable {
			status = http.StatusBadGateway
		}
		http.Error(w, reply.Fault.Message, status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(transport.Completion{
		Content:         reply.Content,
		ServerSessionID: s.sessionFor(req),
		Usage:           usageFor(req.Text, reply.Content),
	})
}

// splitContent chunks reply text on word boundaries, keeping separators
// attached so concatenation reproduces the original.
func splitContent(content string) []string {
	if content == "" {
		return nil
	}
	var out []string
	var current strings.Builder
	for _, r := range content {
		current.WriteRune(r)
		if r == ' ' || r == '\n' {
			out = append(out, current.String())
			current.Reset()
		}
	}
	if current.Len() > 0 {
		out = append(out, current.String())
	}
	return out
}

// splitArgs fragments a JSON argument string to exercise client-side
// aggregation; small payloads go out whole.
func splitArgs(args string) []string {
	if args == "" {
		return nil
	}
	const fragment = 16
	var out []string
	for len(args) > fragment {
		out = append(out, args[:fragment])
		args = args[fragment:]
	}
	return append(out, args)
}

func usageFor(prompt, content string) *types.TokenUsage {
	return &types.TokenUsage{
		Input:  len(strings.Fields(prompt)),
		Output: len(strings.Fields(content)),
	}
}
