package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// SSE event names. An empty event name is the default "message" event.
const (
	eventError = "error"
	eventEnd   = "end"
)

// EncodeSSE renders one Server-Sent Events message: an optional event line,
// one "data:" line per payload line, then a blank terminator. Payloads are
// single-line JSON in practice; splitting on embedded newlines keeps the
// frame valid regardless.
func EncodeSSE(event, data string) string {
	var b strings.Builder
	if event != "" {
		b.WriteString("event: ")
		b.WriteString(event)
		b.WriteString("\n")
	}
	for _, line := range strings.Split(data, "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	return b.String()
}

// streamWriter writes SSE messages to one client connection, flushing after
// every message so ticks arrive as they are produced.
type streamWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

// newStreamWriter prepares the response for event streaming. The HTTP
// status is always 200, including for error events, so EventSource clients
// handle every failure through the same event path.
func newStreamWriter(w http.ResponseWriter) (*streamWriter, bool) {
	f, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return nil, false
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	return &streamWriter{w: w, f: f}, true
}

// send marshals payload and writes it as one SSE message.
func (s *streamWriter) send(event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return s.sendRaw(event, raw)
}

func (s *streamWriter) sendRaw(event string, raw []byte) error {
	if _, err := io.WriteString(s.w, EncodeSSE(event, string(raw))); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	s.f.Flush()
	return nil
}

// sendError emits a terminal error event: {"error": code, ...context}.
func (s *streamWriter) sendError(code string, context map[string]any) {
	payload := map[string]any{"error": code}
	for k, v := range context {
		payload[k] = v
	}
	_ = s.send(eventError, payload)
}

// sendEnd emits the end-of-replay event: {"info": "end_of_data", ...context}.
func (s *streamWriter) sendEnd(context map[string]any) {
	payload := map[string]any{"info": "end_of_data"}
	for k, v := range context {
		payload[k] = v
	}
	_ = s.send(eventEnd, payload)
}
