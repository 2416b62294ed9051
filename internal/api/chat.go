package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/nikhilsnayak/sage/internal/chat"
	"github.com/nikhilsnayak/sage/internal/ratelimit"
)

// maxRequestBody bounds chat request payloads (message plus history).
const maxRequestBody = 1 << 20 // 1 MiB

// chatHandler handles the chat endpoints.
//
// Endpoints:
//   - POST /api/chat        - synchronous chat (JSON request/response)
//   - POST /api/chat/stream - streaming chat (Server-Sent Events)
//
// The synchronous endpoint goes through genkit.Handler on the Flow; the
// SSE endpoint talks to the Agent directly so the admission decision can
// be written as response headers before the body starts.
type chatHandler struct {
	agent      *chat.Agent
	logger     *slog.Logger
	trustProxy bool
}

// sseChunkData is the payload of "chunk" events.
type sseChunkData struct {
	Text string `json:"text"`
}

// sseDoneData is the payload of "done" events.
type sseDoneData struct {
	Response string `json:"response"`
}

// sseErrorData is the payload of "error" events.
type sseErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// stream handles POST /api/chat/stream.
//
// The admission decision arrives before any token, so X-RateLimit-*
// headers (and a 429 on denial) are always written before the SSE body.
//
// Event types:
//   - chunk: partial text {"text": "..."}
//   - done:  final response {"response": "..."}
//   - error: turn failed before producing text {"code": "...", "message": "..."}
func (h *chatHandler) stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.logger.Error("streaming not supported by response writer")
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	var input chat.Input
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("invalid request body: %v", err), h.logger)
		return
	}
	if strings.TrimSpace(input.Message) == "" {
		WriteError(w, http.StatusBadRequest, "missing_message", "message is required", h.logger)
		return
	}

	history, err := chat.HistoryMessages(input.History)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_history", err.Error(), h.logger)
		return
	}

	ctx := r.Context()

	// The client never picks its own bucket; identity comes from the
	// connection.
	clientKey := ratelimit.ClientKey(clientIP(r, h.trustProxy))

	handle := h.agent.Converse(ctx, chat.Request{
		ClientKey: clientKey,
		Message:   input.Message,
		History:   history,
	})

	decision, err := handle.WaitAdmission(ctx)
	if err != nil {
		h.logger.Info("client disconnected before admission", "error", err)
		return
	}

	if decision.Limit > 0 {
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.Reset.Unix(), 10))
	}

	if !decision.Allowed {
		// Denied turns finalize without any model work; the wait is
		// immediate and guarantees the notice text is in place.
		_ = handle.Wait(ctx)
		retryAfter := int(decision.RetryAfter.Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		WriteError(w, http.StatusTooManyRequests, "quota_exceeded", handle.Text(), h.logger)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering

	sent := 0
	for snap := range handle.Subscribe() {
		select {
		case <-ctx.Done():
			h.logger.Info("client disconnected mid-stream")
			return
		default:
		}

		if len(snap.Text) > sent {
			h.writeSSEChunk(w, flusher, snap.Text[sent:])
			sent = len(snap.Text)
		}
	}

	if err := handle.Err(); err != nil && handle.Text() == "" {
		h.logger.Error("turn failed without output", "error", err)
		h.writeSSEError(w, flusher, "execution_failed", "the assistant could not process this message")
		return
	}

	h.writeSSEDone(w, flusher, handle.Text())
	h.logger.Info("SSE stream completed",
		"response_len", len(handle.Text()),
		"errored", handle.Err() != nil,
	)
}

func (h *chatHandler) writeSSEChunk(w http.ResponseWriter, flusher http.Flusher, text string) {
	data, _ := json.Marshal(sseChunkData{Text: text})
	fmt.Fprintf(w, "event: chunk\ndata: %s\n\n", data)
	flusher.Flush()
}

func (h *chatHandler) writeSSEDone(w http.ResponseWriter, flusher http.Flusher, response string) {
	data, _ := json.Marshal(sseDoneData{Response: response})
	fmt.Fprintf(w, "event: done\ndata: %s\n\n", data)
	flusher.Flush()
}

func (h *chatHandler) writeSSEError(w http.ResponseWriter, flusher http.Flusher, code, message string) {
	data, _ := json.Marshal(sseErrorData{Code: code, Message: message})
	fmt.Fprintf(w, "event: error\ndata: %s\n\n", data)
	flusher.Flush()
}
