package chat

import (
	"context"
	"fmt"
	"sync"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/core"
	"github.com/firebase/genkit/go/genkit"
)

// Input defines the request payload for the chat flow.
//
// The admission-control key is deliberately absent: callers must never be
// able to choose their own quota bucket. Transports derive the key from
// the connection and attach it with WithClientKey.
type Input struct {
	Message string    `json:"message"`
	History []Message `json:"history,omitempty"`
}

// Message is one prior conversation message in wire form.
type Message struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// Output defines the response payload from the chat flow.
type Output struct {
	Response  string         `json:"response"`
	Denied    bool           `json:"denied,omitempty"`
	RateLimit *RateLimitInfo `json:"rateLimit,omitempty"`
}

// RateLimitInfo mirrors the admission decision for HTTP headers.
type RateLimitInfo struct {
	Limit     int   `json:"limit"`
	Remaining int   `json:"remaining"`
	Reset     int64 `json:"reset"` // unix seconds
}

// StreamChunk is the streaming output type for the chat flow.
// Each chunk carries a text delta that can be shown to the visitor
// immediately.
type StreamChunk struct {
	Text string `json:"text"`
}

// FlowName is the registered name of the chat flow in Genkit.
const FlowName = "sage/chat"

type clientKeyContextKey struct{}

// WithClientKey returns a context carrying the admission-control key for
// the calling connection. HTTP handlers set it before invoking the flow;
// a context without a key falls into the shared anonymous bucket.
func WithClientKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, clientKeyContextKey{}, key)
}

func clientKeyFromContext(ctx context.Context) string {
	key, _ := ctx.Value(clientKeyContextKey{}).(string)
	return key
}

// Flow is the type alias for the chat streaming flow.
// Exported for use in the api package with genkit.Handler().
type Flow = core.Flow[Input, Output, StreamChunk]

// Package-level singleton for Flow to prevent panic on re-registration.
var (
	flowOnce sync.Once
	flow     *Flow
)

// NewFlow returns the chat flow singleton, initializing it on first call.
// Subsequent calls return the existing Flow (parameters are ignored).
// This is safe because genkit.DefineStreamingFlow panics on re-registration.
func NewFlow(g *genkit.Genkit, agent *Agent) *Flow {
	flowOnce.Do(func() {
		flow = agent.DefineFlow(g)
	})
	return flow
}

// ResetFlowForTesting resets the Flow singleton for testing.
// WARNING: Only use in tests. Not safe for concurrent use.
func ResetFlowForTesting() {
	flowOnce = sync.Once{}
	flow = nil
}

// DefineFlow defines the Genkit streaming flow for the chat agent.
// Supports both streaming (via callback) and non-streaming modes.
//
// IMPORTANT: Use NewFlow() instead of calling DefineFlow() directly.
// DefineFlow registers a global flow; calling it twice causes panic.
//
// Denied and errored turns still produce an Output rather than a flow
// error: the visitor-facing text (rate limit notice or terminal fallback
// message) is the response, and transport handlers read Denied and
// RateLimit to set status codes.
func (a *Agent) DefineFlow(g *genkit.Genkit) *Flow {
	return genkit.DefineStreamingFlow(g, FlowName,
		func(ctx context.Context, input Input, streamCb func(context.Context, StreamChunk) error) (Output, error) {
			history, err := HistoryMessages(input.History)
			if err != nil {
				return Output{}, fmt.Errorf("%w: %w", ErrInvalidHistory, err)
			}

			handle := a.Converse(ctx, Request{
				ClientKey: clientKeyFromContext(ctx),
				Message:   input.Message,
				History:   history,
			})

			// Forward text deltas. Snapshots are cumulative; only the
			// suffix beyond what was already sent goes out.
			sent := 0
			for snap := range handle.Subscribe() {
				if streamCb != nil && len(snap.Text) > sent {
					delta := snap.Text[sent:]
					sent = len(snap.Text)
					if streamErr := streamCb(ctx, StreamChunk{Text: delta}); streamErr != nil {
						return Output{}, streamErr
					}
				}
			}

			out := Output{
				Response: handle.Text(),
				Denied:   handle.Denied(),
			}
			if decision, derr := handle.WaitAdmission(ctx); derr == nil && decision.Limit > 0 {
				out.RateLimit = &RateLimitInfo{
					Limit:     decision.Limit,
					Remaining: decision.Remaining,
					Reset:     decision.Reset.Unix(),
				}
			}

			if err := handle.Err(); err != nil && len(handle.Committed()) == 0 {
				return Output{}, fmt.Errorf("%w: %w", ErrExecutionFailed, err)
			}
			return out, nil
		},
	)
}

// HistoryMessages converts wire-form history into provider messages.
// Accepts both "model" and "assistant" for the assistant role.
func HistoryMessages(history []Message) ([]*ai.Message, error) {
	if len(history) == 0 {
		return nil, nil
	}
	msgs := make([]*ai.Message, 0, len(history))
	for i, m := range history {
		var role ai.Role
		switch m.Role {
		case "user":
			role = ai.RoleUser
		case "model", "assistant":
			role = ai.RoleModel
		default:
			return nil, fmt.Errorf("message %d: unknown role %q", i, m.Role)
		}
		msgs = append(msgs, &ai.Message{
			Role:    role,
			Content: []*ai.Part{ai.NewTextPart(m.Text)},
		})
	}
	return msgs, nil
}
