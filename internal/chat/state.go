package chat

import (
	"fmt"

	"github.com/firebase/genkit/go/ai"
)

// Phase is the lifecycle state of one conversation turn.
type Phase int

const (
	// PhaseIdle is the initial state before any work starts.
	PhaseIdle Phase = iota
	// PhaseAwaitingAdmission means the turn is waiting on the rate limiter.
	PhaseAwaitingAdmission
	// PhaseRetrieving means a tool round trip is in flight.
	PhaseRetrieving
	// PhaseStreaming means model output is being produced.
	PhaseStreaming
	// PhaseFinalized is the successful terminal state.
	PhaseFinalized
	// PhaseErrored is the failure terminal state. A terminal assistant
	// message is still committed.
	PhaseErrored
)

// String implements Stringer for logging.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseAwaitingAdmission:
		return "awaiting_admission"
	case PhaseRetrieving:
		return "retrieving"
	case PhaseStreaming:
		return "streaming"
	case PhaseFinalized:
		return "finalized"
	case PhaseErrored:
		return "errored"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Terminal reports whether p is a terminal phase.
func (p Phase) Terminal() bool {
	return p == PhaseFinalized || p == PhaseErrored
}

// validTransitions encodes the turn state machine. Retrieval is optional
// and may repeat up to the step budget, so Retrieving and Streaming
// alternate.
var validTransitions = map[Phase][]Phase{
	PhaseIdle:              {PhaseAwaitingAdmission},
	PhaseAwaitingAdmission: {PhaseStreaming, PhaseFinalized, PhaseErrored},
	PhaseRetrieving:        {PhaseStreaming, PhaseErrored},
	PhaseStreaming:         {PhaseRetrieving, PhaseFinalized, PhaseErrored},
}

// ValidTransition reports whether moving from one phase to another is
// allowed by the turn state machine.
func ValidTransition(from, to Phase) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateHistory checks the tool pairing invariant on a message sequence:
// every model message carrying tool requests must be immediately followed
// by a tool message whose responses match the request refs, in order.
// History violating this cannot be replayed to the model provider.
func ValidateHistory(msgs []*ai.Message) error {
	for i, msg := range msgs {
		requests := toolRequests(msg)
		if len(requests) == 0 {
			if msg.Role == ai.RoleTool && (i == 0 || len(toolRequests(msgs[i-1])) == 0) {
				return fmt.Errorf("message %d: tool message without preceding tool request", i)
			}
			continue
		}

		if i+1 >= len(msgs) {
			return fmt.Errorf("message %d: tool request without tool response", i)
		}
		next := msgs[i+1]
		if next.Role != ai.RoleTool {
			return fmt.Errorf("message %d: tool request followed by %q message, want tool", i, next.Role)
		}

		responses := toolResponses(next)
		if len(responses) != len(requests) {
			return fmt.Errorf("message %d: %d tool requests but %d responses",
				i, len(requests), len(responses))
		}
		for j, req := range requests {
			if responses[j].Ref != req.Ref {
				return fmt.Errorf("message %d: tool response %d ref %q does not match request ref %q",
					i, j, responses[j].Ref, req.Ref)
			}
			if responses[j].Name != req.Name {
				return fmt.Errorf("message %d: tool response %d name %q does not match request %q",
					i, j, responses[j].Name, req.Name)
			}
		}
	}
	return nil
}

func toolRequests(msg *ai.Message) []*ai.ToolRequest {
	var out []*ai.ToolRequest
	for _, p := range msg.Content {
		if p.ToolRequest != nil {
			out = append(out, p.ToolRequest)
		}
	}
	return out
}

func toolResponses(msg *ai.Message) []*ai.ToolResponse {
	var out []*ai.ToolResponse
	for _, p := range msg.Content {
		if p.ToolResponse != nil {
			out = append(out, p.ToolResponse)
		}
	}
	return out
}
