package chat

import (
	"context"
	"strings"
	"sync"

	"github.com/firebase/genkit/go/ai"

	"github.com/nikhilsnayak/sage/internal/ratelimit"
)

// Snapshot is one observable state of a turn. Text only ever grows between
// snapshots of the same handle.
type Snapshot struct {
	Phase  Phase
	Text   string
	Done   bool
	Denied bool
	Err    error
}

// StreamHandle is the single-producer, multi-observer view of one
// conversation turn. The orchestrator appends text and advances the phase;
// any number of observers consume snapshots. Observers always see text as
// a growing prefix of the final message.
type StreamHandle struct {
	mu          sync.Mutex
	phase       Phase
	text        strings.Builder
	err         error
	denied      bool
	decision    ratelimit.Decision
	hasDecision bool
	committed   []*ai.Message
	subscribers []chan Snapshot

	admissionOnce sync.Once
	admissionCh   chan struct{} // closed once the admission decision lands
	doneCh        chan struct{} // closed on a terminal phase
}

func newStreamHandle() *StreamHandle {
	return &StreamHandle{
		phase:       PhaseIdle,
		admissionCh: make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Phase returns the current phase.
func (h *StreamHandle) Phase() Phase {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.phase
}

// Text returns the accumulated message text so far.
func (h *StreamHandle) Text() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.text.String()
}

// Err returns the terminal error, if any.
func (h *StreamHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Denied reports whether the turn was rejected by admission control.
func (h *StreamHandle) Denied() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.denied
}

// Committed returns the messages committed to conversation state by this
// turn. Empty until the turn finishes; empty forever for denied turns.
func (h *StreamHandle) Committed() []*ai.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*ai.Message, len(h.committed))
	copy(out, h.committed)
	return out
}

// WaitAdmission blocks until the admission decision is made or ctx ends.
// HTTP handlers use it to write X-RateLimit-* headers before the body.
func (h *StreamHandle) WaitAdmission(ctx context.Context) (ratelimit.Decision, error) {
	select {
	case <-h.admissionCh:
	case <-ctx.Done():
		return ratelimit.Decision{}, ctx.Err()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.decision, nil
}

// Wait blocks until the turn reaches a terminal phase or ctx ends.
func (h *StreamHandle) Wait(ctx context.Context) error {
	select {
	case <-h.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe returns a channel of snapshots. The channel is conflated:
// a slow observer skips intermediate snapshots but always receives the
// latest one, and the final snapshot before close. Subscribing after the
// turn finished yields the final snapshot immediately.
func (h *StreamHandle) Subscribe() <-chan Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Snapshot, 1)
	ch <- h.snapshotLocked()
	if h.phase.Terminal() {
		close(ch)
		return ch
	}
	h.subscribers = append(h.subscribers, ch)
	return ch
}

// snapshotLocked builds the current snapshot. Caller holds mu.
func (h *StreamHandle) snapshotLocked() Snapshot {
	return Snapshot{
		Phase:  h.phase,
		Text:   h.text.String(),
		Done:   h.phase.Terminal(),
		Denied: h.denied,
		Err:    h.err,
	}
}

// publishLocked pushes the current snapshot to every subscriber,
// replacing any unconsumed one. Caller holds mu.
func (h *StreamHandle) publishLocked() {
	snap := h.snapshotLocked()
	for _, ch := range h.subscribers {
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
	if snap.Done {
		for _, ch := range h.subscribers {
			close(ch)
		}
		h.subscribers = nil
	}
}

// setPhase advances the state machine. Invalid transitions are refused so
// a bug in the orchestrator cannot regress a terminal turn.
func (h *StreamHandle) setPhase(to Phase) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !ValidTransition(h.phase, to) {
		return false
	}
	h.phase = to
	h.publishLocked()
	return true
}

// append adds streamed text. Append-only: text is never rewritten.
func (h *StreamHandle) append(text string) {
	if text == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.phase.Terminal() {
		return
	}
	h.text.WriteString(text)
	h.publishLocked()
}

// resolveAdmission records the limiter decision and unblocks WaitAdmission.
func (h *StreamHandle) resolveAdmission(d ratelimit.Decision) {
	h.mu.Lock()
	h.decision = d
	h.hasDecision = true
	h.mu.Unlock()
	h.admissionOnce.Do(func() { close(h.admissionCh) })
}

// deny terminates a rejected turn. The notice reaches the observer through
// the stream, but nothing is committed to conversation state.
func (h *StreamHandle) deny(notice string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.denied = true
	h.text.WriteString(notice)
	h.phase = PhaseFinalized
	h.publishLocked()
	close(h.doneCh)
}

// finalize commits the turn's messages and ends the stream.
func (h *StreamHandle) finalize(committed []*ai.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.phase.Terminal() {
		return
	}
	h.committed = committed
	h.phase = PhaseFinalized
	h.publishLocked()
	h.admissionOnce.Do(func() { close(h.admissionCh) })
	close(h.doneCh)
}

// fail ends the turn in the errored state. committed still carries the
// terminal assistant message so conversation state stays well formed.
func (h *StreamHandle) fail(err error, committed []*ai.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.phase.Terminal() {
		return
	}
	h.err = err
	h.committed = committed
	h.phase = PhaseErrored
	h.publishLocked()
	h.admissionOnce.Do(func() { close(h.admissionCh) })
	close(h.doneCh)
}
