package chat

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/firebase/genkit/go/ai"
	"go.uber.org/goleak"

	"github.com/nikhilsnayak/sage/internal/ratelimit"
)

func TestStreamHandleTextGrowsMonotonically(t *testing.T) {
	h := newStreamHandle()
	h.setPhase(PhaseAwaitingAdmission)
	h.setPhase(PhaseStreaming)

	prev := ""
	for _, piece := range []string{"Nikhil ", "works ", "at ", "CodeCraft."} {
		h.append(piece)
		cur := h.Text()
		if !strings.HasPrefix(cur, prev) {
			t.Fatalf("text %q is not a prefix extension of %q", cur, prev)
		}
		if len(cur) <= len(prev) {
			t.Fatalf("text did not grow: %q -> %q", prev, cur)
		}
		prev = cur
	}
	if prev != "Nikhil works at CodeCraft." {
		t.Errorf("final text = %q", prev)
	}
}

func TestStreamHandleSubscribeConflation(t *testing.T) {
	h := newStreamHandle()
	h.setPhase(PhaseAwaitingAdmission)
	h.setPhase(PhaseStreaming)

	ch := h.Subscribe()

	// Publish several snapshots without the observer reading: only the
	// latest should be buffered.
	h.append("one ")
	h.append("two ")
	h.append("three")

	snap := <-ch
	if snap.Text != "one two three" {
		t.Errorf("conflated snapshot text = %q, want latest", snap.Text)
	}

	h.finalize([]*ai.Message{ai.NewModelMessage(ai.NewTextPart("one two three"))})

	final, ok := <-ch
	if !ok {
		t.Fatal("channel closed before delivering final snapshot")
	}
	if !final.Done {
		t.Error("final snapshot not marked done")
	}
	if _, ok := <-ch; ok {
		t.Error("channel not closed after final snapshot")
	}
}

func TestStreamHandleSubscribeAfterTerminal(t *testing.T) {
	h := newStreamHandle()
	h.setPhase(PhaseAwaitingAdmission)
	h.setPhase(PhaseStreaming)
	h.append("done text")
	h.finalize(nil)

	ch := h.Subscribe()
	snap, ok := <-ch
	if !ok {
		t.Fatal("expected one snapshot before close")
	}
	if !snap.Done || snap.Text != "done text" {
		t.Errorf("snapshot = %+v", snap)
	}
	if _, ok := <-ch; ok {
		t.Error("channel should be closed after the final snapshot")
	}
}

func TestStreamHandleWaitAdmission(t *testing.T) {
	h := newStreamHandle()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := h.WaitAdmission(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("WaitAdmission before decision: err = %v, want deadline exceeded", err)
	}

	want := ratelimit.Decision{Allowed: true, Limit: 2, Remaining: 1}
	h.resolveAdmission(want)

	got, err := h.WaitAdmission(context.Background())
	if err != nil {
		t.Fatalf("WaitAdmission: %v", err)
	}
	if got.Limit != 2 || got.Remaining != 1 || !got.Allowed {
		t.Errorf("decision = %+v, want %+v", got, want)
	}
}

func TestStreamHandleWaitAdmissionUnblockedOnFailure(t *testing.T) {
	h := newStreamHandle()
	h.fail(errors.New("boom"), nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := h.WaitAdmission(ctx); err != nil {
		t.Fatalf("WaitAdmission after fail should not block: %v", err)
	}
}

func TestStreamHandleDenyCommitsNothing(t *testing.T) {
	h := newStreamHandle()
	h.setPhase(PhaseAwaitingAdmission)
	h.resolveAdmission(ratelimit.Decision{Allowed: false, RetryAfter: 30 * time.Second})
	h.deny("slow down please")

	if !h.Denied() {
		t.Error("Denied() = false after deny")
	}
	if h.Phase() != PhaseFinalized {
		t.Errorf("phase = %v, want finalized", h.Phase())
	}
	if got := h.Committed(); len(got) != 0 {
		t.Errorf("denied turn committed %d messages, want 0", len(got))
	}
	if h.Text() != "slow down please" {
		t.Errorf("notice text = %q", h.Text())
	}
	if err := h.Wait(context.Background()); err != nil {
		t.Errorf("Wait after deny: %v", err)
	}
}

func TestStreamHandleTerminalIsFinal(t *testing.T) {
	h := newStreamHandle()
	h.setPhase(PhaseAwaitingAdmission)
	h.setPhase(PhaseStreaming)
	h.append("answer")
	h.finalize([]*ai.Message{ai.NewModelMessage(ai.NewTextPart("answer"))})

	// Everything after finalize must be a no-op.
	if h.setPhase(PhaseStreaming) {
		t.Error("setPhase succeeded on a finalized handle")
	}
	h.append(" more")
	if h.Text() != "answer" {
		t.Errorf("text changed after finalize: %q", h.Text())
	}
	h.fail(errors.New("late"), nil)
	if h.Err() != nil {
		t.Errorf("err set after finalize: %v", h.Err())
	}
	if got := len(h.Committed()); got != 1 {
		t.Errorf("committed = %d messages, want 1", got)
	}
}

func TestStreamHandleConcurrentUseNoLeak(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	h := newStreamHandle()
	h.setPhase(PhaseAwaitingAdmission)
	h.setPhase(PhaseStreaming)

	done := make(chan struct{})
	go func() {
		defer close(done)
		ch := h.Subscribe()
		for range ch {
		}
	}()

	for _, piece := range []string{"a", "b", "c"} {
		h.append(piece)
	}
	h.finalize([]*ai.Message{ai.NewModelMessage(ai.NewTextPart("abc"))})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("subscriber did not observe channel close")
	}
}

func TestStreamHandleFailKeepsCommitted(t *testing.T) {
	h := newStreamHandle()
	h.setPhase(PhaseAwaitingAdmission)
	h.setPhase(PhaseStreaming)
	h.append("partial ans")

	committed := []*ai.Message{
		ai.NewUserMessage(ai.NewTextPart("q")),
		ai.NewModelMessage(ai.NewTextPart("partial ans")),
	}
	wantErr := errors.New("provider exploded")
	h.fail(wantErr, committed)

	if h.Phase() != PhaseErrored {
		t.Errorf("phase = %v, want errored", h.Phase())
	}
	if !errors.Is(h.Err(), wantErr) {
		t.Errorf("Err() = %v", h.Err())
	}
	if got := len(h.Committed()); got != 2 {
		t.Errorf("committed = %d messages, want 2", got)
	}
}
