package tasks

import (
	"context"
	"testing"
)

type pullState struct {
	BytesDone int
}

func TestRegisterDedup(t *testing.T) {
	s := NewStore[pullState](nil)
	ctx := context.Background()

	em1, e1, isNew1 := s.Register(ctx, "pull-image", "alpine:3.18")
	if !isNew1 || em1 == nil {
		t.Fatalf("first Register should create a new entry")
	}

	_, e2, isNew2 := s.Register(ctx, "pull-image", "alpine:3.18")
	if isNew2 {
		t.Fatalf("second concurrent Register should join the in-flight task")
	}
	if e1 != e2 {
		t.Fatalf("expected the same entry to be returned for concurrent registrations")
	}

	em1.SetCompleted()
	_, status := e1.State()
	if status != StatusCompleted {
		t.Fatalf("status = %v, want StatusCompleted", status)
	}
}

func TestTerminalStateIsImmutable(t *testing.T) {
	s := NewStore[pullState](nil)
	ctx := context.Background()

	em, e, _ := s.Register(ctx, "pull-layer", "sha256:abc")
	em.SetFaulted("network error")
	em.UseTry(func(st *pullState) { st.BytesDone = 100 }) // must be a no-op post-terminal

	state, status := e.State()
	if status != StatusFaulted {
		t.Fatalf("status = %v, want StatusFaulted", status)
	}
	if state.BytesDone != 0 {
		t.Fatalf("state mutated after terminal status: %+v", state)
	}
}

func TestFailedRegistrationAllowsRetry(t *testing.T) {
	s := NewStore[pullState](nil)
	ctx := context.Background()

	em, e1, _ := s.Register(ctx, "push-image", "x")
	em.SetFaulted("boom")

	_, e2, isNew := s.Register(ctx, "push-image", "x")
	if !isNew {
		t.Fatalf("Register after a faulted terminal state should start fresh work")
	}
	if e1 == e2 {
		t.Fatalf("expected a new entry after a faulted task")
	}
}
