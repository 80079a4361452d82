package watch

import (
	"testing"
	"time"
)

func TestGetSetRoundTrip(t *testing.T) {
	v := New(0)
	val, ver := v.Get()
	if val != 0 || ver != 0 {
		t.Fatalf("initial Get = (%d, %d), want (0, 0)", val, ver)
	}
	v.Set(42)
	val, ver = v.Get()
	if val != 42 || ver != 1 {
		t.Fatalf("Get after Set = (%d, %d), want (42, 1)", val, ver)
	}
}

func TestNextBlocksUntilUpdate(t *testing.T) {
	v := New("idle")
	_, ver := v.Get()

	done := make(chan string, 1)
	go func() {
		val, _ := v.Next(ver)
		done <- val
	}()

	select {
	case <-done:
		t.Fatalf("Next returned before any Set")
	case <-time.After(20 * time.Millisecond):
	}

	v.Set("running")

	select {
	case val := <-done:
		if val != "running" {
			t.Fatalf("Next returned %q, want %q", val, "running")
		}
	case <-time.After(time.Second):
		t.Fatalf("Next did not wake after Set")
	}
}

func TestUpdateMutatesInPlace(t *testing.T) {
	type state struct{ Count int }
	v := New(state{})
	v.Update(func(s *state) { s.Count++ })
	v.Update(func(s *state) { s.Count++ })
	got, ver := v.Get()
	if got.Count != 2 || ver != 2 {
		t.Fatalf("got %+v ver %d, want Count=2 ver=2", got, ver)
	}
}
