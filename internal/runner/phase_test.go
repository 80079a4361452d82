package runner

import "testing"

func TestPhaseQueueDrainOrder(t *testing.T) {
	q := newPhaseQueue("init", []ExecSpec{{Name: "a"}, {Name: "b"}}, true)
	if q.isEmpty() {
		t.Fatalf("expected non-empty queue")
	}

	spec, ok := q.popFront()
	if !ok || spec.Name != "a" {
		t.Fatalf("popFront = %+v, %v, want a", spec, ok)
	}

	next, spawn, drained := q.tryDrain("a")
	if drained {
		t.Fatalf("tryDrain(a) should not drain while b is still pending")
	}
	if !spawn || next.Name != "b" {
		t.Fatalf("tryDrain(a) = %+v, spawn=%v, want b, spawn=true", next, spawn)
	}

	if _, spawn, drained := q.tryDrain("a"); spawn || drained {
		t.Fatalf("tryDrain(a) should not match once b is the last spawned step")
	}

	if q.lastSpawn != "b" {
		t.Fatalf("lastSpawn = %q, want b (tryDrain(a) pops b for the caller to spawn)", q.lastSpawn)
	}
	if !q.isEmpty() {
		t.Fatalf("queue should be empty once tryDrain(a) has popped b")
	}

	if _, spawn, drained := q.tryDrain("b"); spawn || !drained {
		t.Fatalf("tryDrain(b) should drain once b is the last step and the queue is empty")
	}

	if _, ok := q.popFront(); ok {
		t.Fatalf("popFront on exhausted queue should fail")
	}
}

func TestPhaseQueueEmptyNeverDrains(t *testing.T) {
	q := newPhaseQueue("deinit", nil, true)
	if !q.isEmpty() {
		t.Fatalf("expected empty queue")
	}
	if _, spawn, drained := q.tryDrain("some-other-process"); spawn || drained {
		t.Fatalf("an empty queue with nothing ever spawned should not claim an unrelated process name as its drain")
	}
}

func TestPhaseQueueInactiveNeverDrains(t *testing.T) {
	q := newPhaseQueue("deinit", []ExecSpec{{Name: "a"}}, false)
	spec, ok := q.popFront()
	if !ok || spec.Name != "a" {
		t.Fatalf("popFront = %+v, %v, want a", spec, ok)
	}
	if _, spawn, drained := q.tryDrain("a"); spawn || drained {
		t.Fatalf("an inactive queue should ignore exits even if the name matches its last spawn")
	}
	q.activate()
	if _, spawn, drained := q.tryDrain("a"); spawn || !drained {
		t.Fatalf("once activated, tryDrain(a) should drain an already-exhausted queue")
	}
}
