// Package watch implements a single-writer/multi-reader broadcast
// cell, the Go equivalent of the tokio::sync::watch channel the
// original xcd uses (original_source/xcd/src/ipc.rs, context.rs) to
// publish upload/run-state progress: readers observe the latest value
// and block for the next update rather than taking a lock on shared
// tables.
package watch

import "sync"

// Value is a single-writer, multi-reader cell: Set publishes a new
// value and wakes every blocked Next call; reads never block on the
// writer and never see a torn value.
type Value[T any] struct {
	mu      sync.Mutex
	current T
	version uint64
	changed *sync.Cond
}

func New[T any](initial T) *Value[T] {
	v := &Value[T]{current: initial}
	v.changed = sync.NewCond(&v.mu)
	return v
}

// Get returns the current value and its version.
func (v *Value[T]) Get() (T, uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.current, v.version
}

// Set publishes a new value, waking every waiter blocked in Next.
func (v *Value[T]) Set(val T) {
	v.mu.Lock()
	v.current = val
	v.version++
	v.mu.Unlock()
	v.changed.Broadcast()
}

// Update mutates the current value in place under the lock, then
// publishes it — for callers building up incremental state.
func (v *Value[T]) Update(mutate func(*T)) {
	v.mu.Lock()
	mutate(&v.current)
	v.version++
	v.mu.Unlock()
	v.changed.Broadcast()
}

// Next blocks until the version advances past since, then returns the
// new value and version. Callers loop: val, ver := w.Get(); for { val,
// ver = w.Next(ver) }.
func (v *Value[T]) Next(since uint64) (T, uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for v.version == since {
		v.changed.Wait()
	}
	return v.current, v.version
}
