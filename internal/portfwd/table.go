package portfwd

import (
	"strings"
	"sync"
)

// ContainerID tags rules by their owning container.
type ContainerID = string

type entry struct {
	id   ContainerID
	rule *Rule
}

// Table is an order-preserving list of (container-id, rule) pairs
// with a by-container index, modeled on the ArcList/tokens structure
// of original_source/xcd/src/port.rs. The index serves ForID and
// Remove's presence check; Remove itself filters the whole list in
// one linear pass, so removal is O(n) in the number of rules.
type Table struct {
	mu      sync.Mutex
	entries []*entry
	byID    map[ContainerID][]*entry
}

func NewTable() *Table {
	return &Table{byID: make(map[ContainerID][]*entry)}
}

// Append adds rule at the end of insertion order, tagged with id.
func (t *Table) Append(id ContainerID, rule *Rule) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := &entry{id: id, rule: rule}
	t.entries = append(t.entries, e)
	t.byID[id] = append(t.byID[id], e)
}

// Remove deletes all rules tagged with id, preserving the relative
// order of every other container's rules.
func (t *Table) Remove(id ContainerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.byID[id]; !ok {
		return
	}
	delete(t.byID, id)
	kept := t.entries[:0]
	for _, e := range t.entries {
		if e.id != id {
			kept = append(kept, e)
		}
	}
	t.entries = kept
}

// All returns every rule in insertion order.
func (t *Table) All() []*Rule {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Rule, len(t.entries))
	for i, e := range t.entries {
		out[i] = e.rule
	}
	return out
}

// ForID returns the rules tagged with id, in insertion order.
func (t *Table) ForID(id ContainerID) []*Rule {
	t.mu.Lock()
	defer t.mu.Unlock()
	es := t.byID[id]
	out := make([]*Rule, len(es))
	for i, e := range es {
		out[i] = e.rule
	}
	return out
}

// Render produces the textual ruleset block assignable to an anchor.
func (t *Table) Render() string {
	var sb strings.Builder
	for _, r := range t.All() {
		sb.WriteString(r.ToPFRule())
		sb.WriteString("\n")
	}
	return sb.String()
}
