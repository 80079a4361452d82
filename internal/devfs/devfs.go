// Package devfs interns devfs rule sets to stable numeric ids (spec
// §4.3), mirroring the mutex-guarded map idiom used by the teacher's
// container pool.
package devfs

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// RulesetID is a devfs ruleset identifier.
type RulesetID uint16

// Registrar loads a set of rule strings into the host devfs
// subsystem; a non-nil error fails the Intern call that invoked it.
type Registrar func(id RulesetID, rules []string) error

// Store interns ordered rule lists to ids above Offset.
type Store struct {
	mu       sync.Mutex
	Offset   RulesetID
	Force    map[string]RulesetID // canonical key -> forced id
	register Registrar

	byRules map[string]RulesetID
	next    RulesetID
}

func NewStore(offset RulesetID, register Registrar) *Store {
	return &Store{
		Offset:   offset,
		next:     offset,
		register: register,
		byRules:  make(map[string]RulesetID),
		Force:    make(map[string]RulesetID),
	}
}

func canonicalKey(rules []string) string {
	return strings.Join(rules, "\n")
}

// Intern returns the stable id for rules, allocating and registering a
// new one on first sight. Idempotent under sequence equality of rules.
func (s *Store) Intern(rules []string) (RulesetID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := canonicalKey(rules)
	if id, ok := s.byRules[key]; ok {
		return id, nil
	}
	if forced, ok := s.Force[key]; ok {
		s.byRules[key] = forced
		return forced, nil
	}

	id := s.next
	s.next++

	if s.register != nil {
		if err := s.register(id, rules); err != nil {
			s.next--
			return 0, fmt.Errorf("devfs: register ruleset %d: %w", id, err)
		}
	}
	s.byRules[key] = id
	slog.Info("devfs.Store.Intern allocated ruleset", "id", id, "rules", len(rules))
	return id, nil
}
