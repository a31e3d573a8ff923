package testutil

import (
	"fmt"
	"sync"
)

// Sequence generates ids "<prefix>-0001", "<prefix>-0002", ...
//
// It satisfies orchestrator.IDGenerator, and Func adapts it to the
// func() string generators of the stores.
//
// Thread-safety: Sequence is safe for concurrent use.
type Sequence struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequence returns a generator for prefix. An empty prefix yields
// "id-0001".
func NewSequence(prefix string) *Sequence {
	if prefix == "" {
		prefix = "id"
	}
	return &Sequence{prefix: prefix}
}

// Generate returns the next id.
func (s *Sequence) Generate() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("%s-%04d", s.prefix, s.n)
}

// Func returns Generate as a function value.
func (s *Sequence) Func() func() string {
	return s.Generate
}

// Count is the number of ids handed out.
func (s *Sequence) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}

// Reset restarts the sequence at 1.
func (s *Sequence) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n = 0
}
