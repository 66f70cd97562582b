package id

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Source hands out unique stream ids.
type Source interface {
	Next() string
}

// UUID issues time-ordered UUIDv7 strings, so ids created later sort later.
type UUID struct{}

// Next returns a new id. It falls back to a random v4 UUID if the v7
// generator cannot read entropy.
func (UUID) Next() string {
	u, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return u.String()
}

// Sequence issues prefix-1, prefix-2, ... and is meant for tests and
// deterministic tooling.
type Sequence struct {
	Prefix string

	mu sync.Mutex
	n  uint64
}

func (s *Sequence) Next() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	p := s.Prefix
	if p == "" {
		p = "stream"
	}
	return fmt.Sprintf("%s-%d", p, s.n)
}

// Valid reports whether s parses as a UUID.
func Valid(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
