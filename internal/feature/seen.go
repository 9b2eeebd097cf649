package feature

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/zeebo/blake3"
)

// fingerprint is a 128-bit digest of a dedup key.
type fingerprint [16]byte

func fingerprintOf(key string) fingerprint {
	sum := blake3.Sum256([]byte(key))
	var fp fingerprint
	copy(fp[:], sum[:16])
	return fp
}

// seenSet remembers dedup keys across all workers writing to a channel.
type seenSet interface {
	// firstSighting records key and reports whether it was new.
	firstSighting(key string) bool
	size() int
}

// mapSeen grows without bound.
type mapSeen struct {
	mu sync.Mutex
	m  map[fingerprint]struct{}
}

func newMapSeen() *mapSeen {
	return &mapSeen{m: make(map[fingerprint]struct{})}
}

func (s *mapSeen) firstSighting(key string) bool {
	fp := fingerprintOf(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[fp]; ok {
		return false
	}
	s.m[fp] = struct{}{}
	return true
}

func (s *mapSeen) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}

// lruSeen keeps the most recent capacity keys. An evicted key that shows up
// again is reported as new, so the feature is written twice; a key never
// seen before is always reported as new.
type lruSeen struct {
	c *lru.Cache[fingerprint, struct{}]
}

func newLRUSeen(capacity int) (*lruSeen, error) {
	c, err := lru.New[fingerprint, struct{}](capacity)
	if err != nil {
		return nil, err
	}
	return &lruSeen{c: c}, nil
}

func (s *lruSeen) firstSighting(key string) bool {
	found, _ := s.c.ContainsOrAdd(fingerprintOf(key), struct{}{})
	return !found
}

func (s *lruSeen) size() int {
	return s.c.Len()
}

func newSeenSet(capacity int) (seenSet, error) {
	if capacity > 0 {
		return newLRUSeen(capacity)
	}
	return newMapSeen(), nil
}
