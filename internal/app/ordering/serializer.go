package ordering

import (
	"context"
	"sort"
	"sync"
)

func ListKey(listID string) string      { return "list:" + listID }
func BoardKey(boardID string) string    { return "board:" + boardID }
func PresenceKey(boardID string) string { return "presence:" + boardID }

// Serializer hands out mutual exclusion per parent key. Keys are created on
// first use and dropped once nobody holds or waits for them, so the map only
// grows with the number of parents under contention.
type Serializer struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sem  chan struct{}
	refs int
}

func NewSerializer() *Serializer {
	return &Serializer{locks: make(map[string]*keyLock)}
}

// Lock blocks until every key is held and returns the release func.
func (s *Serializer) Lock(keys ...string) func() {
	unlock, _ := s.LockContext(context.Background(), keys...)
	return unlock
}

// LockContext acquires keys in lexicographic order after removing duplicates
// and empty keys. If ctx ends while waiting, already held keys are released
// and ctx.Err() is returned.
func (s *Serializer) LockContext(ctx context.Context, keys ...string) (func(), error) {
	ordered := normalizeKeys(keys)
	entries := s.acquireRefs(ordered)

	held := 0
	for _, e := range entries {
		select {
		case e.sem <- struct{}{}:
			held++
		case <-ctx.Done():
			s.release(ordered, entries, held)
			return func() {}, ctx.Err()
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() { s.release(ordered, entries, held) })
	}, nil
}

// Active reports how many keys are currently held or awaited.
func (s *Serializer) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.locks)
}

func (s *Serializer) acquireRefs(keys []string) []*keyLock {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := make([]*keyLock, len(keys))
	for i, k := range keys {
		e, ok := s.locks[k]
		if !ok {
			e = &keyLock{sem: make(chan struct{}, 1)}
			s.locks[k] = e
		}
		e.refs++
		entries[i] = e
	}
	return entries
}

func (s *Serializer) release(keys []string, entries []*keyLock, held int) {
	for i := held - 1; i >= 0; i-- {
		<-entries[i].sem
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, k := range keys {
		e := entries[i]
		e.refs--
		if e.refs == 0 {
			delete(s.locks, k)
		}
	}
}

func normalizeKeys(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
