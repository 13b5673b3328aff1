package pipeline

import "sync"

const (
	memoCapacity = 100
	memoTrimTo   = 50
)

// memo is a bounded set of already-dispatched job keys. When it reaches
// capacity the oldest half is dropped, so recent keys always survive long
// enough to cover the polling overlap window.
type memo struct {
	mu    sync.Mutex
	seen  map[string]bool
	order []string
	cap   int
	trim  int
}

func newMemo() *memo {
	return &memo{
		seen: make(map[string]bool),
		cap:  memoCapacity,
		trim: memoTrimTo,
	}
}

// MarkIfNew records key and reports true if it had not been seen before.
func (m *memo) MarkIfNew(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.seen[key] {
		return false
	}

	m.seen[key] = true
	m.order = append(m.order, key)

	if len(m.order) >= m.cap {
		drop := len(m.order) - m.trim
		for _, old := range m.order[:drop] {
			delete(m.seen, old)
		}
		m.order = append([]string(nil), m.order[drop:]...)
	}
	return true
}

// Seen reports whether key has been dispatched.
func (m *memo) Seen(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seen[key]
}

// Len returns the number of live keys.
func (m *memo) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.order)
}
