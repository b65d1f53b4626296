package withdrawal

import "sync"

// inflightGuard is a keyed test-and-set lock. It guarantees that at most one
// goroutine processes a given withdrawal at a time, without blocking: the
// second caller is told to go away instead of queueing behind the first.
type inflightGuard struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func newInflightGuard() *inflightGuard {
	return &inflightGuard{keys: make(map[string]struct{})}
}

// TryAcquire reports whether the key was free and is now held by the caller.
func (g *inflightGuard) TryAcquire(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, held := g.keys[key]; held {
		return false
	}
	g.keys[key] = struct{}{}
	return true
}

func (g *inflightGuard) Release(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.keys, key)
}
