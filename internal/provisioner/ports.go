package provisioner

import (
	"fmt"
	"sync"
)

// portAllocator hands out host ports for microVM sessions from a fixed
// range. Docker sessions do not use it; the daemon picks ephemeral ports
// itself.
type portAllocator struct {
	mu   sync.Mutex
	low  int
	high int
	used map[int]bool
	next int
}

func newPortAllocator(low, high int) *portAllocator {
	return &portAllocator{
		low:  low,
		high: high,
		used: make(map[int]bool),
		next: low,
	}
}

// Acquire returns an unused port from the range.
func (a *portAllocator) Acquire() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	span := a.high - a.low + 1
	for i := 0; i < span; i++ {
		p := a.next
		a.next++
		if a.next > a.high {
			a.next = a.low
		}
		if !a.used[p] {
			a.used[p] = true
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w: port range %d-%d exhausted", ErrResourceExhausted, a.low, a.high)
}

// Release returns a port to the pool. Releasing an unheld port is a no-op so
// duplicate destroys stay safe.
func (a *portAllocator) Release(p int) {
	a.mu.Lock()
	delete(a.used, p)
	a.mu.Unlock()
}

// Reserve marks a port as in use during reconciliation of sessions that
// survived a restart.
func (a *portAllocator) Reserve(p int) {
	if p < a.low || p > a.high {
		return
	}
	a.mu.Lock()
	a.used[p] = true
	a.mu.Unlock()
}
