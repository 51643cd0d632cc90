package matching

import "sync"

// pairLocks hands out one mutex per unordered user pair. Entries are
// reference counted and dropped when the last holder unlocks.
type pairLocks struct {
	mu    sync.Mutex
	locks map[[2]string]*pairLock
}

type pairLock struct {
	mu   sync.Mutex
	refs int
}

func newPairLocks() *pairLocks {
	return &pairLocks{locks: make(map[[2]string]*pairLock)}
}

func (p *pairLocks) lock(a, b string) (unlock func()) {
	if b < a {
		a, b = b, a
	}
	key := [2]string{a, b}

	p.mu.Lock()
	l, ok := p.locks[key]
	if !ok {
		l = &pairLock{}
		p.locks[key] = l
	}
	l.refs++
	p.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		p.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(p.locks, key)
		}
		p.mu.Unlock()
	}
}

func (p *pairLocks) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.locks)
}
