package cas

import "sync"

// Locks hands out one mutex per entity id. Lifecycles hold it across a commit
// and the audit entry describing it, so entries for one entity appear in the
// log in commit order. The zero value is ready to use.
type Locks struct {
	mu   sync.Mutex
	held map[string]*entityLock
}

type entityLock struct {
	mu   sync.Mutex
	refs int
}

// Lock blocks until id is free and returns the matching unlock func.
func (l *Locks) Lock(id string) (unlock func()) {
	l.mu.Lock()
	if l.held == nil {
		l.held = make(map[string]*entityLock)
	}
	el, ok := l.held[id]
	if !ok {
		el = &entityLock{}
		l.held[id] = el
	}
	el.refs++
	l.mu.Unlock()

	el.mu.Lock()
	return func() {
		el.mu.Unlock()
		l.mu.Lock()
		el.refs--
		if el.refs == 0 {
			delete(l.held, id)
		}
		l.mu.Unlock()
	}
}

// Len reports how many ids are currently locked or awaited.
func (l *Locks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.held)
}
