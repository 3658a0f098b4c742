package calls

import "sync"

// callLocks serializes lifecycle operations per call id within one process.
// Entries are reference counted and dropped when the last holder unlocks.
type callLocks struct {
	mu    sync.Mutex
	locks map[string]*callLock
}

type callLock struct {
	mu   sync.Mutex
	refs int
}

func newCallLocks() *callLocks {
	return &callLocks{locks: map[string]*callLock{}}
}

func (l *callLocks) lock(id string) func() {
	l.mu.Lock()
	cl, ok := l.locks[id]
	if !ok {
		cl = &callLock{}
		l.locks[id] = cl
	}
	cl.refs++
	l.mu.Unlock()

	cl.mu.Lock()
	return func() {
		cl.mu.Unlock()
		l.mu.Lock()
		cl.refs--
		if cl.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}

func (l *callLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
