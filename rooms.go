package chatmemory

import "sync"

// roomLocks serializes work per room. Entries are dropped once unused.
type roomLocks struct {
	mu    sync.Mutex
	locks map[string]*roomLock
}

type roomLock struct {
	mu   sync.Mutex
	refs int
}

func newRoomLocks() *roomLocks {
	return &roomLocks{locks: make(map[string]*roomLock)}
}

// lock blocks until roomID is free and returns its unlock function.
func (r *roomLocks) lock(roomID string) func() {
	r.mu.Lock()
	l, ok := r.locks[roomID]
	if !ok {
		l = &roomLock{}
		r.locks[roomID] = l
	}
	l.refs++
	r.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		r.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(r.locks, roomID)
		}
		r.mu.Unlock()
	}
}

func (r *roomLocks) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}
