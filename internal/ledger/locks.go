package ledger

import "sync"

// peerLocks hands out one mutex per peer id and forgets it once nobody holds or waits on it.
type peerLocks struct {
	mu    sync.Mutex
	locks map[string]*peerLock
}

type peerLock struct {
	sync.Mutex
	refs int
}

func newPeerLocks() *peerLocks {
	return &peerLocks{locks: make(map[string]*peerLock)}
}

// lock blocks until the caller owns peerID and returns the release func.
func (p *peerLocks) lock(peerID string) func() {
	p.mu.Lock()
	l, ok := p.locks[peerID]
	if !ok {
		l = &peerLock{}
		p.locks[peerID] = l
	}
	l.refs++
	p.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		p.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(p.locks, peerID)
		}
		p.mu.Unlock()
	}
}
