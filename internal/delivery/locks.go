package delivery

import (
	"context"
	"sync"
)

// DomainLocks serializes credential rotation against in-flight deliveries,
// per domain. A campaign run holds the shared side for its whole duration;
// rotation needs the exclusive side.
type DomainLocks struct {
	mu    sync.Mutex
	locks map[int64]*sync.RWMutex
}

func NewDomainLocks() *DomainLocks {
	return &DomainLocks{locks: make(map[int64]*sync.RWMutex)}
}

func (l *DomainLocks) lock(domainID int64) *sync.RWMutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	rw, ok := l.locks[domainID]
	if !ok {
		rw = &sync.RWMutex{}
		l.locks[domainID] = rw
	}
	return rw
}

// Shared acquires the delivery side of the domain lock. Multiple campaigns
// for a domain may run concurrently; only rotation is excluded.
func (l *DomainLocks) Shared(domainID int64) (release func()) {
	rw := l.lock(domainID)
	rw.RLock()
	return rw.RUnlock
}

// TryExclusive acquires the rotation side without blocking.
func (l *DomainLocks) TryExclusive(domainID int64) (release func(), ok bool) {
	rw := l.lock(domainID)
	if !rw.TryLock() {
		return nil, false
	}
	return rw.Unlock, true
}

// Exclusive blocks until the rotation side is available or ctx ends.
func (l *DomainLocks) Exclusive(ctx context.Context, domainID int64) (release func(), err error) {
	rw := l.lock(domainID)

	acquired := make(chan struct{})
	go func() {
		rw.Lock()
		close(acquired)
	}()

	select {
	case <-acquired:
		return rw.Unlock, nil
	case <-ctx.Done():
		// The goroutine will still acquire eventually; hand the lock back.
		go func() {
			<-acquired
			rw.Unlock()
		}()
		return nil, ctx.Err()
	}
}
