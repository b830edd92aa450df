package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrSessionClosed is returned when a MemoryProvider session is used after Close or Destroy.
var ErrSessionClosed = errors.New("session closed")

// MemoryProvider is an in-memory implementation of SessionProvider for
// testing and development. It reproduces the engine's session-scoped
// semantics: locks are reentrant per session and only the owning session can
// release them. Destroying a session drops every lock it holds; closing one
// returns it to the "pool" with its locks still held, as pgxpool would.
type MemoryProvider struct {
	mu      sync.Mutex
	owners  map[int64]*memorySession
	counts  map[int64]int
	changed chan struct{}

	openErr   error
	statusErr error

	opened   atomic.Int64
	active   atomic.Int64
	requests atomic.Int64
}

// NewMemoryProvider creates an empty in-memory provider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		owners:  make(map[int64]*memorySession),
		counts:  make(map[int64]int),
		changed: make(chan struct{}),
	}
}

// Open implements SessionProvider.Open.
func (p *MemoryProvider) Open(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	err := p.openErr
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}

	p.opened.Add(1)
	p.active.Add(1)
	return &memorySession{provider: p}, nil
}

// IsLocked implements SessionProvider.IsLocked.
func (p *MemoryProvider) IsLocked(ctx context.Context, id int64) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.statusErr != nil {
		return false, p.statusErr
	}
	_, held := p.owners[id]
	return held, nil
}

// FailOpen makes every subsequent Open return err. Pass nil to recover.
func (p *MemoryProvider) FailOpen(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.openErr = err
}

// FailStatus makes every subsequent IsLocked return err. Pass nil to recover.
func (p *MemoryProvider) FailStatus(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statusErr = err
}

// Opened returns the number of sessions opened so far (for testing).
func (p *MemoryProvider) Opened() int64 {
	return p.opened.Load()
}

// ActiveSessions returns the number of sessions not yet closed (for testing).
func (p *MemoryProvider) ActiveSessions() int64 {
	return p.active.Load()
}

// HeldLocks returns the number of identifiers currently held by any session (for testing).
func (p *MemoryProvider) HeldLocks() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.owners)
}

// GrantRequests returns the number of Lock and TryLock calls made so far (for testing).
func (p *MemoryProvider) GrantRequests() int64 {
	return p.requests.Load()
}

// take grants id to s if it is free or already owned by s.
func (p *MemoryProvider) take(s *memorySession, id int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if owner, held := p.owners[id]; held && owner != s {
		return false
	}
	p.owners[id] = s
	p.counts[id]++
	return true
}

// waitChan returns a channel closed on the next release.
func (p *MemoryProvider) waitChan() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.changed
}

// broadcast wakes every waiter. Callers must hold p.mu.
func (p *MemoryProvider) broadcast() {
	close(p.changed)
	p.changed = make(chan struct{})
}

func (p *MemoryProvider) give(s *memorySession, id int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if owner, held := p.owners[id]; !held || owner != s {
		return false
	}
	p.counts[id]--
	if p.counts[id] == 0 {
		delete(p.owners, id)
		delete(p.counts, id)
		p.broadcast()
	}
	return true
}

// dropAll releases every lock s holds, as the engine does when a session ends.
func (p *MemoryProvider) dropAll(s *memorySession) {
	p.mu.Lock()
	defer p.mu.Unlock()

	dropped := false
	for id, owner := range p.owners {
		if owner == s {
			delete(p.owners, id)
			delete(p.counts, id)
			dropped = true
		}
	}
	if dropped {
		p.broadcast()
	}
}

// memorySession is a Session of a MemoryProvider.
type memorySession struct {
	provider *MemoryProvider
	closed   atomic.Bool
}

func (s *memorySession) Lock(ctx context.Context, id int64, timeout time.Duration) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	s.provider.requests.Add(1)

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		// Subscribe before trying so a release between the two is not missed.
		wait := s.provider.waitChan()
		if s.provider.take(s, id) {
			return nil
		}
		select {
		case <-wait:
		case <-deadline:
			return ErrLockNotAvailable
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *memorySession) TryLock(ctx context.Context, id int64) (bool, error) {
	if s.closed.Load() {
		return false, ErrSessionClosed
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.provider.requests.Add(1)
	return s.provider.take(s, id), nil
}

func (s *memorySession) Unlock(ctx context.Context, id int64) (bool, error) {
	if s.closed.Load() {
		return false, ErrSessionClosed
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return s.provider.give(s, id), nil
}

func (s *memorySession) Close() {
	if s.closed.CompareAndSwap(false, true) {
		s.provider.active.Add(-1)
	}
}

func (s *memorySession) Destroy(ctx context.Context) error {
	if s.closed.CompareAndSwap(false, true) {
		s.provider.dropAll(s)
		s.provider.active.Add(-1)
	}
	return nil
}
