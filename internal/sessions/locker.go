package sessions

import (
	"context"
	"errors"
	"sync"
)

// ErrLockTimeout is returned when acquiring a session lock gives up.
var ErrLockTimeout = errors.New("sessions: lock acquisition timeout")

// sessionLock is the wait state for one session key. Waiters queue in
// arrival order and the lock is handed off head-first, so messages from the
// same session are processed strictly in received order.
type sessionLock struct {
	held    bool
	waiters []chan struct{}
}

// Locker serializes work per session key. Distinct keys never contend.
type Locker struct {
	mu    sync.Mutex
	locks map[string]*sessionLock
}

// NewLocker creates an empty lock table.
func NewLocker() *Locker {
	return &Locker{locks: make(map[string]*sessionLock)}
}

// Acquire blocks until the session lock is held or ctx ends. On success the
// returned release function must be called exactly once.
func (l *Locker) Acquire(ctx context.Context, sessionKey string) (func(), error) {
	l.mu.Lock()
	s, ok := l.locks[sessionKey]
	if !ok {
		s = &sessionLock{}
		l.locks[sessionKey] = s
	}
	if !s.held {
		s.held = true
		l.mu.Unlock()
		return func() { l.release(sessionKey) }, nil
	}

	ready := make(chan struct{})
	s.waiters = append(s.waiters, ready)
	l.mu.Unlock()

	select {
	case <-ready:
		return func() { l.release(sessionKey) }, nil
	case <-ctx.Done():
		l.mu.Lock()
		handed := false
		select {
		case <-ready:
			// The release handed us the lock before we could back out.
			handed = true
		default:
			for i, ch := range s.waiters {
				if ch == ready {
					s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
					break
				}
			}
		}
		l.mu.Unlock()
		if handed {
			l.release(sessionKey)
		}
		return nil, ctx.Err()
	}
}

// TryAcquire takes the lock only if it is free.
func (l *Locker) TryAcquire(sessionKey string) (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.locks[sessionKey]
	if !ok {
		s = &sessionLock{}
		l.locks[sessionKey] = s
	}
	if s.held {
		return nil, false
	}
	s.held = true
	return func() { l.release(sessionKey) }, true
}

func (l *Locker) release(sessionKey string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.locks[sessionKey]
	if !ok {
		return
	}
	if len(s.waiters) > 0 {
		next := s.waiters[0]
		s.waiters = s.waiters[1:]
		close(next)
		return
	}
	s.held = false
	delete(l.locks, sessionKey)
}

// Locked reports whether the session lock is currently held.
func (l *Locker) Locked(sessionKey string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.locks[sessionKey]
	return ok && s.held
}

// Pending returns the number of goroutines waiting on the session lock.
func (l *Locker) Pending(sessionKey string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.locks[sessionKey]
	if !ok {
		return 0
	}
	return len(s.waiters)
}
