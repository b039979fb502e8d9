package httpapi

import (
	"context"
	"sync"
	"sync/atomic"
)

// SessionTracker counts open media stream sessions and supports graceful
// draining. When draining is enabled, new upgrades are rejected while open
// sessions are told to close by the shutdown context and finish on their own.
//
// The mu mutex makes the draining check and wg.Add atomic in Add(), so no
// Add can slip in between StartDraining and Wait.
type SessionTracker struct {
	mu       sync.Mutex
	draining bool
	wg       sync.WaitGroup
	count    atomic.Int64
}

func NewSessionTracker() *SessionTracker {
	return &SessionTracker{}
}

// Add registers a new session. Returns false if the tracker is draining.
func (t *SessionTracker) Add() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.draining {
		return false
	}
	t.wg.Add(1)
	t.count.Add(1)
	return true
}

// Done marks a session as finished. Must be called exactly once per successful Add.
func (t *SessionTracker) Done() {
	t.count.Add(-1)
	t.wg.Done()
}

// StartDraining makes every later Add return false.
func (t *SessionTracker) StartDraining() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.draining = true
}

func (t *SessionTracker) IsDraining() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.draining
}

func (t *SessionTracker) ActiveCount() int64 {
	return t.count.Load()
}

// Wait blocks until every registered session is done or ctx expires.
func (t *SessionTracker) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
