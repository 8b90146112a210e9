package goal

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrNoPendingApproval is returned by Resolve when nothing is waiting.
	ErrNoPendingApproval = errors.New("no approval is pending for this goal")
	// ErrAlreadyWaiting is returned by Wait when the goal already has a waiter.
	ErrAlreadyWaiting = errors.New("goal already has an outstanding approval wait")
)

// Resolution is how a gate wait ended.
type Resolution int

const (
	Approved Resolution = iota
	Rejected
	TimedOut
)

func (r Resolution) String() string {
	switch r {
	case Approved:
		return "approved"
	case Rejected:
		return "rejected"
	case TimedOut:
		return "timed out"
	}
	return "unknown"
}

type waiter struct {
	ch chan bool
}

// Approvals pairs gate waits with externally delivered resolutions. Each
// goal has at most one outstanding wait, and exactly one of resolve,
// timeout and cancellation ends it.
type Approvals struct {
	mu      sync.Mutex
	waiters map[string]*waiter
}

// NewApprovals returns an empty waiter registry.
func NewApprovals() *Approvals {
	return &Approvals{waiters: make(map[string]*waiter)}
}

// Wait blocks until the goal's gate is resolved, timeout elapses or ctx is
// done. A non-positive timeout waits indefinitely.
func (a *Approvals) Wait(ctx context.Context, goalID string, timeout time.Duration) (Resolution, error) {
	a.mu.Lock()
	if _, ok := a.waiters[goalID]; ok {
		a.mu.Unlock()
		return 0, ErrAlreadyWaiting
	}
	w := &waiter{ch: make(chan bool, 1)}
	a.waiters[goalID] = w
	a.mu.Unlock()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case approved := <-w.ch:
		return resolution(approved), nil
	case <-expired:
		if approved, resolved := a.withdraw(goalID, w); resolved {
			return resolution(approved), nil
		}
		return TimedOut, nil
	case <-ctx.Done():
		if approved, resolved := a.withdraw(goalID, w); resolved {
			return resolution(approved), nil
		}
		return 0, ctx.Err()
	}
}

// withdraw removes w unless a resolution already claimed it, in which case
// that resolution is returned.
func (a *Approvals) withdraw(goalID string, w *waiter) (approved, resolved bool) {
	a.mu.Lock()
	if a.waiters[goalID] == w {
		delete(a.waiters, goalID)
		a.mu.Unlock()
		return false, false
	}
	a.mu.Unlock()
	return <-w.ch, true
}

// Resolve delivers a decision to the goal's waiter.
func (a *Approvals) Resolve(goalID string, approve bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	w, ok := a.waiters[goalID]
	if !ok {
		return ErrNoPendingApproval
	}
	delete(a.waiters, goalID)
	w.ch <- approve
	return nil
}

// Waiting reports whether the goal has an outstanding wait.
func (a *Approvals) Waiting(goalID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.waiters[goalID]
	return ok
}

func resolution(approved bool) Resolution {
	if approved {
		return Approved
	}
	return Rejected
}
