// Package deferred provides a settle-once future used to wait for the
// asynchronous confirmation of a programmatic media action, with a timeout
// fallback so a missing confirmation never blocks the caller forever.
package deferred

import (
	"context"
	"sync"
	"time"
)

// Deferred settles exactly once. Resolving an already-settled Deferred is a
// no-op, so a confirmation arriving after the caller gave up is harmless.
type Deferred struct {
	once sync.Once
	done chan struct{}
}

// New returns an unsettled Deferred.
func New() *Deferred {
	return &Deferred{done: make(chan struct{})}
}

// Resolve settles the Deferred. Idempotent.
func (d *Deferred) Resolve() {
	d.once.Do(func() { close(d.done) })
}

// Settled reports whether Resolve has been called.
func (d *Deferred) Settled() bool {
	select {
	case <-d.done:
		return true
	default:
		return false
	}
}

// Done exposes the settle channel for select loops.
func (d *Deferred) Done() <-chan struct{} {
	return d.done
}

// Wait blocks until the Deferred settles or ctx is done. Returns true when it
// settled, false when the context won.
func (d *Deferred) Wait(ctx context.Context) bool {
	select {
	case <-d.done:
		return true
	case <-ctx.Done():
		return false
	}
}

// WaitTimeout blocks up to timeout. Returns true when the Deferred settled in
// time. The timeout does not settle the Deferred; a later Resolve still works.
func (d *Deferred) WaitTimeout(timeout time.Duration) bool {
	select {
	case <-d.done:
		return true
	default:
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-d.done:
		return true
	case <-t.C:
		return false
	}
}
