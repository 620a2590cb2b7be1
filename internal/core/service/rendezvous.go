package service

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Rendezvous is the two-party barrier that forces both writers to overlap
// their first transaction. A writer arrives after its first conditional
// update, waits for the peer, then parks until the peer's wake signal.
//
// Every wait is bounded by the hold window: a peer whose update is stuck
// behind our row lock inside the database can only arrive after we roll
// back, so an unbounded both-arrived wait would deadlock against engines
// that block the conditional update. The hold window doubles as the
// long-running-transaction simulation.
type Rendezvous struct {
	hold time.Duration

	// wake carries the auto-reset release signal: a Wake before the peer
	// parks is retained, a second Wake is absorbed.
	wake chan struct{}

	mu      sync.Mutex
	arrived int
	both    chan struct{}
}

func NewRendezvous(hold time.Duration) *Rendezvous {
	return &Rendezvous{
		hold: hold,
		wake: make(chan struct{}, 1),
		both: make(chan struct{}),
	}
}

// Await records this writer's arrival and parks it for the hold window,
// releasing early only when the peer has both arrived and sent its wake
// signal. ctx cancels the wait.
func (r *Rendezvous) Await(ctx context.Context) error {
	r.Arrive()

	timer := time.NewTimer(r.hold)
	defer timer.Stop()

	select {
	case <-r.both:
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("rendezvous: %w", ctx.Err())
	}

	select {
	case <-r.wake:
	case <-timer.C:
	case <-ctx.Done():
		return fmt.Errorf("rendezvous: %w", ctx.Err())
	}
	return nil
}

// Arrive records arrival without parking. Used when the writer gives up
// its transaction before spending the hold window.
func (r *Rendezvous) Arrive() {
	r.mu.Lock()
	r.arrived++
	if r.arrived == 2 {
		close(r.both)
	}
	r.mu.Unlock()
}

// Wake releases a peer parked in Await. Non-blocking.
func (r *Rendezvous) Wake() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Arrived reports how many writers have reached the barrier.
func (r *Rendezvous) Arrived() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.arrived
}
