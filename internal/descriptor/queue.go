package descriptor

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/featgo/agency/internal/clock"
)

// Mutator mutates a private copy of the descriptor and returns an arbitrary
// result to hand back to the caller. It must be synchronous; the type
// signature makes a mutator returning a deferred/future unrepresentable
// rather than merely documented as disallowed.
type Mutator func(*Descriptor) (any, error)

// UpdateResult is delivered on the channel returned by Enqueue.
type UpdateResult struct {
	Value any
	Err   error
}

// ConflictHandler is invoked when a save observes a revision conflict —
// "another instance owns this agent". The AgencyAgent wires this to its
// hard-terminate procedure.
type ConflictHandler func()

// UpdateQueue serializes mutations of one agent's own descriptor against
// the database's optimistic concurrency control. At most one
// updateDescriptor is in flight at a time; updates are applied in FIFO
// submission order.
type UpdateQueue struct {
	store    *Store
	clock    clock.Clock
	logger   *zap.Logger
	onConflict ConflictHandler

	mu       sync.Mutex
	current  *Descriptor
	pending  []pendingUpdate
	updating bool
}

type pendingUpdate struct {
	mutator Mutator
	result  chan UpdateResult
}

// NewUpdateQueue creates a queue seeded with the descriptor's current value.
func NewUpdateQueue(store *Store, clk clock.Clock, logger *zap.Logger, initial *Descriptor, onConflict ConflictHandler) *UpdateQueue {
	return &UpdateQueue{
		store:      store,
		clock:      clk,
		logger:     logger.Named("descriptor.queue"),
		onConflict: onConflict,
		current:    initial,
	}
}

// Current returns the in-memory descriptor as of the last successful save.
func (q *UpdateQueue) Current() *Descriptor {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.current.Clone()
}

// Enqueue queues mutator for application and returns a channel that
// receives exactly one UpdateResult once it has been applied (or failed).
// The drain is always continued through Clock.CallNext so it never blocks
// the caller, even when called reentrantly from within another mutator.
func (q *UpdateQueue) Enqueue(mutator Mutator) <-chan UpdateResult {
	result := make(chan UpdateResult, 1)

	q.mu.Lock()
	q.pending = append(q.pending, pendingUpdate{mutator: mutator, result: result})
	shouldStart := !q.updating
	if shouldStart {
		q.updating = true
	}
	q.mu.Unlock()

	if shouldStart {
		q.clock.CallNext(func(ctx context.Context) { q.drain(ctx) })
	}
	return result
}

// drain applies one pending update and, if more remain, reschedules itself
// via CallNext rather than looping synchronously — this keeps every
// database round-trip off the caller's stack so draining never blocks.
func (q *UpdateQueue) drain(ctx context.Context) {
	q.mu.Lock()
	if len(q.pending) == 0 {
		q.updating = false
		q.mu.Unlock()
		return
	}
	next := q.pending[0]
	q.pending = q.pending[1:]
	working := q.current.Clone()
	q.mu.Unlock()

	value, mutErr := next.mutator(working)
	if mutErr != nil {
		next.result <- UpdateResult{Err: fmt.Errorf("descriptor: mutator failed: %w", mutErr)}
		q.continueDrain()
		return
	}

	saved, err := q.store.Save(ctx, working)
	switch {
	case err == nil:
		q.mu.Lock()
		q.current = saved
		q.mu.Unlock()
		next.result <- UpdateResult{Value: value}

	case err == ErrConflict:
		q.logger.Error("descriptor save conflict, another instance owns this agent",
			zap.String("doc_id", working.DocID))
		next.result <- UpdateResult{Err: ErrConflict}
		if q.onConflict != nil {
			q.onConflict()
		}
		// A conflict means this instance has been usurped; do not keep
		// draining into a descriptor we no longer own.
		q.mu.Lock()
		q.pending = nil
		q.updating = false
		q.mu.Unlock()
		return

	default:
		q.logger.Warn("descriptor save failed", zap.Error(err))
		next.result <- UpdateResult{Err: err}
	}

	q.continueDrain()
}

func (q *UpdateQueue) continueDrain() {
	q.mu.Lock()
	more := len(q.pending) > 0
	if !more {
		q.updating = false
	}
	q.mu.Unlock()

	if more {
		q.clock.CallNext(func(ctx context.Context) { q.drain(ctx) })
	}
}
