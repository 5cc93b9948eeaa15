// Package clock provides the scheduling primitive every other package in
// this module builds on: a single logical timeline per agency, delayed
// calls, and a "next tick" primitive that guarantees the caller's stack is
// never re-entered.
//
// There is no suitable third-party scheduler in the example pack for this
// shape (Twisted-style callLater/cancel/active with cooperative
// single-threaded semantics) — github.com/go-co-op/gocron models fixed
// cron/interval schedules, not arbitrary one-shot delayed calls with
// cancel/active interrogation, so this package is intentionally built on
// the standard library's time.Timer.
package clock

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// Call is a handle to a scheduled invocation. It is safe for concurrent use.
type Call struct {
	id       uint64
	at       time.Time
	fn       func(context.Context)
	mu       sync.Mutex
	fired    bool
	canceled bool
	timer    *time.Timer
}

// ScheduledAt returns the absolute time this call is (or was) scheduled to fire.
func (c *Call) ScheduledAt() time.Time {
	return c.at
}

// Clock is the scheduling interface consumed by every other package.
// RealClock is the production implementation; FakeClock drives tests.
type Clock interface {
	Now() time.Time
	CallLater(delay time.Duration, fn func(context.Context)) *Call
	CallNext(fn func(context.Context)) *Call
	Cancel(c *Call)
	Active(c *Call) bool
}

// RealClock schedules calls against the wall clock using one timer per call.
// Timeouts are not drift-compensated, as spec'd: a delay of d always means
// "at least d from now", not "exactly at a corrected absolute time".
type RealClock struct {
	mu      sync.Mutex
	nextID  uint64
	active  map[uint64]*Call
	nextCh  chan func(context.Context)
	closing chan struct{}
	once    sync.Once
}

// NewReal creates a RealClock and starts its CallNext dispatch goroutine.
func NewReal() *RealClock {
	c := &RealClock{
		active:  make(map[uint64]*Call),
		nextCh:  make(chan func(context.Context), 256),
		closing: make(chan struct{}),
	}
	go c.dispatchNext()
	return c
}

// Close stops the CallNext dispatch goroutine. Pending timers are left to
// fire or be garbage collected; callers should Cancel anything outstanding
// before Close if that matters.
func (c *RealClock) Close() {
	c.once.Do(func() { close(c.closing) })
}

func (c *RealClock) dispatchNext() {
	for {
		select {
		case fn := <-c.nextCh:
			fn(context.Background())
		case <-c.closing:
			return
		}
	}
}

func (c *RealClock) Now() time.Time { return time.Now() }

func (c *RealClock) CallLater(delay time.Duration, fn func(context.Context)) *Call {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	call := &Call{id: id, at: time.Now().Add(delay), fn: fn}
	c.active[id] = call
	c.mu.Unlock()

	call.timer = time.AfterFunc(delay, func() {
		call.mu.Lock()
		if call.canceled {
			call.mu.Unlock()
			return
		}
		call.fired = true
		call.mu.Unlock()

		c.mu.Lock()
		delete(c.active, id)
		c.mu.Unlock()

		fn(context.Background())
	})
	return call
}

// CallNext guarantees fn runs after the caller returns: the chain of
// invocations is broken by posting to a channel drained by a dedicated
// goroutine rather than invoking fn synchronously.
func (c *RealClock) CallNext(fn func(context.Context)) *Call {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	call := &Call{id: id, at: time.Now()}
	c.active[id] = call
	c.mu.Unlock()

	wrapped := func(ctx context.Context) {
		call.mu.Lock()
		canceled := call.canceled
		call.fired = true
		call.mu.Unlock()

		c.mu.Lock()
		delete(c.active, id)
		c.mu.Unlock()

		if !canceled {
			fn(ctx)
		}
	}
	call.fn = wrapped

	select {
	case c.nextCh <- wrapped:
	case <-c.closing:
	}
	return call
}

func (c *RealClock) Cancel(call *Call) {
	if call == nil {
		return
	}
	call.mu.Lock()
	defer call.mu.Unlock()
	if call.fired || call.canceled {
		// Cancellation is idempotent: canceling twice, or canceling a call
		// that already fired, is a silent no-op.
		return
	}
	call.canceled = true
	if call.timer != nil {
		call.timer.Stop()
	}
}

func (c *RealClock) Active(call *Call) bool {
	if call == nil {
		return false
	}
	call.mu.Lock()
	defer call.mu.Unlock()
	return !call.fired && !call.canceled
}

// FakeClock is a manually-advanced clock for deterministic tests. It
// maintains a min-heap of pending calls ordered by fire time; Advance(d)
// moves the clock forward by d and fires every call whose time has come,
// in order, synchronously.
type FakeClock struct {
	mu     sync.Mutex
	now    time.Time
	nextID uint64
	pq     pendingQueue
	nextFn []func(context.Context)
}

// NewFake creates a FakeClock starting at the given time.
func NewFake(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) CallLater(delay time.Duration, fn func(context.Context)) *Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	call := &Call{id: c.nextID, at: c.now.Add(delay), fn: fn}
	heap.Push(&c.pq, &pendingItem{call: call})
	return call
}

// CallNext on FakeClock runs fn on the next Advance call, same
// ordering guarantee as RealClock: never before the caller returns.
func (c *FakeClock) CallNext(fn func(context.Context)) *Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	call := &Call{id: c.nextID, at: c.now, fn: fn}
	heap.Push(&c.pq, &pendingItem{call: call})
	return call
}

func (c *FakeClock) Cancel(call *Call) {
	if call == nil {
		return
	}
	call.mu.Lock()
	defer call.mu.Unlock()
	if call.fired || call.canceled {
		return
	}
	call.canceled = true
}

func (c *FakeClock) Active(call *Call) bool {
	if call == nil {
		return false
	}
	call.mu.Lock()
	defer call.mu.Unlock()
	return !call.fired && !call.canceled
}

// Advance moves the fake clock forward by d, firing every call scheduled
// at or before the new time, in scheduled order.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	target := c.now
	c.mu.Unlock()

	for {
		c.mu.Lock()
		if c.pq.Len() == 0 {
			c.mu.Unlock()
			return
		}
		top := c.pq[0]
		if top.call.at.After(target) {
			c.mu.Unlock()
			return
		}
		heap.Pop(&c.pq)
		call := top.call
		c.mu.Unlock()

		call.mu.Lock()
		canceled := call.canceled
		call.fired = true
		fn := call.fn
		call.mu.Unlock()

		if !canceled && fn != nil {
			fn(context.Background())
		}
	}
}

type pendingItem struct {
	call *Call
}

type pendingQueue []*pendingItem

func (q pendingQueue) Len() int { return len(q) }
func (q pendingQueue) Less(i, j int) bool {
	if !q[i].call.at.Equal(q[j].call.at) {
		return q[i].call.at.Before(q[j].call.at)
	}
	return q[i].call.id < q[j].call.id
}
func (q pendingQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *pendingQueue) Push(x any)        { *q = append(*q, x.(*pendingItem)) }
func (q *pendingQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}
