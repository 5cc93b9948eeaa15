package protocol

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/featgo/agency/internal/clock"
)

// TaskFunc constructs one tick's inner task.
type TaskFunc func() (Instance, error)

// PeriodicProtocol wraps a TaskFunc with a fixed period. At most one inner
// task runs at a time; the next tick is scheduled `period` after the
// previous tick's completion, never `period` after the previous tick's
// start.
type PeriodicProtocol struct {
	guid    string
	factory TaskFunc
	period  time.Duration
	clk     clock.Clock
	logger  *zap.Logger

	// onTick, if set, is invoked synchronously after each completed tick
	// with the running completion count — the hook tests use to assert an
	// "external" counter stays in lockstep with the internal one.
	onTick func(count int)

	mu          sync.Mutex
	count       int
	current     Instance
	pendingCall *clock.Call
	canceled    bool
}

// NewPeriodicProtocol creates a PeriodicProtocol. Call Start to run the
// first tick immediately.
func NewPeriodicProtocol(clk clock.Clock, logger *zap.Logger, factory TaskFunc, period time.Duration) *PeriodicProtocol {
	return &PeriodicProtocol{
		guid:    uuid.NewString(),
		factory: factory,
		period:  period,
		clk:     clk,
		logger:  logger.Named("protocol.periodic"),
	}
}

func (p *PeriodicProtocol) GUID() string { return p.guid }
func (p *PeriodicProtocol) Kind() Kind   { return KindPeriodic }

// OnTick installs a callback invoked after each completed tick.
func (p *PeriodicProtocol) OnTick(cb func(count int)) { p.onTick = cb }

// TickCount returns how many ticks have completed so far.
func (p *PeriodicProtocol) TickCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}

func (p *PeriodicProtocol) IsIdle() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current == nil
}

// NotifyFinish is never signaled: a periodic protocol only stops via
// Cancel, it does not have a natural "done" state.
func (p *PeriodicProtocol) NotifyFinish() <-chan error { return nil }

// Cleanup is an alias for Cancel, satisfying Instance.
func (p *PeriodicProtocol) Cleanup() { p.Cancel() }

// Start runs the first tick synchronously-scheduled through the clock, so
// construction never itself triggers the task.
func (p *PeriodicProtocol) Start() {
	p.clk.CallNext(func(ctx context.Context) { p.tick() })
}

// Cancel stops future ticks and aborts the currently running task if it
// implements LongRunning.
func (p *PeriodicProtocol) Cancel() {
	p.mu.Lock()
	p.canceled = true
	if p.pendingCall != nil {
		p.clk.Cancel(p.pendingCall)
		p.pendingCall = nil
	}
	cur := p.current
	p.mu.Unlock()

	if lr, ok := cur.(LongRunning); ok {
		lr.Cancel()
	}
}

func (p *PeriodicProtocol) tick() {
	p.mu.Lock()
	if p.canceled {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	inst, err := p.factory()
	if err != nil {
		p.logger.Warn("periodic task instantiation failed")
		p.scheduleNext()
		return
	}

	p.mu.Lock()
	p.current = inst
	p.mu.Unlock()

	go func() {
		var finishErr error
		if ch := inst.NotifyFinish(); ch != nil {
			finishErr = <-ch
		}
		if finishErr != nil {
			p.logger.Warn("periodic task finished with error")
		}

		p.mu.Lock()
		p.count++
		count := p.count
		p.current = nil
		canceled := p.canceled
		p.mu.Unlock()

		if p.onTick != nil {
			p.onTick(count)
		}
		if !canceled {
			p.scheduleNext()
		}
	}()
}

func (p *PeriodicProtocol) scheduleNext() {
	call := p.clk.CallLater(p.period, func(ctx context.Context) { p.tick() })
	p.mu.Lock()
	if p.canceled {
		p.mu.Unlock()
		p.clk.Cancel(call)
		return
	}
	p.pendingCall = call
	p.mu.Unlock()
}
