package protocol

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/featgo/agency/internal/clock"
)

// RetryingConfig parameterizes RetryingProtocol.
// MaxRetries nil means unlimited retries. MaxDelay nil means no cap.
type RetryingConfig struct {
	MaxRetries   *int
	InitialDelay time.Duration
	MaxDelay     *time.Duration
}

// RetryingProtocol wraps an InitiatorFunc with exponential backoff.
//
// currentDelay is memoized and doubled on *every* failure, including the
// terminal one that exhausts the retry budget — only the act of actually
// scheduling a retry timer is conditional on the budget, not the bookkeeping
// update. This makes LastDelay's "final computed delay" equal to one more
// doubling than the last delay actually used to schedule a retry.
type RetryingProtocol struct {
	guid   string
	cfg    RetryingConfig
	factory InitiatorFunc
	args    any
	clk     clock.Clock
	logger  *zap.Logger

	mu           sync.Mutex
	attempts     int
	currentDelay time.Duration
	lastDelay    time.Duration
	pendingCall  *clock.Call
	inner        Instance
	canceled     bool
	finished     bool
	done         chan error
}

// NewRetryingProtocol creates a RetryingProtocol. Call Start to begin the
// first attempt.
func NewRetryingProtocol(clk clock.Clock, logger *zap.Logger, factory InitiatorFunc, args any, cfg RetryingConfig) *RetryingProtocol {
	return &RetryingProtocol{
		guid:         uuid.NewString(),
		cfg:          cfg,
		factory:      factory,
		args:         args,
		clk:          clk,
		logger:       logger.Named("protocol.retrying"),
		currentDelay: cfg.InitialDelay,
		done:         make(chan error, 1),
	}
}

func (r *RetryingProtocol) GUID() string          { return r.guid }
func (r *RetryingProtocol) Kind() Kind            { return KindRetrying }
func (r *RetryingProtocol) NotifyFinish() <-chan error { return r.done }

// LastDelay returns the most recently computed (capped) backoff delay.
func (r *RetryingProtocol) LastDelay() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastDelay
}

// Attempts returns the number of inner-initiator calls made so far.
func (r *RetryingProtocol) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

func (r *RetryingProtocol) IsIdle() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finished
}

// Cleanup aborts the inner protocol and cancels any pending retry timer.
func (r *RetryingProtocol) Cleanup() { r.Cancel() }

// Cancel cancels any pending retry timer and aborts the in-flight inner
// protocol, if one implements LongRunning.
func (r *RetryingProtocol) Cancel() {
	r.mu.Lock()
	r.canceled = true
	if r.pendingCall != nil {
		r.clk.Cancel(r.pendingCall)
		r.pendingCall = nil
	}
	inner := r.inner
	r.mu.Unlock()

	if lr, ok := inner.(LongRunning); ok {
		lr.Cancel()
	}
}

// Start begins the first attempt. It is safe to call exactly once.
func (r *RetryingProtocol) Start() {
	r.attemptOnce()
}

func (r *RetryingProtocol) attemptOnce() {
	r.mu.Lock()
	if r.canceled {
		r.mu.Unlock()
		return
	}
	r.attempts++
	r.mu.Unlock()

	inst, err := r.factory(r.args)
	if err != nil {
		r.onAttemptResult(err)
		return
	}

	r.mu.Lock()
	r.inner = inst
	r.mu.Unlock()

	go func() {
		err := <-inst.NotifyFinish()
		r.onAttemptResult(err)
	}()
}

func (r *RetryingProtocol) onAttemptResult(err error) {
	if err == nil {
		r.resolve(nil)
		return
	}

	r.mu.Lock()
	if r.canceled || r.finished {
		r.mu.Unlock()
		return
	}

	delay := r.currentDelay
	if r.cfg.MaxDelay != nil && delay > *r.cfg.MaxDelay {
		delay = *r.cfg.MaxDelay
	}
	r.lastDelay = delay
	r.currentDelay = r.currentDelay * 2

	exhausted := r.cfg.MaxRetries != nil && r.attempts > *r.cfg.MaxRetries
	r.mu.Unlock()

	if exhausted {
		r.resolve(err)
		return
	}

	call := r.clk.CallLater(delay, func(ctx context.Context) { r.attemptOnce() })
	r.mu.Lock()
	r.pendingCall = call
	r.mu.Unlock()
}

func (r *RetryingProtocol) resolve(err error) {
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return
	}
	r.finished = true
	r.pendingCall = nil
	r.mu.Unlock()
	r.done <- err
}
