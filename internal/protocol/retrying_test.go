package protocol

import (
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/featgo/agency/internal/clock"
)

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

type instanceRecorder struct {
	mu        sync.Mutex
	instances []*fakeInstance
}

func (r *instanceRecorder) factory(any) (Instance, error) {
	inst := newFakeInstance(KindInitiator)
	r.mu.Lock()
	r.instances = append(r.instances, inst)
	r.mu.Unlock()
	return inst, nil
}

func (r *instanceRecorder) at(i int) *fakeInstance {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.instances[i]
}

func (r *instanceRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.instances)
}

// TestRetryingSucceedsOnFourthAttempt covers a medium that succeeds on its
// 4th call, config (maxRetries=nil, initialDelay=1s, maxDelay=nil).
func TestRetryingSucceedsOnFourthAttempt(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	rec := &instanceRecorder{}
	rp := NewRetryingProtocol(fc, zap.NewNop(), rec.factory, nil, RetryingConfig{InitialDelay: time.Second})
	rp.Start()

	waitUntil(t, func() bool { return rec.count() == 1 })
	rec.at(0).finish(errors.New("boom"))
	waitUntil(t, func() bool { return rp.LastDelay() == time.Second })

	fc.Advance(time.Second)
	waitUntil(t, func() bool { return rec.count() == 2 })
	rec.at(1).finish(errors.New("boom"))
	waitUntil(t, func() bool { return rp.LastDelay() == 2*time.Second })

	fc.Advance(2 * time.Second)
	waitUntil(t, func() bool { return rec.count() == 3 })
	rec.at(2).finish(errors.New("boom"))
	waitUntil(t, func() bool { return rp.LastDelay() == 4*time.Second })

	fc.Advance(4 * time.Second)
	waitUntil(t, func() bool { return rec.count() == 4 })
	rec.at(3).finish(nil)

	select {
	case err := <-rp.NotifyFinish():
		if err != nil {
			t.Fatalf("outer future failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("outer future never resolved")
	}

	if rp.Attempts() != 4 {
		t.Fatalf("attempts = %d, want 4", rp.Attempts())
	}
}

// TestRetryingExhaustsRetries covers an always-failing inner,
// maxRetries=3, initialDelay=1s, maxDelay=nil → 4 calls, final delay=8s.
func TestRetryingExhaustsRetries(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	rec := &instanceRecorder{}
	k := 3
	rp := NewRetryingProtocol(fc, zap.NewNop(), rec.factory, nil, RetryingConfig{
		MaxRetries: &k, InitialDelay: time.Second,
	})
	rp.Start()

	delays := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	for i, want := range delays {
		waitUntil(t, func() bool { return rec.count() == i+1 })
		rec.at(i).finish(errors.New("boom"))
		waitUntil(t, func() bool { return rp.LastDelay() == want })
		fc.Advance(want)
	}

	waitUntil(t, func() bool { return rec.count() == 4 })
	rec.at(3).finish(errors.New("boom"))

	select {
	case err := <-rp.NotifyFinish():
		if err == nil {
			t.Fatal("expected outer future to fail")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("outer future never resolved")
	}

	if rp.Attempts() != 4 {
		t.Fatalf("attempts = %d, want 4", rp.Attempts())
	}
	waitUntil(t, func() bool { return rp.LastDelay() == 8*time.Second })
}

// TestRetryingDelayCap is the same as TestRetryingExhaustsRetries but
// maxDelay=2s → final delay=2s.
func TestRetryingDelayCap(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	rec := &instanceRecorder{}
	k := 3
	maxDelay := 2 * time.Second
	rp := NewRetryingProtocol(fc, zap.NewNop(), rec.factory, nil, RetryingConfig{
		MaxRetries: &k, InitialDelay: time.Second, MaxDelay: &maxDelay,
	})
	rp.Start()

	delays := []time.Duration{time.Second, 2 * time.Second, 2 * time.Second}
	for i, want := range delays {
		waitUntil(t, func() bool { return rec.count() == i+1 })
		rec.at(i).finish(errors.New("boom"))
		waitUntil(t, func() bool { return rp.LastDelay() == want })
		fc.Advance(want)
	}

	waitUntil(t, func() bool { return rec.count() == 4 })
	rec.at(3).finish(errors.New("boom"))

	select {
	case err := <-rp.NotifyFinish():
		if err == nil {
			t.Fatal("expected outer future to fail")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("outer future never resolved")
	}

	if got := rp.LastDelay(); got != 2*time.Second {
		t.Fatalf("final computed delay = %v, want 2s", got)
	}
}

func TestRetryingCancelStopsPendingTimer(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	rec := &instanceRecorder{}
	rp := NewRetryingProtocol(fc, zap.NewNop(), rec.factory, nil, RetryingConfig{InitialDelay: time.Second})
	rp.Start()

	waitUntil(t, func() bool { return rec.count() == 1 })
	rec.at(0).finish(errors.New("boom"))
	waitUntil(t, func() bool { return rp.LastDelay() == time.Second })

	rp.Cancel()
	fc.Advance(time.Second)

	time.Sleep(20 * time.Millisecond)
	if rec.count() != 1 {
		t.Fatalf("cancel did not stop the pending retry: got %d attempts", rec.count())
	}
}
