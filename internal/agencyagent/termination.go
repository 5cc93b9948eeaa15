package agencyagent

import (
	"context"

	"go.uber.org/zap"
)

// TerminationMode selects which mode-specific body of the termination
// procedure's final step runs.
type TerminationMode int

const (
	// Gentle calls the agent's ShutdownAgent and deletes the descriptor
	// document once protocols have drained.
	Gentle TerminationMode = iota
	// Hard calls the agent's OnAgentKilled and does not delete the
	// descriptor document.
	Hard
)

// Terminate runs the termination procedure exactly once, regardless of how
// many times or with which mode it is called concurrently: the first
// caller's mode wins and every caller receives the same future.
func (a *AgencyAgent) Terminate(ctx context.Context, mode TerminationMode) <-chan struct{} {
	a.mu.Lock()
	if a.terminateStarted {
		done := a.terminateDone
		a.mu.Unlock()
		return done
	}
	a.terminateStarted = true
	a.terminateMode = mode
	a.terminateDone = make(chan struct{})
	done := a.terminateDone
	a.mu.Unlock()

	close(a.stopPump)
	a.setState(StateTerminating)
	go a.runTermination(ctx, mode)
	return done
}

// runStep runs fn, logging (not propagating) any failure: every step is
// resilient, failures are logged and do not short-circuit the chain.
func (a *AgencyAgent) runStep(name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("termination step panicked", zap.String("step", name), zap.Any("recover", r))
		}
	}()
	if err := fn(); err != nil {
		a.logger.Warn("termination step failed", zap.String("step", name), zap.Error(err))
	}
}

func (a *AgencyAgent) runTermination(ctx context.Context, mode TerminationMode) {
	defer close(a.terminateDone)

	// Step 3: force a final snapshot.
	a.runStep("force_snapshot", func() error { return a.ForceSnapshot() })

	// Step 4: revoke every interest.
	a.runStep("revoke_interests", func() error { a.mux.RevokeAllInterests(); return nil })

	// Step 5: cancel every long-running protocol.
	a.runStep("cancel_long_running", func() error { a.mux.CancelLongRunning(); return nil })

	// Step 6: cancel every outstanding delayed call.
	a.runStep("cancel_delayed_calls", func() error { a.cancelAllDelayed(); return nil })

	// Step 7: kill every live protocol via its cleanup().
	a.runStep("cleanup_protocols", func() error { a.mux.CleanupAll(); return nil })

	// Step 8: mode-specific body.
	switch mode {
	case Gentle:
		a.runStep("shutdown_agent", func() error { return a.userAgent.ShutdownAgent(ctx) })
		a.runStep("delete_descriptor", func() error { return a.deleteDescriptor(ctx) })
	case Hard:
		a.runStep("on_agent_killed", func() error { a.userAgent.OnAgentKilled(ctx); return nil })
	}

	// Step 9: journal agent-deleted; unregister; cancel change
	// subscriptions; release messaging. The shared database is not
	// disconnected here.
	a.runStep("journal_agent_deleted", func() error {
		return a.keeper.NewEntry(a.cfg.DocID, a.InstanceID(), "lifecycle", "agent_deleted", nil, nil).Commit()
	})
	a.runStep("unregister", func() error {
		if a.unregister != nil {
			a.unregister(a)
		}
		return nil
	})
	a.runStep("cancel_subscriptions", func() error {
		if a.cancelDescChanges != nil {
			a.cancelDescChanges()
		}
		if a.cancelConfigChanges != nil {
			a.cancelConfigChanges()
		}
		return nil
	})
	a.runStep("release_messaging", func() error { return a.conn.Release() })

	// Step 10: transition → terminated.
	a.setState(StateTerminated)
}

func (a *AgencyAgent) deleteDescriptor(ctx context.Context) error {
	desc := a.queue.Current()
	return a.db.Delete(ctx, desc)
}
