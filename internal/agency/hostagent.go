package agency

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/featgo/agency/internal/descriptor"
)

// ErrHostAgentRestartRejected is returned when an existing host-agent
// descriptor is found but HostAgentConfig.AllowRestart is false. It aborts
// Agency.Start.
var ErrHostAgentRestartRejected = errors.New("agency: existing host agent descriptor found and restart is not enabled")

// ensureHostAgent implements the host-agent restart chain: read the
// well-known document id; create a fresh descriptor if missing; reject if
// present and restart is disallowed; otherwise resume from the existing
// descriptor.
func (a *Agency) ensureHostAgent(ctx context.Context) error {
	hostname := a.cfg.HostAgent.Hostname
	existing, err := a.db.Get(ctx, hostname)

	var req SpawnRequest
	switch {
	case errors.Is(err, descriptor.ErrNotFound):
		extra, encErr := a.encodeHostState(&HostState{RestartCount: 0})
		if encErr != nil {
			return fmt.Errorf("agency: encode initial host state: %w", encErr)
		}
		req = SpawnRequest{
			DocID:        hostname,
			DocumentType: a.cfg.HostAgent.DocumentType,
			Shard:        a.cfg.DefaultShard,
			Extra:        extra,
		}
	case err != nil:
		return fmt.Errorf("agency: read host agent descriptor: %w", err)
	default:
		if !a.cfg.HostAgent.AllowRestart {
			a.logger.Error("existing host agent descriptor found, restart not enabled; shutting down")
			return ErrHostAgentRestartRejected
		}
		hs, decErr := a.decodeHostState(existing.Extra)
		if decErr != nil {
			return fmt.Errorf("agency: decode host state: %w", decErr)
		}
		hs.RestartCount++
		extra, encErr := a.encodeHostState(hs)
		if encErr != nil {
			return fmt.Errorf("agency: encode resumed host state: %w", encErr)
		}
		existing.Extra = extra
		a.logger.Info("resuming host agent descriptor", zap.Int("restart_count", hs.RestartCount))
		req = SpawnRequest{DocID: hostname, Descriptor: existing}
	}

	aa, err := a.SpawnAgent(ctx, req)
	if err != nil {
		return fmt.Errorf("agency: spawn host agent: %w", err)
	}
	a.hostAgent = aa
	a.logger.Info("host agent started", zap.String("doc_id", hostname))
	return nil
}

// scheduleHostAgentRetry schedules one more attempt at ensureHostAgent
// after HostAgent.RetryInterval, re-scheduling itself on repeated failure,
// until it succeeds or the Agency begins shutting down.
func (a *Agency) scheduleHostAgentRetry(ctx context.Context) {
	a.clk.CallLater(a.cfg.HostAgent.RetryInterval, func(ctx context.Context) {
		select {
		case <-a.stopRetries:
			return
		default:
		}
		if err := a.ensureHostAgent(ctx); err != nil {
			if errors.Is(err, ErrHostAgentRestartRejected) {
				return
			}
			a.logger.Warn("host agent startup retry failed, will retry again", zap.Error(err))
			a.scheduleHostAgentRetry(ctx)
		}
	})
}
