package agency

import (
	"context"
	"fmt"
	"time"

	"github.com/featgo/agency/internal/agencyagent"
	"github.com/featgo/agency/internal/descriptor"
)

// SpawnRequest describes one agent to materialize and start. Either
// Descriptor is supplied directly (the host-agent-restart path, resuming
// from an already-persisted document) or DocumentType names a pkg/agent.
// Registry entry used to build a fresh one (instantiated via that registry
// when a type was passed rather than an existing document).
type SpawnRequest struct {
	DocID        string
	DocumentType string
	Descriptor   *descriptor.Descriptor
	Shard        string
	Kwargs       []byte

	// Extra seeds a freshly constructed descriptor's Extra field (ignored
	// when Descriptor is supplied directly, since that descriptor already
	// carries its own Extra).
	Extra []byte
}

// spawnQueue serializes SpawnAgent calls through a width-1 semaphore: at
// most one spawn is materializing/persisting/starting at a time, so two
// concurrent requests for the same doc_id can never race on the initial
// Save.
type spawnQueue struct {
	agency *Agency
	sem    chan struct{}
}

func newSpawnQueue(a *Agency) *spawnQueue {
	return &spawnQueue{agency: a, sem: make(chan struct{}, 1)}
}

func (q *spawnQueue) submit(ctx context.Context, req SpawnRequest) (*agencyagent.AgencyAgent, error) {
	select {
	case q.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-q.sem }()

	return q.agency.doSpawn(ctx, req)
}

// SpawnAgent enqueues req and blocks until the new AgencyAgent has either
// reached its started state or failed to. When this Agency hosts a host
// agent, the drain first waits for that host agent to reach ready.
func (a *Agency) SpawnAgent(ctx context.Context, req SpawnRequest) (*agencyagent.AgencyAgent, error) {
	return a.spawner.submit(ctx, req)
}

func (a *Agency) doSpawn(ctx context.Context, req SpawnRequest) (*agencyagent.AgencyAgent, error) {
	if a.cfg.HostAgent.Enabled && a.hostAgent != nil && req.DocID != a.cfg.HostAgent.Hostname {
		if err := a.waitHostAgentReady(ctx); err != nil {
			return nil, err
		}
	}

	desc := req.Descriptor
	if desc == nil {
		if req.DocID == "" || req.DocumentType == "" {
			return nil, fmt.Errorf("agency: spawn request needs a DocID and either a Descriptor or a DocumentType")
		}
		shard := req.Shard
		if shard == "" {
			shard = a.cfg.DefaultShard
		}
		desc = &descriptor.Descriptor{DocID: req.DocID, Shard: shard, DocumentType: req.DocumentType, Extra: req.Extra}
	}

	factory, ok := a.agents.Lookup(desc.DocumentType)
	if !ok {
		return nil, fmt.Errorf("agency: no agent factory registered for document type %q", desc.DocumentType)
	}

	saved, err := a.db.Save(ctx, desc)
	if err != nil {
		return nil, fmt.Errorf("agency: persist descriptor %s: %w", desc.DocID, err)
	}

	aa := agencyagent.New(agencyagent.Config{
		DocID:        saved.DocID,
		Shard:        saved.Shard,
		DocumentType: saved.DocumentType,
		Kwargs:       req.Kwargs,
	}, agencyagent.Deps{
		Clock:      a.clk,
		Logger:     a.logger,
		Connector:  a.broker,
		Database:   a.db,
		Keeper:     a.keeper,
		Agent:      factory(saved.DocID, saved.InstanceID),
		Unregister: a.registry.unregister,
		Metrics:    a.metrics,
	})

	a.registry.register(aa)
	if err := aa.Start(ctx); err != nil {
		return aa, fmt.Errorf("agency: start agent %s: %w", saved.DocID, err)
	}
	return aa, nil
}

// waitHostAgentReady polls the host agent's state until it reaches ready,
// the context is canceled, or the Agency is shutting down. The host agent
// is local to this same process, so there is no remote "startAgent"
// round-trip to await here — a real distributed host-agent medium would
// replace this poll with a response future from that round-trip.
func (a *Agency) waitHostAgentReady(ctx context.Context) error {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		if a.hostAgent.State() == agencyagent.StateReady {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.stopRetries:
			return fmt.Errorf("agency: shutting down before host agent became ready")
		case <-ticker.C:
		}
	}
}
