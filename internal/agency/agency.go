// Package agency implements the process-level container that hosts
// AgencyAgents: staged startup/shutdown, the agent registry, the
// spawn-agent queue, host-agent restart, and the maintenance sweep.
package agency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/featgo/agency/internal/agencyagent"
	"github.com/featgo/agency/internal/clock"
	"github.com/featgo/agency/internal/descriptor"
	"github.com/featgo/agency/internal/journal"
	"github.com/featgo/agency/internal/messaging"
	"github.com/featgo/agency/internal/metrics"
	"github.com/featgo/agency/internal/serialization"
	"github.com/featgo/agency/pkg/agent"
)

// HostAgentConfig parameterizes whether and how this Agency hosts the
// well-known host agent.
type HostAgentConfig struct {
	// Enabled means this Agency attempts to become the master and host the
	// host agent described by DocumentType/Hostname.
	Enabled bool
	// Hostname is the host agent's descriptor doc_id.
	Hostname string
	// DocumentType names the pkg/agent.Registry entry used to materialize
	// a fresh host-agent descriptor when none exists yet.
	DocumentType string
	// AllowRestart permits resuming from an existing host-agent descriptor.
	// If false and a descriptor is already present, becoming master is
	// rejected: Start fails with ErrHostAgentRestartRejected (a retry that
	// hits the same case just stops retrying). The Agency does not run its
	// own Shutdown procedure in either case.
	AllowRestart bool
	// RetryInterval is how often a failed host-agent startup chain is
	// retried. Zero means the default of 5 seconds.
	RetryInterval time.Duration
}

// Config parameterizes one Agency, read and defaulted during the
// "configure" startup stage.
type Config struct {
	DefaultShard string
	HostAgent    HostAgentConfig
	// MaintenanceInterval is how often the snapshot/stale-agent sweep runs.
	// Zero means the default of one minute.
	MaintenanceInterval time.Duration
}

// Deps are the backends an Agency wires together and hands out to every
// AgencyAgent it starts. Connector is optional: when nil, the "messaging"
// startup stage creates an in-memory Broker as the default messaging
// backend.
type Deps struct {
	Clock     clock.Clock
	Logger    *zap.Logger
	Connector *messaging.Broker
	Database  descriptor.Database
	Keeper    journal.Keeper
	Agents    *agent.Registry
	// Metrics is optional; a nil value disables metric recording for this
	// Agency and every AgencyAgent it spawns.
	Metrics *metrics.Collectors
}

// Agency is the process-level container hosting AgencyAgents.
type Agency struct {
	cfg    Config
	clk    clock.Clock
	logger *zap.Logger
	broker *messaging.Broker
	db     descriptor.Database
	keeper journal.Keeper
	agents *agent.Registry
	metrics *metrics.Collectors

	registry *agentRegistry
	spawner  *spawnQueue
	maint    *maintenance

	// hostStateReg round-trips HostState through the host agent's own
	// descriptor Extra field (see hoststate.go).
	hostStateReg *serialization.Registry

	hostAgent *agencyagent.AgencyAgent

	stopRetries chan struct{}
}

// New creates an Agency in its pre-start configuration. Call Start to run
// the staged bootstrap procedure.
func New(cfg Config, deps Deps) *Agency {
	if cfg.HostAgent.RetryInterval <= 0 {
		cfg.HostAgent.RetryInterval = 5 * time.Second
	}
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = time.Minute
	}

	logger := deps.Logger.Named("agency")
	a := &Agency{
		cfg:         cfg,
		clk:         deps.Clock,
		logger:      logger,
		broker:      deps.Connector,
		db:          deps.Database,
		keeper:      deps.Keeper,
		agents:      deps.Agents,
		metrics:     deps.Metrics,
		registry:     newAgentRegistry(deps.Metrics),
		stopRetries:  make(chan struct{}),
		hostStateReg: newHostStateRegistry(),
	}
	a.spawner = newSpawnQueue(a)
	a.maint = newMaintenance(a)
	return a
}

// startupStage is one named step of the staged bootstrap.
type startupStage struct {
	name string
	fn   func(context.Context) error
}

// Start runs the staged startup procedure — configure, messaging,
// database, journaler, private, hostAgent, finish — in order. Unlike
// shutdown, a failing stage aborts the remaining ones: every later stage
// assumes its predecessors succeeded (messaging needs configure's
// defaulting, hostAgent needs messaging and database wired).
func (a *Agency) Start(ctx context.Context) error {
	stages := []startupStage{
		{"configure", a.stageConfigure},
		{"messaging", a.stageMessaging},
		{"database", a.stageDatabase},
		{"journaler", a.stageJournaler},
		{"private", a.stagePrivate},
		{"hostAgent", a.stageHostAgent},
		{"finish", a.stageFinish},
	}

	for _, stage := range stages {
		if err := stage.fn(ctx); err != nil {
			a.logger.Error("agency startup stage failed", zap.String("stage", stage.name), zap.Error(err))
			return fmt.Errorf("agency: startup stage %q: %w", stage.name, err)
		}
		a.logger.Debug("agency startup stage complete", zap.String("stage", stage.name))
	}
	return nil
}

// stageConfigure defaults the shard and logs when no messaging backend was
// supplied; the in-memory default broker itself is created by stageMessaging.
func (a *Agency) stageConfigure(ctx context.Context) error {
	if a.cfg.DefaultShard == "" {
		a.cfg.DefaultShard = "default"
	}
	if a.broker == nil {
		a.logger.Info("no messaging backend configured, defaulting to in-memory broker")
	}
	return nil
}

// stageMessaging creates the default in-memory broker if one was not
// supplied. It registers no Agency-wide disconnect/reconnect callbacks;
// each AgencyAgent subscribes to its own connection's callbacks in Start.
func (a *Agency) stageMessaging(ctx context.Context) error {
	if a.broker == nil {
		a.broker = messaging.NewBroker()
	}
	return nil
}

// stageDatabase fails when no document database was supplied. It registers
// no disconnect/reconnect handling for the database.
func (a *Agency) stageDatabase(ctx context.Context) error {
	if a.db == nil {
		return fmt.Errorf("no database configured")
	}
	return nil
}

// stageJournaler fails when no journal keeper was supplied and otherwise
// commits one agency_starting entry on the reserved "agency" stream. The
// agency's log output is not redirected into the journal.
func (a *Agency) stageJournaler(ctx context.Context) error {
	if a.keeper == nil {
		return fmt.Errorf("no journal keeper configured")
	}
	return a.keeper.NewEntry("agency", 0, "lifecycle", "agency_starting", nil, nil).Commit()
}

// stagePrivate is a named extension point for Agency subclasses to wire
// additional private resources before the host agent starts. The base
// Agency has none.
func (a *Agency) stagePrivate(ctx context.Context) error { return nil }

// stageHostAgent starts the host agent if this Agency is configured to
// host one, scheduling indefinite retries on failure.
func (a *Agency) stageHostAgent(ctx context.Context) error {
	if !a.cfg.HostAgent.Enabled {
		return nil
	}
	err := a.ensureHostAgent(ctx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrHostAgentRestartRejected):
		// The one host-agent failure that aborts Agency startup outright
		// rather than retrying, since retrying would never succeed without
		// an operator changing AllowRestart.
		return err
	default:
		a.logger.Warn("host agent startup failed, will retry", zap.Error(err))
		a.scheduleHostAgentRetry(ctx)
		return nil
	}
}

func (a *Agency) stageFinish(ctx context.Context) error {
	a.maint.start()
	return nil
}

// shutdownStage mirrors startupStage for the teardown procedure.
type shutdownStage struct {
	name string
	fn   func(context.Context) error
}

// Shutdown runs slaves, agents, internals, process in order. Unlike
// Start, every stage always runs regardless of earlier failures: staged
// procedures isolate each stage's failure and log without aborting
// unrelated stages during shutdown, and failures are aggregated into the
// returned error with multierr rather than only logged, so callers (and
// tests) can still assert on them.
func (a *Agency) Shutdown(ctx context.Context, mode agencyagent.TerminationMode) error {
	close(a.stopRetries)
	a.maint.stop()

	stages := []shutdownStage{
		{"slaves", a.shutdownSlaves},
		{"agents", func(ctx context.Context) error { return a.shutdownAgents(ctx, mode) }},
		{"internals", a.shutdownInternals},
		{"process", a.shutdownProcess},
	}

	var errs error
	for _, stage := range stages {
		if err := stage.fn(ctx); err != nil {
			a.logger.Warn("agency shutdown stage failed", zap.String("stage", stage.name), zap.Error(err))
			errs = multierr.Append(errs, fmt.Errorf("agency: shutdown stage %q: %w", stage.name, err))
		}
	}
	return errs
}

// shutdownSlaves is reserved for a networked Agency variant that tracks
// subordinate agencies it spawned; the base Agency has none.
func (a *Agency) shutdownSlaves(ctx context.Context) error { return nil }

// shutdownAgents terminates every registered AgencyAgent, gentle by
// default, hard on kill.
func (a *Agency) shutdownAgents(ctx context.Context, mode agencyagent.TerminationMode) error {
	for _, aa := range a.registry.all() {
		done := aa.Terminate(ctx, mode)
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// shutdownInternals closes the shared messaging broker once every agent has
// released its own per-agent handles. The document database and the
// journal keeper are not closed here.
func (a *Agency) shutdownInternals(ctx context.Context) error {
	if a.broker != nil {
		a.broker.Close()
	}
	return nil
}

// shutdownProcess is reserved for an optional upgrade-command spawn and
// reactor stop. Neither applies to this module's process model (no
// in-process upgrade mechanism, no event-reactor to stop), so this stage
// is a deliberate no-op kept as an extension point.
func (a *Agency) shutdownProcess(ctx context.Context) error { return nil }

// RegisteredAgents returns every currently-registered AgencyAgent.
func (a *Agency) RegisteredAgents() []*agencyagent.AgencyAgent { return a.registry.all() }
