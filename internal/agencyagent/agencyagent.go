// Package agencyagent implements the per-agent runtime: the state machine,
// delayed-call book, protocol registries, descriptor update queue, and
// journal sink that together own one user-defined Agent for its lifetime.
package agencyagent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/featgo/agency/internal/clock"
	"github.com/featgo/agency/internal/descriptor"
	"github.com/featgo/agency/internal/journal"
	"github.com/featgo/agency/internal/messaging"
	"github.com/featgo/agency/internal/metrics"
	"github.com/featgo/agency/internal/protocol"
	"github.com/featgo/agency/pkg/agent"
)

// Connector obtains a per-agent Connection from a Messaging backend.
// *messaging.Broker satisfies this directly.
type Connector interface {
	Connect(ownerID string) *messaging.Connection
}

// Config parameterizes one AgencyAgent instance, the Descriptor and
// runtime fields the Agency supplies at start_agent time.
type Config struct {
	DocID        string
	Shard        string
	DocumentType string
	ConfigDocID  string // empty means "no configuration document"
	Kwargs       []byte
	// SuppressStartup skips step 10 (calling the agent's StartupAgent),
	// leaving the agent in the initiated state — used by hosts that drive
	// startup manually.
	SuppressStartup bool
}

// Deps are the shared backends an AgencyAgent is wired against. Agency
// owns all of these and hands out references; AgencyAgent never closes
// them itself, since the journal writer and the messaging backend are
// shared by every agent in an agency.
type Deps struct {
	Clock      clock.Clock
	Logger     *zap.Logger
	Connector  Connector
	Database   descriptor.Database
	Keeper     journal.Keeper
	Agent      agent.Agent
	// Unregister, if set, is called once during termination step 9 so the
	// owning Agency can drop this AgencyAgent from its registry.
	Unregister func(*AgencyAgent)
	// Metrics is optional; a nil value disables metric recording entirely.
	Metrics *metrics.Collectors
}

// AgencyAgent is the per-agent runtime owning exactly one user Agent.
type AgencyAgent struct {
	cfg    Config
	clk    clock.Clock
	logger *zap.Logger
	conn   *messaging.Connection
	db     descriptor.Database
	keeper journal.Keeper
	userAgent agent.Agent
	unregister func(*AgencyAgent)
	metrics    *metrics.Collectors

	store *descriptor.Store
	queue *descriptor.UpdateQueue
	mux   *protocol.Multiplexer

	mu                   sync.Mutex
	state                State
	instanceID           int
	entriesSinceSnapshot int
	delayedSeq           int
	delayedCalls         map[int]*delayedCall
	configRaw            []byte

	snapshotCapture func() []byte

	cancelDescChanges   func()
	cancelConfigChanges func()

	terminateStarted bool
	terminateMode    TerminationMode
	terminateDone    chan struct{}

	stopPump chan struct{}
}

type delayedCall struct {
	busy bool
	call *clock.Call
}

// New creates an AgencyAgent in state notInitiated. Call Start to run the
// staged initialization procedure.
func New(cfg Config, deps Deps) *AgencyAgent {
	return &AgencyAgent{
		cfg:          cfg,
		clk:          deps.Clock,
		logger:       deps.Logger.Named("agencyagent").With(zap.String("doc_id", cfg.DocID)),
		db:           deps.Database,
		keeper:       deps.Keeper,
		userAgent:    deps.Agent,
		unregister:   deps.Unregister,
		metrics:      deps.Metrics,
		delayedCalls: make(map[int]*delayedCall),
		conn:         deps.Connector.Connect(cfg.DocID),
		stopPump:     make(chan struct{}),
	}
}

func (a *AgencyAgent) DocID() string       { return a.cfg.DocID }
func (a *AgencyAgent) Shard() string       { return a.cfg.Shard }
func (a *AgencyAgent) InstanceID() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.instanceID
}

func (a *AgencyAgent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *AgencyAgent) setState(s State) {
	a.mu.Lock()
	from := a.state
	if !validTransition(from, s) {
		a.mu.Unlock()
		a.logger.Warn("invalid state transition attempted",
			zap.String("from", from.String()), zap.String("to", s.String()))
		return
	}
	a.state = s
	a.mu.Unlock()
	a.logger.Debug("state transition", zap.String("from", from.String()), zap.String("to", s.String()))
	if a.metrics != nil {
		a.metrics.AgentState.WithLabelValues(a.cfg.DocID).Set(float64(s))
	}
}

// Start runs the 10-step staged initialization. Any failure is logged and
// routed to a hard terminate, matching the "fatal startup" rule; the error
// is still returned so the caller (the Agency's spawning queue) can react.
func (a *AgencyAgent) Start(ctx context.Context) error {
	a.setState(StateInitiating)

	a.conn.OnDisconnect(a.onMessagingDisconnect)
	a.conn.OnReconnect(a.onMessagingReconnect)

	// Step 3: reload own descriptor.
	desc, err := a.db.Get(ctx, a.cfg.DocID)
	if err != nil {
		return a.failStartup(ctx, fmt.Errorf("reload descriptor: %w", err))
	}

	a.store = descriptor.NewStore(a.db)
	a.queue = descriptor.NewUpdateQueue(a.store, a.clk, a.logger, desc, a.onDescriptorConflict)
	a.mux = protocol.NewMultiplexer(a.conn, a.logger)

	go a.pumpInbound()

	// Step 4: subscribe to change notifications filtered on own doc_id.
	cancel, err := a.store.SubscribeOwn(ctx, a.cfg.DocID, a.onDescriptorChange)
	if err != nil {
		return a.failStartup(ctx, fmt.Errorf("subscribe descriptor changes: %w", err))
	}
	a.cancelDescChanges = cancel

	// Step 5: store instance_id = oldInstanceId + 1 — the split-brain fence.
	res := <-a.queue.Enqueue(func(d *descriptor.Descriptor) (any, error) {
		d.InstanceID++
		return d.InstanceID, nil
	})
	if res.Err != nil {
		return a.failStartup(ctx, fmt.Errorf("fence instance_id: %w", res.Err))
	}
	a.mu.Lock()
	a.instanceID = res.Value.(int)
	a.mu.Unlock()

	// Step 6: load optional configuration document.
	if a.cfg.ConfigDocID != "" {
		cfgDoc, err := a.db.Get(ctx, a.cfg.ConfigDocID)
		switch {
		case errors.Is(err, descriptor.ErrNotFound):
			a.logger.Info("no configuration document present", zap.String("config_doc_id", a.cfg.ConfigDocID))
		case err != nil:
			a.logger.Warn("configuration document load failed", zap.Error(err))
		default:
			a.mu.Lock()
			a.configRaw = cfgDoc.Extra
			a.mu.Unlock()
			if cancel, err := a.store.SubscribeOwn(ctx, a.cfg.ConfigDocID, a.onConfigChange); err == nil {
				a.cancelConfigChanges = cancel
			}
		}
	}

	// Step 7: joinShard — bind own id within shard, and every interest.
	if _, err := a.conn.CreateBinding(a.cfg.DocID, a.cfg.Shard, true); err != nil {
		return a.failStartup(ctx, fmt.Errorf("join shard: %w", err))
	}
	if err := a.mux.JoinShard(a.cfg.Shard); err != nil {
		return a.failStartup(ctx, fmt.Errorf("join shard (interests): %w", err))
	}

	// Step 8: journal agent creation event.
	if err := a.keeper.NewEntry(a.cfg.DocID, a.InstanceID(), "lifecycle", "agent_created", a.cfg.Kwargs, nil).Commit(); err != nil {
		a.logger.Warn("journal agent_created failed", zap.Error(err))
	} else if a.metrics != nil {
		a.metrics.JournalEntries.WithLabelValues(a.cfg.DocumentType).Inc()
	}

	// Step 9: initiateAgent; transition initiating → initiated.
	if err := a.userAgent.InitiateAgent(ctx, a.cfg.Kwargs); err != nil {
		return a.failStartup(ctx, fmt.Errorf("initiateAgent: %w", err))
	}
	a.setState(StateInitiated)

	if a.cfg.SuppressStartup {
		return nil
	}

	// Step 10: callNext agent's startupAgent(); transition startingUp → ready.
	a.clk.CallNext(func(ctx context.Context) {
		a.setState(StateStartingUp)
		if err := a.userAgent.StartupAgent(ctx); err != nil {
			a.logger.Error("startupAgent failed", zap.Error(err))
			a.Terminate(ctx, Hard)
			return
		}
		a.setState(StateReady)
	})
	return nil
}

// pumpInbound is this agent's single reader of its messaging connection.
// Every message is handed to the Multiplexer, which either instantiates a
// fresh protocol from an Interest's first message or delivers it to an
// already-live one. It runs until Terminate closes stopPump.
func (a *AgencyAgent) pumpInbound() {
	for {
		select {
		case msg, ok := <-a.conn.Messages():
			if !ok {
				return
			}
			if err := a.mux.Route(msg); err != nil {
				a.logger.Warn("inbound message routing failed", zap.Error(err))
			}
		case <-a.stopPump:
			return
		}
	}
}

func (a *AgencyAgent) failStartup(ctx context.Context, err error) error {
	a.logger.Error("agent startup failed", zap.Error(err))
	a.Terminate(ctx, Hard)
	return err
}

func (a *AgencyAgent) onDescriptorConflict() {
	a.logger.Error("descriptor revision conflict, another instance owns this agent")
	a.Terminate(context.Background(), Hard)
}

func (a *AgencyAgent) onDescriptorChange(ev descriptor.ChangeEvent) {
	if ev.OwnChange {
		return
	}
	a.logger.Error("foreign descriptor change observed, hard-terminating",
		zap.String("rev", ev.Rev), zap.Bool("deleted", ev.Deleted))
	a.Terminate(context.Background(), Hard)
}

func (a *AgencyAgent) onConfigChange(ev descriptor.ChangeEvent) {
	if ev.Deleted {
		return
	}
	doc, err := a.db.Get(context.Background(), a.cfg.ConfigDocID)
	if err != nil {
		a.logger.Warn("configuration reload failed", zap.Error(err))
		return
	}
	a.mu.Lock()
	a.configRaw = doc.Extra
	a.mu.Unlock()
	a.userAgent.OnAgentConfigurationChange(doc.Extra)
}

func (a *AgencyAgent) onMessagingDisconnect() {
	a.mu.Lock()
	if a.state != StateReady {
		a.mu.Unlock()
		return
	}
	a.state = StateDisconnected
	a.mu.Unlock()
	a.clk.CallNext(func(ctx context.Context) { a.userAgent.OnAgentDisconnect() })
}

func (a *AgencyAgent) onMessagingReconnect() {
	a.mu.Lock()
	if a.state != StateDisconnected {
		a.mu.Unlock()
		return
	}
	a.state = StateReady
	a.mu.Unlock()
	a.clk.CallNext(func(ctx context.Context) { a.userAgent.OnAgentReconnect() })
}

// UpdateDescriptor enqueues mutator against this agent's own descriptor.
func (a *AgencyAgent) UpdateDescriptor(mutator descriptor.Mutator) <-chan descriptor.UpdateResult {
	return a.queue.Enqueue(mutator)
}

// Descriptor returns the in-memory descriptor as of the last successful save.
func (a *AgencyAgent) Descriptor() *descriptor.Descriptor { return a.queue.Current() }

// RegisterInterest registers a passive protocol acceptor.
func (a *AgencyAgent) RegisterInterest(protocolID string, factory protocol.InterestFactory) (*protocol.Interest, error) {
	interest, err := a.mux.RegisterInterest(protocolID, factory)
	if err == nil && a.metrics != nil {
		a.metrics.InterestsRegistered.WithLabelValues(a.cfg.DocumentType).Inc()
	}
	return interest, err
}

// InitiateProtocol actively starts a protocol instance.
func (a *AgencyAgent) InitiateProtocol(factory protocol.InitiatorFunc, args any) (protocol.Instance, error) {
	inst, err := a.mux.InitiateProtocol(factory, args)
	if err == nil && a.metrics != nil {
		a.metrics.ProtocolsInitiated.WithLabelValues(a.cfg.DocumentType).Inc()
	}
	return inst, err
}

// Post sends msg to recipients via this agent's messaging connection.
func (a *AgencyAgent) Post(recipients []string, msg messaging.Message) error {
	return a.conn.Post(recipients, msg)
}

// ScheduleDelayed schedules fn to run after delay, tracked in this agent's
// delayed-call book. busy marks whether the call must block the agent's
// idle predicate while pending.
func (a *AgencyAgent) ScheduleDelayed(delay time.Duration, busy bool, fn func(context.Context)) int {
	a.mu.Lock()
	a.delayedSeq++
	id := a.delayedSeq
	a.mu.Unlock()

	wrapped := func(ctx context.Context) {
		fn(ctx)
		a.mu.Lock()
		delete(a.delayedCalls, id)
		a.mu.Unlock()
	}
	call := a.clk.CallLater(delay, wrapped)

	a.mu.Lock()
	a.delayedCalls[id] = &delayedCall{busy: busy, call: call}
	a.mu.Unlock()
	return id
}

// CancelDelayed cancels a previously scheduled delayed call. Canceling an
// unknown id is a bug-class condition: logged, not fatal.
func (a *AgencyAgent) CancelDelayed(id int) {
	a.mu.Lock()
	dc, ok := a.delayedCalls[id]
	delete(a.delayedCalls, id)
	a.mu.Unlock()
	if !ok {
		a.logger.Warn("cancel of unknown delayed call id", zap.Int("id", id))
		return
	}
	a.clk.Cancel(dc.call)
}

func (a *AgencyAgent) cancelAllDelayed() {
	a.mu.Lock()
	items := make([]*delayedCall, 0, len(a.delayedCalls))
	for _, dc := range a.delayedCalls {
		items = append(items, dc)
	}
	a.delayedCalls = make(map[int]*delayedCall)
	a.mu.Unlock()

	for _, dc := range items {
		a.clk.Cancel(dc.call)
	}
}

func (a *AgencyAgent) noBusyDelayedCalls() bool {
	a.mu.Lock()
	items := make([]*delayedCall, 0, len(a.delayedCalls))
	for _, dc := range a.delayedCalls {
		items = append(items, dc)
	}
	a.mu.Unlock()

	for _, dc := range items {
		if dc.busy && a.clk.Active(dc.call) {
			return false
		}
	}
	return true
}

// IsIdle reports ready ∧ noLiveProtocols ∧ allInterestsIdle ∧
// noBusyDelayedCalls ∧ allLongRunningIdle.
func (a *AgencyAgent) IsIdle() bool {
	if a.State() != StateReady {
		return false
	}
	return a.mux.NoLiveProtocols() && a.mux.AllInterestsIdle() && a.noBusyDelayedCalls() && a.mux.AllLongRunningIdle()
}
