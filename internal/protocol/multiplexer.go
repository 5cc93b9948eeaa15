package protocol

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/featgo/agency/internal/messaging"
)

// Multiplexer is one AgencyAgent's registry of Interests and live Protocol
// instances: a guid-keyed set of live protocols, a (type, id)-keyed set of
// passive interests, and the subset of live protocols that need explicit
// cancellation on termination.
type Multiplexer struct {
	conn *messaging.Connection
	log  *zap.Logger

	interests *interestRegistry

	mu          sync.Mutex
	protocols   map[string]Instance
	longRunning map[string]LongRunning
}

// NewMultiplexer creates an empty Multiplexer bound to conn.
func NewMultiplexer(conn *messaging.Connection, logger *zap.Logger) *Multiplexer {
	log := logger.Named("protocol.multiplexer")
	return &Multiplexer{
		conn:        conn,
		log:         log,
		interests:   newInterestRegistry(log),
		protocols:   make(map[string]Instance),
		longRunning: make(map[string]LongRunning),
	}
}

// RegisterInterest registers factory for protocolID. Double registration of
// the same (type, id) is an error.
func (m *Multiplexer) RegisterInterest(protocolID string, factory InterestFactory) (*Interest, error) {
	return m.interests.register(protocolID, factory)
}

// RevokeInterest closes bindings and waits for any in-flight invocation for
// (protocolType, protocolID).
func (m *Multiplexer) RevokeInterest(protocolType, protocolID string) error {
	it, ok := m.interests.lookup(protocolType, protocolID)
	if !ok {
		return fmt.Errorf("protocol: no interest registered for (%s, %s)", protocolType, protocolID)
	}
	err := it.Revoke(m.conn)
	m.interests.remove(protocolType, protocolID)
	return err
}

// RevokeAllInterests revokes and removes every registered interest,
// logging (not aborting on) individual failures — used by AgencyAgent
// termination step 4.
func (m *Multiplexer) RevokeAllInterests() {
	for _, it := range m.interests.all() {
		if err := it.Revoke(m.conn); err != nil {
			m.log.Warn("interest revoke failed", zap.String("protocol_type", it.protocolType), zap.Error(err))
		}
		m.interests.remove(it.protocolType, it.protocolID)
	}
}

// Route delivers one inbound message read off the connection: a message
// carrying a known live protocol's guid goes straight to that instance (if
// it implements Deliverable); everything else runs through Dispatch's
// first-message path.
func (m *Multiplexer) Route(msg messaging.Message) error {
	env, err := DecodeEnvelope(msg.Payload)
	if err != nil {
		return fmt.Errorf("protocol: malformed envelope: %w", err)
	}

	if env.GUID != "" {
		m.mu.Lock()
		inst, ok := m.protocols[env.GUID]
		m.mu.Unlock()
		if !ok {
			return fmt.Errorf("protocol: no live protocol for guid %q", env.GUID)
		}
		d, ok := inst.(Deliverable)
		if !ok {
			return fmt.Errorf("protocol: live protocol %q (guid %q) does not accept further messages", inst.Kind(), env.GUID)
		}
		d.Deliver(env, msg)
		return nil
	}

	return m.dispatch(env, msg)
}

// Dispatch routes one inbound message to the interest matching its
// envelope's (protocol_type, protocol_id), instantiating the agent-side
// instance on the first match. Messages for an already-live protocol
// should go through Route instead, which hands them to the instance
// directly rather than re-running the first-message path.
func (m *Multiplexer) Dispatch(msg messaging.Message) error {
	env, err := DecodeEnvelope(msg.Payload)
	if err != nil {
		return fmt.Errorf("protocol: malformed envelope: %w", err)
	}
	return m.dispatch(env, msg)
}

func (m *Multiplexer) dispatch(env Envelope, msg messaging.Message) error {
	it, ok := m.interests.lookup(env.ProtocolType, env.ProtocolID)
	if !ok {
		return fmt.Errorf("protocol: no interest for (%s, %s)", env.ProtocolType, env.ProtocolID)
	}

	inst, err := it.dispatch(env, msg)
	if err != nil {
		return err
	}
	m.registerInstance(inst)
	return nil
}

// InitiateProtocol actively starts a new protocol instance via factory.
// If the instance implements LongRunning it is tracked for explicit
// cancellation during termination and removed automatically on finish.
func (m *Multiplexer) InitiateProtocol(factory InitiatorFunc, args any) (Instance, error) {
	inst, err := factory(args)
	if err != nil {
		return nil, err
	}
	m.registerInstance(inst)
	return inst, nil
}

func (m *Multiplexer) registerInstance(inst Instance) {
	guid := inst.GUID()

	m.mu.Lock()
	if _, exists := m.protocols[guid]; exists {
		m.mu.Unlock()
		// Guids are unique within a registry; a collision is a bug, not a
		// runtime condition to recover from.
		panic(fmt.Sprintf("protocol: duplicate guid %q registered", guid))
	}
	m.protocols[guid] = inst
	if lr, ok := inst.(LongRunning); ok {
		m.longRunning[guid] = lr
	}
	m.mu.Unlock()

	if ch := inst.NotifyFinish(); ch != nil {
		go func() {
			<-ch
			m.unregister(guid)
		}()
	}
}

func (m *Multiplexer) unregister(guid string) {
	m.mu.Lock()
	delete(m.protocols, guid)
	delete(m.longRunning, guid)
	m.mu.Unlock()
}

// NewGUID returns a fresh protocol guid. Exposed so InterestFactory
// implementations can mint a guid for the instance they construct.
func NewGUID() string { return uuid.NewString() }

// CancelLongRunning cancels every tracked long-running protocol, swallowing
// per-protocol failures into the log.
func (m *Multiplexer) CancelLongRunning() {
	m.mu.Lock()
	items := make([]LongRunning, 0, len(m.longRunning))
	for _, lr := range m.longRunning {
		items = append(items, lr)
	}
	m.mu.Unlock()

	for _, lr := range items {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.log.Error("long-running protocol panicked during cancel", zap.Any("recover", r))
				}
			}()
			lr.Cancel()
		}()
	}
}

// CleanupAll calls Cleanup on every live protocol, killing each one via its
// own cleanup.
func (m *Multiplexer) CleanupAll() {
	m.mu.Lock()
	items := make([]Instance, 0, len(m.protocols))
	for _, inst := range m.protocols {
		items = append(items, inst)
	}
	m.protocols = make(map[string]Instance)
	m.longRunning = make(map[string]LongRunning)
	m.mu.Unlock()

	for _, inst := range items {
		inst.Cleanup()
	}
}

// NoLiveProtocols reports whether the protocol registry is empty.
func (m *Multiplexer) NoLiveProtocols() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.protocols) == 0
}

// AllLongRunningIdle reports whether every tracked long-running protocol
// currently reports itself idle.
func (m *Multiplexer) AllLongRunningIdle() bool {
	m.mu.Lock()
	items := make([]LongRunning, 0, len(m.longRunning))
	for _, lr := range m.longRunning {
		items = append(items, lr)
	}
	m.mu.Unlock()

	for _, lr := range items {
		if !lr.IsIdle() {
			return false
		}
	}
	return true
}

// AllInterestsIdle reports whether every registered interest has no
// in-flight FirstMessage invocation.
func (m *Multiplexer) AllInterestsIdle() bool { return m.interests.allIdle() }

// JoinShard binds every currently-registered interest's protocol type
// within shard. The AgencyAgent's own per-agent binding is created
// separately, since that binding belongs to the agent itself rather than
// to any one protocol.
func (m *Multiplexer) JoinShard(shard string) error {
	for _, it := range m.interests.all() {
		if err := it.bindShard(m.conn, shard); err != nil {
			return err
		}
	}
	return nil
}
