// Package protocol implements the conversation framework layered over
// internal/messaging: passive Interests, active Initiators, and the two
// reliability wrappers (RetryingProtocol, PeriodicProtocol) built over
// them, plus the per-agent Multiplexer that owns their registries.
package protocol

import (
	"encoding/json"
	"sync"

	"github.com/featgo/agency/internal/messaging"
)

// Kind classifies how a Protocol instance came to exist.
type Kind string

const (
	KindInitiator       Kind = "initiator"
	KindInterestSpawned Kind = "interest-spawned"
	KindTask            Kind = "task"
	KindRetrying        Kind = "retrying"
	KindPeriodic        Kind = "periodic"
)

// Instance is one live protocol — an active conversation or task with a
// defined lifecycle and finish notification.
type Instance interface {
	GUID() string
	Kind() Kind
	// NotifyFinish returns a channel that receives exactly one value (nil
	// on success, non-nil on failure) when the protocol completes. An
	// instance with no natural completion (PeriodicProtocol) returns nil.
	NotifyFinish() <-chan error
	// Cleanup releases any resources held by the instance. Called during
	// AgencyAgent termination's "kill every live protocol" step.
	Cleanup()
	// IsIdle reports whether this instance currently counts toward the
	// AgencyAgent idle predicate.
	IsIdle() bool
}

// LongRunning is implemented by protocol instances that must be tracked
// for explicit cancellation during termination: an instance implementing
// it is registered in the long-running set and automatically removed on
// finish.
type LongRunning interface {
	Instance
	Cancel()
}

// Deliverable is implemented by protocol instances that accept further
// inbound messages after the one that created them. Multiplexer.Route
// hands a message carrying a known live GUID straight to the matching
// Deliverable instance instead of running it back through Dispatch.
type Deliverable interface {
	Instance
	Deliver(env Envelope, msg messaging.Message)
}

// Envelope is the routing header protocol messages carry inside
// messaging.Message.Payload. The messaging package itself stays
// transport-generic; routing by (protocol_type, protocol_id) is this
// package's concern alone. GUID is empty on the message that creates an
// Interest-spawned instance and set on every later message addressed to
// that now-live instance.
type Envelope struct {
	ProtocolType string          `json:"protocol_type"`
	ProtocolID   string          `json:"protocol_id"`
	GUID         string          `json:"guid,omitempty"`
	Body         json.RawMessage `json:"body"`
}

// EncodeEnvelope marshals an Envelope for use as a messaging.Message payload.
func EncodeEnvelope(e Envelope) ([]byte, error) { return json.Marshal(e) }

// DecodeEnvelope unmarshals a messaging.Message payload into an Envelope.
func DecodeEnvelope(payload []byte) (Envelope, error) {
	var e Envelope
	err := json.Unmarshal(payload, &e)
	return e, err
}

// InitiatorFunc constructs an active protocol instance from caller-supplied
// arguments. Used both directly (Multiplexer.InitiateProtocol) and as the
// wrapped factory inside RetryingProtocol.
type InitiatorFunc func(args any) (Instance, error)

// InterestFactory is a passive acceptor: FirstMessage is offered every
// inbound message addressed to this interest's (protocol_type, protocol_id)
// pair and, on the first one it accepts, materializes an agent-side
// instance.
type InterestFactory interface {
	ProtocolType() string
	FirstMessage(env Envelope, msg messaging.Message) (Instance, error)
}

// idleGuard is a small helper embeddable by concrete Instance
// implementations that have no natural idle signal of their own.
type idleGuard struct {
	mu   sync.Mutex
	idle bool
}

func (g *idleGuard) setIdle(v bool) {
	g.mu.Lock()
	g.idle = v
	g.mu.Unlock()
}

func (g *idleGuard) IsIdle() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.idle
}
