package protocol

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/featgo/agency/internal/messaging"
)

// Interest is a registered passive acceptor for one (protocol_type,
// protocol_id) pair. The first inbound message addressed to that pair
// materializes an agent-side instance via factory.FirstMessage; subsequent
// messages for the same conversation are routed directly to that instance
// by the Multiplexer (not through Interest itself).
type Interest struct {
	protocolType string
	protocolID   string
	factory      InterestFactory
	bindings     []*messaging.Binding

	mu       sync.Mutex
	revoking bool
	pending  int // FirstMessage invocations in flight
	inFlight sync.WaitGroup
}

func newInterest(protocolID string, factory InterestFactory) *Interest {
	return &Interest{protocolType: factory.ProtocolType(), protocolID: protocolID, factory: factory}
}

// IsIdle reports no in-flight FirstMessage invocation is running.
func (i *Interest) IsIdle() bool {
	// sync.WaitGroup exposes no direct "count == 0" query; Revoke's Wait
	// is the authoritative synchronization point. For the idle predicate we
	// track it explicitly instead, in pending.
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.pending == 0
}

// Revoke closes the interest's bindings and waits for any FirstMessage
// invocation currently in flight to complete.
func (i *Interest) Revoke(conn *messaging.Connection) error {
	i.mu.Lock()
	i.revoking = true
	bindings := i.bindings
	i.bindings = nil
	i.mu.Unlock()

	var firstErr error
	for _, b := range bindings {
		if err := conn.RevokeBinding(b); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	i.inFlight.Wait()
	return firstErr
}

func (i *Interest) dispatch(env Envelope, msg messaging.Message) (Instance, error) {
	i.inFlight.Add(1)
	i.mu.Lock()
	i.pending++
	i.mu.Unlock()
	defer func() {
		i.mu.Lock()
		i.pending--
		i.mu.Unlock()
		i.inFlight.Done()
	}()
	return i.factory.FirstMessage(env, msg)
}

// bindShard creates a binding for this interest's protocol type within
// shard, so a message addressed to the protocol type within that shard
// reaches this interest regardless of which agent instance is listening.
func (i *Interest) bindShard(conn *messaging.Connection, shard string) error {
	b, err := conn.CreateBinding(i.protocolType, shard, false)
	if err != nil {
		return err
	}
	i.mu.Lock()
	i.bindings = append(i.bindings, b)
	i.mu.Unlock()
	return nil
}

// interestKey identifies a registered Interest.
type interestKey struct {
	protocolType string
	protocolID   string
}

// interestRegistry is the Multiplexer's bookkeeping for Interests, split
// out only to keep multiplexer.go from growing a second responsibility.
type interestRegistry struct {
	mu    sync.Mutex
	items map[interestKey]*Interest
	log   *zap.Logger
}

func newInterestRegistry(log *zap.Logger) *interestRegistry {
	return &interestRegistry{items: make(map[interestKey]*Interest), log: log}
}

func (r *interestRegistry) register(protocolID string, factory InterestFactory) (*Interest, error) {
	key := interestKey{protocolType: factory.ProtocolType(), protocolID: protocolID}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.items[key]; exists {
		return nil, fmt.Errorf("protocol: interest (%s, %s) already registered", key.protocolType, key.protocolID)
	}
	it := newInterest(protocolID, factory)
	r.items[key] = it
	return it, nil
}

func (r *interestRegistry) lookup(protocolType, protocolID string) (*Interest, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	it, ok := r.items[interestKey{protocolType, protocolID}]
	return it, ok
}

func (r *interestRegistry) remove(protocolType, protocolID string) {
	r.mu.Lock()
	delete(r.items, interestKey{protocolType, protocolID})
	r.mu.Unlock()
}

func (r *interestRegistry) all() []*Interest {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Interest, 0, len(r.items))
	for _, it := range r.items {
		out = append(out, it)
	}
	return out
}

func (r *interestRegistry) allIdle() bool {
	r.mu.Lock()
	items := make([]*Interest, 0, len(r.items))
	for _, it := range r.items {
		items = append(items, it)
	}
	r.mu.Unlock()

	for _, it := range items {
		if !it.IsIdle() {
			return false
		}
	}
	return true
}
