package messaging

import (
	"sync"
	"sync/atomic"
	"time"
)

// Broker is the in-memory Backend implementation's shared hub. One Broker
// per agency; each agent's AgencyAgent calls Connect to obtain its own
// Connection. The design — a single-writer event loop serializing bind and
// unbind operations through channels, with Post taking only a brief
// read-lock to snapshot subscribers before delivering outside the lock —
// is carried over directly from arkeep's websocket/hub.go, substituting
// "binding" for "client subscription".
type Broker struct {
	mu     sync.RWMutex
	topics map[string]map[*Connection]struct{}

	bind   chan bindOp
	unbind chan unbindOp
	stop   chan struct{}
	once   sync.Once

	connected atomic.Bool
	connMu    sync.Mutex
	onDisc    []func()
	onRecon   []func()
}

type bindOp struct {
	conn  *Connection
	topic string
	resp  chan error
}

type unbindOp struct {
	conn  *Connection
	topic string
	done  chan struct{}
}

// NewBroker creates a Broker with its event loop already running.
func NewBroker() *Broker {
	b := &Broker{
		topics: make(map[string]map[*Connection]struct{}),
		bind:   make(chan bindOp),
		unbind: make(chan unbindOp, 64),
		stop:   make(chan struct{}),
	}
	b.connected.Store(true)
	go b.run()
	return b
}

func (b *Broker) run() {
	for {
		select {
		case op := <-b.bind:
			b.mu.Lock()
			if b.topics[op.topic] == nil {
				b.topics[op.topic] = make(map[*Connection]struct{})
			}
			if _, exists := b.topics[op.topic][op.conn]; exists {
				b.mu.Unlock()
				op.resp <- ErrDuplicateBinding
				continue
			}
			b.topics[op.topic][op.conn] = struct{}{}
			b.mu.Unlock()
			op.resp <- nil

		case op := <-b.unbind:
			b.mu.Lock()
			delete(b.topics[op.topic], op.conn)
			if len(b.topics[op.topic]) == 0 {
				delete(b.topics, op.topic)
			}
			b.mu.Unlock()
			if op.done != nil {
				close(op.done)
			}

		case <-b.stop:
			return
		}
	}
}

// Close stops the broker's event loop. Safe to call more than once.
func (b *Broker) Close() {
	b.once.Do(func() { close(b.stop) })
}

// SetConnected flips the broker's simulated connectivity state, invoking
// every connection's registered OnDisconnect/OnReconnect callback on a
// true→false or false→true edge. Used by tests to exercise
// AgencyAgent's ready⇄disconnected transition.
func (b *Broker) SetConnected(connected bool) {
	prev := b.connected.Swap(connected)
	if prev == connected {
		return
	}

	b.connMu.Lock()
	var cbs []func()
	if connected {
		cbs = append(cbs, b.onRecon...)
	} else {
		cbs = append(cbs, b.onDisc...)
	}
	b.connMu.Unlock()

	for _, cb := range cbs {
		cb()
	}
}

func (b *Broker) registerDisconnect(cb func()) { b.connMu.Lock(); b.onDisc = append(b.onDisc, cb); b.connMu.Unlock() }
func (b *Broker) registerReconnect(cb func())  { b.connMu.Lock(); b.onRecon = append(b.onRecon, cb); b.connMu.Unlock() }

// post delivers msg to every connection subscribed to topic. A connection
// whose inbox is full is treated the way hub.go treats a slow websocket
// client: it is dropped from the topic rather than allowed to stall
// delivery to everyone else.
func (b *Broker) post(topic string, msg Message) {
	b.mu.RLock()
	subs := b.topics[topic]
	conns := make([]*Connection, 0, len(subs))
	for c := range subs {
		conns = append(conns, c)
	}
	b.mu.RUnlock()

	for _, c := range conns {
		select {
		case c.inbox <- msg:
		default:
			b.unbind <- unbindOp{conn: c, topic: topic}
		}
	}
}

// Connect creates a Connection bound to this broker. ownerID identifies the
// agent for logging/diagnostics only; it plays no role in addressing.
func (b *Broker) Connect(ownerID string) *Connection {
	return &Connection{
		ownerID:  ownerID,
		broker:   b,
		inbox:    make(chan Message, 64),
		bindings: make(map[string]*Binding),
		routes:   make(map[string]map[string]string),
	}
}

// Connection is a per-agent Backend handle obtained from a Broker.
type Connection struct {
	ownerID string
	broker  *Broker

	mu       sync.Mutex
	bindings map[string]*Binding // key -> binding
	routes   map[string]map[string]string

	inbox chan Message
}

// Posting addresses a binding by its bare key alone — shard is carried on
// the Binding only as a GetBindings filter, not as part of the topic, so
// that Post(recipients, msg) can address a recipient by the same key it
// was bound under without having to know which shard it joined.
func (c *Connection) CreateBinding(key, shard string, public bool) (*Binding, error) {
	resp := make(chan error, 1)
	c.broker.bind <- bindOp{conn: c, topic: key, resp: resp}
	if err := <-resp; err != nil {
		return nil, err
	}

	b := &Binding{Key: key, Shard: shard, Public: public}
	c.mu.Lock()
	c.bindings[key] = b
	c.mu.Unlock()
	return b, nil
}

func (c *Connection) RevokeBinding(b *Binding) error {
	c.mu.Lock()
	delete(c.bindings, b.Key)
	c.mu.Unlock()
	done := make(chan struct{})
	c.broker.unbind <- unbindOp{conn: c, topic: b.Key, done: done}
	select {
	case <-done:
	case <-c.broker.stop:
	}
	return nil
}

func (c *Connection) Post(recipients []string, msg Message) error {
	if msg.ExpirationTime.IsZero() {
		return ErrExpired
	}
	if time.Now().After(msg.ExpirationTime) {
		return ErrExpired
	}
	for _, r := range recipients {
		c.broker.post(r, msg)
	}
	return nil
}

func (c *Connection) GetBindings(shard string) []*Binding {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Binding, 0, len(c.bindings))
	for _, b := range c.bindings {
		if b.Shard == shard {
			out = append(out, b)
		}
	}
	return out
}

func (c *Connection) CreateExternalRoute(backendID string, opts map[string]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make(map[string]string, len(opts))
	for k, v := range opts {
		cp[k] = v
	}
	c.routes[backendID] = cp
	return nil
}

func (c *Connection) RemoveExternalRoute(backendID string, _ map[string]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.routes, backendID)
	return nil
}

func (c *Connection) OnDisconnect(cb func()) { c.broker.registerDisconnect(cb) }
func (c *Connection) OnReconnect(cb func())  { c.broker.registerReconnect(cb) }
func (c *Connection) IsConnected() bool      { return c.broker.connected.Load() }

// Release revokes every binding owned by this connection. It does not stop
// the broker, which is shared by every agent in the agency.
func (c *Connection) Release() error {
	c.mu.Lock()
	topics := make([]string, 0, len(c.bindings))
	for t := range c.bindings {
		topics = append(topics, t)
	}
	c.bindings = make(map[string]*Binding)
	c.mu.Unlock()

	for _, t := range topics {
		c.broker.unbind <- unbindOp{conn: c, topic: t}
	}
	return nil
}

// Messages returns the channel this connection's subscribed messages
// arrive on. Consumed by internal/protocol's Multiplexer to dispatch
// inbound first-messages to Interests and replies to live protocols.
func (c *Connection) Messages() <-chan Message { return c.inbox }
