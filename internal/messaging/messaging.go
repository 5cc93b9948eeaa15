// Package messaging is the consumed Messaging interface and its one shipped
// backend: an in-memory broker reusing arkeep's websocket hub's
// single-writer event-loop pattern in place of a real websocket transport,
// since the actual wire backend (AMQP/tunnel/etc) is out of scope, not the
// binding/posting contract in front of it.
package messaging

import (
	"errors"
	"time"
)

// ErrExpired is returned by Post when message.ExpirationTime has already
// passed.
var ErrExpired = errors.New("messaging: message has expired")

// ErrDuplicateBinding is returned by CreateBinding when key is already
// bound for this connection, whichever shard either binding names.
var ErrDuplicateBinding = errors.New("messaging: binding already exists")

// Message is one unit posted through the backend. ExpirationTime is
// mandatory.
type Message struct {
	Recipient      string
	Payload        []byte
	ExpirationTime time.Time
}

// Binding is a passive subscription handle returned by CreateBinding.
type Binding struct {
	Key    string
	Shard  string
	Public bool
}

// Backend is the consumed interface: createBinding, revokeBinding, post,
// getBindings, createExternalRoute/removeExternalRoute, connect state
// callbacks, isConnected, release.
type Backend interface {
	CreateBinding(key, shard string, public bool) (*Binding, error)
	RevokeBinding(b *Binding) error
	Post(recipients []string, msg Message) error
	GetBindings(shard string) []*Binding
	CreateExternalRoute(backendID string, opts map[string]string) error
	RemoveExternalRoute(backendID string, opts map[string]string) error
	OnDisconnect(cb func())
	OnReconnect(cb func())
	IsConnected() bool
	Release() error
}
