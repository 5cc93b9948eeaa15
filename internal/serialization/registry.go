// Package serialization provides the type-tag -> constructor registry used
// to encode and decode the transportable values that cross agent, journal,
// and messaging boundaries: descriptor extensions, journal entry
// args/kwargs, and message payloads all share this one registry, the same
// way arkeep stores every provider-specific blob (Destination.Config,
// Policy.Sources, job payloads) as a JSON column keyed by a type string.
package serialization

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Value is any transportable type that can be round-tripped through the
// registry. Tag must be stable across versions of this module — it is
// persisted in journal entries and descriptors.
type Value interface {
	Tag() string
}

// Registry maps type tags to constructors and performs JSON encode/decode.
// The zero value is not usable — create instances with New.
type Registry struct {
	mu   sync.RWMutex
	ctor map[string]func() Value
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{ctor: make(map[string]func() Value)}
}

// Register associates tag with a constructor. Re-registering the same tag
// overwrites the previous constructor — callers are expected to register
// once at init time, not dynamically.
func (r *Registry) Register(tag string, ctor func() Value) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctor[tag] = ctor
}

// Encode serializes v as a (tag, payload) pair.
func (r *Registry) Encode(v Value) (tag string, payload []byte, err error) {
	payload, err = json.Marshal(v)
	if err != nil {
		return "", nil, fmt.Errorf("serialization: encode %s: %w", v.Tag(), err)
	}
	return v.Tag(), payload, nil
}

// Decode reconstructs a Value from its tag and payload.
func (r *Registry) Decode(tag string, payload []byte) (Value, error) {
	r.mu.RLock()
	ctor, ok := r.ctor[tag]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("serialization: unknown tag %q", tag)
	}
	v := ctor()
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, v); err != nil {
			return nil, fmt.Errorf("serialization: decode %s: %w", tag, err)
		}
	}
	return v, nil
}
