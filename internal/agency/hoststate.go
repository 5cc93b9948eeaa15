package agency

import (
	"encoding/json"
	"fmt"

	"github.com/featgo/agency/internal/serialization"
)

// hostStateTag is the type tag HostState registers under. It is persisted
// inside the host agent's own descriptor, so it must stay stable across
// releases the same way a journal entry's tag does.
const hostStateTag = "agency.host_state"

// HostState is the one piece of state the host agent itself carries across
// a restart: how many times this process has resumed an existing host-agent
// descriptor rather than created a fresh one. It round-trips through
// descriptor.Descriptor.Extra via the registry below.
type HostState struct {
	RestartCount int `json:"restart_count"`
}

// Tag implements serialization.Value.
func (h *HostState) Tag() string { return hostStateTag }

// newHostStateRegistry builds the registry Agency uses to encode and decode
// the host agent's descriptor Extra field.
func newHostStateRegistry() *serialization.Registry {
	reg := serialization.New()
	reg.Register(hostStateTag, func() serialization.Value { return &HostState{} })
	return reg
}

// envelope is the (tag, payload) pair a Registry.Encode produces, stored
// verbatim as the bytes of a Descriptor's Extra field.
type envelope struct {
	Tag     string          `json:"tag"`
	Payload json.RawMessage `json:"payload"`
}

// encodeHostState serializes hs as a Descriptor.Extra-ready byte slice.
func (a *Agency) encodeHostState(hs *HostState) ([]byte, error) {
	tag, payload, err := a.hostStateReg.Encode(hs)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Tag: tag, Payload: payload})
}

// decodeHostState reconstructs the HostState previously written by
// encodeHostState. A nil or empty extra decodes to a zero-value HostState,
// so a descriptor created before this field existed resumes as restart 0.
func (a *Agency) decodeHostState(extra []byte) (*HostState, error) {
	if len(extra) == 0 {
		return &HostState{}, nil
	}
	var env envelope
	if err := json.Unmarshal(extra, &env); err != nil {
		return nil, fmt.Errorf("agency: decode host state envelope: %w", err)
	}
	v, err := a.hostStateReg.Decode(env.Tag, env.Payload)
	if err != nil {
		return nil, err
	}
	hs, ok := v.(*HostState)
	if !ok {
		return nil, fmt.Errorf("agency: decoded host state has unexpected type %T", v)
	}
	return hs, nil
}
