package agencyagent_test

import (
	"context"
	"testing"
	"time"

	"github.com/featgo/agency/internal/agencyagent"
	"github.com/featgo/agency/internal/messaging"
	"github.com/featgo/agency/internal/protocol"
)

// recordingInstance is a minimal protocol.Instance used to observe that an
// Interest's first message actually reached it through the live broker.
type recordingInstance struct {
	guid string
	done chan error
}

func newRecordingInstance(guid string) *recordingInstance {
	return &recordingInstance{guid: guid, done: make(chan error, 1)}
}

func (r *recordingInstance) GUID() string              { return r.guid }
func (r *recordingInstance) Kind() protocol.Kind        { return protocol.KindInterestSpawned }
func (r *recordingInstance) NotifyFinish() <-chan error { return r.done }
func (r *recordingInstance) Cleanup()                   {}
func (r *recordingInstance) IsIdle() bool               { return false }

type spawningInterestFactory struct {
	protocolType string
	spawned      chan *recordingInstance
}

func (f *spawningInterestFactory) ProtocolType() string { return f.protocolType }

func (f *spawningInterestFactory) FirstMessage(env protocol.Envelope, msg messaging.Message) (protocol.Instance, error) {
	inst := newRecordingInstance(protocol.NewGUID())
	f.spawned <- inst
	return inst, nil
}

// TestInboundPumpDispatchesFirstMessageThroughLiveBroker exercises the
// production path end to end: a message posted to the agent's own bound
// id is read by the inbound pump started in Start, routed through
// Multiplexer.Route/Dispatch, matched against the registered Interest, and
// materializes a live protocol instance.
func TestInboundPumpDispatchesFirstMessageThroughLiveBroker(t *testing.T) {
	ts := newTestSetup(t, 5)

	spawned := make(chan *recordingInstance, 1)
	ts.agent.registerInterestOnInitiate = true
	ts.agent.interestFactory = &spawningInterestFactory{protocolType: "greet", spawned: spawned}

	if err := ts.aa.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitUntil(t, func() bool { return ts.aa.State() == agencyagent.StateReady })

	payload, err := protocol.EncodeEnvelope(protocol.Envelope{ProtocolType: "greet", ProtocolID: "conv-1"})
	if err != nil {
		t.Fatalf("EncodeEnvelope: %v", err)
	}

	poster := ts.broker.Connect("poster")
	if err := poster.Post([]string{"agent-1"}, messaging.Message{
		Payload:        payload,
		ExpirationTime: time.Now().Add(time.Minute),
	}); err != nil {
		t.Fatalf("Post: %v", err)
	}

	var inst *recordingInstance
	select {
	case inst = <-spawned:
	case <-time.After(2 * time.Second):
		t.Fatal("FirstMessage was never invoked; inbound pump did not deliver the posted message")
	}

	waitUntil(t, func() bool { return !ts.aa.IsIdle() })

	inst.done <- nil
	waitUntil(t, func() bool { return ts.aa.IsIdle() })
}
