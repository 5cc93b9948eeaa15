package protocol

import (
	"testing"

	"go.uber.org/zap"

	"github.com/featgo/agency/internal/messaging"
)

type stubInterestFactory struct {
	protocolType string
	next         func(env Envelope, msg messaging.Message) (Instance, error)
}

func (f *stubInterestFactory) ProtocolType() string { return f.protocolType }
func (f *stubInterestFactory) FirstMessage(env Envelope, msg messaging.Message) (Instance, error) {
	return f.next(env, msg)
}

func newTestMultiplexer() *Multiplexer {
	broker := messaging.NewBroker()
	conn := broker.Connect("test-agent")
	return NewMultiplexer(conn, zap.NewNop())
}

func TestMultiplexerDoubleRegistrationRejected(t *testing.T) {
	m := newTestMultiplexer()
	factory := &stubInterestFactory{protocolType: "greet"}

	if _, err := m.RegisterInterest("conv-1", factory); err != nil {
		t.Fatalf("first registration failed: %v", err)
	}
	if _, err := m.RegisterInterest("conv-1", factory); err == nil {
		t.Fatal("expected double registration of the same (type, id) to fail")
	}
}

func TestMultiplexerInitiateProtocolAutoRemovesLongRunningOnFinish(t *testing.T) {
	m := newTestMultiplexer()
	inner := &fakeLongRunning{fakeInstance: newFakeInstance(KindInitiator)}

	inst, err := m.InitiateProtocol(func(args any) (Instance, error) { return inner, nil }, nil)
	if err != nil {
		t.Fatalf("InitiateProtocol failed: %v", err)
	}
	if m.NoLiveProtocols() {
		t.Fatal("expected the just-initiated protocol to be tracked")
	}
	if m.AllLongRunningIdle() {
		t.Fatal("expected the long-running protocol to not be idle while live")
	}

	inner.finish(nil)
	waitUntil(t, m.NoLiveProtocols)
	if !m.AllLongRunningIdle() {
		t.Fatal("long-running registry should be empty (vacuously idle) after finish")
	}
	_ = inst
}

func TestMultiplexerDuplicateGUIDPanics(t *testing.T) {
	m := newTestMultiplexer()
	inner := newFakeInstance(KindInitiator)

	defer func() {
		if recover() == nil {
			t.Fatal("expected registering the same guid twice to panic")
		}
	}()

	m.registerInstance(inner)
	m.registerInstance(inner)
}

func TestMultiplexerDispatchMaterializesInstanceOnFirstMessage(t *testing.T) {
	m := newTestMultiplexer()
	inner := newFakeInstance(KindInterestSpawned)
	factory := &stubInterestFactory{
		protocolType: "greet",
		next: func(env Envelope, msg messaging.Message) (Instance, error) {
			if env.ProtocolID != "conv-1" {
				t.Fatalf("FirstMessage saw protocol_id %q, want conv-1", env.ProtocolID)
			}
			return inner, nil
		},
	}
	if _, err := m.RegisterInterest("conv-1", factory); err != nil {
		t.Fatalf("RegisterInterest failed: %v", err)
	}

	payload, err := EncodeEnvelope(Envelope{ProtocolType: "greet", ProtocolID: "conv-1"})
	if err != nil {
		t.Fatalf("EncodeEnvelope: %v", err)
	}

	if err := m.Dispatch(messaging.Message{Payload: payload}); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if m.NoLiveProtocols() {
		t.Fatal("expected the interest's first message to register a live protocol")
	}
}

func TestMultiplexerDispatchUnknownInterestFails(t *testing.T) {
	m := newTestMultiplexer()
	payload, err := EncodeEnvelope(Envelope{ProtocolType: "greet", ProtocolID: "conv-1"})
	if err != nil {
		t.Fatalf("EncodeEnvelope: %v", err)
	}
	if err := m.Dispatch(messaging.Message{Payload: payload}); err == nil {
		t.Fatal("expected Dispatch to fail when no interest is registered")
	}
}

// deliverableInstance additionally implements Deliverable.
type deliverableInstance struct {
	*fakeInstance
	delivered []Envelope
}

func (d *deliverableInstance) Deliver(env Envelope, msg messaging.Message) {
	d.delivered = append(d.delivered, env)
}

func TestMultiplexerRouteWithoutGUIDGoesThroughDispatch(t *testing.T) {
	m := newTestMultiplexer()
	inner := newFakeInstance(KindInterestSpawned)
	factory := &stubInterestFactory{
		protocolType: "greet",
		next:         func(env Envelope, msg messaging.Message) (Instance, error) { return inner, nil },
	}
	if _, err := m.RegisterInterest("conv-1", factory); err != nil {
		t.Fatalf("RegisterInterest failed: %v", err)
	}

	payload, err := EncodeEnvelope(Envelope{ProtocolType: "greet", ProtocolID: "conv-1"})
	if err != nil {
		t.Fatalf("EncodeEnvelope: %v", err)
	}
	if err := m.Route(messaging.Message{Payload: payload}); err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if m.NoLiveProtocols() {
		t.Fatal("expected Route to dispatch the first message and register an instance")
	}
}

func TestMultiplexerRouteWithGUIDDeliversToLiveProtocol(t *testing.T) {
	m := newTestMultiplexer()
	inst := &deliverableInstance{fakeInstance: newFakeInstance(KindInterestSpawned)}
	m.registerInstance(inst)

	payload, err := EncodeEnvelope(Envelope{ProtocolType: "greet", ProtocolID: "conv-1", GUID: inst.GUID()})
	if err != nil {
		t.Fatalf("EncodeEnvelope: %v", err)
	}
	if err := m.Route(messaging.Message{Payload: payload}); err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if len(inst.delivered) != 1 {
		t.Fatalf("delivered = %d messages, want 1", len(inst.delivered))
	}
}

func TestMultiplexerRouteUnknownGUIDFails(t *testing.T) {
	m := newTestMultiplexer()
	payload, err := EncodeEnvelope(Envelope{ProtocolType: "greet", ProtocolID: "conv-1", GUID: "missing"})
	if err != nil {
		t.Fatalf("EncodeEnvelope: %v", err)
	}
	if err := m.Route(messaging.Message{Payload: payload}); err == nil {
		t.Fatal("expected Route to fail for an unknown guid")
	}
}

func TestMultiplexerRouteGUIDOnNonDeliverableFails(t *testing.T) {
	m := newTestMultiplexer()
	inst := newFakeInstance(KindInitiator)
	m.registerInstance(inst)

	payload, err := EncodeEnvelope(Envelope{ProtocolType: "x", ProtocolID: "y", GUID: inst.GUID()})
	if err != nil {
		t.Fatalf("EncodeEnvelope: %v", err)
	}
	if err := m.Route(messaging.Message{Payload: payload}); err == nil {
		t.Fatal("expected Route to fail when the live protocol does not implement Deliverable")
	}
}

func TestMultiplexerIdlePredicates(t *testing.T) {
	m := newTestMultiplexer()
	if !m.NoLiveProtocols() {
		t.Fatal("expected no live protocols on a fresh multiplexer")
	}
	if !m.AllLongRunningIdle() {
		t.Fatal("expected vacuously-idle long-running registry on a fresh multiplexer")
	}
	if !m.AllInterestsIdle() {
		t.Fatal("expected vacuously-idle interest registry on a fresh multiplexer")
	}

	factory := &stubInterestFactory{protocolType: "greet"}
	if _, err := m.RegisterInterest("conv-1", factory); err != nil {
		t.Fatalf("RegisterInterest failed: %v", err)
	}
	if !m.AllInterestsIdle() {
		t.Fatal("expected newly-registered interest to be idle (no in-flight dispatch)")
	}

	if err := m.RevokeInterest("greet", "conv-1"); err != nil {
		t.Fatalf("RevokeInterest failed: %v", err)
	}
}
