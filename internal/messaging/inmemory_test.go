package messaging

import (
	"testing"
	"time"
)

func TestPostDeliversToMatchingBinding(t *testing.T) {
	b := NewBroker()
	defer b.Close()

	conn := b.Connect("agent-1")
	if _, err := conn.CreateBinding("agent-1", "shard-a", false); err != nil {
		t.Fatalf("CreateBinding: %v", err)
	}

	other := b.Connect("poster")
	err := other.Post([]string{"agent-1"}, Message{
		Payload:        []byte("hi"),
		ExpirationTime: time.Now().Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("Post: %v", err)
	}

	select {
	case msg := <-conn.Messages():
		if string(msg.Payload) != "hi" {
			t.Fatalf("got payload %q, want %q", msg.Payload, "hi")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestPostWithoutExpirationIsRejected(t *testing.T) {
	b := NewBroker()
	defer b.Close()

	conn := b.Connect("agent-1")
	err := conn.Post([]string{"whatever"}, Message{Payload: []byte("x")})
	if err != ErrExpired {
		t.Fatalf("Post without expiration: got %v, want ErrExpired", err)
	}
}

func TestDuplicateBindingIsRejected(t *testing.T) {
	b := NewBroker()
	defer b.Close()

	conn := b.Connect("agent-1")
	if _, err := conn.CreateBinding("k", "s", false); err != nil {
		t.Fatalf("first CreateBinding: %v", err)
	}
	if _, err := conn.CreateBinding("k", "s", false); err != ErrDuplicateBinding {
		t.Fatalf("second CreateBinding: got %v, want ErrDuplicateBinding", err)
	}
}

func TestRevokeBindingStopsDelivery(t *testing.T) {
	b := NewBroker()
	defer b.Close()

	conn := b.Connect("agent-1")
	binding, _ := conn.CreateBinding("k", "s", false)
	if err := conn.RevokeBinding(binding); err != nil {
		t.Fatalf("RevokeBinding: %v", err)
	}

	other := b.Connect("poster")
	_ = other.Post([]string{"k"}, Message{
		Payload: []byte("should not arrive"), ExpirationTime: time.Now().Add(time.Minute),
	})

	select {
	case msg := <-conn.Messages():
		t.Fatalf("expected no delivery after revoke, got %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSetConnectedInvokesCallbacksOnEdgeOnly(t *testing.T) {
	b := NewBroker()
	defer b.Close()

	conn := b.Connect("agent-1")
	var disconnects, reconnects int
	conn.OnDisconnect(func() { disconnects++ })
	conn.OnReconnect(func() { reconnects++ })

	b.SetConnected(true) // no-op: already connected
	if disconnects != 0 || reconnects != 0 {
		t.Fatalf("no-op transition fired callbacks: disc=%d recon=%d", disconnects, reconnects)
	}

	b.SetConnected(false)
	if disconnects != 1 {
		t.Fatalf("disconnects = %d, want 1", disconnects)
	}
	if conn.IsConnected() {
		t.Fatal("IsConnected should be false after disconnect")
	}

	b.SetConnected(true)
	if reconnects != 1 {
		t.Fatalf("reconnects = %d, want 1", reconnects)
	}
	if !conn.IsConnected() {
		t.Fatal("IsConnected should be true after reconnect")
	}
}

func TestGetBindingsFiltersByShard(t *testing.T) {
	b := NewBroker()
	defer b.Close()

	conn := b.Connect("agent-1")
	conn.CreateBinding("k1", "shard-a", false)
	conn.CreateBinding("k2", "shard-b", false)

	got := conn.GetBindings("shard-a")
	if len(got) != 1 || got[0].Key != "k1" {
		t.Fatalf("GetBindings(shard-a) = %+v", got)
	}
}
