package agency

import "testing"

func TestHostStateRoundTrip(t *testing.T) {
	a := &Agency{hostStateReg: newHostStateRegistry()}

	extra, err := a.encodeHostState(&HostState{RestartCount: 3})
	if err != nil {
		t.Fatalf("encodeHostState: %v", err)
	}

	hs, err := a.decodeHostState(extra)
	if err != nil {
		t.Fatalf("decodeHostState: %v", err)
	}
	if hs.RestartCount != 3 {
		t.Fatalf("RestartCount = %d, want 3", hs.RestartCount)
	}
}

func TestHostStateDecodeEmptyExtraIsZeroValue(t *testing.T) {
	a := &Agency{hostStateReg: newHostStateRegistry()}

	hs, err := a.decodeHostState(nil)
	if err != nil {
		t.Fatalf("decodeHostState: %v", err)
	}
	if hs.RestartCount != 0 {
		t.Fatalf("RestartCount = %d, want 0", hs.RestartCount)
	}
}

func TestHostStateDecodeUnknownTagFails(t *testing.T) {
	a := &Agency{hostStateReg: newHostStateRegistry()}

	if _, err := a.decodeHostState([]byte(`{"tag":"bogus","payload":{}}`)); err == nil {
		t.Fatal("expected decode of an unknown tag to fail")
	}
}
