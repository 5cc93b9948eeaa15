package agencyagent_test

import (
	"context"
	"fmt"
	"sync"

	"github.com/featgo/agency/internal/agencyagent"
	"github.com/featgo/agency/internal/messaging"
	"github.com/featgo/agency/internal/protocol"
)

// fakeAgent is a minimal pkg/agent.Agent used across this package's tests.
type fakeAgent struct {
	aa *agencyagent.AgencyAgent

	initiateErr                error
	startupErr                 error
	registerInterestOnInitiate bool
	// interestFactory, when set, is registered instead of the default
	// always-erroring stubInterestFactory.
	interestFactory protocol.InterestFactory

	mu              sync.Mutex
	initiateCalls   int
	startupCalls    int
	shutdownCalls   int
	killedCalls     int
	disconnectCalls int
	reconnectCalls  int
	configChanges   [][]byte
}

func (f *fakeAgent) InitiateAgent(ctx context.Context, kwargs []byte) error {
	f.mu.Lock()
	f.initiateCalls++
	f.mu.Unlock()

	if f.registerInterestOnInitiate && f.aa != nil {
		factory := f.interestFactory
		if factory == nil {
			factory = &stubInterestFactory{protocolType: "greet"}
		}
		if _, err := f.aa.RegisterInterest("conv-1", factory); err != nil {
			return err
		}
	}
	return f.initiateErr
}

func (f *fakeAgent) StartupAgent(ctx context.Context) error {
	f.mu.Lock()
	f.startupCalls++
	f.mu.Unlock()
	return f.startupErr
}

func (f *fakeAgent) ShutdownAgent(ctx context.Context) error {
	f.mu.Lock()
	f.shutdownCalls++
	f.mu.Unlock()
	return nil
}

func (f *fakeAgent) OnAgentKilled(ctx context.Context) {
	f.mu.Lock()
	f.killedCalls++
	f.mu.Unlock()
}

func (f *fakeAgent) OnAgentDisconnect() {
	f.mu.Lock()
	f.disconnectCalls++
	f.mu.Unlock()
}

func (f *fakeAgent) OnAgentReconnect() {
	f.mu.Lock()
	f.reconnectCalls++
	f.mu.Unlock()
}

func (f *fakeAgent) OnAgentConfigurationChange(raw []byte) {
	f.mu.Lock()
	f.configChanges = append(f.configChanges, raw)
	f.mu.Unlock()
}

func (f *fakeAgent) counts() (initiate, startup, shutdown, killed, disconnect, reconnect int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.initiateCalls, f.startupCalls, f.shutdownCalls, f.killedCalls, f.disconnectCalls, f.reconnectCalls
}

type stubInterestFactory struct{ protocolType string }

func (s *stubInterestFactory) ProtocolType() string { return s.protocolType }
func (s *stubInterestFactory) FirstMessage(env protocol.Envelope, msg messaging.Message) (protocol.Instance, error) {
	return nil, fmt.Errorf("stubInterestFactory: not implemented")
}
