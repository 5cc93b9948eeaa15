package agency_test

import (
	"context"
	"sync"
)

// fakeAgent is a minimal pkg/agent.Agent used across this package's tests.
type fakeAgent struct {
	mu            sync.Mutex
	initiateCalls int
	startupCalls  int
	shutdownCalls int
	killedCalls   int
}

func (f *fakeAgent) InitiateAgent(ctx context.Context, kwargs []byte) error {
	f.mu.Lock()
	f.initiateCalls++
	f.mu.Unlock()
	return nil
}

func (f *fakeAgent) StartupAgent(ctx context.Context) error {
	f.mu.Lock()
	f.startupCalls++
	f.mu.Unlock()
	return nil
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

func (f *fakeAgent) OnAgentDisconnect()             {}
func (f *fakeAgent) OnAgentReconnect()              {}
func (f *fakeAgent) OnAgentConfigurationChange([]byte) {}

func (f *fakeAgent) counts() (initiate, startup, shutdown, killed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.initiateCalls, f.startupCalls, f.shutdownCalls, f.killedCalls
}
