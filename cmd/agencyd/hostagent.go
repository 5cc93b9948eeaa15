package main

import (
	"context"

	"go.uber.org/zap"

	"github.com/featgo/agency/pkg/agent"
)

// hostAgent is the minimal built-in agent type this binary registers under
// document type "host". It does nothing beyond logging its own lifecycle —
// a deployment embedding this module as a library would register its own
// application-specific agent.Factory entries instead, on the same
// agent.Registry, before constructing its Agency.
type hostAgent struct {
	logger *zap.Logger
}

func newHostAgent(logger *zap.Logger) agent.Factory {
	return func(docID string, instanceID int) agent.Agent {
		return &hostAgent{logger: logger.Named("hostagent").With(
			zap.String("doc_id", docID), zap.Int("instance_id", instanceID))}
	}
}

func (h *hostAgent) InitiateAgent(ctx context.Context, kwargs []byte) error {
	h.logger.Info("host agent initiated")
	return nil
}

func (h *hostAgent) StartupAgent(ctx context.Context) error {
	h.logger.Info("host agent ready")
	return nil
}

func (h *hostAgent) ShutdownAgent(ctx context.Context) error {
	h.logger.Info("host agent shutting down")
	return nil
}

func (h *hostAgent) OnAgentKilled(ctx context.Context) {
	h.logger.Warn("host agent killed")
}

func (h *hostAgent) OnAgentDisconnect() { h.logger.Warn("host agent disconnected") }
func (h *hostAgent) OnAgentReconnect() { h.logger.Info("host agent reconnected") }
func (h *hostAgent) OnAgentConfigurationChange(raw []byte) {
	h.logger.Info("host agent configuration changed", zap.Int("bytes", len(raw)))
}
