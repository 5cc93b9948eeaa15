package agency

import (
	"context"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/featgo/agency/internal/agencyagent"
	"github.com/featgo/agency/internal/journal"
)

// maintenance runs the periodic snapshot/stale-agent sweep, using
// github.com/go-co-op/gocron/v2 in singleton mode — the same shape as
// arkeep's internal/scheduler.go backup-policy cron jobs.
type maintenance struct {
	agency *Agency
	cron   gocron.Scheduler
}

func newMaintenance(a *Agency) *maintenance { return &maintenance{agency: a} }

// staleThresholdFraction is the multiple of journal.SnapshotThreshold that
// entriesSinceSnapshot must exceed before the sweep forces a snapshot proactively,
// rather than waiting for the next CommitJournalEntry to cross the line
// (which may never happen for an agent that has gone quiet).
const staleThresholdFraction = 2

func (m *maintenance) start() {
	s, err := gocron.NewScheduler()
	if err != nil {
		m.agency.logger.Error("maintenance scheduler create failed", zap.Error(err))
		return
	}
	m.cron = s

	_, err = s.NewJob(
		gocron.DurationJob(m.agency.cfg.MaintenanceInterval),
		gocron.NewTask(m.sweep),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		m.agency.logger.Error("maintenance job schedule failed", zap.Error(err))
		return
	}
	s.Start()
}

func (m *maintenance) stop() {
	if m.cron != nil {
		if err := m.cron.Shutdown(); err != nil {
			m.agency.logger.Warn("maintenance scheduler shutdown error", zap.Error(err))
		}
	}
}

// sweep forces a snapshot on any registered agent whose journal has
// drifted well past the snapshot threshold, and hard-terminates any agent
// stuck mid-startup.
//
// Reaping orphaned descriptors (agents owned by a since-crashed process
// that never reached this Agency's registry at all) is not done: the sweep
// issues no Database.QueryView call and only reaps what it can observe
// directly: agents this Agency itself registered and that are stuck.
func (m *maintenance) sweep() {
	for _, aa := range m.agency.registry.all() {
		m.sweepOne(aa)
	}
}

func (m *maintenance) sweepOne(aa *agencyagent.AgencyAgent) {
	if aa.EntriesSinceSnapshot() > journal.SnapshotThreshold*staleThresholdFraction {
		if err := aa.ForceSnapshot(); err != nil {
			m.agency.logger.Warn("maintenance snapshot failed", zap.String("doc_id", aa.DocID()), zap.Error(err))
		}
	}

	switch aa.State() {
	case agencyagent.StateInitiating, agencyagent.StateInitiated, agencyagent.StateStartingUp:
		m.agency.logger.Warn("agent stuck mid-startup, hard-terminating",
			zap.String("doc_id", aa.DocID()), zap.String("state", aa.State().String()))
		aa.Terminate(context.Background(), agencyagent.Hard)
	}
}
