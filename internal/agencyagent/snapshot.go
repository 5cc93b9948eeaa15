package agencyagent

import "github.com/featgo/agency/internal/journal"

// NewJournalEntry begins a journal entry for this agent's own stream.
func (a *AgencyAgent) NewJournalEntry(recorderID, functionID string, args, kwargs []byte) *journal.EntryBuilder {
	return a.keeper.NewEntry(a.cfg.DocID, a.InstanceID(), recorderID, functionID, args, kwargs)
}

// CommitJournalEntry commits b and, if the snapshot threshold is now
// exceeded, emits a snapshot: a snapshot is emitted when
// entriesSinceSnapshot exceeds the threshold, or on force.
func (a *AgencyAgent) CommitJournalEntry(b *journal.EntryBuilder) error {
	if err := b.Commit(); err != nil {
		return err
	}
	if a.metrics != nil {
		a.metrics.JournalEntries.WithLabelValues(a.cfg.DocumentType).Inc()
	}

	a.mu.Lock()
	a.entriesSinceSnapshot++
	exceeded := a.entriesSinceSnapshot > journal.SnapshotThreshold
	a.mu.Unlock()

	if exceeded {
		return a.emitSnapshot(a.captureSnapshot())
	}
	return nil
}

// EntriesSinceSnapshot reports the current counter value.
func (a *AgencyAgent) EntriesSinceSnapshot() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.entriesSinceSnapshot
}

// ForceSnapshot unconditionally emits a snapshot, as used by termination
// step 3. snapshotCapture, if set, supplies the agent-state payload;
// otherwise an empty snapshot is recorded (the journal stream alone still
// allows replay from the start).
func (a *AgencyAgent) ForceSnapshot() error {
	return a.emitSnapshot(a.captureSnapshot())
}

func (a *AgencyAgent) captureSnapshot() journal.Snapshot {
	s := journal.Snapshot{
		AgentID:    a.cfg.DocID,
		InstanceID: a.InstanceID(),
	}
	if a.snapshotCapture != nil {
		s.AgentState = a.snapshotCapture()
	}
	return s
}

func (a *AgencyAgent) emitSnapshot(s journal.Snapshot) error {
	type snapshotSaver interface {
		SaveSnapshot(journal.Snapshot) error
	}
	saver, ok := a.keeper.(snapshotSaver)
	if !ok {
		a.mu.Lock()
		a.entriesSinceSnapshot = 0
		a.mu.Unlock()
		return nil
	}

	err := saver.SaveSnapshot(s)
	a.mu.Lock()
	a.entriesSinceSnapshot = 0
	a.mu.Unlock()
	if err == nil && a.metrics != nil {
		a.metrics.Snapshots.WithLabelValues(a.cfg.DocumentType).Inc()
	}
	return err
}

// SetSnapshotCapture installs the callback used to build a snapshot's
// agent-state payload. Called once by the owner after New, before Start.
func (a *AgencyAgent) SetSnapshotCapture(capture func() []byte) {
	a.snapshotCapture = capture
}
