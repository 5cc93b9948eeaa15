package docstore

import (
	"encoding/json"

	"go.uber.org/zap"

	"github.com/featgo/agency/internal/journal"
)

// PersistentKeeper implements internal/journal.Keeper and
// internal/journal.Committer against the journal_entries table, giving
// journal entries durability across agency restarts. journal.MemoryKeeper
// remains the default for agents that don't need cross-restart replay.
type PersistentKeeper struct {
	db *DB
}

// NewPersistentKeeper wraps db as a journal.Keeper.
func NewPersistentKeeper(db *DB) *PersistentKeeper {
	return &PersistentKeeper{db: db}
}

func (k *PersistentKeeper) NewEntry(agentID string, instanceID int, recorderID, functionID string, args, kwargs []byte) *journal.EntryBuilder {
	return journal.NewEntryFor(k, agentID, instanceID, recorderID, functionID, args, kwargs)
}

func (k *PersistentKeeper) Entries(agentID string, instanceID int) []journal.Entry {
	var rows []journalEntryRow
	err := k.db.gdb.
		Where("agent_id = ? AND instance_id = ?", agentID, instanceID).
		Order("created_at ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		k.db.log.Error("journal entries query failed", zap.Error(err))
		return nil
	}

	out := make([]journal.Entry, 0, len(rows))
	for _, r := range rows {
		e := journal.Entry{
			AgentID:    r.AgentID,
			InstanceID: r.InstanceID,
			RecorderID: r.RecorderID,
			FunctionID: r.FunctionID,
			Args:       []byte(r.Args),
			Kwargs:     []byte(r.Kwargs),
			FiberID:    r.FiberID,
			FiberDepth: r.FiberDepth,
			Result:     []byte(r.Result),
		}
		if r.SideEffects != "" {
			_ = json.Unmarshal([]byte(r.SideEffects), &e.SideEffects)
		}
		out = append(out, e)
	}
	return out
}

// CommitEntry satisfies journal.Committer, appending a row to
// journal_entries. Journal entries are immutable once written, so this is a
// plain insert, never an update.
func (k *PersistentKeeper) CommitEntry(e journal.Entry) error {
	row := journalEntryRow{
		AgentID:    e.AgentID,
		InstanceID: e.InstanceID,
		RecorderID: e.RecorderID,
		FunctionID: e.FunctionID,
		Args:       string(e.Args),
		Kwargs:     string(e.Kwargs),
		FiberID:    e.FiberID,
		FiberDepth: e.FiberDepth,
		Result:     string(e.Result),
	}
	if e.SideEffects != nil {
		b, err := json.Marshal(e.SideEffects)
		if err != nil {
			return err
		}
		row.SideEffects = string(b)
	}
	return k.db.gdb.Create(&row).Error
}

// SaveSnapshot persists a full-state capture, used to bound replay cost
// (see journal.SnapshotThreshold).
func (k *PersistentKeeper) SaveSnapshot(s journal.Snapshot) error {
	row := snapshotRow{
		AgentID:    s.AgentID,
		InstanceID: s.InstanceID,
		AgentState: string(s.AgentState),
	}
	if s.Protocols != nil {
		b, err := json.Marshal(s.Protocols)
		if err != nil {
			return err
		}
		row.Protocols = string(b)
	}
	return k.db.gdb.Create(&row).Error
}

// LatestSnapshot returns the most recent snapshot for a stream, if any.
func (k *PersistentKeeper) LatestSnapshot(agentID string, instanceID int) (*journal.Snapshot, bool, error) {
	var row snapshotRow
	err := k.db.gdb.
		Where("agent_id = ? AND instance_id = ?", agentID, instanceID).
		Order("created_at DESC").
		First(&row).Error
	if err != nil {
		return nil, false, nil // no snapshot yet is not an error condition
	}

	s := &journal.Snapshot{
		AgentID:    row.AgentID,
		InstanceID: row.InstanceID,
		AgentState: []byte(row.AgentState),
	}
	if row.Protocols != "" {
		if err := json.Unmarshal([]byte(row.Protocols), &s.Protocols); err != nil {
			return nil, false, err
		}
	}
	return s, true, nil
}
