package docstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// rowBase mirrors arkeep's db.base: a UUIDv7 primary key assigned on
// insert if unset, plus GORM-managed timestamps.
type rowBase struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (b *rowBase) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// descriptorRow is the persisted form of descriptor.Descriptor. DocID is
// the caller-assigned business key (agent ID); ID is the internal
// surrogate key kept only for rowBase's BeforeCreate convenience.
type descriptorRow struct {
	rowBase
	DocID        string `gorm:"uniqueIndex;not null"`
	Rev          string `gorm:"not null"`
	InstanceID   int    `gorm:"not null"`
	Shard        string `gorm:"index;not null;default:''"`
	DocumentType string `gorm:"not null;default:''"`
	Allocations  string `gorm:"type:text"` // JSON array
	Partners     string `gorm:"type:text"` // JSON array
	UnderRestart bool   `gorm:"not null;default:false"`
	Extra        string `gorm:"type:text"` // JSON blob, see internal/serialization
}

func (descriptorRow) TableName() string { return "descriptors" }

// journalEntryRow is one committed journal entry (internal/journal.Entry),
// append-only, ordered within a stream by CreatedAt/ID (UUIDv7 keeps the
// two in agreement without a separate sequence column).
type journalEntryRow struct {
	rowBase
	AgentID     string `gorm:"index:idx_stream;not null"`
	InstanceID  int    `gorm:"index:idx_stream;not null"`
	RecorderID  string `gorm:"not null;default:''"`
	FunctionID  string `gorm:"not null"`
	Args        string `gorm:"type:text"`
	Kwargs      string `gorm:"type:text"`
	FiberID     string `gorm:"not null;default:''"`
	FiberDepth  int    `gorm:"not null;default:0"`
	SideEffects string `gorm:"type:text"` // JSON array of journal.SideEffect
	Result      string `gorm:"type:text"`
}

func (journalEntryRow) TableName() string { return "journal_entries" }

// snapshotRow is a periodic full-state capture (journal.Snapshot), used to
// bound replay cost.
type snapshotRow struct {
	rowBase
	AgentID    string `gorm:"index;not null"`
	InstanceID int    `gorm:"not null"`
	AgentState string `gorm:"type:text"`
	Protocols  string `gorm:"type:text"` // JSON array of journal.ProtocolView
}

func (snapshotRow) TableName() string { return "snapshots" }
