package descriptor

import "context"

// ChangeEvent is delivered by Database.ChangesListener whenever a watched
// document changes. OwnChange is true iff this instance produced the
// revision being reported; the split-brain fence depends on being able to
// tell the two apart.
type ChangeEvent struct {
	DocID     string
	Rev       string
	Deleted   bool
	OwnChange bool
}

// Row is one result row from Database.QueryView.
type Row struct {
	Key   string
	Value []byte
}

// ViewQuery names a view and its options, passed through to the database
// backend unexamined.
type ViewQuery struct {
	View   string
	Params map[string]any
}

// Database is the consumed document-database interface. It is implemented
// by internal/docstore for production use and by an in-memory fake for
// tests.
type Database interface {
	Get(ctx context.Context, docID string) (*Descriptor, error)
	Save(ctx context.Context, doc *Descriptor) (*Descriptor, error)
	Reload(ctx context.Context, doc *Descriptor) (*Descriptor, error)
	Delete(ctx context.Context, doc *Descriptor) error
	QueryView(ctx context.Context, q ViewQuery) ([]Row, error)
	ChangesListener(ctx context.Context, docIDs []string, cb func(ChangeEvent)) (cancel func(), err error)
	IsConnected() bool
}

// Store wraps a Database connection for a single agent's own descriptor.
// It is a thin convenience layer; the serialization and FIFO guarantees
// live in UpdateQueue.
type Store struct {
	db Database
}

// NewStore creates a Store bound to db.
func NewStore(db Database) *Store {
	return &Store{db: db}
}

func (s *Store) Get(ctx context.Context, docID string) (*Descriptor, error) {
	return s.db.Get(ctx, docID)
}

func (s *Store) Save(ctx context.Context, doc *Descriptor) (*Descriptor, error) {
	return s.db.Save(ctx, doc)
}

func (s *Store) Reload(ctx context.Context, doc *Descriptor) (*Descriptor, error) {
	return s.db.Reload(ctx, doc)
}

func (s *Store) Delete(ctx context.Context, doc *Descriptor) error {
	return s.db.Delete(ctx, doc)
}

func (s *Store) SubscribeOwn(ctx context.Context, docID string, cb func(ChangeEvent)) (cancel func(), err error) {
	return s.db.ChangesListener(ctx, []string{docID}, cb)
}
