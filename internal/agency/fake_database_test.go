package agency_test

import (
	"context"
	"fmt"
	"sync"

	"github.com/featgo/agency/internal/descriptor"
)

// fakeDB is a minimal in-memory descriptor.Database, mirroring
// internal/agencyagent's test double — internal/docstore owns the real
// GORM-backed implementation and its own tests.
type fakeDB struct {
	mu   sync.Mutex
	docs map[string]*descriptor.Descriptor
	rev  int
}

func newFakeDB() *fakeDB {
	return &fakeDB{docs: make(map[string]*descriptor.Descriptor)}
}

func (f *fakeDB) seed(doc *descriptor.Descriptor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[doc.DocID] = doc.Clone()
}

func (f *fakeDB) Get(ctx context.Context, docID string) (*descriptor.Descriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.docs[docID]
	if !ok {
		return nil, descriptor.ErrNotFound
	}
	return d.Clone(), nil
}

func (f *fakeDB) Reload(ctx context.Context, doc *descriptor.Descriptor) (*descriptor.Descriptor, error) {
	return f.Get(ctx, doc.DocID)
}

func (f *fakeDB) Save(ctx context.Context, doc *descriptor.Descriptor) (*descriptor.Descriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	existing, ok := f.docs[doc.DocID]
	if ok && doc.Rev != "" && doc.Rev != existing.Rev {
		return nil, descriptor.ErrConflict
	}

	f.rev++
	saved := doc.Clone()
	saved.Rev = fmt.Sprintf("rev-%d", f.rev)
	f.docs[doc.DocID] = saved.Clone()
	return saved, nil
}

func (f *fakeDB) Delete(ctx context.Context, doc *descriptor.Descriptor) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.docs, doc.DocID)
	return nil
}

func (f *fakeDB) QueryView(ctx context.Context, q descriptor.ViewQuery) ([]descriptor.Row, error) {
	return nil, nil
}

func (f *fakeDB) ChangesListener(ctx context.Context, docIDs []string, cb func(descriptor.ChangeEvent)) (func(), error) {
	return func() {}, nil
}

func (f *fakeDB) IsConnected() bool { return true }

func (f *fakeDB) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.docs)
}
