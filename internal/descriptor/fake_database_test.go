package descriptor

import (
	"context"
	"fmt"
	"sync"
)

// fakeDatabase is a minimal in-memory Database used by this package's own
// tests. internal/docstore provides the real GORM-backed implementation.
type fakeDatabase struct {
	mu       sync.Mutex
	docs     map[string]*Descriptor
	rev      int
	failNext error
}

func newFakeDatabase(seed *Descriptor) *fakeDatabase {
	cp := seed.Clone()
	cp.Rev = "rev-0"
	return &fakeDatabase{docs: map[string]*Descriptor{seed.DocID: cp}}
}

func (f *fakeDatabase) Get(_ context.Context, docID string) (*Descriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.docs[docID]
	if !ok {
		return nil, ErrNotFound
	}
	return d.Clone(), nil
}

func (f *fakeDatabase) Save(_ context.Context, doc *Descriptor) (*Descriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return nil, err
	}

	existing, ok := f.docs[doc.DocID]
	if ok && doc.Rev != "" && doc.Rev != existing.Rev {
		return nil, ErrConflict
	}

	f.rev++
	saved := doc.Clone()
	saved.Rev = fmt.Sprintf("rev-%d", f.rev)
	f.docs[doc.DocID] = saved
	return saved.Clone(), nil
}

func (f *fakeDatabase) Reload(ctx context.Context, doc *Descriptor) (*Descriptor, error) {
	return f.Get(ctx, doc.DocID)
}

func (f *fakeDatabase) Delete(_ context.Context, doc *Descriptor) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.docs, doc.DocID)
	return nil
}

func (f *fakeDatabase) QueryView(_ context.Context, _ ViewQuery) ([]Row, error) {
	return nil, nil
}

func (f *fakeDatabase) ChangesListener(_ context.Context, _ []string, _ func(ChangeEvent)) (func(), error) {
	return func() {}, nil
}

func (f *fakeDatabase) IsConnected() bool { return true }
