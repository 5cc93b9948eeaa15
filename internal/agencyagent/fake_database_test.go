package agencyagent_test

import (
	"context"
	"fmt"
	"sync"

	"github.com/featgo/agency/internal/descriptor"
)

// fakeDB is a minimal in-memory descriptor.Database. ChangesListener never
// fires on its own; tests call trigger to simulate an inbound change
// notification, since exercising the real polling implementation belongs
// to internal/docstore's own tests.
type fakeDB struct {
	mu        sync.Mutex
	docs      map[string]*descriptor.Descriptor
	rev       int
	listeners map[string][]func(descriptor.ChangeEvent)
}

func newFakeDB() *fakeDB {
	return &fakeDB{
		docs:      make(map[string]*descriptor.Descriptor),
		listeners: make(map[string][]func(descriptor.ChangeEvent)),
	}
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
	f.mu.Lock()
	for _, id := range docIDs {
		f.listeners[id] = append(f.listeners[id], cb)
	}
	f.mu.Unlock()

	cancel := func() {
		f.mu.Lock()
		for _, id := range docIDs {
			delete(f.listeners, id)
		}
		f.mu.Unlock()
	}
	return cancel, nil
}

func (f *fakeDB) IsConnected() bool { return true }

// trigger delivers ev to every listener registered for docID — simulating
// an inbound document-database change notification.
func (f *fakeDB) trigger(docID string, ev descriptor.ChangeEvent) {
	f.mu.Lock()
	cbs := append([]func(descriptor.ChangeEvent){}, f.listeners[docID]...)
	f.mu.Unlock()
	for _, cb := range cbs {
		cb(ev)
	}
}
