// Package journal records every agent-side effect so that in-memory agent
// state can be reconstructed by replay, and bounds replay cost with periodic
// snapshots. Entries are an explicit mutation log rather than a
// call-interception recorder, the shape that fits a systems language better
// than intercepting every call.
package journal

import (
	"fmt"
	"sync"
)

// SideEffect records one externally-observable call (network, database,
// clock) made while producing a JournalEntry, together with the result it
// produced — so replay can feed back the recorded result instead of
// re-executing the effect.
type SideEffect struct {
	Name    string
	Args    []byte
	Kwargs  []byte
	Effects []string
	Result  []byte
}

// Entry is one committed, append-only record in an agent's journal stream.
type Entry struct {
	AgentID     string
	InstanceID  int
	RecorderID  string
	FunctionID  string
	Args        []byte
	Kwargs      []byte
	FiberID     string
	FiberDepth  int
	SideEffects []SideEffect
	Result      []byte
}

type streamKey struct {
	agentID    string
	instanceID int
}

// Keeper is the append-only journal writer. Entries for a single
// (agentID, instanceID) stream are totally ordered; Keeper guarantees this
// ordering is preserved across concurrent NewEntry callers.
type Keeper interface {
	NewEntry(agentID string, instanceID int, recorderID, functionID string, args, kwargs []byte) *EntryBuilder
	// Entries returns the committed entries for one stream, in commit order.
	Entries(agentID string, instanceID int) []Entry
}

// MemoryKeeper is the default in-process Keeper; entries live only as long
// as the agency process does. internal/docstore's PersistentKeeper is a
// separate Keeper that keeps entries across restarts.
type MemoryKeeper struct {
	mu      sync.Mutex
	streams map[streamKey][]Entry
	locks   map[streamKey]*sync.Mutex
}

// NewMemoryKeeper creates an empty MemoryKeeper.
func NewMemoryKeeper() *MemoryKeeper {
	return &MemoryKeeper{
		streams: make(map[streamKey][]Entry),
		locks:   make(map[streamKey]*sync.Mutex),
	}
}

func (k *MemoryKeeper) streamLock(key streamKey) *sync.Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	return l
}

// NewEntry begins building an entry for the given stream. The returned
// builder's Commit appends to the stream under the stream's own lock, so
// concurrent commits on different streams never contend with each other.
func (k *MemoryKeeper) NewEntry(agentID string, instanceID int, recorderID, functionID string, args, kwargs []byte) *EntryBuilder {
	return newEntryBuilder(k, agentID, instanceID, recorderID, functionID, args, kwargs)
}

func (k *MemoryKeeper) Entries(agentID string, instanceID int) []Entry {
	key := streamKey{agentID, instanceID}
	lock := k.streamLock(key)
	lock.Lock()
	defer lock.Unlock()

	k.mu.Lock()
	defer k.mu.Unlock()
	src := k.streams[key]
	out := make([]Entry, len(src))
	copy(out, src)
	return out
}

func (k *MemoryKeeper) CommitEntry(e Entry) error {
	key := streamKey{e.AgentID, e.InstanceID}
	lock := k.streamLock(key)
	lock.Lock()
	defer lock.Unlock()

	k.mu.Lock()
	k.streams[key] = append(k.streams[key], e)
	k.mu.Unlock()
	return nil
}

// Committer is satisfied by any Keeper implementation that can append one
// already-built Entry to its backing store. MemoryKeeper and docstore's
// PersistentKeeper both implement it, so EntryBuilder works unchanged
// against either.
type Committer interface {
	CommitEntry(Entry) error
}

// EntryBuilder accumulates the fiber context, side effects, and result for
// one in-progress journal entry before it is committed.
type EntryBuilder struct {
	keeper Committer
	entry  Entry
}

// NewEntryFor begins building an entry committed through k. Keeper
// implementations outside this package (internal/docstore's
// PersistentKeeper) use this to satisfy the Keeper.NewEntry contract.
func NewEntryFor(k Committer, agentID string, instanceID int, recorderID, functionID string, args, kwargs []byte) *EntryBuilder {
	return newEntryBuilder(k, agentID, instanceID, recorderID, functionID, args, kwargs)
}

func newEntryBuilder(k Committer, agentID string, instanceID int, recorderID, functionID string, args, kwargs []byte) *EntryBuilder {
	return &EntryBuilder{
		keeper: k,
		entry: Entry{
			AgentID:    agentID,
			InstanceID: instanceID,
			RecorderID: recorderID,
			FunctionID: functionID,
			Args:       args,
			Kwargs:     kwargs,
		},
	}
}

func (b *EntryBuilder) SetFiberContext(fiberID string, depth int) *EntryBuilder {
	b.entry.FiberID = fiberID
	b.entry.FiberDepth = depth
	return b
}

func (b *EntryBuilder) AddSideEffect(name string, args, kwargs []byte, effects []string, result []byte) *EntryBuilder {
	b.entry.SideEffects = append(b.entry.SideEffects, SideEffect{
		Name:    name,
		Args:    args,
		Kwargs:  kwargs,
		Effects: effects,
		Result:  result,
	})
	return b
}

func (b *EntryBuilder) SetResult(result []byte) *EntryBuilder {
	b.entry.Result = result
	return b
}

// Commit durably appends the entry to its stream. Once Commit returns, the
// entry's ordering relative to other commits on the same stream is fixed.
func (b *EntryBuilder) Commit() error {
	if b.keeper == nil {
		return fmt.Errorf("journal: entry builder has no keeper")
	}
	return b.keeper.CommitEntry(b.entry)
}

// Replay deterministically rebuilds state by applying entries in order via
// apply. Any error returned by apply is treated as a replay divergence and
// is propagated to the caller rather than silently ignored.
func Replay(entries []Entry, apply func(Entry) error) error {
	for i, e := range entries {
		if err := apply(e); err != nil {
			return fmt.Errorf("journal: replay diverged at entry %d (function %s): %w", i, e.FunctionID, err)
		}
	}
	return nil
}
