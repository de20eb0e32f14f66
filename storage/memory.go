package storage

import (
	"context"
	"sync"
	"time"
)

// Memory is the in-memory unencrypted engine. It merges update blobs
// through its CRDT collaborator and keeps one compacted snapshot per
// document.
type Memory struct {
	crdt CRDT

	mu    sync.Mutex
	docs  map[string]*memoryDoc
	locks map[string]*sync.Mutex

	milestones MilestoneStore
	files      FileStore
}

type memoryDoc struct {
	update []byte
	meta   Metadata
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithMilestones attaches a milestone sub-store, cascaded on delete.
func WithMilestones(ms MilestoneStore) MemoryOption {
	return func(m *Memory) { m.milestones = ms }
}

// WithFiles attaches a file sub-store, cascaded on delete.
func WithFiles(fs FileStore) MemoryOption {
	return func(m *Memory) { m.files = fs }
}

// NewMemory returns an in-memory unencrypted store merging through crdt.
func NewMemory(crdt CRDT, opts ...MemoryOption) *Memory {
	var m = &Memory{
		crdt:  crdt,
		docs:  make(map[string]*memoryDoc),
		locks: make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) Type() StoreType { return TypeUnencrypted }

func (m *Memory) getOrCreate(docID string) *memoryDoc {
	var doc, ok = m.docs[docID]
	if !ok {
		doc = &memoryDoc{meta: Metadata{CreatedAt: time.Now()}}
		m.docs[docID] = doc
	}
	return doc
}

func (m *Memory) HandleSyncStep1(ctx context.Context, docID string, stateVector []byte) (*SyncResult, error) {
	m.mu.Lock()
	var update []byte
	if doc, ok := m.docs[docID]; ok {
		update = doc.update
	}
	m.mu.Unlock()

	var diff, err = m.crdt.Diff(update, stateVector)
	if err != nil {
		return nil, err
	}
	sv, err := m.crdt.StateVector(update)
	if err != nil {
		return nil, err
	}
	return &SyncResult{Update: diff, StateVector: sv}, nil
}

func (m *Memory) HandleSyncStep2(ctx context.Context, docID string, update []byte) error {
	return m.HandleUpdate(ctx, docID, update)
}

func (m *Memory) HandleUpdate(ctx context.Context, docID string, update []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var doc = m.getOrCreate(docID)
	var merged, err = m.crdt.Merge(doc.update, update)
	if err != nil {
		return err
	}
	doc.update = merged
	doc.meta.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) GetDocument(ctx context.Context, docID string) (*Document, error) {
	m.mu.Lock()
	var doc, ok = m.docs[docID]
	var update []byte
	if ok {
		update = doc.update
	}
	m.mu.Unlock()

	if !ok {
		return nil, nil
	}
	var sv, err = m.crdt.StateVector(update)
	if err != nil {
		return nil, err
	}
	return &Document{Update: update, StateVector: sv}, nil
}

func (m *Memory) GetDocumentMetadata(ctx context.Context, docID string) (*Metadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var doc, ok = m.docs[docID]
	if !ok {
		return nil, nil
	}
	var meta = doc.meta
	meta.Files = append([]string(nil), doc.meta.Files...)
	meta.Milestones = append([]string(nil), doc.meta.Milestones...)
	return &meta, nil
}

func (m *Memory) WriteDocumentMetadata(ctx context.Context, docID string, meta *Metadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.getOrCreate(docID).meta = *meta
	return nil
}

func (m *Memory) DeleteDocument(ctx context.Context, docID string) error {
	m.mu.Lock()
	delete(m.docs, docID)
	m.mu.Unlock()

	if m.milestones != nil {
		if err := m.milestones.DeleteDocumentMilestones(ctx, docID); err != nil {
			return err
		}
	}
	if m.files != nil {
		if err := m.files.DeleteDocumentFiles(ctx, docID); err != nil {
			return err
		}
	}
	return nil
}

// Transaction serializes concurrent mutations of one document.
func (m *Memory) Transaction(ctx context.Context, docID string, fn func(ctx context.Context) error) error {
	m.mu.Lock()
	var lock, ok = m.locks[docID]
	if !ok {
		lock = new(sync.Mutex)
		m.locks[docID] = lock
	}
	m.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()
	return fn(ctx)
}

var _ Store = (*Memory)(nil)
