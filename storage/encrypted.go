package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/teleportal-dev/teleportal/message"
)

// EncryptedMemory is the in-memory encrypted engine. The server cannot
// merge ciphertext, so it keeps an append-only log of opaque records
// indexed by Lamport (clientId, counter) pairs, and a seen-messages
// state vector mapping each clientId to its highest stored counter.
type EncryptedMemory struct {
	mu   sync.Mutex
	docs map[string]*encryptedDoc

	locks map[string]*sync.Mutex

	milestones MilestoneStore
	files      FileStore
}

type encryptedDoc struct {
	records map[message.EncryptedMessageID]message.EncryptedMessage
	seen    message.StateVector
	meta    Metadata
}

// EncryptedMemoryOption configures an EncryptedMemory store.
type EncryptedMemoryOption func(*EncryptedMemory)

// WithEncryptedMilestones attaches a milestone sub-store.
func WithEncryptedMilestones(ms MilestoneStore) EncryptedMemoryOption {
	return func(m *EncryptedMemory) { m.milestones = ms }
}

// WithEncryptedFiles attaches a file sub-store.
func WithEncryptedFiles(fs FileStore) EncryptedMemoryOption {
	return func(m *EncryptedMemory) { m.files = fs }
}

// NewEncryptedMemory returns an in-memory encrypted store.
func NewEncryptedMemory(opts ...EncryptedMemoryOption) *EncryptedMemory {
	var m = &EncryptedMemory{
		docs:  make(map[string]*encryptedDoc),
		locks: make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *EncryptedMemory) Type() StoreType { return TypeEncrypted }

func (m *EncryptedMemory) getOrCreate(docID string) *encryptedDoc {
	var doc, ok = m.docs[docID]
	if !ok {
		doc = &encryptedDoc{
			records: make(map[message.EncryptedMessageID]message.EncryptedMessage),
			seen:    make(message.StateVector),
			meta:    Metadata{CreatedAt: time.Now(), Encrypted: true},
		}
		m.docs[docID] = doc
	}
	return doc
}

// HandleSyncStep1 emits only the records the peer's vector lacks.
func (m *EncryptedMemory) HandleSyncStep1(ctx context.Context, docID string, stateVector []byte) (*SyncResult, error) {
	var peer = message.StateVector{}
	var err error
	if len(stateVector) != 0 {
		if peer, err = message.DecodeStateVector(stateVector); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var doc, ok = m.docs[docID]
	if !ok {
		return &SyncResult{
			Update:      message.EncodeSyncStep2(nil),
			StateVector: message.EncodeStateVector(nil),
		}, nil
	}

	var missing []message.EncryptedMessage
	for _, rec := range doc.records {
		if !peer.Covers(rec.ClientID, rec.Counter) {
			missing = append(missing, rec)
		}
	}
	sort.Slice(missing, func(i, j int) bool {
		if missing[i].ClientID != missing[j].ClientID {
			return missing[i].ClientID < missing[j].ClientID
		}
		return missing[i].Counter < missing[j].Counter
	})

	return &SyncResult{
		Update:      message.EncodeSyncStep2(missing),
		StateVector: message.EncodeStateVector(doc.seen),
	}, nil
}

// HandleSyncStep2 persists a peer's sync-step-2 frame.
func (m *EncryptedMemory) HandleSyncStep2(ctx context.Context, docID string, update []byte) error {
	var msgs, err = message.DecodeSyncStep2(update)
	if err != nil {
		return err
	}
	m.store(docID, msgs)
	return nil
}

// HandleUpdate persists an update-list frame.
func (m *EncryptedMemory) HandleUpdate(ctx context.Context, docID string, update []byte) error {
	var msgs, err = message.DecodeUpdateList(update)
	if err != nil {
		return err
	}
	m.store(docID, msgs)
	return nil
}

func (m *EncryptedMemory) store(docID string, msgs []message.EncryptedMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var doc = m.getOrCreate(docID)
	for _, rec := range msgs {
		if rec.ID == "" {
			rec.ID = message.NewEncryptedMessageID(rec.Payload)
		}
		doc.records[rec.ID] = rec
		doc.seen.Observe(rec.ClientID, rec.Counter)
	}
	doc.meta.UpdatedAt = time.Now()
}

// GetDocument returns the full record log as a sync-step-2 frame,
// alongside the seen-messages state vector.
func (m *EncryptedMemory) GetDocument(ctx context.Context, docID string) (*Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var doc, ok = m.docs[docID]
	if !ok {
		return nil, nil
	}
	var all = make([]message.EncryptedMessage, 0, len(doc.records))
	for _, rec := range doc.records {
		all = append(all, rec)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].ClientID != all[j].ClientID {
			return all[i].ClientID < all[j].ClientID
		}
		return all[i].Counter < all[j].Counter
	})
	return &Document{
		Update:      message.EncodeSyncStep2(all),
		StateVector: message.EncodeStateVector(doc.seen),
	}, nil
}

func (m *EncryptedMemory) GetDocumentMetadata(ctx context.Context, docID string) (*Metadata, error) {
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

func (m *EncryptedMemory) WriteDocumentMetadata(ctx context.Context, docID string, meta *Metadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.getOrCreate(docID).meta = *meta
	return nil
}

func (m *EncryptedMemory) DeleteDocument(ctx context.Context, docID string) error {
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

func (m *EncryptedMemory) Transaction(ctx context.Context, docID string, fn func(ctx context.Context) error) error {
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

// SeenMessages returns a copy of the document's seen-messages vector.
func (m *EncryptedMemory) SeenMessages(docID string) message.StateVector {
	m.mu.Lock()
	defer m.mu.Unlock()

	if doc, ok := m.docs[docID]; ok {
		return doc.seen.Clone()
	}
	return message.StateVector{}
}

var _ Store = (*EncryptedMemory)(nil)
