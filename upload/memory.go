package upload

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/teleportal-dev/teleportal/merkle"
	"github.com/teleportal-dev/teleportal/storage"
)

// timeNow is replaced by tests exercising expiry.
var timeNow = time.Now

// MemoryStorage is the in-memory temporary upload storage.
type MemoryStorage struct {
	mu      sync.Mutex
	uploads map[string]*memUpload
}

type memUpload struct {
	meta         Metadata
	chunks       map[uint32][]byte
	proofs       map[uint32][][]byte
	bytes        uint64
	lastActivity time.Time
}

// NewMemoryStorage returns an empty in-memory temporary storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{uploads: make(map[string]*memUpload)}
}

func (m *MemoryStorage) BeginUpload(ctx context.Context, uploadID string, meta Metadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.uploads[uploadID]; ok {
		return fmt.Errorf("upload %q is already in progress", uploadID)
	}
	m.uploads[uploadID] = &memUpload{
		meta:         meta,
		chunks:       make(map[uint32][]byte),
		proofs:       make(map[uint32][][]byte),
		lastActivity: timeNow(),
	}
	beginCounter.Inc()
	return nil
}

func (m *MemoryStorage) StoreChunk(ctx context.Context, uploadID string, index uint32, chunk []byte, proof [][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var up, ok = m.uploads[uploadID]
	if !ok {
		return fmt.Errorf("%w: %q", storage.ErrUnknownUpload, uploadID)
	}
	if prev, ok := up.chunks[index]; ok {
		up.bytes -= uint64(len(prev))
	}
	up.chunks[index] = append([]byte(nil), chunk...)
	if len(proof) > 0 {
		up.proofs[index] = proof
	}
	up.bytes += uint64(len(chunk))
	up.lastActivity = timeNow()
	chunkCounter.Inc()
	return nil
}

func (m *MemoryStorage) GetUploadProgress(ctx context.Context, uploadID string) (*Progress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var up, ok = m.uploads[uploadID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", storage.ErrUnknownUpload, uploadID)
	}
	return &Progress{
		Metadata:       up.meta,
		BytesUploaded:  int64(up.bytes),
		ChunksStored:   len(up.chunks),
		ExpectedChunks: expectedChunks(up.meta),
		LastActivity:   up.lastActivity,
	}, nil
}

func (m *MemoryStorage) CompleteUpload(ctx context.Context, uploadID string, fileID []byte) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var up, ok = m.uploads[uploadID]
	if !ok {
		completeCounter.WithLabelValues("unknown").Inc()
		return nil, fmt.Errorf("%w: %q", storage.ErrUnknownUpload, uploadID)
	}

	var root, err = verify(up.meta, up.chunks, up.proofs, fileID)
	if err != nil {
		// The upload stays put for a corrected retry or cleanup.
		completeCounter.WithLabelValues("rejected").Inc()
		return nil, err
	}

	delete(m.uploads, uploadID)
	completeCounter.WithLabelValues("ok").Inc()

	var source = &memSource{chunks: make([][]byte, len(up.chunks))}
	for index, chunk := range up.chunks {
		source.chunks[index] = chunk
	}
	return &Result{
		fileID:    root,
		docID:     up.meta.DocumentID,
		meta:      up.meta.File,
		numChunks: len(source.chunks),
		source:    source,
	}, nil
}

func (m *MemoryStorage) DeleteUpload(ctx context.Context, uploadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.uploads, uploadID)
	return nil
}

func (m *MemoryStorage) CleanupExpiredUploads(ctx context.Context, maxAge time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var cutoff = timeNow().Add(-maxAge)
	var removed int
	for id, up := range m.uploads {
		if up.lastActivity.Before(cutoff) {
			delete(m.uploads, id)
			removed++
		}
	}
	cleanupCounter.Add(float64(removed))
	return removed, nil
}

var _ TemporaryStorage = (*MemoryStorage)(nil)

func expectedChunks(meta Metadata) int {
	return merkle.ChunkCount(meta.File.Size)
}

type memSource struct {
	mu     sync.Mutex
	chunks [][]byte
}

func (s *memSource) read(i int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.chunks) {
		return nil, fmt.Errorf("chunk index %d out of range %d", i, len(s.chunks))
	}
	if s.chunks[i] == nil {
		return nil, fmt.Errorf("chunk %d was already released", i)
	}
	return s.chunks[i], nil
}

func (s *memSource) release(i int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i >= 0 && i < len(s.chunks) {
		s.chunks[i] = nil
	}
	return nil
}

func (s *memSource) discard() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = nil
	return nil
}
