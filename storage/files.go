package storage

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"sync"

	"github.com/teleportal-dev/teleportal/message"
)

// MemoryFiles is the in-memory cold storage for completed uploads.
type MemoryFiles struct {
	mu    sync.Mutex
	files map[string]*storedFile // keyed by base64 fileID
	byDoc map[string][]string
}

type storedFile struct {
	docID  string
	meta   message.FileMetadata
	chunks [][]byte
}

// NewMemoryFiles returns an empty in-memory file store.
func NewMemoryFiles() *MemoryFiles {
	return &MemoryFiles{
		files: make(map[string]*storedFile),
		byDoc: make(map[string][]string),
	}
}

// FileKey is the canonical string form of a file id, used to key
// metadata lists and storage layouts.
func FileKey(fileID []byte) string {
	return base64.StdEncoding.EncodeToString(fileID)
}

// StoreFileFromUpload streams the upload's chunks into memory. Each
// chunk reader is single-use; reading it releases the temporary copy.
func (m *MemoryFiles) StoreFileFromUpload(ctx context.Context, up FileUpload) error {
	var chunks = make([][]byte, up.NumChunks())
	for i := range chunks {
		var reader, err = up.GetChunk(i)
		if err != nil {
			return fmt.Errorf("reading upload chunk %d: %w", i, err)
		}
		chunk, err := io.ReadAll(reader)
		if closeErr := reader.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			return fmt.Errorf("reading upload chunk %d: %w", i, err)
		}
		chunks[i] = chunk
	}

	var key = FileKey(up.FileID())

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[key]; !ok {
		m.byDoc[up.DocumentID()] = append(m.byDoc[up.DocumentID()], key)
	}
	m.files[key] = &storedFile{
		docID:  up.DocumentID(),
		meta:   up.Metadata(),
		chunks: chunks,
	}
	return nil
}

func (m *MemoryFiles) GetFileMetadata(ctx context.Context, fileID []byte) (*message.FileMetadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var f, ok = m.files[FileKey(fileID)]
	if !ok {
		return nil, ErrUnknownFile
	}
	var meta = f.meta
	return &meta, nil
}

func (m *MemoryFiles) NumFileChunks(ctx context.Context, fileID []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var f, ok = m.files[FileKey(fileID)]
	if !ok {
		return 0, ErrUnknownFile
	}
	return len(f.chunks), nil
}

func (m *MemoryFiles) ReadFileChunk(ctx context.Context, fileID []byte, index int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var f, ok = m.files[FileKey(fileID)]
	if !ok {
		return nil, ErrUnknownFile
	}
	if index < 0 || index >= len(f.chunks) {
		return nil, fmt.Errorf("chunk index %d out of range %d", index, len(f.chunks))
	}
	return append([]byte(nil), f.chunks[index]...), nil
}

func (m *MemoryFiles) DeleteFile(ctx context.Context, fileID []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var key = FileKey(fileID)
	if f, ok := m.files[key]; ok {
		var kept []string
		for _, have := range m.byDoc[f.docID] {
			if have != key {
				kept = append(kept, have)
			}
		}
		m.byDoc[f.docID] = kept
	}
	delete(m.files, key)
	return nil
}

func (m *MemoryFiles) DeleteDocumentFiles(ctx context.Context, docID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, key := range m.byDoc[docID] {
		delete(m.files, key)
	}
	delete(m.byDoc, docID)
	return nil
}

var _ FileStore = (*MemoryFiles)(nil)
