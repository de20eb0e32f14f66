package upload

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/teleportal-dev/teleportal/storage"
)

// DiskStorage spills in-flight uploads to a directory, one subdirectory
// per upload holding a metadata file and one file per chunk. Uploads
// begun before a restart are recovered from the directory on open.
type DiskStorage struct {
	root string

	mu      sync.Mutex
	uploads map[string]*diskUpload
}

type diskUpload struct {
	meta         Metadata
	chunkSizes   map[uint32]uint64
	proofs       map[uint32][][]byte
	lastActivity time.Time
}

const diskMetaFile = "metadata.json"

// NewDiskStorage opens (and creates) root, recovering any uploads a
// previous process left behind. Recovered uploads lose their buffered
// chunk proofs; completion still verifies the Merkle root.
func NewDiskStorage(root string) (*DiskStorage, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating upload directory: %w", err)
	}
	var d = &DiskStorage{
		root:    root,
		uploads: make(map[string]*diskUpload),
	}
	if err := d.recover(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *DiskStorage) recover() error {
	var entries, err = os.ReadDir(d.root)
	if err != nil {
		return fmt.Errorf("scanning upload directory: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		var uploadID = entry.Name()
		var up, err = d.readUpload(uploadID)
		if err != nil {
			log.WithFields(log.Fields{"uploadId": uploadID, "err": err}).
				Warn("dropping unreadable recovered upload")
			_ = os.RemoveAll(d.uploadDir(uploadID))
			continue
		}
		d.uploads[uploadID] = up
	}
	if len(d.uploads) != 0 {
		log.WithField("count", len(d.uploads)).Info("recovered in-flight uploads")
	}
	return nil
}

func (d *DiskStorage) readUpload(uploadID string) (*diskUpload, error) {
	var dir = d.uploadDir(uploadID)
	var raw, err = os.ReadFile(filepath.Join(dir, diskMetaFile))
	if err != nil {
		return nil, err
	}
	var up = &diskUpload{
		chunkSizes: make(map[uint32]uint64),
		proofs:     make(map[uint32][][]byte),
	}
	if err = json.Unmarshal(raw, &up.meta); err != nil {
		return nil, fmt.Errorf("decoding upload metadata: %w", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		var index uint32
		if _, err := fmt.Sscanf(entry.Name(), "chunk-%d", &index); err != nil {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return nil, err
		}
		up.chunkSizes[index] = uint64(info.Size())
		if info.ModTime().After(up.lastActivity) {
			up.lastActivity = info.ModTime()
		}
	}
	if up.lastActivity.IsZero() {
		up.lastActivity = timeNow()
	}
	return up, nil
}

func (d *DiskStorage) uploadDir(uploadID string) string {
	// Upload ids are server-assigned UUIDs, never client paths.
	return filepath.Join(d.root, uploadID)
}

func (d *DiskStorage) chunkPath(uploadID string, index uint32) string {
	return filepath.Join(d.uploadDir(uploadID), fmt.Sprintf("chunk-%08d", index))
}

func (d *DiskStorage) BeginUpload(ctx context.Context, uploadID string, meta Metadata) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.uploads[uploadID]; ok {
		return fmt.Errorf("upload %q is already in progress", uploadID)
	}

	var dir = d.uploadDir(uploadID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating upload %q: %w", uploadID, err)
	}
	var raw, err = json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encoding upload metadata: %w", err)
	}
	if err = os.WriteFile(filepath.Join(dir, diskMetaFile), raw, 0o644); err != nil {
		return fmt.Errorf("writing upload metadata: %w", err)
	}

	d.uploads[uploadID] = &diskUpload{
		meta:         meta,
		chunkSizes:   make(map[uint32]uint64),
		proofs:       make(map[uint32][][]byte),
		lastActivity: timeNow(),
	}
	beginCounter.Inc()
	return nil
}

func (d *DiskStorage) StoreChunk(ctx context.Context, uploadID string, index uint32, chunk []byte, proof [][]byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var up, ok = d.uploads[uploadID]
	if !ok {
		return fmt.Errorf("%w: %q", storage.ErrUnknownUpload, uploadID)
	}
	if err := os.WriteFile(d.chunkPath(uploadID, index), chunk, 0o644); err != nil {
		return fmt.Errorf("writing chunk %d of %q: %w", index, uploadID, err)
	}
	up.chunkSizes[index] = uint64(len(chunk))
	if len(proof) > 0 {
		up.proofs[index] = proof
	}
	up.lastActivity = timeNow()
	chunkCounter.Inc()
	return nil
}

func (d *DiskStorage) GetUploadProgress(ctx context.Context, uploadID string) (*Progress, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var up, ok = d.uploads[uploadID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", storage.ErrUnknownUpload, uploadID)
	}
	var total uint64
	for _, size := range up.chunkSizes {
		total += size
	}
	return &Progress{
		Metadata:       up.meta,
		BytesUploaded:  int64(total),
		ChunksStored:   len(up.chunkSizes),
		ExpectedChunks: expectedChunks(up.meta),
		LastActivity:   up.lastActivity,
	}, nil
}

func (d *DiskStorage) CompleteUpload(ctx context.Context, uploadID string, fileID []byte) (*Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var up, ok = d.uploads[uploadID]
	if !ok {
		completeCounter.WithLabelValues("unknown").Inc()
		return nil, fmt.Errorf("%w: %q", storage.ErrUnknownUpload, uploadID)
	}

	var chunks = make(map[uint32][]byte, len(up.chunkSizes))
	for index := range up.chunkSizes {
		var chunk, err = os.ReadFile(d.chunkPath(uploadID, index))
		if err != nil {
			completeCounter.WithLabelValues("rejected").Inc()
			return nil, fmt.Errorf("reading chunk %d of %q: %w", index, uploadID, err)
		}
		chunks[index] = chunk
	}

	var root, err = verify(up.meta, chunks, up.proofs, fileID)
	if err != nil {
		completeCounter.WithLabelValues("rejected").Inc()
		return nil, err
	}

	delete(d.uploads, uploadID)
	completeCounter.WithLabelValues("ok").Inc()

	return &Result{
		fileID:    root,
		docID:     up.meta.DocumentID,
		meta:      up.meta.File,
		numChunks: len(chunks),
		source: &diskSource{
			dir:       d.uploadDir(uploadID),
			paths:     diskChunkPaths(d, uploadID, len(chunks)),
			remaining: len(chunks),
		},
	}, nil
}

func (d *DiskStorage) DeleteUpload(ctx context.Context, uploadID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.uploads, uploadID)
	return os.RemoveAll(d.uploadDir(uploadID))
}

func (d *DiskStorage) CleanupExpiredUploads(ctx context.Context, maxAge time.Duration) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var cutoff = timeNow().Add(-maxAge)
	var removed int
	for id, up := range d.uploads {
		if !up.lastActivity.Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(d.uploadDir(id)); err != nil {
			return removed, fmt.Errorf("deleting expired upload %q: %w", id, err)
		}
		delete(d.uploads, id)
		removed++
	}
	cleanupCounter.Add(float64(removed))
	return removed, nil
}

var _ TemporaryStorage = (*DiskStorage)(nil)

func diskChunkPaths(d *DiskStorage, uploadID string, n int) []string {
	var paths = make([]string, n)
	for i := range paths {
		paths[i] = d.chunkPath(uploadID, uint32(i))
	}
	return paths
}

// diskSource serves a completed upload's chunks from their spill files,
// deleting each as it is released and the directory after the last.
type diskSource struct {
	mu        sync.Mutex
	dir       string
	paths     []string
	remaining int
}

func (s *diskSource) read(i int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.paths) {
		return nil, fmt.Errorf("chunk index %d out of range %d", i, len(s.paths))
	}
	return os.ReadFile(s.paths[i])
}

func (s *diskSource) release(i int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.paths) {
		return nil
	}
	if err := os.Remove(s.paths[i]); err != nil && !os.IsNotExist(err) {
		return err
	}
	s.remaining--
	if s.remaining <= 0 {
		return os.RemoveAll(s.dir)
	}
	return nil
}

func (s *diskSource) discard() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remaining = 0
	return os.RemoveAll(s.dir)
}
