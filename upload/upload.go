// Package upload implements the chunked file-upload pipeline: clients
// stream 64 KiB chunks into temporary storage, and a Merkle-verified
// completion hands the assembled file to cold storage.
package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/teleportal-dev/teleportal/merkle"
	"github.com/teleportal-dev/teleportal/message"
	"github.com/teleportal-dev/teleportal/storage"
)

// DefaultExpiry is how long an upload may sit idle before cleanup
// deletes it.
const DefaultExpiry = 24 * time.Hour

var (
	// ErrRootMismatch is a completion whose computed Merkle root differs
	// from the caller's fileId. The upload stays in temporary storage.
	ErrRootMismatch = errors.New("upload: merkle root does not match fileId")
	// ErrChunkMissing is a completion with absent chunk indices.
	ErrChunkMissing = errors.New("upload: missing chunk")
	// ErrSizeMismatch is a completion whose stored bytes disagree with
	// the declared metadata size.
	ErrSizeMismatch = errors.New("upload: stored size does not match metadata")
	// ErrProofInvalid is a stored chunk proof which fails verification
	// against the computed root.
	ErrProofInvalid = errors.New("upload: chunk proof does not verify")
)

// Metadata describes an upload at begin time.
type Metadata struct {
	DocumentID string
	File       message.FileMetadata
}

// Progress is a point-in-time view of an in-flight upload.
type Progress struct {
	Metadata       Metadata
	BytesUploaded  int64
	ChunksStored   int
	ExpectedChunks int
	LastActivity   time.Time
}

// TemporaryStorage holds in-flight uploads until completion or expiry.
// Chunk proofs supplied during ingest are retained and verified at
// completion, after the root is computed.
type TemporaryStorage interface {
	// BeginUpload registers uploadID. Re-beginning a live id fails.
	BeginUpload(ctx context.Context, uploadID string, meta Metadata) error

	// StoreChunk stores one chunk under (uploadID, index), replacing any
	// earlier chunk at that index, and refreshes the upload's activity.
	StoreChunk(ctx context.Context, uploadID string, index uint32, chunk []byte, proof [][]byte) error

	// GetUploadProgress reports an in-flight upload.
	GetUploadProgress(ctx context.Context, uploadID string) (*Progress, error)

	// CompleteUpload verifies the upload and removes it from temporary
	// storage, transferring chunk ownership to the returned Result. A
	// non-nil fileID must equal the computed root. On any verification
	// failure the upload is retained for retry or cleanup.
	CompleteUpload(ctx context.Context, uploadID string, fileID []byte) (*Result, error)

	// DeleteUpload discards an in-flight upload and its chunks.
	DeleteUpload(ctx context.Context, uploadID string) error

	// CleanupExpiredUploads deletes uploads idle longer than maxAge and
	// reports how many were removed. It is idempotent.
	CleanupExpiredUploads(ctx context.Context, maxAge time.Duration) (int, error)
}

// verify runs the completion checks shared by every temporary storage:
// chunk count, index coverage, total size, root equality, and any
// per-chunk proofs captured during ingest. It returns the computed root.
func verify(meta Metadata, chunks map[uint32][]byte, proofs map[uint32][][]byte, fileID []byte) ([]byte, error) {
	var expected = merkle.ChunkCount(meta.File.Size)
	if len(chunks) != expected {
		return nil, fmt.Errorf("%w: have %d chunks, size %d requires %d",
			ErrChunkMissing, len(chunks), meta.File.Size, expected)
	}

	var ordered = make([][]byte, expected)
	var total uint64
	for i := 0; i < expected; i++ {
		var chunk, ok = chunks[uint32(i)]
		if !ok {
			return nil, fmt.Errorf("%w: index %d", ErrChunkMissing, i)
		}
		ordered[i] = chunk
		total += uint64(len(chunk))
	}
	if total != meta.File.Size {
		return nil, fmt.Errorf("%w: stored %d bytes, metadata declares %d",
			ErrSizeMismatch, total, meta.File.Size)
	}

	var tree, err = merkle.Build(ordered)
	if err != nil {
		return nil, err
	}
	var root = tree.Root()
	if fileID != nil && !bytes.Equal(root, fileID) {
		return nil, ErrRootMismatch
	}
	for index, proof := range proofs {
		if !merkle.Verify(root, merkle.LeafHash(ordered[index]), int(index), proof) {
			return nil, fmt.Errorf("%w: index %d", ErrProofInvalid, index)
		}
	}
	return root, nil
}

// Commit completes uploadID, streams the result into cold storage, and
// records the file on its document's metadata inside the document's
// transaction.
func Commit(ctx context.Context, temp TemporaryStorage, files storage.FileStore, store storage.Store, uploadID string, fileID []byte) (*Result, error) {
	var result, err = temp.CompleteUpload(ctx, uploadID, fileID)
	if err != nil {
		return nil, err
	}
	if err = files.StoreFileFromUpload(ctx, result); err != nil {
		return nil, fmt.Errorf("storing completed upload %q: %w", uploadID, err)
	}
	if err = storage.AddDocumentFile(ctx, store, result.DocumentID(), storage.FileKey(result.FileID())); err != nil {
		return nil, fmt.Errorf("recording file on document %q: %w", result.DocumentID(), err)
	}
	return result, nil
}
