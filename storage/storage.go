// Package storage defines the persistence capability consumed by the
// session engine, and provides in-memory reference engines for both the
// unencrypted and encrypted document variants. Durable drivers (see
// sqlitestore) implement the same contracts.
package storage

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/teleportal-dev/teleportal/message"
)

// StoreType tags a storage engine's document variant.
type StoreType string

const (
	TypeUnencrypted StoreType = "unencrypted"
	TypeEncrypted   StoreType = "encrypted"
)

var (
	// ErrUnknownUpload is returned when an upload id has no begun upload.
	ErrUnknownUpload = errors.New("storage: unknown upload")
	// ErrUnknownFile is returned for file reads of ids never stored.
	ErrUnknownFile = errors.New("storage: unknown file")
	// ErrUnknownMilestone is returned for reads of absent milestones.
	ErrUnknownMilestone = errors.New("storage: unknown milestone")
)

// Document is a document's current content: the merged update snapshot
// and the compact state vector summarizing its causal history.
type Document struct {
	Update      []byte
	StateVector []byte
}

// Metadata is a document's stored metadata. Extra carries free-form
// application extensions.
type Metadata struct {
	CreatedAt  time.Time         `json:"createdAt"`
	UpdatedAt  time.Time         `json:"updatedAt"`
	Encrypted  bool              `json:"encrypted"`
	Files      []string          `json:"files,omitempty"`
	Milestones []string          `json:"milestones,omitempty"`
	Extra      map[string]string `json:"extra,omitempty"`
}

// SyncResult answers a peer's sync-step-1: the diff the peer lacks and
// the server's own state vector.
type SyncResult struct {
	Update      []byte
	StateVector []byte
}

// Store is the per-document persistence capability.
type Store interface {
	// Type reports whether this engine stores plaintext or ciphertext
	// documents. It must agree with every message routed to it.
	Type() StoreType

	// HandleSyncStep1 diffs the stored document against the peer's state
	// vector, returning the sync-step-2 payload and the server's vector.
	HandleSyncStep1(ctx context.Context, docID string, stateVector []byte) (*SyncResult, error)

	// HandleSyncStep2 persists a peer's diff.
	HandleSyncStep2(ctx context.Context, docID string, update []byte) error

	// HandleUpdate persists an incremental update.
	HandleUpdate(ctx context.Context, docID string, update []byte) error

	// GetDocument returns the document's content, or nil if absent.
	GetDocument(ctx context.Context, docID string) (*Document, error)

	GetDocumentMetadata(ctx context.Context, docID string) (*Metadata, error)
	WriteDocumentMetadata(ctx context.Context, docID string, meta *Metadata) error

	// DeleteDocument removes the document and cascades to attached file
	// and milestone sub-stores.
	DeleteDocument(ctx context.Context, docID string) error

	// Transaction serializes concurrent mutations of one document around fn.
	Transaction(ctx context.Context, docID string, fn func(ctx context.Context) error) error
}

// Factory selects a storage engine for a document.
type Factory func(docID string, encrypted bool) (Store, error)

// MilestoneInfo is a milestone's listing entry, without its snapshot.
type MilestoneInfo struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// Milestone is a named, durable snapshot of a document's history.
type Milestone struct {
	MilestoneInfo
	Snapshot []byte `json:"-"`
}

// MilestoneStore persists per-document milestones.
type MilestoneStore interface {
	ListMilestones(ctx context.Context, docID string) ([]MilestoneInfo, error)
	GetMilestone(ctx context.Context, docID, milestoneID string) (*Milestone, error)
	CreateMilestone(ctx context.Context, docID, name string, snapshot []byte) (*Milestone, error)
	UpdateMilestoneName(ctx context.Context, docID, milestoneID, name string) error
	DeleteMilestone(ctx context.Context, docID, milestoneID string) error
	DeleteDocumentMilestones(ctx context.Context, docID string) error
}

// FileUpload is a completed, Merkle-verified upload being handed to cold
// storage. GetChunk returns a single-use reader which deletes its chunk
// once fully read, so cold storage can stream without holding the whole
// file in memory.
type FileUpload interface {
	FileID() []byte
	DocumentID() string
	Metadata() message.FileMetadata
	NumChunks() int
	GetChunk(i int) (io.ReadCloser, error)
}

// FileStore is cold storage for completed uploads.
type FileStore interface {
	StoreFileFromUpload(ctx context.Context, up FileUpload) error
	GetFileMetadata(ctx context.Context, fileID []byte) (*message.FileMetadata, error)
	NumFileChunks(ctx context.Context, fileID []byte) (int, error)
	ReadFileChunk(ctx context.Context, fileID []byte, index int) ([]byte, error)
	DeleteFile(ctx context.Context, fileID []byte) error
	DeleteDocumentFiles(ctx context.Context, docID string) error
}

// AddDocumentFile atomically records fileID in the document's metadata,
// inside the document's transaction.
func AddDocumentFile(ctx context.Context, store Store, docID, fileID string) error {
	return store.Transaction(ctx, docID, func(ctx context.Context) error {
		var meta, err = store.GetDocumentMetadata(ctx, docID)
		if err != nil {
			return err
		}
		if meta == nil {
			meta = &Metadata{CreatedAt: time.Now(), Encrypted: store.Type() == TypeEncrypted}
		}
		for _, have := range meta.Files {
			if have == fileID {
				return nil
			}
		}
		meta.Files = append(meta.Files, fileID)
		meta.UpdatedAt = time.Now()
		return store.WriteDocumentMetadata(ctx, docID, meta)
	})
}

// RemoveDocumentMilestone atomically drops milestoneID from the
// document's metadata, inside the document's transaction.
func RemoveDocumentMilestone(ctx context.Context, store Store, docID, milestoneID string) error {
	return store.Transaction(ctx, docID, func(ctx context.Context) error {
		var meta, err = store.GetDocumentMetadata(ctx, docID)
		if err != nil || meta == nil {
			return err
		}
		var kept = meta.Milestones[:0]
		for _, have := range meta.Milestones {
			if have != milestoneID {
				kept = append(kept, have)
			}
		}
		if len(kept) == len(meta.Milestones) {
			return nil
		}
		meta.Milestones = kept
		meta.UpdatedAt = time.Now()
		return store.WriteDocumentMetadata(ctx, docID, meta)
	})
}

// AddDocumentMilestone atomically records milestoneID in the document's
// metadata, inside the document's transaction.
func AddDocumentMilestone(ctx context.Context, store Store, docID, milestoneID string) error {
	return store.Transaction(ctx, docID, func(ctx context.Context) error {
		var meta, err = store.GetDocumentMetadata(ctx, docID)
		if err != nil {
			return err
		}
		if meta == nil {
			meta = &Metadata{CreatedAt: time.Now(), Encrypted: store.Type() == TypeEncrypted}
		}
		for _, have := range meta.Milestones {
			if have == milestoneID {
				return nil
			}
		}
		meta.Milestones = append(meta.Milestones, milestoneID)
		meta.UpdatedAt = time.Now()
		return store.WriteDocumentMetadata(ctx, docID, meta)
	})
}
