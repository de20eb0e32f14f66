package sqlitestore

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/teleportal-dev/teleportal/message"
	"github.com/teleportal-dev/teleportal/storage"
)

// Files implements cold file storage over a DB. Chunks are written one
// key at a time as they are streamed out of the completed upload, so
// peak memory stays one chunk regardless of file size.
type Files struct {
	db *DB
}

// NewFiles returns a SQLite-backed file store.
func NewFiles(db *DB) *Files { return &Files{db: db} }

type persistedFileMeta struct {
	message.FileMetadata
	DocumentID string `json:"documentId"`
	NumChunks  int    `json:"numChunks"`
}

func (f *Files) metaKey(fileID []byte) string {
	return f.db.prefix + ":file:" + base64.StdEncoding.EncodeToString(fileID) + ":meta"
}

func (f *Files) chunkKey(fileID []byte, index int) string {
	return f.db.prefix + ":file:" + base64.StdEncoding.EncodeToString(fileID) + ":chunk:" + strconv.Itoa(index)
}

func (f *Files) StoreFileFromUpload(ctx context.Context, up storage.FileUpload) error {
	for i := 0; i < up.NumChunks(); i++ {
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
		if err = f.db.put(ctx, f.chunkKey(up.FileID(), i), chunk); err != nil {
			return err
		}
	}

	var raw, err = json.Marshal(persistedFileMeta{
		FileMetadata: up.Metadata(),
		DocumentID:   up.DocumentID(),
		NumChunks:    up.NumChunks(),
	})
	if err != nil {
		return err
	}
	return f.db.put(ctx, f.metaKey(up.FileID()), raw)
}

func (f *Files) readMeta(ctx context.Context, fileID []byte) (*persistedFileMeta, error) {
	var raw, err = f.db.get(ctx, f.metaKey(fileID))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, storage.ErrUnknownFile
	}
	var meta persistedFileMeta
	if err = json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("decoding file metadata: %w", err)
	}
	return &meta, nil
}

func (f *Files) GetFileMetadata(ctx context.Context, fileID []byte) (*message.FileMetadata, error) {
	var meta, err = f.readMeta(ctx, fileID)
	if err != nil {
		return nil, err
	}
	var out = meta.FileMetadata
	return &out, nil
}

func (f *Files) NumFileChunks(ctx context.Context, fileID []byte) (int, error) {
	var meta, err = f.readMeta(ctx, fileID)
	if err != nil {
		return 0, err
	}
	return meta.NumChunks, nil
}

func (f *Files) ReadFileChunk(ctx context.Context, fileID []byte, index int) ([]byte, error) {
	var chunk, err = f.db.get(ctx, f.chunkKey(fileID, index))
	if err != nil {
		return nil, err
	}
	if chunk == nil {
		return nil, storage.ErrUnknownFile
	}
	return chunk, nil
}

func (f *Files) DeleteFile(ctx context.Context, fileID []byte) error {
	return f.db.deleteRange(ctx, f.db.prefix+":file:"+base64.StdEncoding.EncodeToString(fileID)+":")
}

func (f *Files) DeleteDocumentFiles(ctx context.Context, docID string) error {
	// File keys are addressed by file id, not document id; scan metadata
	// for files owned by this document.
	var doomed [][]byte
	var err = f.db.scanRange(ctx, f.db.prefix+":file:", func(key string, value []byte) error {
		if len(key) < 5 || key[len(key)-5:] != ":meta" {
			return nil
		}
		var meta persistedFileMeta
		if err := json.Unmarshal(value, &meta); err != nil {
			return fmt.Errorf("decoding file metadata at %q: %w", key, err)
		}
		if meta.DocumentID == docID {
			var encoded = key[len(f.db.prefix+":file:") : len(key)-len(":meta")]
			fileID, err := base64.StdEncoding.DecodeString(encoded)
			if err != nil {
				return fmt.Errorf("decoding file id at %q: %w", key, err)
			}
			doomed = append(doomed, fileID)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, fileID := range doomed {
		if err = f.DeleteFile(ctx, fileID); err != nil {
			return err
		}
	}
	return nil
}

var _ storage.FileStore = (*Files)(nil)
