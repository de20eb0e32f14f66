package upload

import (
	"bytes"
	"io"
	"sync"

	"github.com/teleportal-dev/teleportal/message"
	"github.com/teleportal-dev/teleportal/storage"
)

// chunkSource owns a completed upload's chunk bytes.
type chunkSource interface {
	read(i int) ([]byte, error)
	// release frees chunk i; the last release frees the upload itself.
	release(i int) error
	discard() error
}

// Result is a completed, verified upload being handed to cold storage.
// Each GetChunk reader is single-use: closing it releases its chunk, so
// streaming the file forward never holds every chunk at once.
type Result struct {
	fileID    []byte
	docID     string
	meta      message.FileMetadata
	numChunks int
	source    chunkSource
}

func (r *Result) FileID() []byte                 { return r.fileID }
func (r *Result) DocumentID() string             { return r.docID }
func (r *Result) Metadata() message.FileMetadata { return r.meta }
func (r *Result) NumChunks() int                 { return r.numChunks }

// GetChunk returns a reader over chunk i which deletes the chunk when
// closed.
func (r *Result) GetChunk(i int) (io.ReadCloser, error) {
	var chunk, err = r.source.read(i)
	if err != nil {
		return nil, err
	}
	return &chunkReader{
		Reader:  bytes.NewReader(chunk),
		release: func() error { return r.source.release(i) },
	}, nil
}

// Discard frees every remaining chunk, for callers abandoning the
// handoff partway.
func (r *Result) Discard() error { return r.source.discard() }

var _ storage.FileUpload = (*Result)(nil)

type chunkReader struct {
	*bytes.Reader
	once    sync.Once
	release func() error
}

func (c *chunkReader) Close() error {
	var err error
	c.once.Do(func() { err = c.release() })
	return err
}
