package rpc

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/teleportal-dev/teleportal/message"
	"github.com/teleportal-dev/teleportal/session"
	"github.com/teleportal-dev/teleportal/upload"
)

// handleFile runs the chunked upload pipeline over file messages: a
// begin, the parts, and a Merkle-verified completion. Begin and
// complete are acknowledged with file-response messages; parts are
// acknowledged only on failure.
func (p *Plane) handleFile(ctx context.Context, msg *message.Message, origin *session.Client) error {
	if origin == nil {
		// File transfer is a client conversation; frames from the
		// replicator carry nothing actionable.
		return nil
	}

	var payload = msg.File
	switch payload.Kind {
	case message.FileUploadBegin:
		return p.fileUploadBegin(ctx, msg, origin)

	case message.FileUploadPart:
		var err = p.uploads.StoreChunk(ctx, payload.UploadID, payload.ChunkIndex, payload.Chunk, payload.Proof)
		if err != nil {
			return p.fileResponse(origin, msg, &message.FilePayload{
				Kind:     message.FileResponse,
				UploadID: payload.UploadID,
				Error:    err.Error(),
			})
		}
		return nil

	case message.FileUploadComplete:
		return p.fileUploadComplete(ctx, msg, origin)

	default:
		log.WithFields(log.Fields{
			"kind":      payload.Kind,
			"messageId": msg.ID,
		}).Debug("ignoring client file message")
		return nil
	}
}

func (p *Plane) fileUploadBegin(ctx context.Context, msg *message.Message, origin *session.Client) error {
	if msg.File.Metadata == nil {
		return p.fileResponse(origin, msg, &message.FilePayload{
			Kind:  message.FileResponse,
			Error: "upload begin requires file metadata",
		})
	}

	var uploadID = uuid.NewString()
	var err = p.uploads.BeginUpload(ctx, uploadID, upload.Metadata{
		DocumentID: msg.DocumentID,
		File:       *msg.File.Metadata,
	})
	if err != nil {
		return p.fileResponse(origin, msg, &message.FilePayload{
			Kind:  message.FileResponse,
			Error: err.Error(),
		})
	}
	return p.fileResponse(origin, msg, &message.FilePayload{
		Kind:     message.FileResponse,
		UploadID: uploadID,
		OK:       true,
	})
}

func (p *Plane) fileUploadComplete(ctx context.Context, msg *message.Message, origin *session.Client) error {
	var sess, err = p.sessions.GetOrOpenSession(msg.DocumentID, msg.Encrypted)
	if err != nil {
		return err
	}

	result, err := upload.Commit(ctx, p.uploads, p.files, sess.Store(), msg.File.UploadID, msg.File.FileID)
	if err != nil {
		return p.fileResponse(origin, msg, &message.FilePayload{
			Kind:     message.FileResponse,
			UploadID: msg.File.UploadID,
			Error:    err.Error(),
		})
	}
	return p.fileResponse(origin, msg, &message.FilePayload{
		Kind:     message.FileResponse,
		UploadID: msg.File.UploadID,
		FileID:   result.FileID(),
		OK:       true,
	})
}

func (p *Plane) fileResponse(origin *session.Client, request *message.Message, payload *message.FilePayload) error {
	return origin.Send(&message.Message{
		Type:       message.TypeFile,
		DocumentID: request.DocumentID,
		Encrypted:  request.Encrypted,
		File:       payload,
	})
}

type fileUploadParams struct {
	Filename     string `json:"filename"`
	Size         uint64 `json:"size"`
	MimeType     string `json:"mimeType"`
	Encrypted    bool   `json:"encrypted"`
	LastModified int64  `json:"lastModified"`
}

// fileUpload is the RPC entry to the pipeline: it begins an upload and
// returns its id; the chunks then arrive as file-part messages.
func (p *Plane) fileUpload(ctx context.Context, call *Call) error {
	var params fileUploadParams
	if err := call.params(&params); err != nil {
		return err
	}

	var uploadID = uuid.NewString()
	var err = p.uploads.BeginUpload(ctx, uploadID, upload.Metadata{
		DocumentID: call.Request.DocumentID,
		File: message.FileMetadata{
			Filename:     params.Filename,
			Size:         params.Size,
			MimeType:     params.MimeType,
			Encrypted:    params.Encrypted,
			LastModified: params.LastModified,
		},
	})
	if err != nil {
		return err
	}
	return call.Success(map[string]string{"uploadId": uploadID})
}

type fileDownloadParams struct {
	FileID []byte `json:"fileId"`
}

type fileDownloadResult struct {
	Filename  string `json:"filename"`
	Size      uint64 `json:"size"`
	MimeType  string `json:"mimeType"`
	NumChunks int    `json:"numChunks"`
}

// fileDownload streams a stored file back as download-chunk messages,
// then reports its metadata in the final response.
func (p *Plane) fileDownload(ctx context.Context, call *Call) error {
	var params fileDownloadParams
	if err := call.params(&params); err != nil {
		return err
	}
	if len(params.FileID) == 0 {
		return Errorf(http.StatusBadRequest, "fileId is required")
	}

	var meta, err = p.files.GetFileMetadata(ctx, params.FileID)
	if err != nil {
		return err
	}
	numChunks, err := p.files.NumFileChunks(ctx, params.FileID)
	if err != nil {
		return err
	}

	for i := 0; i < numChunks; i++ {
		chunk, err := p.files.ReadFileChunk(ctx, params.FileID, i)
		if err != nil {
			return err
		}
		if err = p.fileResponse(call.Origin, call.Request, &message.FilePayload{
			Kind:       message.FileDownloadChunk,
			FileID:     params.FileID,
			ChunkIndex: uint32(i),
			Chunk:      chunk,
		}); err != nil {
			return err
		}
	}

	return call.Success(fileDownloadResult{
		Filename:  meta.Filename,
		Size:      meta.Size,
		MimeType:  meta.MimeType,
		NumChunks: numChunks,
	})
}
