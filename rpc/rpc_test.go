package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/teleportal-dev/teleportal/merkle"
	"github.com/teleportal-dev/teleportal/message"
	"github.com/teleportal-dev/teleportal/replicator"
	"github.com/teleportal-dev/teleportal/session"
	"github.com/teleportal-dev/teleportal/storage"
	"github.com/teleportal-dev/teleportal/upload"
)

type sink struct {
	mu   sync.Mutex
	msgs []*message.Message
}

func (s *sink) Send(msg *message.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *sink) messages() []*message.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*message.Message(nil), s.msgs...)
}

func (s *sink) last(t *testing.T) *message.Message {
	t.Helper()
	var msgs = s.messages()
	require.NotEmpty(t, msgs)
	return msgs[len(msgs)-1]
}

// fixture wires a plane to one real session over in-memory storage.
type fixture struct {
	plane      *Plane
	sess       *session.Session
	store      storage.Store
	milestones *storage.MemoryMilestones
	files      *storage.MemoryFiles
	uploads    *upload.MemoryStorage
	client     *session.Client
	out        *sink
}

type singleSession struct{ sess *session.Session }

func (s singleSession) GetOrOpenSession(docID string, encrypted bool) (*session.Session, error) {
	return s.sess, nil
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	var f = &fixture{
		store:      storage.NewMemory(storage.OpLog{}),
		milestones: storage.NewMemoryMilestones(),
		files:      storage.NewMemoryFiles(),
		uploads:    upload.NewMemoryStorage(),
		out:        &sink{},
	}
	f.plane = NewPlane(PlaneConfig{
		Milestones: f.milestones,
		Files:      f.files,
		Uploads:    f.uploads,
	})

	var sess, err = session.New(session.Config{
		DocumentID: "docA",
		Store:      f.store,
		Replicator: replicator.NewMemory(replicator.NewBus(), "node-1"),
		Files:      f.plane,
		RPC:        f.plane,
	})
	require.NoError(t, err)
	require.NoError(t, sess.Load())
	t.Cleanup(sess.Close)

	f.sess = sess
	f.plane.Bind(singleSession{sess})
	f.client = session.NewClient("client-x", f.out)
	sess.AddClient(f.client)
	return f
}

func (f *fixture) request(t *testing.T, method string, params interface{}) *message.Message {
	t.Helper()
	var payload []byte
	if params != nil {
		var raw, err = json.Marshal(params)
		require.NoError(t, err)
		payload = raw
	}
	var msg = &message.Message{
		// Distinct ids keep repeated identical requests out of the
		// session's dedupe window.
		ID:         uuid.NewString(),
		Type:       message.TypeRPC,
		DocumentID: "docA",
		RPC: &message.RPCPayload{
			Method:    method,
			Direction: message.RPCRequest,
			Payload:   payload,
		},
	}
	require.NoError(t, f.sess.Apply(context.Background(), msg, f.client))
	return msg
}

func decodeResponse(t *testing.T, msg *message.Message) (string, int, json.RawMessage) {
	t.Helper()
	require.Equal(t, message.TypeRPC, msg.Type)
	require.Equal(t, message.RPCResponse, msg.RPC.Direction)
	var body struct {
		Type       string          `json:"type"`
		StatusCode int             `json:"statusCode"`
		Details    string          `json:"details"`
		Payload    json.RawMessage `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(msg.RPC.Payload, &body))
	return body.Type, body.StatusCode, body.Payload
}

func TestMilestoneLifecycle(t *testing.T) {
	var ctx = context.Background()
	var f = newFixture(t)

	var u1 = storage.OpLogRecord(1, 1, []byte("content"))
	require.NoError(t, f.store.HandleUpdate(ctx, "docA", u1))

	// Create snapshots the current content.
	var req = f.request(t, "milestoneCreate", milestoneParams{Name: "v1"})
	var typ, _, payload = decodeResponse(t, f.out.last(t))
	require.Equal(t, "success", typ)
	require.Equal(t, req.ID, f.out.last(t).RPC.OriginalRequestID)

	var created milestoneView
	require.NoError(t, json.Unmarshal(payload, &created))
	require.Equal(t, "v1", created.Name)
	require.NotEmpty(t, created.ID)

	meta, err := f.store.GetDocumentMetadata(ctx, "docA")
	require.NoError(t, err)
	require.Equal(t, []string{created.ID}, meta.Milestones)

	// List and get.
	f.request(t, "milestoneList", nil)
	typ, _, payload = decodeResponse(t, f.out.last(t))
	require.Equal(t, "success", typ)
	var listed []milestoneView
	require.NoError(t, json.Unmarshal(payload, &listed))
	require.Len(t, listed, 1)

	f.request(t, "milestoneGet", milestoneParams{MilestoneID: created.ID})
	typ, _, payload = decodeResponse(t, f.out.last(t))
	require.Equal(t, "success", typ)
	var got milestoneView
	require.NoError(t, json.Unmarshal(payload, &got))
	require.Equal(t, u1, got.Snapshot)

	// Rename, then delete.
	f.request(t, "milestoneUpdateName", milestoneParams{MilestoneID: created.ID, Name: "v1-final"})
	typ, _, _ = decodeResponse(t, f.out.last(t))
	require.Equal(t, "success", typ)

	f.request(t, "milestoneDelete", milestoneParams{MilestoneID: created.ID})
	typ, _, _ = decodeResponse(t, f.out.last(t))
	require.Equal(t, "success", typ)

	meta, err = f.store.GetDocumentMetadata(ctx, "docA")
	require.NoError(t, err)
	require.Empty(t, meta.Milestones)

	f.request(t, "milestoneGet", milestoneParams{MilestoneID: created.ID})
	typ, code, _ := decodeResponse(t, f.out.last(t))
	require.Equal(t, "error", typ)
	require.Equal(t, http.StatusNotFound, code)
}

func TestMilestoneRestore(t *testing.T) {
	var ctx = context.Background()
	var f = newFixture(t)

	var peer = &sink{}
	f.sess.AddClient(session.NewClient("client-y", peer))

	var u1 = storage.OpLogRecord(1, 1, []byte("v1"))
	require.NoError(t, f.store.HandleUpdate(ctx, "docA", u1))

	f.request(t, "milestoneCreate", milestoneParams{Name: "v1"})
	var _, _, payload = decodeResponse(t, f.out.last(t))
	var created milestoneView
	require.NoError(t, json.Unmarshal(payload, &created))

	// The document moves on, then the milestone is restored.
	var u2 = storage.OpLogRecord(2, 1, []byte("v2"))
	require.NoError(t, f.store.HandleUpdate(ctx, "docA", u2))

	f.request(t, "milestoneRestore", milestoneParams{MilestoneID: created.ID})
	var typ, _, _ = decodeResponse(t, f.out.last(t))
	require.Equal(t, "success", typ)

	// Every client, including the restorer, receives the snapshot.
	var sawSnapshot = func(msgs []*message.Message) bool {
		for _, msg := range msgs {
			if msg.Type == message.TypeDoc && msg.Doc.Kind == message.DocSyncStep2 {
				return true
			}
		}
		return false
	}
	require.True(t, sawSnapshot(peer.messages()))
	require.True(t, sawSnapshot(f.out.messages()))

	// Restore merges rather than rolling back.
	merged, err := storage.OpLog{}.Merge(u1, u2)
	require.NoError(t, err)
	doc, err := f.store.GetDocument(ctx, "docA")
	require.NoError(t, err)
	require.Equal(t, merged, doc.Update)
}

func TestUnknownMethod(t *testing.T) {
	var f = newFixture(t)
	f.request(t, "noSuchMethod", nil)
	var typ, code, _ = decodeResponse(t, f.out.last(t))
	require.Equal(t, "error", typ)
	require.Equal(t, http.StatusNotFound, code)
}

func TestMalformedParams(t *testing.T) {
	var f = newFixture(t)
	var msg = &message.Message{
		Type:       message.TypeRPC,
		DocumentID: "docA",
		RPC: &message.RPCPayload{
			Method:    "milestoneGet",
			Direction: message.RPCRequest,
			Payload:   []byte("not json"),
		},
	}
	var _, err = message.Encode(msg)
	require.NoError(t, err)
	require.NoError(t, f.sess.Apply(context.Background(), msg, f.client))

	var typ, code, _ = decodeResponse(t, f.out.last(t))
	require.Equal(t, "error", typ)
	require.Equal(t, http.StatusBadRequest, code)
}

func TestStreamedMethod(t *testing.T) {
	var f = newFixture(t)
	f.plane.Register("listChanges", func(ctx context.Context, call *Call) error {
		for _, chunk := range []string{`{"n":1}`, `{"n":2}`} {
			if err := call.Stream([]byte(chunk)); err != nil {
				return err
			}
		}
		return call.Success(map[string]int{"count": 2})
	})

	var req = f.request(t, "listChanges", nil)

	var msgs = f.out.messages()
	require.Len(t, msgs, 3)
	require.Equal(t, message.RPCStream, msgs[0].RPC.Direction)
	require.Equal(t, message.RPCStream, msgs[1].RPC.Direction)
	require.Equal(t, message.RPCResponse, msgs[2].RPC.Direction)
	for _, msg := range msgs {
		require.Equal(t, req.ID, msg.RPC.OriginalRequestID)
	}
}

func fileMessage(t *testing.T, payload *message.FilePayload) *message.Message {
	t.Helper()
	var msg = &message.Message{
		Type:       message.TypeFile,
		DocumentID: "docA",
		File:       payload,
	}
	var _, err = message.Encode(msg)
	require.NoError(t, err)
	return msg
}

func uploadTestFile(t *testing.T, size int) ([][]byte, *merkle.Tree) {
	t.Helper()
	var data = make([]byte, size)
	for i := range data {
		data[i] = byte(i * 7)
	}
	var chunks = merkle.Split(data)
	var tree, err = merkle.Build(chunks)
	require.NoError(t, err)
	return chunks, tree
}

func TestFileMessagePipeline(t *testing.T) {
	var ctx = context.Background()
	var f = newFixture(t)
	var chunks, tree = uploadTestFile(t, 200000)

	require.NoError(t, f.sess.Apply(ctx, fileMessage(t, &message.FilePayload{
		Kind: message.FileUploadBegin,
		Metadata: &message.FileMetadata{
			Filename: "report.bin",
			Size:     200000,
			MimeType: "application/octet-stream",
		},
	}), f.client))

	var begin = f.out.last(t)
	require.Equal(t, message.TypeFile, begin.Type)
	require.True(t, begin.File.OK)
	var uploadID = begin.File.UploadID
	require.NotEmpty(t, uploadID)

	for index, chunk := range chunks {
		var proof, err = tree.Proof(index)
		require.NoError(t, err)
		require.NoError(t, f.sess.Apply(ctx, fileMessage(t, &message.FilePayload{
			Kind:       message.FileUploadPart,
			UploadID:   uploadID,
			ChunkIndex: uint32(index),
			Chunk:      chunk,
			Proof:      proof,
		}), f.client))
	}
	// Parts are not individually acknowledged.
	require.Len(t, f.out.messages(), 1)

	require.NoError(t, f.sess.Apply(ctx, fileMessage(t, &message.FilePayload{
		Kind:     message.FileUploadComplete,
		UploadID: uploadID,
		FileID:   tree.Root(),
	}), f.client))

	var done = f.out.last(t)
	require.True(t, done.File.OK)
	require.Equal(t, tree.Root(), done.File.FileID)

	// Cold storage holds the chunks and the document lists the file.
	n, err := f.files.NumFileChunks(ctx, tree.Root())
	require.NoError(t, err)
	require.Equal(t, 4, n)

	meta, err := f.store.GetDocumentMetadata(ctx, "docA")
	require.NoError(t, err)
	require.Equal(t, []string{storage.FileKey(tree.Root())}, meta.Files)

	// The upload has left temporary storage.
	_, err = f.uploads.GetUploadProgress(ctx, uploadID)
	require.ErrorIs(t, err, storage.ErrUnknownUpload)
}

func TestFileCompleteRootMismatch(t *testing.T) {
	var ctx = context.Background()
	var f = newFixture(t)
	var chunks, tree = uploadTestFile(t, 200000)

	require.NoError(t, f.uploads.BeginUpload(ctx, "upload-1", upload.Metadata{
		DocumentID: "docA",
		File:       message.FileMetadata{Filename: "report.bin", Size: 200000},
	}))
	for index, chunk := range chunks {
		require.NoError(t, f.uploads.StoreChunk(ctx, "upload-1", uint32(index), chunk, nil))
	}

	var wrong = make([]byte, len(tree.Root()))
	require.NoError(t, f.sess.Apply(ctx, fileMessage(t, &message.FilePayload{
		Kind:     message.FileUploadComplete,
		UploadID: "upload-1",
		FileID:   wrong,
	}), f.client))

	var reply = f.out.last(t)
	require.False(t, reply.File.OK)
	require.NotEmpty(t, reply.File.Error)

	// The upload is retained and the document's metadata is untouched.
	var _, err = f.uploads.GetUploadProgress(ctx, "upload-1")
	require.NoError(t, err)
	meta, err := f.store.GetDocumentMetadata(ctx, "docA")
	require.NoError(t, err)
	require.True(t, meta == nil || len(meta.Files) == 0)
}

func TestFileUploadRPCAndDownload(t *testing.T) {
	var ctx = context.Background()
	var f = newFixture(t)
	var chunks, tree = uploadTestFile(t, 131072)

	f.request(t, "fileUpload", fileUploadParams{
		Filename: "photo.png",
		Size:     131072,
		MimeType: "image/png",
	})
	var typ, _, payload = decodeResponse(t, f.out.last(t))
	require.Equal(t, "success", typ)
	var begun map[string]string
	require.NoError(t, json.Unmarshal(payload, &begun))
	var uploadID = begun["uploadId"]
	require.NotEmpty(t, uploadID)

	for index, chunk := range chunks {
		require.NoError(t, f.uploads.StoreChunk(ctx, uploadID, uint32(index), chunk, nil))
	}
	require.NoError(t, f.sess.Apply(ctx, fileMessage(t, &message.FilePayload{
		Kind:     message.FileUploadComplete,
		UploadID: uploadID,
		FileID:   tree.Root(),
	}), f.client))
	require.True(t, f.out.last(t).File.OK)

	var before = len(f.out.messages())
	f.request(t, "fileDownload", fileDownloadParams{FileID: tree.Root()})

	var msgs = f.out.messages()[before:]
	require.Len(t, msgs, 3) // Two chunks, then the response.
	for i := 0; i < 2; i++ {
		require.Equal(t, message.TypeFile, msgs[i].Type)
		require.Equal(t, message.FileDownloadChunk, msgs[i].File.Kind)
		require.Equal(t, uint32(i), msgs[i].File.ChunkIndex)
		require.Equal(t, chunks[i], msgs[i].File.Chunk)
	}

	var typ2, _, payload2 = decodeResponse(t, msgs[2])
	require.Equal(t, "success", typ2)
	var result fileDownloadResult
	require.NoError(t, json.Unmarshal(payload2, &result))
	require.Equal(t, "photo.png", result.Filename)
	require.Equal(t, 2, result.NumChunks)
}

func TestFileDownloadUnknownFile(t *testing.T) {
	var f = newFixture(t)
	f.request(t, "fileDownload", fileDownloadParams{FileID: []byte("no such file")})
	var typ, code, _ = decodeResponse(t, f.out.last(t))
	require.Equal(t, "error", typ)
	require.Equal(t, http.StatusNotFound, code)
}
