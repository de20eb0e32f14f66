package message

import (
	"encoding/hex"
	"testing"

	"github.com/bradleyjkemp/cupaloy"
	"github.com/stretchr/testify/require"
)

func TestMessageRoundTrips(t *testing.T) {
	var cases = []struct {
		name string
		msg  *Message
	}{
		{"doc sync-step-1", &Message{
			Type:       TypeDoc,
			DocumentID: "docs/alpha",
			Doc:        &DocPayload{Kind: DocSyncStep1, StateVector: []byte{1, 2, 3}},
		}},
		{"doc sync-step-2", &Message{
			Type:       TypeDoc,
			DocumentID: "docs/alpha",
			Doc:        &DocPayload{Kind: DocSyncStep2, Update: []byte("the whole doc")},
		}},
		{"doc update encrypted", &Message{
			Type:       TypeDoc,
			DocumentID: "docs/alpha",
			Encrypted:  true,
			Doc:        &DocPayload{Kind: DocUpdate, Update: []byte("delta")},
		}},
		{"doc sync-done", &Message{
			Type:       TypeDoc,
			DocumentID: "docs/alpha",
			Doc:        &DocPayload{Kind: DocSyncDone},
		}},
		{"doc auth-message", &Message{
			Type:       TypeDoc,
			DocumentID: "docs/alpha",
			Doc:        &DocPayload{Kind: DocAuthMessage, Permission: "denied", Reason: "Insufficient permissions"},
		}},
		{"awareness", &Message{
			Type:       TypeAwareness,
			DocumentID: "docs/alpha",
			Awareness:  &AwarenessPayload{Update: []byte("cursor at 7")},
		}},
		{"ack", &Message{
			Type: TypeAck,
			Ack:  &AckPayload{MessageID: "some-message-id"},
		}},
		{"file begin", &Message{
			Type:       TypeFile,
			DocumentID: "docs/alpha",
			File: &FilePayload{
				Kind: FileUploadBegin,
				Metadata: &FileMetadata{
					Filename:     "photo.png",
					Size:         131072,
					MimeType:     "image/png",
					LastModified: 1700000000000,
				},
			},
		}},
		{"file part with proof", &Message{
			Type:       TypeFile,
			DocumentID: "docs/alpha",
			File: &FilePayload{
				Kind:       FileUploadPart,
				UploadID:   "upload-1",
				ChunkIndex: 3,
				Chunk:      []byte("chunk bytes"),
				Proof:      [][]byte{{0xaa}, {0xbb, 0xcc}},
			},
		}},
		{"file complete", &Message{
			Type:       TypeFile,
			DocumentID: "docs/alpha",
			File: &FilePayload{
				Kind:     FileUploadComplete,
				UploadID: "upload-1",
				FileID:   []byte{0xde, 0xad, 0xbe, 0xef},
			},
		}},
		{"file response", &Message{
			Type:       TypeFile,
			DocumentID: "docs/alpha",
			File: &FilePayload{
				Kind:     FileResponse,
				UploadID: "upload-1",
				OK:       true,
			},
		}},
		{"file download chunk", &Message{
			Type:       TypeFile,
			DocumentID: "docs/alpha",
			File: &FilePayload{
				Kind:       FileDownloadChunk,
				FileID:     []byte{0x01},
				ChunkIndex: 0,
				Chunk:      []byte("payload"),
			},
		}},
		{"rpc request", &Message{
			Type:       TypeRPC,
			DocumentID: "docs/alpha",
			RPC: &RPCPayload{
				Method:    "milestoneList",
				Direction: RPCRequest,
				Payload:   []byte(`{}`),
			},
		}},
		{"rpc response", &Message{
			Type:       TypeRPC,
			DocumentID: "docs/alpha",
			RPC: &RPCPayload{
				Method:            "milestoneList",
				Direction:         RPCResponse,
				OriginalRequestID: "request-id",
				Payload:           []byte(`{"type":"success"}`),
			},
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var frame, err = Encode(tc.msg)
			require.NoError(t, err)
			require.Equal(t, ContentID(frame), tc.msg.ID)

			decoded, err := Decode(frame)
			require.NoError(t, err)
			require.Equal(t, tc.msg.ID, decoded.ID)
			require.Equal(t, tc.msg.Type, decoded.Type)
			require.Equal(t, tc.msg.DocumentID, decoded.DocumentID)
			require.Equal(t, tc.msg.Encrypted, decoded.Encrypted)

			// A decoded message re-encodes to the identical frame, which
			// is what makes content ids agree across nodes.
			reencoded, err := Encode(decoded)
			require.NoError(t, err)
			require.Equal(t, frame, reencoded)
		})
	}
}

func TestAckFrameOmitsDocumentID(t *testing.T) {
	var frame, err = Encode(&Message{
		Type: TypeAck,
		Ack:  &AckPayload{MessageID: "m1"},
	})
	require.NoError(t, err)

	var decoded, err2 = Decode(frame)
	require.NoError(t, err2)
	require.Empty(t, decoded.DocumentID)
	require.Equal(t, "m1", decoded.Ack.MessageID)
}

func TestContentIDIsDeterministic(t *testing.T) {
	var build = func() *Message {
		return &Message{
			Type:       TypeDoc,
			DocumentID: "docA",
			Doc:        &DocPayload{Kind: DocUpdate, Update: []byte("same")},
		}
	}
	var a, errA = Encode(build())
	require.NoError(t, errA)
	var b, errB = Encode(build())
	require.NoError(t, errB)
	require.Equal(t, ContentID(a), ContentID(b))

	var other, errC = Encode(&Message{
		Type:       TypeDoc,
		DocumentID: "docA",
		Doc:        &DocPayload{Kind: DocUpdate, Update: []byte("different")},
	})
	require.NoError(t, errC)
	require.NotEqual(t, ContentID(a), ContentID(other))
}

func TestEncodeRejectsMissingPayload(t *testing.T) {
	var _, err = Encode(&Message{Type: TypeDoc, DocumentID: "docA"})
	require.Error(t, err)
	_, err = Encode(&Message{Type: Type(0x7f)})
	require.ErrorIs(t, err, ErrUnknownType)
}

func TestDecodeFailures(t *testing.T) {
	var valid, err = Encode(&Message{
		Type:       TypeDoc,
		DocumentID: "docA",
		Doc:        &DocPayload{Kind: DocUpdate, Update: []byte("u")},
	})
	require.NoError(t, err)

	var cases = []struct {
		name  string
		frame []byte
	}{
		{"empty", nil},
		{"unknown type", []byte{0x7f, 0x00}},
		{"truncated documentId", []byte{0x00, 0x10, 'd'}},
		{"unknown doc kind", []byte{0x00, 0x01, 'd', 0x00, 0x7f}},
		{"update length overruns input", []byte{0x00, 0x01, 'd', 0x00, 0x02, 0xff, 0x01}},
		{"trailing garbage", append(append([]byte(nil), valid...), 0x00)},
		{"rpc unknown direction", []byte{0x04, 0x01, 'd', 0x00, 0x01, 'm', 0x7f, 0x00, 0x00}},
		{"file proof count overruns input", []byte{
			0x03, 0x01, 'd', 0x00, // file message, docId "d"
			0x01, 0x00, 0x00, // part, empty uploadId and fileId
			0x00, 0x00, // chunk index, empty chunk
			0xff, 0xff, 0x01, // absurd proof count
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var _, err = Decode(tc.frame)
			require.Error(t, err)
		})
	}
}

func TestEncodedFrameLayoutGolden(t *testing.T) {
	var frame, err = Encode(&Message{
		Type:       TypeDoc,
		DocumentID: "doc",
		Doc:        &DocPayload{Kind: DocUpdate, Update: []byte("hi")},
	})
	require.NoError(t, err)
	cupaloy.SnapshotT(t, hex.EncodeToString(frame))
}
