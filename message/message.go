// Package message defines the typed messages exchanged between Teleportal
// clients and servers, and their binary wire codec. The server treats
// document updates and awareness payloads as opaque bytes; only the framing
// around them is interpreted here.
package message

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
)

// Type discriminates the top-level message variants. It is the first
// byte of every wire frame.
type Type byte

const (
	TypeDoc       Type = 0x00
	TypeAwareness Type = 0x01
	TypeAck       Type = 0x02
	TypeFile      Type = 0x03
	TypeRPC       Type = 0x04
)

func (t Type) String() string {
	switch t {
	case TypeDoc:
		return "doc"
	case TypeAwareness:
		return "awareness"
	case TypeAck:
		return "ack"
	case TypeFile:
		return "file"
	case TypeRPC:
		return "rpc"
	default:
		return "unknown"
	}
}

var (
	// ErrMalformedFrame is wrapped by all decode failures caused by input shape.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrUnknownType is returned for an unrecognized frame discriminator.
	ErrUnknownType = errors.New("unknown message type")
	// ErrUnknownVersion is returned by the encrypted sub-codec for an
	// unsupported version prefix.
	ErrUnknownVersion = errors.New("unknown codec version")
)

// Message is a decoded protocol message. Exactly one payload pointer is
// set, matching Type. Context carries the verified token claims and other
// connection-scoped values; it travels with the message in-process but is
// never framed onto the wire.
type Message struct {
	// ID identifies this message for acks and replication dedupe. When
	// empty it is assigned as a content hash of the encoded frame.
	ID         string
	Type       Type
	DocumentID string
	Encrypted  bool
	Context    map[string]string

	Doc       *DocPayload
	Awareness *AwarenessPayload
	Ack       *AckPayload
	File      *FilePayload
	RPC       *RPCPayload
}

// DocKind discriminates doc payload shapes.
type DocKind byte

const (
	DocSyncStep1   DocKind = 0x00
	DocSyncStep2   DocKind = 0x01
	DocUpdate      DocKind = 0x02
	DocSyncDone    DocKind = 0x03
	DocAuthMessage DocKind = 0x04
)

func (k DocKind) String() string {
	switch k {
	case DocSyncStep1:
		return "sync-step-1"
	case DocSyncStep2:
		return "sync-step-2"
	case DocUpdate:
		return "update"
	case DocSyncDone:
		return "sync-done"
	case DocAuthMessage:
		return "auth-message"
	default:
		return "unknown"
	}
}

// DocPayload carries document synchronization traffic.
// StateVector is set for sync-step-1, Update for sync-step-2 and update,
// and Permission/Reason for auth-message. sync-done carries nothing.
type DocPayload struct {
	Kind        DocKind
	StateVector []byte
	Update      []byte
	Permission  string
	Reason      string
}

// AwarenessPayload is an opaque presence update, broadcast but never persisted.
type AwarenessPayload struct {
	Update []byte
}

// AckPayload confirms delivery of a specific prior message.
type AckPayload struct {
	MessageID string
}

// FileKind discriminates file payload shapes.
type FileKind byte

const (
	FileUploadBegin    FileKind = 0x00
	FileUploadPart     FileKind = 0x01
	FileUploadComplete FileKind = 0x02
	FileResponse       FileKind = 0x03
	FileDownloadChunk  FileKind = 0x04
)

// FileMetadata describes an uploaded file.
type FileMetadata struct {
	Filename     string
	Size         uint64
	MimeType     string
	Encrypted    bool
	LastModified int64 // Unix milliseconds.
}

// FilePayload carries one leg of a chunked upload or download.
type FilePayload struct {
	Kind     FileKind
	UploadID string
	FileID   []byte

	// Begin.
	Metadata *FileMetadata

	// Part and download chunks.
	ChunkIndex uint32
	Chunk      []byte
	Proof      [][]byte

	// Response.
	OK    bool
	Error string
}

// RPCDirection orders an RPC exchange: a request from the client, zero or
// more streamed frames from the server, then a final response.
type RPCDirection byte

const (
	RPCRequest  RPCDirection = 0x00
	RPCStream   RPCDirection = 0x01
	RPCResponse RPCDirection = 0x02
)

// RPCPayload is a method invocation or reply on the RPC plane.
// OriginalRequestID correlates stream and response frames with the
// request that produced them.
type RPCPayload struct {
	Method            string
	Direction         RPCDirection
	OriginalRequestID string
	Payload           []byte
}

// ContentID returns the deterministic id of an encoded frame:
// the base64 (std) SHA-256 of its bytes.
func ContentID(frame []byte) string {
	var sum = sha256.Sum256(frame)
	return base64.StdEncoding.EncodeToString(sum[:])
}
