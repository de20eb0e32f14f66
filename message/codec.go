package message

import "fmt"

// Encode renders the message as a self-describing wire frame:
// a one-byte type discriminator, a varstring documentId (omitted for
// acks), an encrypted boolean, and the payload region. If the message has
// no ID, one is assigned from the encoded content.
func Encode(m *Message) ([]byte, error) {
	var w frameWriter
	w.byte(byte(m.Type))
	if m.Type != TypeAck {
		w.varString(m.DocumentID)
	}
	w.bool(m.Encrypted)

	switch m.Type {
	case TypeDoc:
		if m.Doc == nil {
			return nil, fmt.Errorf("doc message has no doc payload")
		}
		encodeDoc(&w, m.Doc)
	case TypeAwareness:
		if m.Awareness == nil {
			return nil, fmt.Errorf("awareness message has no awareness payload")
		}
		w.varBytes(m.Awareness.Update)
	case TypeAck:
		if m.Ack == nil {
			return nil, fmt.Errorf("ack message has no ack payload")
		}
		w.varString(m.Ack.MessageID)
	case TypeFile:
		if m.File == nil {
			return nil, fmt.Errorf("file message has no file payload")
		}
		encodeFile(&w, m.File)
	case TypeRPC:
		if m.RPC == nil {
			return nil, fmt.Errorf("rpc message has no rpc payload")
		}
		encodeRPC(&w, m.RPC)
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownType, byte(m.Type))
	}

	var frame = w.bytes()
	if m.ID == "" {
		m.ID = ContentID(frame)
	}
	return frame, nil
}

// Decode parses a wire frame. The returned message's ID is the content
// hash of the frame; its Context is nil and must be attached by the
// transport.
func Decode(frame []byte) (*Message, error) {
	var r = newFrameReader(frame)
	var m = &Message{
		ID:   ContentID(frame),
		Type: Type(r.byte()),
	}
	if r.err != nil {
		return nil, r.err
	}

	switch m.Type {
	case TypeDoc, TypeAwareness, TypeFile, TypeRPC:
		m.DocumentID = r.varString()
	case TypeAck:
		// Acks carry no documentId.
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownType, byte(m.Type))
	}
	m.Encrypted = r.bool()

	switch m.Type {
	case TypeDoc:
		m.Doc = decodeDoc(r)
	case TypeAwareness:
		m.Awareness = &AwarenessPayload{Update: r.varBytes()}
	case TypeAck:
		m.Ack = &AckPayload{MessageID: r.varString()}
	case TypeFile:
		m.File = decodeFile(r)
	case TypeRPC:
		m.RPC = decodeRPC(r)
	}

	r.expectEOF()
	if r.err != nil {
		return nil, r.err
	}
	return m, nil
}

func encodeDoc(w *frameWriter, p *DocPayload) {
	w.byte(byte(p.Kind))
	switch p.Kind {
	case DocSyncStep1:
		w.varBytes(p.StateVector)
	case DocSyncStep2, DocUpdate:
		w.varBytes(p.Update)
	case DocSyncDone:
		// No body.
	case DocAuthMessage:
		w.varString(p.Permission)
		w.varString(p.Reason)
	}
}

func decodeDoc(r *frameReader) *DocPayload {
	var p = &DocPayload{Kind: DocKind(r.byte())}
	switch p.Kind {
	case DocSyncStep1:
		p.StateVector = r.varBytes()
	case DocSyncStep2, DocUpdate:
		p.Update = r.varBytes()
	case DocSyncDone:
		// No body.
	case DocAuthMessage:
		p.Permission = r.varString()
		p.Reason = r.varString()
	default:
		r.fail("unknown doc payload kind 0x%02x", byte(p.Kind))
	}
	return p
}

func encodeFile(w *frameWriter, p *FilePayload) {
	w.byte(byte(p.Kind))
	w.varString(p.UploadID)
	w.varBytes(p.FileID)

	switch p.Kind {
	case FileUploadBegin:
		var md = p.Metadata
		if md == nil {
			md = &FileMetadata{}
		}
		w.varString(md.Filename)
		w.uvarint(md.Size)
		w.varString(md.MimeType)
		w.bool(md.Encrypted)
		w.uvarint(uint64(md.LastModified))
	case FileUploadPart, FileDownloadChunk:
		w.uvarint(uint64(p.ChunkIndex))
		w.varBytes(p.Chunk)
		w.uvarint(uint64(len(p.Proof)))
		for _, sibling := range p.Proof {
			w.varBytes(sibling)
		}
	case FileUploadComplete:
		// UploadID and FileID above are the whole body.
	case FileResponse:
		w.bool(p.OK)
		w.varString(p.Error)
	}
}

func decodeFile(r *frameReader) *FilePayload {
	var p = &FilePayload{
		Kind:     FileKind(r.byte()),
		UploadID: r.varString(),
		FileID:   r.varBytes(),
	}

	switch p.Kind {
	case FileUploadBegin:
		p.Metadata = &FileMetadata{
			Filename:     r.varString(),
			Size:         r.uvarint(),
			MimeType:     r.varString(),
			Encrypted:    r.bool(),
			LastModified: int64(r.uvarint()),
		}
	case FileUploadPart, FileDownloadChunk:
		p.ChunkIndex = r.uvarint32()
		p.Chunk = r.varBytes()
		var n = r.uvarint()
		if r.err != nil {
			return p
		}
		if n > uint64(r.remaining()) {
			r.fail("proof count %d exceeds remaining input", n)
			return p
		}
		p.Proof = make([][]byte, 0, n)
		for i := uint64(0); i < n && r.err == nil; i++ {
			p.Proof = append(p.Proof, r.varBytes())
		}
	case FileUploadComplete:
		// No further body.
	case FileResponse:
		p.OK = r.bool()
		p.Error = r.varString()
	default:
		r.fail("unknown file payload kind 0x%02x", byte(p.Kind))
	}
	return p
}

func encodeRPC(w *frameWriter, p *RPCPayload) {
	w.varString(p.Method)
	w.byte(byte(p.Direction))
	w.varString(p.OriginalRequestID)
	w.varBytes(p.Payload)
}

func decodeRPC(r *frameReader) *RPCPayload {
	var p = &RPCPayload{
		Method:            r.varString(),
		Direction:         RPCDirection(r.byte()),
		OriginalRequestID: r.varString(),
		Payload:           r.varBytes(),
	}
	switch p.Direction {
	case RPCRequest, RPCStream, RPCResponse:
		// Pass.
	default:
		r.fail("unknown rpc direction 0x%02x", byte(p.Direction))
	}
	return p
}
