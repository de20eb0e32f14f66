package message

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"sort"
)

// The server cannot read encrypted documents, so instead of CRDT merging
// it keeps an append-only log of opaque ciphertext records indexed by a
// Lamport pair (clientId, counter). The frames below carry that log and
// its summarizing state vector. Every frame is prefixed by a version
// varint, currently 0.

const encryptedCodecVersion = 0

// EncryptedMessageID is the content hash of a ciphertext payload,
// base64 (std) encoded.
type EncryptedMessageID string

// NewEncryptedMessageID derives the id of a ciphertext payload.
func NewEncryptedMessageID(payload []byte) EncryptedMessageID {
	var sum = sha256.Sum256(payload)
	return EncryptedMessageID(base64.StdEncoding.EncodeToString(sum[:]))
}

// EncryptedMessage is one opaque record of an encrypted document's log.
type EncryptedMessage struct {
	ID       EncryptedMessageID
	ClientID uint32
	Counter  uint32
	Payload  []byte
}

// StateVector maps each Lamport clientId to its highest seen counter.
type StateVector map[uint32]uint32

// Covers reports whether the vector has seen (clientID, counter).
func (sv StateVector) Covers(clientID, counter uint32) bool {
	return sv[clientID] >= counter
}

// Observe raises the vector to cover (clientID, counter).
func (sv StateVector) Observe(clientID, counter uint32) {
	if sv[clientID] < counter {
		sv[clientID] = counter
	}
}

// Clone returns a deep copy of the vector.
func (sv StateVector) Clone() StateVector {
	var out = make(StateVector, len(sv))
	for k, v := range sv {
		out[k] = v
	}
	return out
}

// sortedClientIDs returns the vector's keys in ascending order,
// for deterministic encoding.
func (sv StateVector) sortedClientIDs() []uint32 {
	var ids = make([]uint32, 0, len(sv))
	for id := range sv {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// EncodeStateVector renders a state vector frame:
// version, length, then (clientId, counter) varint pairs.
func EncodeStateVector(sv StateVector) []byte {
	var w frameWriter
	w.uvarint(encryptedCodecVersion)
	w.uvarint(uint64(len(sv)))
	for _, id := range sv.sortedClientIDs() {
		w.uvarint(uint64(id))
		w.uvarint(uint64(sv[id]))
	}
	return w.bytes()
}

// DecodeStateVector parses a state vector frame.
func DecodeStateVector(frame []byte) (StateVector, error) {
	var r = newFrameReader(frame)
	if err := readVersion(r); err != nil {
		return nil, err
	}
	var n = r.uvarint()
	if r.err == nil && n > uint64(r.remaining()) {
		r.fail("state vector length %d exceeds remaining input", n)
	}
	var sv = make(StateVector)
	for i := uint64(0); i < n && r.err == nil; i++ {
		var clientID = r.uvarint32()
		var counter = r.uvarint32()
		sv.Observe(clientID, counter)
	}
	r.expectEOF()
	if r.err != nil {
		return nil, r.err
	}
	return sv, nil
}

// EncodeUpdateList renders an update list frame: version, length, then
// (messageId bytes, clientId, counter, payload) records.
func EncodeUpdateList(msgs []EncryptedMessage) []byte {
	var w frameWriter
	w.uvarint(encryptedCodecVersion)
	w.uvarint(uint64(len(msgs)))
	for _, m := range msgs {
		w.varBytes([]byte(m.ID))
		w.uvarint(uint64(m.ClientID))
		w.uvarint(uint64(m.Counter))
		w.varBytes(m.Payload)
	}
	return w.bytes()
}

// DecodeUpdateList parses an update list frame.
func DecodeUpdateList(frame []byte) ([]EncryptedMessage, error) {
	var r = newFrameReader(frame)
	if err := readVersion(r); err != nil {
		return nil, err
	}
	var n = r.uvarint()
	if r.err == nil && n > uint64(r.remaining()) {
		r.fail("update list length %d exceeds remaining input", n)
	}
	var msgs = make([]EncryptedMessage, 0, min(int(n), r.remaining()))
	for i := uint64(0); i < n && r.err == nil; i++ {
		msgs = append(msgs, EncryptedMessage{
			ID:       EncryptedMessageID(r.varBytes()),
			ClientID: r.uvarint32(),
			Counter:  r.uvarint32(),
			Payload:  r.varBytes(),
		})
	}
	r.expectEOF()
	if r.err != nil {
		return nil, r.err
	}
	return msgs, nil
}

// EncodeSyncStep2 renders a sync-step-2 frame. Repeated clientIds are
// hoisted into a table and messages reference them by index, which
// shortens frames where one client authored many records.
func EncodeSyncStep2(msgs []EncryptedMessage) []byte {
	var table []uint32
	var index = make(map[uint32]uint64)
	for _, m := range msgs {
		if _, ok := index[m.ClientID]; !ok {
			index[m.ClientID] = uint64(len(table))
			table = append(table, m.ClientID)
		}
	}

	var w frameWriter
	w.uvarint(encryptedCodecVersion)
	w.uvarint(uint64(len(table)))
	for _, id := range table {
		w.uvarint(uint64(id))
	}
	w.uvarint(uint64(len(msgs)))
	for _, m := range msgs {
		w.varBytes([]byte(m.ID))
		w.uvarint(index[m.ClientID])
		w.uvarint(uint64(m.Counter))
		w.varBytes(m.Payload)
	}
	return w.bytes()
}

// DecodeSyncStep2 parses a sync-step-2 frame.
func DecodeSyncStep2(frame []byte) ([]EncryptedMessage, error) {
	var r = newFrameReader(frame)
	if err := readVersion(r); err != nil {
		return nil, err
	}

	var tableLen = r.uvarint()
	if r.err == nil && tableLen > uint64(r.remaining()) {
		r.fail("client table length %d exceeds remaining input", tableLen)
	}
	var table = make([]uint32, 0, min(int(tableLen), r.remaining()))
	for i := uint64(0); i < tableLen && r.err == nil; i++ {
		table = append(table, r.uvarint32())
	}

	var n = r.uvarint()
	if r.err == nil && n > uint64(r.remaining()) {
		r.fail("message count %d exceeds remaining input", n)
	}
	var msgs = make([]EncryptedMessage, 0, min(int(n), r.remaining()))
	for i := uint64(0); i < n && r.err == nil; i++ {
		var id = EncryptedMessageID(r.varBytes())
		var tableIndex = r.uvarint()
		if r.err == nil && tableIndex >= uint64(len(table)) {
			r.fail("client table index %d out of range %d", tableIndex, len(table))
			break
		}
		msgs = append(msgs, EncryptedMessage{
			ID:       id,
			ClientID: table[tableIndex],
			Counter:  r.uvarint32(),
			Payload:  r.varBytes(),
		})
	}
	r.expectEOF()
	if r.err != nil {
		return nil, r.err
	}
	return msgs, nil
}

func readVersion(r *frameReader) error {
	var version = r.uvarint()
	if r.err != nil {
		return r.err
	}
	if version != encryptedCodecVersion {
		return fmt.Errorf("%w: %d", ErrUnknownVersion, version)
	}
	return nil
}
