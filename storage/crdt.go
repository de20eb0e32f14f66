package storage

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/teleportal-dev/teleportal/message"
)

// CRDT is the small capability through which unencrypted engines merge
// and diff opaque document updates. The production collaborator wraps a
// real CRDT library; the server never inspects update bytes itself.
type CRDT interface {
	// Merge combines two updates (either may be empty) into one.
	Merge(a, b []byte) ([]byte, error)
	// Diff returns the portion of update not covered by stateVector.
	// An empty stateVector yields the full update.
	Diff(update, stateVector []byte) ([]byte, error)
	// StateVector summarizes an update's causal history.
	StateVector(update []byte) ([]byte, error)
}

// OpLog is the reference CRDT: a grow-only operation log. An update is a
// sequence of (actor, seq, payload) records; merging is a union keyed by
// (actor, seq), and the state vector is each actor's highest seq. It is
// a real mergeable type, suitable for the in-memory engine and tests,
// while production deployments supply their own library-backed CRDT.
type OpLog struct{}

type opLogRecord struct {
	actor   uint32
	seq     uint32
	payload []byte
}

func opLogParse(update []byte) ([]opLogRecord, error) {
	var records []opLogRecord
	var off int
	for off < len(update) {
		var actor, n = binary.Uvarint(update[off:])
		if n <= 0 || actor > 0xffffffff {
			return nil, fmt.Errorf("oplog: invalid actor at offset %d", off)
		}
		off += n
		seq, n := binary.Uvarint(update[off:])
		if n <= 0 || seq > 0xffffffff {
			return nil, fmt.Errorf("oplog: invalid seq at offset %d", off)
		}
		off += n
		size, n := binary.Uvarint(update[off:])
		if n <= 0 || size > uint64(len(update)-off-n) {
			return nil, fmt.Errorf("oplog: invalid payload length at offset %d", off)
		}
		off += n
		records = append(records, opLogRecord{
			actor:   uint32(actor),
			seq:     uint32(seq),
			payload: update[off : off+int(size)],
		})
		off += int(size)
	}
	return records, nil
}

func opLogEncode(records []opLogRecord) []byte {
	var out []byte
	for _, rec := range records {
		out = binary.AppendUvarint(out, uint64(rec.actor))
		out = binary.AppendUvarint(out, uint64(rec.seq))
		out = binary.AppendUvarint(out, uint64(len(rec.payload)))
		out = append(out, rec.payload...)
	}
	return out
}

// OpLogRecord encodes a single (actor, seq, payload) record as an update.
func OpLogRecord(actor, seq uint32, payload []byte) []byte {
	return opLogEncode([]opLogRecord{{actor: actor, seq: seq, payload: payload}})
}

func (OpLog) Merge(a, b []byte) ([]byte, error) {
	var recordsA, err = opLogParse(a)
	if err != nil {
		return nil, err
	}
	recordsB, err := opLogParse(b)
	if err != nil {
		return nil, err
	}

	type key struct{ actor, seq uint32 }
	var seen = make(map[key]struct{}, len(recordsA)+len(recordsB))
	var merged = make([]opLogRecord, 0, len(recordsA)+len(recordsB))
	for _, rec := range append(recordsA, recordsB...) {
		var k = key{rec.actor, rec.seq}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		merged = append(merged, rec)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].actor != merged[j].actor {
			return merged[i].actor < merged[j].actor
		}
		return merged[i].seq < merged[j].seq
	})
	return opLogEncode(merged), nil
}

func (OpLog) Diff(update, stateVector []byte) ([]byte, error) {
	var records, err = opLogParse(update)
	if err != nil {
		return nil, err
	}
	var sv = message.StateVector{}
	if len(stateVector) != 0 {
		if sv, err = message.DecodeStateVector(stateVector); err != nil {
			return nil, err
		}
	}

	var diff []opLogRecord
	for _, rec := range records {
		if !sv.Covers(rec.actor, rec.seq) {
			diff = append(diff, rec)
		}
	}
	return opLogEncode(diff), nil
}

func (OpLog) StateVector(update []byte) ([]byte, error) {
	var records, err = opLogParse(update)
	if err != nil {
		return nil, err
	}
	var sv = make(message.StateVector)
	for _, rec := range records {
		sv.Observe(rec.actor, rec.seq)
	}
	return message.EncodeStateVector(sv), nil
}

var _ CRDT = OpLog{}
