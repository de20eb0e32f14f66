package message

import (
	"encoding/binary"
	"fmt"
)

// frameWriter accumulates a wire frame. Writes cannot fail; the caller
// takes the finished buffer with bytes().
type frameWriter struct {
	buf []byte
}

func (w *frameWriter) byte(b byte) {
	w.buf = append(w.buf, b)
}

func (w *frameWriter) bool(b bool) {
	if b {
		w.buf = append(w.buf, 1)
	} else {
		w.buf = append(w.buf, 0)
	}
}

func (w *frameWriter) uvarint(v uint64) {
	w.buf = binary.AppendUvarint(w.buf, v)
}

func (w *frameWriter) varBytes(b []byte) {
	w.uvarint(uint64(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *frameWriter) varString(s string) {
	w.uvarint(uint64(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *frameWriter) bytes() []byte { return w.buf }

// frameReader consumes a wire frame, tracking the first error.
// All lengths are bounded by the remaining input, so a malformed
// frame can never trigger an over-allocation.
type frameReader struct {
	buf []byte
	off int
	err error
}

func newFrameReader(buf []byte) *frameReader {
	return &frameReader{buf: buf}
}

func (r *frameReader) fail(format string, args ...interface{}) {
	if r.err == nil {
		r.err = fmt.Errorf("%w: %s", ErrMalformedFrame, fmt.Sprintf(format, args...))
	}
}

func (r *frameReader) remaining() int { return len(r.buf) - r.off }

func (r *frameReader) byte() byte {
	if r.err != nil {
		return 0
	}
	if r.off >= len(r.buf) {
		r.fail("unexpected end of frame at offset %d", r.off)
		return 0
	}
	var b = r.buf[r.off]
	r.off++
	return b
}

func (r *frameReader) bool() bool {
	switch r.byte() {
	case 0:
		return false
	case 1:
		return true
	default:
		r.fail("invalid boolean at offset %d", r.off-1)
		return false
	}
}

func (r *frameReader) uvarint() uint64 {
	if r.err != nil {
		return 0
	}
	var v, n = binary.Uvarint(r.buf[r.off:])
	if n <= 0 {
		r.fail("invalid varint at offset %d", r.off)
		return 0
	}
	r.off += n
	return v
}

// uvarint32 reads a varint which must fit a uint32.
func (r *frameReader) uvarint32() uint32 {
	var v = r.uvarint()
	if v > 0xffffffff {
		r.fail("varint %d overflows uint32", v)
		return 0
	}
	return uint32(v)
}

func (r *frameReader) varBytes() []byte {
	var n = r.uvarint()
	if r.err != nil {
		return nil
	}
	if n > uint64(r.remaining()) {
		r.fail("declared length %d exceeds %d remaining bytes", n, r.remaining())
		return nil
	}
	var out = make([]byte, n)
	copy(out, r.buf[r.off:r.off+int(n)])
	r.off += int(n)
	return out
}

func (r *frameReader) varString() string {
	return string(r.varBytes())
}

// expectEOF fails the reader if input remains past the decoded frame.
func (r *frameReader) expectEOF() {
	if r.err == nil && r.remaining() != 0 {
		r.fail("%d trailing bytes after frame", r.remaining())
	}
}
