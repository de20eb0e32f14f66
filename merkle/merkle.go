// Package merkle implements the binary SHA-256 hash tree used to verify
// chunked file uploads. Files are split into fixed 64 KiB chunks; the
// tree's root is the file's identity, and per-chunk sibling proofs let a
// receiver verify any chunk without the rest of the file.
package merkle

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
)

// ChunkSize is the fixed leaf size. The last chunk of a file may be
// shorter; a zero-byte file is a single empty chunk.
const ChunkSize = 65536

var (
	// ErrNoChunks is returned by Build for empty input. Zero-byte files
	// must be represented as one empty chunk.
	ErrNoChunks = errors.New("merkle: no chunks")
	// ErrIndexOutOfRange is returned by Proof for an invalid leaf index.
	ErrIndexOutOfRange = errors.New("merkle: leaf index out of range")
)

// ChunkCount returns the number of chunks for a file of the given size:
// ceil(size / ChunkSize), and exactly 1 for size 0.
func ChunkCount(size uint64) int {
	if size == 0 {
		return 1
	}
	return int((size + ChunkSize - 1) / ChunkSize)
}

// Split divides data into ChunkSize chunks. Empty data yields a single
// empty chunk.
func Split(data []byte) [][]byte {
	if len(data) == 0 {
		return [][]byte{{}}
	}
	var chunks = make([][]byte, 0, ChunkCount(uint64(len(data))))
	for off := 0; off < len(data); off += ChunkSize {
		var end = off + ChunkSize
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, data[off:end])
	}
	return chunks
}

// LeafHash is the SHA-256 of a chunk's bytes.
func LeafHash(chunk []byte) []byte {
	var sum = sha256.Sum256(chunk)
	return sum[:]
}

func nodeHash(left, right []byte) []byte {
	var h = sha256.New()
	h.Write(left)
	h.Write(right)
	return h.Sum(nil)
}

// Tree is a built Merkle tree. levels[0] holds the leaf hashes and the
// final level holds the single root.
type Tree struct {
	levels [][][]byte
}

// Build constructs the tree over the ordered chunks. Odd node counts at
// any level duplicate the last node as its own sibling.
func Build(chunks [][]byte) (*Tree, error) {
	if len(chunks) == 0 {
		return nil, ErrNoChunks
	}

	var level = make([][]byte, len(chunks))
	for i, chunk := range chunks {
		level[i] = LeafHash(chunk)
	}

	var t = &Tree{levels: [][][]byte{level}}
	for len(level) > 1 {
		var next = make([][]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			var left = level[i]
			var right = left
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, nodeHash(left, right))
		}
		t.levels = append(t.levels, next)
		level = next
	}
	return t, nil
}

// NumLeaves returns the number of leaf chunks.
func (t *Tree) NumLeaves() int { return len(t.levels[0]) }

// Root returns the tree's root hash, which identifies the file.
func (t *Tree) Root() []byte {
	var top = t.levels[len(t.levels)-1]
	return top[0]
}

// Proof returns the bottom-up sibling path of leaf i. Verifying the
// proof against the root demonstrates inclusion of the leaf.
func (t *Tree) Proof(i int) ([][]byte, error) {
	if i < 0 || i >= t.NumLeaves() {
		return nil, fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, i, t.NumLeaves())
	}

	var proof [][]byte
	var index = i
	for _, level := range t.levels[:len(t.levels)-1] {
		var sibling = index ^ 1
		if sibling >= len(level) {
			sibling = index // Odd count: the node is its own sibling.
		}
		proof = append(proof, level[sibling])
		index >>= 1
	}
	return proof, nil
}

// Verify recomputes the root from a leaf hash and its sibling proof,
// and compares it to the expected root.
func Verify(root, leafHash []byte, index int, proof [][]byte) bool {
	if index < 0 {
		return false
	}
	var node = leafHash
	var i = index
	for _, sibling := range proof {
		if i&1 == 1 {
			node = nodeHash(sibling, node)
		} else {
			node = nodeHash(node, sibling)
		}
		i >>= 1
	}
	return bytes.Equal(node, root)
}
