// Package chunk splits content into fixed-size chunks and commits to them with
// a blake3 binary Merkle tree. The tree root is the data_root recorded in an
// MMR leaf; chunk proofs locate a single chunk inside it.
package chunk

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"lukechampine.com/blake3"
)

// DefaultSize is the chunk size used by providers unless configured otherwise.
const DefaultSize = 256 * 1024

const nodePrefix byte = 0x01

var (
	ErrEmptyData     = errors.New("chunk: empty data")
	ErrIndexOutRange = errors.New("chunk: index out of range")
	ErrBadChunkSize  = errors.New("chunk: chunk size must be positive")
)

// Hash returns the content address of a chunk.
func Hash(data []byte) common.Hash {
	return common.Hash(blake3.Sum256(data))
}

// NodeHash returns the content address of an interior node.
func NodeHash(left, right common.Hash) common.Hash {
	buf := make([]byte, 0, 1+2*common.HashLength)
	buf = append(buf, nodePrefix)
	buf = append(buf, left[:]...)
	buf = append(buf, right[:]...)
	return common.Hash(blake3.Sum256(buf))
}

// Count reports how many chunks content of dataSize bytes splits into.
func Count(dataSize uint64, chunkSize uint64) uint64 {
	if chunkSize == 0 || dataSize == 0 {
		return 0
	}
	return (dataSize + chunkSize - 1) / chunkSize
}

// Split cuts data into chunks of chunkSize bytes; the last chunk may be short.
func Split(data []byte, chunkSize int) ([][]byte, error) {
	if chunkSize <= 0 {
		return nil, ErrBadChunkSize
	}
	if len(data) == 0 {
		return nil, ErrEmptyData
	}
	out := make([][]byte, 0, (len(data)+chunkSize-1)/chunkSize)
	for off := 0; off < len(data); off += chunkSize {
		end := off + chunkSize
		if end > len(data) {
			end = len(data)
		}
		out = append(out, data[off:end])
	}
	return out, nil
}

// Tree is a fully materialised chunk tree. levels[0] holds chunk hashes; an
// odd trailing node is promoted unchanged to the next level.
type Tree struct {
	chunkSize int
	size      uint64
	levels    [][]common.Hash
}

// Build splits data and builds its tree.
func Build(data []byte, chunkSize int) (*Tree, error) {
	chunks, err := Split(data, chunkSize)
	if err != nil {
		return nil, err
	}
	leaves := make([]common.Hash, len(chunks))
	for i, c := range chunks {
		leaves[i] = Hash(c)
	}
	t := &Tree{chunkSize: chunkSize, size: uint64(len(data)), levels: [][]common.Hash{leaves}}
	for level := leaves; len(level) > 1; {
		next := make([]common.Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				continue
			}
			next = append(next, NodeHash(level[i], level[i+1]))
		}
		t.levels = append(t.levels, next)
		level = next
	}
	return t, nil
}

// Root returns the data root.
func (t *Tree) Root() common.Hash {
	top := t.levels[len(t.levels)-1]
	return top[0]
}

// Size returns the committed content length in bytes.
func (t *Tree) Size() uint64 { return t.size }

// ChunkCount returns the number of chunks in the tree.
func (t *Tree) ChunkCount() uint64 { return uint64(len(t.levels[0])) }

// Children lists the child hashes of every interior node keyed by node hash,
// the shape content transports use to verify uploads bottom-up.
func (t *Tree) Children() map[common.Hash][2]common.Hash {
	out := make(map[common.Hash][2]common.Hash)
	for _, n := range t.InteriorNodes() {
		out[n.Hash] = n.Children
	}
	return out
}

// Interior is an interior node of a chunk tree.
type Interior struct {
	Hash     common.Hash
	Children [2]common.Hash
}

// InteriorNodes lists the interior nodes bottom-up, so every node comes after
// both of its children. Promoted nodes are not repeated.
func (t *Tree) InteriorNodes() []Interior {
	var out []Interior
	for l := 0; l+1 < len(t.levels); l++ {
		level := t.levels[l]
		for i := 0; i+1 < len(level); i += 2 {
			out = append(out, Interior{
				Hash:     t.levels[l+1][i/2],
				Children: [2]common.Hash{level[i], level[i+1]},
			})
		}
	}
	return out
}

// Chunk returns the hash of chunk i.
func (t *Tree) Chunk(i uint64) common.Hash { return t.levels[0][i] }

// Proof locates one chunk under a data root. Siblings run bottom-up; levels on
// which the node was promoted contribute no sibling.
type Proof struct {
	Index    uint64
	Siblings []common.Hash
}

// Prove returns the proof for chunk i.
func (t *Tree) Prove(i uint64) (*Proof, error) {
	if i >= t.ChunkCount() {
		return nil, ErrIndexOutRange
	}
	proof := &Proof{Index: i}
	idx := i
	for l := 0; l+1 < len(t.levels); l++ {
		level := t.levels[l]
		sib := idx ^ 1
		if sib < uint64(len(level)) {
			proof.Siblings = append(proof.Siblings, level[sib])
		}
		idx >>= 1
	}
	return proof, nil
}

// Verify reports whether chunk data sits at index under root for content split
// into chunkCount chunks.
func Verify(root common.Hash, chunkCount, index uint64, data []byte, proof *Proof) bool {
	if proof == nil || proof.Index != index || index >= chunkCount {
		return false
	}
	cur := Hash(data)
	idx := index
	width := chunkCount
	used := 0
	for width > 1 {
		sib := idx ^ 1
		if sib < width {
			if used >= len(proof.Siblings) {
				return false
			}
			if idx&1 == 0 {
				cur = NodeHash(cur, proof.Siblings[used])
			} else {
				cur = NodeHash(proof.Siblings[used], cur)
			}
			used++
		}
		idx >>= 1
		width = (width + 1) / 2
	}
	return used == len(proof.Siblings) && cur == root
}
