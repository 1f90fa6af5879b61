// Package mmr implements the append-only Merkle Mountain Range used to commit
// to bucket contents. Each bucket keeps its own range off-ledger; the ledger
// only ever stores roots.
//
// Nodes are addressed by (height, index): the node at height h and index j
// covers leaves [j<<h, (j+1)<<h). For a range holding n leaves the peaks follow
// the binary expansion of n from the largest mountain on the left to the
// smallest on the right, and the root bags the peaks right-to-left.
package mmr

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	leafPrefix byte = 0x00
	nodePrefix byte = 0x01

	// maxHeight bounds node heights so index arithmetic never overflows.
	maxHeight = 63
)

var (
	ErrLeafOutOfRange = errors.New("mmr: leaf index out of range")
	ErrCountAhead     = errors.New("mmr: leaf count exceeds current size")
	ErrMissingNode    = errors.New("mmr: node missing from store")
	ErrNilStore       = errors.New("mmr: node store not configured")
)

// Leaf is a single entry in the range. Its sequence number is implicit:
// start_seq plus its position.
type Leaf struct {
	DataRoot  common.Hash
	DataSize  uint64
	TotalSize uint64
}

// Hash returns the leaf commitment.
func (l Leaf) Hash() common.Hash {
	var buf [1 + common.HashLength + 16]byte
	buf[0] = leafPrefix
	copy(buf[1:], l.DataRoot[:])
	binary.BigEndian.PutUint64(buf[1+common.HashLength:], l.DataSize)
	binary.BigEndian.PutUint64(buf[1+common.HashLength+8:], l.TotalSize)
	return crypto.Keccak256Hash(buf[:])
}

// Node is a stored interior or leaf hash.
type Node struct {
	Height uint8
	Index  uint64
	Hash   common.Hash
}

type position struct {
	height uint8
	index  uint64
}

func (p position) span() (lo, hi uint64) {
	return p.index << p.height, (p.index + 1) << p.height
}

func hashNode(left, right common.Hash) common.Hash {
	return crypto.Keccak256Hash([]byte{nodePrefix}, left[:], right[:])
}

// peaksFor lists the peak positions of a range holding count leaves.
func peaksFor(count uint64) []position {
	out := make([]position, 0, bits.OnesCount64(count))
	var start uint64
	for h := maxHeight; h >= 0; h-- {
		size := uint64(1) << uint(h)
		if count&size == 0 {
			continue
		}
		out = append(out, position{height: uint8(h), index: start >> uint(h)})
		start += size
	}
	return out
}

// Bag folds peak hashes right-to-left into a single root. The empty range has
// the zero root.
func Bag(peaks []common.Hash) common.Hash {
	if len(peaks) == 0 {
		return common.Hash{}
	}
	acc := peaks[len(peaks)-1]
	for i := len(peaks) - 2; i >= 0; i-- {
		acc = hashNode(peaks[i], acc)
	}
	return acc
}

// MMR is a Merkle Mountain Range over a NodeStore. It is safe for concurrent
// use; appends are serialised.
type MMR struct {
	mu    sync.RWMutex
	store NodeStore
	count uint64
}

// New opens a range over the supplied store, resuming from its persisted size.
func New(store NodeStore) (*MMR, error) {
	if store == nil {
		return nil, ErrNilStore
	}
	count, err := store.LeafCount()
	if err != nil {
		return nil, err
	}
	return &MMR{store: store, count: count}, nil
}

// LeafCount reports the number of leaves appended so far.
func (m *MMR) LeafCount() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.count
}

// Append adds a leaf and returns the new root.
func (m *MMR) Append(leaf Leaf) (common.Hash, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := leaf.Hash()
	idx := m.count
	nodes := []Node{{Height: 0, Index: idx, Hash: cur}}
	var h uint8
	for idx&1 == 1 {
		left, err := m.node(h, idx-1)
		if err != nil {
			return common.Hash{}, err
		}
		cur = hashNode(left, cur)
		idx >>= 1
		h++
		nodes = append(nodes, Node{Height: h, Index: idx, Hash: cur})
	}
	if err := m.store.Append(leaf, nodes); err != nil {
		return common.Hash{}, err
	}
	m.count++
	return m.rootAt(m.count)
}

// Leaf returns the stored leaf at position i.
func (m *MMR) Leaf(i uint64) (Leaf, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if i >= m.count {
		return Leaf{}, ErrLeafOutOfRange
	}
	leaf, ok, err := m.store.Leaf(i)
	if err != nil {
		return Leaf{}, err
	}
	if !ok {
		return Leaf{}, fmt.Errorf("%w: leaf %d", ErrMissingNode, i)
	}
	return leaf, nil
}

// Root returns the current root.
func (m *MMR) Root() (common.Hash, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rootAt(m.count)
}

// RootAt returns the root the range had when it held count leaves.
func (m *MMR) RootAt(count uint64) (common.Hash, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if count > m.count {
		return common.Hash{}, ErrCountAhead
	}
	return m.rootAt(count)
}

// PeaksAt returns the peak hashes for a historical size.
func (m *MMR) PeaksAt(count uint64) ([]common.Hash, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if count > m.count {
		return nil, ErrCountAhead
	}
	return m.peakHashes(count)
}

func (m *MMR) rootAt(count uint64) (common.Hash, error) {
	peaks, err := m.peakHashes(count)
	if err != nil {
		return common.Hash{}, err
	}
	return Bag(peaks), nil
}

func (m *MMR) peakHashes(count uint64) ([]common.Hash, error) {
	positions := peaksFor(count)
	out := make([]common.Hash, 0, len(positions))
	for _, p := range positions {
		h, err := m.node(p.height, p.index)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, nil
}

func (m *MMR) node(height uint8, index uint64) (common.Hash, error) {
	h, ok, err := m.store.Node(height, index)
	if err != nil {
		return common.Hash{}, err
	}
	if !ok {
		return common.Hash{}, fmt.Errorf("%w: (%d,%d)", ErrMissingNode, height, index)
	}
	return h, nil
}
