package mmr

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// NodeStore persists range nodes and leaves. Append must store the leaf at
// position LeafCount(), the supplied nodes and the incremented count
// atomically.
type NodeStore interface {
	Node(height uint8, index uint64) (common.Hash, bool, error)
	Leaf(index uint64) (Leaf, bool, error)
	Append(leaf Leaf, nodes []Node) error
	LeafCount() (uint64, error)
}

// MemoryStore keeps nodes in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	nodes  map[position]common.Hash
	leaves []Leaf
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nodes: make(map[position]common.Hash)}
}

func (s *MemoryStore) Node(height uint8, index uint64) (common.Hash, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.nodes[position{height: height, index: index}]
	return h, ok, nil
}

func (s *MemoryStore) Leaf(index uint64) (Leaf, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if index >= uint64(len(s.leaves)) {
		return Leaf{}, false, nil
	}
	return s.leaves[index], true, nil
}

func (s *MemoryStore) Append(leaf Leaf, nodes []Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range nodes {
		s.nodes[position{height: n.Height, index: n.Index}] = n.Hash
	}
	s.leaves = append(s.leaves, leaf)
	return nil
}

func (s *MemoryStore) LeafCount() (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.leaves)), nil
}

const leafEncodingLen = common.HashLength + 16

var (
	nodeTag  = []byte("n")
	leafTag  = []byte("l")
	countTag = []byte("c")
)

// LevelStore persists a range in goleveldb under a namespace prefix so many
// buckets can share one database.
type LevelStore struct {
	db     *leveldb.DB
	prefix []byte
}

// OpenLevelDB opens (or creates) a goleveldb database for range storage.
func OpenLevelDB(path string) (*leveldb.DB, error) {
	return leveldb.OpenFile(path, nil)
}

// NewLevelStore namespaces a range within db.
func NewLevelStore(db *leveldb.DB, prefix []byte) *LevelStore {
	return &LevelStore{db: db, prefix: append([]byte(nil), prefix...)}
}

func (s *LevelStore) key(tag []byte, suffix ...byte) []byte {
	out := make([]byte, 0, len(s.prefix)+len(tag)+len(suffix))
	out = append(out, s.prefix...)
	out = append(out, tag...)
	return append(out, suffix...)
}

func (s *LevelStore) nodeKey(height uint8, index uint64) []byte {
	var buf [9]byte
	buf[0] = height
	binary.BigEndian.PutUint64(buf[1:], index)
	return s.key(nodeTag, buf[:]...)
}

func (s *LevelStore) leafKey(index uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], index)
	return s.key(leafTag, buf[:]...)
}

func (s *LevelStore) Node(height uint8, index uint64) (common.Hash, bool, error) {
	data, err := s.db.Get(s.nodeKey(height, index), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return common.Hash{}, false, nil
	}
	if err != nil {
		return common.Hash{}, false, err
	}
	if len(data) != common.HashLength {
		return common.Hash{}, false, fmt.Errorf("mmr: corrupt node (%d,%d)", height, index)
	}
	return common.BytesToHash(data), true, nil
}

func (s *LevelStore) Leaf(index uint64) (Leaf, bool, error) {
	data, err := s.db.Get(s.leafKey(index), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return Leaf{}, false, nil
	}
	if err != nil {
		return Leaf{}, false, err
	}
	if len(data) != leafEncodingLen {
		return Leaf{}, false, fmt.Errorf("mmr: corrupt leaf %d", index)
	}
	return Leaf{
		DataRoot:  common.BytesToHash(data[:common.HashLength]),
		DataSize:  binary.BigEndian.Uint64(data[common.HashLength:]),
		TotalSize: binary.BigEndian.Uint64(data[common.HashLength+8:]),
	}, true, nil
}

func (s *LevelStore) Append(leaf Leaf, nodes []Node) error {
	count, err := s.LeafCount()
	if err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	for _, n := range nodes {
		batch.Put(s.nodeKey(n.Height, n.Index), n.Hash.Bytes())
	}
	var enc [leafEncodingLen]byte
	copy(enc[:], leaf.DataRoot[:])
	binary.BigEndian.PutUint64(enc[common.HashLength:], leaf.DataSize)
	binary.BigEndian.PutUint64(enc[common.HashLength+8:], leaf.TotalSize)
	batch.Put(s.leafKey(count), enc[:])
	var countBuf [8]byte
	binary.BigEndian.PutUint64(countBuf[:], count+1)
	batch.Put(s.key(countTag), countBuf[:])
	return s.db.Write(batch, nil)
}

func (s *LevelStore) LeafCount() (uint64, error) {
	data, err := s.db.Get(s.key(countTag), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(data) != 8 {
		return 0, fmt.Errorf("mmr: corrupt leaf count")
	}
	return binary.BigEndian.Uint64(data), nil
}

// Drop removes every key of the namespace. Used when a bucket restarts from a
// fresh range after a deletion.
func (s *LevelStore) Drop() error {
	iter := s.db.NewIterator(util.BytesPrefix(s.prefix), nil)
	defer iter.Release()
	batch := new(leveldb.Batch)
	for iter.Next() {
		batch.Delete(append([]byte(nil), iter.Key()...))
	}
	if err := iter.Error(); err != nil {
		return err
	}
	return s.db.Write(batch, nil)
}
