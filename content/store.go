// Package content stores bucket content as content-addressed chunk trees.
// Chunks are keyed by their blake3 hash and interior nodes by the hash of
// their two children, so every upload is verifiable against its key and a
// tree can only be assembled bottom-up.
package content

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"bucketchain/storage/chunk"
)

var (
	ErrNotFound        = errors.New("content: not found")
	ErrHashMismatch    = errors.New("content: data does not match hash")
	ErrMissingChildren = errors.New("content: children must be uploaded first")
	ErrCorruptNode     = errors.New("content: corrupt node")
)

// Node is a stored tree entry: either chunk data or the children of an
// interior node.
type Node struct {
	Data     []byte
	Children *[2]common.Hash
}

// Interior reports whether n is an interior node.
func (n Node) Interior() bool { return n.Children != nil }

// Store is a content transport. Implementations must reject uploads whose
// hash does not match their payload and interior nodes whose children are
// not yet stored.
type Store interface {
	Exists(ctx context.Context, hashes []common.Hash) ([]bool, error)
	Upload(ctx context.Context, hash common.Hash, data []byte, children *[2]common.Hash) error
	Fetch(ctx context.Context, hash common.Hash) (Node, error)
}

// checkUpload validates an upload against its key. has reports whether a
// hash is already stored.
func checkUpload(hash common.Hash, data []byte, children *[2]common.Hash, has func(common.Hash) (bool, error)) error {
	if children == nil {
		if len(data) == 0 {
			return fmt.Errorf("%w: empty chunk", ErrHashMismatch)
		}
		if chunk.Hash(data) != hash {
			return fmt.Errorf("%w: chunk %s", ErrHashMismatch, hash.Hex())
		}
		return nil
	}
	if len(data) != 0 {
		return fmt.Errorf("%w: interior node %s carries data", ErrHashMismatch, hash.Hex())
	}
	if chunk.NodeHash(children[0], children[1]) != hash {
		return fmt.Errorf("%w: node %s", ErrHashMismatch, hash.Hex())
	}
	for _, child := range children {
		ok, err := has(child)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrMissingChildren, child.Hex())
		}
	}
	return nil
}

// MemoryStore keeps content in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	nodes map[common.Hash]Node
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nodes: make(map[common.Hash]Node)}
}

func (s *MemoryStore) Exists(ctx context.Context, hashes []common.Hash) ([]bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]bool, len(hashes))
	for i, h := range hashes {
		_, out[i] = s.nodes[h]
	}
	return out, nil
}

func (s *MemoryStore) Upload(ctx context.Context, hash common.Hash, data []byte, children *[2]common.Hash) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[hash]; ok {
		return nil
	}
	has := func(h common.Hash) (bool, error) {
		_, ok := s.nodes[h]
		return ok, nil
	}
	if err := checkUpload(hash, data, children, has); err != nil {
		return err
	}
	node := Node{}
	if children != nil {
		pair := *children
		node.Children = &pair
	} else {
		node.Data = append([]byte(nil), data...)
	}
	s.nodes[hash] = node
	return nil
}

func (s *MemoryStore) Fetch(ctx context.Context, hash common.Hash) (Node, error) {
	if err := ctx.Err(); err != nil {
		return Node{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	node, ok := s.nodes[hash]
	if !ok {
		return Node{}, fmt.Errorf("%w: %s", ErrNotFound, hash.Hex())
	}
	out := Node{Data: append([]byte(nil), node.Data...)}
	if node.Children != nil {
		pair := *node.Children
		out.Children = &pair
	}
	return out, nil
}
