package content

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketChunks = []byte("chunks")
	bucketNodes  = []byte("nodes")
)

// BoltStore persists content in a BoltDB file. Chunk data and interior node
// children live in separate buckets.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens (and initialises) the store at path.
func OpenBoltStore(path string, options *bolt.Options) (*BoltStore, error) {
	if options == nil {
		options = &bolt.Options{Timeout: time.Second}
	} else if options.Timeout == 0 {
		options.Timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, options)
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketChunks, bucketNodes} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

// Close releases the underlying Bolt database handle.
func (s *BoltStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func boltHas(tx *bolt.Tx, hash common.Hash) bool {
	return tx.Bucket(bucketChunks).Get(hash[:]) != nil || tx.Bucket(bucketNodes).Get(hash[:]) != nil
}

func (s *BoltStore) Exists(ctx context.Context, hashes []common.Hash) ([]bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]bool, len(hashes))
	err := s.db.View(func(tx *bolt.Tx) error {
		for i, h := range hashes {
			out[i] = boltHas(tx, h)
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) Upload(ctx context.Context, hash common.Hash, data []byte, children *[2]common.Hash) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if boltHas(tx, hash) {
			return nil
		}
		has := func(h common.Hash) (bool, error) { return boltHas(tx, h), nil }
		if err := checkUpload(hash, data, children, has); err != nil {
			return err
		}
		if children == nil {
			return tx.Bucket(bucketChunks).Put(hash[:], data)
		}
		value := make([]byte, 0, 2*common.HashLength)
		value = append(value, children[0][:]...)
		value = append(value, children[1][:]...)
		return tx.Bucket(bucketNodes).Put(hash[:], value)
	})
}

func (s *BoltStore) Fetch(ctx context.Context, hash common.Hash) (Node, error) {
	if err := ctx.Err(); err != nil {
		return Node{}, err
	}
	var node Node
	err := s.db.View(func(tx *bolt.Tx) error {
		if raw := tx.Bucket(bucketChunks).Get(hash[:]); raw != nil {
			node.Data = append([]byte(nil), raw...)
			return nil
		}
		raw := tx.Bucket(bucketNodes).Get(hash[:])
		if raw == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, hash.Hex())
		}
		if len(raw) != 2*common.HashLength {
			return fmt.Errorf("%w: %s", ErrCorruptNode, hash.Hex())
		}
		node.Children = &[2]common.Hash{
			common.BytesToHash(raw[:common.HashLength]),
			common.BytesToHash(raw[common.HashLength:]),
		}
		return nil
	})
	return node, err
}
