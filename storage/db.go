package storage

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/core/rawdb"
	"github.com/ethereum/go-ethereum/ethdb"
	ethleveldb "github.com/ethereum/go-ethereum/ethdb/leveldb"
	"github.com/ethereum/go-ethereum/triedb"
	"github.com/syndtr/goleveldb/leveldb/opt"
)

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = errors.New("storage: key not found")

// Database is a generic interface for a key-value store.
// This allows the ledger to use any database backend (in-memory or persistent)
// while sharing the same node database with the state trie.
type Database interface {
	Put(key []byte, value []byte) error
	Get(key []byte) ([]byte, error)
	Has(key []byte) (bool, error)
	Delete(key []byte) error
	// TrieDB exposes the trie node database layered on the same backend.
	TrieDB() *triedb.Database
	Close()
}

// kvDatabase adapts any go-ethereum ethdb.Database to the Database interface.
type kvDatabase struct {
	db     ethdb.Database
	trieDB *triedb.Database
}

func newKVDatabase(db ethdb.Database) *kvDatabase {
	return &kvDatabase{
		db:     db,
		trieDB: triedb.NewDatabase(db, triedb.HashDefaults),
	}
}

func (k *kvDatabase) Put(key []byte, value []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("storage: empty key")
	}
	return k.db.Put(key, value)
}

func (k *kvDatabase) Get(key []byte) ([]byte, error) {
	ok, err := k.db.Has(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return k.db.Get(key)
}

func (k *kvDatabase) Has(key []byte) (bool, error) {
	return k.db.Has(key)
}

func (k *kvDatabase) Delete(key []byte) error {
	return k.db.Delete(key)
}

func (k *kvDatabase) TrieDB() *triedb.Database {
	return k.trieDB
}

func (k *kvDatabase) Close() {
	if k.trieDB != nil {
		_ = k.trieDB.Close()
	}
	_ = k.db.Close()
}

// --- In-Memory DB (for testing) ---

// MemDB keeps everything in process memory. It is primarily used by tests and
// ephemeral dev networks.
type MemDB struct {
	*kvDatabase
}

func NewMemDB() *MemDB {
	return &MemDB{kvDatabase: newKVDatabase(rawdb.NewMemoryDatabase())}
}

// --- Persistent DB ---

// LevelDB is a persistent key-value store using LevelDB.
type LevelDB struct {
	*kvDatabase
}

// LevelDBOptions tunes the underlying goleveldb instance.
type LevelDBOptions struct {
	CacheMiB    int
	OpenFiles   int
	ReadOnly    bool
	NoSyncWrite bool
}

// NewLevelDB creates or opens a LevelDB database at the specified path with
// default options.
func NewLevelDB(path string) (*LevelDB, error) {
	return NewLevelDBWithOptions(path, LevelDBOptions{})
}

// NewLevelDBWithOptions opens a LevelDB database applying the supplied tuning.
func NewLevelDBWithOptions(path string, options LevelDBOptions) (*LevelDB, error) {
	kv, err := ethleveldb.NewCustom(path, "", func(o *opt.Options) {
		if options.CacheMiB > 0 {
			o.BlockCacheCapacity = options.CacheMiB / 2 * opt.MiB
			o.WriteBuffer = options.CacheMiB / 4 * opt.MiB
		}
		if options.OpenFiles > 0 {
			o.OpenFilesCacheCapacity = options.OpenFiles
		}
		o.ReadOnly = options.ReadOnly
		o.NoSync = options.NoSyncWrite
	})
	if err != nil {
		return nil, err
	}
	return &LevelDB{kvDatabase: newKVDatabase(rawdb.NewDatabase(kv))}, nil
}
