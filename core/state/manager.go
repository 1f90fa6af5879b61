package state

import (
	"bytes"
	"fmt"
	"math/big"
	"reflect"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"bucketchain/storage/trie"
)

// Manager reads and writes ledger state on a trie. A Manager is not safe for
// concurrent use; the ledger gives each transition its own trie copy.
type Manager struct {
	trie *trie.Trie
}

// NewManager creates a state manager operating on the provided trie.
func NewManager(tr *trie.Trie) *Manager {
	return &Manager{trie: tr}
}

// Trie exposes the underlying trie.
func (m *Manager) Trie() *trie.Trie { return m.trie }

var (
	balancePrefix  = []byte("balance:")
	burnedKey      = []byte("supply/burned")
	sequencePrefix = []byte("sequence/")
)

func balanceKey(addr common.Address) []byte {
	buf := make([]byte, len(balancePrefix)+common.AddressLength)
	copy(buf, balancePrefix)
	copy(buf[len(balancePrefix):], addr[:])
	return ethcrypto.Keccak256(buf)
}

func kvKey(key []byte) []byte {
	return ethcrypto.Keccak256(key)
}

// Balance returns the native token balance of addr. Missing accounts hold
// zero.
func (m *Manager) Balance(addr common.Address) (*big.Int, error) {
	data, err := m.trie.Get(balanceKey(addr))
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return new(big.Int), nil
	}
	bal := new(big.Int)
	if err := rlp.DecodeBytes(data, bal); err != nil {
		return nil, err
	}
	return bal, nil
}

// SetBalance overwrites the balance of addr. A zero balance removes the entry.
func (m *Manager) SetBalance(addr common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return m.trie.Delete(balanceKey(addr))
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("state: negative balance for %s", addr.Hex())
	}
	encoded, err := rlp.EncodeToBytes(amount)
	if err != nil {
		return err
	}
	return m.trie.Update(balanceKey(addr), encoded)
}

// Burned returns the total supply destroyed so far.
func (m *Manager) Burned() (*big.Int, error) {
	out := new(big.Int)
	if _, err := m.KVGet(burnedKey, out); err != nil {
		return nil, err
	}
	return out, nil
}

// AddBurned records amount as destroyed.
func (m *Manager) AddBurned(amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("state: negative burn")
	}
	total, err := m.Burned()
	if err != nil {
		return err
	}
	return m.KVPut(burnedKey, total.Add(total, amount))
}

// Sequence returns the last value handed out by the named counter.
func (m *Manager) Sequence(name string) (uint64, error) {
	var current uint64
	_, err := m.KVGet(append(append([]byte(nil), sequencePrefix...), name...), &current)
	return current, err
}

// NextSequence increments and returns the named counter. The first value
// handed out is 1.
func (m *Manager) NextSequence(name string) (uint64, error) {
	key := append(append([]byte(nil), sequencePrefix...), name...)
	var current uint64
	if _, err := m.KVGet(key, &current); err != nil {
		return 0, err
	}
	current++
	if err := m.KVPut(key, current); err != nil {
		return 0, err
	}
	return current, nil
}

// KVPut stores the provided value under the supplied key using RLP encoding.
// The key is hashed with keccak256 before it reaches the trie.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return m.trie.Update(kvKey(key), encoded)
}

// KVGet retrieves the value stored under key and decodes it into out. The
// boolean reports whether the key existed.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	data, err := m.trie.Get(kvKey(key))
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

// KVDelete removes key.
func (m *Manager) KVDelete(key []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	return m.trie.Delete(kvKey(key))
}

func (m *Manager) loadList(key []byte) ([][]byte, error) {
	data, err := m.trie.Get(kvKey(key))
	if err != nil {
		return nil, err
	}
	var list [][]byte
	if len(data) > 0 {
		if err := rlp.DecodeBytes(data, &list); err != nil {
			return nil, err
		}
	}
	return list, nil
}

func (m *Manager) writeList(key []byte, list [][]byte) error {
	if len(list) == 0 {
		return m.trie.Delete(kvKey(key))
	}
	encoded, err := rlp.EncodeToBytes(list)
	if err != nil {
		return err
	}
	return m.trie.Update(kvKey(key), encoded)
}

// KVAppend inserts value into the byte-slice list stored under key, keeping
// the list sorted and free of duplicates so indexes stay deterministic.
func (m *Manager) KVAppend(key []byte, value []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	list, err := m.loadList(key)
	if err != nil {
		return err
	}
	pos := 0
	for pos < len(list) {
		cmp := bytes.Compare(list[pos], value)
		if cmp == 0 {
			return nil
		}
		if cmp > 0 {
			break
		}
		pos++
	}
	list = append(list, nil)
	copy(list[pos+1:], list[pos:])
	list[pos] = append([]byte(nil), value...)
	return m.writeList(key, list)
}

// KVRemove drops value from the list stored under key. Missing values are
// ignored.
func (m *Manager) KVRemove(key []byte, value []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	list, err := m.loadList(key)
	if err != nil {
		return err
	}
	out := list[:0]
	for _, existing := range list {
		if !bytes.Equal(existing, value) {
			out = append(out, existing)
		}
	}
	if len(out) == len(list) {
		return nil
	}
	return m.writeList(key, out)
}

// KVGetList decodes the list stored under key into out, which must point to a
// slice. Missing keys yield an empty slice.
func (m *Manager) KVGetList(key []byte, out interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	data, err := m.trie.Get(kvKey(key))
	if err != nil {
		return err
	}
	if len(data) == 0 {
		val := reflect.ValueOf(out)
		if val.Kind() != reflect.Ptr || val.IsNil() {
			return fmt.Errorf("kv: destination must be a non-nil pointer")
		}
		elem := val.Elem()
		if elem.Kind() != reflect.Slice {
			return fmt.Errorf("kv: destination must point to a slice")
		}
		elem.Set(reflect.MakeSlice(elem.Type(), 0, 0))
		return nil
	}
	return rlp.DecodeBytes(data, out)
}
