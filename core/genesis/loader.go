package genesis

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"bucketchain/core/state"
	"bucketchain/core/types"
	"bucketchain/storage"
	"bucketchain/storage/trie"
)

// BuildGenesisFromSpec executes the genesis allocations against an empty
// trie, commits it at height 0 and returns the head of the first open block.
func BuildGenesisFromSpec(spec *GenesisSpec, db storage.Database) (*types.Head, error) {
	if spec == nil {
		return nil, fmt.Errorf("genesis spec must not be nil")
	}
	if db == nil {
		return nil, fmt.Errorf("database must not be nil")
	}
	if spec.alloc == nil {
		if err := spec.validate(); err != nil {
			return nil, err
		}
	}

	stateTrie, err := trie.NewTrie(db, nil)
	if err != nil {
		return nil, fmt.Errorf("init state trie: %w", err)
	}
	manager := state.NewManager(stateTrie)
	parentRoot := stateTrie.Root()

	if err := manager.SetStateVersion(state.StateVersion); err != nil {
		return nil, fmt.Errorf("set state version: %w", err)
	}
	if err := manager.PutStorageParams(spec.params); err != nil {
		return nil, fmt.Errorf("persist storage params: %w", err)
	}

	// Allocations are minted in address order so the root is deterministic.
	addrs := make([]common.Address, 0, len(spec.alloc))
	for addr := range spec.alloc {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool { return bytes.Compare(addrs[i][:], addrs[j][:]) < 0 })
	for _, addr := range addrs {
		amount := spec.alloc[addr]
		if amount.Sign() == 0 {
			continue
		}
		if err := manager.Mint(addr, amount); err != nil {
			return nil, fmt.Errorf("alloc %s: %w", addr.Hex(), err)
		}
	}

	newRoot, err := stateTrie.Commit(parentRoot, 0)
	if err != nil {
		return nil, fmt.Errorf("commit state: %w", err)
	}
	return &types.Head{
		Height:    0,
		StateRoot: newRoot,
		Timestamp: spec.GenesisTimestamp().Unix(),
	}, nil
}
