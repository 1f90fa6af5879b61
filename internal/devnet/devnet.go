// Package devnet builds throwaway ledgers for development networks and tests:
// a genesis funding a set of accounts, opened over an in-memory database.
package devnet

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"bucketchain/core"
	"bucketchain/core/genesis"
	db "bucketchain/storage"
)

// GenesisTime is the fixed genesis timestamp of dev networks.
var GenesisTime = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// Spec builds a validated genesis funding alloc. storage may be nil for the
// default parameters.
func Spec(alloc map[common.Address]*big.Int, storage *genesis.StorageSpec) (*genesis.GenesisSpec, error) {
	doc := genesis.GenesisSpec{
		GenesisTime: GenesisTime.Format(time.RFC3339),
		Alloc:       make(map[string]string, len(alloc)),
		Storage:     storage,
	}
	for addr, amount := range alloc {
		if amount == nil {
			amount = new(big.Int)
		}
		doc.Alloc[addr.Hex()] = amount.String()
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	return genesis.ParseGenesisSpec(raw)
}

// Open returns a ledger over a fresh in-memory database seeded from the genesis
// built by Spec.
func Open(alloc map[common.Address]*big.Int, storage *genesis.StorageSpec) (*core.Ledger, error) {
	spec, err := Spec(alloc, storage)
	if err != nil {
		return nil, fmt.Errorf("devnet: genesis: %w", err)
	}
	return core.Open(db.NewMemDB(), spec)
}
