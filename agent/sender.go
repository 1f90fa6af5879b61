// Package agent holds the off-chain collaborators of the storage ledger: the
// provider data plane, the checkpoint signature collector, the replica
// syncer and the challenge defender. Agents talk to a node through Ledger and
// to each other over HTTP.
package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"bucketchain/core/types"
	"bucketchain/crypto"
	"bucketchain/native/storage"
	"bucketchain/rpc"
)

// Ledger is the node surface the agents need. *rpc.Client implements it.
type Ledger interface {
	Height(ctx context.Context) (*rpc.HeightResult, error)
	Nonce(ctx context.Context, addr common.Address) (uint64, error)
	Bucket(ctx context.Context, id uint64) (*storage.Bucket, error)
	Agreement(ctx context.Context, bucket uint64, provider common.Address) (*storage.Agreement, error)
	Challenges(ctx context.Context, from, to uint64) ([]*storage.Challenge, error)
	ChallengePeriod(ctx context.Context) (uint64, error)
	Submit(ctx context.Context, tx *types.Transaction) (*types.Receipt, error)
}

var _ Ledger = (*rpc.Client)(nil)

// Sender signs and submits transactions for one key. Calls are serialised so
// nonces never race.
type Sender struct {
	key    *crypto.PrivateKey
	ledger Ledger
	mu     sync.Mutex
}

func NewSender(key *crypto.PrivateKey, ledger Ledger) *Sender {
	return &Sender{key: key, ledger: ledger}
}

func (s *Sender) Address() common.Address { return s.key.Address() }

// Send builds a transaction at the next nonce, signs it and submits it.
func (s *Sender) Send(ctx context.Context, txType types.TxType, payload interface{}) (*types.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	nonce, err := s.ledger.Nonce(ctx, s.key.Address())
	if err != nil {
		return nil, fmt.Errorf("agent: fetch nonce: %w", err)
	}
	tx, err := types.NewTransaction(txType, s.key.Address(), nonce+1, payload)
	if err != nil {
		return nil, err
	}
	if err := tx.Sign(s.key); err != nil {
		return nil, err
	}
	return s.ledger.Submit(ctx, tx)
}

// Sign signs digest with the sender's key.
func (s *Sender) Sign(digest common.Hash) ([]byte, error) {
	return crypto.Sign(s.key, digest)
}
