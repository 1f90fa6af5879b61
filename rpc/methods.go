package rpc

import (
	"context"
	"encoding/json"

	"bucketchain/core/state"
	"bucketchain/core/types"
	"bucketchain/indexer"
	"bucketchain/native/storage"
)

func (s *Server) registerMethods() map[string]method {
	return map[string]method{
		"chain_height":  {module: "chain", fn: s.chainHeight},
		"chain_balance": {module: "chain", fn: s.chainBalance},
		"chain_nonce":   {module: "chain", fn: s.chainNonce},
		"chain_params":  {module: "chain", fn: s.chainParams},

		"storage_submit":          {module: "storage", fn: s.storageSubmit},
		"storage_provider":        {module: "storage", fn: s.storageProvider},
		"storage_bucket":          {module: "storage", fn: s.storageBucket},
		"storage_bucketProviders": {module: "storage", fn: s.storageBucketProviders},
		"storage_agreement":       {module: "storage", fn: s.storageAgreement},
		"storage_pendingRequests": {module: "storage", fn: s.storagePendingRequests},
		"storage_challenges":      {module: "storage", fn: s.storageChallenges},
		"storage_challengePeriod": {module: "storage", fn: s.storageChallengePeriod},
		"storage_pruneAllowed":    {module: "storage", fn: s.storagePruneAllowed},
		"storage_events":          {module: "storage", fn: s.storageEvents},

		"dev_fund":          {module: "dev", dev: true, fn: s.devFund},
		"dev_advanceBlocks": {module: "dev", dev: true, fn: s.devAdvanceBlocks},
	}
}

// view runs a read-only engine query.
func (s *Server) view(fn func(e *storage.Engine) (interface{}, error)) (interface{}, error) {
	var out interface{}
	err := s.ledger.View(func(e *storage.Engine, _ *state.Manager) error {
		res, err := fn(e)
		out = res
		return err
	})
	return out, err
}

func (s *Server) chainHeight(_ context.Context, _ []json.RawMessage) (interface{}, error) {
	head := s.ledger.Head()
	return HeightResult{
		Height:      head.Height,
		StateRoot:   head.StateRoot,
		Timestamp:   head.Timestamp,
		PendingRoot: s.ledger.PendingRoot(),
	}, nil
}

func (s *Server) chainBalance(_ context.Context, params []json.RawMessage) (interface{}, error) {
	var p AddressParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	bal, err := s.ledger.Balance(p.Address)
	if err != nil {
		return nil, err
	}
	return BalanceResult{Address: p.Address, Balance: types.Amount(bal)}, nil
}

func (s *Server) chainNonce(_ context.Context, params []json.RawMessage) (interface{}, error) {
	var p AddressParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	nonce, err := s.ledger.Nonce(p.Address)
	if err != nil {
		return nil, err
	}
	return NonceResult{Address: p.Address, Nonce: nonce}, nil
}

func (s *Server) chainParams(_ context.Context, _ []json.RawMessage) (interface{}, error) {
	return s.ledger.Params(), nil
}

func (s *Server) storageSubmit(ctx context.Context, params []json.RawMessage) (interface{}, error) {
	var tx types.Transaction
	if err := decodeParams(params, &tx); err != nil {
		return nil, err
	}
	return s.ledger.ApplyTransaction(ctx, &tx)
}

func (s *Server) storageProvider(_ context.Context, params []json.RawMessage) (interface{}, error) {
	var p AddressParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return s.view(func(e *storage.Engine) (interface{}, error) { return e.ProviderInfo(p.Address) })
}

func (s *Server) storageBucket(_ context.Context, params []json.RawMessage) (interface{}, error) {
	var p BucketParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return s.view(func(e *storage.Engine) (interface{}, error) { return e.BucketInfo(p.Bucket) })
}

func (s *Server) storageBucketProviders(_ context.Context, params []json.RawMessage) (interface{}, error) {
	var p BucketParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return s.view(func(e *storage.Engine) (interface{}, error) { return e.BucketProviders(p.Bucket) })
}

func (s *Server) storageAgreement(_ context.Context, params []json.RawMessage) (interface{}, error) {
	var p AgreementParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return s.view(func(e *storage.Engine) (interface{}, error) { return e.Agreement(p.Bucket, p.Provider) })
}

func (s *Server) storagePendingRequests(_ context.Context, params []json.RawMessage) (interface{}, error) {
	var p ProviderParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return s.view(func(e *storage.Engine) (interface{}, error) { return e.PendingRequests(p.Provider) })
}

func (s *Server) storageChallenges(_ context.Context, params []json.RawMessage) (interface{}, error) {
	var p RangeParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.To < p.From {
		return nil, invalidParams("to must not be below from", nil)
	}
	return s.view(func(e *storage.Engine) (interface{}, error) { return e.Challenges(p.From, p.To) })
}

func (s *Server) storageChallengePeriod(_ context.Context, _ []json.RawMessage) (interface{}, error) {
	return s.view(func(e *storage.Engine) (interface{}, error) { return e.ChallengePeriod(), nil })
}

func (s *Server) storagePruneAllowed(_ context.Context, params []json.RawMessage) (interface{}, error) {
	var p PruneParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return s.view(func(e *storage.Engine) (interface{}, error) {
		ok, err := e.PruneAllowed(p.Bucket, p.Start, p.Count)
		return PruneResult{Allowed: ok}, err
	})
}

func (s *Server) storageEvents(ctx context.Context, params []json.RawMessage) (interface{}, error) {
	if s.events == nil {
		return nil, &RPCError{Code: codeMethodNotFound, Message: "event index disabled"}
	}
	var f indexer.Filter
	if len(params) > 0 {
		if err := decodeParams(params, &f); err != nil {
			return nil, err
		}
	}
	records, err := s.events.Query(ctx, f)
	if err != nil {
		return nil, &RPCError{Code: codeServerError, Message: "event query failed", Data: err.Error()}
	}
	return records, nil
}

func (s *Server) devFund(ctx context.Context, params []json.RawMessage) (interface{}, error) {
	var p FundParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := s.ledger.Fund(ctx, p.Address, types.BigInt(p.Amount)); err != nil {
		return nil, err
	}
	bal, err := s.ledger.Balance(p.Address)
	if err != nil {
		return nil, err
	}
	return BalanceResult{Address: p.Address, Balance: types.Amount(bal)}, nil
}

func (s *Server) devAdvanceBlocks(ctx context.Context, params []json.RawMessage) (interface{}, error) {
	p := AdvanceParams{Count: 1}
	if len(params) > 0 {
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
	}
	if p.Count == 0 || p.Count > maxAdvanceBlocks {
		return nil, invalidParams("count must be between 1 and 1000", nil)
	}
	var head types.Head
	for i := uint64(0); i < p.Count; i++ {
		next, err := s.ledger.AdvanceBlock(ctx)
		if err != nil {
			return nil, err
		}
		head = next
	}
	return head, nil
}
