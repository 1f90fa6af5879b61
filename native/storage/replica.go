package storage

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"bucketchain/crypto"
)

// SyncClaimSlots is the number of positions in a sync claim: the current
// snapshot root followed by one per historical prime.
const SyncClaimSlots = 1 + len(HistoricalPrimes)

// SyncResult reports the outcome of a sync confirmation. A rate-limited or
// repeated claim is not an error: Accepted is false and Reason says why.
type SyncResult struct {
	Accepted bool
	Position int
	Root     common.Hash
	Paid     *big.Int
	Reason   string
}

const (
	SyncReasonSameRoot    = "root already confirmed"
	SyncReasonRateLimited = "min sync interval not elapsed"
	SyncReasonUnderfunded = "sync balance exhausted"
)

// matchSyncClaim returns the first claimed root equal to the ledger's value at
// the same position.
func matchSyncClaim(b *Bucket, roots [SyncClaimSlots]*common.Hash) (int, HistoricalRoot, bool) {
	if snap := b.Snapshot; snap != nil && roots[0] != nil && *roots[0] == snap.MMRRoot {
		return 0, HistoricalRoot{Root: snap.MMRRoot, StartSeq: snap.StartSeq, LeafCount: snap.LeafCount}, true
	}
	for i := 1; i < SyncClaimSlots; i++ {
		if roots[i] == nil || i-1 >= len(b.HistoricalRoots) {
			continue
		}
		slot := b.HistoricalRoots[i-1]
		if !slot.Empty() && *roots[i] == slot.Root {
			return i, slot, true
		}
	}
	return 0, HistoricalRoot{}, false
}

// ConfirmSync records that a replica holds one of the bucket's current or
// historical roots and pays it sync_price from the sync balance. The replica
// signs SyncDigest over the matched root; anyone may relay the claim.
func (e *Engine) ConfirmSync(bucket uint64, provider common.Address, roots [SyncClaimSlots]*common.Hash, signature []byte) (*SyncResult, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	a, err := e.liveAgreement(bucket, provider)
	if err != nil {
		return nil, err
	}
	if a.Replica == nil {
		return nil, ErrNotReplica
	}
	now := e.now()
	if now >= a.ExpiresAt {
		return nil, ErrAgreementExpired
	}
	b, err := e.loadBucket(bucket)
	if err != nil {
		return nil, err
	}
	pos, matched, ok := matchSyncClaim(b, roots)
	if !ok {
		return nil, ErrNoRootMatch
	}
	if !crypto.VerifySigner(provider, SyncDigest(bucket, provider, matched.Root), signature) {
		return nil, ErrInvalidSignature
	}
	result := &SyncResult{Position: pos, Root: matched.Root, Paid: new(big.Int)}
	rep := a.Replica
	if rep.LastSync.Root == matched.Root {
		result.Reason = SyncReasonSameRoot
		return result, nil
	}
	if !rep.LastSync.Empty() && now < saturatingAdd(rep.LastSync.Time, rep.MinSyncInterval) {
		result.Reason = SyncReasonRateLimited
		return result, nil
	}
	rep.LastSync = LastSync{
		Root:      matched.Root,
		Time:      now,
		StartSeq:  matched.StartSeq,
		LeafCount: matched.LeafCount,
	}
	result.Accepted = true
	if rep.SyncBalance.Cmp(rep.SyncPrice) >= 0 && rep.SyncPrice.Sign() > 0 {
		if err := e.credit(provider, rep.SyncPrice); err != nil {
			return nil, err
		}
		rep.SyncBalance = new(big.Int).Sub(rep.SyncBalance, rep.SyncPrice)
		result.Paid = cloneBigInt(rep.SyncPrice)
	} else if rep.SyncPrice.Sign() > 0 {
		result.Reason = SyncReasonUnderfunded
	}
	if err := e.state.PutStorageAgreement(a); err != nil {
		return nil, err
	}
	e.emit(agreementEvent(EventTypeReplicaSynced, a, map[string]string{
		"root":     matched.Root.Hex(),
		"position": formatUint(uint64(pos)),
		"paid":     result.Paid.String(),
	}))
	return result, nil
}
