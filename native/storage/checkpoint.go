package storage

import (
	"fmt"
	"math/bits"

	"github.com/ethereum/go-ethereum/common"

	"bucketchain/crypto"
)

// ProviderSignature is a primary's signature over a CheckpointDigest.
type ProviderSignature struct {
	Provider  common.Address
	Signature []byte
}

// signerBits returns the bitfield of primary slots with a valid signature over
// digest. Entries from non-primaries, repeated slots and bad signatures are
// skipped.
func signerBits(b *Bucket, digest common.Hash, sigs []ProviderSignature) uint32 {
	var field uint32
	for _, sig := range sigs {
		slot, ok := b.PrimarySlot(sig.Provider)
		if !ok || slot >= MaxPrimaryCapacity {
			continue
		}
		bit := uint32(1) << uint(slot)
		if field&bit != 0 {
			continue
		}
		if !crypto.VerifySigner(sig.Provider, digest, sig.Signature) {
			continue
		}
		field |= bit
	}
	return field
}

// Checkpoint replaces the bucket's snapshot once at least min_providers
// current primaries have signed it. The canonical range may only move
// forward: start_seq never decreases, the range end never shrinks, and a
// frozen bucket keeps its start_seq.
func (e *Engine) Checkpoint(bucket uint64, root common.Hash, startSeq, leafCount uint64, sigs []ProviderSignature) (*Snapshot, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	b, err := e.loadBucket(bucket)
	if err != nil {
		return nil, err
	}
	end, err := checkedAdd(startSeq, leafCount)
	if err != nil {
		return nil, err
	}
	if b.Frozen && startSeq != b.FrozenStartSeq {
		return nil, fmt.Errorf("%w: have %d, frozen at %d", ErrFrozenStartSeq, startSeq, b.FrozenStartSeq)
	}
	if prev := b.Snapshot; prev != nil {
		if startSeq < prev.StartSeq || end < prev.End() {
			return nil, fmt.Errorf("%w: [%d,%d) after [%d,%d)", ErrStartSeqRegression, startSeq, end, prev.StartSeq, prev.End())
		}
	}
	field := signerBits(b, CheckpointDigest(bucket, root, startSeq, leafCount), sigs)
	if count := bits.OnesCount32(field); uint32(count) < b.MinProviders {
		return nil, fmt.Errorf("%w: %d of %d", ErrQuorumNotMet, count, b.MinProviders)
	}
	now := e.now()
	b.Snapshot = &Snapshot{
		MMRRoot:        root,
		StartSeq:       startSeq,
		LeafCount:      leafCount,
		Time:           now,
		PrimarySigners: field,
	}
	b.TotalSnapshots++
	rollHistoricalRoots(b, now)
	if err := e.state.PutStorageBucket(b); err != nil {
		return nil, err
	}
	e.emit(checkpointEvent(EventTypeCheckpointAccepted, b))
	snap := *b.Snapshot
	return &snap, nil
}

// ExtendCheckpoint adds signer bits to the current snapshot. It never changes
// the committed root or range.
func (e *Engine) ExtendCheckpoint(bucket uint64, sigs []ProviderSignature) (uint32, error) {
	if err := e.ready(); err != nil {
		return 0, err
	}
	b, err := e.loadBucket(bucket)
	if err != nil {
		return 0, err
	}
	snap := b.Snapshot
	if snap == nil {
		return 0, ErrNoSnapshot
	}
	field := signerBits(b, CheckpointDigest(bucket, snap.MMRRoot, snap.StartSeq, snap.LeafCount), sigs)
	added := field &^ snap.PrimarySigners
	if added == 0 {
		return snap.PrimarySigners, nil
	}
	snap.PrimarySigners |= field
	if err := e.state.PutStorageBucket(b); err != nil {
		return 0, err
	}
	e.emit(checkpointEvent(EventTypeCheckpointExtended, b))
	return snap.PrimarySigners, nil
}

// rollHistoricalRoots refreshes each historical slot whose prime interval has
// rolled over since it was written, copying the current snapshot into it.
func rollHistoricalRoots(b *Bucket, now uint64) {
	if len(b.HistoricalRoots) != len(HistoricalPrimes) {
		resized := make([]HistoricalRoot, len(HistoricalPrimes))
		copy(resized, b.HistoricalRoots)
		b.HistoricalRoots = resized
	}
	snap := b.Snapshot
	for i, prime := range HistoricalPrimes {
		q := now / prime
		slot := &b.HistoricalRoots[i]
		if slot.Empty() || slot.Quotient != q {
			*slot = HistoricalRoot{
				Quotient:  q,
				Root:      snap.MMRRoot,
				StartSeq:  snap.StartSeq,
				LeafCount: snap.LeafCount,
			}
		}
	}
}

// PruneAllowed reports whether a provider may discard the branch
// [start, start+count): only once the canonical range reaches strictly past
// its end.
func (e *Engine) PruneAllowed(bucket uint64, start, count uint64) (bool, error) {
	if err := e.ready(); err != nil {
		return false, err
	}
	b, err := e.loadBucket(bucket)
	if err != nil {
		return false, err
	}
	return pruneAllowed(b, start, count), nil
}

func pruneAllowed(b *Bucket, start, count uint64) bool {
	if b.Snapshot == nil {
		return false
	}
	end := start + count
	if end < start {
		return false
	}
	return b.Snapshot.End() > end
}
