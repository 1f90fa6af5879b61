package storage

import (
	"math/bits"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"bucketchain/crypto"
)

type checkpointFixture struct {
	*fixture
	admin  common.Address
	bucket uint64
	keys   []*crypto.PrivateKey
}

// newCheckpointFixture creates a bucket with n primaries in slots 0..n-1.
func newCheckpointFixture(t *testing.T, n int, minProviders uint32) *checkpointFixture {
	f := newFixture(t)
	admin := common.Address{0xAD}
	f.fund(admin, 1_000_000)
	b, err := f.engine.CreateBucket(admin, minProviders)
	require.NoError(t, err)
	cf := &checkpointFixture{fixture: f, admin: admin, bucket: b.ID}
	for i := 0; i < n; i++ {
		key := newKey(t)
		f.primaryAgreement(admin, b.ID, f.registerProvider(key), 100, 1_000)
		cf.keys = append(cf.keys, key)
	}
	return cf
}

func (f *checkpointFixture) sigs(root common.Hash, start, count uint64, signers ...int) []ProviderSignature {
	out := make([]ProviderSignature, 0, len(signers))
	for _, i := range signers {
		out = append(out, checkpointSig(f.t, f.keys[i], f.bucket, root, start, count))
	}
	return out
}

func TestCheckpointQuorum(t *testing.T) {
	f := newCheckpointFixture(t, 3, 2)
	root := common.Hash{0x01}

	_, err := f.engine.Checkpoint(f.bucket, root, 0, 4, f.sigs(root, 0, 4, 0))
	require.ErrorIs(t, err, ErrQuorumNotMet)

	stranger := newKey(t)
	bad := f.sigs(root, 0, 4, 0)
	bad = append(bad, checkpointSig(t, stranger, f.bucket, root, 0, 4))
	bad = append(bad, ProviderSignature{Provider: f.keys[1].Address(), Signature: []byte{1, 2, 3}})
	bad = append(bad, f.sigs(root, 0, 4, 0)...)
	bad = append(bad, f.sigs(common.Hash{0x02}, 0, 4, 2)...)
	_, err = f.engine.Checkpoint(f.bucket, root, 0, 4, bad)
	require.ErrorIs(t, err, ErrQuorumNotMet)
	b, _ := f.engine.BucketInfo(f.bucket)
	require.Nil(t, b.Snapshot)

	good := append(bad, f.sigs(root, 0, 4, 2)...)
	snap, err := f.engine.Checkpoint(f.bucket, root, 0, 4, good)
	require.NoError(t, err)
	require.Equal(t, uint32(0b101), snap.PrimarySigners)
	require.Equal(t, root, snap.MMRRoot)

	b, _ = f.engine.BucketInfo(f.bucket)
	require.Equal(t, uint64(1), b.TotalSnapshots)
	require.True(t, b.IsCurrentSigner(f.keys[0].Address()))
	require.False(t, b.IsCurrentSigner(f.keys[1].Address()))
	require.Equal(t, 1, f.events.count(EventTypeCheckpointAccepted))
}

func TestCheckpointRangeMovesForwardOnly(t *testing.T) {
	f := newCheckpointFixture(t, 1, 1)
	r1, r2, r3 := common.Hash{0x01}, common.Hash{0x02}, common.Hash{0x03}

	_, err := f.engine.Checkpoint(f.bucket, r1, 10, 5, f.sigs(r1, 10, 5, 0))
	require.NoError(t, err)

	_, err = f.engine.Checkpoint(f.bucket, r2, 9, 20, f.sigs(r2, 9, 20, 0))
	require.ErrorIs(t, err, ErrStartSeqRegression)
	_, err = f.engine.Checkpoint(f.bucket, r2, 10, 4, f.sigs(r2, 10, 4, 0))
	require.ErrorIs(t, err, ErrStartSeqRegression)

	_, err = f.engine.Checkpoint(f.bucket, r2, 10, 8, f.sigs(r2, 10, 8, 0))
	require.NoError(t, err)
	// A restart from a fresh range raises start_seq.
	_, err = f.engine.Checkpoint(f.bucket, r3, 18, 0, f.sigs(r3, 18, 0, 0))
	require.NoError(t, err)

	b, _ := f.engine.BucketInfo(f.bucket)
	require.Equal(t, uint64(18), b.Snapshot.StartSeq)
	require.Equal(t, uint64(3), b.TotalSnapshots)
}

func TestFrozenBucketKeepsStartSeq(t *testing.T) {
	f := newCheckpointFixture(t, 1, 1)
	r1, r2 := common.Hash{0x01}, common.Hash{0x02}
	_, err := f.engine.Checkpoint(f.bucket, r1, 4, 2, f.sigs(r1, 4, 2, 0))
	require.NoError(t, err)
	require.NoError(t, f.engine.FreezeBucket(f.admin, f.bucket))

	_, err = f.engine.Checkpoint(f.bucket, r2, 6, 2, f.sigs(r2, 6, 2, 0))
	require.ErrorIs(t, err, ErrFrozenStartSeq)
	_, err = f.engine.Checkpoint(f.bucket, r2, 4, 9, f.sigs(r2, 4, 9, 0))
	require.NoError(t, err)
}

func TestExtendCheckpointOnlyAddsBits(t *testing.T) {
	f := newCheckpointFixture(t, 3, 1)
	root := common.Hash{0x0F}
	_, err := f.engine.ExtendCheckpoint(f.bucket, f.sigs(root, 0, 3, 1))
	require.ErrorIs(t, err, ErrNoSnapshot)

	_, err = f.engine.Checkpoint(f.bucket, root, 0, 3, f.sigs(root, 0, 3, 0))
	require.NoError(t, err)

	stale := f.sigs(common.Hash{0xEE}, 0, 3, 2)
	field, err := f.engine.ExtendCheckpoint(f.bucket, append(stale, f.sigs(root, 0, 3, 1)...))
	require.NoError(t, err)
	require.Equal(t, uint32(0b011), field)

	b, _ := f.engine.BucketInfo(f.bucket)
	require.Equal(t, root, b.Snapshot.MMRRoot)
	require.Equal(t, uint64(3), b.Snapshot.LeafCount)
	require.Equal(t, uint64(1), b.TotalSnapshots)
	require.Equal(t, 1, f.events.count(EventTypeCheckpointExtended))
}

func TestVacatedSlotClearsSignerBit(t *testing.T) {
	f := newCheckpointFixture(t, 2, 1)
	root := common.Hash{0x0A}
	_, err := f.engine.Checkpoint(f.bucket, root, 0, 1, f.sigs(root, 0, 1, 0, 1))
	require.NoError(t, err)

	f.advance(10)
	require.NoError(t, f.engine.End(f.admin, f.bucket, f.keys[0].Address(), EndPay))
	b, _ := f.engine.BucketInfo(f.bucket)
	require.Equal(t, uint32(0b10), b.Snapshot.PrimarySigners)
	require.Equal(t, common.Address{}, b.PrimaryProviders[0])

	// A newcomer takes slot 0 without inheriting the signature.
	newcomer := newKey(t)
	f.primaryAgreement(f.admin, f.bucket, f.registerProvider(newcomer), 10, 10)
	b, _ = f.engine.BucketInfo(f.bucket)
	require.Equal(t, newcomer.Address(), b.PrimaryProviders[0])
	require.False(t, b.IsCurrentSigner(newcomer.Address()))
	require.Equal(t, 1, bits.OnesCount32(b.Snapshot.PrimarySigners))

	// Signatures from the departed provider are ignored.
	gone := checkpointSig(t, f.keys[0], f.bucket, common.Hash{0x0B}, 0, 2)
	_, err = f.engine.Checkpoint(f.bucket, common.Hash{0x0B}, 0, 2, []ProviderSignature{gone})
	require.ErrorIs(t, err, ErrQuorumNotMet)
}

func TestPruneAllowedBoundary(t *testing.T) {
	f := newCheckpointFixture(t, 1, 1)
	ok, err := f.engine.PruneAllowed(f.bucket, 0, 1)
	require.NoError(t, err)
	require.False(t, ok)

	root := common.Hash{0x01}
	_, err = f.engine.Checkpoint(f.bucket, root, 10, 5, f.sigs(root, 10, 5, 0))
	require.NoError(t, err)

	cases := []struct {
		start, count uint64
		want         bool
	}{
		{10, 4, true},
		{10, 5, false},
		{12, 3, false},
		{0, 14, true},
		{0, 15, false},
		{20, 1, false},
	}
	for _, tc := range cases {
		ok, err := f.engine.PruneAllowed(f.bucket, tc.start, tc.count)
		require.NoError(t, err)
		require.Equal(t, tc.want, ok, "branch [%d,%d)", tc.start, tc.start+tc.count)
	}
}

func TestHistoricalRootsRollOnPrimeIntervals(t *testing.T) {
	f := newCheckpointFixture(t, 1, 1)
	checkpointAt := func(height uint64, root common.Hash, count uint64) {
		f.height = height
		_, err := f.engine.Checkpoint(f.bucket, root, 0, count, f.sigs(root, 0, count, 0))
		require.NoError(t, err)
	}
	r1, r2, r3 := common.Hash{0x01}, common.Hash{0x02}, common.Hash{0x03}
	checkpointAt(1, r1, 1)
	b, _ := f.engine.BucketInfo(f.bucket)
	for i := range HistoricalPrimes {
		require.Equal(t, r1, b.HistoricalRoots[i].Root)
	}

	// Height 4: only the prime-3 window rolled over.
	checkpointAt(4, r2, 2)
	b, _ = f.engine.BucketInfo(f.bucket)
	require.Equal(t, r2, b.HistoricalRoots[0].Root)
	require.Equal(t, uint64(1), b.HistoricalRoots[0].Quotient)
	for i := 1; i < len(HistoricalPrimes); i++ {
		require.Equal(t, r1, b.HistoricalRoots[i].Root, "slot %d", i)
	}

	// Height 8: primes 3 and 7 rolled over.
	checkpointAt(8, r3, 3)
	b, _ = f.engine.BucketInfo(f.bucket)
	require.Equal(t, r3, b.HistoricalRoots[0].Root)
	require.Equal(t, r3, b.HistoricalRoots[1].Root)
	require.Equal(t, uint64(3), b.HistoricalRoots[1].LeafCount)
	require.Equal(t, r1, b.HistoricalRoots[2].Root)
}
