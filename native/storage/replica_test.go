package storage

import (
	"math"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"bucketchain/crypto"
)

type replicaFixture struct {
	*checkpointFixture
	replica *crypto.PrivateKey
	data    *dataset
}

// newReplicaFixture adds a replica with a 10-block sync interval and commits
// a 10-leaf snapshot at height 1.
func newReplicaFixture(t *testing.T) *replicaFixture {
	cf := newCheckpointFixture(t, 1, 1)
	key := newKey(t)
	addr := cf.registerProvider(key)
	_, err := cf.engine.RequestAgreement(cf.admin, RequestParams{
		Bucket:     cf.bucket,
		Provider:   addr,
		MaxBytes:   100,
		Duration:   1_000,
		MaxPayment: big.NewInt(101_010),
		Replica:    &ReplicaParams{MinSyncInterval: 10},
	})
	require.NoError(t, err)
	_, err = cf.engine.AcceptRequest(addr, cf.bucket)
	require.NoError(t, err)

	ds := buildDataset(t, 10)
	root := ds.root(t)
	cf.advance(1)
	_, err = cf.engine.Checkpoint(cf.bucket, root, 0, 10, cf.sigs(root, 0, 10, 0))
	require.NoError(t, err)
	return &replicaFixture{checkpointFixture: cf, replica: key, data: ds}
}

func (f *replicaFixture) confirm(roots [SyncClaimSlots]*common.Hash, signed common.Hash) (*SyncResult, error) {
	sig := sign(f.t, f.replica, SyncDigest(f.bucket, f.replica.Address(), signed))
	return f.engine.ConfirmSync(f.bucket, f.replica.Address(), roots, sig)
}

func current(root common.Hash) [SyncClaimSlots]*common.Hash {
	var roots [SyncClaimSlots]*common.Hash
	roots[0] = &root
	return roots
}

func TestReplicaSyncBalanceSizing(t *testing.T) {
	f := newReplicaFixture(t)
	a, err := f.engine.Agreement(f.bucket, f.replica.Address())
	require.NoError(t, err)
	require.Equal(t, KindReplica, a.Kind)
	require.Equal(t, int64(1_010), a.Replica.SyncBalance.Int64())
	require.Equal(t, int64(10), a.Replica.SyncPrice.Int64())
	require.True(t, a.Replica.LastSync.Empty())
	f.requireConserved()
}

func TestConfirmSyncIsIdempotent(t *testing.T) {
	f := newReplicaFixture(t)
	root := f.data.root(t)
	before := f.balance(f.replica.Address()).Int64()

	res, err := f.confirm(current(root), root)
	require.NoError(t, err)
	require.True(t, res.Accepted)
	require.Zero(t, res.Position)
	require.Equal(t, int64(10), res.Paid.Int64())
	require.Equal(t, before+10, f.balance(f.replica.Address()).Int64())

	f.advance(50)
	res, err = f.confirm(current(root), root)
	require.NoError(t, err)
	require.False(t, res.Accepted)
	require.Equal(t, SyncReasonSameRoot, res.Reason)
	require.Zero(t, res.Paid.Sign())
	require.Equal(t, before+10, f.balance(f.replica.Address()).Int64())

	a, _ := f.engine.Agreement(f.bucket, f.replica.Address())
	require.Equal(t, int64(1_000), a.Replica.SyncBalance.Int64())
	require.Equal(t, uint64(1), a.Replica.LastSync.Time)
	require.Equal(t, 1, f.events.count(EventTypeReplicaSynced))
	f.requireConserved()
}

func TestConfirmSyncRateLimited(t *testing.T) {
	f := newReplicaFixture(t)
	root := f.data.root(t)
	_, err := f.confirm(current(root), root)
	require.NoError(t, err)

	next := common.Hash{0x22}
	f.advance(4)
	_, err = f.engine.Checkpoint(f.bucket, next, 0, 11, f.sigs(next, 0, 11, 0))
	require.NoError(t, err)

	res, err := f.confirm(current(next), next)
	require.NoError(t, err)
	require.False(t, res.Accepted)
	require.Equal(t, SyncReasonRateLimited, res.Reason)

	f.advance(6)
	res, err = f.confirm(current(next), next)
	require.NoError(t, err)
	require.True(t, res.Accepted)
	a, _ := f.engine.Agreement(f.bucket, f.replica.Address())
	require.Equal(t, next, a.Replica.LastSync.Root)
	require.Equal(t, uint64(11), a.Replica.LastSync.LeafCount)
}

func TestConfirmSyncIntervalSaturates(t *testing.T) {
	f := newReplicaFixture(t)
	a, _, err := f.state.StorageAgreement(f.bucket, f.replica.Address())
	require.NoError(t, err)
	a.Replica.MinSyncInterval = math.MaxUint64
	require.NoError(t, f.state.PutStorageAgreement(a))

	root := f.data.root(t)
	res, err := f.confirm(current(root), root)
	require.NoError(t, err)
	require.True(t, res.Accepted)

	for i, next := range []common.Hash{{0x44}, {0x45}} {
		_, err = f.engine.Checkpoint(f.bucket, next, 0, uint64(11+i), f.sigs(next, 0, uint64(11+i), 0))
		require.NoError(t, err)
		res, err = f.confirm(current(next), next)
		require.NoError(t, err)
		require.False(t, res.Accepted)
		require.Equal(t, SyncReasonRateLimited, res.Reason)
	}
}

func TestConfirmSyncMatchesHistoricalRoot(t *testing.T) {
	f := newReplicaFixture(t)
	old := f.data.root(t)
	next := common.Hash{0x33}
	// Height 4 rolls the prime-3 slot; the prime-7 slot still holds the old root.
	f.advance(3)
	_, err := f.engine.Checkpoint(f.bucket, next, 0, 12, f.sigs(next, 0, 12, 0))
	require.NoError(t, err)

	wrong := common.Hash{0xEE}
	var roots [SyncClaimSlots]*common.Hash
	roots[0] = &wrong
	roots[1] = &old
	roots[2] = &old
	res, err := f.confirm(roots, old)
	require.NoError(t, err)
	require.True(t, res.Accepted)
	require.Equal(t, 2, res.Position)
	require.Equal(t, old, res.Root)

	a, _ := f.engine.Agreement(f.bucket, f.replica.Address())
	require.Equal(t, uint64(10), a.Replica.LastSync.LeafCount)
}

func TestConfirmSyncRejections(t *testing.T) {
	f := newReplicaFixture(t)
	root := f.data.root(t)

	_, err := f.confirm(current(common.Hash{0x01}), common.Hash{0x01})
	require.ErrorIs(t, err, ErrNoRootMatch)

	var empty [SyncClaimSlots]*common.Hash
	_, err = f.confirm(empty, root)
	require.ErrorIs(t, err, ErrNoRootMatch)

	other := newKey(t)
	badSig := sign(t, other, SyncDigest(f.bucket, f.replica.Address(), root))
	_, err = f.engine.ConfirmSync(f.bucket, f.replica.Address(), current(root), badSig)
	require.ErrorIs(t, err, ErrInvalidSignature)

	primary := f.keys[0]
	sig := sign(t, primary, SyncDigest(f.bucket, primary.Address(), root))
	_, err = f.engine.ConfirmSync(f.bucket, primary.Address(), current(root), sig)
	require.ErrorIs(t, err, ErrNotReplica)

	f.advance(1_000)
	_, err = f.confirm(current(root), root)
	require.ErrorIs(t, err, ErrAgreementExpired)
}

func TestConfirmSyncUnderfunded(t *testing.T) {
	f := newReplicaFixture(t)
	a, ok, err := f.state.StorageAgreement(f.bucket, f.replica.Address())
	require.NoError(t, err)
	require.True(t, ok)
	a.Replica.SyncBalance = big.NewInt(4)
	require.NoError(t, f.state.PutStorageAgreement(a))

	root := f.data.root(t)
	before := f.balance(f.replica.Address()).Int64()
	res, err := f.confirm(current(root), root)
	require.NoError(t, err)
	require.True(t, res.Accepted)
	require.Equal(t, SyncReasonUnderfunded, res.Reason)
	require.Zero(t, res.Paid.Sign())
	require.Equal(t, before, f.balance(f.replica.Address()).Int64())

	require.NoError(t, f.engine.TopUpSyncBalance(f.admin, f.bucket, f.replica.Address(), big.NewInt(6)))
	a, _ = f.engine.Agreement(f.bucket, f.replica.Address())
	require.Equal(t, int64(10), a.Replica.SyncBalance.Int64())
	require.Equal(t, root, a.Replica.LastSync.Root)

	require.ErrorIs(t, f.engine.TopUpSyncBalance(f.admin, f.bucket, f.keys[0].Address(), big.NewInt(6)), ErrNotReplica)
	require.ErrorIs(t, f.engine.TopUpSyncBalance(f.admin, f.bucket, f.replica.Address(), big.NewInt(0)), ErrInvalidAmount)
}

func TestReplicaSyncChallenge(t *testing.T) {
	f := newReplicaFixture(t)
	challenger := common.Address{0xCE}
	f.fund(challenger, 1_000)
	params := ChallengeParams{Bucket: f.bucket, Provider: f.replica.Address(), Kind: ChallengeReplicaSync, LeafIndex: 3, ChunkIndex: 2}

	_, err := f.engine.CreateChallenge(challenger, params)
	require.ErrorIs(t, err, ErrNoSync)

	root := f.data.root(t)
	_, err = f.confirm(current(root), root)
	require.NoError(t, err)

	c, err := f.engine.CreateChallenge(challenger, params)
	require.NoError(t, err)
	require.Equal(t, root, c.MMRRoot)
	require.Equal(t, uint64(10), c.LeafCount)
	require.NoError(t, f.engine.Respond(c.ID, Response{Kind: ResponseProof, Proof: f.data.proof(t, 3, 2)}))
	f.requireConserved()
}

func TestReplicaRequestSizing(t *testing.T) {
	got, err := ReplicaSyncBalance(big.NewInt(7), 95, 10)
	require.NoError(t, err)
	require.Equal(t, int64(70), got.Int64())
	_, err = ReplicaSyncBalance(big.NewInt(7), 95, 0)
	require.ErrorIs(t, err, ErrInvalidArgument)
}
