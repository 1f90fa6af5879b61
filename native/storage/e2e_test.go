package storage

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestBucketLifecycle(t *testing.T) {
	f := newFixture(t)
	providerKey := newKey(t)
	provider := f.registerProvider(providerKey)
	alice := common.Address{0xA1}
	bob := common.Address{0xB0}
	f.fundBig(alice, new(big.Int).Exp(big.NewInt(10), big.NewInt(13), nil))
	f.fund(bob, 1_000)

	b, err := f.engine.CreateBucket(alice, 1)
	require.NoError(t, err)

	const gigabyte = 1_000_000_000
	req, err := f.engine.RequestAgreement(alice, RequestParams{
		Bucket:     b.ID,
		Provider:   provider,
		MaxBytes:   gigabyte,
		Duration:   1_000,
		MaxPayment: new(big.Int).Exp(big.NewInt(10), big.NewInt(12), nil),
	})
	require.NoError(t, err)
	payment := new(big.Int).Exp(big.NewInt(10), big.NewInt(12), nil)
	require.Zero(t, payment.Cmp(req.PaymentLocked))

	a, err := f.engine.AcceptRequest(provider, b.ID)
	require.NoError(t, err)
	require.Equal(t, uint64(1_000), a.ExpiresAt)

	ds := buildDataset(t, 10)
	root := ds.root(t)
	f.advance(1)
	snap, err := f.engine.Checkpoint(b.ID, root, 0, 10, []ProviderSignature{checkpointSig(t, providerKey, b.ID, root, 0, 10)})
	require.NoError(t, err)
	require.Equal(t, uint32(1), snap.PrimarySigners)

	c, err := f.engine.CreateChallenge(bob, ChallengeParams{Bucket: b.ID, Provider: provider, Kind: ChallengeSnapshot, LeafIndex: 5})
	require.NoError(t, err)

	tampered := ds.proof(t, 5, 0)
	tampered.Chunk[3] ^= 0xFF
	require.ErrorIs(t, f.engine.Respond(c.ID, Response{Kind: ResponseProof, Proof: tampered}), ErrInvalidProof)

	f.advance(3)
	bobBefore := f.balance(bob).Int64()
	providerBefore := new(big.Int).Set(f.balance(provider))
	require.NoError(t, f.engine.Respond(c.ID, Response{Kind: ResponseProof, Proof: ds.proof(t, 5, 0)}))
	require.Equal(t, bobBefore+80, f.balance(bob).Int64())
	require.Equal(t, new(big.Int).Add(providerBefore, big.NewInt(20)), f.balance(provider))

	f.height = a.ExpiresAt
	require.ErrorIs(t, f.engine.End(bob, b.ID, provider, EndPay), ErrUnauthorized)
	providerBefore = new(big.Int).Set(f.balance(provider))
	require.NoError(t, f.engine.End(alice, b.ID, provider, EndPay))
	require.Equal(t, new(big.Int).Add(providerBefore, payment), f.balance(provider))

	p, err := f.engine.ProviderInfo(provider)
	require.NoError(t, err)
	require.Equal(t, uint64(1), p.Stats.AgreementsTotal)
	require.Equal(t, uint64(1), p.Stats.AgreementsNotExtended)
	require.Equal(t, uint64(1), p.Stats.ChallengesReceived)
	require.Zero(t, p.Stats.ChallengesFailed)
	require.Zero(t, p.CommittedBytes)

	bucket, err := f.engine.BucketInfo(b.ID)
	require.NoError(t, err)
	require.Empty(t, bucket.PrimaryProviders[0])
	require.Zero(t, bucket.Snapshot.PrimarySigners)
	f.requireConserved()
}
