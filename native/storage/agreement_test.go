package storage

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

type agreementFixture struct {
	*fixture
	admin    common.Address
	provider common.Address
	bucket   uint64
}

func newAgreementFixture(t *testing.T) *agreementFixture {
	f := newFixture(t)
	provider := f.registerProvider(newKey(t))
	admin := common.Address{0xAD}
	f.fund(admin, 1_000_000)
	b, err := f.engine.CreateBucket(admin, 1)
	require.NoError(t, err)
	return &agreementFixture{fixture: f, admin: admin, provider: provider, bucket: b.ID}
}

func (f *agreementFixture) request(caller common.Address, maxBytes, duration uint64, maxPayment int64, replica *ReplicaParams) (*Request, error) {
	return f.engine.RequestAgreement(caller, RequestParams{
		Bucket:     f.bucket,
		Provider:   f.provider,
		MaxBytes:   maxBytes,
		Duration:   duration,
		MaxPayment: big.NewInt(maxPayment),
		Replica:    replica,
	})
}

func TestRequestValidation(t *testing.T) {
	f := newAgreementFixture(t)

	_, err := f.request(f.admin, 100, 10, 999, nil)
	require.ErrorIs(t, err, ErrPaymentExceedsMax)

	_, err = f.request(common.Address{0x55}, 100, 10, 1_000, nil)
	require.ErrorIs(t, err, ErrUnauthorized)

	_, err = f.request(f.admin, 100, 200_000, 1_000_000_000, nil)
	require.ErrorIs(t, err, ErrDurationOutOfBounds)

	_, err = f.request(f.admin, 0, 10, 1_000, nil)
	require.ErrorIs(t, err, ErrInvalidArgument)

	settings := defaultSettings()
	settings.AcceptingPrimary = false
	require.NoError(t, f.engine.UpdateSettings(f.provider, settings))
	_, err = f.request(f.admin, 100, 10, 1_000, nil)
	require.ErrorIs(t, err, ErrNotAccepting)

	settings.AcceptingPrimary = true
	settings.Capacity = 50
	require.NoError(t, f.engine.UpdateSettings(f.provider, settings))
	_, err = f.request(f.admin, 100, 10, 1_000, nil)
	require.ErrorIs(t, err, ErrQuotaExceeded)

	poor := common.Address{0x56}
	require.NoError(t, f.engine.SetMember(f.admin, f.bucket, poor, RoleAdmin))
	_, err = f.request(poor, 10, 10, 1_000, nil)
	require.ErrorIs(t, err, ErrInsufficientBalance)

	req, err := f.request(f.admin, 10, 10, 1_000, nil)
	require.NoError(t, err)
	require.Equal(t, int64(100), req.PaymentLocked.Int64())
	require.Equal(t, uint64(100), req.ExpiresAt)
	_, err = f.request(f.admin, 10, 10, 1_000, nil)
	require.ErrorIs(t, err, ErrRequestExists)
	f.requireConserved()
}

func TestAcceptCreatesPrimaryAgreement(t *testing.T) {
	f := newAgreementFixture(t)
	_, err := f.request(f.admin, 100, 50, 5_000, nil)
	require.NoError(t, err)
	f.advance(3)

	_, err = f.engine.AcceptRequest(common.Address{0x77}, f.bucket)
	require.ErrorIs(t, err, ErrRequestNotFound)

	a, err := f.engine.AcceptRequest(f.provider, f.bucket)
	require.NoError(t, err)
	require.Equal(t, f.admin, a.Owner)
	require.Equal(t, uint64(3), a.StartedAt)
	require.Equal(t, uint64(53), a.ExpiresAt)
	require.Equal(t, int64(5_000), a.PaymentLocked.Int64())

	p, _ := f.engine.ProviderInfo(f.provider)
	require.Equal(t, uint64(100), p.CommittedBytes)
	b, _ := f.engine.BucketInfo(f.bucket)
	slot, ok := b.PrimarySlot(f.provider)
	require.True(t, ok)
	require.Equal(t, 0, slot)

	pending, err := f.engine.PendingRequests(common.Address{})
	require.NoError(t, err)
	require.Empty(t, pending)
	_, err = f.request(f.admin, 1, 10, 1_000, nil)
	require.ErrorIs(t, err, ErrAgreementExists)
	f.requireConserved()
}

func TestAcceptFailsWhenPrimarySlotsFull(t *testing.T) {
	f := newAgreementFixture(t)
	params := f.engine.Params()
	params.MaxPrimaryProviders = 1
	f.engine.SetParams(params)
	b, err := f.engine.CreateBucket(f.admin, 1)
	require.NoError(t, err)
	f.bucket = b.ID
	f.primaryAgreement(f.admin, b.ID, f.provider, 10, 10)

	other := f.registerProvider(newKey(t))
	_, err = f.engine.RequestAgreement(f.admin, RequestParams{Bucket: b.ID, Provider: other, MaxBytes: 10, Duration: 10, MaxPayment: big.NewInt(100)})
	require.NoError(t, err)
	_, err = f.engine.AcceptRequest(other, b.ID)
	require.ErrorIs(t, err, ErrPrimaryCapacity)
}

func TestRejectWithdrawAndExpireRefund(t *testing.T) {
	f := newAgreementFixture(t)
	start := f.balance(f.admin).Int64()

	_, err := f.request(f.admin, 10, 10, 100, nil)
	require.NoError(t, err)
	require.Equal(t, start-100, f.balance(f.admin).Int64())
	require.NoError(t, f.engine.RejectRequest(f.provider, f.bucket))
	require.Equal(t, start, f.balance(f.admin).Int64())

	_, err = f.request(f.admin, 10, 10, 100, nil)
	require.NoError(t, err)
	require.ErrorIs(t, f.engine.WithdrawRequest(common.Address{0x01}, f.bucket, f.provider), ErrUnauthorized)
	require.NoError(t, f.engine.WithdrawRequest(f.admin, f.bucket, f.provider))
	require.Equal(t, start, f.balance(f.admin).Int64())

	_, err = f.request(f.admin, 10, 10, 100, nil)
	require.NoError(t, err)
	require.ErrorIs(t, f.engine.ExpireRequest(f.bucket, f.provider), ErrRequestNotExpired)
	f.advance(101)
	_, err = f.engine.AcceptRequest(f.provider, f.bucket)
	require.ErrorIs(t, err, ErrRequestExpired)
	require.NoError(t, f.engine.ExpireRequest(f.bucket, f.provider))
	require.Equal(t, start, f.balance(f.admin).Int64())
	require.Equal(t, 1, f.events.count(EventTypeRequestExpired))
	f.requireConserved()
}

func TestEndBlockExpiresLapsedRequests(t *testing.T) {
	f := newAgreementFixture(t)
	start := f.balance(f.admin).Int64()
	_, err := f.request(f.admin, 10, 10, 100, nil)
	require.NoError(t, err)

	f.advance(100)
	require.NoError(t, f.engine.EndBlock())
	pending, _ := f.engine.PendingRequests(f.provider)
	require.Len(t, pending, 1)

	f.advance(1)
	require.NoError(t, f.engine.EndBlock())
	pending, _ = f.engine.PendingRequests(f.provider)
	require.Empty(t, pending)
	require.Equal(t, start, f.balance(f.admin).Int64())
}

func TestPendingRequestsOrderedByPriorityTier(t *testing.T) {
	f := newAgreementFixture(t)
	b2, err := f.engine.CreateBucket(f.admin, 1)
	require.NoError(t, err)
	replicaClient := common.Address{0xCC}
	f.fund(replicaClient, 100_000)

	_, err = f.request(f.admin, 10, 10, 100, nil)
	require.NoError(t, err)
	f.advance(1)
	_, err = f.engine.RequestAgreement(replicaClient, RequestParams{
		Bucket: b2.ID, Provider: f.provider, MaxBytes: 10, Duration: 10,
		MaxPayment: big.NewInt(10_000), Replica: &ReplicaParams{MinSyncInterval: 5},
	})
	require.NoError(t, err)

	pending, err := f.engine.PendingRequests(f.provider)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, f.admin, pending[0].Requester)

	f.engine.SetIdentity(fakeIdentity{tiers: map[common.Address]uint8{replicaClient: 2}})
	pending, err = f.engine.PendingRequests(f.provider)
	require.NoError(t, err)
	require.Equal(t, replicaClient, pending[0].Requester)
}

func TestReplicaRequestSizesSyncBalance(t *testing.T) {
	f := newAgreementFixture(t)
	client := common.Address{0xC1}
	f.fund(client, 100_000)

	// 10 bytes * 100 blocks + sync price 10 * (100/20 + 1).
	_, err := f.engine.RequestAgreement(client, RequestParams{
		Bucket: f.bucket, Provider: f.provider, MaxBytes: 10, Duration: 100,
		MaxPayment: big.NewInt(1_059), Replica: &ReplicaParams{MinSyncInterval: 20},
	})
	require.ErrorIs(t, err, ErrPaymentExceedsMax)

	req, err := f.engine.RequestAgreement(client, RequestParams{
		Bucket: f.bucket, Provider: f.provider, MaxBytes: 10, Duration: 100,
		MaxPayment: big.NewInt(1_060), Replica: &ReplicaParams{MinSyncInterval: 20},
	})
	require.NoError(t, err)
	require.Equal(t, KindReplica, req.Kind)
	require.Equal(t, int64(60), req.SyncBalance.Int64())
	require.Equal(t, int64(100_000-1_060), f.balance(client).Int64())

	a, err := f.engine.AcceptRequest(f.provider, f.bucket)
	require.NoError(t, err)
	require.NotNil(t, a.Replica)
	require.Equal(t, uint64(20), a.Replica.MinSyncInterval)
	b, _ := f.engine.BucketInfo(f.bucket)
	_, isPrimary := b.PrimarySlot(f.provider)
	require.False(t, isPrimary)

	_, err = f.engine.RequestAgreement(client, RequestParams{
		Bucket: f.bucket, Provider: f.provider, MaxBytes: 1, Duration: 10,
		MaxPayment: big.NewInt(1_000), Replica: &ReplicaParams{},
	})
	require.Error(t, err)
	f.requireConserved()
}

func TestTopUpChargesRemainingDuration(t *testing.T) {
	f := newAgreementFixture(t)
	f.primaryAgreement(f.admin, f.bucket, f.provider, 10, 100)
	f.advance(40)

	require.ErrorIs(t, f.engine.TopUp(common.Address{0x09}, f.bucket, f.provider, 5, big.NewInt(1_000)), ErrUnauthorized)
	require.ErrorIs(t, f.engine.TopUp(f.admin, f.bucket, f.provider, 5, big.NewInt(299)), ErrPaymentExceedsMax)
	require.NoError(t, f.engine.TopUp(f.admin, f.bucket, f.provider, 5, big.NewInt(300)))

	a, _ := f.engine.Agreement(f.bucket, f.provider)
	require.Equal(t, uint64(15), a.MaxBytes)
	require.Equal(t, int64(1_300), a.PaymentLocked.Int64())
	p, _ := f.engine.ProviderInfo(f.provider)
	require.Equal(t, uint64(15), p.CommittedBytes)
	f.requireConserved()
}

func TestExtendSettlesElapsedAndReprices(t *testing.T) {
	f := newAgreementFixture(t)
	f.primaryAgreement(f.admin, f.bucket, f.provider, 10, 100)
	providerBefore := f.balance(f.provider).Int64()
	f.advance(25)

	stranger := common.Address{0x5E}
	f.fund(stranger, 10_000)
	require.NoError(t, f.engine.Extend(stranger, f.bucket, f.provider, 50, big.NewInt(500)))

	a, _ := f.engine.Agreement(f.bucket, f.provider)
	require.Equal(t, uint64(150), a.ExpiresAt)
	require.Equal(t, uint64(25), a.PeriodStart)
	require.Equal(t, uint64(1), a.Extensions)
	// 250 settled of 1000; 750 remaining plus 500 for the extension.
	require.Equal(t, int64(1_250), a.PaymentLocked.Int64())
	require.Equal(t, providerBefore+250, f.balance(f.provider).Int64())
	p, _ := f.engine.ProviderInfo(f.provider)
	require.Equal(t, uint64(1), p.Stats.AgreementsExtended)

	settings := defaultSettings()
	settings.PricePerByte = big.NewInt(2)
	require.NoError(t, f.engine.UpdateSettings(f.provider, settings))
	require.ErrorIs(t, f.engine.Extend(stranger, f.bucket, f.provider, 10, big.NewInt(1_000)), ErrUnauthorized)
	require.NoError(t, f.engine.Extend(f.admin, f.bucket, f.provider, 10, big.NewInt(200)))
	a, _ = f.engine.Agreement(f.bucket, f.provider)
	require.Equal(t, int64(2), a.PricePerByte.Int64())
	f.requireConserved()
}

func TestExtendBlocked(t *testing.T) {
	f := newAgreementFixture(t)
	f.primaryAgreement(f.admin, f.bucket, f.provider, 10, 100)

	require.NoError(t, f.engine.SetExtensionsBlocked(f.admin, f.bucket, f.provider, true))
	require.ErrorIs(t, f.engine.Extend(f.admin, f.bucket, f.provider, 10, big.NewInt(1_000)), ErrExtensionsBlocked)
	require.NoError(t, f.engine.SetExtensionsBlocked(f.admin, f.bucket, f.provider, false))

	params := f.engine.Params()
	params.ExtensionsBlocked = true
	f.engine.SetParams(params)
	require.ErrorIs(t, f.engine.Extend(f.admin, f.bucket, f.provider, 10, big.NewInt(1_000)), ErrExtensionsBlocked)
	params.ExtensionsBlocked = false
	f.engine.SetParams(params)

	require.ErrorIs(t, f.engine.Extend(f.admin, f.bucket, f.provider, 200_000, big.NewInt(1_000_000_000)), ErrDurationOutOfBounds)
	f.advance(100)
	require.ErrorIs(t, f.engine.Extend(f.admin, f.bucket, f.provider, 10, big.NewInt(1_000)), ErrAgreementExpired)
}

func TestTransferMovesOwnership(t *testing.T) {
	f := newAgreementFixture(t)
	f.primaryAgreement(f.admin, f.bucket, f.provider, 10, 10)
	heir := common.Address{0x4E}
	require.ErrorIs(t, f.engine.Transfer(heir, f.bucket, f.provider, heir), ErrUnauthorized)
	require.NoError(t, f.engine.Transfer(f.admin, f.bucket, f.provider, heir))

	f.advance(10)
	require.ErrorIs(t, f.engine.End(f.admin, f.bucket, f.provider, EndPay), ErrUnauthorized)
	require.NoError(t, f.engine.End(heir, f.bucket, f.provider, EndPay))
}

func TestEndBurnTakesPremium(t *testing.T) {
	f := newAgreementFixture(t)
	f.primaryAgreement(f.admin, f.bucket, f.provider, 10, 100)
	f.advance(100)
	adminBefore := f.balance(f.admin).Int64()
	providerBefore := f.balance(f.provider).Int64()

	require.NoError(t, f.engine.End(f.admin, f.bucket, f.provider, EndBurn))
	require.Equal(t, adminBefore-100, f.balance(f.admin).Int64())
	require.Equal(t, providerBefore, f.balance(f.provider).Int64())
	require.Equal(t, int64(1_100), f.state.burned.Int64())

	p, _ := f.engine.ProviderInfo(f.provider)
	require.Equal(t, uint64(1), p.Stats.AgreementsTotal)
	require.Equal(t, uint64(1), p.Stats.AgreementsBurned)
	require.Zero(t, p.Stats.AgreementsNotExtended)
	require.Zero(t, p.CommittedBytes)
	b, _ := f.engine.BucketInfo(f.bucket)
	_, ok := b.PrimarySlot(f.provider)
	require.False(t, ok)
	f.requireConserved()
}

func TestEarlyTerminationIsAdminOnlyAndPrimaryOnly(t *testing.T) {
	f := newAgreementFixture(t)
	f.primaryAgreement(f.admin, f.bucket, f.provider, 10, 100)
	writer := common.Address{0x3E}
	require.NoError(t, f.engine.SetMember(f.admin, f.bucket, writer, RoleWriter))
	f.advance(10)

	require.ErrorIs(t, f.engine.End(writer, f.bucket, f.provider, EndPay), ErrUnauthorized)
	providerBefore := f.balance(f.provider).Int64()
	require.NoError(t, f.engine.End(f.admin, f.bucket, f.provider, EndPay))
	require.Equal(t, providerBefore+1_000, f.balance(f.provider).Int64())

	client := common.Address{0xC2}
	f.fund(client, 100_000)
	_, err := f.engine.RequestAgreement(client, RequestParams{
		Bucket: f.bucket, Provider: f.provider, MaxBytes: 10, Duration: 100,
		MaxPayment: big.NewInt(10_000), Replica: &ReplicaParams{MinSyncInterval: 10},
	})
	require.NoError(t, err)
	_, err = f.engine.AcceptRequest(f.provider, f.bucket)
	require.NoError(t, err)
	require.ErrorIs(t, f.engine.End(f.admin, f.bucket, f.provider, EndPay), ErrNotExpired)
	f.requireConserved()
}

func TestSettlementWindowAndClaimExpired(t *testing.T) {
	f := newAgreementFixture(t)
	f.primaryAgreement(f.admin, f.bucket, f.provider, 10, 10)

	f.advance(10 + 100)
	require.ErrorIs(t, f.engine.ClaimExpired(f.provider, f.bucket), ErrSettlementOpen)
	f.advance(1)
	require.ErrorIs(t, f.engine.End(f.admin, f.bucket, f.provider, EndPay), ErrSettlementClosed)

	before := f.balance(f.provider).Int64()
	require.NoError(t, f.engine.ClaimExpired(f.provider, f.bucket))
	require.Equal(t, before+100, f.balance(f.provider).Int64())
	p, _ := f.engine.ProviderInfo(f.provider)
	require.Equal(t, uint64(1), p.Stats.AgreementsTotal)
	require.Equal(t, uint64(1), p.Stats.AgreementsNotExtended)
	_, err := f.engine.Agreement(f.bucket, f.provider)
	require.ErrorIs(t, err, ErrAgreementNotFound)
	f.requireConserved()
}
