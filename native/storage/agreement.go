package storage

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

// ReplicaParams are the replica-specific terms of a request.
type ReplicaParams struct {
	MinSyncInterval uint64
}

type RequestParams struct {
	Bucket     uint64
	Provider   common.Address
	MaxBytes   uint64
	Duration   uint64
	MaxPayment *big.Int
	Replica    *ReplicaParams
}

// EndAction selects where the escrow of a terminated agreement goes.
type EndAction uint8

const (
	EndPay EndAction = iota
	EndBurn
)

func (a EndAction) String() string {
	if a == EndBurn {
		return "burn"
	}
	return "pay"
}

// ReplicaSyncBalance sizes the escrow backing sync payments: one payment per
// min_sync_interval over the duration, plus one for the first sync.
func ReplicaSyncBalance(syncPrice *big.Int, duration, minSyncInterval uint64) (*big.Int, error) {
	if minSyncInterval == 0 {
		return nil, fmt.Errorf("%w: min sync interval must be positive", ErrInvalidArgument)
	}
	return mulAmount(syncPrice, duration/minSyncInterval+1)
}

// RequestAgreement escrows the full price from caller and opens a request the
// provider can accept until the TTL lapses. Primary requests need a bucket
// admin; replica requests are open to anyone.
func (e *Engine) RequestAgreement(caller common.Address, params RequestParams) (*Request, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if params.MaxBytes == 0 || params.Duration == 0 {
		return nil, fmt.Errorf("%w: max bytes and duration must be positive", ErrInvalidArgument)
	}
	b, err := e.loadBucket(params.Bucket)
	if err != nil {
		return nil, err
	}
	kind := KindPrimary
	if params.Replica != nil {
		kind = KindReplica
	}
	if kind == KindPrimary && !b.IsAdmin(caller) {
		return nil, ErrUnauthorized
	}
	p, err := e.loadProvider(params.Provider)
	if err != nil {
		return nil, err
	}
	if err := e.requireStake(p); err != nil {
		return nil, err
	}
	if (kind == KindPrimary && !p.Settings.AcceptingPrimary) || (kind == KindReplica && !p.Settings.AcceptingReplicas) {
		return nil, fmt.Errorf("%w: %s", ErrNotAccepting, kind)
	}
	if params.Duration < p.Settings.MinDuration || params.Duration > p.Settings.MaxDuration {
		return nil, fmt.Errorf("%w: %d not in [%d,%d]", ErrDurationOutOfBounds, params.Duration, p.Settings.MinDuration, p.Settings.MaxDuration)
	}
	if _, ok, err := e.state.StorageAgreement(params.Bucket, params.Provider); err != nil {
		return nil, err
	} else if ok {
		return nil, ErrAgreementExists
	}
	if _, ok, err := e.state.StorageRequest(params.Bucket, params.Provider); err != nil {
		return nil, err
	} else if ok {
		return nil, ErrRequestExists
	}
	probe := p.Clone()
	if err := e.reserveCapacity(probe, params.MaxBytes); err != nil {
		return nil, err
	}

	payment, err := mulAmount(p.Settings.PricePerByte, params.MaxBytes, params.Duration)
	if err != nil {
		return nil, err
	}
	now := e.now()
	req := &Request{
		Bucket:        params.Bucket,
		Provider:      params.Provider,
		Requester:     caller,
		Kind:          kind,
		MaxBytes:      params.MaxBytes,
		Duration:      params.Duration,
		PricePerByte:  cloneBigInt(p.Settings.PricePerByte),
		PaymentLocked: payment,
		SyncPrice:     new(big.Int),
		SyncBalance:   new(big.Int),
		CreatedAt:     now,
	}
	if kind == KindReplica {
		req.MinSyncInterval = params.Replica.MinSyncInterval
		req.SyncPrice = cloneBigInt(p.Settings.ReplicaSyncPrice)
		req.SyncBalance, err = ReplicaSyncBalance(req.SyncPrice, params.Duration, req.MinSyncInterval)
		if err != nil {
			return nil, err
		}
	}
	total, err := addAmounts(req.PaymentLocked, req.SyncBalance)
	if err != nil {
		return nil, err
	}
	if params.MaxPayment == nil || total.Cmp(params.MaxPayment) > 0 {
		return nil, fmt.Errorf("%w: %s > %s", ErrPaymentExceedsMax, total, formatAmount(params.MaxPayment))
	}
	if req.ExpiresAt, err = checkedAdd(now, e.params.RequestTTL); err != nil {
		return nil, err
	}
	if err := e.debit(caller, total); err != nil {
		return nil, err
	}
	if err := e.state.PutStorageRequest(req); err != nil {
		return nil, err
	}
	e.emit(requestEvent(EventTypeRequestCreated, req))
	return req.Clone(), nil
}

// AcceptRequest turns the caller's pending request into an agreement.
func (e *Engine) AcceptRequest(caller common.Address, bucket uint64) (*Agreement, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	req, err := e.loadRequest(bucket, caller)
	if err != nil {
		return nil, err
	}
	now := e.now()
	if now > req.ExpiresAt {
		return nil, ErrRequestExpired
	}
	p, err := e.loadProvider(caller)
	if err != nil {
		return nil, err
	}
	if err := e.requireStake(p); err != nil {
		return nil, err
	}
	if err := e.reserveCapacity(p, req.MaxBytes); err != nil {
		return nil, err
	}
	b, err := e.loadBucket(bucket)
	if err != nil {
		return nil, err
	}
	expires, err := checkedAdd(now, req.Duration)
	if err != nil {
		return nil, err
	}
	a := &Agreement{
		Bucket:        bucket,
		Provider:      caller,
		Owner:         req.Requester,
		MaxBytes:      req.MaxBytes,
		PaymentLocked: cloneBigInt(req.PaymentLocked),
		PricePerByte:  cloneBigInt(req.PricePerByte),
		StartedAt:     now,
		PeriodStart:   now,
		ExpiresAt:     expires,
		Kind:          req.Kind,
		StakeEpoch:    p.SlashCount,
	}
	if req.Kind == KindPrimary {
		if err := occupySlot(b, caller); err != nil {
			return nil, err
		}
		if err := e.state.PutStorageBucket(b); err != nil {
			return nil, err
		}
	} else {
		a.Replica = &ReplicaState{
			SyncBalance:     cloneBigInt(req.SyncBalance),
			SyncPrice:       cloneBigInt(req.SyncPrice),
			MinSyncInterval: req.MinSyncInterval,
		}
	}
	if err := e.state.PutStorageProvider(p); err != nil {
		return nil, err
	}
	if err := e.state.DeleteStorageRequest(bucket, caller); err != nil {
		return nil, err
	}
	if err := e.state.PutStorageAgreement(a); err != nil {
		return nil, err
	}
	e.emit(agreementEvent(EventTypeAgreementAccepted, a, nil))
	return a.Clone(), nil
}

func (e *Engine) dropRequest(req *Request, eventType string) error {
	if err := e.credit(req.Requester, req.Escrowed()); err != nil {
		return err
	}
	if err := e.state.DeleteStorageRequest(req.Bucket, req.Provider); err != nil {
		return err
	}
	e.emit(requestEvent(eventType, req))
	return nil
}

// RejectRequest lets the provider decline; the escrow returns to the requester.
func (e *Engine) RejectRequest(caller common.Address, bucket uint64) error {
	if err := e.ready(); err != nil {
		return err
	}
	req, err := e.loadRequest(bucket, caller)
	if err != nil {
		return err
	}
	return e.dropRequest(req, EventTypeRequestRejected)
}

// WithdrawRequest lets the requester cancel before the provider decides.
func (e *Engine) WithdrawRequest(caller common.Address, bucket uint64, provider common.Address) error {
	if err := e.ready(); err != nil {
		return err
	}
	req, err := e.loadRequest(bucket, provider)
	if err != nil {
		return err
	}
	if req.Requester != caller {
		return ErrUnauthorized
	}
	return e.dropRequest(req, EventTypeRequestWithdrawn)
}

// ExpireRequest refunds a request whose TTL has lapsed. Anyone may call it.
func (e *Engine) ExpireRequest(bucket uint64, provider common.Address) error {
	if err := e.ready(); err != nil {
		return err
	}
	req, err := e.loadRequest(bucket, provider)
	if err != nil {
		return err
	}
	if e.now() <= req.ExpiresAt {
		return ErrRequestNotExpired
	}
	return e.dropRequest(req, EventTypeRequestExpired)
}

// PendingRequests lists open requests addressed to provider, or all open
// requests when provider is the zero address. Higher identity priority tiers
// come first, then older requests.
func (e *Engine) PendingRequests(provider common.Address) ([]*Request, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	keys, err := e.state.StoragePendingRequests()
	if err != nil {
		return nil, err
	}
	out := make([]*Request, 0, len(keys))
	for _, key := range keys {
		if provider != (common.Address{}) && key.Provider != provider {
			continue
		}
		req, err := e.loadRequest(key.Bucket, key.Provider)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	tier := func(r *Request) uint8 {
		if e.identity == nil {
			return 0
		}
		return e.identity.PriorityTier(r.Requester)
	}
	sort.SliceStable(out, func(i, j int) bool {
		ti, tj := tier(out[i]), tier(out[j])
		if ti != tj {
			return ti > tj
		}
		return out[i].CreatedAt < out[j].CreatedAt
	})
	return out, nil
}

// Agreement returns the agreement between bucket and provider.
func (e *Engine) Agreement(bucket uint64, provider common.Address) (*Agreement, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	a, err := e.loadAgreement(bucket, provider)
	if err != nil {
		return nil, err
	}
	slashed, err := e.agreementSlashed(a)
	if err != nil {
		return nil, err
	}
	a.Slashed = slashed
	return a, nil
}

// agreementSlashed reports whether a lost its backing stake, either through a
// challenge against it or through a slash of its provider in another bucket.
func (e *Engine) agreementSlashed(a *Agreement) (bool, error) {
	if a.Slashed {
		return true, nil
	}
	p, ok, err := e.state.StorageProvider(a.Provider)
	if err != nil {
		return false, err
	}
	return ok && p.SlashCount > a.StakeEpoch, nil
}

func (e *Engine) liveAgreement(bucket uint64, provider common.Address) (*Agreement, error) {
	a, err := e.loadAgreement(bucket, provider)
	if err != nil {
		return nil, err
	}
	slashed, err := e.agreementSlashed(a)
	if err != nil {
		return nil, err
	}
	if slashed {
		return nil, ErrAgreementSlashed
	}
	return a, nil
}

// TopUp adds storage to an agreement, charging the provider's current price
// for the remaining duration.
func (e *Engine) TopUp(caller common.Address, bucket uint64, provider common.Address, extraBytes uint64, maxPayment *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	if extraBytes == 0 {
		return fmt.Errorf("%w: extra bytes must be positive", ErrInvalidArgument)
	}
	a, err := e.liveAgreement(bucket, provider)
	if err != nil {
		return err
	}
	if a.Owner != caller {
		return ErrUnauthorized
	}
	now := e.now()
	if now >= a.ExpiresAt {
		return ErrAgreementExpired
	}
	p, err := e.loadProvider(provider)
	if err != nil {
		return err
	}
	if err := e.reserveCapacity(p, extraBytes); err != nil {
		return err
	}
	cost, err := mulAmount(p.Settings.PricePerByte, extraBytes, a.ExpiresAt-now)
	if err != nil {
		return err
	}
	if maxPayment == nil || cost.Cmp(maxPayment) > 0 {
		return fmt.Errorf("%w: %s > %s", ErrPaymentExceedsMax, cost, formatAmount(maxPayment))
	}
	if err := e.debit(caller, cost); err != nil {
		return err
	}
	if a.PaymentLocked, err = addAmounts(a.PaymentLocked, cost); err != nil {
		return err
	}
	a.MaxBytes += extraBytes
	if err := e.state.PutStorageProvider(p); err != nil {
		return err
	}
	if err := e.state.PutStorageAgreement(a); err != nil {
		return err
	}
	e.emit(agreementEvent(EventTypeAgreementToppedUp, a, map[string]string{
		"extraBytes": formatUint(extraBytes),
		"cost":       cost.String(),
	}))
	return nil
}

// Extend lengthens an agreement. Anyone may pay for an extension while the
// provider's current price does not exceed the locked price; otherwise only
// the owner may. The elapsed part of the current period is settled to the
// provider and the agreement is repriced at the current terms.
func (e *Engine) Extend(caller common.Address, bucket uint64, provider common.Address, extraDuration uint64, maxPayment *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	if extraDuration == 0 {
		return fmt.Errorf("%w: extra duration must be positive", ErrInvalidArgument)
	}
	a, err := e.liveAgreement(bucket, provider)
	if err != nil {
		return err
	}
	now := e.now()
	if now >= a.ExpiresAt {
		return ErrAgreementExpired
	}
	p, err := e.loadProvider(provider)
	if err != nil {
		return err
	}
	if e.params.ExtensionsBlocked || a.ExtensionsBlocked || !p.Settings.AcceptingExtensions {
		return ErrExtensionsBlocked
	}
	if p.Settings.PricePerByte.Cmp(a.PricePerByte) > 0 && caller != a.Owner {
		return ErrUnauthorized
	}
	remaining, err := checkedAdd(a.ExpiresAt-now, extraDuration)
	if err != nil {
		return err
	}
	if remaining < p.Settings.MinDuration || remaining > p.Settings.MaxDuration {
		return fmt.Errorf("%w: %d not in [%d,%d]", ErrDurationOutOfBounds, remaining, p.Settings.MinDuration, p.Settings.MaxDuration)
	}
	cost, err := mulAmount(p.Settings.PricePerByte, a.MaxBytes, extraDuration)
	if err != nil {
		return err
	}
	if maxPayment == nil || cost.Cmp(maxPayment) > 0 {
		return fmt.Errorf("%w: %s > %s", ErrPaymentExceedsMax, cost, formatAmount(maxPayment))
	}
	if err := e.debit(caller, cost); err != nil {
		return err
	}

	settled := new(big.Int)
	if period := a.ExpiresAt - a.PeriodStart; period > 0 && now > a.PeriodStart {
		settled.Mul(a.PaymentLocked, new(big.Int).SetUint64(now-a.PeriodStart))
		settled.Quo(settled, new(big.Int).SetUint64(period))
	}
	if err := e.credit(provider, settled); err != nil {
		return err
	}
	locked := new(big.Int).Sub(a.PaymentLocked, settled)
	if a.PaymentLocked, err = addAmounts(locked, cost); err != nil {
		return err
	}
	a.PricePerByte = cloneBigInt(p.Settings.PricePerByte)
	if a.Replica != nil {
		a.Replica.SyncPrice = cloneBigInt(p.Settings.ReplicaSyncPrice)
	}
	a.PeriodStart = now
	a.ExpiresAt += extraDuration
	a.Extensions++
	p.Stats.AgreementsExtended++
	if err := e.state.PutStorageProvider(p); err != nil {
		return err
	}
	if err := e.state.PutStorageAgreement(a); err != nil {
		return err
	}
	e.emit(agreementEvent(EventTypeAgreementExtended, a, map[string]string{
		"extraDuration": formatUint(extraDuration),
		"cost":          cost.String(),
		"settled":       settled.String(),
	}))
	return nil
}

// Transfer hands ownership of an agreement to newOwner.
func (e *Engine) Transfer(caller common.Address, bucket uint64, provider, newOwner common.Address) error {
	if err := e.ready(); err != nil {
		return err
	}
	if newOwner == (common.Address{}) {
		return fmt.Errorf("%w: zero owner", ErrInvalidArgument)
	}
	a, err := e.liveAgreement(bucket, provider)
	if err != nil {
		return err
	}
	if a.Owner != caller {
		return ErrUnauthorized
	}
	a.Owner = newOwner
	if err := e.state.PutStorageAgreement(a); err != nil {
		return err
	}
	e.emit(agreementEvent(EventTypeAgreementTransferred, a, map[string]string{"previousOwner": formatAddress(caller)}))
	return nil
}

// SetExtensionsBlocked lets the owner forbid or re-allow extensions of a single
// agreement.
func (e *Engine) SetExtensionsBlocked(caller common.Address, bucket uint64, provider common.Address, blocked bool) error {
	if err := e.ready(); err != nil {
		return err
	}
	a, err := e.liveAgreement(bucket, provider)
	if err != nil {
		return err
	}
	if a.Owner != caller {
		return ErrUnauthorized
	}
	a.ExtensionsBlocked = blocked
	return e.state.PutStorageAgreement(a)
}

// End terminates an agreement. After expiry the owner settles it within the
// settlement window; before expiry a bucket admin may terminate a primary
// agreement early, releasing the full locked payment. Burn destroys the
// payment instead and charges the caller a premium on top.
func (e *Engine) End(caller common.Address, bucket uint64, provider common.Address, action EndAction) error {
	if err := e.ready(); err != nil {
		return err
	}
	a, err := e.liveAgreement(bucket, provider)
	if err != nil {
		return err
	}
	b, err := e.loadBucket(bucket)
	if err != nil {
		return err
	}
	now := e.now()
	if now >= a.ExpiresAt {
		if a.Owner != caller {
			return ErrUnauthorized
		}
		if now > a.ExpiresAt+e.params.SettlementWindow {
			return ErrSettlementClosed
		}
	} else {
		if a.Kind != KindPrimary {
			return ErrNotExpired
		}
		if !b.IsAdmin(caller) {
			return ErrUnauthorized
		}
	}
	p, err := e.loadProvider(provider)
	if err != nil {
		return err
	}
	extra := map[string]string{"action": action.String(), "caller": formatAddress(caller)}
	switch action {
	case EndPay:
		if err := e.credit(provider, a.PaymentLocked); err != nil {
			return err
		}
		p.Stats.AgreementsNotExtended++
	case EndBurn:
		premium := applyBps(a.PaymentLocked, e.params.BurnPremiumBps)
		if err := e.debit(caller, premium); err != nil {
			return err
		}
		if err := e.burn(new(big.Int).Add(a.PaymentLocked, premium)); err != nil {
			return err
		}
		p.Stats.AgreementsBurned++
		extra["premium"] = premium.String()
	default:
		return fmt.Errorf("%w: end action %d", ErrInvalidArgument, action)
	}
	p.Stats.AgreementsTotal++
	if err := e.removeAgreement(a, b, p); err != nil {
		return err
	}
	e.emit(agreementEvent(EventTypeAgreementEnded, a, extra))
	return nil
}

// ClaimExpired lets the provider collect an agreement whose owner let the
// settlement window lapse.
func (e *Engine) ClaimExpired(caller common.Address, bucket uint64) error {
	if err := e.ready(); err != nil {
		return err
	}
	a, err := e.liveAgreement(bucket, caller)
	if err != nil {
		return err
	}
	if e.now() <= a.ExpiresAt+e.params.SettlementWindow {
		return ErrSettlementOpen
	}
	b, err := e.loadBucket(bucket)
	if err != nil {
		return err
	}
	p, err := e.loadProvider(caller)
	if err != nil {
		return err
	}
	if err := e.credit(caller, a.PaymentLocked); err != nil {
		return err
	}
	p.Stats.AgreementsTotal++
	p.Stats.AgreementsNotExtended++
	if err := e.removeAgreement(a, b, p); err != nil {
		return err
	}
	e.emit(agreementEvent(EventTypeAgreementClaimed, a, nil))
	return nil
}

// RemoveSlashed purges an agreement whose provider was slashed, refunding the
// remaining escrow to the owner. Anyone may call it.
func (e *Engine) RemoveSlashed(bucket uint64, provider common.Address) error {
	if err := e.ready(); err != nil {
		return err
	}
	a, err := e.loadAgreement(bucket, provider)
	if err != nil {
		return err
	}
	slashed, err := e.agreementSlashed(a)
	if err != nil {
		return err
	}
	if !slashed {
		return ErrAgreementNotSlashed
	}
	b, err := e.loadBucket(bucket)
	if err != nil {
		return err
	}
	p, err := e.loadProvider(provider)
	if err != nil {
		return err
	}
	if err := e.credit(a.Owner, a.PaymentLocked); err != nil {
		return err
	}
	if err := e.removeAgreement(a, b, p); err != nil {
		return err
	}
	e.emit(agreementEvent(EventTypeAgreementRemoved, a, nil))
	return nil
}

// TopUpSyncBalance adds to a replica's sync payment escrow.
func (e *Engine) TopUpSyncBalance(caller common.Address, bucket uint64, provider common.Address, amount *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	a, err := e.liveAgreement(bucket, provider)
	if err != nil {
		return err
	}
	if a.Replica == nil {
		return ErrNotReplica
	}
	if err := e.debit(caller, amount); err != nil {
		return err
	}
	if a.Replica.SyncBalance, err = addAmounts(a.Replica.SyncBalance, amount); err != nil {
		return err
	}
	if err := e.state.PutStorageAgreement(a); err != nil {
		return err
	}
	e.emit(agreementEvent(EventTypeSyncBalanceToppedUp, a, map[string]string{
		"amount":      amount.String(),
		"syncBalance": a.Replica.SyncBalance.String(),
	}))
	return nil
}

// removeAgreement releases everything an agreement held besides its payment:
// committed bytes, the primary slot and any unspent sync balance, which goes
// back to the owner.
func (e *Engine) removeAgreement(a *Agreement, b *Bucket, p *Provider) error {
	if p.CommittedBytes >= a.MaxBytes {
		p.CommittedBytes -= a.MaxBytes
	} else {
		p.CommittedBytes = 0
	}
	if a.Replica != nil {
		if err := e.credit(a.Owner, a.Replica.SyncBalance); err != nil {
			return err
		}
	}
	if a.Kind == KindPrimary {
		vacateSlot(b, a.Provider)
		if err := e.state.PutStorageBucket(b); err != nil {
			return err
		}
	}
	if err := e.state.PutStorageProvider(p); err != nil {
		return err
	}
	return e.state.DeleteStorageAgreement(a.Bucket, a.Provider)
}
