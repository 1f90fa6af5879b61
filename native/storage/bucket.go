package storage

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

const bucketSequence = "bucket"

// CreateBucket creates a bucket administered by caller.
func (e *Engine) CreateBucket(caller common.Address, minProviders uint32) (*Bucket, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if minProviders == 0 {
		minProviders = 1
	}
	if minProviders > e.params.MaxPrimaryProviders {
		return nil, ErrMinProvidersTooLarge
	}
	id, err := e.state.NextSequence(bucketSequence)
	if err != nil {
		return nil, err
	}
	b := &Bucket{
		ID:               id,
		Members:          []Member{{Account: caller, Role: RoleAdmin}},
		MinProviders:     minProviders,
		PrimaryProviders: make([]common.Address, e.params.MaxPrimaryProviders),
		HistoricalRoots:  make([]HistoricalRoot, len(HistoricalPrimes)),
		CreatedAt:        e.now(),
	}
	if err := e.state.PutStorageBucket(b); err != nil {
		return nil, err
	}
	e.emit(bucketEvent(EventTypeBucketCreated, b, map[string]string{"admin": formatAddress(caller)}))
	return b.Clone(), nil
}

func (e *Engine) adminBucket(caller common.Address, id uint64) (*Bucket, error) {
	b, err := e.loadBucket(id)
	if err != nil {
		return nil, err
	}
	if !b.IsAdmin(caller) {
		return nil, ErrUnauthorized
	}
	return b, nil
}

// FreezeBucket pins the bucket's start sequence to the current snapshot's.
// Every later checkpoint must keep it.
func (e *Engine) FreezeBucket(caller common.Address, id uint64) error {
	if err := e.ready(); err != nil {
		return err
	}
	b, err := e.adminBucket(caller, id)
	if err != nil {
		return err
	}
	if b.Frozen {
		return ErrAlreadyFrozen
	}
	b.Frozen = true
	if b.Snapshot != nil {
		b.FrozenStartSeq = b.Snapshot.StartSeq
	}
	if err := e.state.PutStorageBucket(b); err != nil {
		return err
	}
	e.emit(bucketEvent(EventTypeBucketFrozen, b, map[string]string{"startSeq": formatUint(b.FrozenStartSeq)}))
	return nil
}

// SetMember adds account or changes its role.
func (e *Engine) SetMember(caller common.Address, id uint64, account common.Address, role MemberRole) error {
	if err := e.ready(); err != nil {
		return err
	}
	if !role.Valid() || account == (common.Address{}) {
		return fmt.Errorf("%w: member %s role %d", ErrInvalidArgument, account.Hex(), role)
	}
	b, err := e.adminBucket(caller, id)
	if err != nil {
		return err
	}
	found := false
	for i := range b.Members {
		if b.Members[i].Account == account {
			b.Members[i].Role = role
			found = true
			break
		}
	}
	if !found {
		b.Members = append(b.Members, Member{Account: account, Role: role})
	}
	if !hasAdmin(b) {
		return ErrLastAdmin
	}
	if err := e.state.PutStorageBucket(b); err != nil {
		return err
	}
	e.emit(bucketEvent(EventTypeMemberSet, b, map[string]string{
		"account": formatAddress(account),
		"role":    role.String(),
	}))
	return nil
}

// RemoveMember drops account from the bucket. The last admin cannot be
// removed.
func (e *Engine) RemoveMember(caller common.Address, id uint64, account common.Address) error {
	if err := e.ready(); err != nil {
		return err
	}
	b, err := e.adminBucket(caller, id)
	if err != nil {
		return err
	}
	kept := b.Members[:0]
	removed := false
	for _, m := range b.Members {
		if m.Account == account {
			removed = true
			continue
		}
		kept = append(kept, m)
	}
	if !removed {
		return ErrMemberNotFound
	}
	b.Members = kept
	if !hasAdmin(b) {
		return ErrLastAdmin
	}
	if err := e.state.PutStorageBucket(b); err != nil {
		return err
	}
	e.emit(bucketEvent(EventTypeMemberRemoved, b, map[string]string{"account": formatAddress(account)}))
	return nil
}

// SetMinProviders changes the checkpoint quorum.
func (e *Engine) SetMinProviders(caller common.Address, id uint64, minProviders uint32) error {
	if err := e.ready(); err != nil {
		return err
	}
	if minProviders == 0 {
		return fmt.Errorf("%w: min providers must be positive", ErrInvalidArgument)
	}
	b, err := e.adminBucket(caller, id)
	if err != nil {
		return err
	}
	if int(minProviders) > len(b.PrimaryProviders) {
		return ErrMinProvidersTooLarge
	}
	b.MinProviders = minProviders
	if err := e.state.PutStorageBucket(b); err != nil {
		return err
	}
	e.emit(bucketEvent(EventTypeMinProvidersSet, b, nil))
	return nil
}

// BucketInfo returns the stored bucket.
func (e *Engine) BucketInfo(id uint64) (*Bucket, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.loadBucket(id)
}

// BucketProviders lists every provider holding an agreement on the bucket.
func (e *Engine) BucketProviders(id uint64) ([]*Agreement, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if _, err := e.loadBucket(id); err != nil {
		return nil, err
	}
	providers, err := e.state.StorageBucketAgreements(id)
	if err != nil {
		return nil, err
	}
	out := make([]*Agreement, 0, len(providers))
	for _, p := range providers {
		a, err := e.loadAgreement(id, p)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func hasAdmin(b *Bucket) bool {
	for _, m := range b.Members {
		if m.Role == RoleAdmin {
			return true
		}
	}
	return false
}

func occupySlot(b *Bucket, provider common.Address) error {
	if _, ok := b.PrimarySlot(provider); ok {
		return nil
	}
	for i, p := range b.PrimaryProviders {
		if p == (common.Address{}) {
			b.PrimaryProviders[i] = provider
			return nil
		}
	}
	return ErrPrimaryCapacity
}

// vacateSlot frees the provider's slot and clears its signer bit so a later
// occupant never inherits a signature it did not make.
func vacateSlot(b *Bucket, provider common.Address) {
	slot, ok := b.PrimarySlot(provider)
	if !ok {
		return
	}
	b.PrimaryProviders[slot] = common.Address{}
	if b.Snapshot != nil {
		b.Snapshot.PrimarySigners &^= 1 << uint(slot)
	}
}
