package storage

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

func validateSettings(s ProviderSettings) error {
	if s.PricePerByte == nil || s.PricePerByte.Sign() < 0 {
		return fmt.Errorf("%w: price per byte", ErrInvalidArgument)
	}
	if s.ReplicaSyncPrice != nil && s.ReplicaSyncPrice.Sign() < 0 {
		return fmt.Errorf("%w: replica sync price", ErrInvalidArgument)
	}
	if s.MinDuration == 0 || s.MaxDuration < s.MinDuration {
		return fmt.Errorf("%w: duration bounds [%d,%d]", ErrInvalidArgument, s.MinDuration, s.MaxDuration)
	}
	return nil
}

// RegisterProvider escrows stake from caller and records it as a provider.
func (e *Engine) RegisterProvider(caller common.Address, stake *big.Int, settings ProviderSettings) (*Provider, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if _, ok, err := e.state.StorageProvider(caller); err != nil {
		return nil, err
	} else if ok {
		return nil, ErrProviderExists
	}
	if e.identity != nil && !e.identity.Distinct(caller) {
		return nil, ErrIdentityNotDistinct
	}
	if stake == nil || stake.Cmp(e.params.MinProviderStake) < 0 {
		return nil, fmt.Errorf("%w: %s < %s", ErrStakeBelowMinimum, formatAmount(stake), e.params.MinProviderStake)
	}
	if err := validateSettings(settings); err != nil {
		return nil, err
	}
	if err := e.debit(caller, stake); err != nil {
		return nil, err
	}
	p := &Provider{
		Address:  caller,
		Stake:    new(big.Int).Set(stake),
		Settings: settings.Clone(),
		Stats:    ProviderStats{RegisteredAt: e.now()},
	}
	if err := e.state.PutStorageProvider(p); err != nil {
		return nil, err
	}
	e.emit(providerEvent(EventTypeProviderRegistered, p))
	return p.Clone(), nil
}

// AddStake moves amount from caller's balance into its provider stake.
func (e *Engine) AddStake(caller common.Address, amount *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	p, err := e.loadProvider(caller)
	if err != nil {
		return err
	}
	if err := e.debit(caller, amount); err != nil {
		return err
	}
	p.Stake = new(big.Int).Add(p.Stake, amount)
	if err := e.state.PutStorageProvider(p); err != nil {
		return err
	}
	e.emit(providerEvent(EventTypeProviderStaked, p))
	return nil
}

// UpdateSettings replaces the provider's offered terms. Existing agreements
// keep their locked prices.
func (e *Engine) UpdateSettings(caller common.Address, settings ProviderSettings) error {
	if err := e.ready(); err != nil {
		return err
	}
	p, err := e.loadProvider(caller)
	if err != nil {
		return err
	}
	if err := validateSettings(settings); err != nil {
		return err
	}
	if settings.Capacity != 0 && settings.Capacity < p.CommittedBytes {
		return fmt.Errorf("%w: capacity %d below committed %d", ErrQuotaExceeded, settings.Capacity, p.CommittedBytes)
	}
	p.Settings = settings.Clone()
	if err := e.state.PutStorageProvider(p); err != nil {
		return err
	}
	e.emit(providerEvent(EventTypeProviderUpdated, p))
	return nil
}

// DeregisterProvider refunds the remaining stake and deletes the provider. It
// is only possible once no agreements remain.
func (e *Engine) DeregisterProvider(caller common.Address) error {
	if err := e.ready(); err != nil {
		return err
	}
	p, err := e.loadProvider(caller)
	if err != nil {
		return err
	}
	if p.CommittedBytes != 0 {
		return fmt.Errorf("%w: %d bytes", ErrProviderBusy, p.CommittedBytes)
	}
	if err := e.credit(caller, p.Stake); err != nil {
		return err
	}
	if err := e.state.DeleteStorageProvider(caller); err != nil {
		return err
	}
	e.emit(providerEvent(EventTypeProviderDeregistered, p))
	return nil
}

// ProviderInfo returns the stored provider record.
func (e *Engine) ProviderInfo(addr common.Address) (*Provider, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.loadProvider(addr)
}

func (e *Engine) requireStake(p *Provider) error {
	if p.Stake.Cmp(e.params.MinProviderStake) < 0 {
		return fmt.Errorf("%w: %s < %s", ErrStakeBelowMinimum, p.Stake, e.params.MinProviderStake)
	}
	return nil
}

func (e *Engine) reserveCapacity(p *Provider, bytes uint64) error {
	committed, err := checkedAdd(p.CommittedBytes, bytes)
	if err != nil {
		return err
	}
	if p.Settings.Capacity != 0 && committed > p.Settings.Capacity {
		return fmt.Errorf("%w: %d of %d", ErrQuotaExceeded, committed, p.Settings.Capacity)
	}
	p.CommittedBytes = committed
	return nil
}
