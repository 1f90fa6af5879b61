package storage

import (
	"fmt"
	"math/big"
)

// HistoricalPrimes are the checkpoint intervals, in blocks, at which the
// lagging historical roots roll over. Position i+1 of a sync claim maps to
// HistoricalPrimes[i].
var HistoricalPrimes = [6]uint64{3, 7, 11, 23, 47, 113}

// MaxPrimaryCapacity is the width of the signer bitfield.
const MaxPrimaryCapacity = 32

const bpsDenominator = 10_000

// Params are the protocol constants governing the storage module. Durations
// are measured in blocks.
type Params struct {
	MinProviderStake    *big.Int
	ChallengeTimeout    uint64
	SettlementWindow    uint64
	RequestTTL          uint64
	MaxPrimaryProviders uint32
	ExtensionsBlocked   bool
	BurnPremiumBps      uint64
	ChallengeDeposit    *big.Int
	CancelFeeBps        uint64
	SlashRewardBps      uint64
	ChunkSize           uint64
}

// DefaultParams returns the parameters used by dev networks and tests.
func DefaultParams() Params {
	return Params{
		MinProviderStake:    big.NewInt(1_000),
		ChallengeTimeout:    50,
		SettlementWindow:    100,
		RequestTTL:          100,
		MaxPrimaryProviders: 5,
		BurnPremiumBps:      1_000,
		ChallengeDeposit:    big.NewInt(100),
		CancelFeeBps:        500,
		SlashRewardBps:      5_000,
		ChunkSize:           256 * 1024,
	}
}

func (p Params) Clone() Params {
	out := p
	out.MinProviderStake = cloneBigInt(p.MinProviderStake)
	out.ChallengeDeposit = cloneBigInt(p.ChallengeDeposit)
	return out
}

// Validate rejects parameter sets the engine cannot operate under.
func (p Params) Validate() error {
	if p.MinProviderStake == nil || p.MinProviderStake.Sign() < 0 {
		return fmt.Errorf("storage params: min provider stake must be non-negative")
	}
	if p.ChallengeDeposit == nil || p.ChallengeDeposit.Sign() < 0 {
		return fmt.Errorf("storage params: challenge deposit must be non-negative")
	}
	if p.ChallengeTimeout == 0 {
		return fmt.Errorf("storage params: challenge timeout must be positive")
	}
	if p.RequestTTL == 0 {
		return fmt.Errorf("storage params: request ttl must be positive")
	}
	if p.MaxPrimaryProviders == 0 || p.MaxPrimaryProviders > MaxPrimaryCapacity {
		return fmt.Errorf("storage params: max primary providers must be within [1,%d]", MaxPrimaryCapacity)
	}
	bps := []struct {
		name  string
		value uint64
	}{
		{"burn premium", p.BurnPremiumBps},
		{"cancel fee", p.CancelFeeBps},
		{"slash reward", p.SlashRewardBps},
	}
	for _, b := range bps {
		if b.value > bpsDenominator {
			return fmt.Errorf("storage params: %s bps %d exceeds %d", b.name, b.value, bpsDenominator)
		}
	}
	if p.ChunkSize == 0 {
		return fmt.Errorf("storage params: chunk size must be positive")
	}
	return nil
}
