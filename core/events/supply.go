package events

import (
	"math/big"
	"strings"

	"bucketchain/core/types"
)

const (
	// TypeSupply is emitted whenever the minted or burned totals change.
	TypeSupply = "bank.supply"

	// SupplyReasonFund identifies dev faucet mints.
	SupplyReasonFund = "fund"
	// SupplyReasonBurn identifies escrow burned by ended agreements.
	SupplyReasonBurn = "burn"
)

// Supply captures a delta of the ledger's issued balance.
type Supply struct {
	Total  *big.Int
	Delta  *big.Int
	Reason string
}

func (Supply) EventType() string { return TypeSupply }

// Event renders the structured supply change event for downstream consumers.
func (e Supply) Event() *types.Event {
	attrs := map[string]string{
		"total": formatAmount(e.Total),
	}
	if e.Delta != nil {
		attrs["delta"] = e.Delta.String()
	}
	if reason := strings.TrimSpace(e.Reason); reason != "" {
		attrs["reason"] = reason
	}
	return &types.Event{Type: TypeSupply, Attributes: attrs}
}
