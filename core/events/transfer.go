package events

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"bucketchain/core/types"
	"bucketchain/crypto"
)

const (
	// TypeTransfer is emitted for plain balance movements between accounts.
	TypeTransfer = "bank.transfer"
)

type Transfer struct {
	From   common.Address
	To     common.Address
	Amount *big.Int
	TxHash common.Hash
}

func (Transfer) EventType() string { return TypeTransfer }

func (e Transfer) Event() *types.Event {
	attrs := map[string]string{
		"from":   crypto.FromCommon(crypto.AccountPrefix, e.From).String(),
		"to":     crypto.FromCommon(crypto.AccountPrefix, e.To).String(),
		"amount": formatAmount(e.Amount),
	}
	if e.TxHash != (common.Hash{}) {
		attrs["txHash"] = e.TxHash.Hex()
	}
	return &types.Event{Type: TypeTransfer, Attributes: attrs}
}
