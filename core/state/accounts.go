package state

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

var (
	noncePrefix = []byte("account/nonce/")

	ErrInsufficientFunds = errors.New("state: insufficient funds")
	ErrNonceTooLow       = errors.New("state: nonce too low")
)

func nonceKey(addr common.Address) []byte {
	return join(noncePrefix, addr[:])
}

// Nonce returns the last transaction nonce accepted from addr.
func (m *Manager) Nonce(addr common.Address) (uint64, error) {
	var nonce uint64
	_, err := m.KVGet(nonceKey(addr), &nonce)
	return nonce, err
}

// UseNonce records nonce for addr. Nonces must strictly increase; gaps are
// allowed so concurrent submitters do not stall each other.
func (m *Manager) UseNonce(addr common.Address, nonce uint64) error {
	current, err := m.Nonce(addr)
	if err != nil {
		return err
	}
	if nonce <= current {
		return fmt.Errorf("%w: %d <= %d", ErrNonceTooLow, nonce, current)
	}
	return m.KVPut(nonceKey(addr), nonce)
}

// Transfer moves amount between two balances.
func (m *Manager) Transfer(from, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("state: transfer amount must be positive")
	}
	fromBal, err := m.Balance(from)
	if err != nil {
		return err
	}
	if fromBal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientFunds, fromBal, amount)
	}
	if err := m.SetBalance(from, fromBal.Sub(fromBal, amount)); err != nil {
		return err
	}
	toBal, err := m.Balance(to)
	if err != nil {
		return err
	}
	return m.SetBalance(to, toBal.Add(toBal, amount))
}

// Mint credits amount to addr out of thin air. Only genesis and development
// networks call it.
func (m *Manager) Mint(addr common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("state: mint amount must be positive")
	}
	bal, err := m.Balance(addr)
	if err != nil {
		return err
	}
	if err := m.SetBalance(addr, bal.Add(bal, amount)); err != nil {
		return err
	}
	return m.addMinted(amount)
}
