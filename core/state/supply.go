package state

import (
	"math/big"
)

var mintedKey = []byte("supply/minted")

// Minted returns the total supply ever created by genesis and development
// faucets.
func (m *Manager) Minted() (*big.Int, error) {
	out := new(big.Int)
	if _, err := m.KVGet(mintedKey, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *Manager) addMinted(amount *big.Int) error {
	total, err := m.Minted()
	if err != nil {
		return err
	}
	return m.KVPut(mintedKey, total.Add(total, amount))
}

// CirculatingSupply is minted supply less burned supply.
func (m *Manager) CirculatingSupply() (*big.Int, error) {
	minted, err := m.Minted()
	if err != nil {
		return nil, err
	}
	burned, err := m.Burned()
	if err != nil {
		return nil, err
	}
	return minted.Sub(minted, burned), nil
}
