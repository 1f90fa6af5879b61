package state

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestNoncesStrictlyIncrease(t *testing.T) {
	mgr := newTestManager(t)
	addr := common.Address{0x07}
	if n, err := mgr.Nonce(addr); err != nil || n != 0 {
		t.Fatalf("fresh nonce: %d %v", n, err)
	}
	if err := mgr.UseNonce(addr, 1); err != nil {
		t.Fatalf("first nonce: %v", err)
	}
	if err := mgr.UseNonce(addr, 1); !errors.Is(err, ErrNonceTooLow) {
		t.Fatalf("expected replayed nonce to fail, got %v", err)
	}
	if err := mgr.UseNonce(addr, 5); err != nil {
		t.Fatalf("gapped nonce: %v", err)
	}
	if err := mgr.UseNonce(addr, 3); !errors.Is(err, ErrNonceTooLow) {
		t.Fatalf("expected stale nonce to fail, got %v", err)
	}
	if n, _ := mgr.Nonce(addr); n != 5 {
		t.Fatalf("unexpected nonce %d", n)
	}
	if n, _ := mgr.Nonce(common.Address{0x08}); n != 0 {
		t.Fatalf("nonces leaked across accounts: %d", n)
	}
}

func TestMintTransferAndSupply(t *testing.T) {
	mgr := newTestManager(t)
	a, b := common.Address{0x0A}, common.Address{0x0B}
	if err := mgr.Mint(a, big.NewInt(0)); err == nil {
		t.Fatalf("expected zero mint to fail")
	}
	if err := mgr.Mint(a, big.NewInt(100)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := mgr.Transfer(a, b, big.NewInt(101)); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected overdraft to fail, got %v", err)
	}
	if bal, _ := mgr.Balance(a); bal.Int64() != 100 {
		t.Fatalf("overdraft moved funds: %s", bal)
	}
	if err := mgr.Transfer(a, b, big.NewInt(-1)); err == nil {
		t.Fatalf("expected negative transfer to fail")
	}
	if err := mgr.Transfer(a, b, big.NewInt(40)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if err := mgr.AddBurned(big.NewInt(10)); err != nil {
		t.Fatalf("burn: %v", err)
	}
	supply, err := mgr.CirculatingSupply()
	if err != nil {
		t.Fatalf("supply: %v", err)
	}
	if supply.Int64() != 90 {
		t.Fatalf("unexpected circulating supply %s", supply)
	}
	if bal, _ := mgr.Balance(b); bal.Int64() != 40 {
		t.Fatalf("unexpected recipient balance %s", bal)
	}
	if minted, _ := mgr.Minted(); minted.Int64() != 100 {
		t.Fatalf("unexpected minted total %s", minted)
	}
}

func TestSelfTransferKeepsBalance(t *testing.T) {
	mgr := newTestManager(t)
	a := common.Address{0x0C}
	if err := mgr.Mint(a, big.NewInt(50)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := mgr.Transfer(a, a, big.NewInt(20)); err != nil {
		t.Fatalf("self transfer: %v", err)
	}
	if bal, _ := mgr.Balance(a); bal.Int64() != 50 {
		t.Fatalf("self transfer changed balance: %s", bal)
	}
}
