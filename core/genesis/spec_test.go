package genesis

import (
	"bytes"
	"encoding/json"
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"bucketchain/core/state"
	"bucketchain/crypto"
	"bucketchain/storage"
	"bucketchain/storage/trie"
)

func TestLoadGenesisSpecAndBuildGenesis(t *testing.T) {
	addr1 := crypto.MustNewAddress(crypto.AccountPrefix, bytes.Repeat([]byte{0x01}, 20)).String()
	addr2 := common.BytesToAddress(bytes.Repeat([]byte{0x02}, 20))

	spec := GenesisSpec{
		GenesisTime: "2024-01-01T00:00:00Z",
		Alloc: map[string]string{
			addr1:        "1000",
			addr2.Hex(): "2000",
		},
		Identities: []IdentitySpec{
			{Address: addr1, Identity: "did:example:alice", Tier: 2},
		},
		StrictIdentity: true,
		Storage: &StorageSpec{
			MinProviderStake: "5000",
			ChallengeTimeout: 30,
		},
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "genesis.json")
	data, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		t.Fatalf("marshal spec: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write spec: %v", err)
	}

	loaded, err := LoadGenesisSpec(path)
	if err != nil {
		t.Fatalf("load spec: %v", err)
	}
	params := loaded.Params()
	if params.MinProviderStake.Cmp(big.NewInt(5000)) != 0 || params.ChallengeTimeout != 30 {
		t.Fatalf("unexpected params: %+v", params)
	}

	db := storage.NewMemDB()
	defer db.Close()
	head, err := BuildGenesisFromSpec(loaded, db)
	if err != nil {
		t.Fatalf("build genesis: %v", err)
	}
	if head.Height != 0 || head.Timestamp != loaded.GenesisTimestamp().Unix() {
		t.Fatalf("unexpected head: %+v", head)
	}

	tr, err := trie.NewTrie(db, head.StateRoot.Bytes())
	if err != nil {
		t.Fatalf("open trie: %v", err)
	}
	manager := state.NewManager(tr)
	bal, err := manager.Balance(addr2)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if bal.Cmp(big.NewInt(2000)) != 0 {
		t.Fatalf("unexpected balance %s", bal)
	}
	minted, err := manager.Minted()
	if err != nil {
		t.Fatalf("minted: %v", err)
	}
	if minted.Cmp(big.NewInt(3000)) != 0 {
		t.Fatalf("unexpected minted supply %s", minted)
	}
	stored, ok, err := manager.StorageParams()
	if err != nil || !ok {
		t.Fatalf("storage params missing: %v", err)
	}
	if stored.ChallengeTimeout != 30 {
		t.Fatalf("unexpected stored timeout %d", stored.ChallengeTimeout)
	}

	directory, err := loaded.Directory()
	if err != nil {
		t.Fatalf("directory: %v", err)
	}
	alice, _ := ParseAccount(addr1)
	rec, ok := directory.Lookup(alice)
	if !ok || rec.Tier != 2 {
		t.Fatalf("identity not loaded: %+v", rec)
	}

	again, err := BuildGenesisFromSpec(loaded, storage.NewMemDB())
	if err != nil {
		t.Fatalf("rebuild genesis: %v", err)
	}
	if again.StateRoot != head.StateRoot {
		t.Fatalf("genesis root not deterministic")
	}
}

func TestGenesisSpecRejectsBadInput(t *testing.T) {
	cases := map[string]string{
		"unknown field":  `{"genesisTime":"2024-01-01T00:00:00Z","validators":[]}`,
		"missing time":   `{"alloc":{}}`,
		"bad amount":     `{"genesisTime":"2024-01-01T00:00:00Z","alloc":{"0x0000000000000000000000000000000000000001":"-5"}}`,
		"bad account":    `{"genesisTime":"2024-01-01T00:00:00Z","alloc":{"nhb1qqqq":"5"}}`,
		"empty identity": `{"genesisTime":"2024-01-01T00:00:00Z","identities":[{"address":"0x0000000000000000000000000000000000000001","identity":" "}]}`,
		"bad params":     `{"genesisTime":"2024-01-01T00:00:00Z","storage":{"maxPrimaryProviders":40}}`,
	}
	for name, raw := range cases {
		if _, err := ParseGenesisSpec([]byte(raw)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestParseAccountAcceptsProviderPrefix(t *testing.T) {
	raw := bytes.Repeat([]byte{0xab}, 20)
	encoded := crypto.MustNewAddress(crypto.ProviderPrefix, raw).String()
	addr, err := ParseAccount(encoded)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if addr != common.BytesToAddress(raw) {
		t.Fatalf("unexpected address %s", addr.Hex())
	}
}
