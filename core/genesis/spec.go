package genesis

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"bucketchain/core/identity"
	"bucketchain/native/storage"
)

// GenesisSpec describes the initial ledger: balances, the identity table and
// the storage protocol parameters.
type GenesisSpec struct {
	GenesisTime    string            `json:"genesisTime"`
	Alloc          map[string]string `json:"alloc"` // addr -> amount
	Identities     []IdentitySpec    `json:"identities,omitempty"`
	StrictIdentity bool              `json:"strictIdentity,omitempty"`
	Storage        *StorageSpec      `json:"storage,omitempty"`

	genesisTimestamp time.Time
	alloc            map[common.Address]*big.Int
	params           storage.Params
}

type IdentitySpec struct {
	Address  string `json:"address"`
	Identity string `json:"identity"`
	Tier     uint8  `json:"tier,omitempty"`
}

// StorageSpec overrides the default storage parameters. Zero values keep the
// default.
type StorageSpec struct {
	MinProviderStake    string `json:"minProviderStake,omitempty"`
	ChallengeTimeout    uint64 `json:"challengeTimeout,omitempty"`
	SettlementWindow    uint64 `json:"settlementWindow,omitempty"`
	RequestTTL          uint64 `json:"requestTTL,omitempty"`
	MaxPrimaryProviders uint32 `json:"maxPrimaryProviders,omitempty"`
	ExtensionsBlocked   bool   `json:"extensionsBlocked,omitempty"`
	BurnPremiumBps      uint64 `json:"burnPremiumBps,omitempty"`
	ChallengeDeposit    string `json:"challengeDeposit,omitempty"`
	CancelFeeBps        uint64 `json:"cancelFeeBps,omitempty"`
	SlashRewardBps      uint64 `json:"slashRewardBps,omitempty"`
	ChunkSize           uint64 `json:"chunkSize,omitempty"`
}

func LoadGenesisSpec(path string) (*GenesisSpec, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("genesis spec path must be provided")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read genesis spec %q: %w", path, err)
	}
	spec, err := ParseGenesisSpec(raw)
	if err != nil {
		return nil, fmt.Errorf("genesis spec %q: %w", path, err)
	}
	return spec, nil
}

// ParseGenesisSpec decodes and validates a JSON genesis document.
func ParseGenesisSpec(raw []byte) (*GenesisSpec, error) {
	var spec GenesisSpec
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&spec); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if err := spec.validate(); err != nil {
		return nil, fmt.Errorf("invalid: %w", err)
	}
	return &spec, nil
}

func (s *GenesisSpec) GenesisTimestamp() time.Time { return s.genesisTimestamp }

// Params returns the validated storage parameters.
func (s *GenesisSpec) Params() storage.Params { return s.params.Clone() }

// Directory builds the identity table declared in the genesis file.
func (s *GenesisSpec) Directory() (*identity.Directory, error) {
	dir := identity.NewDirectory(s.StrictIdentity)
	for i, rec := range s.Identities {
		addr, err := ParseAccount(rec.Address)
		if err != nil {
			return nil, fmt.Errorf("identities[%d]: %w", i, err)
		}
		if err := dir.Set(addr, identity.Record{Identity: rec.Identity, Tier: rec.Tier}); err != nil {
			return nil, fmt.Errorf("identities[%d]: %w", i, err)
		}
	}
	return dir, nil
}

func (s *GenesisSpec) validate() error {
	parsedTime, err := parseGenesisTime(s.GenesisTime)
	if err != nil {
		return err
	}
	s.genesisTimestamp = parsedTime

	s.alloc = make(map[common.Address]*big.Int, len(s.Alloc))
	for rawAddr, rawAmount := range s.Alloc {
		addr, err := ParseAccount(rawAddr)
		if err != nil {
			return fmt.Errorf("alloc %q: %w", rawAddr, err)
		}
		if _, dup := s.alloc[addr]; dup {
			return fmt.Errorf("alloc %q: duplicate account", rawAddr)
		}
		amount, err := parseAmountString(rawAmount)
		if err != nil {
			return fmt.Errorf("alloc %q: %w", rawAddr, err)
		}
		s.alloc[addr] = amount
	}

	seen := make(map[string]struct{}, len(s.Identities))
	for i, rec := range s.Identities {
		if _, err := ParseAccount(rec.Address); err != nil {
			return fmt.Errorf("identities[%d]: %w", i, err)
		}
		key := strings.ToLower(strings.TrimSpace(rec.Address))
		if _, dup := seen[key]; dup {
			return fmt.Errorf("identities[%d]: duplicate address", i)
		}
		seen[key] = struct{}{}
		if strings.TrimSpace(rec.Identity) == "" {
			return fmt.Errorf("identities[%d]: identity must be provided", i)
		}
	}

	params, err := s.Storage.params()
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	s.params = params
	return nil
}

func (s *StorageSpec) params() (storage.Params, error) {
	p := storage.DefaultParams()
	if s == nil {
		return p, p.Validate()
	}
	if s.MinProviderStake != "" {
		stake, err := parseAmountString(s.MinProviderStake)
		if err != nil {
			return p, fmt.Errorf("minProviderStake: %w", err)
		}
		p.MinProviderStake = stake
	}
	if s.ChallengeDeposit != "" {
		deposit, err := parseAmountString(s.ChallengeDeposit)
		if err != nil {
			return p, fmt.Errorf("challengeDeposit: %w", err)
		}
		p.ChallengeDeposit = deposit
	}
	setUint(&p.ChallengeTimeout, s.ChallengeTimeout)
	setUint(&p.SettlementWindow, s.SettlementWindow)
	setUint(&p.RequestTTL, s.RequestTTL)
	setUint(&p.BurnPremiumBps, s.BurnPremiumBps)
	setUint(&p.CancelFeeBps, s.CancelFeeBps)
	setUint(&p.SlashRewardBps, s.SlashRewardBps)
	setUint(&p.ChunkSize, s.ChunkSize)
	if s.MaxPrimaryProviders != 0 {
		p.MaxPrimaryProviders = s.MaxPrimaryProviders
	}
	p.ExtensionsBlocked = s.ExtensionsBlocked
	return p, p.Validate()
}

func setUint(dst *uint64, v uint64) {
	if v != 0 {
		*dst = v
	}
}

func parseAmountString(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("amount must not be negative")
	}
	return amount, nil
}

func parseGenesisTime(value string) (time.Time, error) {
	if strings.TrimSpace(value) == "" {
		return time.Time{}, fmt.Errorf("genesisTime must be provided")
	}
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts, nil
	}
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return ts, nil
	}
	return time.Time{}, fmt.Errorf("invalid genesisTime %q", value)
}
