package storage

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// MemberRole grants bucket permissions. Higher roles include lower ones.
type MemberRole uint8

const (
	RoleNone MemberRole = iota
	RoleReader
	RoleWriter
	RoleAdmin
)

func (r MemberRole) Valid() bool { return r >= RoleReader && r <= RoleAdmin }

func (r MemberRole) String() string {
	switch r {
	case RoleReader:
		return "reader"
	case RoleWriter:
		return "writer"
	case RoleAdmin:
		return "admin"
	default:
		return "none"
	}
}

// AgreementKind distinguishes admin-curated primaries from permissionless
// replicas.
type AgreementKind uint8

const (
	KindPrimary AgreementKind = iota
	KindReplica
)

func (k AgreementKind) String() string {
	if k == KindReplica {
		return "replica"
	}
	return "primary"
}

// ProviderSettings are the provider-controlled terms offered to clients.
// Prices are denominated per byte per block.
type ProviderSettings struct {
	PricePerByte        *big.Int
	MinDuration         uint64
	MaxDuration         uint64
	Capacity            uint64
	AcceptingPrimary    bool
	AcceptingReplicas   bool
	AcceptingExtensions bool
	ReplicaSyncPrice    *big.Int
}

func (s ProviderSettings) Clone() ProviderSettings {
	out := s
	out.PricePerByte = cloneBigInt(s.PricePerByte)
	out.ReplicaSyncPrice = cloneBigInt(s.ReplicaSyncPrice)
	return out
}

type ProviderStats struct {
	AgreementsTotal       uint64
	AgreementsExtended    uint64
	AgreementsNotExtended uint64
	AgreementsBurned      uint64
	ChallengesReceived    uint64
	ChallengesFailed      uint64
	RegisteredAt          uint64
}

// Provider is a registered storage provider. CommittedBytes is the sum of
// MaxBytes over the provider's live agreements.
type Provider struct {
	Address        common.Address
	Stake          *big.Int
	CommittedBytes uint64
	Settings       ProviderSettings
	Stats          ProviderStats

	// SlashCount increments each time the stake is forfeited. Agreements
	// accepted before the latest slash are no longer backed by stake.
	SlashCount uint64
}

func (p *Provider) Clone() *Provider {
	if p == nil {
		return nil
	}
	out := *p
	out.Stake = cloneBigInt(p.Stake)
	out.Settings = p.Settings.Clone()
	return &out
}

type Member struct {
	Account common.Address
	Role    MemberRole
}

// Snapshot is the canonical, quorum-signed state of a bucket's range.
// PrimarySigners has bit i set when the provider in primary slot i signed.
type Snapshot struct {
	MMRRoot        common.Hash
	StartSeq       uint64
	LeafCount      uint64
	Time           uint64
	PrimarySigners uint32
}

// End is the first sequence number past the canonical range.
func (s *Snapshot) End() uint64 { return s.StartSeq + s.LeafCount }

// HistoricalRoot is a lagging copy of a snapshot root kept so replicas that
// fall behind can still confirm syncs.
type HistoricalRoot struct {
	Quotient  uint64
	Root      common.Hash
	StartSeq  uint64
	LeafCount uint64
}

func (h HistoricalRoot) Empty() bool { return h.Root == (common.Hash{}) }

// Bucket is never deleted. PrimaryProviders is a fixed-capacity slot list;
// the zero address marks a free slot and slot positions never move.
type Bucket struct {
	ID               uint64
	Members          []Member
	Frozen           bool
	FrozenStartSeq   uint64
	MinProviders     uint32
	PrimaryProviders []common.Address
	Snapshot         *Snapshot `rlp:"nil"`
	HistoricalRoots  []HistoricalRoot
	TotalSnapshots   uint64
	CreatedAt        uint64
}

func (b *Bucket) Clone() *Bucket {
	if b == nil {
		return nil
	}
	out := *b
	out.Members = append([]Member(nil), b.Members...)
	out.PrimaryProviders = append([]common.Address(nil), b.PrimaryProviders...)
	out.HistoricalRoots = append([]HistoricalRoot(nil), b.HistoricalRoots...)
	if b.Snapshot != nil {
		snap := *b.Snapshot
		out.Snapshot = &snap
	}
	return &out
}

// RoleOf returns the role held by account, RoleNone when not a member.
func (b *Bucket) RoleOf(account common.Address) MemberRole {
	for _, m := range b.Members {
		if m.Account == account {
			return m.Role
		}
	}
	return RoleNone
}

func (b *Bucket) IsAdmin(account common.Address) bool { return b.RoleOf(account) == RoleAdmin }

// PrimarySlot returns the slot index held by provider.
func (b *Bucket) PrimarySlot(provider common.Address) (int, bool) {
	if provider == (common.Address{}) {
		return 0, false
	}
	for i, p := range b.PrimaryProviders {
		if p == provider {
			return i, true
		}
	}
	return 0, false
}

// IsCurrentSigner reports whether provider occupies a slot whose bit is set in
// the current snapshot.
func (b *Bucket) IsCurrentSigner(provider common.Address) bool {
	if b.Snapshot == nil {
		return false
	}
	slot, ok := b.PrimarySlot(provider)
	if !ok {
		return false
	}
	return b.Snapshot.PrimarySigners&(1<<uint(slot)) != 0
}

// LastSync is the most recent root a replica confirmed, with the range it
// covers so the confirmation can later be challenged.
type LastSync struct {
	Root      common.Hash
	Time      uint64
	StartSeq  uint64
	LeafCount uint64
}

func (l LastSync) Empty() bool { return l.Root == (common.Hash{}) }

type ReplicaState struct {
	SyncBalance     *big.Int
	SyncPrice       *big.Int
	MinSyncInterval uint64
	LastSync        LastSync
}

// Agreement binds a provider to store up to MaxBytes of a bucket until
// ExpiresAt. PaymentLocked is held in escrow and released exactly once.
type Agreement struct {
	Bucket            uint64
	Provider          common.Address
	Owner             common.Address
	MaxBytes          uint64
	PaymentLocked     *big.Int
	PricePerByte      *big.Int
	StartedAt         uint64
	PeriodStart       uint64
	ExpiresAt         uint64
	ExtensionsBlocked bool
	Kind              AgreementKind
	Replica           *ReplicaState `rlp:"nil"`
	Slashed           bool
	Extensions        uint64

	// StakeEpoch is the provider's SlashCount when the agreement was accepted.
	StakeEpoch uint64
}

func (a *Agreement) Clone() *Agreement {
	if a == nil {
		return nil
	}
	out := *a
	out.PaymentLocked = cloneBigInt(a.PaymentLocked)
	out.PricePerByte = cloneBigInt(a.PricePerByte)
	if a.Replica != nil {
		rep := *a.Replica
		rep.SyncBalance = cloneBigInt(a.Replica.SyncBalance)
		rep.SyncPrice = cloneBigInt(a.Replica.SyncPrice)
		out.Replica = &rep
	}
	return &out
}

// Request is a pending offer awaiting the provider's decision. It lapses at
// ExpiresAt and its escrow is refunded.
type Request struct {
	Bucket          uint64
	Provider        common.Address
	Requester       common.Address
	Kind            AgreementKind
	MaxBytes        uint64
	Duration        uint64
	PricePerByte    *big.Int
	PaymentLocked   *big.Int
	SyncPrice       *big.Int
	SyncBalance     *big.Int
	MinSyncInterval uint64
	CreatedAt       uint64
	ExpiresAt       uint64
}

func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	out := *r
	out.PricePerByte = cloneBigInt(r.PricePerByte)
	out.PaymentLocked = cloneBigInt(r.PaymentLocked)
	out.SyncPrice = cloneBigInt(r.SyncPrice)
	out.SyncBalance = cloneBigInt(r.SyncBalance)
	return &out
}

// Escrowed is everything the request holds on behalf of the requester.
func (r *Request) Escrowed() *big.Int {
	return new(big.Int).Add(cloneBigInt(r.PaymentLocked), cloneBigInt(r.SyncBalance))
}

// RequestKey identifies a request; at most one may exist per bucket and
// provider.
type RequestKey struct {
	Bucket   uint64
	Provider common.Address
}

type ChallengeKind uint8

const (
	// ChallengeSnapshot targets the bucket's current snapshot.
	ChallengeSnapshot ChallengeKind = iota
	// ChallengeCommitment targets an off-chain commitment signed by the provider.
	ChallengeCommitment
	// ChallengeReplicaSync targets a replica's last confirmed sync.
	ChallengeReplicaSync
)

func (k ChallengeKind) String() string {
	switch k {
	case ChallengeSnapshot:
		return "snapshot"
	case ChallengeCommitment:
		return "commitment"
	case ChallengeReplicaSync:
		return "replica_sync"
	default:
		return "unknown"
	}
}

// Challenge demands that Provider prove possession of one chunk of the leaf
// at StartSeq+LeafIndex under MMRRoot before Deadline.
type Challenge struct {
	ID         uint64
	Bucket     uint64
	Provider   common.Address
	Challenger common.Address
	Kind       ChallengeKind
	MMRRoot    common.Hash
	StartSeq   uint64
	LeafCount  uint64
	LeafIndex  uint64
	ChunkIndex uint64
	Deposit    *big.Int
	CreatedAt  uint64
	Deadline   uint64
}

func (c *Challenge) Clone() *Challenge {
	if c == nil {
		return nil
	}
	out := *c
	out.Deposit = cloneBigInt(c.Deposit)
	return &out
}

// ChallengedSeq is the absolute sequence number of the challenged leaf.
func (c *Challenge) ChallengedSeq() uint64 { return c.StartSeq + c.LeafIndex }

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
