package types

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"

	"bucketchain/storage/chunk"
	"bucketchain/storage/mmr"
)

// Amount wraps v for a payload. Amounts decode from decimal or 0x-hex
// strings.
func Amount(v *big.Int) *math.HexOrDecimal256 {
	if v == nil {
		return nil
	}
	return (*math.HexOrDecimal256)(new(big.Int).Set(v))
}

// BigInt unwraps a payload amount; nil decodes as zero.
func BigInt(v *math.HexOrDecimal256) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set((*big.Int)(v))
}

type TransferPayload struct {
	To     common.Address         `json:"to"`
	Amount *math.HexOrDecimal256 `json:"amount"`
}

type ProviderSettingsPayload struct {
	PricePerByte        *math.HexOrDecimal256 `json:"pricePerByte"`
	MinDuration         uint64                `json:"minDuration"`
	MaxDuration         uint64                `json:"maxDuration"`
	Capacity            uint64                `json:"capacity"`
	AcceptingPrimary    bool                  `json:"acceptingPrimary"`
	AcceptingReplicas   bool                  `json:"acceptingReplicas"`
	AcceptingExtensions bool                  `json:"acceptingExtensions"`
	ReplicaSyncPrice    *math.HexOrDecimal256 `json:"replicaSyncPrice,omitempty"`
}

type RegisterProviderPayload struct {
	Stake    *math.HexOrDecimal256   `json:"stake"`
	Settings ProviderSettingsPayload `json:"settings"`
}

type AmountPayload struct {
	Amount *math.HexOrDecimal256 `json:"amount"`
}

type CreateBucketPayload struct {
	MinProviders uint32 `json:"minProviders"`
}

// BucketPayload addresses a bucket, or the caller's side of an agreement in
// it.
type BucketPayload struct {
	Bucket uint64 `json:"bucket"`
}

type SetMemberPayload struct {
	Bucket  uint64         `json:"bucket"`
	Account common.Address `json:"account"`
	Role    string         `json:"role"`
}

type RemoveMemberPayload struct {
	Bucket  uint64         `json:"bucket"`
	Account common.Address `json:"account"`
}

type SetMinProvidersPayload struct {
	Bucket       uint64 `json:"bucket"`
	MinProviders uint32 `json:"minProviders"`
}

// AgreementPayload addresses the agreement (or request) between a bucket and
// a provider.
type AgreementPayload struct {
	Bucket   uint64         `json:"bucket"`
	Provider common.Address `json:"provider"`
}

type RequestAgreementPayload struct {
	Bucket     uint64                `json:"bucket"`
	Provider   common.Address        `json:"provider"`
	MaxBytes   uint64                `json:"maxBytes"`
	Duration   uint64                `json:"duration"`
	MaxPayment *math.HexOrDecimal256 `json:"maxPayment"`
	// MinSyncInterval turns the request into a replica request when set.
	MinSyncInterval *uint64 `json:"minSyncInterval,omitempty"`
}

type TopUpPayload struct {
	Bucket     uint64                `json:"bucket"`
	Provider   common.Address        `json:"provider"`
	ExtraBytes uint64                `json:"extraBytes"`
	MaxPayment *math.HexOrDecimal256 `json:"maxPayment"`
}

type ExtendPayload struct {
	Bucket        uint64                `json:"bucket"`
	Provider      common.Address        `json:"provider"`
	ExtraDuration uint64                `json:"extraDuration"`
	MaxPayment    *math.HexOrDecimal256 `json:"maxPayment"`
}

type TransferAgreementPayload struct {
	Bucket   uint64         `json:"bucket"`
	Provider common.Address `json:"provider"`
	NewOwner common.Address `json:"newOwner"`
}

type SetExtensionsBlockedPayload struct {
	Bucket   uint64         `json:"bucket"`
	Provider common.Address `json:"provider"`
	Blocked  bool           `json:"blocked"`
}

type EndAgreementPayload struct {
	Bucket   uint64         `json:"bucket"`
	Provider common.Address `json:"provider"`
	Action   string         `json:"action"` // "pay" or "burn"
}

type TopUpSyncBalancePayload struct {
	Bucket   uint64                `json:"bucket"`
	Provider common.Address        `json:"provider"`
	Amount   *math.HexOrDecimal256 `json:"amount"`
}

type ProviderSignaturePayload struct {
	Provider  common.Address `json:"provider"`
	Signature hexutil.Bytes  `json:"signature"`
}

type CheckpointPayload struct {
	Bucket     uint64                     `json:"bucket"`
	Root       common.Hash                `json:"root"`
	StartSeq   uint64                     `json:"startSeq"`
	LeafCount  uint64                     `json:"leafCount"`
	Signatures []ProviderSignaturePayload `json:"signatures"`
}

type ExtendCheckpointPayload struct {
	Bucket     uint64                     `json:"bucket"`
	Signatures []ProviderSignaturePayload `json:"signatures"`
}

type CommitmentPayload struct {
	MMRRoot   common.Hash   `json:"mmrRoot"`
	StartSeq  uint64        `json:"startSeq"`
	LeafCount uint64        `json:"leafCount"`
	Signature hexutil.Bytes `json:"signature"`
}

type ChallengePayload struct {
	Bucket     uint64             `json:"bucket"`
	Provider   common.Address     `json:"provider"`
	Kind       string             `json:"kind"` // snapshot, commitment or replica_sync
	LeafIndex  uint64             `json:"leafIndex"`
	ChunkIndex uint64             `json:"chunkIndex"`
	Commitment *CommitmentPayload `json:"commitment,omitempty"`
}

type ProofPayload struct {
	Leaf       mmr.Leaf       `json:"leaf"`
	LeafProof  *mmr.LeafProof `json:"leafProof"`
	Chunk      hexutil.Bytes  `json:"chunk"`
	ChunkProof *chunk.Proof   `json:"chunkProof"`
}

type DeletedPayload struct {
	NewRoot     common.Hash    `json:"newRoot"`
	NewStartSeq uint64         `json:"newStartSeq"`
	Admin       common.Address `json:"admin"`
	AdminSig    hexutil.Bytes  `json:"adminSig"`
}

// RespondPayload answers a challenge. Kind selects which of Proof or Deleted
// is read; superseded responses carry neither.
type RespondPayload struct {
	Challenge uint64          `json:"challenge"`
	Kind      string          `json:"kind"` // proof, deleted or superseded
	Proof     *ProofPayload   `json:"proof,omitempty"`
	Deleted   *DeletedPayload `json:"deleted,omitempty"`
}

type ChallengeIDPayload struct {
	Challenge uint64 `json:"challenge"`
}

// ConfirmSyncPayload lists the claimed roots by position: the current
// snapshot first, then one per historical interval. Null positions are
// unclaimed.
type ConfirmSyncPayload struct {
	Bucket    uint64         `json:"bucket"`
	Provider  common.Address `json:"provider"`
	Roots     []*common.Hash `json:"roots"`
	Signature hexutil.Bytes  `json:"signature"`
}
