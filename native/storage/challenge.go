package storage

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"bucketchain/crypto"
	"bucketchain/storage/chunk"
	"bucketchain/storage/mmr"
)

const challengeSequence = "challenge"

// Commitment is an off-chain range commitment signed by a provider with
// CheckpointDigest.
type Commitment struct {
	MMRRoot   common.Hash
	StartSeq  uint64
	LeafCount uint64
	Signature []byte
}

type ChallengeParams struct {
	Bucket     uint64
	Provider   common.Address
	Kind       ChallengeKind
	LeafIndex  uint64
	ChunkIndex uint64
	Commitment *Commitment
}

type ResponseKind uint8

const (
	ResponseProof ResponseKind = iota + 1
	ResponseDeleted
	ResponseSuperseded
)

func (k ResponseKind) String() string {
	switch k {
	case ResponseProof:
		return "proof"
	case ResponseDeleted:
		return "deleted"
	case ResponseSuperseded:
		return "superseded"
	default:
		return "unknown"
	}
}

// ProofResponse shows the challenged chunk: the leaf under the committed root
// and the chunk under the leaf's data root.
type ProofResponse struct {
	Leaf       mmr.Leaf
	LeafProof  *mmr.LeafProof
	Chunk      []byte
	ChunkProof *chunk.Proof
}

// DeletedResponse shows that a bucket admin restarted the bucket past the
// challenged sequence.
type DeletedResponse struct {
	NewRoot     common.Hash
	NewStartSeq uint64
	Admin       common.Address
	AdminSig    []byte
}

// Response is a tagged union; exactly the field matching Kind is read.
// Superseded carries no payload.
type Response struct {
	Kind    ResponseKind
	Proof   *ProofResponse
	Deleted *DeletedResponse
}

// CostSplit returns the share of the challenger's deposit, in basis points,
// refunded to the challenger when the provider defends after delay blocks.
// The provider receives the remainder.
func CostSplit(delay uint64) uint64 {
	switch {
	case delay <= 1:
		return 9_000
	case delay <= 5:
		return 8_000
	case delay <= 20:
		return 7_000
	case delay <= 100:
		return 6_000
	default:
		return 5_000
	}
}

// CreateChallenge escrows the challenge deposit from caller and opens a
// challenge against one chunk of one leaf.
func (e *Engine) CreateChallenge(caller common.Address, params ChallengeParams) (*Challenge, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	b, err := e.loadBucket(params.Bucket)
	if err != nil {
		return nil, err
	}
	p, err := e.loadProvider(params.Provider)
	if err != nil {
		return nil, err
	}
	a, err := e.liveAgreement(params.Bucket, params.Provider)
	if err != nil {
		return nil, err
	}
	c := &Challenge{
		Bucket:     params.Bucket,
		Provider:   params.Provider,
		Challenger: caller,
		Kind:       params.Kind,
		LeafIndex:  params.LeafIndex,
		ChunkIndex: params.ChunkIndex,
	}
	switch params.Kind {
	case ChallengeSnapshot:
		if b.Snapshot == nil {
			return nil, ErrNoSnapshot
		}
		if !b.IsCurrentSigner(params.Provider) {
			return nil, ErrNotCurrentSigner
		}
		c.MMRRoot, c.StartSeq, c.LeafCount = b.Snapshot.MMRRoot, b.Snapshot.StartSeq, b.Snapshot.LeafCount
	case ChallengeCommitment:
		cm := params.Commitment
		if cm == nil {
			return nil, fmt.Errorf("%w: missing commitment", ErrInvalidArgument)
		}
		digest := CheckpointDigest(params.Bucket, cm.MMRRoot, cm.StartSeq, cm.LeafCount)
		if !crypto.VerifySigner(params.Provider, digest, cm.Signature) {
			return nil, ErrInvalidSignature
		}
		c.MMRRoot, c.StartSeq, c.LeafCount = cm.MMRRoot, cm.StartSeq, cm.LeafCount
	case ChallengeReplicaSync:
		if a.Replica == nil {
			return nil, ErrNotReplica
		}
		last := a.Replica.LastSync
		if last.Empty() {
			return nil, ErrNoSync
		}
		c.MMRRoot, c.StartSeq, c.LeafCount = last.Root, last.StartSeq, last.LeafCount
	default:
		return nil, fmt.Errorf("%w: challenge kind %d", ErrInvalidArgument, params.Kind)
	}
	if c.LeafIndex >= c.LeafCount {
		return nil, fmt.Errorf("%w: %d of %d", ErrLeafOutOfRange, c.LeafIndex, c.LeafCount)
	}
	deposit := cloneBigInt(e.params.ChallengeDeposit)
	if err := e.debit(caller, deposit); err != nil {
		return nil, err
	}
	now := e.now()
	deadline, err := checkedAdd(now, e.params.ChallengeTimeout)
	if err != nil {
		return nil, err
	}
	id, err := e.state.NextSequence(challengeSequence)
	if err != nil {
		return nil, err
	}
	c.ID = id
	c.Deposit = deposit
	c.CreatedAt = now
	c.Deadline = deadline
	p.Stats.ChallengesReceived++
	if err := e.state.PutStorageProvider(p); err != nil {
		return nil, err
	}
	if err := e.state.PutStorageChallenge(c); err != nil {
		return nil, err
	}
	e.emit(challengeEvent(EventTypeChallengeCreated, c, map[string]string{"deposit": deposit.String()}))
	return c.Clone(), nil
}

// Respond submits a defence. A valid response closes the challenge as
// defended and splits the deposit by response delay; an invalid one returns
// ErrInvalidProof and leaves the challenge open.
func (e *Engine) Respond(id uint64, resp Response) error {
	if err := e.ready(); err != nil {
		return err
	}
	c, err := e.loadChallenge(id)
	if err != nil {
		return err
	}
	now := e.now()
	if now > c.Deadline {
		return ErrChallengeExpired
	}
	b, err := e.loadBucket(c.Bucket)
	if err != nil {
		return err
	}
	switch resp.Kind {
	case ResponseProof:
		err = e.verifyProof(c, resp.Proof)
	case ResponseDeleted:
		err = verifyDeleted(b, c, resp.Deleted)
	case ResponseSuperseded:
		err = verifySuperseded(b, c)
	default:
		err = ErrUnknownResponse
	}
	if err != nil {
		return err
	}

	delay := now - c.CreatedAt
	refund := applyBps(c.Deposit, CostSplit(delay))
	share := new(big.Int).Sub(c.Deposit, refund)
	if err := e.credit(c.Challenger, refund); err != nil {
		return err
	}
	if err := e.credit(c.Provider, share); err != nil {
		return err
	}
	if err := e.state.DeleteStorageChallenge(id); err != nil {
		return err
	}
	e.emit(challengeEvent(EventTypeChallengeDefended, c, map[string]string{
		"response":         resp.Kind.String(),
		"delay":            formatUint(delay),
		"challengerRefund": refund.String(),
		"providerShare":    share.String(),
	}))
	return nil
}

func (e *Engine) verifyProof(c *Challenge, proof *ProofResponse) error {
	if proof == nil || proof.LeafProof == nil || proof.ChunkProof == nil {
		return fmt.Errorf("%w: incomplete proof", ErrInvalidProof)
	}
	if proof.LeafProof.LeafCount != c.LeafCount {
		return fmt.Errorf("%w: proof for %d leaves, committed %d", ErrInvalidProof, proof.LeafProof.LeafCount, c.LeafCount)
	}
	if !mmr.VerifyLeaf(c.MMRRoot, c.LeafIndex, proof.Leaf, proof.LeafProof) {
		return fmt.Errorf("%w: leaf not under committed root", ErrInvalidProof)
	}
	chunkCount := chunk.Count(proof.Leaf.DataSize, e.params.ChunkSize)
	if chunkCount == 0 {
		return fmt.Errorf("%w: empty leaf", ErrInvalidProof)
	}
	if uint64(len(proof.Chunk)) > e.params.ChunkSize {
		return fmt.Errorf("%w: oversized chunk", ErrInvalidProof)
	}
	index := c.ChunkIndex % chunkCount
	if !chunk.Verify(proof.Leaf.DataRoot, chunkCount, index, proof.Chunk, proof.ChunkProof) {
		return fmt.Errorf("%w: chunk not under data root", ErrInvalidProof)
	}
	return nil
}

func verifyDeleted(b *Bucket, c *Challenge, del *DeletedResponse) error {
	if del == nil {
		return fmt.Errorf("%w: missing deletion", ErrInvalidProof)
	}
	if !b.IsAdmin(del.Admin) {
		return fmt.Errorf("%w: signer is not a bucket admin", ErrInvalidProof)
	}
	if !crypto.VerifySigner(del.Admin, DeletionDigest(b.ID, del.NewRoot, del.NewStartSeq), del.AdminSig) {
		return fmt.Errorf("%w: bad admin signature", ErrInvalidProof)
	}
	if c.ChallengedSeq() >= del.NewStartSeq {
		return fmt.Errorf("%w: sequence %d not deleted by restart at %d", ErrInvalidProof, c.ChallengedSeq(), del.NewStartSeq)
	}
	return nil
}

// verifySuperseded accepts when the canonical range has moved on past the
// challenged sequence. A challenge against the root that is still canonical
// can only be answered with a proof, otherwise every snapshot challenge could
// be dodged without serving data.
func verifySuperseded(b *Bucket, c *Challenge) error {
	snap := b.Snapshot
	if snap == nil {
		return fmt.Errorf("%w: no canonical snapshot", ErrInvalidProof)
	}
	if snap.MMRRoot == c.MMRRoot && snap.StartSeq == c.StartSeq && snap.LeafCount == c.LeafCount {
		return fmt.Errorf("%w: challenged root is canonical", ErrInvalidProof)
	}
	if c.ChallengedSeq() >= snap.End() {
		return fmt.Errorf("%w: sequence %d at or past canonical end %d", ErrInvalidProof, c.ChallengedSeq(), snap.End())
	}
	return nil
}

// ResolveExpired slashes the provider of a challenge whose deadline has
// passed. Anyone may call it; end-of-block processing does so automatically.
func (e *Engine) ResolveExpired(id uint64) error {
	if err := e.ready(); err != nil {
		return err
	}
	c, err := e.loadChallenge(id)
	if err != nil {
		return err
	}
	if e.now() <= c.Deadline {
		return ErrChallengeNotExpired
	}
	return e.slash(c)
}

// slash forfeits the provider's whole stake. The challenger gets the deposit
// back plus SlashRewardBps of the stake; the rest is burned. A provider with
// nothing left at stake is not slashed again.
func (e *Engine) slash(c *Challenge) error {
	if err := e.credit(c.Challenger, c.Deposit); err != nil {
		return err
	}
	slashed := new(big.Int)
	reward := new(big.Int)
	p, ok, err := e.state.StorageProvider(c.Provider)
	if err != nil {
		return err
	}
	if ok && p.Stake.Sign() > 0 {
		slashed.Set(p.Stake)
		reward = applyBps(slashed, e.params.SlashRewardBps)
		if err := e.credit(c.Challenger, reward); err != nil {
			return err
		}
		if err := e.burn(new(big.Int).Sub(slashed, reward)); err != nil {
			return err
		}
		p.Stake = new(big.Int)
		p.Stats.ChallengesFailed++
		p.SlashCount++
		if err := e.state.PutStorageProvider(p); err != nil {
			return err
		}
	}
	if a, ok, err := e.state.StorageAgreement(c.Bucket, c.Provider); err != nil {
		return err
	} else if ok && !a.Slashed {
		a.Slashed = true
		if err := e.state.PutStorageAgreement(a); err != nil {
			return err
		}
	}
	if err := e.state.DeleteStorageChallenge(c.ID); err != nil {
		return err
	}
	e.emit(challengeEvent(EventTypeChallengeSlashed, c, map[string]string{
		"slashed": slashed.String(),
		"reward":  reward.String(),
	}))
	return nil
}

// CancelChallenge lets the challenger withdraw before resolution. The cancel
// fee goes to the provider.
func (e *Engine) CancelChallenge(caller common.Address, id uint64) error {
	if err := e.ready(); err != nil {
		return err
	}
	c, err := e.loadChallenge(id)
	if err != nil {
		return err
	}
	if c.Challenger != caller {
		return ErrUnauthorized
	}
	if e.now() > c.Deadline {
		return ErrChallengeExpired
	}
	fee := applyBps(c.Deposit, e.params.CancelFeeBps)
	if err := e.credit(c.Provider, fee); err != nil {
		return err
	}
	if err := e.credit(caller, new(big.Int).Sub(c.Deposit, fee)); err != nil {
		return err
	}
	if err := e.state.DeleteStorageChallenge(id); err != nil {
		return err
	}
	e.emit(challengeEvent(EventTypeChallengeCancelled, c, map[string]string{"fee": fee.String()}))
	return nil
}

// Challenges lists open challenges whose creation height lies in [from, to].
func (e *Engine) Challenges(from, to uint64) ([]*Challenge, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	ids, err := e.state.StorageOpenChallenges()
	if err != nil {
		return nil, err
	}
	out := make([]*Challenge, 0, len(ids))
	for _, id := range ids {
		c, err := e.loadChallenge(id)
		if err != nil {
			return nil, err
		}
		if c.CreatedAt >= from && c.CreatedAt <= to {
			out = append(out, c)
		}
	}
	return out, nil
}

// ChallengePeriod is the number of blocks a provider has to respond.
func (e *Engine) ChallengePeriod() uint64 { return e.params.ChallengeTimeout }
