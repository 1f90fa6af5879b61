package agent

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/syndtr/goleveldb/leveldb"

	"bucketchain/content"
	"bucketchain/core/types"
	"bucketchain/crypto"
	"bucketchain/native/storage"
	"bucketchain/observability/metrics"
	"bucketchain/storage/chunk"
	"bucketchain/storage/mmr"
)

var (
	ErrUnknownRoot      = errors.New("agent: root not held locally")
	ErrOutOfRange       = errors.New("agent: sequence outside local range")
	ErrContentMissing   = errors.New("agent: content not stored")
	ErrCannotDefend     = errors.New("agent: no valid response for challenge")
	ErrBadRestart       = errors.New("agent: invalid restart authorisation")
	ErrQuorumNotReached = errors.New("agent: checkpoint quorum not reached")
)

// maxLeavesPerRead bounds a single Leaves call.
const maxLeavesPerRead = 1024

var (
	metaPrefix = []byte("meta/")
	mmrPrefix  = []byte("mmr/")
)

// AppendResult reports the position and new root after an append.
type AppendResult struct {
	Seq       uint64      `json:"seq"`
	Leaf      mmr.Leaf    `json:"leaf"`
	Root      common.Hash `json:"root"`
	StartSeq  uint64      `json:"startSeq"`
	LeafCount uint64      `json:"leafCount"`
}

// LeafRange is a run of consecutive leaves beginning at StartSeq.
type LeafRange struct {
	StartSeq uint64     `json:"startSeq"`
	Leaves   []mmr.Leaf `json:"leaves"`
}

// RangeInfo describes a bucket's local range.
type RangeInfo struct {
	StartSeq  uint64      `json:"startSeq"`
	LeafCount uint64      `json:"leafCount"`
	Root      common.Hash `json:"root"`
}

// ChunkRead is one chunk of a leaf with the proof tying it to the leaf's
// data root.
type ChunkRead struct {
	Leaf  mmr.Leaf      `json:"leaf"`
	Index uint64        `json:"index"`
	Data  hexutil.Bytes `json:"data"`
	Proof *chunk.Proof  `json:"proof"`
}

type rangeMeta struct {
	StartSeq uint64                `json:"startSeq"`
	Epoch    uint64                `json:"epoch"`
	Restart  *types.DeletedPayload `json:"restart,omitempty"`
}

type bucketRange struct {
	meta  rangeMeta
	store *mmr.LevelStore
	mmr   *mmr.MMR
}

func (r *bucketRange) end() uint64 { return r.meta.StartSeq + r.mmr.LeafCount() }

// Provider is a storage provider's local state: content in a content store
// and one range per bucket persisted in goleveldb. Primaries ingest writes
// into it; replicas fill it from another provider.
type Provider struct {
	key       *crypto.PrivateKey
	content   content.Store
	db        *leveldb.DB
	chunkSize uint64
	logger    *slog.Logger
	metrics   *metrics.AgentMetrics

	mu      sync.Mutex
	buckets map[uint64]*bucketRange
}

// NewProvider serves ranges from db and content from store. chunkSize must
// match the ledger's chunk size parameter or proofs will not verify.
func NewProvider(key *crypto.PrivateKey, store content.Store, db *leveldb.DB, chunkSize uint64) *Provider {
	if chunkSize == 0 {
		chunkSize = chunk.DefaultSize
	}
	return &Provider{
		key:       key,
		content:   store,
		db:        db,
		chunkSize: chunkSize,
		logger:    slog.Default(),
		metrics:   metrics.Agent(),
		buckets:   make(map[uint64]*bucketRange),
	}
}

func (p *Provider) SetLogger(logger *slog.Logger) {
	if logger != nil {
		p.logger = logger
	}
}

func (p *Provider) Address() common.Address { return p.key.Address() }

func (p *Provider) ChunkSize() uint64 { return p.chunkSize }

// Content exposes the provider's content store to the data plane.
func (p *Provider) Content() content.Store { return p.content }

func be64(v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return buf[:]
}

func metaKey(bucket uint64) []byte {
	return append(append([]byte(nil), metaPrefix...), be64(bucket)...)
}

func rangePrefix(bucket, epoch uint64) []byte {
	out := append([]byte(nil), mmrPrefix...)
	out = append(out, be64(bucket)...)
	out = append(out, be64(epoch)...)
	return append(out, '/')
}

// rangeLocked loads or creates the bucket's range. Callers hold p.mu.
func (p *Provider) rangeLocked(bucket uint64) (*bucketRange, error) {
	if r, ok := p.buckets[bucket]; ok {
		return r, nil
	}
	var meta rangeMeta
	raw, err := p.db.Get(metaKey(bucket), nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
	case err != nil:
		return nil, err
	default:
		if err := json.Unmarshal(raw, &meta); err != nil {
			return nil, fmt.Errorf("agent: corrupt range metadata for bucket %d: %w", bucket, err)
		}
	}
	store := mmr.NewLevelStore(p.db, rangePrefix(bucket, meta.Epoch))
	m, err := mmr.New(store)
	if err != nil {
		return nil, err
	}
	r := &bucketRange{meta: meta, store: store, mmr: m}
	p.buckets[bucket] = r
	return r, nil
}

func (p *Provider) putMeta(bucket uint64, meta rangeMeta) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return p.db.Put(metaKey(bucket), raw, nil)
}

// Ingest stores data as a chunk tree and appends it to the bucket's range.
func (p *Provider) Ingest(ctx context.Context, bucket uint64, data []byte) (*AppendResult, error) {
	tree, err := content.Put(ctx, p.content, data, int(p.chunkSize))
	if err != nil {
		return nil, err
	}
	return p.AppendLeaf(ctx, bucket, tree.Root(), tree.Size())
}

// AppendLeaf appends content already in the store to the bucket's range.
// Uploads are never rejected for conflicting with other providers; forks are
// settled at checkpoint time.
func (p *Provider) AppendLeaf(ctx context.Context, bucket uint64, dataRoot common.Hash, dataSize uint64) (*AppendResult, error) {
	if dataSize == 0 {
		return nil, fmt.Errorf("%w: empty leaf", ErrContentMissing)
	}
	have, err := p.content.Exists(ctx, []common.Hash{dataRoot})
	if err != nil {
		return nil, err
	}
	if !have[0] {
		return nil, fmt.Errorf("%w: %s", ErrContentMissing, dataRoot.Hex())
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	r, err := p.rangeLocked(bucket)
	if err != nil {
		return nil, err
	}
	leaf := mmr.Leaf{DataRoot: dataRoot, DataSize: dataSize, TotalSize: dataSize}
	if count := r.mmr.LeafCount(); count > 0 {
		last, err := r.mmr.Leaf(count - 1)
		if err != nil {
			return nil, err
		}
		leaf.TotalSize += last.TotalSize
	}
	res, err := p.appendLocked(r, leaf)
	if err != nil {
		return nil, err
	}
	p.metrics.RecordLeaf("ingest")
	return res, nil
}

func (p *Provider) appendLocked(r *bucketRange, leaf mmr.Leaf) (*AppendResult, error) {
	seq := r.end()
	root, err := r.mmr.Append(leaf)
	if err != nil {
		return nil, err
	}
	return &AppendResult{
		Seq:       seq,
		Leaf:      leaf,
		Root:      root,
		StartSeq:  r.meta.StartSeq,
		LeafCount: r.mmr.LeafCount(),
	}, nil
}

// Range reports the bucket's local range.
func (p *Provider) Range(bucket uint64) (RangeInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, err := p.rangeLocked(bucket)
	if err != nil {
		return RangeInfo{}, err
	}
	root, err := r.mmr.Root()
	if err != nil {
		return RangeInfo{}, err
	}
	return RangeInfo{StartSeq: r.meta.StartSeq, LeafCount: r.mmr.LeafCount(), Root: root}, nil
}

// viewLocked returns a range whose leaf 0 is sequence start and which holds
// at least count leaves. The persisted range serves ranges that begin where
// it does; later starts are rebuilt in memory.
func (p *Provider) viewLocked(r *bucketRange, start, count uint64) (*mmr.MMR, error) {
	end := start + count
	if end < start || start < r.meta.StartSeq || end > r.end() {
		return nil, fmt.Errorf("%w: [%d,%d) not within [%d,%d)", ErrOutOfRange, start, end, r.meta.StartSeq, r.end())
	}
	if start == r.meta.StartSeq {
		return r.mmr, nil
	}
	view, err := mmr.New(mmr.NewMemoryStore())
	if err != nil {
		return nil, err
	}
	offset := start - r.meta.StartSeq
	for i := uint64(0); i < count; i++ {
		leaf, err := r.mmr.Leaf(offset + i)
		if err != nil {
			return nil, err
		}
		if _, err := view.Append(leaf); err != nil {
			return nil, err
		}
	}
	return view, nil
}

// RootOf returns the root of [start, start+count) as held locally.
func (p *Provider) RootOf(bucket, start, count uint64) (common.Hash, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, err := p.rangeLocked(bucket)
	if err != nil {
		return common.Hash{}, err
	}
	view, err := p.viewLocked(r, start, count)
	if err != nil {
		return common.Hash{}, err
	}
	return view.RootAt(count)
}

// Commitment signs the bucket's whole local range. The signature is a
// checkpoint signature, so clients can both submit it and challenge it.
func (p *Provider) Commitment(bucket uint64) (*types.CommitmentPayload, error) {
	info, err := p.Range(bucket)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(p.key, storage.CheckpointDigest(bucket, info.Root, info.StartSeq, info.LeafCount))
	if err != nil {
		return nil, err
	}
	return &types.CommitmentPayload{
		MMRRoot:   info.Root,
		StartSeq:  info.StartSeq,
		LeafCount: info.LeafCount,
		Signature: sig,
	}, nil
}

// SignCheckpoint signs a proposed checkpoint only if the local range
// reproduces root.
func (p *Provider) SignCheckpoint(_ context.Context, bucket uint64, root common.Hash, startSeq, leafCount uint64) (types.ProviderSignaturePayload, error) {
	local, err := p.RootOf(bucket, startSeq, leafCount)
	if err != nil {
		p.metrics.RecordSignature("refused")
		return types.ProviderSignaturePayload{}, err
	}
	if local != root {
		p.metrics.RecordSignature("refused")
		return types.ProviderSignaturePayload{}, fmt.Errorf("%w: have %s for [%d,+%d)", ErrUnknownRoot, local.Hex(), startSeq, leafCount)
	}
	sig, err := crypto.Sign(p.key, storage.CheckpointDigest(bucket, root, startSeq, leafCount))
	if err != nil {
		return types.ProviderSignaturePayload{}, err
	}
	p.metrics.RecordSignature("signed")
	return types.ProviderSignaturePayload{Provider: p.Address(), Signature: sig}, nil
}

// Leaves returns leaves [from, to), capped at maxLeavesPerRead.
func (p *Provider) Leaves(_ context.Context, bucket, from, to uint64) (*LeafRange, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, err := p.rangeLocked(bucket)
	if err != nil {
		return nil, err
	}
	if to > r.end() {
		to = r.end()
	}
	if from < r.meta.StartSeq || from > to {
		return nil, fmt.Errorf("%w: from %d not within [%d,%d]", ErrOutOfRange, from, r.meta.StartSeq, to)
	}
	if to-from > maxLeavesPerRead {
		to = from + maxLeavesPerRead
	}
	out := &LeafRange{StartSeq: from, Leaves: make([]mmr.Leaf, 0, to-from)}
	for seq := from; seq < to; seq++ {
		leaf, err := r.mmr.Leaf(seq - r.meta.StartSeq)
		if err != nil {
			return nil, err
		}
		out.Leaves = append(out.Leaves, leaf)
	}
	return out, nil
}

// Leaf returns the leaf at sequence seq.
func (p *Provider) Leaf(bucket, seq uint64) (mmr.Leaf, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, err := p.rangeLocked(bucket)
	if err != nil {
		return mmr.Leaf{}, err
	}
	if seq < r.meta.StartSeq || seq >= r.end() {
		return mmr.Leaf{}, fmt.Errorf("%w: %d", ErrOutOfRange, seq)
	}
	return r.mmr.Leaf(seq - r.meta.StartSeq)
}

// ReadChunk reads chunk index of the leaf at seq. The index wraps modulo the
// leaf's chunk count, as challenges do.
func (p *Provider) ReadChunk(ctx context.Context, bucket, seq, index uint64) (*ChunkRead, error) {
	leaf, err := p.Leaf(bucket, seq)
	if err != nil {
		return nil, err
	}
	return p.readChunk(ctx, leaf, index)
}

func (p *Provider) readChunk(ctx context.Context, leaf mmr.Leaf, index uint64) (*ChunkRead, error) {
	count := chunk.Count(leaf.DataSize, p.chunkSize)
	if count == 0 {
		return nil, fmt.Errorf("%w: empty leaf", ErrContentMissing)
	}
	index %= count
	data, proof, err := content.Read(ctx, p.content, leaf.DataRoot, leaf.DataSize, p.chunkSize, index)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrContentMissing, err)
	}
	return &ChunkRead{Leaf: leaf, Index: index, Data: data, Proof: proof}, nil
}

// ReplicateLeaves appends leaves copied from another provider, mirroring
// their content from src first. The range must continue exactly where the
// local one ends; an empty local range adopts the source's start.
func (p *Provider) ReplicateLeaves(ctx context.Context, bucket uint64, src content.Store, run *LeafRange) (uint64, error) {
	for _, leaf := range run.Leaves {
		if err := content.Mirror(ctx, p.content, src, leaf.DataRoot); err != nil {
			return 0, err
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	r, err := p.rangeLocked(bucket)
	if err != nil {
		return 0, err
	}
	if r.mmr.LeafCount() == 0 && r.meta.StartSeq != run.StartSeq {
		r.meta.StartSeq = run.StartSeq
		if err := p.putMeta(bucket, r.meta); err != nil {
			return 0, err
		}
	}
	if run.StartSeq != r.end() {
		return 0, fmt.Errorf("%w: run starts at %d, local range ends at %d", ErrOutOfRange, run.StartSeq, r.end())
	}
	for _, leaf := range run.Leaves {
		if _, err := p.appendLocked(r, leaf); err != nil {
			return 0, err
		}
		p.metrics.RecordLeaf("replica")
	}
	return r.end(), nil
}

// Restart discards the bucket's range and begins a fresh one at
// del.NewStartSeq, keeping the admin's authorisation to answer challenges
// against deleted sequences. The signature is checked against del.Admin;
// whether Admin administers the bucket is for the ledger to decide.
func (p *Provider) Restart(bucket uint64, del types.DeletedPayload) error {
	digest := storage.DeletionDigest(bucket, del.NewRoot, del.NewStartSeq)
	if !crypto.VerifySigner(del.Admin, digest, del.AdminSig) {
		return fmt.Errorf("%w: bad admin signature", ErrBadRestart)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	r, err := p.rangeLocked(bucket)
	if err != nil {
		return err
	}
	if del.NewStartSeq < r.meta.StartSeq {
		return fmt.Errorf("%w: start %d behind current %d", ErrBadRestart, del.NewStartSeq, r.meta.StartSeq)
	}
	if err := r.store.Drop(); err != nil {
		return err
	}
	meta := rangeMeta{StartSeq: del.NewStartSeq, Epoch: r.meta.Epoch + 1, Restart: &del}
	if err := p.putMeta(bucket, meta); err != nil {
		return err
	}
	delete(p.buckets, bucket)
	p.logger.Info("bucket range restarted",
		slog.Uint64("bucket", bucket),
		slog.Uint64("start_seq", del.NewStartSeq))
	return nil
}

// BuildResponse answers a challenge against this provider. A proof is
// preferred; otherwise a recorded restart past the challenged sequence, and
// finally a superseded claim when bucket shows the canonical range has moved
// on. bucket may be nil when the caller has no fresh view of it.
func (p *Provider) BuildResponse(ctx context.Context, c *storage.Challenge, bucket *storage.Bucket) (*types.RespondPayload, error) {
	if c.Provider != p.Address() {
		return nil, fmt.Errorf("%w: challenge %d targets %s", ErrCannotDefend, c.ID, c.Provider.Hex())
	}
	proof, proofErr := p.prove(ctx, c)
	if proofErr == nil {
		return &types.RespondPayload{Challenge: c.ID, Kind: storage.ResponseProof.String(), Proof: proof}, nil
	}
	if del := p.restartFor(c); del != nil {
		return &types.RespondPayload{Challenge: c.ID, Kind: storage.ResponseDeleted.String(), Deleted: del}, nil
	}
	if bucket != nil && superseded(bucket, c) {
		return &types.RespondPayload{Challenge: c.ID, Kind: storage.ResponseSuperseded.String()}, nil
	}
	return nil, fmt.Errorf("%w: %d: %v", ErrCannotDefend, c.ID, proofErr)
}

func (p *Provider) prove(ctx context.Context, c *storage.Challenge) (*types.ProofPayload, error) {
	p.mu.Lock()
	r, err := p.rangeLocked(c.Bucket)
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}
	view, err := p.viewLocked(r, c.StartSeq, c.LeafCount)
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	root, err := view.RootAt(c.LeafCount)
	if err != nil {
		return nil, err
	}
	if root != c.MMRRoot {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRoot, c.MMRRoot.Hex())
	}
	leaf, err := view.Leaf(c.LeafIndex)
	if err != nil {
		return nil, err
	}
	leafProof, err := view.ProveLeafAt(c.LeafIndex, c.LeafCount)
	if err != nil {
		return nil, err
	}
	read, err := p.readChunk(ctx, leaf, c.ChunkIndex)
	if err != nil {
		return nil, err
	}
	return &types.ProofPayload{Leaf: leaf, LeafProof: leafProof, Chunk: read.Data, ChunkProof: read.Proof}, nil
}

func (p *Provider) restartFor(c *storage.Challenge) *types.DeletedPayload {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, err := p.rangeLocked(c.Bucket)
	if err != nil || r.meta.Restart == nil {
		return nil
	}
	if c.ChallengedSeq() >= r.meta.Restart.NewStartSeq {
		return nil
	}
	del := *r.meta.Restart
	return &del
}

func superseded(b *storage.Bucket, c *storage.Challenge) bool {
	snap := b.Snapshot
	if snap == nil {
		return false
	}
	if snap.MMRRoot == c.MMRRoot && snap.StartSeq == c.StartSeq && snap.LeafCount == c.LeafCount {
		return false
	}
	return c.ChallengedSeq() < snap.End()
}
