package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"bucketchain/content"
	"bucketchain/core/types"
	"bucketchain/native/storage"
	"bucketchain/observability/metrics"
)

var (
	ErrNothingToSync  = errors.New("agent: bucket has no checkpoint to sync")
	ErrNoVerifiedRoot = errors.New("agent: no claimable root could be verified")
)

const defaultSyncPeriod = 10 * time.Second

// LeafSource is where a replica copies a bucket from. *Peer implements it.
type LeafSource interface {
	content.Store
	Leaves(ctx context.Context, bucket, from, to uint64) (*LeafRange, error)
}

type claimCandidate struct {
	root      common.Hash
	startSeq  uint64
	leafCount uint64
}

// syncCandidates lists the roots a claim may name, by claim position: the
// current snapshot, then one per historical interval.
func syncCandidates(b *storage.Bucket) [storage.SyncClaimSlots]*claimCandidate {
	var out [storage.SyncClaimSlots]*claimCandidate
	if snap := b.Snapshot; snap != nil {
		out[0] = &claimCandidate{root: snap.MMRRoot, startSeq: snap.StartSeq, leafCount: snap.LeafCount}
	}
	for i, h := range b.HistoricalRoots {
		if i+1 >= storage.SyncClaimSlots || h.Empty() {
			continue
		}
		out[i+1] = &claimCandidate{root: h.Root, startSeq: h.StartSeq, leafCount: h.LeafCount}
	}
	return out
}

// ReplicaSyncer keeps a replica's copy of one bucket in step with a source
// provider and confirms each newly verified root on the ledger. It runs at
// its own pace, uncoordinated with other replicas.
type ReplicaSyncer struct {
	bucket   uint64
	local    *Provider
	source   LeafSource
	ledger   Ledger
	sender   *Sender
	interval time.Duration
	logger   *slog.Logger
	metrics  *metrics.AgentMetrics
}

func NewReplicaSyncer(bucket uint64, local *Provider, source LeafSource, ledger Ledger, sender *Sender) *ReplicaSyncer {
	return &ReplicaSyncer{
		bucket:   bucket,
		local:    local,
		source:   source,
		ledger:   ledger,
		sender:   sender,
		interval: defaultSyncPeriod,
		logger:   slog.Default(),
		metrics:  metrics.Agent(),
	}
}

func (r *ReplicaSyncer) SetInterval(d time.Duration) {
	if d > 0 {
		r.interval = d
	}
}

func (r *ReplicaSyncer) SetLogger(logger *slog.Logger) {
	if logger != nil {
		r.logger = logger
	}
}

// Run polls until ctx is cancelled.
func (r *ReplicaSyncer) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := r.SyncOnce(ctx)
			switch {
			case err != nil && ctx.Err() == nil:
				r.logger.Warn("replica sync failed", slog.Uint64("bucket", r.bucket), slog.Any("error", err))
			case res != nil && res.Accepted:
				r.logger.Info("replica sync confirmed",
					slog.Uint64("bucket", r.bucket),
					slog.String("root", res.Root.Hex()),
					slog.Int("position", res.Position))
			}
		}
	}
}

// SyncOnce copies whatever the claimable roots need from the source, keeps
// the roots the local copy reproduces and submits them as one claim signed
// over the first of them, which is the one the ledger will match.
func (r *ReplicaSyncer) SyncOnce(ctx context.Context) (*storage.SyncResult, error) {
	b, err := r.ledger.Bucket(ctx, r.bucket)
	if err != nil {
		return nil, err
	}
	if b.Snapshot == nil {
		return nil, ErrNothingToSync
	}
	var (
		roots []*common.Hash
		first *common.Hash
	)
	for pos, cand := range syncCandidates(b) {
		if cand == nil {
			continue
		}
		if !r.verify(ctx, cand) {
			continue
		}
		for len(roots) < pos {
			roots = append(roots, nil)
		}
		root := cand.root
		roots = append(roots, &root)
		if first == nil {
			first = &root
		}
	}
	if first == nil {
		r.metrics.RecordSync("unverified")
		return nil, ErrNoVerifiedRoot
	}
	self := r.sender.Address()
	sig, err := r.sender.Sign(storage.SyncDigest(r.bucket, self, *first))
	if err != nil {
		return nil, err
	}
	receipt, err := r.sender.Send(ctx, types.TxTypeConfirmSync, types.ConfirmSyncPayload{
		Bucket:    r.bucket,
		Provider:  self,
		Roots:     roots,
		Signature: sig,
	})
	if err != nil {
		r.metrics.RecordSync("rejected")
		return nil, err
	}
	var res storage.SyncResult
	if err := json.Unmarshal(receipt.Result, &res); err != nil {
		return nil, fmt.Errorf("agent: decode sync result: %w", err)
	}
	if res.Accepted {
		r.metrics.RecordSync("accepted")
	} else {
		r.metrics.RecordSync("skipped")
	}
	return &res, nil
}

// verify fetches any missing leaves of cand and reports whether the local
// copy reproduces its root.
func (r *ReplicaSyncer) verify(ctx context.Context, cand *claimCandidate) bool {
	end := cand.startSeq + cand.leafCount
	if err := r.fetch(ctx, cand.startSeq, end); err != nil {
		r.logger.Debug("replica fetch failed",
			slog.Uint64("bucket", r.bucket),
			slog.Uint64("to", end),
			slog.Any("error", err))
		return false
	}
	local, err := r.local.RootOf(r.bucket, cand.startSeq, cand.leafCount)
	if err != nil {
		return false
	}
	if local != cand.root {
		r.logger.Warn("replica copy diverges from checkpoint",
			slog.Uint64("bucket", r.bucket),
			slog.String("want", cand.root.Hex()),
			slog.String("have", local.Hex()))
		return false
	}
	return true
}

func (r *ReplicaSyncer) fetch(ctx context.Context, from, to uint64) error {
	info, err := r.local.Range(r.bucket)
	if err != nil {
		return err
	}
	next := from
	if info.LeafCount > 0 {
		if from < info.StartSeq {
			return fmt.Errorf("%w: %d precedes local start %d", ErrOutOfRange, from, info.StartSeq)
		}
		next = info.StartSeq + info.LeafCount
	}
	for next < to {
		run, err := r.source.Leaves(ctx, r.bucket, next, to)
		if err != nil {
			return err
		}
		if len(run.Leaves) == 0 {
			return fmt.Errorf("%w: source has nothing past %d", ErrOutOfRange, next)
		}
		if next, err = r.local.ReplicateLeaves(ctx, r.bucket, r.source, run); err != nil {
			return err
		}
	}
	return nil
}
