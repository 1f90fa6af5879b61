package agent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"bucketchain/core/types"
	"bucketchain/crypto"
	"bucketchain/native/storage"
)

// CheckpointSigner returns a primary's signature over a proposed checkpoint.
// *Provider signs locally and *Peer asks a remote provider.
type CheckpointSigner interface {
	SignCheckpoint(ctx context.Context, bucket uint64, root common.Hash, startSeq, leafCount uint64) (types.ProviderSignaturePayload, error)
}

// Collector asks every primary of a bucket to sign a checkpoint at once and
// returns as soon as quorum is reached, cancelling the stragglers.
type Collector struct {
	signers []CheckpointSigner
	logger  *slog.Logger
}

func NewCollector(signers []CheckpointSigner, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{signers: signers, logger: logger}
}

// Collect gathers quorum distinct signatures over (bucket, root, startSeq,
// leafCount). A signer that refuses, fails or returns a signature that does
// not recover to its claimed provider only costs its own vote.
func (c *Collector) Collect(ctx context.Context, bucket uint64, root common.Hash, startSeq, leafCount uint64, quorum int) ([]types.ProviderSignaturePayload, error) {
	if quorum <= 0 {
		quorum = 1
	}
	if quorum > len(c.signers) {
		return nil, fmt.Errorf("%w: quorum %d exceeds %d signers", ErrQuorumNotReached, quorum, len(c.signers))
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	results := make(chan types.ProviderSignaturePayload, len(c.signers))
	for _, signer := range c.signers {
		signer := signer
		g.Go(func() error {
			sig, err := signer.SignCheckpoint(gctx, bucket, root, startSeq, leafCount)
			if err != nil {
				if gctx.Err() == nil {
					c.logger.Warn("checkpoint signature refused",
						slog.Uint64("bucket", bucket),
						slog.String("root", root.Hex()),
						slog.Any("error", err))
				}
				return nil
			}
			results <- sig
			return nil
		})
	}
	go func() {
		_ = g.Wait()
		close(results)
	}()

	digest := storage.CheckpointDigest(bucket, root, startSeq, leafCount)
	seen := make(map[common.Address]struct{}, quorum)
	out := make([]types.ProviderSignaturePayload, 0, quorum)
	for sig := range results {
		if _, dup := seen[sig.Provider]; dup {
			continue
		}
		if !crypto.VerifySigner(sig.Provider, digest, sig.Signature) {
			c.logger.Warn("checkpoint signature rejected",
				slog.Uint64("bucket", bucket),
				slog.String("provider", sig.Provider.Hex()))
			continue
		}
		seen[sig.Provider] = struct{}{}
		out = append(out, sig)
		if len(out) >= quorum {
			return out, nil
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: %d of %d", ErrQuorumNotReached, len(out), quorum)
}

// Checkpoint collects a quorum for the bucket's min_providers and submits
// the checkpoint through sender.
func (c *Collector) Checkpoint(ctx context.Context, sender *Sender, bucket *storage.Bucket, root common.Hash, startSeq, leafCount uint64) (*types.Receipt, error) {
	sigs, err := c.Collect(ctx, bucket.ID, root, startSeq, leafCount, int(bucket.MinProviders))
	if err != nil {
		return nil, err
	}
	return sender.Send(ctx, types.TxTypeCheckpoint, types.CheckpointPayload{
		Bucket:     bucket.ID,
		Root:       root,
		StartSeq:   startSeq,
		LeafCount:  leafCount,
		Signatures: sigs,
	})
}
