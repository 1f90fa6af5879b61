package agent

import (
	"context"
	"log/slog"
	"time"
)

const defaultCheckpointPeriod = 30 * time.Second

// Checkpointer proposes checkpoints for the buckets its provider
// coordinates. Whenever the local range has grown past the ledger snapshot it
// collects primary signatures over the local root and submits them.
type Checkpointer struct {
	provider  *Provider
	collector *Collector
	ledger    Ledger
	sender    *Sender
	buckets   []uint64
	interval  time.Duration
	logger    *slog.Logger
}

func NewCheckpointer(provider *Provider, collector *Collector, ledger Ledger, sender *Sender, buckets []uint64) *Checkpointer {
	return &Checkpointer{
		provider:  provider,
		collector: collector,
		ledger:    ledger,
		sender:    sender,
		buckets:   append([]uint64(nil), buckets...),
		interval:  defaultCheckpointPeriod,
		logger:    slog.Default(),
	}
}

func (c *Checkpointer) SetInterval(d time.Duration) {
	if d > 0 {
		c.interval = d
	}
}

func (c *Checkpointer) SetLogger(logger *slog.Logger) {
	if logger != nil {
		c.logger = logger
	}
}

// Run ticks until ctx is cancelled.
func (c *Checkpointer) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Tick(ctx)
		}
	}
}

// Tick checkpoints every coordinated bucket whose local range is ahead of
// the ledger and returns how many checkpoints were accepted. A failing
// bucket is logged and skipped.
func (c *Checkpointer) Tick(ctx context.Context) int {
	accepted := 0
	for _, id := range c.buckets {
		info, err := c.provider.Range(id)
		if err != nil {
			c.logger.Warn("read local range", slog.Uint64("bucket", id), slog.Any("error", err))
			continue
		}
		if info.LeafCount == 0 {
			continue
		}
		b, err := c.ledger.Bucket(ctx, id)
		if err != nil {
			c.logger.Warn("load bucket", slog.Uint64("bucket", id), slog.Any("error", err))
			continue
		}
		if snap := b.Snapshot; snap != nil && snap.End() >= info.StartSeq+info.LeafCount {
			continue
		}
		if _, err := c.collector.Checkpoint(ctx, c.sender, b, info.Root, info.StartSeq, info.LeafCount); err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("checkpoint failed",
					slog.Uint64("bucket", id),
					slog.String("root", info.Root.Hex()),
					slog.Any("error", err))
			}
			continue
		}
		c.logger.Info("checkpoint submitted",
			slog.Uint64("bucket", id),
			slog.String("root", info.Root.Hex()),
			slog.Uint64("start_seq", info.StartSeq),
			slog.Uint64("leaf_count", info.LeafCount))
		accepted++
	}
	return accepted
}
