package agent

import (
	"context"
	"log/slog"
	"time"

	"bucketchain/core/types"
	"bucketchain/native/storage"
	"bucketchain/observability/metrics"
)

const defaultDefendPeriod = 5 * time.Second

// Defender watches the ledger for challenges against its provider and
// answers each one once.
type Defender struct {
	provider *Provider
	ledger   Ledger
	sender   *Sender
	interval time.Duration
	logger   *slog.Logger
	metrics  *metrics.AgentMetrics
	answered map[uint64]struct{}
}

func NewDefender(provider *Provider, ledger Ledger, sender *Sender) *Defender {
	return &Defender{
		provider: provider,
		ledger:   ledger,
		sender:   sender,
		interval: defaultDefendPeriod,
		logger:   slog.Default(),
		metrics:  metrics.Agent(),
		answered: make(map[uint64]struct{}),
	}
}

func (d *Defender) SetInterval(interval time.Duration) {
	if interval > 0 {
		d.interval = interval
	}
}

func (d *Defender) SetLogger(logger *slog.Logger) {
	if logger != nil {
		d.logger = logger
	}
}

// Run polls until ctx is cancelled.
func (d *Defender) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.Poll(ctx); err != nil && ctx.Err() == nil {
				d.logger.Warn("challenge poll failed", slog.Any("error", err))
			}
		}
	}
}

// Poll answers every open challenge against the provider that is still
// within its response window. It returns how many responses were accepted.
func (d *Defender) Poll(ctx context.Context) (int, error) {
	head, err := d.ledger.Height(ctx)
	if err != nil {
		return 0, err
	}
	period, err := d.ledger.ChallengePeriod(ctx)
	if err != nil {
		return 0, err
	}
	var from uint64
	if head.Height > period {
		from = head.Height - period
	}
	open, err := d.ledger.Challenges(ctx, from, head.Height)
	if err != nil {
		return 0, err
	}
	self := d.provider.Address()
	buckets := make(map[uint64]*storage.Bucket)
	live := make(map[uint64]struct{}, len(open))
	accepted := 0
	for _, c := range open {
		live[c.ID] = struct{}{}
		if c.Provider != self {
			continue
		}
		if _, done := d.answered[c.ID]; done {
			continue
		}
		b, ok := buckets[c.Bucket]
		if !ok {
			if b, err = d.ledger.Bucket(ctx, c.Bucket); err != nil {
				d.logger.Warn("load challenged bucket", slog.Uint64("bucket", c.Bucket), slog.Any("error", err))
				b = nil
			}
			buckets[c.Bucket] = b
		}
		resp, err := d.provider.BuildResponse(ctx, c, b)
		if err != nil {
			d.metrics.RecordResponse("none", "undefendable")
			d.logger.Error("cannot defend challenge",
				slog.Uint64("challenge", c.ID),
				slog.Uint64("bucket", c.Bucket),
				slog.Any("error", err))
			continue
		}
		if _, err := d.sender.Send(ctx, types.TxTypeRespond, resp); err != nil {
			d.metrics.RecordResponse(resp.Kind, "rejected")
			d.logger.Warn("challenge response rejected",
				slog.Uint64("challenge", c.ID),
				slog.String("kind", resp.Kind),
				slog.Any("error", err))
			continue
		}
		d.answered[c.ID] = struct{}{}
		d.metrics.RecordResponse(resp.Kind, "accepted")
		d.logger.Info("challenge defended",
			slog.Uint64("challenge", c.ID),
			slog.Uint64("bucket", c.Bucket),
			slog.String("kind", resp.Kind))
		accepted++
	}
	for id := range d.answered {
		if _, ok := live[id]; !ok {
			delete(d.answered, id)
		}
	}
	return accepted, nil
}
