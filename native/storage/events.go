package storage

import (
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"bucketchain/core/types"
	"bucketchain/crypto"
)

const (
	EventTypeProviderRegistered   = "storage.provider.registered"
	EventTypeProviderStaked       = "storage.provider.staked"
	EventTypeProviderUpdated      = "storage.provider.updated"
	EventTypeProviderDeregistered = "storage.provider.deregistered"
	EventTypeBucketCreated        = "storage.bucket.created"
	EventTypeBucketFrozen         = "storage.bucket.frozen"
	EventTypeMemberSet            = "storage.bucket.member_set"
	EventTypeMemberRemoved        = "storage.bucket.member_removed"
	EventTypeMinProvidersSet      = "storage.bucket.min_providers_set"
	EventTypeRequestCreated       = "storage.request.created"
	EventTypeRequestRejected      = "storage.request.rejected"
	EventTypeRequestWithdrawn     = "storage.request.withdrawn"
	EventTypeRequestExpired       = "storage.request.expired"
	EventTypeAgreementAccepted    = "storage.agreement.accepted"
	EventTypeAgreementToppedUp    = "storage.agreement.topped_up"
	EventTypeAgreementExtended    = "storage.agreement.extended"
	EventTypeAgreementTransferred = "storage.agreement.transferred"
	EventTypeAgreementEnded       = "storage.agreement.ended"
	EventTypeAgreementClaimed     = "storage.agreement.claimed"
	EventTypeAgreementRemoved     = "storage.agreement.removed"
	EventTypeSyncBalanceToppedUp  = "storage.agreement.sync_topped_up"
	EventTypeCheckpointAccepted   = "storage.checkpoint.accepted"
	EventTypeCheckpointExtended   = "storage.checkpoint.extended"
	EventTypeChallengeCreated     = "storage.challenge.created"
	EventTypeChallengeDefended    = "storage.challenge.defended"
	EventTypeChallengeSlashed     = "storage.challenge.slashed"
	EventTypeChallengeCancelled   = "storage.challenge.cancelled"
	EventTypeReplicaSynced        = "storage.replica.synced"
)

func formatAddress(addr common.Address) string {
	return crypto.FromCommon(crypto.AccountPrefix, addr).String()
}

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func formatUint(v uint64) string { return strconv.FormatUint(v, 10) }

func newEvent(eventType string, attrs map[string]string) *types.Event {
	return &types.Event{Type: eventType, Attributes: attrs}
}

func providerEvent(eventType string, p *Provider) *types.Event {
	return newEvent(eventType, map[string]string{
		"provider":       formatAddress(p.Address),
		"stake":          formatAmount(p.Stake),
		"committedBytes": formatUint(p.CommittedBytes),
	})
}

func bucketEvent(eventType string, b *Bucket, extra map[string]string) *types.Event {
	attrs := map[string]string{
		"bucket":       formatUint(b.ID),
		"minProviders": formatUint(uint64(b.MinProviders)),
	}
	for k, v := range extra {
		attrs[k] = v
	}
	return newEvent(eventType, attrs)
}

func requestEvent(eventType string, r *Request) *types.Event {
	return newEvent(eventType, map[string]string{
		"bucket":    formatUint(r.Bucket),
		"provider":  formatAddress(r.Provider),
		"requester": formatAddress(r.Requester),
		"kind":      r.Kind.String(),
		"maxBytes":  formatUint(r.MaxBytes),
		"duration":  formatUint(r.Duration),
		"escrowed":  formatAmount(r.Escrowed()),
		"expiresAt": formatUint(r.ExpiresAt),
	})
}

func agreementEvent(eventType string, a *Agreement, extra map[string]string) *types.Event {
	attrs := map[string]string{
		"bucket":        formatUint(a.Bucket),
		"provider":      formatAddress(a.Provider),
		"owner":         formatAddress(a.Owner),
		"kind":          a.Kind.String(),
		"maxBytes":      formatUint(a.MaxBytes),
		"paymentLocked": formatAmount(a.PaymentLocked),
		"expiresAt":     formatUint(a.ExpiresAt),
	}
	for k, v := range extra {
		attrs[k] = v
	}
	return newEvent(eventType, attrs)
}

func checkpointEvent(eventType string, b *Bucket) *types.Event {
	snap := b.Snapshot
	return newEvent(eventType, map[string]string{
		"bucket":    formatUint(b.ID),
		"root":      snap.MMRRoot.Hex(),
		"startSeq":  formatUint(snap.StartSeq),
		"leafCount": formatUint(snap.LeafCount),
		"signers":   strconv.FormatUint(uint64(snap.PrimarySigners), 2),
		"snapshots": formatUint(b.TotalSnapshots),
	})
}

func challengeEvent(eventType string, c *Challenge, extra map[string]string) *types.Event {
	attrs := map[string]string{
		"id":         formatUint(c.ID),
		"bucket":     formatUint(c.Bucket),
		"provider":   formatAddress(c.Provider),
		"challenger": formatAddress(c.Challenger),
		"kind":       c.Kind.String(),
		"root":       c.MMRRoot.Hex(),
		"seq":        formatUint(c.ChallengedSeq()),
		"chunk":      formatUint(c.ChunkIndex),
		"deadline":   formatUint(c.Deadline),
	}
	for k, v := range extra {
		attrs[k] = v
	}
	return newEvent(eventType, attrs)
}
