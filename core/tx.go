package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"bucketchain/core/events"
	"bucketchain/core/state"
	"bucketchain/core/types"
	"bucketchain/native/storage"
)

var (
	ErrUnknownTxType  = errors.New("tx: unknown transaction type")
	ErrInvalidPayload = errors.New("tx: invalid payload")
)

// txHandler applies one decoded transaction. The returned value, if any, is
// encoded into the receipt.
type txHandler func(tx *types.Transaction, e *storage.Engine, m *state.Manager) (interface{}, error)

var txHandlers = map[types.TxType]txHandler{
	types.TxTypeTransfer: handleTransfer,

	types.TxTypeRegisterProvider:   handleRegisterProvider,
	types.TxTypeAddStake:           handleAddStake,
	types.TxTypeUpdateSettings:     handleUpdateSettings,
	types.TxTypeDeregisterProvider: handleDeregisterProvider,

	types.TxTypeCreateBucket:    handleCreateBucket,
	types.TxTypeFreezeBucket:    handleFreezeBucket,
	types.TxTypeSetMember:       handleSetMember,
	types.TxTypeRemoveMember:    handleRemoveMember,
	types.TxTypeSetMinProviders: handleSetMinProviders,

	types.TxTypeRequestAgreement:     handleRequestAgreement,
	types.TxTypeAcceptRequest:        handleAcceptRequest,
	types.TxTypeRejectRequest:        handleRejectRequest,
	types.TxTypeWithdrawRequest:      handleWithdrawRequest,
	types.TxTypeExpireRequest:        handleExpireRequest,
	types.TxTypeTopUp:                handleTopUp,
	types.TxTypeExtend:               handleExtend,
	types.TxTypeTransferAgreement:    handleTransferAgreement,
	types.TxTypeSetExtensionsBlocked: handleSetExtensionsBlocked,
	types.TxTypeEndAgreement:         handleEndAgreement,
	types.TxTypeClaimExpired:         handleClaimExpired,
	types.TxTypeRemoveSlashed:        handleRemoveSlashed,
	types.TxTypeTopUpSyncBalance:     handleTopUpSyncBalance,

	types.TxTypeCheckpoint:       handleCheckpoint,
	types.TxTypeExtendCheckpoint: handleExtendCheckpoint,

	types.TxTypeChallenge:       handleChallenge,
	types.TxTypeRespond:         handleRespond,
	types.TxTypeResolveExpired:  handleResolveExpired,
	types.TxTypeCancelChallenge: handleCancelChallenge,

	types.TxTypeConfirmSync: handleConfirmSync,
}

// ApplyTransaction verifies the sender signature, consumes the nonce and runs
// the transition named by tx.Type. A failed transaction leaves no trace,
// including its nonce.
func (l *Ledger) ApplyTransaction(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	if tx == nil {
		return nil, fmt.Errorf("%w: nil transaction", ErrInvalidPayload)
	}
	handler, ok := txHandlers[tx.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTxType, tx.Type)
	}
	if err := tx.Verify(); err != nil {
		return nil, err
	}
	var (
		result interface{}
		height uint64
	)
	emitted, err := l.Apply(ctx, string(tx.Type), func(e *storage.Engine, m *state.Manager) error {
		// Runs under the ledger lock.
		height = l.head.Height
		if err := m.UseNonce(tx.From, tx.Nonce); err != nil {
			return err
		}
		out, err := handler(tx, e, m)
		result = out
		return err
	})
	if err != nil {
		return nil, err
	}
	receipt := &types.Receipt{
		TxHash: tx.Hash(),
		Height: height,
		Events: make([]types.Event, 0, len(emitted)),
	}
	for _, evt := range emitted {
		receipt.Events = append(receipt.Events, *evt)
	}
	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("tx: encode result: %w", err)
		}
		receipt.Result = raw
	}
	return receipt, nil
}

func decode(tx *types.Transaction, out interface{}) error {
	if err := tx.DecodePayload(out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

func handleTransfer(tx *types.Transaction, e *storage.Engine, m *state.Manager) (interface{}, error) {
	var p types.TransferPayload
	if err := decode(tx, &p); err != nil {
		return nil, err
	}
	amount := types.BigInt(p.Amount)
	if amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if err := m.Transfer(tx.From, p.To, amount); err != nil {
		return nil, err
	}
	e.Publish(events.Transfer{From: tx.From, To: p.To, Amount: amount, TxHash: tx.Hash()})
	return nil, nil
}

func settingsFromPayload(p types.ProviderSettingsPayload) storage.ProviderSettings {
	return storage.ProviderSettings{
		PricePerByte:        types.BigInt(p.PricePerByte),
		MinDuration:         p.MinDuration,
		MaxDuration:         p.MaxDuration,
		Capacity:            p.Capacity,
		AcceptingPrimary:    p.AcceptingPrimary,
		AcceptingReplicas:   p.AcceptingReplicas,
		AcceptingExtensions: p.AcceptingExtensions,
		ReplicaSyncPrice:    types.BigInt(p.ReplicaSyncPrice),
	}
}

func handleRegisterProvider(tx *types.Transaction, e *storage.Engine, _ *state.Manager) (interface{}, error) {
	var p types.RegisterProviderPayload
	if err := decode(tx, &p); err != nil {
		return nil, err
	}
	return e.RegisterProvider(tx.From, types.BigInt(p.Stake), settingsFromPayload(p.Settings))
}

func handleAddStake(tx *types.Transaction, e *storage.Engine, _ *state.Manager) (interface{}, error) {
	var p types.AmountPayload
	if err := decode(tx, &p); err != nil {
		return nil, err
	}
	return nil, e.AddStake(tx.From, types.BigInt(p.Amount))
}

func handleUpdateSettings(tx *types.Transaction, e *storage.Engine, _ *state.Manager) (interface{}, error) {
	var p types.ProviderSettingsPayload
	if err := decode(tx, &p); err != nil {
		return nil, err
	}
	return nil, e.UpdateSettings(tx.From, settingsFromPayload(p))
}

func handleDeregisterProvider(tx *types.Transaction, e *storage.Engine, _ *state.Manager) (interface{}, error) {
	return nil, e.DeregisterProvider(tx.From)
}

func handleCreateBucket(tx *types.Transaction, e *storage.Engine, _ *state.Manager) (interface{}, error) {
	var p types.CreateBucketPayload
	if err := decode(tx, &p); err != nil {
		return nil, err
	}
	return e.CreateBucket(tx.From, p.MinProviders)
}

func handleFreezeBucket(tx *types.Transaction, e *storage.Engine, _ *state.Manager) (interface{}, error) {
	var p types.BucketPayload
	if err := decode(tx, &p); err != nil {
		return nil, err
	}
	return nil, e.FreezeBucket(tx.From, p.Bucket)
}

// ParseRole maps a role name to a bucket role.
func ParseRole(raw string) (storage.MemberRole, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "reader":
		return storage.RoleReader, nil
	case "writer":
		return storage.RoleWriter, nil
	case "admin":
		return storage.RoleAdmin, nil
	default:
		return storage.RoleNone, fmt.Errorf("%w: unknown role %q", ErrInvalidPayload, raw)
	}
}

func handleSetMember(tx *types.Transaction, e *storage.Engine, _ *state.Manager) (interface{}, error) {
	var p types.SetMemberPayload
	if err := decode(tx, &p); err != nil {
		return nil, err
	}
	role, err := ParseRole(p.Role)
	if err != nil {
		return nil, err
	}
	return nil, e.SetMember(tx.From, p.Bucket, p.Account, role)
}

func handleRemoveMember(tx *types.Transaction, e *storage.Engine, _ *state.Manager) (interface{}, error) {
	var p types.RemoveMemberPayload
	if err := decode(tx, &p); err != nil {
		return nil, err
	}
	return nil, e.RemoveMember(tx.From, p.Bucket, p.Account)
}

func handleSetMinProviders(tx *types.Transaction, e *storage.Engine, _ *state.Manager) (interface{}, error) {
	var p types.SetMinProvidersPayload
	if err := decode(tx, &p); err != nil {
		return nil, err
	}
	return nil, e.SetMinProviders(tx.From, p.Bucket, p.MinProviders)
}

func handleRequestAgreement(tx *types.Transaction, e *storage.Engine, _ *state.Manager) (interface{}, error) {
	var p types.RequestAgreementPayload
	if err := decode(tx, &p); err != nil {
		return nil, err
	}
	params := storage.RequestParams{
		Bucket:     p.Bucket,
		Provider:   p.Provider,
		MaxBytes:   p.MaxBytes,
		Duration:   p.Duration,
		MaxPayment: types.BigInt(p.MaxPayment),
	}
	if p.MinSyncInterval != nil {
		params.Replica = &storage.ReplicaParams{MinSyncInterval: *p.MinSyncInterval}
	}
	return e.RequestAgreement(tx.From, params)
}

func handleAcceptRequest(tx *types.Transaction, e *storage.Engine, _ *state.Manager) (interface{}, error) {
	var p types.BucketPayload
	if err := decode(tx, &p); err != nil {
		return nil, err
	}
	return e.AcceptRequest(tx.From, p.Bucket)
}

func handleRejectRequest(tx *types.Transaction, e *storage.Engine, _ *state.Manager) (interface{}, error) {
	var p types.BucketPayload
	if err := decode(tx, &p); err != nil {
		return nil, err
	}
	return nil, e.RejectRequest(tx.From, p.Bucket)
}

func handleWithdrawRequest(tx *types.Transaction, e *storage.Engine, _ *state.Manager) (interface{}, error) {
	var p types.AgreementPayload
	if err := decode(tx, &p); err != nil {
		return nil, err
	}
	return nil, e.WithdrawRequest(tx.From, p.Bucket, p.Provider)
}

func handleExpireRequest(tx *types.Transaction, e *storage.Engine, _ *state.Manager) (interface{}, error) {
	var p types.AgreementPayload
	if err := decode(tx, &p); err != nil {
		return nil, err
	}
	return nil, e.ExpireRequest(p.Bucket, p.Provider)
}

func handleTopUp(tx *types.Transaction, e *storage.Engine, _ *state.Manager) (interface{}, error) {
	var p types.TopUpPayload
	if err := decode(tx, &p); err != nil {
		return nil, err
	}
	return nil, e.TopUp(tx.From, p.Bucket, p.Provider, p.ExtraBytes, types.BigInt(p.MaxPayment))
}

func handleExtend(tx *types.Transaction, e *storage.Engine, _ *state.Manager) (interface{}, error) {
	var p types.ExtendPayload
	if err := decode(tx, &p); err != nil {
		return nil, err
	}
	return nil, e.Extend(tx.From, p.Bucket, p.Provider, p.ExtraDuration, types.BigInt(p.MaxPayment))
}

func handleTransferAgreement(tx *types.Transaction, e *storage.Engine, _ *state.Manager) (interface{}, error) {
	var p types.TransferAgreementPayload
	if err := decode(tx, &p); err != nil {
		return nil, err
	}
	return nil, e.Transfer(tx.From, p.Bucket, p.Provider, p.NewOwner)
}

func handleSetExtensionsBlocked(tx *types.Transaction, e *storage.Engine, _ *state.Manager) (interface{}, error) {
	var p types.SetExtensionsBlockedPayload
	if err := decode(tx, &p); err != nil {
		return nil, err
	}
	return nil, e.SetExtensionsBlocked(tx.From, p.Bucket, p.Provider, p.Blocked)
}

func handleEndAgreement(tx *types.Transaction, e *storage.Engine, _ *state.Manager) (interface{}, error) {
	var p types.EndAgreementPayload
	if err := decode(tx, &p); err != nil {
		return nil, err
	}
	var action storage.EndAction
	switch strings.ToLower(strings.TrimSpace(p.Action)) {
	case "pay":
		action = storage.EndPay
	case "burn":
		action = storage.EndBurn
	default:
		return nil, fmt.Errorf("%w: unknown end action %q", ErrInvalidPayload, p.Action)
	}
	return nil, e.End(tx.From, p.Bucket, p.Provider, action)
}

func handleClaimExpired(tx *types.Transaction, e *storage.Engine, _ *state.Manager) (interface{}, error) {
	var p types.BucketPayload
	if err := decode(tx, &p); err != nil {
		return nil, err
	}
	return nil, e.ClaimExpired(tx.From, p.Bucket)
}

func handleRemoveSlashed(tx *types.Transaction, e *storage.Engine, _ *state.Manager) (interface{}, error) {
	var p types.AgreementPayload
	if err := decode(tx, &p); err != nil {
		return nil, err
	}
	return nil, e.RemoveSlashed(p.Bucket, p.Provider)
}

func handleTopUpSyncBalance(tx *types.Transaction, e *storage.Engine, _ *state.Manager) (interface{}, error) {
	var p types.TopUpSyncBalancePayload
	if err := decode(tx, &p); err != nil {
		return nil, err
	}
	return nil, e.TopUpSyncBalance(tx.From, p.Bucket, p.Provider, types.BigInt(p.Amount))
}

func signaturesFromPayload(in []types.ProviderSignaturePayload) []storage.ProviderSignature {
	out := make([]storage.ProviderSignature, 0, len(in))
	for _, sig := range in {
		out = append(out, storage.ProviderSignature{Provider: sig.Provider, Signature: sig.Signature})
	}
	return out
}

func handleCheckpoint(tx *types.Transaction, e *storage.Engine, _ *state.Manager) (interface{}, error) {
	var p types.CheckpointPayload
	if err := decode(tx, &p); err != nil {
		return nil, err
	}
	return e.Checkpoint(p.Bucket, p.Root, p.StartSeq, p.LeafCount, signaturesFromPayload(p.Signatures))
}

func handleExtendCheckpoint(tx *types.Transaction, e *storage.Engine, _ *state.Manager) (interface{}, error) {
	var p types.ExtendCheckpointPayload
	if err := decode(tx, &p); err != nil {
		return nil, err
	}
	signers, err := e.ExtendCheckpoint(p.Bucket, signaturesFromPayload(p.Signatures))
	if err != nil {
		return nil, err
	}
	return map[string]uint32{"primarySigners": signers}, nil
}

// ParseChallengeKind maps a challenge kind name to its ledger value.
func ParseChallengeKind(raw string) (storage.ChallengeKind, error) {
	for _, kind := range []storage.ChallengeKind{storage.ChallengeSnapshot, storage.ChallengeCommitment, storage.ChallengeReplicaSync} {
		if strings.EqualFold(strings.TrimSpace(raw), kind.String()) {
			return kind, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown challenge kind %q", ErrInvalidPayload, raw)
}

func handleChallenge(tx *types.Transaction, e *storage.Engine, _ *state.Manager) (interface{}, error) {
	var p types.ChallengePayload
	if err := decode(tx, &p); err != nil {
		return nil, err
	}
	kind, err := ParseChallengeKind(p.Kind)
	if err != nil {
		return nil, err
	}
	params := storage.ChallengeParams{
		Bucket:     p.Bucket,
		Provider:   p.Provider,
		Kind:       kind,
		LeafIndex:  p.LeafIndex,
		ChunkIndex: p.ChunkIndex,
	}
	if c := p.Commitment; c != nil {
		params.Commitment = &storage.Commitment{
			MMRRoot:   c.MMRRoot,
			StartSeq:  c.StartSeq,
			LeafCount: c.LeafCount,
			Signature: c.Signature,
		}
	}
	return e.CreateChallenge(tx.From, params)
}

// ResponseFromPayload converts a wire response into the engine's tagged
// union.
func ResponseFromPayload(p types.RespondPayload) (storage.Response, error) {
	switch strings.ToLower(strings.TrimSpace(p.Kind)) {
	case storage.ResponseProof.String():
		if p.Proof == nil {
			return storage.Response{}, fmt.Errorf("%w: proof response without proof", ErrInvalidPayload)
		}
		return storage.Response{Kind: storage.ResponseProof, Proof: &storage.ProofResponse{
			Leaf:       p.Proof.Leaf,
			LeafProof:  p.Proof.LeafProof,
			Chunk:      p.Proof.Chunk,
			ChunkProof: p.Proof.ChunkProof,
		}}, nil
	case storage.ResponseDeleted.String():
		if p.Deleted == nil {
			return storage.Response{}, fmt.Errorf("%w: deleted response without deletion", ErrInvalidPayload)
		}
		return storage.Response{Kind: storage.ResponseDeleted, Deleted: &storage.DeletedResponse{
			NewRoot:     p.Deleted.NewRoot,
			NewStartSeq: p.Deleted.NewStartSeq,
			Admin:       p.Deleted.Admin,
			AdminSig:    p.Deleted.AdminSig,
		}}, nil
	case storage.ResponseSuperseded.String():
		return storage.Response{Kind: storage.ResponseSuperseded}, nil
	default:
		return storage.Response{}, fmt.Errorf("%w: unknown response kind %q", ErrInvalidPayload, p.Kind)
	}
}

func handleRespond(tx *types.Transaction, e *storage.Engine, _ *state.Manager) (interface{}, error) {
	var p types.RespondPayload
	if err := decode(tx, &p); err != nil {
		return nil, err
	}
	resp, err := ResponseFromPayload(p)
	if err != nil {
		return nil, err
	}
	return nil, e.Respond(p.Challenge, resp)
}

func handleResolveExpired(tx *types.Transaction, e *storage.Engine, _ *state.Manager) (interface{}, error) {
	var p types.ChallengeIDPayload
	if err := decode(tx, &p); err != nil {
		return nil, err
	}
	return nil, e.ResolveExpired(p.Challenge)
}

func handleCancelChallenge(tx *types.Transaction, e *storage.Engine, _ *state.Manager) (interface{}, error) {
	var p types.ChallengeIDPayload
	if err := decode(tx, &p); err != nil {
		return nil, err
	}
	return nil, e.CancelChallenge(tx.From, p.Challenge)
}

func handleConfirmSync(tx *types.Transaction, e *storage.Engine, _ *state.Manager) (interface{}, error) {
	var p types.ConfirmSyncPayload
	if err := decode(tx, &p); err != nil {
		return nil, err
	}
	if len(p.Roots) == 0 || len(p.Roots) > storage.SyncClaimSlots {
		return nil, fmt.Errorf("%w: claim must list 1 to %d roots", ErrInvalidPayload, storage.SyncClaimSlots)
	}
	var roots [storage.SyncClaimSlots]*common.Hash
	copy(roots[:], p.Roots)
	return e.ConfirmSync(p.Bucket, p.Provider, roots, p.Signature)
}
