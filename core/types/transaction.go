package types

import (
	"encoding/binary"
	"encoding/json"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"bucketchain/crypto"
)

// TxType names the ledger transition a transaction invokes.
type TxType string

const (
	TxTypeTransfer TxType = "transfer"

	TxTypeRegisterProvider   TxType = "storage.registerProvider"
	TxTypeAddStake           TxType = "storage.addStake"
	TxTypeUpdateSettings     TxType = "storage.updateSettings"
	TxTypeDeregisterProvider TxType = "storage.deregisterProvider"

	TxTypeCreateBucket    TxType = "storage.createBucket"
	TxTypeFreezeBucket    TxType = "storage.freezeBucket"
	TxTypeSetMember       TxType = "storage.setMember"
	TxTypeRemoveMember    TxType = "storage.removeMember"
	TxTypeSetMinProviders TxType = "storage.setMinProviders"

	TxTypeRequestAgreement     TxType = "storage.requestAgreement"
	TxTypeAcceptRequest        TxType = "storage.acceptRequest"
	TxTypeRejectRequest        TxType = "storage.rejectRequest"
	TxTypeWithdrawRequest      TxType = "storage.withdrawRequest"
	TxTypeExpireRequest        TxType = "storage.expireRequest"
	TxTypeTopUp                TxType = "storage.topUp"
	TxTypeExtend               TxType = "storage.extend"
	TxTypeTransferAgreement    TxType = "storage.transferAgreement"
	TxTypeSetExtensionsBlocked TxType = "storage.setExtensionsBlocked"
	TxTypeEndAgreement         TxType = "storage.end"
	TxTypeClaimExpired         TxType = "storage.claimExpired"
	TxTypeRemoveSlashed        TxType = "storage.removeSlashed"
	TxTypeTopUpSyncBalance     TxType = "storage.topUpSyncBalance"

	TxTypeCheckpoint       TxType = "storage.checkpoint"
	TxTypeExtendCheckpoint TxType = "storage.extendCheckpoint"

	TxTypeChallenge       TxType = "storage.challenge"
	TxTypeRespond         TxType = "storage.respond"
	TxTypeResolveExpired  TxType = "storage.resolveExpired"
	TxTypeCancelChallenge TxType = "storage.cancelChallenge"

	TxTypeConfirmSync TxType = "storage.confirmSync"
)

var txDomain = []byte("bucketchain/tx")

var ErrSenderMismatch = errors.New("tx: signature does not match sender")

// Transaction is a signed envelope around a JSON payload. The payload schema
// is selected by Type.
type Transaction struct {
	Type      TxType          `json:"type"`
	From      common.Address  `json:"from"`
	Nonce     uint64          `json:"nonce"`
	Payload   json.RawMessage `json:"payload"`
	Signature hexutil.Bytes   `json:"signature"`
}

// NewTransaction encodes payload into an unsigned transaction.
func NewTransaction(txType TxType, from common.Address, nonce uint64, payload interface{}) (*Transaction, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Transaction{Type: txType, From: from, Nonce: nonce, Payload: raw}, nil
}

// Digest is the value the sender signs:
// keccak256("bucketchain/tx" || type || payload || be64(nonce)).
func (tx *Transaction) Digest() common.Hash {
	var nonce [8]byte
	binary.BigEndian.PutUint64(nonce[:], tx.Nonce)
	return ethcrypto.Keccak256Hash(txDomain, []byte(tx.Type), tx.Payload, nonce[:])
}

// Hash identifies a signed transaction.
func (tx *Transaction) Hash() common.Hash {
	digest := tx.Digest()
	return ethcrypto.Keccak256Hash(digest[:], tx.Signature)
}

// Sign signs the transaction with key and sets From to the key's address.
func (tx *Transaction) Sign(key *crypto.PrivateKey) error {
	tx.From = key.Address()
	sig, err := crypto.Sign(key, tx.Digest())
	if err != nil {
		return err
	}
	tx.Signature = sig
	return nil
}

// Verify checks that Signature was produced by From.
func (tx *Transaction) Verify() error {
	if !crypto.VerifySigner(tx.From, tx.Digest(), tx.Signature) {
		return ErrSenderMismatch
	}
	return nil
}

// DecodePayload unmarshals the payload into out, rejecting unknown fields.
func (tx *Transaction) DecodePayload(out interface{}) error {
	return decodeStrict(tx.Payload, out)
}
