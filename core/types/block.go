package types

import (
	"bytes"
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"
)

// Head is the persisted chain tip: the next block height and the state root
// committed at the end of the previous block.
type Head struct {
	Height    uint64      `json:"height"`
	StateRoot common.Hash `json:"stateRoot"`
	Timestamp int64       `json:"timestamp"`
}

// Receipt reports the outcome of an applied transaction.
type Receipt struct {
	TxHash common.Hash     `json:"txHash"`
	Height uint64          `json:"height"`
	Events []Event         `json:"events"`
	Result json.RawMessage `json:"result,omitempty"`
}

func decodeStrict(raw []byte, out interface{}) error {
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}
