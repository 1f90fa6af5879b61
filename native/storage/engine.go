// Package storage implements the ledger side of the bucket storage protocol:
// provider registry, bucket membership, agreement lifecycle, checkpoint
// resolution, the challenge game and replica sync confirmation.
//
// The engine holds no state of its own. Every transition reads and writes
// through the injected engineState; callers are expected to run each
// transition against a disposable copy of the ledger and discard it when an
// error is returned.
package storage

import (
	"fmt"
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"bucketchain/core/events"
	"bucketchain/core/types"
)

type engineState interface {
	Balance(addr common.Address) (*big.Int, error)
	SetBalance(addr common.Address, amount *big.Int) error
	AddBurned(amount *big.Int) error
	Burned() (*big.Int, error)
	NextSequence(name string) (uint64, error)

	StorageProvider(addr common.Address) (*Provider, bool, error)
	PutStorageProvider(p *Provider) error
	DeleteStorageProvider(addr common.Address) error

	StorageBucket(id uint64) (*Bucket, bool, error)
	PutStorageBucket(b *Bucket) error

	StorageAgreement(bucket uint64, provider common.Address) (*Agreement, bool, error)
	PutStorageAgreement(a *Agreement) error
	DeleteStorageAgreement(bucket uint64, provider common.Address) error
	StorageBucketAgreements(bucket uint64) ([]common.Address, error)

	StorageRequest(bucket uint64, provider common.Address) (*Request, bool, error)
	PutStorageRequest(r *Request) error
	DeleteStorageRequest(bucket uint64, provider common.Address) error
	StoragePendingRequests() ([]RequestKey, error)

	StorageChallenge(id uint64) (*Challenge, bool, error)
	PutStorageChallenge(c *Challenge) error
	DeleteStorageChallenge(id uint64) error
	StorageOpenChallenges() ([]uint64, error)
}

// IdentityOracle is the external sybil-resistance service. The engine only
// asks whether an account maps to an identity not already providing storage
// and which payment priority tier it belongs to.
type IdentityOracle interface {
	Distinct(addr common.Address) bool
	PriorityTier(addr common.Address) uint8
}

type storageEvent struct {
	evt *types.Event
}

func (e storageEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e storageEvent) Event() *types.Event { return e.evt }

// Engine applies storage transitions. Time is the block height supplied by
// the now function.
type Engine struct {
	state    engineState
	emitter  events.Emitter
	params   Params
	identity IdentityOracle
	nowFn    func() uint64
}

// NewEngine creates an engine with default params and a no-op emitter.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		params:  DefaultParams(),
		nowFn:   func() uint64 { return 0 },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetParams replaces the protocol parameters.
func (e *Engine) SetParams(p Params) { e.params = p.Clone() }

// Params returns a copy of the active parameters.
func (e *Engine) Params() Params { return e.params.Clone() }

// SetIdentity configures the identity oracle. Nil disables identity checks.
func (e *Engine) SetIdentity(oracle IdentityOracle) { e.identity = oracle }

// SetNowFunc overrides the block height source.
func (e *Engine) SetNowFunc(now func() uint64) {
	if now == nil {
		e.nowFn = func() uint64 { return 0 }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil resets
// the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// Publish forwards an event raised by a transition outside the engine so it
// commits together with the engine's own events.
func (e *Engine) Publish(event events.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(event)
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(storageEvent{evt: event})
}

func (e *Engine) now() uint64 {
	if e == nil || e.nowFn == nil {
		return 0
	}
	return e.nowFn()
}

func (e *Engine) ready() error {
	if e == nil || e.state == nil {
		return errNilState
	}
	return nil
}

// --- balances ---

func (e *Engine) debit(addr common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	if amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	bal, err := e.state.Balance(addr)
	if err != nil {
		return err
	}
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, bal, amount)
	}
	return e.state.SetBalance(addr, new(big.Int).Sub(bal, amount))
}

func (e *Engine) credit(addr common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	if amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	bal, err := e.state.Balance(addr)
	if err != nil {
		return err
	}
	return e.state.SetBalance(addr, new(big.Int).Add(bal, amount))
}

func (e *Engine) burn(amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	if err := e.state.AddBurned(amount); err != nil {
		return err
	}
	total, err := e.state.Burned()
	if err != nil {
		return err
	}
	e.Publish(events.Supply{Total: total, Delta: new(big.Int).Neg(amount), Reason: events.SupplyReasonBurn})
	return nil
}

// --- pricing ---

// mulAmount returns base multiplied by every factor, failing on overflow of
// 256 bits.
func mulAmount(base *big.Int, factors ...uint64) (*big.Int, error) {
	if base == nil {
		base = new(big.Int)
	}
	if base.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	acc, overflow := uint256.FromBig(base)
	if overflow {
		return nil, ErrAmountOverflow
	}
	for _, f := range factors {
		var of bool
		acc, of = new(uint256.Int).MulOverflow(acc, uint256.NewInt(f))
		if of {
			return nil, ErrAmountOverflow
		}
	}
	return acc.ToBig(), nil
}

func addAmounts(values ...*big.Int) (*big.Int, error) {
	acc := new(uint256.Int)
	for _, v := range values {
		if v == nil {
			continue
		}
		if v.Sign() < 0 {
			return nil, ErrInvalidAmount
		}
		x, overflow := uint256.FromBig(v)
		if overflow {
			return nil, ErrAmountOverflow
		}
		var of bool
		acc, of = new(uint256.Int).AddOverflow(acc, x)
		if of {
			return nil, ErrAmountOverflow
		}
	}
	return acc.ToBig(), nil
}

// applyBps returns floor(amount * bps / 10000).
func applyBps(amount *big.Int, bps uint64) *big.Int {
	if amount == nil || bps == 0 {
		return new(big.Int)
	}
	out := new(big.Int).Mul(amount, new(big.Int).SetUint64(bps))
	return out.Quo(out, big.NewInt(bpsDenominator))
}

func checkedAdd(a, b uint64) (uint64, error) {
	sum := a + b
	if sum < a {
		return 0, ErrAmountOverflow
	}
	return sum, nil
}

func saturatingAdd(a, b uint64) uint64 {
	sum, err := checkedAdd(a, b)
	if err != nil {
		return math.MaxUint64
	}
	return sum
}

// --- loaders ---

func (e *Engine) loadProvider(addr common.Address) (*Provider, error) {
	p, ok, err := e.state.StorageProvider(addr)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrProviderNotFound
	}
	return p, nil
}

func (e *Engine) loadBucket(id uint64) (*Bucket, error) {
	b, ok, err := e.state.StorageBucket(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrBucketNotFound
	}
	return b, nil
}

func (e *Engine) loadAgreement(bucket uint64, provider common.Address) (*Agreement, error) {
	a, ok, err := e.state.StorageAgreement(bucket, provider)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrAgreementNotFound
	}
	return a, nil
}

func (e *Engine) loadRequest(bucket uint64, provider common.Address) (*Request, error) {
	r, ok, err := e.state.StorageRequest(bucket, provider)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrRequestNotFound
	}
	return r, nil
}

func (e *Engine) loadChallenge(id uint64) (*Challenge, error) {
	c, ok, err := e.state.StorageChallenge(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrChallengeNotFound
	}
	return c, nil
}

// EndBlock resolves every challenge whose deadline has passed and refunds
// every request whose TTL has lapsed.
func (e *Engine) EndBlock() error {
	if err := e.ready(); err != nil {
		return err
	}
	now := e.now()
	ids, err := e.state.StorageOpenChallenges()
	if err != nil {
		return err
	}
	for _, id := range ids {
		c, err := e.loadChallenge(id)
		if err != nil {
			return err
		}
		if now > c.Deadline {
			if err := e.slash(c); err != nil {
				return fmt.Errorf("resolve challenge %d: %w", id, err)
			}
		}
	}
	keys, err := e.state.StoragePendingRequests()
	if err != nil {
		return err
	}
	for _, key := range keys {
		r, err := e.loadRequest(key.Bucket, key.Provider)
		if err != nil {
			return err
		}
		if now > r.ExpiresAt {
			if err := e.dropRequest(r, EventTypeRequestExpired); err != nil {
				return fmt.Errorf("expire request %d/%s: %w", key.Bucket, key.Provider.Hex(), err)
			}
		}
	}
	return nil
}
