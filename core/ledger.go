package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"bucketchain/core/events"
	"bucketchain/core/genesis"
	"bucketchain/core/identity"
	"bucketchain/core/state"
	"bucketchain/core/types"
	"bucketchain/native/storage"
	"bucketchain/observability/metrics"
	db "bucketchain/storage"
	"bucketchain/storage/trie"
)

var headKey = []byte("ledger/head")

var (
	ErrNoGenesis     = errors.New("ledger: no committed head and no genesis spec")
	ErrLedgerClosed  = errors.New("ledger: closed")
	ErrInvalidAmount = errors.New("ledger: amount must be positive")
)

// Ledger serializes every state transition. Each transition runs against a
// copy of the state trie; the copy replaces the live trie only when the
// transition succeeds, and the events it emitted are published only then.
//
// The block clock is the open block height. AdvanceBlock closes the open
// block: it runs the end-of-block sweeps, commits the trie and persists the
// head.
type Ledger struct {
	mu       sync.Mutex
	store    db.Database
	trie     *trie.Trie
	head     types.Head
	params   storage.Params
	identity *identity.Directory
	emitter  events.Emitter
	logger   *slog.Logger
	metrics  *metrics.LedgerMetrics
	tracer   trace.Tracer
	clock    func() time.Time
	closed   bool
}

// Open loads the ledger persisted in store. When store holds no head the
// ledger is initialised from spec, which is otherwise only consulted for the
// identity table.
func Open(store db.Database, spec *genesis.GenesisSpec) (*Ledger, error) {
	if store == nil {
		return nil, fmt.Errorf("ledger: database must not be nil")
	}
	head, err := readHead(store)
	switch {
	case errors.Is(err, db.ErrNotFound):
		if spec == nil {
			return nil, ErrNoGenesis
		}
		head, err = genesis.BuildGenesisFromSpec(spec, store)
		if err != nil {
			return nil, fmt.Errorf("ledger: build genesis: %w", err)
		}
		if err := writeHead(store, head); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	}

	stateTrie, err := trie.NewTrie(store, head.StateRoot.Bytes())
	if err != nil {
		return nil, fmt.Errorf("ledger: open state at %s: %w", head.StateRoot.Hex(), err)
	}
	if err := state.EnsureStateVersion(stateTrie, false); err != nil {
		return nil, err
	}
	params, ok, err := state.NewManager(stateTrie).StorageParams()
	if err != nil {
		return nil, fmt.Errorf("ledger: load storage params: %w", err)
	}
	if !ok {
		params = storage.DefaultParams()
	}

	dir := identity.NewDirectory(false)
	if spec != nil {
		if dir, err = spec.Directory(); err != nil {
			return nil, fmt.Errorf("ledger: load identities: %w", err)
		}
	}

	l := &Ledger{
		store:    store,
		trie:     stateTrie,
		head:     *head,
		params:   params,
		identity: dir,
		emitter:  events.NoopEmitter{},
		logger:   slog.Default(),
		metrics:  metrics.Ledger(),
		tracer:   otel.Tracer("bucketchain/ledger"),
		clock:    time.Now,
	}
	l.metrics.SetHeight(head.Height)
	return l, nil
}

// SetEmitter configures where committed events are published. Nil discards
// them.
func (l *Ledger) SetEmitter(emitter events.Emitter) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	l.emitter = emitter
}

func (l *Ledger) SetLogger(logger *slog.Logger) {
	if logger == nil {
		return
	}
	l.mu.Lock()
	l.logger = logger
	l.mu.Unlock()
}

// SetClock overrides the wall clock stamped on committed heads.
func (l *Ledger) SetClock(clock func() time.Time) {
	if clock == nil {
		return
	}
	l.mu.Lock()
	l.clock = clock
	l.mu.Unlock()
}

// Identity exposes the identity table consulted on provider registration.
func (l *Ledger) Identity() *identity.Directory { return l.identity }

func (l *Ledger) Head() types.Head {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.head
}

// Height returns the open block height, the time seen by transitions.
func (l *Ledger) Height() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.head.Height
}

// PendingRoot is the state root including transitions applied in the open
// block.
func (l *Ledger) PendingRoot() common.Hash {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.trie.Hash()
}

func (l *Ledger) Params() storage.Params {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.params.Clone()
}

// Apply runs fn as one atomic transition. Either every write fn made is kept
// and its events are published, or none is. The returned events carry the
// height they were emitted at.
func (l *Ledger) Apply(ctx context.Context, op string, fn func(*storage.Engine, *state.Manager) error) ([]*types.Event, error) {
	start := time.Now()
	_, span := l.tracer.Start(ctx, "ledger."+op)
	defer span.End()

	l.mu.Lock()
	defer l.mu.Unlock()
	span.SetAttributes(attribute.Int64("ledger.height", int64(l.head.Height)))
	emitted, err := l.applyLocked(fn)
	l.metrics.ObserveTransition(op, err, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetStatus(codes.Ok, "applied")
	return emitted, nil
}

func (l *Ledger) applyLocked(fn func(*storage.Engine, *state.Manager) error) ([]*types.Event, error) {
	if l.closed {
		return nil, ErrLedgerClosed
	}
	working := l.trie.Copy()
	manager := state.NewManager(working)
	buf := &events.Buffer{}
	engine := l.newEngine(manager, buf)
	if err := fn(engine, manager); err != nil {
		return nil, err
	}
	l.trie = working
	return l.publishLocked(buf, l.head.Height), nil
}

// View runs fn against a throwaway copy of the current state. Writes made by
// fn are discarded.
func (l *Ledger) View(fn func(*storage.Engine, *state.Manager) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrLedgerClosed
	}
	manager := state.NewManager(l.trie.Copy())
	return fn(l.newEngine(manager, nil), manager)
}

func (l *Ledger) newEngine(manager *state.Manager, emitter events.Emitter) *storage.Engine {
	engine := storage.NewEngine()
	engine.SetState(manager)
	engine.SetParams(l.params)
	if l.identity != nil {
		engine.SetIdentity(l.identity.Oracle(manager))
	}
	height := l.head.Height
	engine.SetNowFunc(func() uint64 { return height })
	engine.SetEmitter(emitter)
	return engine
}

func (l *Ledger) publishLocked(buf *events.Buffer, height uint64) []*types.Event {
	pending := buf.Events()
	out := make([]*types.Event, 0, len(pending))
	for _, evt := range pending {
		typed, ok := evt.(events.Typed)
		if !ok || typed.Event() == nil {
			continue
		}
		payload := typed.Event().Clone()
		payload.Attributes["height"] = strconv.FormatUint(height, 10)
		l.metrics.ObserveEvent(payload)
		l.emitter.Emit(events.TypedEvent{Payload: payload})
		out = append(out, payload)
	}
	return out
}

// AdvanceBlock closes the open block. Timed-out challenges are slashed and
// lapsed requests refunded at the closing height, the trie is committed and
// the next block opens.
func (l *Ledger) AdvanceBlock(ctx context.Context) (types.Head, error) {
	start := time.Now()
	_, span := l.tracer.Start(ctx, "ledger.advance_block")
	defer span.End()

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return types.Head{}, ErrLedgerClosed
	}
	closing := l.head.Height
	span.SetAttributes(attribute.Int64("ledger.height", int64(closing)))

	working := l.trie.Copy()
	manager := state.NewManager(working)
	buf := &events.Buffer{}
	if err := l.newEngine(manager, buf).EndBlock(); err != nil {
		l.metrics.ObserveTransition("end_block", err, time.Since(start))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return types.Head{}, fmt.Errorf("ledger: end block %d: %w", closing, err)
	}
	root, err := working.Commit(l.trie.Root(), closing)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return types.Head{}, fmt.Errorf("ledger: commit block %d: %w", closing, err)
	}
	next := types.Head{Height: closing + 1, StateRoot: root, Timestamp: l.clock().Unix()}
	if err := writeHead(l.store, &next); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return types.Head{}, err
	}
	l.trie = working
	l.head = next
	l.publishLocked(buf, closing)
	l.metrics.ObserveTransition("end_block", nil, time.Since(start))
	l.metrics.SetHeight(next.Height)
	l.logger.Debug("block committed",
		slog.Uint64("height", closing),
		slog.String("root", root.Hex()))
	span.SetStatus(codes.Ok, "committed")
	return next, nil
}

// Balance returns the spendable balance of addr.
func (l *Ledger) Balance(addr common.Address) (*big.Int, error) {
	var out *big.Int
	err := l.View(func(_ *storage.Engine, m *state.Manager) error {
		bal, err := m.Balance(addr)
		out = bal
		return err
	})
	return out, err
}

// Nonce returns the highest nonce used by addr.
func (l *Ledger) Nonce(addr common.Address) (uint64, error) {
	var out uint64
	err := l.View(func(_ *storage.Engine, m *state.Manager) error {
		n, err := m.Nonce(addr)
		out = n
		return err
	})
	return out, err
}

// Fund mints amount to addr. Operator tooling uses it on development
// networks.
func (l *Ledger) Fund(ctx context.Context, addr common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	_, err := l.Apply(ctx, "dev.fund", func(e *storage.Engine, m *state.Manager) error {
		if err := m.Mint(addr, amount); err != nil {
			return err
		}
		total, err := m.Minted()
		if err != nil {
			return err
		}
		e.Publish(events.Supply{Total: total, Delta: new(big.Int).Set(amount), Reason: events.SupplyReasonFund})
		return nil
	})
	return err
}

// Close discards uncommitted transitions of the open block.
func (l *Ledger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	if l.trie.Hash() != l.trie.Root() {
		l.logger.Warn("closing ledger with uncommitted transitions",
			slog.Uint64("height", l.head.Height))
	}
}

func readHead(store db.Database) (*types.Head, error) {
	raw, err := store.Get(headKey)
	if err != nil {
		return nil, err
	}
	var head types.Head
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("ledger: decode head: %w", err)
	}
	return &head, nil
}

func writeHead(store db.Database, head *types.Head) error {
	raw, err := json.Marshal(head)
	if err != nil {
		return err
	}
	if err := store.Put(headKey, raw); err != nil {
		return fmt.Errorf("ledger: persist head: %w", err)
	}
	return nil
}
