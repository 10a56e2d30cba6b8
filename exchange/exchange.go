/*
Package exchange is the facilitator-side order book. It tracks orders from
the first Transaction packet seen until they finish, cancel or expire, and
assigns the taker leg on first acceptance.
*/
package exchange

import (
	"errors"
	"sync"
	"time"

	"github.com/blocknetdx/xbridge-go/connector"
	"github.com/blocknetdx/xbridge-go/utxolock"
	"github.com/blocknetdx/xbridge-go/xorder"
)

// State is the facilitator's view of one trade.
type State int

const (
	StatePending State = iota // broadcast seen, no taker yet
	StateJoined
	StateHold
	StateInitialized
	StateCreated
	StateFinished
	StateCancelled
)

var stateNames = map[State]string{
	StatePending:     "Pending",
	StateJoined:      "Joined",
	StateHold:        "Hold",
	StateInitialized: "Initialized",
	StateCreated:     "Created",
	StateFinished:    "Finished",
	StateCancelled:   "Cancelled",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "Invalid"
}

var (
	ErrTradeExists   = errors.New("trade already known")
	ErrTradeNotFound = errors.New("trade not found")
	ErrUtxosLocked   = errors.New("utxos already pledged to another trade")
	ErrNotPending    = errors.New("trade is not pending")
)

// Leg is one side of a trade as the facilitator sees it.
type Leg struct {
	Currency   string
	Amount     uint64
	SourceAddr []byte // raw 20-byte
	DestAddr   []byte
	PubKey     []byte // 33-byte trader session key
	Utxos      []connector.UTXO

	BinTxID     string
	LockTime    uint32
	RefTx       string
	PayTxID     string
	HoldApplied bool
	Initialized bool
}

// Trade is the facilitator-side record for one order.
type Trade struct {
	mu sync.Mutex

	ID           xorder.OrderID
	State        State
	A            Leg // maker
	B            Leg // taker
	HashedSecret []byte
	BlockHash    [32]byte
	Timestamp    uint64

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (t *Trade) Lock()   { t.mu.Lock() }
func (t *Trade) Unlock() { t.mu.Unlock() }

// Touch refreshes the staleness clock.
func (t *Trade) Touch() { t.UpdatedAt = time.Now().UTC() }

// MoveToState advances the trade; rewinds are refused except to Cancelled.
func (t *Trade) MoveToState(s State) bool {
	if s != StateCancelled && s <= t.State {
		return false
	}
	t.State = s
	t.Touch()
	return true
}

// Exchange is the order book. UTXO dedupe across concurrent trades runs
// through its own lock registry.
type Exchange struct {
	mu     sync.Mutex
	trades map[xorder.OrderID]*Trade
	locks  *utxolock.Registry
}

func New() *Exchange {
	return &Exchange{
		trades: make(map[xorder.OrderID]*Trade),
		locks:  utxolock.NewRegistry(),
	}
}

func legOutpoints(currency string, utxos []connector.UTXO) []utxolock.Outpoint {
	outs := make([]utxolock.Outpoint, 0, len(utxos))
	for _, u := range utxos {
		outs = append(outs, utxolock.Outpoint{Currency: currency, TxID: u.TxID, Vout: u.Vout})
	}
	return outs
}

// CreatePending admits a new maker broadcast. A duplicate id only bumps
// the timestamp on the existing record.
func (e *Exchange) CreatePending(t *Trade) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if existing, ok := e.trades[t.ID]; ok {
		existing.Lock()
		existing.Touch()
		existing.Unlock()
		return ErrTradeExists
	}
	if !e.locks.TryLock(legOutpoints(t.A.Currency, t.A.Utxos)) {
		return ErrUtxosLocked
	}
	t.State = StatePending
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	e.trades[t.ID] = t
	return nil
}

// Accept binds the first taker to a pending trade. First taker wins; any
// later acceptance fails with ErrNotPending.
func (e *Exchange) Accept(id xorder.OrderID, b Leg) (*Trade, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.trades[id]
	if !ok {
		return nil, ErrTradeNotFound
	}

	t.Lock()
	defer t.Unlock()
	if t.State != StatePending {
		return nil, ErrNotPending
	}
	if !e.locks.TryLock(legOutpoints(b.Currency, b.Utxos)) {
		return nil, ErrUtxosLocked
	}
	t.B = b
	t.State = StateJoined
	t.Touch()
	return t, nil
}

func (e *Exchange) Get(id xorder.OrderID) (*Trade, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.trades[id]
	return t, ok
}

// Drop removes the trade and releases every pledged outpoint.
func (e *Exchange) Drop(id xorder.OrderID) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.trades[id]
	if !ok {
		return
	}
	delete(e.trades, id)

	t.Lock()
	e.locks.Unlock(legOutpoints(t.A.Currency, t.A.Utxos))
	e.locks.Unlock(legOutpoints(t.B.Currency, t.B.Utxos))
	t.Unlock()
}

// Expired returns trades whose last activity is older than maxAge.
func (e *Exchange) Expired(maxAge time.Duration) []*Trade {
	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := time.Now().UTC().Add(-maxAge)
	var out []*Trade
	for _, t := range e.trades {
		t.Lock()
		stale := t.UpdatedAt.Before(cutoff) && t.State != StateFinished
		t.Unlock()
		if stale {
			out = append(out, t)
		}
	}
	return out
}

func (e *Exchange) All() []*Trade {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]*Trade, 0, len(e.trades))
	for _, t := range e.trades {
		out = append(out, t)
	}
	return out
}

func (e *Exchange) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return len(e.trades)
}

// IsUtxoLocked reports whether an outpoint is pledged to a live trade.
func (e *Exchange) IsUtxoLocked(o utxolock.Outpoint) bool {
	return e.locks.IsLocked(o)
}
