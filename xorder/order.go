/*
Package xorder holds the per-order mutable state a trading node keeps for
its own orders, from broadcast until the order reaches a terminal state
and is moved to history.
*/
package xorder

import (
	"bytes"
	"encoding/binary"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/blocknetdx/xbridge-go/common"
	"github.com/blocknetdx/xbridge-go/connector"
	"github.com/blocknetdx/xbridge-go/utxolock"
)

// OrderID is the canonical 32-byte order identifier.
type OrderID [32]byte

func (id OrderID) String() string { return common.ByteSliceToPureHexStr(id[:]) }

func OrderIDFromBytes(b []byte) OrderID {
	var id OrderID
	copy(id[:], b)
	return id
}

// CanonicalID recomputes the order id from its content. The facilitator
// rejects orders whose broadcast id does not match.
func CanonicalID(saddr, scurrency string, samount uint64, daddr, dcurrency string, damount uint64, timestamp uint64, blockHash [32]byte, firstUtxoSig []byte) OrderID {
	var buf bytes.Buffer
	var b8 [8]byte

	buf.WriteString(saddr)
	buf.WriteString(scurrency)
	binary.LittleEndian.PutUint64(b8[:], samount)
	buf.Write(b8[:])
	buf.WriteString(daddr)
	buf.WriteString(dcurrency)
	binary.LittleEndian.PutUint64(b8[:], damount)
	buf.Write(b8[:])
	binary.LittleEndian.PutUint64(b8[:], timestamp)
	buf.Write(b8[:])
	buf.Write(blockHash[:])
	buf.Write(firstUtxoSig)

	return OrderID(chainhash.DoubleHashB(buf.Bytes()))
}

// State is the trader-side order state. It only ever moves forward,
// except into Cancelled or Rollback.
type State int

const (
	StateNew State = iota
	StatePending
	StateHold
	StateInitialized
	StateCreated
	StateCommitted
	StateFinished
	StateCancelled
	StateRollback
	StateRollbackFailed
)

var stateNames = map[State]string{
	StateNew:            "New",
	StatePending:        "Pending",
	StateHold:           "Hold",
	StateInitialized:    "Initialized",
	StateCreated:        "Created",
	StateCommitted:      "Committed",
	StateFinished:       "Finished",
	StateCancelled:      "Cancelled",
	StateRollback:       "Rollback",
	StateRollbackFailed: "RollbackFailed",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "Invalid"
}

// CancelReason is the closed set of reasons a cancel packet carries.
type CancelReason uint32

const (
	ReasonBadUtxo CancelReason = iota
	ReasonBadADepositTx
	ReasonBadBDepositTx
	ReasonNoMoney
	ReasonRpcError
	ReasonBlocknetError
	ReasonInvalidAddress
	ReasonTimeout
	ReasonUnknown
)

var reasonNames = map[CancelReason]string{
	ReasonBadUtxo:        "BadUtxo",
	ReasonBadADepositTx:  "BadADepositTx",
	ReasonBadBDepositTx:  "BadBDepositTx",
	ReasonNoMoney:        "NoMoney",
	ReasonRpcError:       "RpcError",
	ReasonBlocknetError:  "BlocknetError",
	ReasonInvalidAddress: "InvalidAddress",
	ReasonTimeout:        "Timeout",
	ReasonUnknown:        "Unknown",
}

func (r CancelReason) String() string {
	if n, ok := reasonNames[r]; ok {
		return n
	}
	return "Unknown"
}

// Order is one swap descriptor.
type Order struct {
	mu sync.Mutex

	ID   OrderID
	Role connector.Role

	FromCurrency string
	FromAmount   uint64
	ToCurrency   string
	ToAmount     uint64
	FromAddr     []byte // raw 20-byte chain form
	ToAddr       []byte

	MakerPubKey []byte // 33-byte compressed
	TakerPubKey []byte
	SnodePubKey []byte

	UsedCoins []connector.UTXO
	FeeUtxos  []connector.UTXO
	FeeTxID   string

	// HTLC state
	Secret           []byte // maker only, until revealed on chain
	HashedSecret     []byte
	LockScript       []byte
	LockP2SHAddress  string
	LockTime         uint32
	OpponentLockTime uint32

	// own deposit
	BinTxID   string
	BinTxVout uint32
	BinTx     string
	// counterparty deposit
	OBinTxID     string
	OBinTxVout   uint32
	UnlockScript []byte

	RefTxID string
	RefTx   string
	PayTxID string
	PayTx   string

	State  State
	Reason CancelReason

	CreatedAt time.Time
	UpdatedAt time.Time
	BlockHash [32]byte // anti-replay salt

	// watch bookkeeping
	DidSendDeposit       bool
	SentDepositAt        time.Time
	WatchBlock           uint32
	OtherPayTxID         string
	OtherPayTxTries      int
	IsDoneWatching       bool
	CounterpartyRedeemed bool
}

// Lock serializes access to the descriptor. Session handlers hold it for
// the whole packet, including the wallet connector calls they make.
func (o *Order) Lock()   { o.mu.Lock() }
func (o *Order) Unlock() { o.mu.Unlock() }

// MoveToState advances the order. Rewinds are refused except into the
// cancel/rollback side states. Reports whether the transition applied.
func (o *Order) MoveToState(s State) bool {
	switch s {
	case StateCancelled, StateRollback, StateRollbackFailed:
	default:
		if s <= o.State {
			return false
		}
	}
	o.State = s
	o.UpdatedAt = time.Now().UTC()
	return true
}

// IsTerminal reports whether the order is Finished or Cancelled. A
// rolled-back order also leaves the live set once its refund is out, but
// keeps the Rollback state, for which IsTerminal is false.
func (o *Order) IsTerminal() bool {
	return o.State == StateFinished || o.State == StateCancelled
}

// HasRedeemedCounterpartyDeposit is the point of no return: once the
// counterparty deposit is redeemed the node has been paid and cancels
// are ignored.
func (o *Order) HasRedeemedCounterpartyDeposit() bool {
	return o.CounterpartyRedeemed
}

// Outpoints maps the pledged coins (trade plus fee) to lock-registry keys.
func (o *Order) Outpoints() []utxolock.Outpoint {
	outs := make([]utxolock.Outpoint, 0, len(o.UsedCoins)+len(o.FeeUtxos))
	for _, u := range o.UsedCoins {
		outs = append(outs, utxolock.Outpoint{Currency: o.FromCurrency, TxID: u.TxID, Vout: u.Vout})
	}
	for _, u := range o.FeeUtxos {
		outs = append(outs, utxolock.Outpoint{Currency: o.FromCurrency, TxID: u.TxID, Vout: u.Vout})
	}
	return outs
}
