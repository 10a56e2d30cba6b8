package exchange

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blocknetdx/xbridge-go/common"
	"github.com/blocknetdx/xbridge-go/connector"
	"github.com/blocknetdx/xbridge-go/utxolock"
	"github.com/blocknetdx/xbridge-go/xorder"
)

func randLeg(currency string) Leg {
	return Leg{
		Currency:   currency,
		Amount:     10 * common.COIN,
		SourceAddr: common.RandBytes(20),
		DestAddr:   common.RandBytes(20),
		PubKey:     common.RandBytes(33),
		Utxos: []connector.UTXO{
			{
				TxID:      common.ByteSliceToPureHexStr(common.RandBytes(32)),
				Vout:      0,
				Amount:    11 * common.COIN,
				Address:   "addr",
				Signature: common.RandBytes(64),
			},
		},
	}
}

func randTrade() *Trade {
	return &Trade{
		ID:        xorder.OrderID(common.RandBytes32()),
		A:         randLeg("BLOCK"),
		BlockHash: common.RandBytes32(),
		Timestamp: uint64(time.Now().Unix()),
	}
}

func TestCreatePendingDeduplicates(t *testing.T) {
	e := New()
	tr := randTrade()

	require.NoError(t, e.CreatePending(tr))
	first := tr.UpdatedAt

	time.Sleep(5 * time.Millisecond)
	dup := &Trade{ID: tr.ID, A: randLeg("BLOCK")}
	assert.ErrorIs(t, e.CreatePending(dup), ErrTradeExists)

	// only the timestamp moved; no second record
	assert.Equal(t, 1, e.Count())
	got, ok := e.Get(tr.ID)
	require.True(t, ok)
	assert.Same(t, tr, got)
	assert.True(t, got.UpdatedAt.After(first))
}

func TestCreatePendingRejectsPledgedUtxos(t *testing.T) {
	e := New()
	tr := randTrade()
	require.NoError(t, e.CreatePending(tr))

	other := randTrade()
	other.A.Utxos = tr.A.Utxos
	assert.ErrorIs(t, e.CreatePending(other), ErrUtxosLocked)
}

func TestFirstTakerWins(t *testing.T) {
	e := New()
	tr := randTrade()
	require.NoError(t, e.CreatePending(tr))

	joined, err := e.Accept(tr.ID, randLeg("LTC"))
	require.NoError(t, err)
	assert.Equal(t, StateJoined, joined.State)

	_, err = e.Accept(tr.ID, randLeg("LTC"))
	assert.ErrorIs(t, err, ErrNotPending)
}

func TestAcceptUnknownTrade(t *testing.T) {
	e := New()
	_, err := e.Accept(xorder.OrderID(common.RandBytes32()), randLeg("LTC"))
	assert.ErrorIs(t, err, ErrTradeNotFound)
}

func TestDropReleasesLocks(t *testing.T) {
	e := New()
	tr := randTrade()
	require.NoError(t, e.CreatePending(tr))
	_, err := e.Accept(tr.ID, randLeg("LTC"))
	require.NoError(t, err)

	a := tr.A.Utxos[0]
	op := utxolock.Outpoint{Currency: "BLOCK", TxID: a.TxID, Vout: a.Vout}
	assert.True(t, e.IsUtxoLocked(op))

	e.Drop(tr.ID)
	assert.False(t, e.IsUtxoLocked(op))
	assert.Equal(t, 0, e.Count())
}

func TestMoveToStateForwardOnly(t *testing.T) {
	tr := randTrade()
	tr.State = StateJoined

	assert.True(t, tr.MoveToState(StateHold))
	assert.False(t, tr.MoveToState(StateJoined))
	assert.True(t, tr.MoveToState(StateInitialized))
	assert.True(t, tr.MoveToState(StateCancelled))
}

func TestExpired(t *testing.T) {
	e := New()
	tr := randTrade()
	require.NoError(t, e.CreatePending(tr))

	assert.Empty(t, e.Expired(time.Minute))

	tr.Lock()
	tr.UpdatedAt = time.Now().UTC().Add(-2 * time.Minute)
	tr.Unlock()
	assert.Len(t, e.Expired(time.Minute), 1)

	// finished trades never expire
	tr.Lock()
	tr.State = StateFinished
	tr.Unlock()
	assert.Empty(t, e.Expired(time.Minute))
}
