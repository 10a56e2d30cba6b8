package xorder

import (
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blocknetdx/xbridge-go/common"
)

func TestMoveToStateMonotonic(t *testing.T) {
	o := RandOrder(StateNew)

	assert.True(t, o.MoveToState(StatePending))
	assert.True(t, o.MoveToState(StateHold))
	assert.True(t, o.MoveToState(StateInitialized))

	// rewinds are refused
	assert.False(t, o.MoveToState(StatePending))
	assert.False(t, o.MoveToState(StateInitialized))
	assert.Equal(t, StateInitialized, o.State)

	// side exits are always reachable
	assert.True(t, o.MoveToState(StateRollback))
	assert.True(t, o.MoveToState(StateRollbackFailed))
	assert.True(t, o.MoveToState(StateCancelled))
}

func TestIsTerminal(t *testing.T) {
	assert.False(t, RandOrder(StateCreated).IsTerminal())
	assert.False(t, RandOrder(StateRollback).IsTerminal())
	assert.True(t, RandOrder(StateFinished).IsTerminal())
	assert.True(t, RandOrder(StateCancelled).IsTerminal())
}

func TestCanonicalIDDeterministic(t *testing.T) {
	blockHash := common.RandBytes32()
	sig := common.RandBytes(64)

	a := CanonicalID("saddr", "BLOCK", 10, "daddr", "LTC", 20, 1700000000, blockHash, sig)
	b := CanonicalID("saddr", "BLOCK", 10, "daddr", "LTC", 20, 1700000000, blockHash, sig)
	assert.Equal(t, a, b)

	c := CanonicalID("saddr", "BLOCK", 11, "daddr", "LTC", 20, 1700000000, blockHash, sig)
	assert.NotEqual(t, a, c)

	d := CanonicalID("saddr", "BLOCK", 10, "daddr", "LTC", 20, 1700000001, blockHash, sig)
	assert.NotEqual(t, a, d)
}

func TestOutpointsCoverFeeUtxos(t *testing.T) {
	o := RandOrder(StateNew)
	o.FeeUtxos = o.UsedCoins[:1]

	outs := o.Outpoints()
	assert.Len(t, outs, 2)
	for _, op := range outs {
		assert.Equal(t, o.FromCurrency, op.Currency)
	}
}

func TestStoreAddGetMove(t *testing.T) {
	db := getMemoryDB()
	defer db.Close()
	history, err := NewHistoryDB(db)
	require.NoError(t, err)
	defer history.Close()

	s := NewStore(history)
	o := RandOrder(StateNew)

	require.NoError(t, s.Add(o))
	assert.ErrorIs(t, s.Add(o), ErrOrderExists)

	got, ok := s.Get(o.ID)
	assert.True(t, ok)
	assert.Same(t, o, got)
	assert.Equal(t, 1, s.Count())

	o.MoveToState(StateCancelled)
	o.Reason = ReasonBadUtxo
	require.NoError(t, s.MoveToHistory(o))
	assert.Equal(t, 0, s.Count())
	assert.ErrorIs(t, s.MoveToHistory(o), ErrOrderNotFound)

	ho, ok, err := history.Get(o.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, StateCancelled, ho.State)
	assert.Equal(t, ReasonBadUtxo, ho.Reason)
	assert.Equal(t, o.FromAmount, ho.FromAmount)

	all, err := history.All()
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestHistoryGetMissing(t *testing.T) {
	db := getMemoryDB()
	defer db.Close()
	history, err := NewHistoryDB(db)
	require.NoError(t, err)
	defer history.Close()

	_, ok, err := history.Get(OrderID(common.RandBytes32()))
	require.NoError(t, err)
	assert.False(t, ok)
}
