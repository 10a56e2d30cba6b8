package session

import (
	"database/sql"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blocknetdx/xbridge-go/common"
	"github.com/blocknetdx/xbridge-go/connector"
	"github.com/blocknetdx/xbridge-go/xorder"
	"github.com/blocknetdx/xbridge-go/xpacket"
)

func newHistoryDB(t *testing.T) *xorder.HistoryDB {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	h, err := xorder.NewHistoryDB(db)
	require.NoError(t, err)
	return h
}

func newTestNet(t *testing.T, tweak func(role string, cfg *Config)) (*SimNet, *xorder.HistoryDB, *xorder.HistoryDB) {
	makerHist := newHistoryDB(t)
	takerHist := newHistoryDB(t)
	net, err := NewSimNet(makerHist, takerHist, tweak)
	require.NoError(t, err)
	return net, makerHist, takerHist
}

// runMakerOrder funds the maker and broadcasts a 10 BLOCK -> 20 LTC order.
func runMakerOrder(t *testing.T, net *SimNet) *xorder.Order {
	u, err := net.FundMaker(11 * common.COIN)
	require.NoError(t, err)

	toAddr, err := net.MakerConns["LTC"].GetNewAddress()
	require.NoError(t, err)

	o, err := net.Maker.SendOrder(OrderParams{
		FromCurrency: "BLOCK",
		FromAmount:   10 * common.COIN,
		FromAddr:     u.Address,
		ToCurrency:   "LTC",
		ToAmount:     20 * common.COIN,
		ToAddr:       toAddr,
		Utxos:        []connector.UTXO{u},
	})
	require.NoError(t, err)
	return o
}

func takerParams(t *testing.T, net *SimNet) OrderParams {
	u, err := net.FundTaker(21 * common.COIN)
	require.NoError(t, err)

	toAddr, err := net.TakerConns["BLOCK"].GetNewAddress()
	require.NoError(t, err)

	return OrderParams{
		FromAddr: u.Address,
		ToAddr:   toAddr,
		Utxos:    []connector.UTXO{u},
	}
}

func soleOffer(t *testing.T, net *SimNet) *Offer {
	offers := net.Taker.Offers()
	require.Len(t, offers, 1)
	return offers[0]
}

func TestHappyPath(t *testing.T) {
	net, makerHist, takerHist := newTestNet(t, nil)
	net.Connect(net.Facilitator, net.Maker, net.Taker)

	makerOrder := runMakerOrder(t, net)

	// the facilitator echoed the order; the taker sees it flipped
	offer := soleOffer(t, net)
	assert.Equal(t, makerOrder.ID, offer.ID)
	assert.Equal(t, "LTC", offer.FromCurrency)
	assert.Equal(t, 20*common.COIN, offer.FromAmount)
	assert.Equal(t, 10*common.COIN, offer.ToAmount)

	takerOrder, err := net.Taker.AcceptOrder(offer.ID, takerParams(t, net))
	require.NoError(t, err)

	// the whole choreography ran on the synchronous bus
	mh, ok, err := makerHist.Get(makerOrder.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, xorder.StateFinished, mh.State)

	th, ok, err := takerHist.Get(takerOrder.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, xorder.StateFinished, th.State)

	// both pay transactions exist on their chains
	assert.NotEmpty(t, mh.PayTxID)
	assert.NotEmpty(t, th.PayTxID)
	res, err := net.MakerConns["LTC"].GetTxOut(mh.PayTxID, 0)
	require.NoError(t, err)
	assert.True(t, res.Found)
	res, err = net.TakerConns["BLOCK"].GetTxOut(th.PayTxID, 0)
	require.NoError(t, err)
	assert.True(t, res.Found)

	// live sets and lock registries are empty
	assert.Equal(t, 0, net.MakerStore.Count())
	assert.Equal(t, 0, net.TakerStore.Count())
	assert.Equal(t, 0, net.MakerLocks.Count())
	assert.Equal(t, 0, net.TakerLocks.Count())
	assert.Equal(t, 0, net.Exchange.Count())
}

func TestTakerExtractsSecretFromMakerPayTx(t *testing.T) {
	net, makerHist, takerHist := newTestNet(t, nil)
	net.Connect(net.Facilitator, net.Maker, net.Taker)

	// capture the hashed secret the maker announces in CreatedA
	var hx []byte
	net.Bus.Subscribe(func(dest, raw []byte) {
		p, err := xpacket.Decode(raw)
		if err != nil || p.Command != xpacket.TransactionCreatedA {
			return
		}
		r := xpacket.NewReader(p)
		r.ReadBytes(20) // hub address
		r.ReadBytes(32) // order id
		r.ReadString()  // deposit txid
		hx = append([]byte(nil), r.ReadBytes(20)...)
	})

	makerOrder := runMakerOrder(t, net)
	offer := soleOffer(t, net)
	takerOrder, err := net.Taker.AcceptOrder(offer.ID, takerParams(t, net))
	require.NoError(t, err)
	require.Len(t, hx, 20)

	mh, ok, err := makerHist.Get(makerOrder.ID)
	require.NoError(t, err)
	require.True(t, ok)
	th, ok, err := takerHist.Get(takerOrder.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, xorder.StateFinished, th.State)

	// the maker's pay tx on the LTC chain spends the taker's deposit and
	// reveals the preimage of hx
	secret, found, err := net.TakerConns["LTC"].GetSecretFromPaymentTransaction(
		mh.PayTxID, th.BinTxID, 0, hx)
	require.NoError(t, err)
	require.True(t, found)
	assert.Len(t, secret, 32)

	// the same preimage unlocked the maker's deposit for the taker
	got, found, err := net.TakerConns["BLOCK"].GetSecretFromPaymentTransaction(
		th.PayTxID, mh.BinTxID, 0, hx)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, secret, got)
}

func TestTakerNeverDeposits(t *testing.T) {
	net, makerHist, _ := newTestNet(t, nil)
	net.Connect(net.Facilitator, net.Maker)

	// the taker goes dark the moment it is asked to create its deposit
	stalled := false
	net.Bus.Subscribe(func(dest, raw []byte) {
		if stalled {
			return
		}
		if p, err := xpacket.Decode(raw); err == nil && p.Command == xpacket.TransactionCreateB {
			stalled = true
			return
		}
		net.Taker.OnFrame(dest, raw)
	})

	makerOrder := runMakerOrder(t, net)
	offer := soleOffer(t, net)
	_, err := net.Taker.AcceptOrder(offer.ID, takerParams(t, net))
	require.NoError(t, err)

	// maker deposited and is stuck in Created
	o, ok := net.MakerStore.Get(makerOrder.ID)
	require.True(t, ok)
	assert.Equal(t, xorder.StateCreated, o.State)
	assert.True(t, o.DidSendDeposit)
	lockTime := o.LockTime

	// the facilitator times the trade out
	tr, ok := net.Exchange.Get(makerOrder.ID)
	require.True(t, ok)
	tr.Lock()
	tr.UpdatedAt = tr.UpdatedAt.Add(-time.Hour)
	tr.Unlock()
	net.Facilitator.Tick()

	// the maker rolled back but cannot refund before the lock expires
	o, ok = net.MakerStore.Get(makerOrder.ID)
	require.True(t, ok)
	assert.Equal(t, xorder.StateRollback, o.State)
	assert.Equal(t, xorder.ReasonTimeout, o.Reason)

	net.ChainX.Mine(int64(lockTime)) // far past the lock height
	net.Maker.Tick()

	// refund broadcast, order archived in its rollback state
	mh, ok, err := makerHist.Get(makerOrder.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, xorder.StateRollback, mh.State)
	assert.NotEmpty(t, mh.RefTxID)

	res, err := net.MakerConns["BLOCK"].GetTxOut(mh.RefTxID, 0)
	require.NoError(t, err)
	assert.True(t, res.Found)
	assert.Equal(t, 0, net.MakerLocks.Count())
}

func TestDuplicateTransactionBroadcast(t *testing.T) {
	net, _, _ := newTestNet(t, nil)
	net.Connect(net.Facilitator, net.Maker)

	// record the maker's raw broadcast frames
	var transactionFrame []byte
	net.Bus.Subscribe(func(dest, raw []byte) {
		if p, err := xpacket.Decode(raw); err == nil && p.Command == xpacket.Transaction {
			transactionFrame = append([]byte(nil), raw...)
		}
	})

	runMakerOrder(t, net)
	require.NotNil(t, transactionFrame)
	require.Equal(t, 1, net.Exchange.Count())

	// replaying the identical broadcast must not create a second record
	net.Facilitator.OnFrame(make([]byte, 20), transactionFrame)
	assert.Equal(t, 1, net.Exchange.Count())
}

func TestFacilitatorImpersonationRejected(t *testing.T) {
	net, _, _ := newTestNet(t, nil)
	net.Connect(net.Facilitator, net.Maker)

	makerOrder := runMakerOrder(t, net)

	o, ok := net.MakerStore.Get(makerOrder.ID)
	require.True(t, ok)
	assert.Equal(t, xorder.StatePending, o.State)

	// an attacker forges a hold with its own key
	attacker, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	forged := xpacket.NewPacket(xpacket.TransactionHold)
	forged.AppendBytes(make([]byte, 20))
	forged.AppendBytes(makerOrder.ID[:])
	require.NoError(t, forged.Sign(attacker))

	assert.False(t, net.Maker.ProcessPacket(forged))
	assert.Equal(t, xorder.StatePending, o.State)
}

func TestShortDepositCancelsWithBadBDeposit(t *testing.T) {
	net, _, _ := newTestNet(t, nil)
	net.Connect(net.Facilitator, net.Maker, net.Taker)

	makerOrder := runMakerOrder(t, net)
	offer := soleOffer(t, net)

	// a dishonest taker deposits one base unit short; its declared amounts
	// still match the order, so only the maker's on-chain check can notice
	net.Bus.Subscribe(func(dest, raw []byte) {
		p, err := xpacket.Decode(raw)
		if err != nil || p.Command != xpacket.TransactionCreateA {
			return
		}
		// the taker is initialized and has not built its deposit yet
		o, ok := net.TakerStore.Get(offer.ID)
		if !ok {
			return
		}
		o.Lock()
		o.FromAmount--
		o.Unlock()
	})

	_, err := net.Taker.AcceptOrder(offer.ID, takerParams(t, net))
	require.NoError(t, err)

	// the maker rejected the deposit and is rolling back its own
	o, ok := net.MakerStore.Get(makerOrder.ID)
	require.True(t, ok)
	assert.Equal(t, xorder.StateRollback, o.State)
	assert.Equal(t, xorder.ReasonBadBDepositTx, o.Reason)
	assert.Empty(t, o.PayTxID)

	// the facilitator dropped the trade on the maker's cancel
	assert.Equal(t, 0, net.Exchange.Count())
}

func TestRefundRejectedBeforeLockTime(t *testing.T) {
	net, _, _ := newTestNet(t, nil)
	net.Connect(net.Facilitator, net.Maker)

	stalled := false
	net.Bus.Subscribe(func(dest, raw []byte) {
		if stalled {
			return
		}
		if p, err := xpacket.Decode(raw); err == nil && p.Command == xpacket.TransactionCreateB {
			stalled = true
			return
		}
		net.Taker.OnFrame(dest, raw)
	})

	makerOrder := runMakerOrder(t, net)
	offer := soleOffer(t, net)
	_, err := net.Taker.AcceptOrder(offer.ID, takerParams(t, net))
	require.NoError(t, err)

	tr, ok := net.Exchange.Get(makerOrder.ID)
	require.True(t, ok)
	tr.Lock()
	tr.UpdatedAt = tr.UpdatedAt.Add(-time.Hour)
	tr.Unlock()
	net.Facilitator.Tick()

	// ticking before the lock height must not broadcast the refund
	net.Maker.Tick()
	net.Maker.Tick()

	o, ok := net.MakerStore.Get(makerOrder.ID)
	require.True(t, ok)
	assert.Equal(t, xorder.StateRollback, o.State)
	res, err := net.MakerConns["BLOCK"].GetTxOut(o.RefTxID, 0)
	require.NoError(t, err)
	assert.False(t, res.Found)
}

func TestTruncatedPacketRejected(t *testing.T) {
	net, _, _ := newTestNet(t, nil)

	short := xpacket.NewPacket(xpacket.TransactionHold)
	short.AppendBytes(make([]byte, 20))
	short.AppendBytes(make([]byte, 31)) // one byte below the order id
	require.NoError(t, short.Sign(net.SnodeKey))

	assert.False(t, net.Maker.ProcessPacket(short))
}

func TestCancelFromUnauthorizedSignerIgnored(t *testing.T) {
	net, _, _ := newTestNet(t, nil)
	net.Connect(net.Facilitator, net.Maker)

	makerOrder := runMakerOrder(t, net)

	attacker, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	forged := cancelPacket(makerOrder.ID, xorder.ReasonBadUtxo)
	require.NoError(t, forged.Sign(attacker))
	assert.False(t, net.Maker.ProcessPacket(forged))

	o, ok := net.MakerStore.Get(makerOrder.ID)
	require.True(t, ok)
	assert.Equal(t, xorder.StatePending, o.State)
}

func TestServiceFeePublishedDuringInit(t *testing.T) {
	net, makerHist, _ := newTestNet(t, func(role string, cfg *Config) {
		if role == "taker" {
			cfg.ServiceFee = 100_000
		}
	})
	net.Connect(net.Facilitator, net.Maker, net.Taker)

	makerOrder := runMakerOrder(t, net)
	offer := soleOffer(t, net)

	params := takerParams(t, net)
	feeUtxo, err := net.FundTaker(common.COIN)
	require.NoError(t, err)
	params.FeeUtxos = []connector.UTXO{feeUtxo}

	takerOrder, err := net.Taker.AcceptOrder(offer.ID, params)
	require.NoError(t, err)
	assert.NotEmpty(t, takerOrder.FeeTxID)

	// the fee did not get in the way of the swap
	mh, ok, err := makerHist.Get(makerOrder.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, xorder.StateFinished, mh.State)

	res, err := net.TakerConns["LTC"].GetTxOut(takerOrder.FeeTxID, 0)
	require.NoError(t, err)
	assert.True(t, res.Found)
	assert.Equal(t, uint64(100_000), res.Amount)
}
