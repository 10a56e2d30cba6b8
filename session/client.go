package session

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	logger "github.com/sirupsen/logrus"

	"github.com/blocknetdx/xbridge-go/common"
	"github.com/blocknetdx/xbridge-go/connector"
	"github.com/blocknetdx/xbridge-go/xorder"
	"github.com/blocknetdx/xbridge-go/xpacket"
)

var ErrInsufficientFunds = errors.New("pledged utxos do not cover amount plus fees")

// OrderParams describes a new maker order or a taker acceptance.
type OrderParams struct {
	FromCurrency string
	FromAmount   uint64
	FromAddr     string
	ToCurrency   string
	ToAmount     uint64
	ToAddr       string
	Utxos        []connector.UTXO
	FeeUtxos     []connector.UTXO
}

func (s *Session) checkFunds(conn connector.WalletConnector, amount uint64, utxos []connector.UTXO) error {
	if conn.IsDustAmount(amount) {
		return fmt.Errorf("amount %d is dust", amount)
	}
	if len(utxos) == 0 {
		return ErrInsufficientFunds
	}
	var total uint64
	for _, u := range utxos {
		total += u.Amount
	}
	need := amount + conn.MinTxFee1(uint32(len(utxos)), 3) + conn.MinTxFee2(1, 1)
	if total < need {
		return fmt.Errorf("%w: have %d need %d", ErrInsufficientFunds, total, need)
	}
	return nil
}

// SendOrder broadcasts a new maker order and registers it locally with
// role A. The pledged utxos are locked for the order's lifetime.
func (s *Session) SendOrder(params OrderParams) (*xorder.Order, error) {
	if s.cfg.TraderKey == nil {
		return nil, ErrNoTraderKey
	}
	connFrom, ok := s.connectorByCurrency(params.FromCurrency)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoConnector, params.FromCurrency)
	}
	connTo, ok := s.connectorByCurrency(params.ToCurrency)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoConnector, params.ToCurrency)
	}
	if err := s.checkFunds(connFrom, params.FromAmount, params.Utxos); err != nil {
		return nil, err
	}

	fromRaw, err := connFrom.ToXAddr(params.FromAddr)
	if err != nil {
		return nil, err
	}
	toRaw, err := connTo.ToXAddr(params.ToAddr)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	ts := uint64(now.Unix())
	blockHash := common.RandBytes32()
	id := xorder.CanonicalID(
		params.FromAddr, params.FromCurrency, params.FromAmount,
		params.ToAddr, params.ToCurrency, params.ToAmount,
		ts, blockHash, params.Utxos[0].Signature)

	o := &xorder.Order{
		ID:           id,
		Role:         connector.RoleA,
		FromCurrency: params.FromCurrency,
		FromAmount:   params.FromAmount,
		ToCurrency:   params.ToCurrency,
		ToAmount:     params.ToAmount,
		FromAddr:     fromRaw,
		ToAddr:       toRaw,
		MakerPubKey:  s.traderPubKey(),
		UsedCoins:    params.Utxos,
		FeeUtxos:     params.FeeUtxos,
		State:        xorder.StateNew,
		BlockHash:    blockHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if !s.deps.Locks.TryLock(o.Outpoints()) {
		return nil, fmt.Errorf("utxos already locked by another order")
	}
	if err := s.deps.Store.Add(o); err != nil {
		s.deps.Locks.Unlock(o.Outpoints())
		return nil, err
	}
	s.addRecvAddr(fromRaw)

	pkt := xpacket.NewPacket(xpacket.Transaction)
	pkt.AppendBytes(o.ID[:])
	pkt.AppendBytes(fromRaw)
	pkt.AppendBytes(packCurrency(params.FromCurrency))
	pkt.AppendUint64(params.FromAmount)
	pkt.AppendBytes(toRaw)
	pkt.AppendBytes(packCurrency(params.ToCurrency))
	pkt.AppendUint64(params.ToAmount)
	pkt.AppendUint64(ts)
	pkt.AppendBytes(blockHash[:])
	if err := appendUtxos(pkt, connFrom, params.Utxos); err != nil {
		return nil, err
	}

	o.Lock()
	o.MoveToState(xorder.StatePending)
	o.Unlock()

	s.send(nil, pkt)
	return o, nil
}

// AcceptOrder takes a pending offer with role B and answers the
// facilitator with TransactionAccepting.
func (s *Session) AcceptOrder(id xorder.OrderID, params OrderParams) (*xorder.Order, error) {
	if s.cfg.TraderKey == nil {
		return nil, ErrNoTraderKey
	}
	offer, ok := s.takeOffer(id)
	if !ok {
		return nil, fmt.Errorf("no such offer: %s", id)
	}
	connFrom, ok := s.connectorByCurrency(offer.FromCurrency)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoConnector, offer.FromCurrency)
	}
	connTo, ok := s.connectorByCurrency(offer.ToCurrency)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoConnector, offer.ToCurrency)
	}
	if err := s.checkFunds(connFrom, offer.FromAmount, params.Utxos); err != nil {
		return nil, err
	}

	fromRaw, err := connFrom.ToXAddr(params.FromAddr)
	if err != nil {
		return nil, err
	}
	toRaw, err := connTo.ToXAddr(params.ToAddr)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	o := &xorder.Order{
		ID:           id,
		Role:         connector.RoleB,
		FromCurrency: offer.FromCurrency,
		FromAmount:   offer.FromAmount,
		ToCurrency:   offer.ToCurrency,
		ToAmount:     offer.ToAmount,
		FromAddr:     fromRaw,
		ToAddr:       toRaw,
		TakerPubKey:  s.traderPubKey(),
		SnodePubKey:  offer.SnodePubKey,
		UsedCoins:    params.Utxos,
		FeeUtxos:     params.FeeUtxos,
		State:        xorder.StateNew,
		BlockHash:    offer.BlockHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if !s.deps.Locks.TryLock(o.Outpoints()) {
		return nil, fmt.Errorf("utxos already locked by another order")
	}
	if err := s.deps.Store.Add(o); err != nil {
		s.deps.Locks.Unlock(o.Outpoints())
		return nil, err
	}
	s.addRecvAddr(fromRaw)

	pkt := xpacket.NewPacket(xpacket.TransactionAccepting)
	pkt.AppendBytes(offer.HubAddr)
	pkt.AppendBytes(o.ID[:])
	pkt.AppendBytes(fromRaw)
	pkt.AppendBytes(packCurrency(offer.FromCurrency))
	pkt.AppendUint64(offer.FromAmount)
	pkt.AppendBytes(toRaw)
	pkt.AppendBytes(packCurrency(offer.ToCurrency))
	pkt.AppendUint64(offer.ToAmount)
	pkt.AppendUint64(offer.Timestamp)
	pkt.AppendBytes(o.BlockHash[:])
	if err := appendUtxos(pkt, connFrom, params.Utxos); err != nil {
		return nil, err
	}

	o.Lock()
	o.MoveToState(xorder.StatePending)
	o.Unlock()

	s.send(offer.HubAddr, pkt)
	return o, nil
}

func appendUtxos(pkt *xpacket.Packet, conn connector.WalletConnector, utxos []connector.UTXO) error {
	pkt.AppendUint32(uint32(len(utxos)))
	for _, u := range utxos {
		txid, err := txidToBytes(u.TxID)
		if err != nil {
			return err
		}
		// the 20-byte wire form carries the raw key hash; the receiver
		// recovers the address string chain-side
		raw, err := conn.ToXAddr(u.Address)
		if err != nil {
			return err
		}
		pkt.AppendBytes(txid)
		pkt.AppendUint32(u.Vout)
		pkt.AppendBytes(raw)
		pkt.AppendBytes(u.Signature)
	}
	return nil
}

// processPendingTransaction handles the facilitator echo. For a local
// maker order it binds the service node key; for foreign orders it files
// a takeable offer.
func (s *Session) processPendingTransaction(p *xpacket.Packet) bool {
	r := xpacket.NewReader(p)
	id := xorder.OrderIDFromBytes(r.ReadBytes(32))
	scurrency := unpackCurrency(r.ReadBytes(8))
	samount := r.ReadUint64()
	dcurrency := unpackCurrency(r.ReadBytes(8))
	damount := r.ReadUint64()
	hubAddr := append([]byte(nil), r.ReadBytes(20)...)
	createdTs := r.ReadUint64()
	blockHash := r.ReadBytes(32)
	if r.Err() != nil {
		return false
	}

	if !p.VerifySelf() {
		return false
	}
	if _, ok := s.deps.Snodes.FindByPubKey(p.Pubkey[:]); !ok {
		s.log.Debug("pending transaction from unknown service node")
		return false
	}

	if o, ok := s.deps.Store.Get(id); ok {
		o.Lock()
		defer o.Unlock()
		if len(o.SnodePubKey) > 0 && !bytes.Equal(o.SnodePubKey, p.Pubkey[:]) {
			s.log.WithField("order", id.String()).Warn("service node key mismatch on pending echo")
			return false
		}
		o.SnodePubKey = append([]byte(nil), p.Pubkey[:]...)
		return true
	}

	var bh [32]byte
	copy(bh[:], blockHash)
	offer := &Offer{
		ID: id,
		// flip into this node's perspective: we would pay what the
		// maker wants to receive
		FromCurrency: dcurrency,
		FromAmount:   damount,
		ToCurrency:   scurrency,
		ToAmount:     samount,
		HubAddr:      hubAddr,
		SnodePubKey:  append([]byte(nil), p.Pubkey[:]...),
		Timestamp:    createdTs,
		BlockHash:    bh,
	}
	s.offerMu.Lock()
	s.offers[id] = offer
	s.offerMu.Unlock()
	return true
}

// orderForPacket resolves and locks the order, after verifying the
// packet really came from the bound service node.
func (s *Session) orderForPacket(p *xpacket.Packet, id xorder.OrderID) (*xorder.Order, *logger.Entry, bool) {
	o, ok := s.deps.Store.Get(id)
	if !ok {
		s.log.WithField("order", id.String()).Debug("not a local order")
		return nil, nil, false
	}
	o.Lock()
	if !p.Verify(o.SnodePubKey) {
		o.Unlock()
		s.log.WithField("order", id.String()).Warn("packet not signed by bound service node")
		return nil, nil, false
	}
	log := s.log.WithFields(logger.Fields{
		"order": id.String(),
		"state": o.State.String(),
	})
	return o, log, true
}

func (s *Session) processTransactionHold(p *xpacket.Packet) bool {
	r := xpacket.NewReader(p)
	hubAddr := append([]byte(nil), r.ReadBytes(20)...)
	id := xorder.OrderIDFromBytes(r.ReadBytes(32))
	if r.Err() != nil {
		return false
	}

	o, log, ok := s.orderForPacket(p, id)
	if !ok {
		return false
	}
	defer o.Unlock()

	if o.State >= xorder.StateHold {
		log.Warn("stale hold packet")
		return true
	}
	o.MoveToState(xorder.StateHold)
	log.Info("order held")

	reply := xpacket.NewPacket(xpacket.TransactionHoldApply)
	reply.AppendBytes(hubAddr)
	reply.AppendBytes(o.FromAddr)
	reply.AppendBytes(o.ID[:])
	return s.send(hubAddr, reply)
}

func (s *Session) processTransactionInit(p *xpacket.Packet) bool {
	r := xpacket.NewReader(p)
	r.ReadBytes(20) // dest, already filtered by the substrate
	hubAddr := append([]byte(nil), r.ReadBytes(20)...)
	id := xorder.OrderIDFromBytes(r.ReadBytes(32))
	from := r.ReadBytes(20)
	fromCurrency := unpackCurrency(r.ReadBytes(8))
	fromAmount := r.ReadUint64()
	to := r.ReadBytes(20)
	toCurrency := unpackCurrency(r.ReadBytes(8))
	toAmount := r.ReadUint64()
	if r.Err() != nil {
		return false
	}

	o, log, ok := s.orderForPacket(p, id)
	if !ok {
		return false
	}
	defer o.Unlock()

	if o.State >= xorder.StateInitialized {
		log.Warn("stale init packet")
		return true
	}

	// the echo must match what we pledged
	if !bytes.Equal(from, o.FromAddr) || !bytes.Equal(to, o.ToAddr) ||
		fromCurrency != o.FromCurrency || toCurrency != o.ToCurrency ||
		fromAmount != o.FromAmount || toAmount != o.ToAmount {
		log.Warn("init echo does not match order")
		return false
	}

	feeTxID := make([]byte, 32)
	if o.Role == connector.RoleB && s.cfg.ServiceFee > 0 && len(o.FeeUtxos) > 0 && o.FeeTxID == "" {
		connFrom, ok := s.connectorByCurrency(o.FromCurrency)
		if !ok {
			return false
		}
		entry, ok := s.deps.Snodes.FindByPubKey(o.SnodePubKey)
		if !ok || entry.PaymentAddress == "" {
			log.Warn("no payment address for service node")
			return false
		}
		txid, err := connFrom.StoreDataIntoBlockchain(o.FeeUtxos, entry.PaymentAddress, s.cfg.ServiceFee, o.ID[:])
		if err != nil {
			// transient chain trouble: try again on the next tick
			log.WithError(err).Debug("fee transaction deferred")
			s.watcher.processLater(o.ID, p)
			return true
		}
		o.FeeTxID = txid
	}
	if o.FeeTxID != "" {
		if b, err := txidToBytes(o.FeeTxID); err == nil {
			feeTxID = b
		}
	}

	o.MoveToState(xorder.StateInitialized)
	log.Info("order initialized")

	reply := xpacket.NewPacket(xpacket.TransactionInitialized)
	reply.AppendBytes(hubAddr)
	reply.AppendBytes(o.FromAddr)
	reply.AppendBytes(o.ID[:])
	reply.AppendBytes(feeTxID)
	return s.send(hubAddr, reply)
}

// largestInputAddress picks the change destination the way the deposit
// builder expects: the address holding the biggest pledged input.
func largestInputAddress(utxos []connector.UTXO) string {
	best := utxos[0]
	for _, u := range utxos[1:] {
		if u.Amount > best.Amount {
			best = u
		}
	}
	return best.Address
}

// createDeposit builds and broadcasts the HTLC deposit plus its refund
// transaction. Shared by both roles.
func (s *Session) createDeposit(o *xorder.Order, conn connector.WalletConnector, otherPub []byte, lockTime uint32) error {
	lockScript, err := conn.CreateDepositUnlockScript(s.traderPubKey(), otherPub, o.HashedSecret, lockTime)
	if err != nil {
		return err
	}
	scriptID := conn.GetScriptID(lockScript)
	p2sh, err := conn.ScriptIDToString(scriptID)
	if err != nil {
		return err
	}

	amount := o.FromAmount + conn.MinTxFee2(1, 1)
	binTxID, binTx, err := conn.CreateDepositTransaction(o.UsedCoins, scriptID, amount, largestInputAddress(o.UsedCoins))
	if err != nil {
		return err
	}

	refundAddr, err := conn.GetNewAddress()
	if err != nil {
		return err
	}
	refTxID, refTx, err := conn.CreateRefundTransaction(binTxID, 0, amount, refundAddr, lockScript, lockTime)
	if err != nil {
		return err
	}

	if _, err := conn.SendRawTransaction(binTx); err != nil {
		return err
	}

	o.LockScript = lockScript
	o.LockP2SHAddress = p2sh
	o.LockTime = lockTime
	o.BinTxID = binTxID
	o.BinTxVout = 0
	o.BinTx = binTx
	o.RefTxID = refTxID
	o.RefTx = refTx
	o.DidSendDeposit = true
	o.SentDepositAt = time.Now().UTC()
	return nil
}

func (s *Session) processTransactionCreateA(p *xpacket.Packet) bool {
	r := xpacket.NewReader(p)
	hubAddr := append([]byte(nil), r.ReadBytes(20)...)
	id := xorder.OrderIDFromBytes(r.ReadBytes(32))
	oPubKey := append([]byte(nil), r.ReadBytes(33)...)
	if r.Err() != nil {
		return false
	}

	o, log, ok := s.orderForPacket(p, id)
	if !ok {
		return false
	}
	defer o.Unlock()

	if o.Role != connector.RoleA {
		log.Warn("create-a for a non-maker order")
		return false
	}
	if o.State >= xorder.StateCreated {
		log.Warn("stale create-a packet")
		return true
	}

	connFrom, ok := s.connectorByCurrency(o.FromCurrency)
	if !ok {
		return false
	}

	o.TakerPubKey = oPubKey

	var total uint64
	for _, u := range o.UsedCoins {
		total += u.Amount
	}
	need := o.FromAmount + connFrom.MinTxFee1(uint32(len(o.UsedCoins)), 3) + connFrom.MinTxFee2(1, 1)
	if total < need {
		s.sendCancel(o, xorder.ReasonNoMoney)
		return true
	}

	o.Secret = common.RandBytes(32)
	o.HashedSecret = connFrom.GetKeyID(o.Secret)

	lockTime, err := connFrom.LockTime(connector.RoleA)
	if err != nil {
		log.WithError(err).Error("lock time lookup failed")
		s.sendCancel(o, xorder.ReasonRpcError)
		return true
	}

	if err := s.createDeposit(o, connFrom, oPubKey, lockTime); err != nil {
		log.WithError(err).Error("deposit creation failed")
		s.sendCancel(o, xorder.ReasonRpcError)
		return true
	}

	o.MoveToState(xorder.StateCreated)
	log.WithFields(logger.Fields{"binTx": o.BinTxID, "p2sh": o.LockP2SHAddress}).Info("maker deposit broadcast")

	reply := xpacket.NewPacket(xpacket.TransactionCreatedA)
	reply.AppendBytes(hubAddr)
	reply.AppendBytes(o.ID[:])
	reply.AppendString(o.BinTxID)
	reply.AppendBytes(o.HashedSecret)
	reply.AppendUint32(o.LockTime)
	reply.AppendString(o.RefTxID)
	reply.AppendString(o.RefTx)
	return s.send(hubAddr, reply)
}

func (s *Session) processTransactionCreateB(p *xpacket.Packet) bool {
	r := xpacket.NewReader(p)
	hubAddr := append([]byte(nil), r.ReadBytes(20)...)
	id := xorder.OrderIDFromBytes(r.ReadBytes(32))
	mPubKey := append([]byte(nil), r.ReadBytes(33)...)
	binATxID := r.ReadString()
	hx := append([]byte(nil), r.ReadBytes(20)...)
	lockTimeA := r.ReadUint32()
	if r.Err() != nil {
		return false
	}

	o, log, ok := s.orderForPacket(p, id)
	if !ok {
		return false
	}
	defer o.Unlock()

	if o.Role != connector.RoleB {
		log.Warn("create-b for a non-taker order")
		return false
	}
	if o.State >= xorder.StateCreated {
		log.Warn("stale create-b packet")
		return true
	}

	connFrom, ok := s.connectorByCurrency(o.FromCurrency)
	if !ok {
		return false
	}
	connTo, ok := s.connectorByCurrency(o.ToCurrency)
	if !ok {
		return false
	}

	o.MakerPubKey = mPubKey
	o.OBinTxID = binATxID
	o.HashedSecret = hx
	o.OpponentLockTime = lockTimeA

	if !connTo.AcceptableLockTimeDrift(connector.RoleA, lockTimeA) {
		log.WithField("lockTime", lockTimeA).Warn("maker lock time out of tolerance")
		s.sendCancel(o, xorder.ReasonBadADepositTx)
		return true
	}

	// the maker's script, as the maker built it: maker refunds, we redeem
	unlockScript, err := connTo.CreateDepositUnlockScript(mPubKey, s.traderPubKey(), hx, lockTimeA)
	if err != nil {
		log.WithError(err).Error("counterparty script build failed")
		s.sendCancel(o, xorder.ReasonRpcError)
		return true
	}
	o.UnlockScript = unlockScript

	expected := o.ToAmount + connTo.MinTxFee2(1, 1)
	check, err := connTo.CheckDepositTransaction(binATxID, expected, connTo.GetScriptID(unlockScript))
	if err != nil {
		// deposit not observable yet: retry, never cancel
		log.WithError(err).Debug("maker deposit not yet observable, deferring")
		s.watcher.processLater(o.ID, p)
		return true
	}
	if !check.IsGood {
		log.Warn("maker deposit rejected")
		s.sendCancel(o, xorder.ReasonBadADepositTx)
		return true
	}
	o.OBinTxVout = check.Vout
	if check.Overpayment > 0 {
		log.WithField("overpayment", check.Overpayment).Info("maker deposit overpaid")
	}

	lockTime, err := connFrom.LockTime(connector.RoleB)
	if err != nil {
		log.WithError(err).Error("lock time lookup failed")
		s.sendCancel(o, xorder.ReasonRpcError)
		return true
	}

	if err := s.createDeposit(o, connFrom, mPubKey, lockTime); err != nil {
		log.WithError(err).Error("deposit creation failed")
		s.sendCancel(o, xorder.ReasonRpcError)
		return true
	}

	o.MoveToState(xorder.StateCreated)
	log.WithFields(logger.Fields{"binTx": o.BinTxID, "p2sh": o.LockP2SHAddress}).Info("taker deposit broadcast")

	reply := xpacket.NewPacket(xpacket.TransactionCreatedB)
	reply.AppendBytes(hubAddr)
	reply.AppendBytes(o.ID[:])
	reply.AppendString(o.BinTxID)
	reply.AppendUint32(o.LockTime)
	reply.AppendString(o.RefTxID)
	reply.AppendString(o.RefTx)
	return s.send(hubAddr, reply)
}

func isMissingInputs(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "missing inputs") ||
		strings.Contains(err.Error(), "missingorspent"))
}

func (s *Session) processTransactionConfirmA(p *xpacket.Packet) bool {
	r := xpacket.NewReader(p)
	hubAddr := append([]byte(nil), r.ReadBytes(20)...)
	id := xorder.OrderIDFromBytes(r.ReadBytes(32))
	binBTxID := r.ReadString()
	lockTimeB := r.ReadUint32()
	if r.Err() != nil {
		return false
	}

	o, log, ok := s.orderForPacket(p, id)
	if !ok {
		return false
	}
	defer o.Unlock()

	if o.State >= xorder.StateCommitted {
		log.Warn("stale confirm-a packet")
		return true
	}

	connTo, ok := s.connectorByCurrency(o.ToCurrency)
	if !ok {
		return false
	}

	o.OBinTxID = binBTxID
	o.OpponentLockTime = lockTimeB

	if !connTo.AcceptableLockTimeDrift(connector.RoleB, lockTimeB) {
		log.WithField("lockTime", lockTimeB).Warn("taker lock time out of tolerance")
		s.sendCancel(o, xorder.ReasonBadBDepositTx)
		return true
	}

	// the taker's script: taker refunds, we redeem with the secret
	unlockScript, err := connTo.CreateDepositUnlockScript(o.TakerPubKey, s.traderPubKey(), o.HashedSecret, lockTimeB)
	if err != nil {
		log.WithError(err).Error("counterparty script build failed")
		s.sendCancel(o, xorder.ReasonRpcError)
		return true
	}
	o.UnlockScript = unlockScript

	expected := o.ToAmount + connTo.MinTxFee2(1, 1)
	check, err := connTo.CheckDepositTransaction(binBTxID, expected, connTo.GetScriptID(unlockScript))
	if err != nil {
		log.WithError(err).Debug("taker deposit not yet observable, deferring")
		s.watcher.processLater(o.ID, p)
		return true
	}
	if !check.IsGood {
		log.Warn("taker deposit rejected")
		s.sendCancel(o, xorder.ReasonBadBDepositTx)
		return true
	}
	o.OBinTxVout = check.Vout

	payAddr, err := connTo.FromXAddr(o.ToAddr)
	if err != nil {
		s.sendCancel(o, xorder.ReasonInvalidAddress)
		return true
	}
	payTxID, payTx, err := connTo.CreatePaymentTransaction(o.OBinTxID, o.OBinTxVout, expected, payAddr, unlockScript, o.Secret)
	if err != nil {
		log.WithError(err).Error("payment creation failed")
		s.sendCancel(o, xorder.ReasonRpcError)
		return true
	}
	if _, err := connTo.SendRawTransaction(payTx); err != nil {
		if isMissingInputs(err) {
			log.WithError(err).Debug("taker deposit not spendable yet, deferring")
			s.watcher.processLater(o.ID, p)
			return true
		}
		log.WithError(err).Error("payment broadcast failed")
		s.sendCancel(o, xorder.ReasonRpcError)
		return true
	}

	// the secret is now public on the To chain; we have been paid
	o.PayTxID = payTxID
	o.PayTx = payTx
	o.CounterpartyRedeemed = true
	o.MoveToState(xorder.StateCommitted)
	log.WithField("payTx", payTxID).Info("maker redeemed taker deposit")

	reply := xpacket.NewPacket(xpacket.TransactionConfirmedA)
	reply.AppendBytes(hubAddr)
	reply.AppendBytes(o.ID[:])
	reply.AppendString(payTxID)
	return s.send(hubAddr, reply)
}

func (s *Session) processTransactionConfirmB(p *xpacket.Packet) bool {
	r := xpacket.NewReader(p)
	hubAddr := append([]byte(nil), r.ReadBytes(20)...)
	id := xorder.OrderIDFromBytes(r.ReadBytes(32))
	otherPayTxID := r.ReadString()
	if r.Err() != nil {
		return false
	}

	o, log, ok := s.orderForPacket(p, id)
	if !ok {
		return false
	}
	defer o.Unlock()

	if o.State >= xorder.StateCommitted {
		log.Warn("stale confirm-b packet")
		return true
	}

	connFrom, ok := s.connectorByCurrency(o.FromCurrency)
	if !ok {
		return false
	}
	connTo, ok := s.connectorByCurrency(o.ToCurrency)
	if !ok {
		return false
	}

	o.OtherPayTxID = otherPayTxID

	// the maker's pay tx spends our own deposit; its input carries the
	// secret preimage
	secret, found, err := connFrom.GetSecretFromPaymentTransaction(otherPayTxID, o.BinTxID, o.BinTxVout, o.HashedSecret)
	if err != nil || !found {
		o.OtherPayTxTries++
		if o.OtherPayTxTries >= s.cfg.MaxOtherPayTxTries {
			log.Warn("gave up watching maker pay tx")
			s.sendCancel(o, xorder.ReasonRpcError)
			return true
		}
		log.WithField("tries", o.OtherPayTxTries).Debug("maker pay tx not yet observable, deferring")
		s.watcher.processLater(o.ID, p)
		return true
	}
	o.Secret = secret

	expected := o.ToAmount + connTo.MinTxFee2(1, 1)
	payAddr, err := connTo.FromXAddr(o.ToAddr)
	if err != nil {
		s.sendCancel(o, xorder.ReasonInvalidAddress)
		return true
	}
	payTxID, payTx, err := connTo.CreatePaymentTransaction(o.OBinTxID, o.OBinTxVout, expected, payAddr, o.UnlockScript, secret)
	if err != nil {
		log.WithError(err).Error("payment creation failed")
		s.sendCancel(o, xorder.ReasonRpcError)
		return true
	}
	if _, err := connTo.SendRawTransaction(payTx); err != nil {
		if isMissingInputs(err) {
			s.watcher.processLater(o.ID, p)
			return true
		}
		log.WithError(err).Error("payment broadcast failed")
		s.sendCancel(o, xorder.ReasonRpcError)
		return true
	}

	o.PayTxID = payTxID
	o.PayTx = payTx
	o.CounterpartyRedeemed = true
	o.MoveToState(xorder.StateCommitted)
	log.WithField("payTx", payTxID).Info("taker redeemed maker deposit")

	reply := xpacket.NewPacket(xpacket.TransactionConfirmedB)
	reply.AppendBytes(hubAddr)
	reply.AppendBytes(o.ID[:])
	reply.AppendString(payTxID)
	return s.send(hubAddr, reply)
}

func (s *Session) processTransactionFinished(p *xpacket.Packet) bool {
	r := xpacket.NewReader(p)
	id := xorder.OrderIDFromBytes(r.ReadBytes(32))
	if r.Err() != nil {
		return false
	}

	o, log, ok := s.orderForPacket(p, id)
	if !ok {
		return false
	}
	defer o.Unlock()

	if o.State >= xorder.StateFinished {
		log.Warn("stale finished packet")
		return true
	}

	o.MoveToState(xorder.StateFinished)
	s.deps.Locks.Unlock(o.Outpoints())
	s.watcher.removePackets(o.ID)
	if err := s.deps.Store.MoveToHistory(o); err != nil {
		log.WithError(err).Error("history move failed")
	}
	log.Info("order finished")
	return true
}
