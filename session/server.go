package session

import (
	"bytes"
	"errors"

	logger "github.com/sirupsen/logrus"

	"github.com/blocknetdx/xbridge-go/connector"
	"github.com/blocknetdx/xbridge-go/exchange"
	"github.com/blocknetdx/xbridge-go/xorder"
	"github.com/blocknetdx/xbridge-go/xpacket"
)

// readUtxos parses the wire utxo list. Amounts and address strings are
// not on the wire; they are recovered from the chain during validation.
func readUtxos(r *xpacket.Reader) ([]connector.UTXO, [][]byte, bool) {
	count := r.ReadUint32()
	if r.Err() != nil || count == 0 || count > 1024 {
		return nil, nil, false
	}
	utxos := make([]connector.UTXO, 0, count)
	rawAddrs := make([][]byte, 0, count)
	for i := uint32(0); i < count; i++ {
		txid := r.ReadBytes(32)
		vout := r.ReadUint32()
		addr := r.ReadBytes(20)
		sig := r.ReadBytes(64)
		if r.Err() != nil {
			return nil, nil, false
		}
		utxos = append(utxos, connector.UTXO{
			TxID:      txidFromBytes(txid),
			Vout:      vout,
			Signature: append([]byte(nil), sig...),
		})
		rawAddrs = append(rawAddrs, append([]byte(nil), addr...))
	}
	return utxos, rawAddrs, true
}

var errUtxoLost = errors.New("utxo not found on chain")

// validateUtxos checks every pledged output against the chain and its
// owner signature, filling in amounts and address strings. Returns the
// verified total.
func (s *Session) validateUtxos(conn connector.WalletConnector, utxos []connector.UTXO, rawAddrs [][]byte) (uint64, error) {
	var total uint64
	for i := range utxos {
		res, err := conn.GetTxOut(utxos[i].TxID, utxos[i].Vout)
		if err != nil {
			return 0, err
		}
		if !res.Found {
			return 0, errUtxoLost
		}
		addr, err := conn.FromXAddr(rawAddrs[i])
		if err != nil {
			return 0, err
		}
		utxos[i].Amount = res.Amount
		utxos[i].Address = addr
		if !conn.VerifyMessage(addr, utxos[i].SignString(), utxos[i].Signature) {
			return 0, errUtxoLost
		}
		total += res.Amount
	}
	return total, nil
}

// revalidateUtxos re-checks previously verified outputs for continued
// existence on chain.
func (s *Session) revalidateUtxos(conn connector.WalletConnector, utxos []connector.UTXO) bool {
	for _, u := range utxos {
		res, err := conn.GetTxOut(u.TxID, u.Vout)
		if err != nil || !res.Found {
			return false
		}
	}
	return true
}

// processTransaction admits a maker broadcast into the order book.
func (s *Session) processTransaction(p *xpacket.Packet) bool {
	r := xpacket.NewReader(p)
	id := xorder.OrderIDFromBytes(r.ReadBytes(32))
	fromRaw := append([]byte(nil), r.ReadBytes(20)...)
	scurrency := unpackCurrency(r.ReadBytes(8))
	samount := r.ReadUint64()
	toRaw := append([]byte(nil), r.ReadBytes(20)...)
	dcurrency := unpackCurrency(r.ReadBytes(8))
	damount := r.ReadUint64()
	ts := r.ReadUint64()
	blockHash := r.ReadBytes(32)
	if r.Err() != nil {
		return false
	}
	utxos, rawAddrs, ok := readUtxos(r)
	if !ok {
		return false
	}

	if !p.VerifySelf() {
		return false
	}

	log := s.log.WithField("order", id.String())

	connA, ok := s.connectorByCurrency(scurrency)
	if !ok {
		log.WithField("currency", scurrency).Debug("unsupported source currency")
		return false
	}
	connB, ok := s.connectorByCurrency(dcurrency)
	if !ok {
		log.WithField("currency", dcurrency).Debug("unsupported destination currency")
		return false
	}
	if connA.IsDustAmount(samount) || connB.IsDustAmount(damount) {
		log.Debug("rejecting dust order")
		return false
	}

	fromStr, err := connA.FromXAddr(fromRaw)
	if err != nil {
		s.sendCancelByID(id, xorder.ReasonInvalidAddress)
		return true
	}
	toStr, err := connB.FromXAddr(toRaw)
	if err != nil {
		s.sendCancelByID(id, xorder.ReasonInvalidAddress)
		return true
	}

	var bh [32]byte
	copy(bh[:], blockHash)
	canonical := xorder.CanonicalID(fromStr, scurrency, samount, toStr, dcurrency, damount, ts, bh, utxos[0].Signature)
	if canonical != id {
		log.Warn("order id does not match canonical hash")
		return false
	}

	total, err := s.validateUtxos(connA, utxos, rawAddrs)
	if err != nil {
		log.WithError(err).Warn("maker utxo validation failed")
		s.sendCancelByID(id, xorder.ReasonBadUtxo)
		return true
	}
	if total < samount {
		s.sendCancelByID(id, xorder.ReasonNoMoney)
		return true
	}

	trade := &exchange.Trade{
		ID: id,
		A: exchange.Leg{
			Currency:   scurrency,
			Amount:     samount,
			SourceAddr: fromRaw,
			DestAddr:   toRaw,
			PubKey:     append([]byte(nil), p.Pubkey[:]...),
			Utxos:      utxos,
		},
		BlockHash: bh,
		Timestamp: ts,
	}

	switch err := s.deps.Exchange.CreatePending(trade); {
	case errors.Is(err, exchange.ErrTradeExists):
		// duplicate broadcast: the timestamp was bumped, nothing else
		log.Debug("duplicate transaction broadcast")
		return true
	case errors.Is(err, exchange.ErrUtxosLocked):
		s.sendCancelByID(id, xorder.ReasonBadUtxo)
		return true
	case err != nil:
		return false
	}
	log.WithFields(logger.Fields{
		"from": scurrency, "to": dcurrency,
	}).Info("order admitted")

	echo := xpacket.NewPacket(xpacket.PendingTransaction)
	echo.AppendBytes(id[:])
	echo.AppendBytes(packCurrency(scurrency))
	echo.AppendUint64(samount)
	echo.AppendBytes(packCurrency(dcurrency))
	echo.AppendUint64(damount)
	echo.AppendBytes(s.hubAddr())
	echo.AppendUint64(ts)
	echo.AppendBytes(bh[:])
	return s.sendAsSnode(nil, echo)
}

func (s *Session) processTransactionAccepting(p *xpacket.Packet) bool {
	r := xpacket.NewReader(p)
	r.ReadBytes(20) // hub address, this node
	id := xorder.OrderIDFromBytes(r.ReadBytes(32))
	fromRaw := append([]byte(nil), r.ReadBytes(20)...)
	scurrency := unpackCurrency(r.ReadBytes(8))
	samount := r.ReadUint64()
	toRaw := append([]byte(nil), r.ReadBytes(20)...)
	dcurrency := unpackCurrency(r.ReadBytes(8))
	damount := r.ReadUint64()
	r.ReadUint64()  // ts echo
	r.ReadBytes(32) // block hash echo
	if r.Err() != nil {
		return false
	}
	utxos, rawAddrs, ok := readUtxos(r)
	if !ok {
		return false
	}

	if !p.VerifySelf() {
		return false
	}

	log := s.log.WithField("order", id.String())

	t, ok := s.deps.Exchange.Get(id)
	if !ok {
		log.Debug("accepting for unknown order")
		return true
	}

	// the taker must receive what the maker pledged. The trade does not
	// record the maker's ask, so what the taker pays is not checked here;
	// the maker rejects a differing amount when it verifies its Init echo.
	t.Lock()
	mirrored := t.A.Currency == dcurrency && t.A.Amount == damount
	t.Unlock()
	if !mirrored {
		log.Warn("acceptance does not mirror the order")
		return false
	}

	connB, ok := s.connectorByCurrency(scurrency)
	if !ok {
		return false
	}

	// both legs must still be spendable before the trade is held
	if _, err := s.validateUtxos(connB, utxos, rawAddrs); err != nil {
		log.WithError(err).Warn("taker utxo validation failed")
		return false
	}

	t.Lock()
	makerConn, makerUtxos := t.A.Currency, t.A.Utxos
	t.Unlock()
	connMaker, ok := s.connectorByCurrency(makerConn)
	if !ok {
		return false
	}
	if !s.revalidateUtxos(connMaker, makerUtxos) {
		log.Warn("maker utxos lost before acceptance")
		s.cancelTrade(t, xorder.ReasonBadUtxo)
		return true
	}

	legB := exchange.Leg{
		Currency:   scurrency,
		Amount:     samount,
		SourceAddr: fromRaw,
		DestAddr:   toRaw,
		PubKey:     append([]byte(nil), p.Pubkey[:]...),
		Utxos:      utxos,
	}
	if _, err := s.deps.Exchange.Accept(id, legB); err != nil {
		// first taker won, or the taker's coins are pledged elsewhere
		log.WithError(err).Debug("acceptance rejected")
		return true
	}
	log.WithField("amount", damount).Info("order accepted, holding both peers")

	t.Lock()
	aAddr := append([]byte(nil), t.A.SourceAddr...)
	bAddr := append([]byte(nil), t.B.SourceAddr...)
	t.Unlock()

	for _, dest := range [][]byte{aAddr, bAddr} {
		hold := xpacket.NewPacket(xpacket.TransactionHold)
		hold.AppendBytes(s.hubAddr())
		hold.AppendBytes(id[:])
		if !s.sendAsSnode(dest, hold) {
			return false
		}
	}
	return true
}

// legFor matches a trader address to one side of the trade. Caller holds
// the trade lock.
func legFor(t *exchange.Trade, from []byte) *exchange.Leg {
	if bytes.Equal(from, t.A.SourceAddr) {
		return &t.A
	}
	if bytes.Equal(from, t.B.SourceAddr) {
		return &t.B
	}
	return nil
}

func (s *Session) processTransactionHoldApply(p *xpacket.Packet) bool {
	r := xpacket.NewReader(p)
	r.ReadBytes(20) // hub address
	from := append([]byte(nil), r.ReadBytes(20)...)
	id := xorder.OrderIDFromBytes(r.ReadBytes(32))
	if r.Err() != nil {
		return false
	}

	t, ok := s.deps.Exchange.Get(id)
	if !ok {
		return true
	}

	t.Lock()
	defer t.Unlock()

	leg := legFor(t, from)
	if leg == nil {
		return false
	}
	if !p.Verify(leg.PubKey) {
		return false
	}
	if t.State != exchange.StateJoined {
		s.log.WithField("order", id.String()).Debug("stale hold apply")
		return true
	}

	leg.HoldApplied = true
	if !(t.A.HoldApplied && t.B.HoldApplied) {
		return true
	}
	t.MoveToState(exchange.StateHold)
	s.log.WithField("order", id.String()).Info("both peers held, initializing")

	// each trader gets its own (address, currency, amount) pairs, with
	// the counter-leg amounts as the receive side
	legs := [2]*exchange.Leg{&t.A, &t.B}
	for i, leg := range legs {
		other := legs[1-i]
		init := xpacket.NewPacket(xpacket.TransactionInit)
		init.AppendBytes(leg.SourceAddr)
		init.AppendBytes(s.hubAddr())
		init.AppendBytes(id[:])
		init.AppendBytes(leg.SourceAddr)
		init.AppendBytes(packCurrency(leg.Currency))
		init.AppendUint64(leg.Amount)
		init.AppendBytes(leg.DestAddr)
		init.AppendBytes(packCurrency(other.Currency))
		init.AppendUint64(other.Amount)
		if !s.sendAsSnode(leg.SourceAddr, init) {
			return false
		}
	}
	return true
}

func (s *Session) processTransactionInitialized(p *xpacket.Packet) bool {
	r := xpacket.NewReader(p)
	r.ReadBytes(20) // hub address
	from := append([]byte(nil), r.ReadBytes(20)...)
	id := xorder.OrderIDFromBytes(r.ReadBytes(32))
	feeTxID := r.ReadBytes(32)
	if r.Err() != nil {
		return false
	}

	t, ok := s.deps.Exchange.Get(id)
	if !ok {
		return true
	}

	t.Lock()
	defer t.Unlock()

	leg := legFor(t, from)
	if leg == nil {
		return false
	}
	if !p.Verify(leg.PubKey) {
		return false
	}
	if t.State != exchange.StateHold {
		s.log.WithField("order", id.String()).Debug("stale initialized")
		return true
	}

	leg.Initialized = true
	if !isZero(feeTxID) {
		s.log.WithFields(logger.Fields{
			"order": id.String(), "feeTx": txidFromBytes(feeTxID),
		}).Debug("fee transaction reported")
	}
	if !(t.A.Initialized && t.B.Initialized) {
		return true
	}
	t.MoveToState(exchange.StateInitialized)
	s.log.WithField("order", id.String()).Info("both peers initialized, requesting maker deposit")

	createA := xpacket.NewPacket(xpacket.TransactionCreateA)
	createA.AppendBytes(s.hubAddr())
	createA.AppendBytes(id[:])
	createA.AppendBytes(t.B.PubKey)
	return s.sendAsSnode(t.A.SourceAddr, createA)
}

func (s *Session) processTransactionCreatedA(p *xpacket.Packet) bool {
	r := xpacket.NewReader(p)
	r.ReadBytes(20) // hub address
	id := xorder.OrderIDFromBytes(r.ReadBytes(32))
	binTxID := r.ReadString()
	hx := append([]byte(nil), r.ReadBytes(20)...)
	lockTime := r.ReadUint32()
	refTxID := r.ReadString()
	refTx := r.ReadString()
	if r.Err() != nil {
		return false
	}

	t, ok := s.deps.Exchange.Get(id)
	if !ok {
		return true
	}

	t.Lock()
	defer t.Unlock()

	if !p.Verify(t.A.PubKey) {
		return false
	}
	if t.State != exchange.StateInitialized {
		s.log.WithField("order", id.String()).Debug("stale created-a")
		return true
	}

	t.A.BinTxID = binTxID
	t.A.LockTime = lockTime
	t.A.RefTx = refTx
	t.HashedSecret = hx
	t.MoveToState(exchange.StateCreated)
	s.log.WithFields(logger.Fields{
		"order": id.String(), "binTx": binTxID, "refTx": refTxID,
	}).Info("maker deposit reported, watching")

	createB := xpacket.NewPacket(xpacket.TransactionCreateB)
	createB.AppendBytes(s.hubAddr())
	createB.AppendBytes(id[:])
	createB.AppendBytes(t.A.PubKey)
	createB.AppendString(binTxID)
	createB.AppendBytes(hx)
	createB.AppendUint32(lockTime)
	return s.sendAsSnode(t.B.SourceAddr, createB)
}

func (s *Session) processTransactionCreatedB(p *xpacket.Packet) bool {
	r := xpacket.NewReader(p)
	r.ReadBytes(20) // hub address
	id := xorder.OrderIDFromBytes(r.ReadBytes(32))
	binTxID := r.ReadString()
	lockTime := r.ReadUint32()
	refTxID := r.ReadString()
	refTx := r.ReadString()
	if r.Err() != nil {
		return false
	}

	t, ok := s.deps.Exchange.Get(id)
	if !ok {
		return true
	}

	t.Lock()
	defer t.Unlock()

	if !p.Verify(t.B.PubKey) {
		return false
	}
	if t.State != exchange.StateCreated {
		s.log.WithField("order", id.String()).Debug("stale created-b")
		return true
	}

	t.B.BinTxID = binTxID
	t.B.LockTime = lockTime
	t.B.RefTx = refTx
	s.log.WithFields(logger.Fields{
		"order": id.String(), "binTx": binTxID, "refTx": refTxID,
	}).Info("taker deposit reported")

	confirmA := xpacket.NewPacket(xpacket.TransactionConfirmA)
	confirmA.AppendBytes(s.hubAddr())
	confirmA.AppendBytes(id[:])
	confirmA.AppendString(binTxID)
	confirmA.AppendUint32(lockTime)
	return s.sendAsSnode(t.A.SourceAddr, confirmA)
}

func (s *Session) processTransactionConfirmedA(p *xpacket.Packet) bool {
	r := xpacket.NewReader(p)
	r.ReadBytes(20) // hub address
	id := xorder.OrderIDFromBytes(r.ReadBytes(32))
	payTxID := r.ReadString()
	if r.Err() != nil {
		return false
	}

	t, ok := s.deps.Exchange.Get(id)
	if !ok {
		return true
	}

	t.Lock()
	defer t.Unlock()

	if !p.Verify(t.A.PubKey) {
		return false
	}

	t.A.PayTxID = payTxID
	s.log.WithFields(logger.Fields{
		"order": id.String(), "payTx": payTxID,
	}).Info("maker redeemed, notifying taker")

	confirmB := xpacket.NewPacket(xpacket.TransactionConfirmB)
	confirmB.AppendBytes(s.hubAddr())
	confirmB.AppendBytes(id[:])
	confirmB.AppendString(payTxID)
	return s.sendAsSnode(t.B.SourceAddr, confirmB)
}

func (s *Session) processTransactionConfirmedB(p *xpacket.Packet) bool {
	r := xpacket.NewReader(p)
	r.ReadBytes(20) // hub address
	id := xorder.OrderIDFromBytes(r.ReadBytes(32))
	payTxID := r.ReadString()
	if r.Err() != nil {
		return false
	}

	t, ok := s.deps.Exchange.Get(id)
	if !ok {
		return true
	}

	t.Lock()
	if !p.Verify(t.B.PubKey) {
		t.Unlock()
		return false
	}
	t.B.PayTxID = payTxID
	t.MoveToState(exchange.StateFinished)
	t.Unlock()

	s.deps.Exchange.Drop(id)
	s.log.WithFields(logger.Fields{
		"order": id.String(), "payTx": payTxID,
	}).Info("trade finished")

	fin := xpacket.NewPacket(xpacket.TransactionFinished)
	fin.AppendBytes(id[:])
	return s.sendAsSnode(nil, fin)
}
