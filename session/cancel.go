package session

import (
	"bytes"

	"github.com/blocknetdx/xbridge-go/exchange"
	"github.com/blocknetdx/xbridge-go/xorder"
	"github.com/blocknetdx/xbridge-go/xpacket"
)

func cancelPacket(id xorder.OrderID, reason xorder.CancelReason) *xpacket.Packet {
	p := xpacket.NewPacket(xpacket.TransactionCancel)
	p.AppendBytes(id[:])
	p.AppendUint32(uint32(reason))
	return p
}

// sendCancel broadcasts a cancel for a local order and applies it
// immediately. Caller holds the order lock.
func (s *Session) sendCancel(o *xorder.Order, reason xorder.CancelReason) {
	s.send(nil, cancelPacket(o.ID, reason))
	s.applyCancel(o, reason)
}

// sendCancelByID rejects an order this node never admitted.
func (s *Session) sendCancelByID(id xorder.OrderID, reason xorder.CancelReason) {
	if s.cfg.ExchangeNode {
		s.sendAsSnode(nil, cancelPacket(id, reason))
		return
	}
	s.send(nil, cancelPacket(id, reason))
}

// cancelTrade is the facilitator-side cancel: drop the trade, release
// its pledged outpoints and tell both peers.
func (s *Session) cancelTrade(t *exchange.Trade, reason xorder.CancelReason) {
	t.Lock()
	t.MoveToState(exchange.StateCancelled)
	t.Unlock()
	s.deps.Exchange.Drop(t.ID)
	s.sendAsSnode(nil, cancelPacket(t.ID, reason))
}

// signerAllowed verifies the packet signature against the set of keys
// entitled to cancel this order.
func signerAllowed(p *xpacket.Packet, allowed ...[]byte) bool {
	if !p.VerifySelf() {
		return false
	}
	for _, key := range allowed {
		if len(key) > 0 && bytes.Equal(p.Pubkey[:], key) {
			return true
		}
	}
	return false
}

// processTransactionCancel is the trader-side cancel handler. Only the
// bound service node or one of the two trading keys may cancel.
func (s *Session) processTransactionCancel(p *xpacket.Packet) bool {
	r := xpacket.NewReader(p)
	id := xorder.OrderIDFromBytes(r.ReadBytes(32))
	reason := xorder.CancelReason(r.ReadUint32())
	if r.Err() != nil {
		return false
	}

	o, ok := s.deps.Store.Get(id)
	if !ok {
		return true
	}

	o.Lock()
	defer o.Unlock()

	if !signerAllowed(p, o.SnodePubKey, o.MakerPubKey, o.TakerPubKey) {
		s.log.WithField("order", id.String()).Warn("cancel from unauthorized signer")
		return false
	}
	s.applyCancel(o, reason)
	return true
}

// applyCancel implements the cancel semantics by current local state.
// Caller holds the order lock.
func (s *Session) applyCancel(o *xorder.Order, reason xorder.CancelReason) {
	log := s.log.WithFields(map[string]interface{}{
		"order":  o.ID.String(),
		"reason": reason.String(),
	})

	switch {
	case o.State == xorder.StateCancelled:
		return

	case o.HasRedeemedCounterpartyDeposit():
		// already paid; a cancel cannot claw that back
		log.Info("ignoring cancel, counterparty deposit already redeemed")
		return

	case !o.DidSendDeposit:
		o.Reason = reason
		o.MoveToState(xorder.StateCancelled)
		s.deps.Locks.Unlock(o.Outpoints())
		s.watcher.removePackets(o.ID)
		if err := s.deps.Store.MoveToHistory(o); err != nil {
			log.WithError(err).Error("history move failed")
		}
		log.Info("order cancelled")

	default:
		// funds are on chain; get them back once the lock expires
		if o.State < xorder.StateRollback {
			o.Reason = reason
			o.MoveToState(xorder.StateRollback)
			log.Info("order rolling back")
		}
		s.tryRefund(o, reason)
	}
}

// queueRefundRetry re-queues a self-signed cancel so tryRefund runs
// again on the next tick.
func (s *Session) queueRefundRetry(o *xorder.Order, reason xorder.CancelReason) {
	if s.cfg.TraderKey == nil {
		return
	}
	retry := cancelPacket(o.ID, reason)
	if retry.Sign(s.cfg.TraderKey) == nil {
		s.watcher.processLater(o.ID, retry)
	}
}

// tryRefund broadcasts the refund transaction once the chain has reached
// the lock height. Until then the cancel is re-queued for the next tick.
func (s *Session) tryRefund(o *xorder.Order, reason xorder.CancelReason) {
	log := s.log.WithField("order", o.ID.String())

	connFrom, ok := s.connectorByCurrency(o.FromCurrency)
	if !ok {
		o.MoveToState(xorder.StateRollbackFailed)
		s.queueRefundRetry(o, reason)
		return
	}
	height, err := connFrom.GetInfo()
	if err != nil {
		log.WithError(err).Debug("chain info unavailable, retrying refund")
		o.MoveToState(xorder.StateRollbackFailed)
		s.queueRefundRetry(o, reason)
		return
	}
	if height < o.LockTime {
		log.WithFields(map[string]interface{}{
			"height": height, "lockTime": o.LockTime,
		}).Debug("refund lock still active")
		s.queueRefundRetry(o, reason)
		return
	}

	if _, err := connFrom.SendRawTransaction(o.RefTx); err != nil {
		log.WithError(err).Warn("refund broadcast failed, will retry")
		o.MoveToState(xorder.StateRollbackFailed)
		s.queueRefundRetry(o, reason)
		return
	}

	// refund is out; the order leaves the live set in its rollback state
	if o.State == xorder.StateRollbackFailed {
		o.MoveToState(xorder.StateRollback)
	}
	s.deps.Locks.Unlock(o.Outpoints())
	s.watcher.removePackets(o.ID)
	if err := s.deps.Store.MoveToHistory(o); err != nil {
		log.WithError(err).Error("history move failed")
	}
	log.WithField("refTx", o.RefTxID).Info("refund broadcast")
}

// processServerCancel is the facilitator-side cancel handler: one of the
// two trading keys withdraws the order.
func (s *Session) processServerCancel(p *xpacket.Packet) bool {
	r := xpacket.NewReader(p)
	id := xorder.OrderIDFromBytes(r.ReadBytes(32))
	reason := xorder.CancelReason(r.ReadUint32())
	if r.Err() != nil {
		return false
	}

	t, ok := s.deps.Exchange.Get(id)
	if !ok {
		return true
	}

	t.Lock()
	allowed := signerAllowed(p, t.A.PubKey, t.B.PubKey)
	t.Unlock()
	if !allowed {
		s.log.WithField("order", id.String()).Warn("cancel from unauthorized signer")
		return false
	}

	t.Lock()
	t.MoveToState(exchange.StateCancelled)
	t.Unlock()
	s.deps.Exchange.Drop(id)
	s.log.WithFields(map[string]interface{}{
		"order": id.String(), "reason": reason.String(),
	}).Info("trade cancelled by peer")
	return true
}
