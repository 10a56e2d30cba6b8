/*
Package session drives the swap protocol. One Session represents this
node's participation: as a trader (maker or taker, per order) or as the
facilitating service node when exchange mode is on.

Every incoming frame runs under exactly one handler, selected by command
from a role-specific dispatch table fixed at construction. Handlers for
the same session never run concurrently.
*/
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	logger "github.com/sirupsen/logrus"

	"github.com/blocknetdx/xbridge-go/broadcast"
	"github.com/blocknetdx/xbridge-go/common"
	"github.com/blocknetdx/xbridge-go/logconfig"
	"github.com/blocknetdx/xbridge-go/connector"
	"github.com/blocknetdx/xbridge-go/exchange"
	"github.com/blocknetdx/xbridge-go/snode"
	"github.com/blocknetdx/xbridge-go/utxolock"
	"github.com/blocknetdx/xbridge-go/xorder"
	"github.com/blocknetdx/xbridge-go/xpacket"
)

const (
	sessionIDSize = 20

	// how often deferred packets are retried
	defaultTickInterval = time.Second
	// how many ticks the taker polls for the maker's pay tx
	defaultMaxOtherPayTxTries = 75
)

var (
	ErrNoTraderKey = errors.New("session has no trader key")
	ErrNoConnector = errors.New("no connector for currency")
)

type Config struct {
	// ExchangeNode switches the session to the facilitator dispatch
	// table. Requires SnodeKey.
	ExchangeNode bool
	SnodeKey     *btcec.PrivateKey
	TraderKey    *btcec.PrivateKey

	// ServiceFee is paid by the taker to the facilitator's payment
	// address during Init. Zero disables the fee transaction.
	ServiceFee uint64

	// SyncTimeout bounds how long the facilitator lets a trade idle.
	SyncTimeout time.Duration

	MaxOtherPayTxTries int
}

// Deps are the process-wide collaborators, injected explicitly.
type Deps struct {
	Connectors map[string]connector.WalletConnector
	Store      *xorder.Store
	Locks      *utxolock.Registry
	Exchange   *exchange.Exchange // facilitator only
	Snodes     *snode.Registry
	Sender     broadcast.Sender
}

type handlerFunc func(*xpacket.Packet) bool

type Session struct {
	cfg  Config
	deps Deps

	id       [sessionIDSize]byte
	dispatch func(xpacket.Command) handlerFunc

	// per-session serialization: one handler at a time
	procMu sync.Mutex

	// additional unicast destinations this session answers to
	recvMu    sync.Mutex
	recvAddrs map[[sessionIDSize]byte]struct{}

	// pending offers seen from makers, takeable by this node
	offerMu sync.Mutex
	offers  map[xorder.OrderID]*Offer

	watcher *watcher

	log *logger.Entry
}

// Offer is a maker order announced by the facilitator that this node may
// accept. Amounts are already flipped into this node's perspective.
type Offer struct {
	ID           xorder.OrderID
	FromCurrency string // what the taker pays
	FromAmount   uint64
	ToCurrency   string
	ToAmount     uint64
	HubAddr      []byte
	SnodePubKey  []byte
	Timestamp    uint64
	BlockHash    [32]byte
}

func NewSession(cfg Config, deps Deps) (*Session, error) {
	if cfg.ExchangeNode && cfg.SnodeKey == nil {
		return nil, errors.New("exchange mode requires a service node key")
	}
	if cfg.MaxOtherPayTxTries == 0 {
		cfg.MaxOtherPayTxTries = defaultMaxOtherPayTxTries
	}
	if cfg.SyncTimeout == 0 {
		cfg.SyncTimeout = time.Minute
	}

	s := &Session{
		cfg:       cfg,
		deps:      deps,
		recvAddrs: make(map[[sessionIDSize]byte]struct{}),
		offers:    make(map[xorder.OrderID]*Offer),
		watcher:   newWatcher(),
		log:       logconfig.Module("session"),
	}
	copy(s.id[:], common.RandBytes(sessionIDSize))
	s.addRecvAddr(s.id[:])

	if cfg.ExchangeNode {
		s.dispatch = s.serverHandler
		// traders address the facilitator by its hub address
		s.addRecvAddr(s.hubAddr())
	} else {
		s.dispatch = s.clientHandler
	}

	// the trader session key signs redeems and refunds on every chain
	if cfg.TraderKey != nil {
		for _, conn := range deps.Connectors {
			if _, err := conn.ImportPrivKey(cfg.TraderKey.Serialize()); err != nil {
				return nil, err
			}
		}
	}
	return s, nil
}

// ID is this session's 20-byte unicast identity.
func (s *Session) ID() []byte { return s.id[:] }

func (s *Session) addRecvAddr(addr []byte) {
	var key [sessionIDSize]byte
	copy(key[:], addr)
	s.recvMu.Lock()
	s.recvAddrs[key] = struct{}{}
	s.recvMu.Unlock()
}

func (s *Session) acceptsDest(dest []byte) bool {
	if len(dest) != sessionIDSize {
		return false
	}
	if isZero(dest) {
		return true
	}
	var key [sessionIDSize]byte
	copy(key[:], dest)
	s.recvMu.Lock()
	defer s.recvMu.Unlock()
	_, ok := s.recvAddrs[key]
	return ok
}

// OnFrame is the substrate entry point. Unicast frames not addressed to
// this session are silently dropped.
func (s *Session) OnFrame(dest, raw []byte) {
	if !s.acceptsDest(dest) {
		return
	}
	p, err := xpacket.Decode(raw)
	if err != nil {
		s.log.WithError(err).Debug("dropping undecodable frame")
		return
	}
	s.ProcessPacket(p)
}

// ProcessPacket runs the handler for one packet. Returns false when the
// packet was rejected, which peers may use for scoring.
func (s *Session) ProcessPacket(p *xpacket.Packet) bool {
	s.procMu.Lock()
	defer s.procMu.Unlock()
	return s.processLocked(p)
}

func (s *Session) processLocked(p *xpacket.Packet) bool {
	p, ok := decryptPacket(p)
	if !ok {
		s.log.Warn("packet decryption failed")
		return false
	}

	h := s.dispatch(p.Command)
	if h == nil {
		return s.processInvalid(p)
	}
	if !h(p) {
		s.log.WithField("command", p.Command.String()).Debug("bad packet")
		return false
	}
	return true
}

// decryptPacket is reserved for future end-to-end encryption; today the
// protocol runs in cleartext over the substrate.
func decryptPacket(p *xpacket.Packet) (*xpacket.Packet, bool) {
	return p, true
}

// clientHandler is the trader-side dispatch table.
func (s *Session) clientHandler(cmd xpacket.Command) handlerFunc {
	switch cmd {
	case xpacket.PendingTransaction:
		return s.processPendingTransaction
	case xpacket.TransactionHold:
		return s.processTransactionHold
	case xpacket.TransactionInit:
		return s.processTransactionInit
	case xpacket.TransactionCreateA:
		return s.processTransactionCreateA
	case xpacket.TransactionCreateB:
		return s.processTransactionCreateB
	case xpacket.TransactionConfirmA:
		return s.processTransactionConfirmA
	case xpacket.TransactionConfirmB:
		return s.processTransactionConfirmB
	case xpacket.TransactionCancel:
		return s.processTransactionCancel
	case xpacket.TransactionFinished:
		return s.processTransactionFinished
	case xpacket.XChatMessage:
		return s.processXChatMessage
	case xpacket.ServicesPing:
		return s.processServicesPing
	default:
		return nil
	}
}

// serverHandler is the facilitator-side dispatch table.
func (s *Session) serverHandler(cmd xpacket.Command) handlerFunc {
	switch cmd {
	case xpacket.Transaction:
		return s.processTransaction
	case xpacket.TransactionAccepting:
		return s.processTransactionAccepting
	case xpacket.TransactionHoldApply:
		return s.processTransactionHoldApply
	case xpacket.TransactionInitialized:
		return s.processTransactionInitialized
	case xpacket.TransactionCreatedA:
		return s.processTransactionCreatedA
	case xpacket.TransactionCreatedB:
		return s.processTransactionCreatedB
	case xpacket.TransactionConfirmedA:
		return s.processTransactionConfirmedA
	case xpacket.TransactionConfirmedB:
		return s.processTransactionConfirmedB
	case xpacket.TransactionCancel:
		return s.processServerCancel
	case xpacket.XChatMessage:
		return s.processXChatMessage
	case xpacket.ServicesPing:
		return s.processServicesPing
	default:
		return nil
	}
}

func (s *Session) processInvalid(p *xpacket.Packet) bool {
	s.log.WithField("command", p.Command.String()).Debug("no handler for command")
	return false
}

func (s *Session) processXChatMessage(p *xpacket.Packet) bool {
	s.log.Debug("xchat message not implemented")
	return true
}

func (s *Session) processServicesPing(p *xpacket.Packet) bool {
	s.log.Debug("services ping")
	return true
}

func (s *Session) connectorByCurrency(currency string) (connector.WalletConnector, bool) {
	c, ok := s.deps.Connectors[currency]
	return c, ok
}

// send signs with the trader key and hands the packet to the substrate.
func (s *Session) send(dest []byte, p *xpacket.Packet) bool {
	if s.cfg.TraderKey == nil {
		s.log.Error("cannot send: no trader key")
		return false
	}
	if err := p.Sign(s.cfg.TraderKey); err != nil {
		s.log.WithError(err).Error("packet signing failed")
		return false
	}
	if err := s.deps.Sender.SendPacket(dest, p); err != nil {
		s.log.WithError(err).Error("packet send failed")
		return false
	}
	return true
}

// sendAsSnode signs with the service node key.
func (s *Session) sendAsSnode(dest []byte, p *xpacket.Packet) bool {
	if err := p.Sign(s.cfg.SnodeKey); err != nil {
		s.log.WithError(err).Error("packet signing failed")
		return false
	}
	if err := s.deps.Sender.SendPacket(dest, p); err != nil {
		s.log.WithError(err).Error("packet send failed")
		return false
	}
	return true
}

// Tick retries deferred packets and, on the facilitator, cancels stale
// trades. Call it from Run or directly in tests.
func (s *Session) Tick() {
	for _, d := range s.watcher.takeAll() {
		s.ProcessPacket(d.packet)
	}
	if s.cfg.ExchangeNode {
		for _, t := range s.deps.Exchange.Expired(s.cfg.SyncTimeout) {
			s.log.WithField("order", t.ID.String()).Info("cancelling stale trade")
			s.cancelTrade(t, xorder.ReasonTimeout)
		}
	}
}

// Run drives the retry loop until the context ends.
func (s *Session) Run(ctx context.Context) error {
	ticker := time.NewTicker(defaultTickInterval)
	defer ticker.Stop()

	s.log.Info("starting session loop")
	defer s.log.Info("stopping session loop")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Tick()
		}
	}
}

// Offers lists takeable maker orders seen so far.
func (s *Session) Offers() []*Offer {
	s.offerMu.Lock()
	defer s.offerMu.Unlock()
	out := make([]*Offer, 0, len(s.offers))
	for _, o := range s.offers {
		out = append(out, o)
	}
	return out
}

func (s *Session) takeOffer(id xorder.OrderID) (*Offer, bool) {
	s.offerMu.Lock()
	defer s.offerMu.Unlock()
	o, ok := s.offers[id]
	if ok {
		delete(s.offers, id)
	}
	return o, ok
}

func (s *Session) traderPubKey() []byte {
	return s.cfg.TraderKey.PubKey().SerializeCompressed()
}

func (s *Session) hubAddr() []byte {
	pub := s.cfg.SnodeKey.PubKey().SerializeCompressed()
	// any connector hashes the same way; fall back to the first
	for _, c := range s.deps.Connectors {
		return c.GetKeyID(pub)
	}
	return nil
}

func isZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
