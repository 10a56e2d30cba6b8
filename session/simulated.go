package session

import (
	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/blocknetdx/xbridge-go/broadcast"
	"github.com/blocknetdx/xbridge-go/connector"
	"github.com/blocknetdx/xbridge-go/exchange"
	"github.com/blocknetdx/xbridge-go/snode"
	"github.com/blocknetdx/xbridge-go/utxolock"
	"github.com/blocknetdx/xbridge-go/xorder"
)

// SimNet is a three-node network on one in-memory bus: facilitator,
// maker and taker, with two simulated chains (BLOCK on X, LTC on Y).
// Sessions are built disconnected; tests subscribe the nodes they want
// live.
type SimNet struct {
	Bus    *broadcast.Bus
	ChainX *connector.SimChain // BLOCK
	ChainY *connector.SimChain // LTC

	SnodeKey *btcec.PrivateKey
	MakerKey *btcec.PrivateKey
	TakerKey *btcec.PrivateKey

	Facilitator *Session
	Maker       *Session
	Taker       *Session

	Exchange   *exchange.Exchange
	MakerStore *xorder.Store
	TakerStore *xorder.Store
	MakerLocks *utxolock.Registry
	TakerLocks *utxolock.Registry

	MakerConns map[string]connector.WalletConnector
	TakerConns map[string]connector.WalletConnector
	FacilConns map[string]connector.WalletConnector
}

func simConns(chainX, chainY *connector.SimChain) map[string]connector.WalletConnector {
	return map[string]connector.WalletConnector{
		"BLOCK": connector.NewSimConnectorOn("BLOCK", chainX),
		"LTC":   connector.NewSimConnectorOn("LTC", chainY),
	}
}

// NewSimNet builds the whole test network. Histories are in-memory only
// when the stores are given nil history databases.
func NewSimNet(makerHistory, takerHistory *xorder.HistoryDB, cfgTweak func(role string, cfg *Config)) (*SimNet, error) {
	net := &SimNet{
		Bus:    broadcast.NewBus(),
		ChainX: connector.NewSimChain(),
		ChainY: connector.NewSimChain(),
	}

	var err error
	if net.SnodeKey, err = btcec.NewPrivateKey(); err != nil {
		return nil, err
	}
	if net.MakerKey, err = btcec.NewPrivateKey(); err != nil {
		return nil, err
	}
	if net.TakerKey, err = btcec.NewPrivateKey(); err != nil {
		return nil, err
	}

	net.MakerConns = simConns(net.ChainX, net.ChainY)
	net.TakerConns = simConns(net.ChainX, net.ChainY)
	net.FacilConns = simConns(net.ChainX, net.ChainY)

	// every node knows the service node
	snodeEntry := snode.Entry{PubKey: net.SnodeKey.PubKey().SerializeCompressed()}
	if payAddr, err := net.FacilConns["LTC"].GetNewAddress(); err == nil {
		snodeEntry.PaymentAddress = payAddr
	}
	newRegistry := func() *snode.Registry {
		r := snode.NewRegistry()
		r.Register(snodeEntry)
		return r
	}

	net.Exchange = exchange.New()
	net.MakerStore = xorder.NewStore(makerHistory)
	net.TakerStore = xorder.NewStore(takerHistory)
	net.MakerLocks = utxolock.NewRegistry()
	net.TakerLocks = utxolock.NewRegistry()

	build := func(role string, cfg Config, deps Deps) (*Session, error) {
		if cfgTweak != nil {
			cfgTweak(role, &cfg)
		}
		return NewSession(cfg, deps)
	}

	net.Facilitator, err = build("facilitator",
		Config{ExchangeNode: true, SnodeKey: net.SnodeKey},
		Deps{
			Connectors: net.FacilConns,
			Store:      xorder.NewStore(nil),
			Locks:      utxolock.NewRegistry(),
			Exchange:   net.Exchange,
			Snodes:     newRegistry(),
			Sender:     net.Bus,
		})
	if err != nil {
		return nil, err
	}

	net.Maker, err = build("maker",
		Config{TraderKey: net.MakerKey},
		Deps{
			Connectors: net.MakerConns,
			Store:      net.MakerStore,
			Locks:      net.MakerLocks,
			Snodes:     newRegistry(),
			Sender:     net.Bus,
		})
	if err != nil {
		return nil, err
	}

	net.Taker, err = build("taker",
		Config{TraderKey: net.TakerKey},
		Deps{
			Connectors: net.TakerConns,
			Store:      net.TakerStore,
			Locks:      net.TakerLocks,
			Snodes:     newRegistry(),
			Sender:     net.Bus,
		})
	return net, err
}

// Connect subscribes sessions to the bus. Unconnected sessions model
// stalled or unreachable peers.
func (n *SimNet) Connect(sessions ...*Session) {
	for _, s := range sessions {
		n.Bus.Subscribe(s.OnFrame)
	}
}

// FundMaker pledges a fresh BLOCK utxo for the maker.
func (n *SimNet) FundMaker(amount uint64) (connector.UTXO, error) {
	return connector.FundNewAddress(n.MakerConns["BLOCK"].(*connector.BtcConnector), n.ChainX, amount)
}

// FundTaker pledges a fresh LTC utxo for the taker.
func (n *SimNet) FundTaker(amount uint64) (connector.UTXO, error) {
	return connector.FundNewAddress(n.TakerConns["LTC"].(*connector.BtcConnector), n.ChainY, amount)
}
