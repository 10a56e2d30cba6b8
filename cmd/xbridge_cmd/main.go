package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/rpcclient"
	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/viper"

	"github.com/blocknetdx/xbridge-go/broadcast"
	"github.com/blocknetdx/xbridge-go/common"
	"github.com/blocknetdx/xbridge-go/connector"
	"github.com/blocknetdx/xbridge-go/exchange"
	"github.com/blocknetdx/xbridge-go/logconfig"
	"github.com/blocknetdx/xbridge-go/reporter"
	"github.com/blocknetdx/xbridge-go/session"
	"github.com/blocknetdx/xbridge-go/settings"
	"github.com/blocknetdx/xbridge-go/snode"
	"github.com/blocknetdx/xbridge-go/utxolock"
	"github.com/blocknetdx/xbridge-go/xorder"
)

const (
	ENV_CONFIG_FILE_PATH = "XBRIDGE_CONF"
	ENV_CURRENCIES       = "XBRIDGE_CURRENCIES"
	ENV_TRADER_PRIV      = "XBRIDGE_TRADER_PRIV"
	ENV_SNODE_PRIV       = "XBRIDGE_SNODE_PRIV"
	ENV_EXCHANGE_MODE    = "XBRIDGE_EXCHANGE"
	ENV_DB_FILE_PATH     = "XBRIDGE_DB"
	ENV_NATS_URL         = "XBRIDGE_NATS_URL"
	ENV_NATS_SUBJECT     = "XBRIDGE_NATS_SUBJECT"
	ENV_CHAIN            = "XBRIDGE_CHAIN"
	ENV_HTTP_IP          = "XBRIDGE_HTTP_IP"
	ENV_HTTP_PORT        = "XBRIDGE_HTTP_PORT"
)

func main() {
	logconfig.ConfigProductionLogger()

	// Tool to read environment variables
	viper.AutomaticEnv()

	configFile := viper.GetString(ENV_CONFIG_FILE_PATH)
	fmt.Printf("xbridge configuration file = %s\n", configFile)

	conf, err := settings.FromFile(configFile)
	if err != nil {
		fmt.Printf("Error reading configuration file: %s\n", err)
		return
	}

	chainParams := pickChainParams(viper.GetString(ENV_CHAIN))

	connectors, err := prepareConnectors(conf, chainParams)
	if err != nil {
		fmt.Printf("Error preparing wallet connectors: %s\n", err)
		return
	}
	if len(connectors) == 0 {
		fmt.Printf("No currencies configured, set %s\n", ENV_CURRENCIES)
		return
	}

	cfg := session.Config{
		SyncTimeout: conf.SyncTimeout(),
	}

	if priv := viper.GetString(ENV_TRADER_PRIV); priv != "" {
		key, _ := btcec.PrivKeyFromBytes(common.HexStrToByteSlice(priv))
		cfg.TraderKey = key
	}
	if viper.GetBool(ENV_EXCHANGE_MODE) {
		priv := viper.GetString(ENV_SNODE_PRIV)
		if priv == "" {
			fmt.Printf("Exchange mode requires %s\n", ENV_SNODE_PRIV)
			return
		}
		key, _ := btcec.PrivKeyFromBytes(common.HexStrToByteSlice(priv))
		cfg.ExchangeNode = true
		cfg.SnodeKey = key
	}

	var history *xorder.HistoryDB
	if dbPath := viper.GetString(ENV_DB_FILE_PATH); dbPath != "" {
		db, err := sql.Open("sqlite3", dbPath)
		if err != nil {
			fmt.Printf("Error opening database: %s\n", err)
			return
		}
		defer db.Close()
		if history, err = xorder.NewHistoryDB(db); err != nil {
			fmt.Printf("Error preparing history table: %s\n", err)
			return
		}
		defer history.Close()
	}

	natsURL := viper.GetString(ENV_NATS_URL)
	if natsURL == "" {
		fmt.Printf("No broadcast substrate configured, set %s\n", ENV_NATS_URL)
		return
	}
	subject := viper.GetString(ENV_NATS_SUBJECT)
	if subject == "" {
		subject = "xbridge.packets"
	}
	sender, err := broadcast.NewNatsSender(natsURL, subject)
	if err != nil {
		fmt.Printf("Error connecting to broadcast substrate: %s\n", err)
		return
	}
	defer sender.Close()

	deps := session.Deps{
		Connectors: connectors,
		Store:      xorder.NewStore(history),
		Locks:      utxolock.NewRegistry(),
		Snodes:     snode.NewRegistry(),
		Sender:     sender,
	}
	if cfg.ExchangeNode {
		deps.Exchange = exchange.New()
	}

	sess, err := session.NewSession(cfg, deps)
	if err != nil {
		fmt.Printf("Error creating session: %s\n", err)
		return
	}
	if err := sender.Subscribe(sess.OnFrame); err != nil {
		fmt.Printf("Error subscribing to broadcast substrate: %s\n", err)
		return
	}

	if ip := viper.GetString(ENV_HTTP_IP); ip != "" {
		rep := reporter.NewHttpReporter(ip, viper.GetString(ENV_HTTP_PORT), deps.Store, history, deps.Exchange)
		go rep.Run()
	}

	fmt.Println("Starting xbridge node... press Ctrl+C to stop")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		cancel()
	}()

	if err := sess.Run(ctx); err != nil && err != context.Canceled {
		fmt.Printf("Session loop stopped: %s\n", err)
	}
}

func pickChainParams(name string) *chaincfg.Params {
	switch name {
	case "testnet":
		return &chaincfg.TestNet3Params
	case "mainnet":
		return &chaincfg.MainNetParams
	default:
		return &chaincfg.RegressionNetParams
	}
}

// prepareConnectors builds one RPC-backed connector per configured
// currency. RPC endpoints come from the currency's settings section.
func prepareConnectors(conf *settings.Settings, params *chaincfg.Params) (map[string]connector.WalletConnector, error) {
	out := make(map[string]connector.WalletConnector)
	for _, currency := range strings.Split(viper.GetString(ENV_CURRENCIES), ",") {
		currency = strings.TrimSpace(currency)
		if currency == "" || conf.Disabled(currency) {
			continue
		}

		client, err := rpcclient.New(&rpcclient.ConnConfig{
			Host: fmt.Sprintf("%s:%s",
				conf.Get(currency, "", "host"),
				conf.Get(currency, "", "port")),
			User:         conf.Get(currency, "", "username"),
			Pass:         conf.Get(currency, "", "password"),
			HTTPPostMode: true, // bitcoin-family nodes only support HTTP POST mode
			DisableTLS:   true,
		}, nil)
		if err != nil {
			return nil, fmt.Errorf("rpc client for %s: %w", currency, err)
		}

		out[currency] = connector.NewBtcConnector(connector.BtcConnectorConfig{
			Currency:      currency,
			Params:        params,
			FeePerByte:    10,
			DustThreshold: 546,
			LockBlocksA:   144, // one day of blocks for the maker window
			LockBlocksB:   72,
			LockTimeDrift: 6,
		}, client)
	}
	return out, nil
}
