package connector

import (
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/blocknetdx/xbridge-go/common"
)

// SimChain is an in-memory ChainBackend used by tests and the demo. It
// keeps a flat set of transactions, tracks spent outpoints and enforces
// nLockTime against its block height.
type SimChain struct {
	mu      sync.Mutex
	height  int64
	txs     map[chainhash.Hash]*wire.MsgTx
	minedAt map[chainhash.Hash]int64
	spent   map[wire.OutPoint]chainhash.Hash
}

func NewSimChain() *SimChain {
	return &SimChain{
		height:  100,
		txs:     make(map[chainhash.Hash]*wire.MsgTx),
		minedAt: make(map[chainhash.Hash]int64),
		spent:   make(map[wire.OutPoint]chainhash.Hash),
	}
}

// Mine advances the chain by n blocks, confirming pending transactions.
func (c *SimChain) Mine(n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.height += n
}

func (c *SimChain) GetBlockCount() (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.height, nil
}

func (c *SimChain) GetRawTransaction(txHash *chainhash.Hash) (*btcutil.Tx, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, ok := c.txs[*txHash]
	if !ok {
		return nil, fmt.Errorf("no information available about transaction %s", txHash)
	}
	return btcutil.NewTx(tx), nil
}

func (c *SimChain) GetTxOut(txHash *chainhash.Hash, index uint32, mempool bool) (*btcjson.GetTxOutResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, ok := c.txs[*txHash]
	if !ok || int(index) >= len(tx.TxOut) {
		return nil, nil
	}
	if _, gone := c.spent[wire.OutPoint{Hash: *txHash, Index: index}]; gone {
		return nil, nil
	}

	confs := c.height - c.minedAt[*txHash] + 1
	if confs < 0 {
		confs = 0
	}
	out := tx.TxOut[index]
	return &btcjson.GetTxOutResult{
		Confirmations: confs,
		Value:         btcutil.Amount(out.Value).ToBTC(),
		ScriptPubKey: btcjson.ScriptPubKeyResult{
			Hex: common.ByteSliceToPureHexStr(out.PkScript),
		},
	}, nil
}

func (c *SimChain) SendRawTransaction(tx *wire.MsgTx, allowHighFees bool) (*chainhash.Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if tx.LockTime != 0 && int64(tx.LockTime) > c.height {
		return nil, fmt.Errorf("non-final transaction: locktime %d above height %d", tx.LockTime, c.height)
	}

	for _, in := range tx.TxIn {
		prev, ok := c.txs[in.PreviousOutPoint.Hash]
		if !ok || int(in.PreviousOutPoint.Index) >= len(prev.TxOut) {
			return nil, fmt.Errorf("missing inputs: %s", in.PreviousOutPoint)
		}
		if _, gone := c.spent[in.PreviousOutPoint]; gone {
			return nil, fmt.Errorf("bad-txns-inputs-missingorspent: %s", in.PreviousOutPoint)
		}
	}

	hash := tx.TxHash()
	for _, in := range tx.TxIn {
		c.spent[in.PreviousOutPoint] = hash
	}
	c.txs[hash] = tx
	c.minedAt[hash] = c.height + 1
	return &hash, nil
}

// Fund mints a confirmed output paying amount to addr and returns it as a
// pledgeable UTXO (unsigned).
func (c *SimChain) Fund(addr string, amount uint64, params *chaincfg.Params) (UTXO, error) {
	decoded, err := btcutil.DecodeAddress(addr, params)
	if err != nil {
		return UTXO{}, err
	}
	pkScript, err := txscript.PayToAddrScript(decoded)
	if err != nil {
		return UTXO{}, err
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	// random prevout keeps every coinbase txid unique
	var salt chainhash.Hash
	copy(salt[:], common.RandBytes(32))
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&salt, 0), nil, nil))
	tx.AddTxOut(wire.NewTxOut(int64(amount), pkScript))

	c.mu.Lock()
	defer c.mu.Unlock()

	hash := tx.TxHash()
	c.txs[hash] = tx
	c.minedAt[hash] = c.height // already confirmed

	return UTXO{TxID: hash.String(), Vout: 0, Amount: amount, Address: addr}, nil
}

// NewSimConnectorOn wires a BtcConnector over an existing SimChain with
// short test-friendly lock windows. Multiple connectors over the same
// chain model independent nodes with separate key stores.
func NewSimConnectorOn(currency string, chain *SimChain) *BtcConnector {
	return NewBtcConnector(BtcConnectorConfig{
		Currency:      currency,
		Params:        &chaincfg.RegressionNetParams,
		FeePerByte:    10,
		DustThreshold: 546,
		LockBlocksA:   40,
		LockBlocksB:   20,
		LockTimeDrift: 4,
	}, chain)
}

// NewSimConnector wires a BtcConnector over a fresh SimChain.
func NewSimConnector(currency string) (*BtcConnector, *SimChain) {
	chain := NewSimChain()
	return NewSimConnectorOn(currency, chain), chain
}

// FundNewAddress creates a connector-managed address, funds it and signs
// the pledge message, yielding a ready-to-use order UTXO.
func FundNewAddress(conn *BtcConnector, chain *SimChain, amount uint64) (UTXO, error) {
	addr, err := conn.GetNewAddress()
	if err != nil {
		return UTXO{}, err
	}
	u, err := chain.Fund(addr, amount, conn.cfg.Params)
	if err != nil {
		return UTXO{}, err
	}
	sig, err := conn.SignMessage(addr, u.SignString())
	if err != nil {
		return UTXO{}, err
	}
	u.Signature = sig
	return u, nil
}
