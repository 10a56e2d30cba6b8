package connector

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

const (
	// rough serialized sizes used by the fee models
	p2pkhInputSize  = 148
	htlcInputSize   = 324
	txOutputSize   = 34
	txOverheadSize = 10
	secretSize     = 32
)

// ChainBackend is the node-side capability set BtcConnector needs. The
// btcd rpcclient satisfies it directly; tests plug in a SimChain.
type ChainBackend interface {
	GetBlockCount() (int64, error)
	GetRawTransaction(txHash *chainhash.Hash) (*btcutil.Tx, error)
	GetTxOut(txHash *chainhash.Hash, index uint32, mempool bool) (*btcjson.GetTxOutResult, error)
	SendRawTransaction(tx *wire.MsgTx, allowHighFees bool) (*chainhash.Hash, error)
}

type BtcConnectorConfig struct {
	Currency      string
	Params        *chaincfg.Params
	FeePerByte    uint64
	DustThreshold uint64
	// lock windows in blocks; the maker window must exceed the taker one
	LockBlocksA uint32
	LockBlocksB uint32
	// tolerated disagreement, in blocks, on a counterparty lock time
	LockTimeDrift uint32
}

// BtcConnector implements WalletConnector for bitcoin-family chains using
// legacy P2PKH funding and P2SH HTLC deposits. It holds only the session
// signing keys imported into it, nothing else.
type BtcConnector struct {
	cfg     BtcConnectorConfig
	backend ChainBackend

	mu       sync.Mutex
	keys     map[string]*btcec.PrivateKey   // by address string
	keysByID map[[20]byte]*btcec.PrivateKey // by hash160 of compressed pubkey
}

func NewBtcConnector(cfg BtcConnectorConfig, backend ChainBackend) *BtcConnector {
	return &BtcConnector{
		cfg:      cfg,
		backend:  backend,
		keys:     make(map[string]*btcec.PrivateKey),
		keysByID: make(map[[20]byte]*btcec.PrivateKey),
	}
}

func (c *BtcConnector) Currency() string { return c.cfg.Currency }

// ImportPrivKey registers a signing key with the connector and returns its
// P2PKH address.
func (c *BtcConnector) ImportPrivKey(privBytes []byte) (string, error) {
	priv, _ := btcec.PrivKeyFromBytes(privBytes)
	return c.registerKey(priv)
}

func (c *BtcConnector) registerKey(priv *btcec.PrivateKey) (string, error) {
	pub := priv.PubKey().SerializeCompressed()
	addr, err := btcutil.NewAddressPubKeyHash(btcutil.Hash160(pub), c.cfg.Params)
	if err != nil {
		return "", err
	}

	var keyID [20]byte
	copy(keyID[:], btcutil.Hash160(pub))

	c.mu.Lock()
	c.keys[addr.EncodeAddress()] = priv
	c.keysByID[keyID] = priv
	c.mu.Unlock()

	return addr.EncodeAddress(), nil
}

func (c *BtcConnector) GetNewAddress() (string, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return "", err
	}
	return c.registerKey(priv)
}

func (c *BtcConnector) keyForAddress(addr string) (*btcec.PrivateKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	priv, ok := c.keys[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAddress, addr)
	}
	return priv, nil
}

func (c *BtcConnector) keyForID(id []byte) (*btcec.PrivateKey, error) {
	var keyID [20]byte
	copy(keyID[:], id)

	c.mu.Lock()
	defer c.mu.Unlock()
	priv, ok := c.keysByID[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: key id %x", ErrUnknownAddress, id)
	}
	return priv, nil
}

func (c *BtcConnector) FromXAddr(raw []byte) (string, error) {
	addr, err := btcutil.NewAddressPubKeyHash(raw, c.cfg.Params)
	if err != nil {
		return "", err
	}
	return addr.EncodeAddress(), nil
}

func (c *BtcConnector) ToXAddr(addr string) ([]byte, error) {
	decoded, err := btcutil.DecodeAddress(addr, c.cfg.Params)
	if err != nil {
		return nil, err
	}
	switch a := decoded.(type) {
	case *btcutil.AddressPubKeyHash:
		return a.Hash160()[:], nil
	case *btcutil.AddressScriptHash:
		return a.Hash160()[:], nil
	default:
		return nil, fmt.Errorf("unsupported address type %T", decoded)
	}
}

func (c *BtcConnector) GetInfo() (uint32, error) {
	height, err := c.backend.GetBlockCount()
	if err != nil {
		return 0, err
	}
	return uint32(height), nil
}

func (c *BtcConnector) GetTxOut(txid string, vout uint32) (*TxOutResult, error) {
	hash, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return nil, err
	}
	res, err := c.backend.GetTxOut(hash, vout, true)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return &TxOutResult{}, nil
	}
	amount, err := btcutil.NewAmount(res.Value)
	if err != nil {
		return nil, err
	}
	return &TxOutResult{
		Found:         true,
		Amount:        uint64(amount),
		Confirmations: uint32(res.Confirmations),
	}, nil
}

func messageHash(msg string) []byte {
	return chainhash.DoubleHashB([]byte(msg))
}

func (c *BtcConnector) SignMessage(addr string, msg string) ([]byte, error) {
	priv, err := c.keyForAddress(addr)
	if err != nil {
		return nil, err
	}
	sig := ecdsa.SignCompact(priv, messageHash(msg), true)
	// wire signatures are 64 bytes; verification recovers the key by
	// trying every recovery code
	return sig[1:], nil
}

func (c *BtcConnector) VerifyMessage(addr string, msg string, sig []byte) bool {
	if len(sig) != 64 {
		return false
	}
	want, err := c.ToXAddr(addr)
	if err != nil {
		return false
	}

	hash := messageHash(msg)
	for rec := byte(0); rec < 4; rec++ {
		full := make([]byte, 65)
		full[0] = 27 + 4 + rec // compressed key header
		copy(full[1:], sig)
		pub, _, err := ecdsa.RecoverCompact(full, hash)
		if err != nil {
			continue
		}
		if bytes.Equal(btcutil.Hash160(pub.SerializeCompressed()), want) {
			return true
		}
	}
	return false
}

func (c *BtcConnector) MinTxFee1(inputs, outputs uint32) uint64 {
	return c.cfg.FeePerByte * uint64(p2pkhInputSize*inputs+txOutputSize*outputs+txOverheadSize)
}

func (c *BtcConnector) MinTxFee2(inputs, outputs uint32) uint64 {
	return c.cfg.FeePerByte * uint64(htlcInputSize*inputs+txOutputSize*outputs+txOverheadSize)
}

func (c *BtcConnector) IsDustAmount(amount uint64) bool {
	return amount < c.cfg.DustThreshold
}

func (c *BtcConnector) LockTime(role Role) (uint32, error) {
	height, err := c.GetInfo()
	if err != nil {
		return 0, err
	}
	switch role {
	case RoleA:
		return height + c.cfg.LockBlocksA, nil
	case RoleB:
		return height + c.cfg.LockBlocksB, nil
	default:
		return 0, ErrUnknownRole
	}
}

func (c *BtcConnector) AcceptableLockTimeDrift(role Role, lockTime uint32) bool {
	expected, err := c.LockTime(role)
	if err != nil {
		return false
	}
	low := expected - c.cfg.LockTimeDrift
	high := expected + c.cfg.LockTimeDrift
	return lockTime >= low && lockTime <= high
}

func (c *BtcConnector) GetKeyID(pub []byte) []byte {
	return btcutil.Hash160(pub)
}

// CreateDepositUnlockScript builds the HTLC contract:
// spendable by the counterparty with the 32-byte preimage of hashedSecret,
// or by self after lockTime.
func (c *BtcConnector) CreateDepositUnlockScript(selfPub, otherPub, hashedSecret []byte, lockTime uint32) ([]byte, error) {
	pkhMe := btcutil.Hash160(selfPub)
	pkhThem := btcutil.Hash160(otherPub)

	b := txscript.NewScriptBuilder()
	b.AddOp(txscript.OP_IF) // redeem path
	{
		// pin the preimage length so neither chain can be cheated with
		// oversized secrets
		b.AddOp(txscript.OP_SIZE)
		b.AddInt64(secretSize)
		b.AddOp(txscript.OP_EQUALVERIFY)

		b.AddOp(txscript.OP_HASH160)
		b.AddData(hashedSecret)
		b.AddOp(txscript.OP_EQUALVERIFY)

		b.AddOp(txscript.OP_DUP)
		b.AddOp(txscript.OP_HASH160)
		b.AddData(pkhThem)
	}
	b.AddOp(txscript.OP_ELSE) // refund path
	{
		b.AddInt64(int64(lockTime))
		b.AddOp(txscript.OP_CHECKLOCKTIMEVERIFY)
		b.AddOp(txscript.OP_DROP)

		b.AddOp(txscript.OP_DUP)
		b.AddOp(txscript.OP_HASH160)
		b.AddData(pkhMe)
	}
	b.AddOp(txscript.OP_ENDIF)
	b.AddOp(txscript.OP_EQUALVERIFY)
	b.AddOp(txscript.OP_CHECKSIG)

	return b.Script()
}

func (c *BtcConnector) GetScriptID(script []byte) []byte {
	return btcutil.Hash160(script)
}

func (c *BtcConnector) ScriptIDToString(id []byte) (string, error) {
	addr, err := btcutil.NewAddressScriptHashFromHash(id, c.cfg.Params)
	if err != nil {
		return "", err
	}
	return addr.EncodeAddress(), nil
}

func p2shPkScript(id []byte) ([]byte, error) {
	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_HASH160).
		AddData(id).
		AddOp(txscript.OP_EQUAL).
		Script()
}

func (c *BtcConnector) p2pkhPkScript(addr string) ([]byte, error) {
	decoded, err := btcutil.DecodeAddress(addr, c.cfg.Params)
	if err != nil {
		return nil, err
	}
	return txscript.PayToAddrScript(decoded)
}

func serializeTx(tx *wire.MsgTx) (string, string, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", "", err
	}
	return tx.TxHash().String(), hex.EncodeToString(buf.Bytes()), nil
}

func (c *BtcConnector) CreateDepositTransaction(inputs []UTXO, scriptID []byte, amount uint64, changeAddr string) (string, string, error) {
	var total uint64
	for _, in := range inputs {
		total += in.Amount
	}
	fee := c.MinTxFee1(uint32(len(inputs)), 2)
	if total < amount+fee {
		return "", "", fmt.Errorf("inputs %d below amount %d plus fee %d", total, amount, fee)
	}

	tx := wire.NewMsgTx(wire.TxVersion)

	depositScript, err := p2shPkScript(scriptID)
	if err != nil {
		return "", "", err
	}
	tx.AddTxOut(wire.NewTxOut(int64(amount), depositScript))

	if change := total - amount - fee; !c.IsDustAmount(change) {
		changeScript, err := c.p2pkhPkScript(changeAddr)
		if err != nil {
			return "", "", err
		}
		tx.AddTxOut(wire.NewTxOut(int64(change), changeScript))
	}

	for _, in := range inputs {
		prevHash, err := chainhash.NewHashFromStr(in.TxID)
		if err != nil {
			return "", "", err
		}
		tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(prevHash, in.Vout), nil, nil))
	}
	// lock first, unlock second: signatures cover the final output set
	for i, in := range inputs {
		priv, err := c.keyForAddress(in.Address)
		if err != nil {
			return "", "", err
		}
		prevScript, err := c.p2pkhPkScript(in.Address)
		if err != nil {
			return "", "", err
		}
		sigScript, err := txscript.SignatureScript(tx, i, prevScript, txscript.SigHashAll, priv, true)
		if err != nil {
			return "", "", err
		}
		tx.TxIn[i].SignatureScript = sigScript
	}

	return serializeTx(tx)
}

// htlcPkh pulls the 20-byte pushes out of a deposit unlock script. The
// redeem-path key hash comes before the refund-path one.
func htlcPkh(lockScript []byte) (pkhThem, pkhMe []byte, err error) {
	pushes, err := txscript.PushedData(lockScript)
	if err != nil {
		return nil, nil, err
	}
	var hashes [][]byte
	for _, p := range pushes {
		if len(p) == 20 {
			hashes = append(hashes, p)
		}
	}
	// hashedSecret, pkhThem, pkhMe
	if len(hashes) != 3 {
		return nil, nil, fmt.Errorf("unexpected deposit script shape: %d key hashes", len(hashes))
	}
	return hashes[1], hashes[2], nil
}

func (c *BtcConnector) CreateRefundTransaction(depTxID string, depVout uint32, amount uint64, refundAddr string, lockScript []byte, lockTime uint32) (string, string, error) {
	_, pkhMe, err := htlcPkh(lockScript)
	if err != nil {
		return "", "", err
	}
	priv, err := c.keyForID(pkhMe)
	if err != nil {
		return "", "", err
	}

	fee := c.MinTxFee2(1, 1)
	if amount <= fee {
		return "", "", fmt.Errorf("deposit %d does not cover redeem fee %d", amount, fee)
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.LockTime = lockTime

	prevHash, err := chainhash.NewHashFromStr(depTxID)
	if err != nil {
		return "", "", err
	}
	txIn := wire.NewTxIn(wire.NewOutPoint(prevHash, depVout), nil, nil)
	txIn.Sequence = 0 // nLockTime must bind
	tx.AddTxIn(txIn)

	outScript, err := c.p2pkhPkScript(refundAddr)
	if err != nil {
		return "", "", err
	}
	tx.AddTxOut(wire.NewTxOut(int64(amount-fee), outScript))

	sig, err := txscript.RawTxInSignature(tx, 0, lockScript, txscript.SigHashAll, priv)
	if err != nil {
		return "", "", err
	}
	sigScript, err := txscript.NewScriptBuilder().
		AddData(sig).
		AddData(priv.PubKey().SerializeCompressed()).
		AddInt64(0). // take the refund branch
		AddData(lockScript).
		Script()
	if err != nil {
		return "", "", err
	}
	tx.TxIn[0].SignatureScript = sigScript

	return serializeTx(tx)
}

func (c *BtcConnector) CreatePaymentTransaction(depTxID string, depVout uint32, amount uint64, payAddr string, lockScript []byte, secret []byte) (string, string, error) {
	pkhThem, _, err := htlcPkh(lockScript)
	if err != nil {
		return "", "", err
	}
	priv, err := c.keyForID(pkhThem)
	if err != nil {
		return "", "", err
	}

	fee := c.MinTxFee2(1, 1)
	if amount <= fee {
		return "", "", fmt.Errorf("deposit %d does not cover redeem fee %d", amount, fee)
	}

	tx := wire.NewMsgTx(wire.TxVersion)

	prevHash, err := chainhash.NewHashFromStr(depTxID)
	if err != nil {
		return "", "", err
	}
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(prevHash, depVout), nil, nil))

	outScript, err := c.p2pkhPkScript(payAddr)
	if err != nil {
		return "", "", err
	}
	tx.AddTxOut(wire.NewTxOut(int64(amount-fee), outScript))

	sig, err := txscript.RawTxInSignature(tx, 0, lockScript, txscript.SigHashAll, priv)
	if err != nil {
		return "", "", err
	}
	sigScript, err := txscript.NewScriptBuilder().
		AddData(sig).
		AddData(priv.PubKey().SerializeCompressed()).
		AddData(secret). // revealed on chain
		AddInt64(1).     // take the redeem branch
		AddData(lockScript).
		Script()
	if err != nil {
		return "", "", err
	}
	tx.TxIn[0].SignatureScript = sigScript

	return serializeTx(tx)
}

func (c *BtcConnector) CheckDepositTransaction(txid string, amount uint64, expectedScriptID []byte) (*DepositCheck, error) {
	hash, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return nil, err
	}
	tx, err := c.backend.GetRawTransaction(hash)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrTxNotFound, txid)
	}

	expectedScript, err := p2shPkScript(expectedScriptID)
	if err != nil {
		return nil, err
	}

	for i, out := range tx.MsgTx().TxOut {
		if !bytes.Equal(out.PkScript, expectedScript) {
			continue
		}
		check := &DepositCheck{Vout: uint32(i)}
		if uint64(out.Value) >= amount {
			check.IsGood = true
			check.Overpayment = uint64(out.Value) - amount
		}
		return check, nil
	}
	return &DepositCheck{IsGood: false}, nil
}

func (c *BtcConnector) GetSecretFromPaymentTransaction(payTxID, depTxID string, depVout uint32, hashedSecret []byte) ([]byte, bool, error) {
	payHash, err := chainhash.NewHashFromStr(payTxID)
	if err != nil {
		return nil, false, err
	}
	depHash, err := chainhash.NewHashFromStr(depTxID)
	if err != nil {
		return nil, false, err
	}

	tx, err := c.backend.GetRawTransaction(payHash)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %s", ErrTxNotFound, payTxID)
	}

	for _, in := range tx.MsgTx().TxIn {
		if in.PreviousOutPoint.Hash != *depHash || in.PreviousOutPoint.Index != depVout {
			continue
		}
		pushes, err := txscript.PushedData(in.SignatureScript)
		if err != nil {
			return nil, false, err
		}
		for _, p := range pushes {
			if len(p) == secretSize && bytes.Equal(btcutil.Hash160(p), hashedSecret) {
				return p, true, nil
			}
		}
	}
	return nil, false, nil
}

func (c *BtcConnector) SendRawTransaction(rawTx string) (string, error) {
	raw, err := hex.DecodeString(rawTx)
	if err != nil {
		return "", err
	}
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return "", err
	}
	hash, err := c.backend.SendRawTransaction(tx, true)
	if err != nil {
		return "", err
	}
	return hash.String(), nil
}

func (c *BtcConnector) StoreDataIntoBlockchain(feeUtxos []UTXO, payAddr string, fee uint64, data []byte) (string, error) {
	if len(feeUtxos) == 0 {
		return "", fmt.Errorf("no fee utxos reserved")
	}

	var total uint64
	for _, in := range feeUtxos {
		total += in.Amount
	}
	txFee := c.MinTxFee1(uint32(len(feeUtxos)), 3)
	if total < fee+txFee {
		return "", fmt.Errorf("fee utxos %d below service fee %d plus tx fee %d", total, fee, txFee)
	}

	tx := wire.NewMsgTx(wire.TxVersion)

	payScript, err := c.p2pkhPkScript(payAddr)
	if err != nil {
		return "", err
	}
	tx.AddTxOut(wire.NewTxOut(int64(fee), payScript))

	dataScript, err := txscript.NullDataScript(data)
	if err != nil {
		return "", err
	}
	tx.AddTxOut(wire.NewTxOut(0, dataScript))

	if change := total - fee - txFee; !c.IsDustAmount(change) {
		changeScript, err := c.p2pkhPkScript(feeUtxos[0].Address)
		if err != nil {
			return "", err
		}
		tx.AddTxOut(wire.NewTxOut(int64(change), changeScript))
	}

	for _, in := range feeUtxos {
		prevHash, err := chainhash.NewHashFromStr(in.TxID)
		if err != nil {
			return "", err
		}
		tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(prevHash, in.Vout), nil, nil))
	}
	for i, in := range feeUtxos {
		priv, err := c.keyForAddress(in.Address)
		if err != nil {
			return "", err
		}
		prevScript, err := c.p2pkhPkScript(in.Address)
		if err != nil {
			return "", err
		}
		sigScript, err := txscript.SignatureScript(tx, i, prevScript, txscript.SigHashAll, priv, true)
		if err != nil {
			return "", err
		}
		tx.TxIn[i].SignatureScript = sigScript
	}

	hash, err := c.backend.SendRawTransaction(tx, true)
	if err != nil {
		return "", err
	}
	return hash.String(), nil
}
