/*
Package connector abstracts the per-chain wallet operations the swap
protocol needs: script construction, raw transaction assembly, broadcast
and txout queries.

Each supported currency gets one WalletConnector. The session layer never
touches chain types directly, it only speaks through this interface.
*/
package connector

import (
	"errors"
	"fmt"
)

// Role selects which side of the swap a lock-time model applies to.
// The maker (A) locks for roughly twice as long as the taker (B) so the
// taker can always refund before the maker's refund window opens.
type Role byte

const (
	RoleNone Role = 0
	RoleA    Role = 'A'
	RoleB    Role = 'B'
)

var (
	ErrUnknownRole    = errors.New("unknown trader role")
	ErrUnknownAddress = errors.New("address not managed by this connector")
	ErrTxNotFound     = errors.New("transaction not found")
)

// UTXO is one spendable output pledged to an order. Signature covers the
// string "txid|vout|amount|address" and is produced by the address owner.
type UTXO struct {
	TxID      string
	Vout      uint32
	Amount    uint64
	Address   string
	Signature []byte
}

// SignString is the exact message the per-UTXO signature covers.
func (u *UTXO) SignString() string {
	return fmt.Sprintf("%s|%d|%d|%s", u.TxID, u.Vout, u.Amount, u.Address)
}

// TxOutResult reports what the chain currently knows about one outpoint.
type TxOutResult struct {
	Found         bool
	Amount        uint64
	Confirmations uint32
}

// DepositCheck is the outcome of verifying a counterparty deposit on chain.
type DepositCheck struct {
	Vout        uint32
	Overpayment uint64
	IsGood      bool
}

// WalletConnector is the capability set required from each chain adapter.
type WalletConnector interface {
	Currency() string

	// address codecs: raw 20-byte chain form <-> string form
	FromXAddr(raw []byte) (string, error)
	ToXAddr(addr string) ([]byte, error)
	GetNewAddress() (string, error)
	// ImportPrivKey registers a signing key and returns its address.
	ImportPrivKey(priv []byte) (string, error)

	// GetInfo reports the current chain height.
	GetInfo() (uint32, error)
	GetTxOut(txid string, vout uint32) (*TxOutResult, error)

	SignMessage(addr string, msg string) ([]byte, error)
	VerifyMessage(addr string, msg string, sig []byte) bool

	// MinTxFee1 is the deposit-side fee model, MinTxFee2 the redeem side.
	MinTxFee1(inputs, outputs uint32) uint64
	MinTxFee2(inputs, outputs uint32) uint64
	IsDustAmount(amount uint64) bool

	// LockTime resolves the absolute lock height for the given role.
	LockTime(role Role) (uint32, error)
	AcceptableLockTimeDrift(role Role, lockTime uint32) bool

	// GetKeyID hashes a compressed pubkey to its 20-byte key id.
	GetKeyID(pub []byte) []byte

	CreateDepositUnlockScript(selfPub, otherPub, hashedSecret []byte, lockTime uint32) ([]byte, error)
	GetScriptID(script []byte) []byte
	ScriptIDToString(id []byte) (string, error)

	// CreateDepositTransaction spends the given inputs into the HTLC P2SH
	// output plus change. Returns (txid, raw tx hex).
	CreateDepositTransaction(inputs []UTXO, scriptID []byte, amount uint64, changeAddr string) (string, string, error)
	// CreateRefundTransaction spends the deposit back to self, valid only
	// from lockTime on.
	CreateRefundTransaction(depTxID string, depVout uint32, amount uint64, refundAddr string, lockScript []byte, lockTime uint32) (string, string, error)
	// CreatePaymentTransaction redeems the counterparty deposit with the
	// secret preimage, revealing it on chain.
	CreatePaymentTransaction(depTxID string, depVout uint32, amount uint64, payAddr string, lockScript []byte, secret []byte) (string, string, error)

	CheckDepositTransaction(txid string, amount uint64, expectedScriptID []byte) (*DepositCheck, error)
	GetSecretFromPaymentTransaction(payTxID, depTxID string, depVout uint32, hashedSecret []byte) ([]byte, bool, error)

	SendRawTransaction(rawTx string) (string, error)

	// StoreDataIntoBlockchain publishes the protocol fee transaction:
	// feeUtxos funded, fee paid to the service payment address, data
	// carried in an OP_RETURN output.
	StoreDataIntoBlockchain(feeUtxos []UTXO, payAddr string, fee uint64, data []byte) (string, error)
}
