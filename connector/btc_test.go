package connector

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blocknetdx/xbridge-go/common"
)

func TestAddressRoundTrip(t *testing.T) {
	conn, _ := NewSimConnector("BLOCK")

	addr, err := conn.GetNewAddress()
	require.NoError(t, err)

	raw, err := conn.ToXAddr(addr)
	require.NoError(t, err)
	assert.Len(t, raw, 20)

	back, err := conn.FromXAddr(raw)
	require.NoError(t, err)
	assert.Equal(t, addr, back)
}

func TestSignVerifyMessage(t *testing.T) {
	conn, _ := NewSimConnector("BLOCK")

	addr, err := conn.GetNewAddress()
	require.NoError(t, err)

	sig, err := conn.SignMessage(addr, "aa|0|100|addr")
	require.NoError(t, err)
	assert.Len(t, sig, 64)

	assert.True(t, conn.VerifyMessage(addr, "aa|0|100|addr", sig))
	assert.False(t, conn.VerifyMessage(addr, "aa|0|101|addr", sig))

	other, err := conn.GetNewAddress()
	require.NoError(t, err)
	assert.False(t, conn.VerifyMessage(other, "aa|0|100|addr", sig))
}

func TestDepositScriptAndScriptID(t *testing.T) {
	conn, _ := NewSimConnector("BLOCK")

	self, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	other, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	secret := common.RandBytes(32)
	hx := btcutil.Hash160(secret)

	script, err := conn.CreateDepositUnlockScript(
		self.PubKey().SerializeCompressed(),
		other.PubKey().SerializeCompressed(),
		hx, 140)
	require.NoError(t, err)

	id := conn.GetScriptID(script)
	assert.Len(t, id, 20)

	p2sh, err := conn.ScriptIDToString(id)
	require.NoError(t, err)
	assert.NotEmpty(t, p2sh)

	// the p2sh address decodes back to the script id
	raw, err := conn.ToXAddr(p2sh)
	require.NoError(t, err)
	assert.Equal(t, id, raw)
}

func TestLockTimeDrift(t *testing.T) {
	conn, chain := NewSimConnector("BLOCK")

	lt, err := conn.LockTime(RoleB)
	require.NoError(t, err)

	assert.True(t, conn.AcceptableLockTimeDrift(RoleB, lt))
	// at the tolerance boundary
	assert.True(t, conn.AcceptableLockTimeDrift(RoleB, lt+4))
	assert.True(t, conn.AcceptableLockTimeDrift(RoleB, lt-4))
	// one block beyond
	assert.False(t, conn.AcceptableLockTimeDrift(RoleB, lt+5))
	assert.False(t, conn.AcceptableLockTimeDrift(RoleB, lt-5))

	_, err = conn.LockTime(RoleNone)
	assert.ErrorIs(t, err, ErrUnknownRole)

	// maker window is strictly longer than the taker one
	la, err := conn.LockTime(RoleA)
	require.NoError(t, err)
	assert.Greater(t, la, lt)

	chain.Mine(1)
	assert.True(t, conn.AcceptableLockTimeDrift(RoleB, lt))
}

func TestDepositCheckAndOverpayment(t *testing.T) {
	conn, chain := NewSimConnector("BLOCK")

	u, err := FundNewAddress(conn, chain, 10*common.COIN)
	require.NoError(t, err)

	self, _ := btcec.NewPrivateKey()
	other, _ := btcec.NewPrivateKey()
	secret := common.RandBytes(32)

	script, err := conn.CreateDepositUnlockScript(
		self.PubKey().SerializeCompressed(),
		other.PubKey().SerializeCompressed(),
		btcutil.Hash160(secret), 150)
	require.NoError(t, err)
	id := conn.GetScriptID(script)

	amount := 2 * common.COIN
	txid, raw, err := conn.CreateDepositTransaction([]UTXO{u}, id, amount, u.Address)
	require.NoError(t, err)

	// not observable before broadcast
	_, err = conn.CheckDepositTransaction(txid, amount, id)
	assert.ErrorIs(t, err, ErrTxNotFound)

	sent, err := conn.SendRawTransaction(raw)
	require.NoError(t, err)
	assert.Equal(t, txid, sent)

	check, err := conn.CheckDepositTransaction(txid, amount, id)
	require.NoError(t, err)
	assert.True(t, check.IsGood)
	assert.Equal(t, uint32(0), check.Vout)
	assert.Equal(t, uint64(0), check.Overpayment)

	// one base unit short of the expectation is a bad deposit
	check, err = conn.CheckDepositTransaction(txid, amount+1, id)
	require.NoError(t, err)
	assert.False(t, check.IsGood)
}

func TestRefundGatedByLockTime(t *testing.T) {
	conn, chain := NewSimConnector("BLOCK")

	u, err := FundNewAddress(conn, chain, 10*common.COIN)
	require.NoError(t, err)

	selfPriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	_, err = conn.ImportPrivKey(selfPriv.Serialize())
	require.NoError(t, err)
	otherPriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	height, err := conn.GetInfo()
	require.NoError(t, err)
	lockTime := height + 10

	secret := common.RandBytes(32)
	script, err := conn.CreateDepositUnlockScript(
		selfPriv.PubKey().SerializeCompressed(),
		otherPriv.PubKey().SerializeCompressed(),
		btcutil.Hash160(secret), lockTime)
	require.NoError(t, err)
	id := conn.GetScriptID(script)

	amount := 3 * common.COIN
	depTxID, depRaw, err := conn.CreateDepositTransaction([]UTXO{u}, id, amount, u.Address)
	require.NoError(t, err)
	_, err = conn.SendRawTransaction(depRaw)
	require.NoError(t, err)

	refAddr, err := conn.GetNewAddress()
	require.NoError(t, err)
	_, refRaw, err := conn.CreateRefundTransaction(depTxID, 0, amount, refAddr, script, lockTime)
	require.NoError(t, err)

	// rejected while the lock window is open
	_, err = conn.SendRawTransaction(refRaw)
	assert.Error(t, err)

	chain.Mine(10)
	_, err = conn.SendRawTransaction(refRaw)
	assert.NoError(t, err)
}

func TestPaymentRevealsSecret(t *testing.T) {
	conn, chain := NewSimConnector("BLOCK")

	u, err := FundNewAddress(conn, chain, 10*common.COIN)
	require.NoError(t, err)

	makerPriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	takerPriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	_, err = conn.ImportPrivKey(takerPriv.Serialize())
	require.NoError(t, err)

	secret := common.RandBytes(32)
	hx := btcutil.Hash160(secret)

	height, err := conn.GetInfo()
	require.NoError(t, err)

	// maker deposit: redeemable by taker with the secret
	script, err := conn.CreateDepositUnlockScript(
		makerPriv.PubKey().SerializeCompressed(),
		takerPriv.PubKey().SerializeCompressed(),
		hx, height+40)
	require.NoError(t, err)
	id := conn.GetScriptID(script)

	amount := 5 * common.COIN
	depTxID, depRaw, err := conn.CreateDepositTransaction([]UTXO{u}, id, amount, u.Address)
	require.NoError(t, err)
	_, err = conn.SendRawTransaction(depRaw)
	require.NoError(t, err)

	payAddr, err := conn.GetNewAddress()
	require.NoError(t, err)
	payTxID, payRaw, err := conn.CreatePaymentTransaction(depTxID, 0, amount, payAddr, script, secret)
	require.NoError(t, err)
	_, err = conn.SendRawTransaction(payRaw)
	require.NoError(t, err)

	got, ok, err := conn.GetSecretFromPaymentTransaction(payTxID, depTxID, 0, hx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, secret, got)

	// wrong deposit outpoint yields nothing
	_, ok, err = conn.GetSecretFromPaymentTransaction(payTxID, depTxID, 1, hx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDustBoundary(t *testing.T) {
	conn, _ := NewSimConnector("BLOCK")
	assert.True(t, conn.IsDustAmount(545))
	assert.True(t, conn.IsDustAmount(0))
	assert.False(t, conn.IsDustAmount(546))
}
