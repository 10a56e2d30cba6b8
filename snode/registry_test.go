package snode

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindByEitherPubkeyForm(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	r := NewRegistry()
	assert.True(t, r.Register(Entry{
		PubKey:         priv.PubKey().SerializeCompressed(),
		PaymentAddress: "pay-addr",
	}))

	// compressed form
	e, ok := r.FindByPubKey(priv.PubKey().SerializeCompressed())
	assert.True(t, ok)
	assert.Equal(t, "pay-addr", e.PaymentAddress)

	// decompressed form resolves to the same entry
	e, ok = r.FindByPubKey(priv.PubKey().SerializeUncompressed())
	assert.True(t, ok)
	assert.Equal(t, "pay-addr", e.PaymentAddress)
}

func TestUnknownSnodeRejected(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	r := NewRegistry()
	_, ok := r.FindByPubKey(priv.PubKey().SerializeCompressed())
	assert.False(t, ok)

	// garbage keys never resolve
	_, ok = r.FindByPubKey([]byte{0x01, 0x02})
	assert.False(t, ok)
	assert.False(t, r.Register(Entry{PubKey: []byte{0x01}}))
}

func TestRegisterUncompressedNormalizes(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	r := NewRegistry()
	require.True(t, r.Register(Entry{PubKey: priv.PubKey().SerializeUncompressed()}))
	assert.Equal(t, 1, r.Count())

	e, ok := r.FindByPubKey(priv.PubKey().SerializeCompressed())
	assert.True(t, ok)
	assert.Len(t, e.PubKey, 33)
}
