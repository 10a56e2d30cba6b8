package broadcast

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blocknetdx/xbridge-go/xpacket"
)

func TestBusDeliversToAllSubscribers(t *testing.T) {
	b := NewBus()

	var got1, got2 []xpacket.Command
	b.Subscribe(func(dest, raw []byte) {
		p, err := xpacket.Decode(raw)
		require.NoError(t, err)
		got1 = append(got1, p.Command)
	})
	b.Subscribe(func(dest, raw []byte) {
		p, err := xpacket.Decode(raw)
		require.NoError(t, err)
		got2 = append(got2, p.Command)
	})

	require.NoError(t, b.SendPacket(nil, xpacket.NewPacket(xpacket.Transaction)))
	assert.Equal(t, []xpacket.Command{xpacket.Transaction}, got1)
	assert.Equal(t, []xpacket.Command{xpacket.Transaction}, got2)
}

func TestBusCarriesDest(t *testing.T) {
	b := NewBus()

	var gotDest []byte
	b.Subscribe(func(dest, raw []byte) {
		gotDest = append([]byte(nil), dest...)
	})

	sess := make([]byte, DestSize)
	sess[0] = 0xab
	require.NoError(t, b.SendPacket(sess, xpacket.NewPacket(xpacket.TransactionHold)))
	assert.Equal(t, sess, gotDest)

	// nil dest broadcasts as zeroes
	require.NoError(t, b.SendPacket(nil, xpacket.NewPacket(xpacket.Transaction)))
	assert.Equal(t, make([]byte, DestSize), gotDest)
}

func TestBusReentrantSendKeepsOrder(t *testing.T) {
	b := NewBus()

	var order []xpacket.Command
	b.Subscribe(func(dest, raw []byte) {
		p, err := xpacket.Decode(raw)
		require.NoError(t, err)
		order = append(order, p.Command)
		if p.Command == xpacket.Transaction {
			// a handler replying mid-delivery must not recurse
			require.NoError(t, b.SendPacket(nil, xpacket.NewPacket(xpacket.PendingTransaction)))
		}
	})

	require.NoError(t, b.SendPacket(nil, xpacket.NewPacket(xpacket.Transaction)))
	assert.Equal(t, []xpacket.Command{xpacket.Transaction, xpacket.PendingTransaction}, order)
}
