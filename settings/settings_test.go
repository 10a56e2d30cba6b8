package settings

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
[Main]
host = 127.0.0.1
port = 41414
timeout = 30
fee = 10

#! internal operator note, never broadcast
[BLOCK]
fee = 25
paymentaddress = pay-here
private::rpcpassword = hunter2

[BLOCK::xbridge]
fee = 50
`

func load(t *testing.T) *Settings {
	s, err := FromText(testConfig)
	require.NoError(t, err)
	return s
}

func TestCascadeResolution(t *testing.T) {
	s := load(t)

	// most specific scope wins
	assert.Equal(t, "50", s.Get("BLOCK", "xbridge", "fee"))
	// service scope next
	assert.Equal(t, "25", s.Get("BLOCK", "other", "fee"))
	// Main as the fallback
	assert.Equal(t, "10", s.Get("LTC", "other", "fee"))
	// unset everywhere
	assert.Equal(t, "", s.Get("LTC", "other", "maxfee"))
}

func TestTypedAccessors(t *testing.T) {
	s := load(t)

	assert.Equal(t, "127.0.0.1", s.Host())
	assert.Equal(t, 41414, s.Port())
	assert.Equal(t, 30*time.Second, s.SyncTimeout())
	assert.Equal(t, uint64(25), s.Fee("BLOCK"))
	assert.Equal(t, "pay-here", s.PaymentAddress("BLOCK"))
	assert.False(t, s.Disabled("BLOCK"))
}

func TestPublicTextStripsPrivate(t *testing.T) {
	s := load(t)

	public := s.PublicText()
	assert.NotContains(t, public, "hunter2")
	assert.NotContains(t, public, "private::")
	assert.NotContains(t, public, "#!")
	assert.Contains(t, public, "paymentaddress = pay-here")
}
