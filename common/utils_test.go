package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHexRoundTrip(t *testing.T) {
	b := RandBytes(32)
	assert.Equal(t, b, HexStrToByteSlice(ByteSliceToPureHexStr(b)))
	assert.Nil(t, HexStrToByteSlice("zz"))
}

func TestHexStrToBytes32(t *testing.T) {
	b := RandBytes32()
	assert.Equal(t, b, HexStrToBytes32(ByteSliceToPureHexStr(b[:])))
	assert.Equal(t, b, HexStrToBytes32("0x"+ByteSliceToPureHexStr(b[:])))
}

func TestAmountHuman(t *testing.T) {
	assert.Equal(t, "1.000000", AmountHuman(COIN))
	assert.Equal(t, "1.500000", AmountHuman(COIN+COIN/2))
	assert.Equal(t, "0.000000", AmountHuman(0))
}

func TestShorten(t *testing.T) {
	assert.Equal(t, "abcd", Shorten("abcd", 2))
	assert.Equal(t, "ab...ef", Shorten("abcdef", 2))
}

func TestCompareSlices(t *testing.T) {
	assert.True(t, CompareSlices([]byte{1, 2}, []byte{1, 2}))
	assert.False(t, CompareSlices([]byte{1, 2}, []byte{1, 3}))
	assert.False(t, CompareSlices([]byte{1}, []byte{1, 2}))
}
