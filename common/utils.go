package common

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

// One coin in base units. Amounts on the wire are uint64 base units.
const COIN uint64 = 100_000_000

// The returned string has no 0x prefix
func ByteSliceToPureHexStr(b []byte) string {
	return hex.EncodeToString(b)
}

func HexStrToByteSlice(hexStr string) []byte {
	b, err := hex.DecodeString(Trim0xPrefix(hexStr))
	if err != nil {
		return nil
	}
	return b
}

// HexStrToBytes32 converts a hex string (with/without prefix 0x) to [32]byte
func HexStrToBytes32(hexStr string) [32]byte {
	var bytes32 [32]byte
	copy(bytes32[:], HexStrToByteSlice(hexStr))
	return bytes32
}

// Trim 0x or 0X prefix off the string.
func Trim0xPrefix(str string) string {
	s := strings.TrimPrefix(str, "0x")
	return strings.TrimPrefix(s, "0X")
}

// AmountHuman renders base units as a coin string,
// eg. 150000000 base units = "1.500000"
func AmountHuman(amount uint64) string {
	return fmt.Sprintf("%d.%06d", amount/COIN, (amount%COIN)/100)
}

// RandBytes32 generates [32]byte with random values
func RandBytes32() [32]byte {
	var b [32]byte
	n, err := rand.Read(b[:])

	if err != nil {
		return [32]byte{}
	}
	if n != 32 {
		return [32]byte{}
	}

	return b
}

func RandBytes(n int) []byte {
	b := make([]byte, n)
	_, err := rand.Read(b)
	if err != nil {
		return nil
	}
	return b
}

// Shorten shortens a hex string so that both sides have n characters and
// the rest is replaced with "..."
func Shorten(hexStr string, n int) string {
	str := Trim0xPrefix(hexStr)

	if len(str) <= n*2 {
		return str
	}
	return str[:n] + "..." + str[len(str)-n:]
}

func CompareSlices(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
