package session

import (
	"strings"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// packCurrency zero-pads an ASCII currency code to its 8-byte wire form.
func packCurrency(code string) []byte {
	out := make([]byte, 8)
	copy(out, code)
	return out
}

func unpackCurrency(b []byte) string {
	return strings.TrimRight(string(b), "\x00")
}

// txidToBytes converts a txid string to its 32-byte wire form.
func txidToBytes(txid string) ([]byte, error) {
	hash, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return nil, err
	}
	return hash[:], nil
}

func txidFromBytes(b []byte) string {
	var hash chainhash.Hash
	copy(hash[:], b)
	return hash.String()
}
