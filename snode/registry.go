/*
Package snode keeps the set of known service nodes, looked up by their
registered secp256k1 pubkey.
*/
package snode

import (
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
)

// Entry describes one registered service node.
type Entry struct {
	PubKey         []byte // compressed, canonical form
	PaymentAddress string
	Host           string
}

type Registry struct {
	mu      sync.Mutex
	entries map[string]Entry // hex-free string key over compressed pubkey
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

// canonicalKey accepts both compressed and uncompressed pubkeys and
// normalizes to the 33-byte compressed serialization.
func canonicalKey(pub []byte) (string, bool) {
	parsed, err := btcec.ParsePubKey(pub)
	if err != nil {
		return "", false
	}
	return string(parsed.SerializeCompressed()), true
}

func (r *Registry) Register(e Entry) bool {
	key, ok := canonicalKey(e.PubKey)
	if !ok {
		return false
	}
	e.PubKey = []byte(key)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[key] = e
	return true
}

// FindByPubKey resolves a node by pubkey in either serialization form.
func (r *Registry) FindByPubKey(pub []byte) (Entry, bool) {
	key, ok := canonicalKey(pub)
	if !ok {
		return Entry{}, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	e, found := r.entries[key]
	return e, found
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
