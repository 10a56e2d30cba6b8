/*
Package xpacket implements the fixed-layout binary frame exchanged between
trading peers and the service node.

Frame layout (all fields little-endian):

	version(4) | command(4) | size(4) | timestamp(4) | pubkey(33) | signature(64) | body(size)

The signature is an ECDSA secp256k1 signature (64 bytes, R||S) over the
double-SHA256 of the whole frame with the signature field zeroed.
*/
package xpacket

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

const (
	// ProtocolVersion is the wire protocol version. Frames carrying any
	// other version are rejected at decode time.
	ProtocolVersion uint32 = 1

	PubkeySize    = 33
	SignatureSize = 64
	AddressSize   = 20
	HashSize      = 32
	CurrencySize  = 8

	headerSize = 4 + 4 + 4 + 4 + PubkeySize + SignatureSize
)

var (
	ErrShortFrame  = errors.New("frame shorter than header")
	ErrBadVersion  = errors.New("protocol version mismatch")
	ErrBadSize     = errors.New("frame size field mismatch")
	ErrNoPrivKey   = errors.New("nil private key")
	ErrBadBodyRead = errors.New("read past end of packet body")
)

// Packet is one protocol frame. Body is built up with the Append helpers
// before sending and consumed with a Reader after receipt.
type Packet struct {
	Command   Command
	Timestamp uint32
	Pubkey    [PubkeySize]byte
	Signature [SignatureSize]byte
	Body      []byte
}

func NewPacket(cmd Command) *Packet {
	return &Packet{
		Command:   cmd,
		Timestamp: uint32(time.Now().Unix()),
	}
}

// Size reports the length of the body.
func (p *Packet) Size() int { return len(p.Body) }

func (p *Packet) AppendBytes(b []byte) { p.Body = append(p.Body, b...) }

func (p *Packet) AppendUint32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	p.Body = append(p.Body, b[:]...)
}

func (p *Packet) AppendUint64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	p.Body = append(p.Body, b[:]...)
}

// AppendString appends a NUL-terminated string.
func (p *Packet) AppendString(s string) {
	p.Body = append(p.Body, []byte(s)...)
	p.Body = append(p.Body, 0)
}

// Encode serializes the frame. The signature field is whatever Sign left
// there (zero until Sign is called).
func (p *Packet) Encode() []byte {
	out := make([]byte, 0, headerSize+len(p.Body))
	var b4 [4]byte

	binary.LittleEndian.PutUint32(b4[:], ProtocolVersion)
	out = append(out, b4[:]...)
	binary.LittleEndian.PutUint32(b4[:], uint32(p.Command))
	out = append(out, b4[:]...)
	binary.LittleEndian.PutUint32(b4[:], uint32(len(p.Body)))
	out = append(out, b4[:]...)
	binary.LittleEndian.PutUint32(b4[:], p.Timestamp)
	out = append(out, b4[:]...)
	out = append(out, p.Pubkey[:]...)
	out = append(out, p.Signature[:]...)
	out = append(out, p.Body...)
	return out
}

// Decode parses a raw frame. Frames with a foreign protocol version or an
// inconsistent size field are rejected.
func Decode(raw []byte) (*Packet, error) {
	if len(raw) < headerSize {
		return nil, ErrShortFrame
	}
	version := binary.LittleEndian.Uint32(raw[0:4])
	if version != ProtocolVersion {
		return nil, fmt.Errorf("%w: got %d want %d", ErrBadVersion, version, ProtocolVersion)
	}
	size := binary.LittleEndian.Uint32(raw[8:12])
	if int(size) != len(raw)-headerSize {
		return nil, fmt.Errorf("%w: declared %d actual %d", ErrBadSize, size, len(raw)-headerSize)
	}

	p := &Packet{
		Command:   Command(binary.LittleEndian.Uint32(raw[4:8])),
		Timestamp: binary.LittleEndian.Uint32(raw[12:16]),
	}
	copy(p.Pubkey[:], raw[16:16+PubkeySize])
	copy(p.Signature[:], raw[16+PubkeySize:headerSize])
	p.Body = append([]byte(nil), raw[headerSize:]...)
	return p, nil
}

// sigHash is the double-SHA256 of the frame with the signature zeroed.
func (p *Packet) sigHash() []byte {
	sig := p.Signature
	p.Signature = [SignatureSize]byte{}
	frame := p.Encode()
	p.Signature = sig
	return chainhash.DoubleHashB(frame)
}

// Sign stamps the packet with the signer's compressed pubkey and a 64-byte
// R||S signature over the frame hash.
func (p *Packet) Sign(priv *btcec.PrivateKey) error {
	if priv == nil {
		return ErrNoPrivKey
	}
	copy(p.Pubkey[:], priv.PubKey().SerializeCompressed())

	sig := ecdsa.SignCompact(priv, p.sigHash(), true)
	// drop the recovery byte, the wire format carries the pubkey itself
	copy(p.Signature[:], sig[1:])
	return nil
}

// Verify reports whether the packet signature is a valid signature of the
// frame by the given compressed pubkey.
func (p *Packet) Verify(pubkey []byte) bool {
	pub, err := btcec.ParsePubKey(pubkey)
	if err != nil {
		return false
	}

	var r, s btcec.ModNScalar
	if overflow := r.SetByteSlice(p.Signature[:32]); overflow {
		return false
	}
	if overflow := s.SetByteSlice(p.Signature[32:]); overflow {
		return false
	}
	return ecdsa.NewSignature(&r, &s).Verify(p.sigHash(), pub)
}

// VerifySelf checks the signature against the pubkey embedded in the frame.
func (p *Packet) VerifySelf() bool {
	return p.Verify(p.Pubkey[:])
}

// Reader consumes a packet body field by field.
type Reader struct {
	body []byte
	off  int
	err  error
}

func NewReader(p *Packet) *Reader { return &Reader{body: p.Body} }

// Err reports the first read error, if any.
func (r *Reader) Err() error { return r.err }

func (r *Reader) ReadBytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.off+n > len(r.body) {
		r.err = ErrBadBodyRead
		return nil
	}
	b := r.body[r.off : r.off+n]
	r.off += n
	return b
}

func (r *Reader) ReadUint32() uint32 {
	b := r.ReadBytes(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *Reader) ReadUint64() uint64 {
	b := r.ReadBytes(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

// ReadString reads up to the next NUL byte.
func (r *Reader) ReadString() string {
	if r.err != nil {
		return ""
	}
	for i := r.off; i < len(r.body); i++ {
		if r.body[i] == 0 {
			s := string(r.body[r.off:i])
			r.off = i + 1
			return s
		}
	}
	r.err = ErrBadBodyRead
	return ""
}

// Remaining reports how many unread body bytes are left.
func (r *Reader) Remaining() int { return len(r.body) - r.off }
