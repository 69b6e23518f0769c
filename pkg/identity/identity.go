package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
	"github.com/spaolacci/murmur3"
	"golang.org/x/crypto/blake2b"
)

const (
	KeySize  = 32 // node address length in bytes, derived from the public key
	ShortLen = 8  // address prefix length used for display
	SimSize  = 1  // simulation identity length in bytes
)

var (
	ErrInvalidLength = errors.New("identity: invalid byte length")
	ErrEmptyBytes    = errors.New("identity: empty byte form")
)

// Peer is the identity capability the routing core is generic over. Routing
// never inspects identity internals, it only serializes, hashes and displays
// them.
type Peer interface {
	comparable
	AsBytes() []byte
	ShortString() string
}

// Decoder reconstructs an identity from its byte form. Each identity type
// provides one so tables keyed by raw bytes can hand identities back out.
type Decoder[I Peer] func([]byte) (I, error)

// Hash64 maps an identity into the 64-bit space used by packet visited sets.
// Collisions are possible and accepted; a collision shows up as a spurious
// loop detection, never as misdelivery.
func Hash64[I Peer](id I) uint64 {
	return murmur3.Sum64(id.AsBytes())
}

// HashBytes hashes a raw byte form without reconstructing the identity.
func HashBytes(b []byte) uint64 {
	return murmur3.Sum64(b)
}

// Key is a node address derived from an ed25519 public key. The key material
// itself stays in the signing layer, routing only ever sees the address.
type Key [KeySize]byte

func FromPublicKey(pub ed25519.PublicKey) Key {
	return Key(blake2b.Sum256(pub))
}

// RandomKey generates a throwaway address, used by tests and the in-process
// simulator.
func RandomKey() (Key, error) {
	var k Key
	if _, err := rand.Read(k[:]); err != nil {
		return Key{}, fmt.Errorf("identity: generating random key: %w", err)
	}
	return k, nil
}

func DecodeKey(b []byte) (Key, error) {
	if len(b) == 0 {
		return Key{}, ErrEmptyBytes
	}
	if len(b) != KeySize {
		return Key{}, fmt.Errorf("%w: got %d, want %d", ErrInvalidLength, len(b), KeySize)
	}
	var k Key
	copy(k[:], b)
	return k, nil
}

// ParseKey decodes the base58 form produced by String, used for addresses in
// config files.
func ParseKey(s string) (Key, error) {
	raw, err := base58.Decode(s)
	if err != nil {
		return Key{}, fmt.Errorf("identity: parsing key: %w", err)
	}
	return DecodeKey(raw)
}

func (k Key) AsBytes() []byte {
	return k[:]
}

func (k Key) ShortString() string {
	return base58.Encode(k[:ShortLen])
}

func (k Key) String() string {
	return base58.Encode(k[:])
}

// Sim is a one-byte identity for simulated meshes, readable in test output
// as a single letter.
type Sim byte

func DecodeSim(b []byte) (Sim, error) {
	if len(b) == 0 {
		return 0, ErrEmptyBytes
	}
	if len(b) != SimSize {
		return 0, fmt.Errorf("%w: got %d, want %d", ErrInvalidLength, len(b), SimSize)
	}
	return Sim(b[0]), nil
}

func (s Sim) AsBytes() []byte {
	return []byte{byte(s)}
}

func (s Sim) ShortString() string {
	return string(rune(s))
}

func (s Sim) String() string {
	return s.ShortString()
}
