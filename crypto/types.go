package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
)

// PublicKeySize is the length of a ledger account key.
const PublicKeySize = 32

// HashSize is the length of a SHA-256 digest.
const HashSize = 32

// PublicKey identifies a ledger account: a wallet, a program or a derived
// protocol account. Text form is base58.
type PublicKey [PublicKeySize]byte

// NewPublicKeyFromBytes creates a PublicKey from a 32-byte slice.
func NewPublicKeyFromBytes(data []byte) (PublicKey, error) {
	var pk PublicKey
	if len(data) != PublicKeySize {
		return pk, fmt.Errorf("public key must be %d bytes, got %d", PublicKeySize, len(data))
	}
	copy(pk[:], data)
	return pk, nil
}

// NewPublicKeyFromString parses a base58-encoded public key.
func NewPublicKeyFromString(data string) (PublicKey, error) {
	raw, err := base58.Decode(data)
	if err != nil {
		return PublicKey{}, fmt.Errorf("invalid base58: %w", err)
	}
	return NewPublicKeyFromBytes(raw)
}

// MustPublicKey parses a base58 key and panics on failure.
// Only for well-known program ids.
func MustPublicKey(data string) PublicKey {
	pk, err := NewPublicKeyFromString(data)
	if err != nil {
		panic(err)
	}
	return pk
}

// Bytes returns a copy of the key bytes.
func (pk PublicKey) Bytes() []byte {
	out := make([]byte, PublicKeySize)
	copy(out, pk[:])
	return out
}

// Equal compares two public keys in constant time.
func (pk PublicKey) Equal(other PublicKey) bool {
	return subtle.ConstantTimeCompare(pk[:], other[:]) == 1
}

// IsZero reports whether the key is all zeros.
func (pk PublicKey) IsZero() bool {
	return pk == PublicKey{}
}

// String returns the base58 encoding of the key.
func (pk PublicKey) String() string {
	return base58.Encode(pk[:])
}

func (pk PublicKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(pk.String())
}

func (pk *PublicKey) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := NewPublicKeyFromString(s)
	if err != nil {
		return err
	}
	*pk = parsed
	return nil
}

// Hash is a 32-byte digest. Text form is lowercase hex.
type Hash [HashSize]byte

// ParseHash decodes a 64-character hex string.
func ParseHash(s string) (Hash, error) {
	var h Hash
	raw, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("invalid hex: %w", err)
	}
	if len(raw) != HashSize {
		return h, fmt.Errorf("hash must be %d bytes, got %d", HashSize, len(raw))
	}
	copy(h[:], raw)
	return h, nil
}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

func (h Hash) IsZero() bool {
	return h == Hash{}
}

// Equal compares two hashes in constant time.
func (h Hash) Equal(other Hash) bool {
	return subtle.ConstantTimeCompare(h[:], other[:]) == 1
}

func (h Hash) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.String())
}

func (h *Hash) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseHash(s)
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// PrivateKey is an Ed25519 private key held by a bidder or seller wallet.
type PrivateKey []byte

// PublicKey returns the public half of the key.
func (sk PrivateKey) PublicKey() (PublicKey, error) {
	if len(sk) != ed25519.PrivateKeySize {
		return PublicKey{}, errors.New("invalid private key size")
	}
	return NewPublicKeyFromBytes(sk[32:])
}

// GenerateKeyPair generates a new Ed25519 wallet key pair.
func GenerateKeyPair() (PublicKey, PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return PublicKey{}, nil, err
	}
	pk, err := NewPublicKeyFromBytes(pub)
	return pk, PrivateKey(priv), err
}

// Signature is an Ed25519 signature over a serialized ledger message.
type Signature []byte

// Sign signs data with the given private key.
func Sign(privateKey PrivateKey, data []byte) (Signature, error) {
	if len(privateKey) != ed25519.PrivateKeySize {
		return nil, errors.New("invalid private key size")
	}
	return Signature(ed25519.Sign(ed25519.PrivateKey(privateKey), data)), nil
}

// Verify checks the signature against data and the signer's key.
func (s Signature) Verify(publicKey PublicKey, data []byte) bool {
	return ed25519.Verify(ed25519.PublicKey(publicKey[:]), data, s)
}

// String returns the base58 form used by ledger explorers.
func (s Signature) String() string {
	return base58.Encode(s)
}
