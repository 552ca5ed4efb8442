package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// Custom errors for key handling.
var (
	ErrInvalidSeed      = errors.New("invalid private key seed")
	ErrInvalidPublicKey = errors.New("invalid public key encoding")
	ErrInvalidSignature = errors.New("invalid signature encoding")
)

// KeyPair holds the signing identity of a validator node. The address is
// derived from the public key and is the identity used everywhere else in
// the system: consensus messages, blocks, and the validator registry.
type KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
	Address string
}

// GenerateKeyPair creates a fresh ed25519 key pair with its derived address.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}
	return &KeyPair{Public: pub, Private: priv, Address: AddressOf(pub)}, nil
}

// KeyPairFromSeedHex reconstructs a key pair from a hex-encoded 32-byte
// ed25519 seed. This is how the node loads its signing identity from the
// environment at startup.
func KeyPairFromSeedHex(seedHex string) (*KeyPair, error) {
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("%w: not hex encoded", ErrInvalidSeed)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: need %d bytes, got %d", ErrInvalidSeed, ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	return &KeyPair{Public: pub, Private: priv, Address: AddressOf(pub)}, nil
}

// PublicKeyHex returns the node's public key hex-encoded for the registry.
func (kp *KeyPair) PublicKeyHex() string {
	return hex.EncodeToString(kp.Public)
}

// Sign signs an arbitrary message and returns the hex-encoded signature.
func (kp *KeyPair) Sign(message []byte) string {
	return hex.EncodeToString(ed25519.Sign(kp.Private, message))
}

// AddressOf derives a validator address from a public key:
// the hex rendering of SHA-256 over the raw key bytes.
func AddressOf(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])
}

// SHA256Hex returns the hex rendering of the SHA-256 digest of data.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Verify checks a hex-encoded signature over message against a hex-encoded
// public key. Any decoding failure counts as a failed verification; callers
// treat the result as a boolean and never see the decode detail.
func Verify(message []byte, sigHex, pubHex string) bool {
	sig, err := hex.DecodeString(sigHex)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	pub, err := hex.DecodeString(pubHex)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), message, sig)
}

// VerifyAddress reports whether addr is the address derived from pubHex.
func VerifyAddress(addr, pubHex string) bool {
	pub, err := hex.DecodeString(pubHex)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	return AddressOf(ed25519.PublicKey(pub)) == addr
}
