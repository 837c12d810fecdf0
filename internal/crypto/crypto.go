// Package crypto provides the signing, key-derivation and authenticated
// encryption primitives shared by the identity core. Callers never pick an
// algorithm: each operation is bound to exactly one scheme.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// DeriveIterations is the PBKDF2 iteration count for every derived key.
	DeriveIterations = 100_000

	// DerivedKeyLen is the size of symmetric keys produced by DeriveKey.
	DerivedKeyLen = 32

	gcmNonceSize = 12
	saltLen      = 32
)

// ErrCryptoFailure indicates an AEAD open failed authentication. No partial
// plaintext is ever returned alongside it.
var ErrCryptoFailure = errors.New("crypto: authentication failure")

// GenerateKeypair returns a fresh Ed25519 keypair from crypto/rand.
func GenerateKeypair() (ed25519.PrivateKey, ed25519.PublicKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate keypair: %w", err)
	}
	return priv, pub, nil
}

// Sign signs message with an Ed25519 private key.
func Sign(priv ed25519.PrivateKey, message []byte) ([]byte, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("sign: private key must be %d bytes, got %d", ed25519.PrivateKeySize, len(priv))
	}
	return ed25519.Sign(priv, message), nil
}

// Verify reports whether signature is a valid Ed25519 signature of message.
// Malformed keys or truncated signatures verify as false, never panic.
func Verify(pub ed25519.PublicKey, message, signature []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, message, signature)
}

// EncodePublicKey encodes a raw public key as base64url without padding.
func EncodePublicKey(pub []byte) string {
	return base64.RawURLEncoding.EncodeToString(pub)
}

// DecodePublicKey reverses EncodePublicKey.
func DecodePublicKey(s string) (ed25519.PublicKey, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("decode public key: want %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// DeriveKey stretches a secret into a 32-byte symmetric key with
// PBKDF2-SHA256. The same (secret, salt, iterations) always yields the same
// key.
func DeriveKey(secret, salt []byte, iterations int) []byte {
	if iterations <= 0 {
		iterations = DeriveIterations
	}
	return pbkdf2.Key(secret, salt, iterations, DerivedKeyLen, sha256.New)
}

// Seal encrypts plaintext with AES-256-GCM under key. The returned blob is
// nonce || ciphertext || tag.
func Seal(key, plaintext []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcmNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("seal: nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a blob produced by Seal. Any tampering of nonce, ciphertext
// or tag yields ErrCryptoFailure.
func Open(key, blob []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(blob) < gcmNonceSize+aead.Overhead() {
		return nil, ErrCryptoFailure
	}
	plaintext, err := aead.Open(nil, blob[:gcmNonceSize], blob[gcmNonceSize:], nil)
	if err != nil {
		return nil, ErrCryptoFailure
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != DerivedKeyLen {
		return nil, fmt.Errorf("aead: key must be %d bytes, got %d", DerivedKeyLen, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aead: %w", err)
	}
	return cipher.NewGCM(block)
}

// ConstantTimeEq compares two byte slices in constant time. All secret and
// tag comparisons in the module must use it.
func ConstantTimeEq(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

// HashPassword hashes a password with a fresh 32-byte salt and PBKDF2.
// The encoded form is base64(salt || key).
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", errors.New("password is empty")
	}
	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("hash password: salt: %w", err)
	}
	key := DeriveKey([]byte(password), salt, DeriveIterations)
	return base64.StdEncoding.EncodeToString(append(salt, key...)), nil
}

// VerifyPassword checks a password against an encoded hash in constant time.
func VerifyPassword(password, encoded string) bool {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(raw) != saltLen+DerivedKeyLen {
		return false
	}
	key := DeriveKey([]byte(password), raw[:saltLen], DeriveIterations)
	return ConstantTimeEq(key, raw[saltLen:])
}
