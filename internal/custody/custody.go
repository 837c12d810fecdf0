// Package custody keeps private key material encrypted at rest. Keys are
// sealed under a symmetric key derived from a machine-local secret and a
// fresh random salt; plaintext keys exist only inside the narrow scope of a
// signing call.
package custody

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"aegis.dev/internal/crypto"
)

var randReader = rand.Reader

const (
	saltLen = 32
	purpose = "wa-key-custody"

	gatewaySecretFile = "gateway.secret.enc"
	gatewaySecretLen  = 32
	keyFileSuffix     = ".key.enc"
)

// SecretSource supplies the stable machine-local secret seeding key
// derivation.
type SecretSource func() ([]byte, error)

// DefaultMachineSecret reads /etc/machine-id, falling back to the hostname.
func DefaultMachineSecret() ([]byte, error) {
	if raw, err := os.ReadFile("/etc/machine-id"); err == nil {
		if id := strings.TrimSpace(string(raw)); id != "" {
			return []byte(id), nil
		}
	}
	host, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("machine secret: %w", err)
	}
	return []byte(host), nil
}

// GatewaySecret is the versioned service-wide MAC secret for gateway tokens.
type GatewaySecret struct {
	Version uint64
	Key     []byte
}

// Custodian encrypts and decrypts key material for one key directory.
// Derived keys are cached in memory only and cleared on Close.
type Custodian struct {
	dir    string
	source SecretSource

	mu      sync.Mutex
	derived map[string][]byte // hex(salt) -> derived key
	gateway *GatewaySecret
}

// New creates a Custodian rooted at dir. The directory is created 0700 if
// missing. A nil source uses DefaultMachineSecret.
func New(dir string, source SecretSource) (*Custodian, error) {
	if dir == "" {
		return nil, errors.New("custody: key directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("custody: create key dir: %w", err)
	}
	if source == nil {
		source = DefaultMachineSecret
	}
	return &Custodian{dir: dir, source: source, derived: make(map[string][]byte)}, nil
}

// EncryptPrivateKey seals key bytes under a freshly salted derived key.
// Blob layout: salt(32) || nonce(12) || ciphertext || tag(16).
func (c *Custodian) EncryptPrivateKey(key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, errors.New("custody: empty key material")
	}
	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(randReader, salt); err != nil {
		return nil, fmt.Errorf("custody: salt: %w", err)
	}
	derived, err := c.deriveKey(salt)
	if err != nil {
		return nil, err
	}
	sealed, err := crypto.Seal(derived, key)
	if err != nil {
		return nil, err
	}
	return append(salt, sealed...), nil
}

// DecryptPrivateKey reverses EncryptPrivateKey. It fails closed: a tag
// mismatch yields wa-level ErrCryptoFailure via crypto.Open and no partial
// plaintext.
func (c *Custodian) DecryptPrivateKey(blob []byte) ([]byte, error) {
	if len(blob) <= saltLen {
		return nil, crypto.ErrCryptoFailure
	}
	derived, err := c.deriveKey(blob[:saltLen])
	if err != nil {
		return nil, err
	}
	return crypto.Open(derived, blob[saltLen:])
}

// StoreKey persists a private key for kid as an encrypted file, mode 0600.
func (c *Custodian) StoreKey(kid string, key []byte) error {
	blob, err := c.EncryptPrivateKey(key)
	if err != nil {
		return err
	}
	path, err := c.keyPath(kid)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, blob, 0o600); err != nil {
		return fmt.Errorf("custody: write key %s: %w", kid, err)
	}
	return nil
}

// LoadKey reads and decrypts the private key stored for kid.
func (c *Custodian) LoadKey(kid string) ([]byte, error) {
	path, err := c.keyPath(kid)
	if err != nil {
		return nil, err
	}
	blob, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("custody: key %s: %w", kid, os.ErrNotExist)
	}
	if err != nil {
		return nil, fmt.Errorf("custody: read key %s: %w", kid, err)
	}
	return c.DecryptPrivateKey(blob)
}

// DeleteKey removes the stored key for kid. Missing files are not an error,
// rotation may race with cleanup.
func (c *Custodian) DeleteKey(kid string) error {
	path, err := c.keyPath(kid)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("custody: delete key %s: %w", kid, err)
	}
	return nil
}

// Gateway returns the versioned gateway secret, creating and persisting one
// on first use.
func (c *Custodian) Gateway() (GatewaySecret, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gateway != nil {
		return *c.gateway, nil
	}
	gs, err := c.loadGatewayLocked()
	if errors.Is(err, os.ErrNotExist) {
		gs, err = c.writeGatewayLocked(1)
	}
	if err != nil {
		return GatewaySecret{}, err
	}
	c.gateway = &gs
	return gs, nil
}

// RotateGateway replaces the gateway secret and bumps its version, which
// invalidates all outstanding gateway tokens at the verification gate.
func (c *Custodian) RotateGateway() (GatewaySecret, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	version := uint64(1)
	if c.gateway != nil {
		version = c.gateway.Version + 1
	} else if gs, err := c.loadGatewayLocked(); err == nil {
		version = gs.Version + 1
	}
	gs, err := c.writeGatewayLocked(version)
	if err != nil {
		return GatewaySecret{}, err
	}
	c.gateway = &gs
	return gs, nil
}

// Close zeroes cached key material. The custodian must not be used after.
func (c *Custodian) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for salt, key := range c.derived {
		for i := range key {
			key[i] = 0
		}
		delete(c.derived, salt)
	}
	if c.gateway != nil {
		for i := range c.gateway.Key {
			c.gateway.Key[i] = 0
		}
		c.gateway = nil
	}
}

func (c *Custodian) deriveKey(salt []byte) ([]byte, error) {
	cacheKey := hex.EncodeToString(salt)
	c.mu.Lock()
	if key, ok := c.derived[cacheKey]; ok {
		c.mu.Unlock()
		return key, nil
	}
	c.mu.Unlock()

	secret, err := c.source()
	if err != nil {
		return nil, fmt.Errorf("custody: machine secret: %w", err)
	}
	material := append(append([]byte{}, secret...), []byte(":"+purpose)...)
	key := crypto.DeriveKey(material, salt, crypto.DeriveIterations)

	c.mu.Lock()
	c.derived[cacheKey] = key
	c.mu.Unlock()
	return key, nil
}

func (c *Custodian) keyPath(kid string) (string, error) {
	if kid == "" || strings.ContainsAny(kid, "/\\") {
		return "", fmt.Errorf("custody: invalid key id %q", kid)
	}
	return filepath.Join(c.dir, kid+keyFileSuffix), nil
}

func (c *Custodian) loadGatewayLocked() (GatewaySecret, error) {
	blob, err := os.ReadFile(filepath.Join(c.dir, gatewaySecretFile))
	if err != nil {
		return GatewaySecret{}, err
	}
	plain, err := c.decryptLocked(blob)
	if err != nil {
		return GatewaySecret{}, err
	}
	if len(plain) != 8+gatewaySecretLen {
		return GatewaySecret{}, crypto.ErrCryptoFailure
	}
	return GatewaySecret{
		Version: binary.BigEndian.Uint64(plain[:8]),
		Key:     plain[8:],
	}, nil
}

func (c *Custodian) writeGatewayLocked(version uint64) (GatewaySecret, error) {
	key := make([]byte, gatewaySecretLen)
	if _, err := io.ReadFull(randReader, key); err != nil {
		return GatewaySecret{}, fmt.Errorf("custody: gateway secret: %w", err)
	}
	plain := make([]byte, 8+gatewaySecretLen)
	binary.BigEndian.PutUint64(plain[:8], version)
	copy(plain[8:], key)

	blob, err := c.encryptLocked(plain)
	if err != nil {
		return GatewaySecret{}, err
	}
	path := filepath.Join(c.dir, gatewaySecretFile)
	if err := os.WriteFile(path, blob, 0o600); err != nil {
		return GatewaySecret{}, fmt.Errorf("custody: write gateway secret: %w", err)
	}
	return GatewaySecret{Version: version, Key: key}, nil
}

// encryptLocked and decryptLocked mirror EncryptPrivateKey/DecryptPrivateKey
// but assume c.mu is held, so the gateway path cannot deadlock on the
// derived-key cache.
func (c *Custodian) encryptLocked(plain []byte) ([]byte, error) {
	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(randReader, salt); err != nil {
		return nil, fmt.Errorf("custody: salt: %w", err)
	}
	derived, err := c.deriveKeyLocked(salt)
	if err != nil {
		return nil, err
	}
	sealed, err := crypto.Seal(derived, plain)
	if err != nil {
		return nil, err
	}
	return append(salt, sealed...), nil
}

func (c *Custodian) decryptLocked(blob []byte) ([]byte, error) {
	if len(blob) <= saltLen {
		return nil, crypto.ErrCryptoFailure
	}
	derived, err := c.deriveKeyLocked(blob[:saltLen])
	if err != nil {
		return nil, err
	}
	return crypto.Open(derived, blob[saltLen:])
}

func (c *Custodian) deriveKeyLocked(salt []byte) ([]byte, error) {
	cacheKey := hex.EncodeToString(salt)
	if key, ok := c.derived[cacheKey]; ok {
		return key, nil
	}
	secret, err := c.source()
	if err != nil {
		return nil, fmt.Errorf("custody: machine secret: %w", err)
	}
	material := append(append([]byte{}, secret...), []byte(":"+purpose)...)
	key := crypto.DeriveKey(material, salt, crypto.DeriveIterations)
	c.derived[cacheKey] = key
	return key, nil
}
