package custody

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"aegis.dev/internal/crypto"
)

func testSecret() ([]byte, error) { return []byte("test-machine-secret"), nil }

func newTestCustodian(t *testing.T) *Custodian {
	t.Helper()
	c, err := New(t.TempDir(), testSecret)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestPrivateKeyRoundTrip(t *testing.T) {
	c := newTestCustodian(t)
	key := []byte("64 bytes of ed25519 private key material, more or less, padded!!")

	blob, err := c.EncryptPrivateKey(key)
	if err != nil {
		t.Fatalf("EncryptPrivateKey: %v", err)
	}
	if bytes.Contains(blob, key) {
		t.Fatal("plaintext key leaked into blob")
	}
	out, err := c.DecryptPrivateKey(blob)
	if err != nil {
		t.Fatalf("DecryptPrivateKey: %v", err)
	}
	if !bytes.Equal(out, key) {
		t.Fatal("round trip mismatch")
	}
}

func TestDecryptTamperFailsClosed(t *testing.T) {
	c := newTestCustodian(t)
	blob, err := c.EncryptPrivateKey([]byte("key material"))
	if err != nil {
		t.Fatalf("EncryptPrivateKey: %v", err)
	}
	for _, idx := range []int{0, 31, 32, len(blob) - 1} {
		tampered := append([]byte(nil), blob...)
		tampered[idx] ^= 0x01
		out, err := c.DecryptPrivateKey(tampered)
		if err == nil {
			t.Fatalf("byte %d: tampered blob decrypted", idx)
		}
		if out != nil {
			t.Fatalf("byte %d: partial plaintext returned", idx)
		}
	}
	if _, err := c.DecryptPrivateKey([]byte("short")); !errors.Is(err, crypto.ErrCryptoFailure) {
		t.Fatalf("short blob: expected ErrCryptoFailure, got %v", err)
	}
}

func TestKeyFileLifecycle(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir, testSecret)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	key := []byte("stored key material")
	if err := c.StoreKey("wa-jwt-abc123", key); err != nil {
		t.Fatalf("StoreKey: %v", err)
	}
	info, err := os.Stat(filepath.Join(dir, "wa-jwt-abc123.key.enc"))
	if err != nil {
		t.Fatalf("stat key file: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("key file mode %v, want 0600", info.Mode().Perm())
	}

	out, err := c.LoadKey("wa-jwt-abc123")
	if err != nil {
		t.Fatalf("LoadKey: %v", err)
	}
	if !bytes.Equal(out, key) {
		t.Fatal("loaded key mismatch")
	}

	if err := c.DeleteKey("wa-jwt-abc123"); err != nil {
		t.Fatalf("DeleteKey: %v", err)
	}
	if _, err := c.LoadKey("wa-jwt-abc123"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected ErrNotExist after delete, got %v", err)
	}
	if err := c.DeleteKey("wa-jwt-abc123"); err != nil {
		t.Fatalf("repeated delete should be benign: %v", err)
	}
	if _, err := c.LoadKey("../escape"); err == nil {
		t.Fatal("path traversal kid accepted")
	}
}

func TestGatewaySecretPersistsAndRotates(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir, testSecret)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	first, err := c.Gateway()
	if err != nil {
		t.Fatalf("Gateway: %v", err)
	}
	if first.Version != 1 || len(first.Key) != 32 {
		t.Fatalf("unexpected initial secret: version=%d len=%d", first.Version, len(first.Key))
	}

	// A second custodian over the same dir sees the same secret.
	c2, err := New(dir, testSecret)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	same, err := c2.Gateway()
	if err != nil {
		t.Fatalf("Gateway: %v", err)
	}
	if same.Version != first.Version || !bytes.Equal(same.Key, first.Key) {
		t.Fatal("gateway secret did not persist across custodians")
	}
	c2.Close()

	next, err := c.RotateGateway()
	if err != nil {
		t.Fatalf("RotateGateway: %v", err)
	}
	if next.Version != first.Version+1 {
		t.Fatalf("version %d after rotate, want %d", next.Version, first.Version+1)
	}
	if bytes.Equal(next.Key, first.Key) {
		t.Fatal("rotation kept the old secret")
	}
	c.Close()
}

func TestMachineSecretErrorPropagates(t *testing.T) {
	boom := errors.New("no machine id")
	c, err := New(t.TempDir(), func() ([]byte, error) { return nil, boom })
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()
	if _, err := c.EncryptPrivateKey([]byte("key")); !errors.Is(err, boom) {
		t.Fatalf("expected machine secret error, got %v", err)
	}
}
