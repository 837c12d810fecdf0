package trust

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"aegis.dev/internal/crypto"
	"aegis.dev/internal/custody"
	"aegis.dev/internal/wa"
)

func writeSeed(t *testing.T, dir string, pub ed25519.PublicKey) string {
	t.Helper()
	seed := Seed{
		ID:        "wa-2025-06-01-ROOT00",
		Name:      "aegis_root",
		PublicKey: crypto.EncodePublicKey(pub),
		Scopes:    []string{"*"},
		CreatedAt: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
	}
	raw, err := json.Marshal(seed)
	if err != nil {
		t.Fatalf("marshal seed: %v", err)
	}
	path := filepath.Join(dir, "root_pub.json")
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatalf("write seed: %v", err)
	}
	return path
}

func newBootstrapper(t *testing.T, store wa.Store) (*Bootstrapper, *custody.Custodian) {
	t.Helper()
	dir := t.TempDir()
	rootPriv, rootPub, err := crypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	seedPath := writeSeed(t, dir, rootPub)

	keyPath := filepath.Join(dir, "root.key")
	encoded := base64.StdEncoding.EncodeToString(rootPriv)
	if err := os.WriteFile(keyPath, []byte(encoded), 0o600); err != nil {
		t.Fatalf("write root key: %v", err)
	}

	cust, err := custody.New(filepath.Join(dir, "keys"), func() ([]byte, error) {
		return []byte("test-machine"), nil
	})
	if err != nil {
		t.Fatalf("custody.New: %v", err)
	}
	return New(store, cust, seedPath, WithRootKeyFile(keyPath)), cust
}

func TestRunSeedsRootAndSystemAuthority(t *testing.T) {
	store := wa.NewInMemoryStore()
	b, cust := newBootstrapper(t, store)

	sysAuth, err := b.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sysAuth.Name != SystemAuthorityName || sysAuth.Role != wa.RoleAuthority {
		t.Fatalf("unexpected system authority: %+v", sysAuth)
	}
	if sysAuth.ParentID != "wa-2025-06-01-ROOT00" {
		t.Fatalf("unexpected parent: %s", sysAuth.ParentID)
	}

	// Chain must verify end to end
	if err := wa.VerifyChain(context.Background(), store, sysAuth); err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}

	// Private key must be retrievable through custody
	if _, err := cust.LoadKey(sysAuth.KeyID); err != nil {
		t.Fatalf("LoadKey: %v", err)
	}
}

func TestRunIsIdempotent(t *testing.T) {
	store := wa.NewInMemoryStore()
	b, _ := newBootstrapper(t, store)

	first, err := b.Run(context.Background())
	if err != nil {
		t.Fatalf("first Run: %v", err)
	}
	second, err := b.Run(context.Background())
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if first.ID != second.ID || first.KeyID != second.KeyID {
		t.Fatalf("reruns must converge: %s/%s vs %s/%s", first.ID, first.KeyID, second.ID, second.KeyID)
	}

	certs, err := store.List(context.Background(), true)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(certs) != 2 {
		t.Fatalf("expected root + system authority, got %d certs", len(certs))
	}
}

func TestConcurrentBootstrapSingleWinner(t *testing.T) {
	store := wa.NewInMemoryStore()
	b, _ := newBootstrapper(t, store)

	const runners = 16
	results := make([]*wa.Certificate, runners)
	errs := make([]error, runners)
	var wg sync.WaitGroup
	for i := 0; i < runners; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = b.Run(context.Background())
		}(i)
	}
	wg.Wait()

	for i := 0; i < runners; i++ {
		if errs[i] != nil {
			t.Fatalf("runner %d failed: %v", i, errs[i])
		}
	}

	roots := 0
	authorities := 0
	certs, err := store.List(context.Background(), true)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	for _, c := range certs {
		switch c.Role {
		case wa.RoleRoot:
			roots++
		case wa.RoleAuthority:
			authorities++
		}
	}
	if roots != 1 || authorities != 1 {
		t.Fatalf("expected exactly one root and one system authority, got %d/%d", roots, authorities)
	}

	winner := results[0]
	for i := 1; i < runners; i++ {
		if results[i].ID != winner.ID || results[i].KeyID != winner.KeyID {
			t.Fatalf("runner %d saw a different authority: %s/%s", i, results[i].ID, results[i].KeyID)
		}
	}
}

func TestRunFailsClosedWithoutRootKey(t *testing.T) {
	store := wa.NewInMemoryStore()
	dir := t.TempDir()
	_, rootPub, err := crypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	seedPath := writeSeed(t, dir, rootPub)
	cust, err := custody.New(filepath.Join(dir, "keys"), func() ([]byte, error) {
		return []byte("test-machine"), nil
	})
	if err != nil {
		t.Fatalf("custody.New: %v", err)
	}

	b := New(store, cust, seedPath)
	if _, err := b.Run(context.Background()); !errors.Is(err, ErrRootKeyUnavailable) {
		t.Fatalf("expected ErrRootKeyUnavailable, got %v", err)
	}

	// The root itself must still have been seeded
	certs, err := store.List(context.Background(), true)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(certs) != 1 || certs[0].Role != wa.RoleRoot {
		t.Fatalf("expected the root to be seeded, got %+v", certs)
	}
}

func TestRunRejectsBadSeed(t *testing.T) {
	store := wa.NewInMemoryStore()
	dir := t.TempDir()
	path := filepath.Join(dir, "root_pub.json")
	if err := os.WriteFile(path, []byte(`{"wa_id":"","pubkey":""}`), 0o600); err != nil {
		t.Fatalf("write seed: %v", err)
	}
	cust, err := custody.New(filepath.Join(dir, "keys"), func() ([]byte, error) {
		return []byte("test-machine"), nil
	})
	if err != nil {
		t.Fatalf("custody.New: %v", err)
	}

	b := New(store, cust, path)
	if _, err := b.Run(context.Background()); !errors.Is(err, wa.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}
