package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"aegis.dev/internal/crypto"
	"aegis.dev/internal/custody"
	"aegis.dev/internal/trust"
	"aegis.dev/internal/wa"
)

func newTestService(t *testing.T, opts ...ServiceOption) (*Service, *wa.InMemoryStore) {
	t.Helper()
	dir := t.TempDir()

	rootPriv, rootPub, err := crypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	seed := trust.Seed{
		ID:        "wa-2025-06-01-ROOT00",
		Name:      "aegis_root",
		PublicKey: crypto.EncodePublicKey(rootPub),
		Scopes:    []string{"*"},
		CreatedAt: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
	}
	raw, err := json.Marshal(seed)
	if err != nil {
		t.Fatalf("marshal seed: %v", err)
	}
	seedPath := filepath.Join(dir, "root_pub.json")
	if err := os.WriteFile(seedPath, raw, 0o600); err != nil {
		t.Fatalf("write seed: %v", err)
	}
	keyPath := filepath.Join(dir, "root.key")
	if err := os.WriteFile(keyPath, []byte(base64.StdEncoding.EncodeToString(rootPriv)), 0o600); err != nil {
		t.Fatalf("write root key: %v", err)
	}

	store := wa.NewInMemoryStore()
	cust, err := custody.New(filepath.Join(dir, "keys"), func() ([]byte, error) {
		return []byte("test-machine"), nil
	})
	if err != nil {
		t.Fatalf("custody.New: %v", err)
	}

	svc, err := NewService(store, cust, opts...)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	if err := svc.Bootstrap(context.Background(), seedPath, trust.WithRootKeyFile(keyPath)); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	return svc, store
}

func TestCreateWABuildsVerifiableChain(t *testing.T) {
	svc, store := newTestService(t)

	cert, err := svc.CreateWA(context.Background(), "ethics board", wa.RoleAuthority, []string{"approve:deferral"})
	if err != nil {
		t.Fatalf("CreateWA: %v", err)
	}
	if cert.Role != wa.RoleAuthority || !cert.HasScope("approve:deferral") {
		t.Fatalf("unexpected certificate: %+v", cert)
	}

	sys, err := svc.SystemAuthority()
	if err != nil {
		t.Fatalf("SystemAuthority: %v", err)
	}
	if cert.ParentID != sys.ID {
		t.Fatalf("expected parent %s, got %s", sys.ID, cert.ParentID)
	}
	if err := wa.VerifyChain(context.Background(), store, cert); err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
}

func TestCreateWARejectsRoot(t *testing.T) {
	svc, _ := newTestService(t)
	if _, err := svc.CreateWA(context.Background(), "sneaky", wa.RoleRoot, nil); !errors.Is(err, wa.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := svc.CreateWA(context.Background(), "  ", wa.RoleObserver, nil); !errors.Is(err, wa.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for blank name, got %v", err)
	}
}

func TestTokenLifecycleThroughFacade(t *testing.T) {
	svc, _ := newTestService(t)

	cert, err := svc.CreateWA(context.Background(), "ops", wa.RoleAuthority, []string{"read:any"})
	if err != nil {
		t.Fatalf("CreateWA: %v", err)
	}

	issued, err := svc.CreateToken(context.Background(), cert.ID, wa.KindAuthority, 0)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}
	ac, err := svc.VerifyToken(context.Background(), issued.Token)
	if err != nil {
		t.Fatalf("VerifyToken: %v", err)
	}
	if ac.PrincipalID != cert.ID || ac.TokenKind != wa.KindAuthority {
		t.Fatalf("unexpected context: %+v", ac)
	}
	if svc.Authenticate(context.Background(), issued.Token) == nil {
		t.Fatal("Authenticate should succeed for a valid token")
	}

	if err := svc.RevokeWA(context.Background(), cert.ID, "policy change"); err != nil {
		t.Fatalf("RevokeWA: %v", err)
	}
	if _, err := svc.VerifyToken(context.Background(), issued.Token); !errors.Is(err, wa.ErrRevoked) {
		t.Fatalf("expected ErrRevoked, got %v", err)
	}
	if svc.Authenticate(context.Background(), issued.Token) != nil {
		t.Fatal("Authenticate must return nil for a revoked principal")
	}
}

func TestAuthenticatePassword(t *testing.T) {
	svc, _ := newTestService(t)

	cert, err := svc.CreateWA(context.Background(), "operator", wa.RoleObserver, nil)
	if err != nil {
		t.Fatalf("CreateWA: %v", err)
	}
	if err := svc.SetPassword(context.Background(), cert.ID, "correct horse battery"); err != nil {
		t.Fatalf("SetPassword: %v", err)
	}

	issued, err := svc.AuthenticatePassword(context.Background(), cert.ID, "correct horse battery")
	if err != nil {
		t.Fatalf("AuthenticatePassword: %v", err)
	}
	ac, err := svc.VerifyToken(context.Background(), issued.Token)
	if err != nil {
		t.Fatalf("VerifyToken: %v", err)
	}
	if ac.TokenKind != wa.KindGateway || ac.SubjectType != wa.SubjectUser {
		t.Fatalf("unexpected context: %+v", ac)
	}

	if _, err := svc.AuthenticatePassword(context.Background(), cert.ID, "wrong"); !errors.Is(err, wa.ErrUnknownIdentity) {
		t.Fatalf("expected ErrUnknownIdentity for bad password, got %v", err)
	}
	if _, err := svc.AuthenticatePassword(context.Background(), "wa-missing", "whatever"); !errors.Is(err, wa.ErrUnknownIdentity) {
		t.Fatalf("expected ErrUnknownIdentity for missing principal, got %v", err)
	}
}

func TestPasswordAttemptsAreRateLimited(t *testing.T) {
	svc, _ := newTestService(t, WithRateLimit(time.Hour, 2))

	cert, err := svc.CreateWA(context.Background(), "operator", wa.RoleObserver, nil)
	if err != nil {
		t.Fatalf("CreateWA: %v", err)
	}
	if err := svc.SetPassword(context.Background(), cert.ID, "correct horse battery"); err != nil {
		t.Fatalf("SetPassword: %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, err := svc.AuthenticatePassword(context.Background(), cert.ID, "wrong"); !errors.Is(err, wa.ErrUnknownIdentity) {
			t.Fatalf("attempt %d: expected ErrUnknownIdentity, got %v", i, err)
		}
	}
	if _, err := svc.AuthenticatePassword(context.Background(), cert.ID, "correct horse battery"); !errors.Is(err, wa.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestExternalAssertion(t *testing.T) {
	svc, _ := newTestService(t)

	cert, err := svc.CreateWA(context.Background(), "oauth user", wa.RoleObserver, nil)
	if err != nil {
		t.Fatalf("CreateWA: %v", err)
	}
	if err := svc.LinkExternal(context.Background(), cert.ID, "google", "sub-12345"); err != nil {
		t.Fatalf("LinkExternal: %v", err)
	}

	issued, err := svc.ConsumeExternalAssertion(context.Background(), "google", "sub-12345")
	if err != nil {
		t.Fatalf("ConsumeExternalAssertion: %v", err)
	}
	ac, err := svc.VerifyToken(context.Background(), issued.Token)
	if err != nil {
		t.Fatalf("VerifyToken: %v", err)
	}
	if ac.PrincipalID != cert.ID || ac.SubjectType != wa.SubjectOAuth {
		t.Fatalf("unexpected context: %+v", ac)
	}

	if _, err := svc.ConsumeExternalAssertion(context.Background(), "google", "nobody"); !errors.Is(err, wa.ErrUnknownIdentity) {
		t.Fatalf("expected ErrUnknownIdentity, got %v", err)
	}
}

func TestEnsureAdapterObserverIsIdempotent(t *testing.T) {
	svc, _ := newTestService(t)

	first, err := svc.EnsureAdapterObserver(context.Background(), "discord-guild-1", "discord adapter")
	if err != nil {
		t.Fatalf("EnsureAdapterObserver: %v", err)
	}
	if first.Role != wa.RoleObserver || first.AdapterID != "discord-guild-1" {
		t.Fatalf("unexpected certificate: %+v", first)
	}
	for _, scope := range AdapterObserverScopes {
		if !first.HasScope(scope) {
			t.Fatalf("missing scope %s: %v", scope, first.Scopes)
		}
	}

	second, err := svc.EnsureAdapterObserver(context.Background(), "discord-guild-1", "discord adapter")
	if err != nil {
		t.Fatalf("second EnsureAdapterObserver: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected the same certificate, got %s and %s", first.ID, second.ID)
	}
}

func TestChannelTokenThroughFacade(t *testing.T) {
	svc, _ := newTestService(t)

	observer, err := svc.EnsureAdapterObserver(context.Background(), "cli-local", "cli adapter")
	if err != nil {
		t.Fatalf("EnsureAdapterObserver: %v", err)
	}
	issued, err := svc.CreateChannelToken(context.Background(), observer.ID, "cli-local", 0)
	if err != nil {
		t.Fatalf("CreateChannelToken: %v", err)
	}
	ac, err := svc.VerifyToken(context.Background(), issued.Token)
	if err != nil {
		t.Fatalf("VerifyToken: %v", err)
	}
	if ac.ChannelID != "cli-local" || ac.TokenKind != wa.KindChannel {
		t.Fatalf("unexpected context: %+v", ac)
	}
}

func TestRotateKeysRefreshesSystemAuthority(t *testing.T) {
	svc, _ := newTestService(t)

	sys, err := svc.SystemAuthority()
	if err != nil {
		t.Fatalf("SystemAuthority: %v", err)
	}
	rotated, err := svc.RotateKeys(context.Background(), sys.ID)
	if err != nil {
		t.Fatalf("RotateKeys: %v", err)
	}
	if rotated.KeyID == sys.KeyID {
		t.Fatal("rotation must change the key id")
	}

	// Minting still works: the facade must sign with the fresh system key.
	if _, err := svc.CreateWA(context.Background(), "post-rotation", wa.RoleObserver, nil); err != nil {
		t.Fatalf("CreateWA after rotation: %v", err)
	}
}

func TestBindingsAreExclusive(t *testing.T) {
	svc, _ := newTestService(t)

	cert, err := svc.CreateWA(context.Background(), "dual binding", wa.RoleObserver, nil)
	if err != nil {
		t.Fatalf("CreateWA: %v", err)
	}
	if err := svc.SetPassword(context.Background(), cert.ID, "hunter2hunter2"); err != nil {
		t.Fatalf("SetPassword: %v", err)
	}
	if err := svc.LinkExternal(context.Background(), cert.ID, "google", "sub-999"); err != nil {
		t.Fatalf("LinkExternal: %v", err)
	}

	// Linking an external identity drops the password binding.
	if _, err := svc.AuthenticatePassword(context.Background(), cert.ID, "hunter2hunter2"); !errors.Is(err, wa.ErrUnknownIdentity) {
		t.Fatalf("expected password binding gone, got %v", err)
	}
	if _, err := svc.ConsumeExternalAssertion(context.Background(), "google", "sub-999"); err != nil {
		t.Fatalf("ConsumeExternalAssertion: %v", err)
	}

	// And installing a password drops the external link.
	if err := svc.SetPassword(context.Background(), cert.ID, "correct horse battery"); err != nil {
		t.Fatalf("SetPassword: %v", err)
	}
	if _, err := svc.ConsumeExternalAssertion(context.Background(), "google", "sub-999"); !errors.Is(err, wa.ErrUnknownIdentity) {
		t.Fatalf("expected external binding gone, got %v", err)
	}
	if _, err := svc.AuthenticatePassword(context.Background(), cert.ID, "correct horse battery"); err != nil {
		t.Fatalf("AuthenticatePassword: %v", err)
	}
}
