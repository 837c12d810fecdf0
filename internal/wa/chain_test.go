package wa

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"aegis.dev/internal/crypto"
)

type testIdentity struct {
	cert *Certificate
	priv ed25519.PrivateKey
}

func mintIdentity(t *testing.T, id string, role Role, parent *testIdentity) *testIdentity {
	t.Helper()
	priv, pub, err := crypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	cert := &Certificate{
		ID:        id,
		Name:      id,
		Role:      role,
		PublicKey: crypto.EncodePublicKey(pub),
		KeyID:     "kid-" + id,
		CreatedAt: time.Now().UTC(),
		Active:    true,
	}
	if parent != nil {
		payload, err := SignPayload(cert.ID, cert.PublicKey, cert.Role)
		if err != nil {
			t.Fatalf("SignPayload: %v", err)
		}
		sig, err := crypto.Sign(parent.priv, payload)
		if err != nil {
			t.Fatalf("Sign: %v", err)
		}
		cert.ParentID = parent.cert.ID
		cert.ParentSignature = base64.StdEncoding.EncodeToString(sig)
	}
	return &testIdentity{cert: cert, priv: priv}
}

func seedChain(t *testing.T) (*InMemoryStore, *testIdentity, *testIdentity, *testIdentity) {
	t.Helper()
	store := NewInMemoryStore()
	root := mintIdentity(t, "wa-root", RoleRoot, nil)
	system := mintIdentity(t, "wa-system", RoleAuthority, root)
	observer := mintIdentity(t, "wa-observer", RoleObserver, system)
	ctx := context.Background()
	for _, ident := range []*testIdentity{root, system, observer} {
		if err := store.Insert(ctx, ident.cert); err != nil {
			t.Fatalf("Insert %s: %v", ident.cert.ID, err)
		}
	}
	return store, root, system, observer
}

func TestSignPayloadDeterministic(t *testing.T) {
	a, err := SignPayload("wa-1", "pubkey", RoleAuthority)
	if err != nil {
		t.Fatalf("SignPayload: %v", err)
	}
	b, err := SignPayload("wa-1", "pubkey", RoleAuthority)
	if err != nil {
		t.Fatalf("SignPayload: %v", err)
	}
	if string(a) != string(b) {
		t.Fatal("payload encoding is not deterministic")
	}
	c, err := SignPayload("wa-1", "pubkey", RoleObserver)
	if err != nil {
		t.Fatalf("SignPayload: %v", err)
	}
	if string(a) == string(c) {
		t.Fatal("different roles encoded identically")
	}
}

func TestVerifyChainFreshCertificates(t *testing.T) {
	store, root, system, observer := seedChain(t)
	ctx := context.Background()
	for _, ident := range []*testIdentity{root, system, observer} {
		if err := VerifyChain(ctx, store, ident.cert); err != nil {
			t.Fatalf("VerifyChain(%s): %v", ident.cert.ID, err)
		}
	}
}

func TestVerifyChainDeactivatedAncestor(t *testing.T) {
	store, _, system, observer := seedChain(t)
	ctx := context.Background()

	if err := store.Deactivate(ctx, system.cert.ID, "compromised"); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	leaf, err := store.Get(ctx, observer.cert.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := VerifyChain(ctx, store, leaf); !errors.Is(err, ErrChainBroken) {
		t.Fatalf("expected ErrChainBroken with inactive ancestor, got %v", err)
	}
}

func TestVerifyChainForgedSignature(t *testing.T) {
	store, root, _, _ := seedChain(t)
	ctx := context.Background()

	// A certificate claiming the root as parent but signed by itself.
	forged := mintIdentity(t, "wa-forged", RoleAuthority, nil)
	payload, err := SignPayload(forged.cert.ID, forged.cert.PublicKey, forged.cert.Role)
	if err != nil {
		t.Fatalf("SignPayload: %v", err)
	}
	sig, err := crypto.Sign(forged.priv, payload)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	forged.cert.ParentID = root.cert.ID
	forged.cert.ParentSignature = base64.StdEncoding.EncodeToString(sig)
	if err := store.Insert(ctx, forged.cert); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if err := VerifyChain(ctx, store, forged.cert); !errors.Is(err, ErrChainBroken) {
		t.Fatalf("expected ErrChainBroken for forged signature, got %v", err)
	}
}

func TestVerifyChainMissingParentSignature(t *testing.T) {
	store, root, _, _ := seedChain(t)
	ctx := context.Background()

	orphan := mintIdentity(t, "wa-orphan", RoleAuthority, nil)
	orphan.cert.ParentID = root.cert.ID
	if err := store.Insert(ctx, orphan.cert); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := VerifyChain(ctx, store, orphan.cert); !errors.Is(err, ErrChainBroken) {
		t.Fatalf("expected ErrChainBroken, got %v", err)
	}
}

func TestVerifyChainInactiveRootDirect(t *testing.T) {
	store, root, _, _ := seedChain(t)
	ctx := context.Background()
	if err := store.Deactivate(ctx, root.cert.ID, "retired"); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	cert, err := store.Get(ctx, root.cert.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := VerifyChain(ctx, store, cert); !errors.Is(err, ErrChainBroken) {
		t.Fatalf("expected ErrChainBroken for inactive root, got %v", err)
	}
}
