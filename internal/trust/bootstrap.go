// Package trust seeds the certificate store with the root of trust and the
// system authority on startup. Run is idempotent and safe to race: store
// uniqueness constraints pick a single winner and every other runner treats
// the conflict as success.
package trust

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"aegis.dev/internal/audit"
	"aegis.dev/internal/crypto"
	"aegis.dev/internal/custody"
	"aegis.dev/internal/ids"
	"aegis.dev/internal/wa"
)

// SystemAuthorityName marks the certificate the service itself signs child
// certificates with.
const SystemAuthorityName = "System Authority"

// ErrRootKeyUnavailable means a parent signature was required but no root
// signer is configured. Bootstrap fails closed rather than minting an
// unvouched authority.
var ErrRootKeyUnavailable = errors.New("trust: root signing key unavailable")

// Signer produces a parent signature over a canonical certificate payload.
type Signer func(ctx context.Context, payload []byte) ([]byte, error)

// Seed is the externally generated root certificate artifact. The private
// half never touches this service unless a root key file is configured.
type Seed struct {
	ID        string    `json:"wa_id"`
	Name      string    `json:"name"`
	PublicKey string    `json:"pubkey"`
	Scopes    []string  `json:"scopes"`
	CreatedAt time.Time `json:"created"`
}

// Bootstrapper installs the root seed and ensures the system authority.
type Bootstrapper struct {
	store     wa.Store
	custodian *custody.Custodian
	seedPath  string
	signer    Signer
	clock     func() time.Time
}

// Option customizes a Bootstrapper.
type Option func(*Bootstrapper)

// WithRootKeyFile installs a signer backed by a local file holding the
// base64 root private key. Deployments that keep the root key offline use
// WithSigner instead.
func WithRootKeyFile(path string) Option {
	return func(b *Bootstrapper) {
		b.signer = func(_ context.Context, payload []byte) ([]byte, error) {
			raw, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrRootKeyUnavailable, err)
			}
			key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(raw)))
			if err != nil || len(key) != ed25519.PrivateKeySize {
				return nil, fmt.Errorf("%w: malformed key file", ErrRootKeyUnavailable)
			}
			return crypto.Sign(ed25519.PrivateKey(key), payload)
		}
	}
}

// WithSigner installs an external signer, for deployments where the root
// key lives in an HSM or another process.
func WithSigner(s Signer) Option {
	return func(b *Bootstrapper) { b.signer = s }
}

// WithClock injects a time source.
func WithClock(clock func() time.Time) Option {
	return func(b *Bootstrapper) { b.clock = clock }
}

// New wires a Bootstrapper reading the root seed from seedPath.
func New(store wa.Store, custodian *custody.Custodian, seedPath string, opts ...Option) *Bootstrapper {
	b := &Bootstrapper{
		store:     store,
		custodian: custodian,
		seedPath:  seedPath,
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Run seeds the root certificate and ensures the system authority exists,
// returning the active system authority. Losing a race to another runner is
// success: the winner's certificates are used.
func (b *Bootstrapper) Run(ctx context.Context) (*wa.Certificate, error) {
	root, err := b.ensureRoot(ctx)
	if err != nil {
		return nil, err
	}
	return b.ensureSystemAuthority(ctx, root)
}

func (b *Bootstrapper) ensureRoot(ctx context.Context) (*wa.Certificate, error) {
	seed, err := b.loadSeed()
	if err != nil {
		return nil, err
	}

	cert := &wa.Certificate{
		ID:        seed.ID,
		Name:      seed.Name,
		Role:      wa.RoleRoot,
		PublicKey: seed.PublicKey,
		KeyID:     ids.NewKeyID(),
		Scopes:    append([]string(nil), seed.Scopes...),
		CreatedAt: seed.CreatedAt.UTC(),
		Active:    true,
	}
	if cert.CreatedAt.IsZero() {
		cert.CreatedAt = b.clock().UTC()
	}

	err = b.store.Insert(ctx, cert)
	switch {
	case err == nil:
		_ = audit.LogEvent(ctx, "bootstrap_root_seeded", map[string]any{"wa_id": cert.ID})
		return cert, nil
	case errors.Is(err, wa.ErrConflict):
		_ = audit.LogEvent(ctx, "bootstrap_root_exists", map[string]any{"wa_id": cert.ID})
		return b.activeRoot(ctx)
	default:
		return nil, fmt.Errorf("trust: seed root: %w", err)
	}
}

func (b *Bootstrapper) ensureSystemAuthority(ctx context.Context, root *wa.Certificate) (*wa.Certificate, error) {
	id := systemAuthorityID(root.ID)

	existing, err := b.store.Get(ctx, id)
	if err == nil {
		if !existing.Active {
			return nil, fmt.Errorf("trust: system authority %s is revoked", id)
		}
		return existing, nil
	}
	if !errors.Is(err, wa.ErrNotFound) {
		return nil, err
	}

	if b.signer == nil {
		return nil, ErrRootKeyUnavailable
	}

	priv, pub, err := crypto.GenerateKeypair()
	if err != nil {
		return nil, err
	}
	cert := &wa.Certificate{
		ID:        id,
		Name:      SystemAuthorityName,
		Role:      wa.RoleAuthority,
		PublicKey: crypto.EncodePublicKey(pub),
		KeyID:     ids.NewKeyID(),
		ParentID:  root.ID,
		Scopes:    []string{"*"},
		CreatedAt: b.clock().UTC(),
		Active:    true,
	}

	payload, err := wa.SignPayload(cert.ID, cert.PublicKey, cert.Role)
	if err != nil {
		return nil, err
	}
	sig, err := b.signer(ctx, payload)
	if err != nil {
		if errors.Is(err, ErrRootKeyUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrRootKeyUnavailable, err)
	}
	cert.ParentSignature = base64.StdEncoding.EncodeToString(sig)

	if err := b.custodian.StoreKey(cert.KeyID, priv); err != nil {
		return nil, err
	}
	err = b.store.Insert(ctx, cert)
	switch {
	case err == nil:
		_ = audit.LogEvent(ctx, "bootstrap_authority_minted", map[string]any{"wa_id": cert.ID})
		return cert, nil
	case errors.Is(err, wa.ErrConflict):
		// Another runner minted it first; drop our stray key material.
		_ = b.custodian.DeleteKey(cert.KeyID)
		_ = audit.LogEvent(ctx, "bootstrap_authority_exists", map[string]any{"wa_id": cert.ID})
		winner, err := b.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return winner, nil
	default:
		_ = b.custodian.DeleteKey(cert.KeyID)
		return nil, fmt.Errorf("trust: mint system authority: %w", err)
	}
}

func (b *Bootstrapper) loadSeed() (*Seed, error) {
	raw, err := os.ReadFile(b.seedPath)
	if err != nil {
		return nil, fmt.Errorf("trust: read seed: %w", err)
	}
	var seed Seed
	if err := json.Unmarshal(raw, &seed); err != nil {
		return nil, fmt.Errorf("trust: decode seed: %w", err)
	}
	if seed.ID == "" || seed.PublicKey == "" {
		return nil, fmt.Errorf("%w: seed missing id or public key", wa.ErrInvalidInput)
	}
	if _, err := crypto.DecodePublicKey(seed.PublicKey); err != nil {
		return nil, fmt.Errorf("%w: seed public key: %v", wa.ErrInvalidInput, err)
	}
	if seed.Name == "" {
		seed.Name = "root"
	}
	return &seed, nil
}

func (b *Bootstrapper) activeRoot(ctx context.Context) (*wa.Certificate, error) {
	certs, err := b.store.List(ctx, true)
	if err != nil {
		return nil, err
	}
	for _, c := range certs {
		if c.Role == wa.RoleRoot {
			return c, nil
		}
	}
	return nil, fmt.Errorf("%w: no active root", wa.ErrChainBroken)
}

// systemAuthorityID derives a deterministic id from the root's, so racing
// bootstrappers collide on insert and exactly one wins.
func systemAuthorityID(rootID string) string {
	if i := strings.LastIndex(rootID, "-"); i > 0 {
		return rootID[:i] + "-SYS000"
	}
	return rootID + "-SYS000"
}
