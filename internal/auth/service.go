// Package auth is the facade over the identity core: certificate
// lifecycle, token issuance and verification, password and external-binding
// authentication. Collaborating services depend on this package (via the
// public authority package) and never on the engine or stores directly.
package auth

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"aegis.dev/internal/audit"
	"aegis.dev/internal/crypto"
	"aegis.dev/internal/custody"
	"aegis.dev/internal/ids"
	"aegis.dev/internal/obs"
	"aegis.dev/internal/token"
	"aegis.dev/internal/trust"
	"aegis.dev/internal/wa"
)

const (
	defaultGatewayTTL   = 8 * time.Hour
	defaultAuthorityTTL = time.Hour
	defaultChannelTTL   = 12 * time.Hour

	// Failed password attempts refill at one per 12s, 5 burst.
	defaultRateInterval = 12 * time.Second
	defaultRateBurst    = 5
)

// AdapterObserverScopes are granted to observer certificates minted for
// communication adapters.
var AdapterObserverScopes = []string{"read:any", "write:message"}

// Service provides high level identity operations and token issuance.
type Service struct {
	store     wa.Store
	custodian *custody.Custodian
	engine    *token.Engine
	clock     func() time.Time

	gatewayTTL   time.Duration
	authorityTTL time.Duration
	channelTTL   time.Duration
	cacheSize    int
	rateEvery    time.Duration
	rateBurst    int

	mu       sync.Mutex
	system   *wa.Certificate
	limiters map[string]*rate.Limiter
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithClock injects a time source.
func WithClock(clock func() time.Time) ServiceOption {
	return func(s *Service) error {
		if clock == nil {
			return errors.New("auth: nil clock")
		}
		s.clock = clock
		return nil
	}
}

// WithGatewayTTL sets the default lifetime of gateway tokens.
func WithGatewayTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl <= 0 {
			return errors.New("auth: gateway ttl must be positive")
		}
		s.gatewayTTL = ttl
		return nil
	}
}

// WithAuthorityTTL sets the default lifetime of authority tokens.
func WithAuthorityTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl <= 0 {
			return errors.New("auth: authority ttl must be positive")
		}
		s.authorityTTL = ttl
		return nil
	}
}

// WithChannelTTL sets the default lifetime of channel tokens.
func WithChannelTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl <= 0 {
			return errors.New("auth: channel ttl must be positive")
		}
		s.channelTTL = ttl
		return nil
	}
}

// WithCacheSize bounds the token verification cache.
func WithCacheSize(n int) ServiceOption {
	return func(s *Service) error {
		if n <= 0 {
			return errors.New("auth: cache size must be positive")
		}
		s.cacheSize = n
		return nil
	}
}

// WithRateLimit tunes the per-principal password attempt limiter.
func WithRateLimit(every time.Duration, burst int) ServiceOption {
	return func(s *Service) error {
		if every <= 0 || burst <= 0 {
			return errors.New("auth: rate limit must be positive")
		}
		s.rateEvery = every
		s.rateBurst = burst
		return nil
	}
}

// NewService wires the facade over a certificate store and key custodian.
func NewService(store wa.Store, custodian *custody.Custodian, opts ...ServiceOption) (*Service, error) {
	if store == nil || custodian == nil {
		return nil, errors.New("auth: store and custodian are required")
	}
	s := &Service{
		store:        store,
		custodian:    custodian,
		clock:        time.Now,
		gatewayTTL:   defaultGatewayTTL,
		authorityTTL: defaultAuthorityTTL,
		channelTTL:   defaultChannelTTL,
		cacheSize:    token.DefaultCacheSize,
		rateEvery:    defaultRateInterval,
		rateBurst:    defaultRateBurst,
		limiters:     make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	cache, err := token.NewCache(s.cacheSize)
	if err != nil {
		return nil, err
	}
	engine, err := token.NewEngine(store, custodian, token.WithClock(s.clock), token.WithCache(cache))
	if err != nil {
		return nil, err
	}
	s.engine = engine
	return s, nil
}

// Bootstrap seeds the root of trust and the system authority, after which
// the service can mint child certificates.
func (s *Service) Bootstrap(ctx context.Context, seedPath string, opts ...trust.Option) error {
	opts = append([]trust.Option{trust.WithClock(s.clock)}, opts...)
	system, err := trust.New(s.store, s.custodian, seedPath, opts...).Run(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.system = system
	s.mu.Unlock()
	return nil
}

// SystemAuthority returns the certificate the service signs children with.
func (s *Service) SystemAuthority() (*wa.Certificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.system == nil {
		return nil, fmt.Errorf("%w: service not bootstrapped", wa.ErrChainBroken)
	}
	return s.system.Clone(), nil
}

// VerifyToken checks a token end to end and returns the full authorization
// context, with the specific error kind on failure.
func (s *Service) VerifyToken(ctx context.Context, tok string) (wa.AuthorizationContext, error) {
	ac, err := s.engine.Verify(ctx, tok)
	obs.ObserveVerification(verifyOutcome(err))
	return ac, err
}

// Authenticate is the boolean-shaped boundary: a context on success, nil on
// any failure. Callers that need the failure reason use VerifyToken.
func (s *Service) Authenticate(ctx context.Context, tok string) *wa.AuthorizationContext {
	ac, err := s.VerifyToken(ctx, tok)
	if err != nil {
		return nil
	}
	return &ac
}

// CreateWA mints a certificate as a child of the system authority. Root
// certificates are never minted here; they arrive through bootstrap only.
func (s *Service) CreateWA(ctx context.Context, name string, role wa.Role, scopes []string) (*wa.Certificate, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", wa.ErrInvalidInput)
	}
	if role != wa.RoleAuthority && role != wa.RoleObserver {
		return nil, fmt.Errorf("%w: cannot mint role %q", wa.ErrInvalidInput, role)
	}
	return s.mint(ctx, &wa.Certificate{
		Name:   name,
		Role:   role,
		Scopes: append([]string(nil), scopes...),
	})
}

func (s *Service) mint(ctx context.Context, template *wa.Certificate) (*wa.Certificate, error) {
	system, err := s.SystemAuthority()
	if err != nil {
		return nil, err
	}
	systemKey, err := s.custodian.LoadKey(system.KeyID)
	if err != nil {
		return nil, err
	}

	priv, pub, err := crypto.GenerateKeypair()
	if err != nil {
		return nil, err
	}
	now := s.clock().UTC()

	cert := template.Clone()
	cert.ID = ids.NewWAID(now)
	cert.PublicKey = crypto.EncodePublicKey(pub)
	cert.KeyID = ids.NewKeyID()
	cert.ParentID = system.ID
	cert.CreatedAt = now
	cert.Active = true

	sig, err := wa.SignPayloadWith(ed25519.PrivateKey(systemKey), cert.ID, cert.PublicKey, cert.Role)
	if err != nil {
		return nil, err
	}
	cert.ParentSignature = sig

	if err := s.custodian.StoreKey(cert.KeyID, priv); err != nil {
		return nil, err
	}
	if err := s.store.Insert(ctx, cert); err != nil {
		_ = s.custodian.DeleteKey(cert.KeyID)
		return nil, err
	}

	_ = audit.LogEvent(ctx, "wa_mint", map[string]any{
		"wa_id": cert.ID, "role": string(cert.Role), "name": cert.Name,
	})
	return cert, nil
}

// GetWA returns a certificate by id.
func (s *Service) GetWA(ctx context.Context, id string) (*wa.Certificate, error) {
	cert, err := s.store.Get(ctx, id)
	if errors.Is(err, wa.ErrNotFound) {
		return nil, wa.ErrUnknownIdentity
	}
	return cert, err
}

// ListWAs returns certificates ordered by creation time.
func (s *Service) ListWAs(ctx context.Context, activeOnly bool) ([]*wa.Certificate, error) {
	certs, err := s.store.List(ctx, activeOnly)
	if err != nil {
		return nil, err
	}
	active := 0
	for _, c := range certs {
		if c.Active {
			active++
		}
	}
	obs.SetActiveCertificates(active)
	return certs, nil
}

// RevokeWA deactivates a certificate. Outstanding tokens fail on the next
// verification.
func (s *Service) RevokeWA(ctx context.Context, id, reason string) error {
	if err := s.engine.Revoke(ctx, id, reason); err != nil {
		return err
	}
	_ = audit.LogEvent(ctx, "wa_revoked", map[string]any{"wa_id": id, "reason": reason})
	return nil
}

// RotateKeys replaces a certificate's keypair and key id.
func (s *Service) RotateKeys(ctx context.Context, id string) (*wa.Certificate, error) {
	cert, err := s.engine.Rotate(ctx, id)
	if err != nil {
		return nil, err
	}
	_ = audit.LogEvent(ctx, "wa_keys_rotated", map[string]any{"wa_id": id, "kid": cert.KeyID})
	s.refreshSystem(cert)
	return cert, nil
}

// refreshSystem keeps the cached system authority current across rotations.
func (s *Service) refreshSystem(cert *wa.Certificate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.system != nil && s.system.ID == cert.ID {
		s.system = cert.Clone()
	}
}

// CreateToken mints a token of the given kind. ttl <= 0 selects the
// configured default for the kind.
func (s *Service) CreateToken(ctx context.Context, id string, kind wa.TokenKind, ttl time.Duration) (token.Issued, error) {
	if ttl <= 0 {
		ttl = s.defaultTTL(kind)
	}
	return s.engine.Issue(ctx, id, kind, ttl)
}

// CreateChannelToken mints a channel token bound to channelID.
func (s *Service) CreateChannelToken(ctx context.Context, id, channelID string, ttl time.Duration) (token.Issued, error) {
	if ttl <= 0 {
		ttl = s.channelTTL
	}
	return s.engine.IssueChannel(ctx, id, channelID, ttl)
}

// AuthenticatePassword checks a password binding and mints a gateway token.
// Attempts are rate limited per principal; credential failures are
// deliberately indistinguishable from unknown identities.
func (s *Service) AuthenticatePassword(ctx context.Context, id, password string) (token.Issued, error) {
	if !s.limiter(id).Allow() {
		obs.ObserveAuthAttempt("password", false)
		return token.Issued{}, wa.ErrRateLimited
	}

	cert, err := s.store.Get(ctx, id)
	if err != nil || !cert.Active || cert.Binding.Kind() != wa.BindingPassword ||
		!crypto.VerifyPassword(password, cert.Binding.PasswordHash) {
		obs.ObserveAuthAttempt("password", false)
		return token.Issued{}, wa.ErrUnknownIdentity
	}

	issued, err := s.engine.Issue(ctx, id, wa.KindGateway, s.gatewayTTL)
	if err != nil {
		obs.ObserveAuthAttempt("password", false)
		return token.Issued{}, err
	}
	obs.ObserveAuthAttempt("password", true)
	return issued, nil
}

// ConsumeExternalAssertion mints a gateway token for the identity linked to
// an already-verified external provider assertion. The provider exchange
// itself happens upstream.
func (s *Service) ConsumeExternalAssertion(ctx context.Context, provider, externalID string) (token.Issued, error) {
	cert, err := s.store.GetByExternal(ctx, provider, externalID)
	if err != nil {
		obs.ObserveAuthAttempt("external", false)
		if errors.Is(err, wa.ErrNotFound) {
			return token.Issued{}, wa.ErrUnknownIdentity
		}
		return token.Issued{}, err
	}

	issued, err := s.engine.Issue(ctx, cert.ID, wa.KindGateway, s.gatewayTTL)
	if err != nil {
		obs.ObserveAuthAttempt("external", false)
		return token.Issued{}, err
	}
	obs.ObserveAuthAttempt("external", true)
	return issued, nil
}

// EnsureAdapterObserver returns the observer certificate for an adapter,
// minting it on first use. Racing callers converge on one certificate.
func (s *Service) EnsureAdapterObserver(ctx context.Context, adapterID, name string) (*wa.Certificate, error) {
	if strings.TrimSpace(adapterID) == "" {
		return nil, fmt.Errorf("%w: adapter id is required", wa.ErrInvalidInput)
	}
	cert, err := s.store.GetByAdapter(ctx, adapterID)
	if err == nil {
		return cert, nil
	}
	if !errors.Is(err, wa.ErrNotFound) {
		return nil, err
	}

	if name == "" {
		name = "adapter " + adapterID
	}
	cert, err = s.mint(ctx, &wa.Certificate{
		Name:      name,
		Role:      wa.RoleObserver,
		Scopes:    append([]string(nil), AdapterObserverScopes...),
		AdapterID: adapterID,
	})
	if errors.Is(err, wa.ErrConflict) {
		return s.store.GetByAdapter(ctx, adapterID)
	}
	return cert, err
}

// SetPassword installs or replaces a certificate's password binding. Any
// external link is dropped; a certificate authenticates through exactly one
// binding at a time.
func (s *Service) SetPassword(ctx context.Context, id, password string) error {
	if len(password) < 8 {
		return fmt.Errorf("%w: password too short", wa.ErrInvalidInput)
	}
	cert, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	hash, err := crypto.HashPassword(password)
	if err != nil {
		return err
	}
	next := cert.Clone()
	next.Binding = wa.AuthBinding{PasswordHash: hash}
	return s.store.Update(ctx, next)
}

// LinkExternal binds a certificate to an external provider identity,
// replacing any password binding.
func (s *Service) LinkExternal(ctx context.Context, id, provider, externalID string) error {
	if provider == "" || externalID == "" {
		return fmt.Errorf("%w: provider and external id are required", wa.ErrInvalidInput)
	}
	cert, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	next := cert.Clone()
	next.Binding = wa.AuthBinding{Provider: provider, ExternalID: externalID}
	return s.store.Update(ctx, next)
}

func (s *Service) defaultTTL(kind wa.TokenKind) time.Duration {
	switch kind {
	case wa.KindGateway:
		return s.gatewayTTL
	case wa.KindChannel:
		return s.channelTTL
	default:
		return s.authorityTTL
	}
}

func (s *Service) limiter(id string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[id]
	if !ok {
		l = rate.NewLimiter(rate.Every(s.rateEvery), s.rateBurst)
		s.limiters[id] = l
	}
	return l
}

func verifyOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, wa.ErrExpired):
		return "expired"
	case errors.Is(err, wa.ErrRevoked):
		return "revoked"
	case errors.Is(err, wa.ErrAlgorithmMismatch):
		return "algorithm_mismatch"
	case errors.Is(err, wa.ErrUnknownIdentity):
		return "unknown"
	case errors.Is(err, wa.ErrBadSignature):
		return "bad_signature"
	case errors.Is(err, wa.ErrMalformedToken):
		return "malformed"
	default:
		return "error"
	}
}
