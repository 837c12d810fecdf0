// Package token mints and verifies the three token kinds. Each kind is
// permanently pinned to one signing algorithm; the pinning lives in a
// private table here and is never influenced by token input, which closes
// the algorithm-confusion class of attacks.
package token

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"aegis.dev/internal/crypto"
	"aegis.dev/internal/custody"
	"aegis.dev/internal/ids"
	"aegis.dev/internal/obs"
	"aegis.dev/internal/wa"
)

// kindMethods is the only place a token kind resolves to an algorithm.
var kindMethods = map[wa.TokenKind]jwt.SigningMethod{
	wa.KindGateway:   jwt.SigningMethodHS256,
	wa.KindAuthority: jwt.SigningMethodEdDSA,
	wa.KindChannel:   jwt.SigningMethodEdDSA,
}

// Claims is the JWT payload for every token kind.
type Claims struct {
	jwt.RegisteredClaims
	Role           string   `json:"role"`
	Scopes         []string `json:"scope,omitempty"`
	Kind           string   `json:"kind"`
	SubType        string   `json:"sub_type"`
	GatewayVersion uint64   `json:"gsv,omitempty"`
}

// Issued describes a freshly minted token.
type Issued struct {
	Token     string
	KeyID     string
	ExpiresAt time.Time
}

// Engine issues, verifies, rotates and revokes tokens against the
// certificate store and the key custodian.
type Engine struct {
	store     wa.Store
	custodian *custody.Custodian
	cache     *Cache
	clock     func() time.Time
	inflight  singleflight.Group
}

// EngineOption customizes an Engine.
type EngineOption func(*Engine)

// WithClock injects a time source. Tests use it to cross expiry boundaries.
func WithClock(clock func() time.Time) EngineOption {
	return func(e *Engine) { e.clock = clock }
}

// WithCache replaces the default verification cache.
func WithCache(c *Cache) EngineOption {
	return func(e *Engine) { e.cache = c }
}

// NewEngine wires an Engine. A nil cache option gets a default-sized one.
func NewEngine(store wa.Store, custodian *custody.Custodian, opts ...EngineOption) (*Engine, error) {
	e := &Engine{
		store:     store,
		custodian: custodian,
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.cache == nil {
		cache, err := NewCache(DefaultCacheSize)
		if err != nil {
			return nil, err
		}
		e.cache = cache
	}
	return e, nil
}

// Issue mints a token of the given kind for the principal. Channel tokens
// take their audience from the certificate's adapter binding; use
// IssueChannel to name an explicit channel.
func (e *Engine) Issue(ctx context.Context, principalID string, kind wa.TokenKind, ttl time.Duration) (Issued, error) {
	return e.issue(ctx, principalID, kind, "", ttl)
}

// IssueChannel mints a channel token whose audience is channelID.
func (e *Engine) IssueChannel(ctx context.Context, principalID, channelID string, ttl time.Duration) (Issued, error) {
	if channelID == "" {
		return Issued{}, fmt.Errorf("%w: channel id is required", wa.ErrInvalidInput)
	}
	return e.issue(ctx, principalID, wa.KindChannel, channelID, ttl)
}

func (e *Engine) issue(ctx context.Context, principalID string, kind wa.TokenKind, channelID string, ttl time.Duration) (Issued, error) {
	method, ok := kindMethods[kind]
	if !ok {
		return Issued{}, fmt.Errorf("%w: unknown token kind %q", wa.ErrInvalidInput, kind)
	}
	if ttl <= 0 {
		return Issued{}, fmt.Errorf("%w: non-positive ttl", wa.ErrInvalidInput)
	}

	cert, err := e.store.Get(ctx, principalID)
	if errors.Is(err, wa.ErrNotFound) {
		return Issued{}, wa.ErrUnknownIdentity
	}
	if err != nil {
		return Issued{}, err
	}
	if !cert.Active {
		return Issued{}, wa.ErrRevoked
	}

	if kind == wa.KindChannel && channelID == "" {
		if cert.AdapterID == "" {
			return Issued{}, fmt.Errorf("%w: channel token needs an adapter binding", wa.ErrInvalidInput)
		}
		channelID = cert.AdapterID
	}

	now := e.clock().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   cert.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
		Role:    string(cert.Role),
		Scopes:  append([]string(nil), cert.Scopes...),
		Kind:    string(kind),
		SubType: string(cert.Binding.SubjectType()),
	}
	if kind == wa.KindChannel {
		claims.Audience = jwt.ClaimStrings{channelID}
	}
	if kind == wa.KindAuthority {
		claims.SubType = string(wa.SubjectAuthority)
	}

	var key any
	switch kind {
	case wa.KindGateway:
		secret, err := e.custodian.Gateway()
		if err != nil {
			return Issued{}, err
		}
		claims.GatewayVersion = secret.Version
		key = secret.Key
	default:
		priv, err := e.custodian.LoadKey(cert.KeyID)
		if err != nil {
			return Issued{}, err
		}
		key = ed25519.PrivateKey(priv)
	}

	tok := jwt.NewWithClaims(method, claims)
	tok.Header["kid"] = cert.KeyID
	signed, err := tok.SignedString(key)
	if err != nil {
		return Issued{}, fmt.Errorf("token: sign: %w", err)
	}

	obs.ObserveIssued(string(kind))
	return Issued{Token: signed, KeyID: cert.KeyID, ExpiresAt: now.Add(ttl)}, nil
}

// Verify checks a token end to end and returns its authorization context.
// The pinned algorithm for the token's kind is compared against the header
// before any cryptographic work happens.
func (e *Engine) Verify(ctx context.Context, token string) (wa.AuthorizationContext, error) {
	if token == "" {
		return wa.AuthorizationContext{}, wa.ErrMalformedToken
	}

	parser := jwt.NewParser()
	var unverified Claims
	parsed, _, err := parser.ParseUnverified(token, &unverified)
	if err != nil {
		return wa.AuthorizationContext{}, wa.ErrMalformedToken
	}

	kind := wa.TokenKind(unverified.Kind)
	method, ok := kindMethods[kind]
	if !ok {
		return wa.AuthorizationContext{}, fmt.Errorf("%w: missing or unknown kind", wa.ErrMalformedToken)
	}
	if alg, _ := parsed.Header["alg"].(string); alg != method.Alg() {
		return wa.AuthorizationContext{}, wa.ErrAlgorithmMismatch
	}
	kid, _ := parsed.Header["kid"].(string)
	if kid == "" {
		return wa.AuthorizationContext{}, fmt.Errorf("%w: missing kid", wa.ErrMalformedToken)
	}

	cert, err := e.store.GetByKeyID(ctx, kid)
	if errors.Is(err, wa.ErrNotFound) {
		return wa.AuthorizationContext{}, wa.ErrUnknownIdentity
	}
	if err != nil {
		return wa.AuthorizationContext{}, err
	}
	if !cert.Active {
		return wa.AuthorizationContext{}, wa.ErrRevoked
	}

	if ac, hit := e.cache.Get(token, cert.Version); hit {
		if !e.clock().Before(ac.ExpiresAt) {
			e.cache.Remove(token)
			obs.ObserveCacheLookup(false)
			return wa.AuthorizationContext{}, wa.ErrExpired
		}
		obs.ObserveCacheLookup(true)
		return ac, nil
	}
	obs.ObserveCacheLookup(false)

	out, err, _ := e.inflight.Do(cacheKey(token), func() (any, error) {
		return e.verifySlow(ctx, token, kind, method, cert)
	})
	if err != nil {
		return wa.AuthorizationContext{}, err
	}
	return out.(wa.AuthorizationContext), nil
}

func (e *Engine) verifySlow(ctx context.Context, token string, kind wa.TokenKind, method jwt.SigningMethod, cert *wa.Certificate) (wa.AuthorizationContext, error) {
	keyfunc := func(t *jwt.Token) (any, error) {
		switch kind {
		case wa.KindGateway:
			secret, err := e.custodian.Gateway()
			if err != nil {
				return nil, err
			}
			return secret.Key, nil
		default:
			pub, err := crypto.DecodePublicKey(cert.PublicKey)
			if err != nil {
				return nil, err
			}
			return pub, nil
		}
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, keyfunc,
		jwt.WithValidMethods([]string{method.Alg()}),
		jwt.WithTimeFunc(e.clock),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return wa.AuthorizationContext{}, mapJWTError(err)
	}
	if claims.Subject != cert.ID {
		return wa.AuthorizationContext{}, fmt.Errorf("%w: subject does not match key", wa.ErrMalformedToken)
	}

	var channelID string
	if kind == wa.KindChannel {
		if len(claims.Audience) == 0 || claims.Audience[0] == "" {
			return wa.AuthorizationContext{}, fmt.Errorf("%w: channel token without audience", wa.ErrMalformedToken)
		}
		channelID = claims.Audience[0]
	}

	ac := wa.AuthorizationContext{
		PrincipalID: cert.ID,
		Role:        cert.Role,
		Scopes:      append([]string(nil), claims.Scopes...),
		TokenKind:   kind,
		SubjectType: wa.SubjectType(claims.SubType),
		ChannelID:   channelID,
		ExpiresAt:   claims.ExpiresAt.Time,
	}
	e.cache.Put(token, ac, cert.Version)

	go func(id string, at time.Time) {
		touchCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.store.TouchLastAuth(touchCtx, id, at); err != nil {
			obs.LogEvent(map[string]any{
				"level": "warn", "event": "touch_last_auth_failed",
				"wa_id": id, "error": err.Error(),
			})
		}
	}(cert.ID, e.clock().UTC())

	return ac, nil
}

// Rotate replaces the certificate's keypair and key id. The new private key
// is custody-encrypted before the store update lands; the old key file is
// removed afterwards, so outstanding tokens signed under the old kid stop
// resolving. When the parent's private key is held in custody the parent
// signature is re-issued over the new public key.
func (e *Engine) Rotate(ctx context.Context, id string) (*wa.Certificate, error) {
	cert, err := e.store.Get(ctx, id)
	if errors.Is(err, wa.ErrNotFound) {
		return nil, wa.ErrUnknownIdentity
	}
	if err != nil {
		return nil, err
	}
	if !cert.Active {
		return nil, wa.ErrRevoked
	}

	priv, pub, err := crypto.GenerateKeypair()
	if err != nil {
		return nil, err
	}
	oldKid := cert.KeyID

	next := cert.Clone()
	next.PublicKey = crypto.EncodePublicKey(pub)
	next.KeyID = ids.NewKeyID()

	if next.ParentID != "" {
		if parent, err := e.store.Get(ctx, next.ParentID); err == nil {
			if parentPriv, err := e.custodian.LoadKey(parent.KeyID); err == nil {
				sig, err := wa.SignPayloadWith(ed25519.PrivateKey(parentPriv), next.ID, next.PublicKey, next.Role)
				if err != nil {
					return nil, err
				}
				next.ParentSignature = sig
			}
		}
	}

	if err := e.custodian.StoreKey(next.KeyID, priv); err != nil {
		return nil, err
	}
	if err := e.store.Update(ctx, next); err != nil {
		_ = e.custodian.DeleteKey(next.KeyID)
		return nil, err
	}
	if err := e.custodian.DeleteKey(oldKid); err != nil {
		obs.LogEvent(map[string]any{
			"level": "warn", "event": "stale_key_delete_failed",
			"kid": oldKid, "error": err.Error(),
		})
	}

	return e.store.Get(ctx, id)
}

// Revoke deactivates the certificate with an audit reason. Outstanding
// tokens fail on the next verification through the version gate.
func (e *Engine) Revoke(ctx context.Context, id, reason string) error {
	err := e.store.Deactivate(ctx, id, reason)
	if errors.Is(err, wa.ErrNotFound) {
		return wa.ErrUnknownIdentity
	}
	return err
}

// Cache exposes the verification cache for callers that invalidate on
// lifecycle events.
func (e *Engine) Cache() *Cache { return e.cache }

func mapJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return wa.ErrExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return wa.ErrBadSignature
	case errors.Is(err, jwt.ErrTokenNotValidYet), errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return wa.ErrExpired
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return fmt.Errorf("%w: missing exp", wa.ErrMalformedToken)
	case errors.Is(err, jwt.ErrTokenMalformed):
		return wa.ErrMalformedToken
	default:
		return fmt.Errorf("%w: %v", wa.ErrBadSignature, err)
	}
}
