// Package authority is the public surface of the identity core. It
// re-exports the facade service and the data model so that embedding
// runtimes depend on one import path.
package authority

import (
	"aegis.dev/internal/auth"
	"aegis.dev/internal/custody"
	"aegis.dev/internal/token"
	"aegis.dev/internal/trust"
	"aegis.dev/internal/wa"
)

// Service is the authentication facade.
type Service = auth.Service

// Option configures the facade.
type Option = auth.ServiceOption

// Facade options.
var (
	WithClock        = auth.WithClock
	WithGatewayTTL   = auth.WithGatewayTTL
	WithAuthorityTTL = auth.WithAuthorityTTL
	WithChannelTTL   = auth.WithChannelTTL
	WithCacheSize    = auth.WithCacheSize
	WithRateLimit    = auth.WithRateLimit
)

// NewService wires the facade over a certificate store and key custodian.
var NewService = auth.NewService

// Data model.
type (
	Certificate          = wa.Certificate
	AuthorizationContext = wa.AuthorizationContext
	AuditRecord          = wa.AuditRecord
	Role                 = wa.Role
	TokenKind            = wa.TokenKind
	SubjectType          = wa.SubjectType
	Store                = wa.Store
	Issued               = token.Issued
	Custodian            = custody.Custodian
	Seed                 = trust.Seed
)

// Roles and token kinds.
const (
	RoleRoot      = wa.RoleRoot
	RoleAuthority = wa.RoleAuthority
	RoleObserver  = wa.RoleObserver

	KindGateway   = wa.KindGateway
	KindAuthority = wa.KindAuthority
	KindChannel   = wa.KindChannel
)

// Error taxonomy. Check with errors.Is.
var (
	ErrNotFound          = wa.ErrNotFound
	ErrConflict          = wa.ErrConflict
	ErrInvalidInput      = wa.ErrInvalidInput
	ErrUnknownIdentity   = wa.ErrUnknownIdentity
	ErrRevoked           = wa.ErrRevoked
	ErrExpired           = wa.ErrExpired
	ErrAlgorithmMismatch = wa.ErrAlgorithmMismatch
	ErrMalformedToken    = wa.ErrMalformedToken
	ErrBadSignature      = wa.ErrBadSignature
	ErrCryptoFailure     = wa.ErrCryptoFailure
	ErrChainBroken       = wa.ErrChainBroken
	ErrRateLimited       = wa.ErrRateLimited

	ErrRootKeyUnavailable = trust.ErrRootKeyUnavailable
)

// NewCustodian creates the key custodian rooted at dir. A nil source uses
// the machine id.
func NewCustodian(dir string, source custody.SecretSource) (*custody.Custodian, error) {
	return custody.New(dir, source)
}

// NewInMemoryStore returns the non-durable store used in tests and
// ephemeral deployments.
func NewInMemoryStore() *wa.InMemoryStore {
	return wa.NewInMemoryStore()
}

// VerifyChain validates a certificate's trust chain up to the root.
var VerifyChain = wa.VerifyChain
