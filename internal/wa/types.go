// Package wa defines the Wise Authority data model: certificates, roles,
// token kinds, the store contract every backend must uphold, and trust-chain
// validation.
package wa

import (
	"fmt"
	"strings"
	"time"
)

// Role is the closed set of certificate roles, totally ordered by privilege.
type Role string

const (
	RoleRoot      Role = "root"
	RoleAuthority Role = "authority"
	RoleObserver  Role = "observer"
)

// Privilege returns the role's rank; higher means more privileged.
func (r Role) Privilege() int {
	switch r {
	case RoleRoot:
		return 3
	case RoleAuthority:
		return 2
	case RoleObserver:
		return 1
	default:
		return 0
	}
}

// Valid reports whether r is one of the defined roles.
func (r Role) Valid() bool { return r.Privilege() > 0 }

// ParseRole maps a stored string onto a Role.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("%w: unknown role %q", ErrInvalidInput, s)
	}
	return r, nil
}

// TokenKind is the closed set of token kinds. Each kind is permanently bound
// to one signing algorithm; the binding lives in the token engine and is
// never taken from token input.
type TokenKind string

const (
	KindGateway   TokenKind = "gateway"
	KindAuthority TokenKind = "authority"
	KindChannel   TokenKind = "channel"
)

// Valid reports whether k is one of the defined kinds.
func (k TokenKind) Valid() bool {
	switch k {
	case KindGateway, KindAuthority, KindChannel:
		return true
	}
	return false
}

// SubjectType records how the principal behind a token proved control.
type SubjectType string

const (
	SubjectUser      SubjectType = "user"
	SubjectOAuth     SubjectType = "oauth"
	SubjectAnon      SubjectType = "anon"
	SubjectAuthority SubjectType = "authority"
)

// BindingKind identifies which authentication binding a certificate carries.
type BindingKind string

const (
	BindingNone     BindingKind = "none"
	BindingPassword BindingKind = "password"
	BindingExternal BindingKind = "external"
)

// AuthBinding is how a human or system proves control of an identity before
// a token is minted. Exactly one of the password hash or the external
// provider identity is set; both empty means the certificate has no
// interactive binding.
type AuthBinding struct {
	PasswordHash string
	Provider     string
	ExternalID   string
}

// Kind reports which binding is present.
func (b AuthBinding) Kind() BindingKind {
	switch {
	case b.PasswordHash != "":
		return BindingPassword
	case b.Provider != "" && b.ExternalID != "":
		return BindingExternal
	default:
		return BindingNone
	}
}

// SubjectType maps the binding onto the token subject type.
func (b AuthBinding) SubjectType() SubjectType {
	switch b.Kind() {
	case BindingPassword:
		return SubjectUser
	case BindingExternal:
		return SubjectOAuth
	default:
		return SubjectAnon
	}
}

// Certificate is the durable identity record binding a principal's public
// key, role and scopes. Rows are never deleted; revocation flips Active.
type Certificate struct {
	ID              string
	Name            string
	Role            Role
	PublicKey       string // base64url raw Ed25519 key
	KeyID           string // changes on every rotation
	ParentID        string // empty only for the root
	ParentSignature string // base64 Ed25519 signature over SignPayload
	Scopes          []string
	Binding         AuthBinding
	AdapterID       string
	AdapterMetadata map[string]string
	CreatedAt       time.Time
	LastAuthAt      time.Time
	Active          bool

	// Version increments on every Update, Rotate and Deactivate. The token
	// cache gates hits on it, which makes revocation and rotation take
	// effect on the very next verification.
	Version uint64
}

// HasScope reports whether the certificate grants the given scope.
func (c *Certificate) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Clone returns a deep copy, so stores can hand out rows without aliasing.
func (c *Certificate) Clone() *Certificate {
	if c == nil {
		return nil
	}
	out := *c
	out.Scopes = append([]string(nil), c.Scopes...)
	if c.AdapterMetadata != nil {
		out.AdapterMetadata = make(map[string]string, len(c.AdapterMetadata))
		for k, v := range c.AdapterMetadata {
			out.AdapterMetadata[k] = v
		}
	}
	return &out
}

// AuthorizationContext is derived from a successfully verified token. It is
// created per verification call, owned by the caller and never persisted.
type AuthorizationContext struct {
	PrincipalID string
	Role        Role
	Scopes      []string
	TokenKind   TokenKind
	SubjectType SubjectType
	ChannelID   string
	ExpiresAt   time.Time
}

// HasScope reports whether the verified token grants the given scope.
func (a AuthorizationContext) HasScope(scope string) bool {
	for _, s := range a.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// AuditRecord is an append-only note attached to a certificate lifecycle
// event, most importantly deactivation.
type AuditRecord struct {
	ID        string
	WAID      string
	Event     string
	Reason    string
	CreatedAt time.Time
}
