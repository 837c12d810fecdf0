package wa

import (
	"context"
	"time"
)

// Store is the persistence contract for certificates. Implementations must
// enforce, atomically at write time: unique ID, unique KeyID, and at most
// one active root certificate. Violations surface as ErrConflict so that
// concurrent bootstrap collapses to a single effective execution.
type Store interface {
	// Insert stores a new certificate. ErrConflict on duplicate ID or KeyID,
	// or when inserting an active root while one already exists.
	Insert(ctx context.Context, cert *Certificate) error

	// Get returns the certificate by ID, active or not. ErrNotFound if absent.
	Get(ctx context.Context, id string) (*Certificate, error)

	// GetByKeyID returns the certificate currently holding the key id,
	// active or not, so callers can distinguish revoked from unknown.
	GetByKeyID(ctx context.Context, keyID string) (*Certificate, error)

	// GetByAdapter returns the active certificate bound to an adapter.
	GetByAdapter(ctx context.Context, adapterID string) (*Certificate, error)

	// GetByExternal returns the active certificate linked to an external
	// provider identity.
	GetByExternal(ctx context.Context, provider, externalID string) (*Certificate, error)

	// List returns certificates ordered by creation time.
	List(ctx context.Context, activeOnly bool) ([]*Certificate, error)

	// Update replaces the stored record and bumps Version. ID and Role are
	// immutable; attempts to change them fail with ErrInvalidInput.
	Update(ctx context.Context, cert *Certificate) error

	// Deactivate flips Active to false, bumps Version and appends an audit
	// record in the same transaction. The row is never deleted.
	Deactivate(ctx context.Context, id, reason string) error

	// ParentChain walks parent links from id up to the root, inclusive of
	// both endpoints, ordered child first.
	ParentChain(ctx context.Context, id string) ([]*Certificate, error)

	// TouchLastAuth records a successful authentication. Bookkeeping only:
	// it must not bump Version, so cached verifications stay valid.
	TouchLastAuth(ctx context.Context, id string, at time.Time) error

	// AuditTrail returns audit records for a certificate, oldest first.
	AuditTrail(ctx context.Context, id string) ([]AuditRecord, error)
}
