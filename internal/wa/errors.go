package wa

import (
	"errors"

	"aegis.dev/internal/crypto"
)

var (
	ErrNotFound          = errors.New("wa: not found")
	ErrConflict          = errors.New("wa: conflict")
	ErrInvalidInput      = errors.New("wa: invalid input")
	ErrUnknownIdentity   = errors.New("wa: unknown identity")
	ErrRevoked           = errors.New("wa: certificate revoked")
	ErrExpired           = errors.New("wa: token expired")
	ErrAlgorithmMismatch = errors.New("wa: token algorithm mismatch")
	ErrMalformedToken    = errors.New("wa: malformed token")
	ErrBadSignature      = errors.New("wa: signature verification failed")
	ErrChainBroken       = errors.New("wa: trust chain broken")
	ErrRateLimited       = errors.New("wa: too many attempts")

	// ErrCryptoFailure is the sentinel the crypto layer fails closed with;
	// re-exported so callers match on one taxonomy.
	ErrCryptoFailure = crypto.ErrCryptoFailure
)
