package ids

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	mathrand "math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// New returns a lexicographically sortable identifier suitable for storage keys.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// NewWAID generates a Wise Authority identifier: a date stamp for human
// traceability plus a random suffix for uniqueness, e.g. wa-2025-08-29-A3F2B1.
func NewWAID(at time.Time) string {
	return fmt.Sprintf("wa-%s-%s", at.UTC().Format("2006-01-02"), strings.ToUpper(randomHex(3)))
}

// NewKeyID generates a signing-key identifier. A fresh one is assigned on
// every rotation, so stale tokens stop resolving.
func NewKeyID() string {
	return "wa-jwt-" + randomHex(3)
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failing is unrecoverable for id generation
		panic(fmt.Sprintf("ids: random source: %v", err))
	}
	return hex.EncodeToString(b)
}
