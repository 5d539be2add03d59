// Package ids generates the opaque identifiers the engine hands out:
// unguessable 128-bit run ids and the shorter random tokens used for
// leases and finalize claims.
package ids

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// NewRunID returns a fresh 128-bit random identifier, hex-encoded.
// Unguessability is what makes the stealth-404 tenant-mismatch policy
// safe: an attacker cannot enumerate run ids.
func NewRunID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand.Read on the standard reader only fails if the OS
		// entropy source is broken; there is no sane fallback.
		panic(fmt.Sprintf("ids: crypto/rand unavailable: %v", err))
	}
	return hex.EncodeToString(b[:])
}

// NewToken returns a fresh random token suitable for lease_token or
// finalize_token: unpredictable, and distinct on every call so two
// concurrent claimants can never collide.
func NewToken() string {
	return uuid.NewString()
}
