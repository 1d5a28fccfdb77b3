// Package service implements component G: the create/open lifecycle state
// machine a Service moves through (NotExist → StaticOnly → Ready →
// Removed), ServiceId derivation, and AttributeVerifier checks.
//
// Name validation is grounded on src/channels.go's regex-validated bounded
// channel-name patterns, generalized from that file's three hardcoded
// channel shapes (token.*, user.*, global) to a single bounded character
// class covering any user-facing ServiceName.
package service

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"regexp"

	"shmipc/internal/ipcerr"
	"shmipc/internal/staticstore"
)

// MaxServiceNameLength is L_sn from spec.md 3.
const MaxServiceNameLength = 255

var serviceNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_/.\-]+$`)

// ValidateName reports whether name is an acceptable ServiceName: non-empty,
// at most MaxServiceNameLength bytes, and restricted to a safe character
// class (alphanumerics plus "_", "/", ".", "-" for hierarchical names like
// "telemetry/cpu"), the same bounded-pattern discipline
// src/channels.go applies to its channel names.
func ValidateName(name string) error {
	if name == "" || len(name) > MaxServiceNameLength {
		return fmt.Errorf("%w: service name length must be in (0, %d], got %d", ipcerr.ErrInternal, MaxServiceNameLength, len(name))
	}
	if !serviceNamePattern.MatchString(name) {
		return fmt.Errorf("%w: service name %q contains disallowed characters", ipcerr.ErrInternal, name)
	}
	return nil
}

// DeriveId computes the deterministic ServiceId for (pattern, name): a
// SHA-256 digest of the messaging-pattern tag concatenated with the
// service name, base64url-encoded, per spec.md 3's "deterministic hash ...
// collisions treated as identity". Any two calls with equal (pattern,
// name) always produce the same ServiceId, independent of process.
func DeriveId(pattern staticstore.Pattern, name string) string {
	h := sha256.New()
	h.Write([]byte{byte(pattern)})
	h.Write([]byte(name))
	sum := h.Sum(nil)
	return base64.RawURLEncoding.EncodeToString(sum)
}
