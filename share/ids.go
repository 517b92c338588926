package htshare

import (
	"regexp"
	"strings"

	"github.com/lucsky/cuid"
)

// Requested ids are lowercase dns-label-ish strings so they can be served as
// subdomains: leading alphanumeric, 4-63 chars, hyphens inside.
var clientIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{2,61}[a-z0-9]$`)

// IsValidClientID reports whether id is acceptable as a caller-requested
// client identifier.
func IsValidClientID(id string) bool {
	return clientIDPattern.MatchString(id)
}

// NewClientID generates a fresh URL-safe client identifier.
func NewClientID() string {
	return strings.ToLower(cuid.Slug())
}
