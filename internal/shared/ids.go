package shared

import (
	"strings"

	"github.com/oklog/ulid/v2"
)

// NewID returns a lexicographically sortable identifier. Offers sharing a
// round are ordered by it, so ids must stay monotonic within a process.
func NewID() string {
	return strings.ToLower(ulid.Make().String())
}

// ValidID reports whether s parses as an identifier produced by NewID.
func ValidID(s string) bool {
	_, err := ulid.ParseStrict(strings.ToUpper(s))
	return err == nil
}
