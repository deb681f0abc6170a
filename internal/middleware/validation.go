package middleware

import (
	"errors"
	"strconv"

	"github.com/capitalize-ai/support-relay/internal/identity"
)

// ValidateConversationID checks an id taken from a path or query. It applies
// the same rule ingestion uses to accept an id.
func ValidateConversationID(id string) error {
	return identity.Validate(id)
}

// ParseLimit reads a limit query value. Empty means def; zero and values
// above max are clamped to max.
func ParseLimit(raw string, def, max int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("limit must be a non-negative integer")
	}
	if n == 0 || n > max {
		return max, nil
	}
	return n, nil
}
