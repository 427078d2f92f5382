// Package requestid issues and sanitizes the ids that correlate a request
// across logs, audit rows and verdicts.
package requestid

import (
	"strings"

	"github.com/google/uuid"
)

const maxLen = 128

func New() string {
	return uuid.NewString()
}

// FromHeader returns the caller supplied id when it is safe to log and echo,
// otherwise a fresh one.
func FromHeader(raw string) string {
	id := strings.TrimSpace(raw)
	if id == "" || len(id) > maxLen {
		return New()
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-', c == '_', c == '.', c == ':':
		default:
			return New()
		}
	}
	return id
}
