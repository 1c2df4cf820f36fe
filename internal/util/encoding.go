package util

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NormalizeEmail folds an address to the form accounts are stored under:
// NFKC, trimmed and lowercased.
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(norm.NFKC.String(s)))
}
