package metax

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NormalizePath puts a file path in NFC form so that paths typed by users
// compare equal to the registry's listing.
func NormalizePath(p string) string {
	return norm.NFC.String(p)
}

// HasPathPrefix reports whether prefix names path itself or one of its parent
// directories. Matching is by whole path component: /a/b matches /a/b/c but
// not /a/bc.
func HasPathPrefix(path, prefix string) bool {
	prefix = strings.TrimRight(prefix, "/")
	if prefix == "" {
		return true
	}
	if path == prefix {
		return true
	}
	return strings.HasPrefix(path, prefix+"/")
}

func matchesAny(path string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if HasPathPrefix(path, prefix) {
			return true
		}
	}
	return false
}
