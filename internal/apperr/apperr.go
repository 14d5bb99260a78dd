// Package apperr classifies domain errors so the front end can pick a response
// without knowing every concrete error type.
package apperr

import "errors"

// Kind is the category of a domain error.
type Kind int

const (
	// Internal covers I/O, database and anything unclassified.
	Internal Kind = iota
	// NotFound means the identified resource does not exist.
	NotFound
	// Conflict means the resource exists but can no longer be trusted or used.
	Conflict
	// Upstream means an external dependency failed or answered unexpectedly.
	Upstream
	// Unauthorized means a credential was missing, malformed or expired.
	Unauthorized
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not_found"
	case Conflict:
		return "conflict"
	case Upstream:
		return "upstream"
	case Unauthorized:
		return "unauthorized"
	default:
		return "internal"
	}
}

// Kinded is implemented by errors that know their category.
type Kinded interface {
	error
	Kind() Kind
}

// KindOf returns the kind of the first error in the chain that reports one.
func KindOf(err error) Kind {
	var k Kinded
	if errors.As(err, &k) {
		return k.Kind()
	}
	return Internal
}
