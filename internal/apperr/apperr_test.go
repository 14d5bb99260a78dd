package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

type notFound struct{}

func (notFound) Error() string { return "missing" }
func (notFound) Kind() Kind    { return NotFound }

func TestKindOf(t *testing.T) {
	assert.Equal(t, Internal, KindOf(errors.New("plain")))
	assert.Equal(t, NotFound, KindOf(notFound{}))
	assert.Equal(t, NotFound, KindOf(fmt.Errorf("lookup: %w", notFound{})))
	assert.Equal(t, Internal, KindOf(nil))
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "conflict", Conflict.String())
	assert.Equal(t, "internal", Kind(42).String())
}
