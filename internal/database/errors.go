package database

import (
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/fairdata/download-service/internal/apperr"
)

type storeError struct {
	msg  string
	kind apperr.Kind
}

func (e *storeError) Error() string     { return e.msg }
func (e *storeError) Kind() apperr.Kind { return e.kind }

var (
	// ErrNotFound is returned when a lookup matches no row
	ErrNotFound error = &storeError{msg: "record not found", kind: apperr.NotFound}
	// ErrDuplicate is returned when an insert violates a unique constraint
	ErrDuplicate error = &storeError{msg: "record already exists", kind: apperr.Conflict}
)

const uniqueViolation = "23505"

// translate maps driver errors onto the store's sentinel errors
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrDuplicate
	}
	return err
}
