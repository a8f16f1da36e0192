package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrStoreUnavailable marks failures of the store itself (connection lost,
// server shutting down). A run cannot continue past one.
var ErrStoreUnavailable = errors.New("store unavailable")

// PersistenceConflictError is a record that still violated a constraint
// after being retried on its own
type PersistenceConflictError struct {
	Table string
	ID    string
	Code  string
	Cause error
}

func (e *PersistenceConflictError) Error() string {
	return fmt.Sprintf("persist %s %s: constraint %s: %v", e.Table, e.ID, e.Code, e.Cause)
}

func (e *PersistenceConflictError) Unwrap() error { return e.Cause }

// errorClass buckets a write error
type errorClass int

const (
	classRecord   errorClass = iota // bad data in this record only
	classConflict                   // constraint or lock conflict; retry alone
	classFatal                      // the store is gone
)

func classify(err error) errorClass {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return classFatal
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		// anything that is not a server-side error is the connection
		return classFatal
	}

	switch {
	case len(pgErr.Code) >= 2 && pgErr.Code[:2] == "23": // integrity constraint violation
		return classConflict
	case pgErr.Code == "40001", pgErr.Code == "40P01": // serialization failure, deadlock
		return classConflict
	case len(pgErr.Code) >= 2 && (pgErr.Code[:2] == "08" || pgErr.Code[:2] == "53" || pgErr.Code[:2] == "57"):
		return classFatal
	}
	return classRecord
}

// unavailable wraps err so callers can match ErrStoreUnavailable while the
// original cause stays visible
func unavailable(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}
