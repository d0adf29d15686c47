// Package storage holds the error vocabulary shared by every persistent store
// in the security core.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrUnavailable means the backing store could not answer. It is distinct
// from "no rows": empty history is a valid baseline and is never reported as
// ErrUnavailable.
var ErrUnavailable = errors.New("storage: store unavailable")

// Wrap classifies a driver error returned by op. Nil, sql.ErrNoRows and a
// cancelled context pass through untouched: the caller gave up, the store did
// not fail. Anything else is wrapped so callers can match it with
// errors.Is(err, ErrUnavailable) while keeping the driver detail.
func Wrap(op string, err error) error {
	if err == nil || errors.Is(err, sql.ErrNoRows) || errors.Is(err, context.Canceled) || errors.Is(err, ErrUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}

// IsUnavailable reports whether err came from an unreachable store.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
