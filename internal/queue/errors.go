package queue

import (
	"errors"
	"fmt"
)

// Store errors.
var (
	ErrNotFound          = errors.New("record not found")
	ErrUnknownCollection = errors.New("unknown collection")
	ErrUnknownIndex      = errors.New("unknown index")
	ErrUnavailable       = errors.New("store unavailable")
	ErrCorruptRecord     = errors.New("corrupt record")
)

// Error is a driver failure. It matches ErrUnavailable.
type Error struct {
	Op         string
	Collection Collection
	Err        error
}

func (e *Error) Error() string {
	if e.Collection == "" {
		return fmt.Sprintf("store %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("store %s %s: %v", e.Op, e.Collection, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is ErrUnavailable.
func (e *Error) Is(target error) bool {
	return target == ErrUnavailable
}

// Wrap turns a driver error into *Error. Nil, contract errors and
// already wrapped errors are returned unchanged.
func Wrap(op string, c Collection, err error) error {
	if err == nil ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrUnknownCollection) ||
		errors.Is(err, ErrUnknownIndex) {
		return err
	}
	var qe *Error
	if errors.As(err, &qe) {
		return err
	}
	return &Error{Op: op, Collection: c, Err: err}
}
