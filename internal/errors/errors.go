// Package errors re-exports github.com/cockroachdb/errors and declares the
// sentinel kinds the rest of jp2web classifies against.
//
//	if err := doSomething(); err != nil {
//	    return errors.Wrap(err, "failed to do something")
//	}
//
//	if errors.Is(err, errors.ErrNotFound) {
//	    // input gone, do not retry
//	}
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
	Mark         = crdb.Mark
)

// User-facing messages and details
var (
	WithHint      = crdb.WithHint
	WithHintf     = crdb.WithHintf
	WithDetail    = crdb.WithDetail
	WithDetailf   = crdb.WithDetailf
	GetAllHints   = crdb.GetAllHints
	FlattenHints  = crdb.FlattenHints
	UnwrapAll     = crdb.UnwrapAll
	UnwrapOnce    = crdb.UnwrapOnce
	Is            = crdb.Is
	IsAny         = crdb.IsAny
	As            = crdb.As
	Unwrap        = crdb.Unwrap
	GetAllDetails = crdb.GetAllDetails
)

// Sentinel kinds. Wrap or Mark these to keep the kind while adding context.
var (
	// ErrNotFound: a job id or an input file could not be resolved.
	ErrNotFound = New("not found")

	// ErrInvalidInput: empty input, unbuildable configuration, unknown
	// document category or compression mode.
	ErrInvalidInput = New("invalid input")

	// ErrConflict: the action is not valid for the current state.
	ErrConflict = New("conflict")

	// ErrUnavailable: a collaborator (queue, converter) cannot be reached.
	ErrUnavailable = New("service unavailable")
)

// NotFoundf builds an error carrying the ErrNotFound kind.
func NotFoundf(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrNotFound)
}

// InvalidInputf builds an error carrying the ErrInvalidInput kind.
func InvalidInputf(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrInvalidInput)
}

// IsNotFound reports whether err is or wraps ErrNotFound.
func IsNotFound(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsInvalidInput reports whether err is or wraps ErrInvalidInput.
func IsInvalidInput(err error) bool {
	return err != nil && Is(err, ErrInvalidInput)
}
