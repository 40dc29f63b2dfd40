// Package errors provides error handling for the sampler.
//
// It re-exports github.com/cockroachdb/errors and defines the error kinds the
// pipeline distinguishes. Kinds are attached with Mark and tested with Is, so a
// wrapped error keeps both its message chain and its classification:
//
//	if err := resp.Body.Close(); err != nil {
//	    return errors.Mark(errors.Wrap(err, "failed to read feed"), errors.ErrFetch)
//	}
//
//	if errors.Is(err, errors.ErrFetch) {
//	    // skip this poll iteration
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

	CombineErrors = crdb.CombineErrors
)

// User-facing hints and details
var (
	WithHint     = crdb.WithHint
	WithHintf    = crdb.WithHintf
	WithDetail   = crdb.WithDetail
	WithDetailf  = crdb.WithDetailf
	GetAllHints  = crdb.GetAllHints
	FlattenHints = crdb.FlattenHints
)

// Error inspection
var (
	Is        = crdb.Is
	IsAny     = crdb.IsAny
	As        = crdb.As
	Unwrap    = crdb.Unwrap
	UnwrapAll = crdb.UnwrapAll
)

// Error kinds. Per-iteration kinds (ErrFetch, ErrDecode) are contained by the
// collector; ErrConfig and ErrWrite are run-level failures.
var (
	// ErrConfig marks missing or invalid run parameters
	ErrConfig = New("config error")

	// ErrFetch marks transport failures and non-200 feed responses
	ErrFetch = New("fetch error")

	// ErrDecode marks feed bytes that are not a valid FeedMessage
	ErrDecode = New("decode error")

	// ErrWrite marks a failure to publish the final artifact
	ErrWrite = New("write error")

	// ErrMixedShapes marks a record set that holds more than one record shape
	ErrMixedShapes = New("mixed record shapes")
)

// KindOf returns the name of the kind attached to err, or "unknown".
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case Is(err, ErrConfig):
		return "ConfigError"
	case Is(err, ErrFetch):
		return "FetchError"
	case Is(err, ErrDecode):
		return "DecodeError"
	case Is(err, ErrMixedShapes):
		return "MixedShapesError"
	case Is(err, ErrWrite):
		return "WriteError"
	default:
		return "unknown"
	}
}
