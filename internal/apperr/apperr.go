// Package apperr defines the error kinds surfaced by the session managers.
//
// Managers wrap low-level failures into an *Error carrying a Kind; callers
// branch on KindOf instead of inspecting concrete error types.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers.
type Kind int

const (
	// KindInternal is an unexpected failure with no better classification.
	KindInternal Kind = iota
	// KindInvalid is caller-correctable input: bad URL, bad segment name, bad id.
	KindInvalid
	// KindNotFound covers unknown, expired and corrupt sessions alike.
	KindNotFound
	// KindUnavailable means the upstream could not be fetched.
	KindUnavailable
	// KindTranscoderUnavailable means no working transcoder binary was found.
	KindTranscoderUnavailable
	// KindSpawnFailed means no spawn strategy produced a usable process id.
	KindSpawnFailed
	// KindNotReady means the transcoder did not produce a manifest in time.
	KindNotReady
)

func (k Kind) String() string {
	switch k {
	case KindInvalid:
		return "invalid_input"
	case KindNotFound:
		return "not_found"
	case KindUnavailable:
		return "upstream_unavailable"
	case KindTranscoderUnavailable:
		return "transcoder_unavailable"
	case KindSpawnFailed:
		return "spawn_failed"
	case KindNotReady:
		return "not_ready"
	default:
		return "internal"
	}
}

// Error is a classified error. Message is safe to show to users; Err holds
// the underlying cause and is only meant for logs.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Op != "":
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	case e.Op != "":
		return e.Op + ": " + e.Message
	default:
		return e.Message
	}
}

func (e *Error) Unwrap() error { return e.Err }

// E builds an *Error.
func E(kind Kind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

// Invalid is shorthand for a KindInvalid error.
func Invalid(op, message string, err error) *Error {
	return E(KindInvalid, op, message, err)
}

// NotFound is shorthand for a KindNotFound error with the uniform message.
func NotFound(op string, err error) *Error {
	return E(KindNotFound, op, "session not found", err)
}

// KindOf returns the Kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// MessageOf returns the user-facing message of err. Unclassified errors get a
// generic message so internal detail never leaks.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return "internal error"
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
