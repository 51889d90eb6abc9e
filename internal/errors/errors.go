// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package errors carries the kind-tagged error type shared by every vakthund
// component. Kinds mirror how a failure is handled: validation failures stop
// startup, capacity and decode failures stay local to one event.
package errors

import (
	"errors"
	"fmt"
)

// Kind defines the category of error.
type Kind int

const (
	KindUnknown Kind = iota
	KindInternal
	KindValidation
	KindNotFound
	KindConflict
	KindUnavailable
	KindTimeout
	KindCapacity
	KindDecode
	KindExhausted
)

func (k Kind) String() string {
	switch k {
	case KindInternal:
		return "internal"
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindUnavailable:
		return "unavailable"
	case KindTimeout:
		return "timeout"
	case KindCapacity:
		return "capacity"
	case KindDecode:
		return "decode"
	case KindExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Recoverable reports whether errors of this kind are scoped to a single
// event and must not stop the pipeline.
func (k Kind) Recoverable() bool {
	switch k {
	case KindCapacity, KindDecode, KindExhausted, KindTimeout, KindUnavailable, KindNotFound:
		return true
	default:
		return false
	}
}

// Error is a structured vakthund error.
type Error struct {
	Kind       Kind
	Message    string
	Underlying error
	Attributes map[string]any
}

func (e *Error) Error() string {
	if e.Message == "" && e.Underlying != nil {
		return e.Underlying.Error()
	}
	if e.Underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Underlying)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Underlying
}

// New creates a new Error of the specified kind.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Message: msg}
}

// Errorf creates a new Error of the specified kind with a formatted message.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps err as a new Error of the specified kind. A nil err stays nil.
func Wrap(err error, kind Kind, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: msg, Underlying: err}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(err error, kind Kind, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Underlying: err}
}

// Attr attaches an attribute to err by wrapping it, so sentinel errors keep
// their identity for Is. Plain errors are tagged KindInternal.
func Attr(err error, key string, val any) error {
	if err == nil {
		return nil
	}

	kind := GetKind(err)
	if kind == KindUnknown {
		kind = KindInternal
	}
	return &Error{Kind: kind, Underlying: err, Attributes: map[string]any{key: val}}
}

// GetKind returns the Kind of the outermost *Error in the chain, or KindUnknown.
func GetKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// GetAttributes collects attributes across the chain. Outer values win.
func GetAttributes(err error) map[string]any {
	attrs := make(map[string]any)
	for cur := err; cur != nil; cur = errors.Unwrap(cur) {
		e, ok := cur.(*Error)
		if !ok {
			continue
		}
		for k, v := range e.Attributes {
			if _, seen := attrs[k]; !seen {
				attrs[k] = v
			}
		}
	}
	return attrs
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// Unwrap returns the next error in the chain.
func Unwrap(err error) error {
	return errors.Unwrap(err)
}

// Join is errors.Join.
func Join(errs ...error) error {
	return errors.Join(errs...)
}
