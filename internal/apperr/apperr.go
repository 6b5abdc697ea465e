// Package apperr defines the error kinds shared by every component.
//
// Components return *Error values built with the constructors below so that
// callers (and the HTTP layer) can branch on Kind without string matching.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Kind classifies an error. It is not a concrete type.
type Kind string

const (
	KindNetwork    Kind = "NetworkError"
	KindAuth       Kind = "AuthenticationError"
	KindDatabase   Kind = "DatabaseError"
	KindValidation Kind = "ValidationError"
	KindPermission Kind = "PermissionError"
	KindRateLimit  Kind = "RateLimitError"
	KindBatch      Kind = "BatchOperationError"
	KindUnknown    Kind = "UnknownError"
)

// Error is the concrete error type carried across package boundaries.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error

	// Fields is set for KindValidation (field -> message).
	Fields map[string]string
	// SucceededIDs is set for KindBatch: ids applied before the failure.
	SucceededIDs []string
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if len(e.Fields) > 0 {
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" (")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(k + ": " + e.Fields[k])
		}
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by Kind, so errors.Is(err, &Error{Kind: KindAuth})
// works as a kind check.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Message == "" && t.Err == nil
}

func newErr(kind Kind, op, msg string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: msg, Err: err}
}

func Network(op string, err error) *Error {
	return newErr(KindNetwork, op, "", err)
}

func Auth(op, msg string) *Error {
	return newErr(KindAuth, op, msg, nil)
}

func Database(op string, err error) *Error {
	return newErr(KindDatabase, op, "", err)
}

func Permission(op, msg string) *Error {
	return newErr(KindPermission, op, msg, nil)
}

func RateLimited(op string, err error) *Error {
	return newErr(KindRateLimit, op, "", err)
}

func Unknown(op string, err error) *Error {
	return newErr(KindUnknown, op, "", err)
}

// Validation builds a ValidationError from a field -> message map.
func Validation(op string, fields map[string]string) *Error {
	e := newErr(KindValidation, op, "invalid input", nil)
	e.Fields = fields
	return e
}

// Batch builds a BatchOperationError. succeeded is copied.
func Batch(op, msg string, succeeded []string, cause error) *Error {
	e := newErr(KindBatch, op, msg, cause)
	e.SucceededIDs = append([]string(nil), succeeded...)
	return e
}

// KindOf classifies any error. nil maps to "".
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindNetwork
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return KindNetwork
	}
	return KindUnknown
}

// IsKind reports whether err (or anything it wraps) is of the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// ValidationFromValidator converts validator.ValidationErrors into a
// ValidationError. Other errors are returned as KindUnknown.
func ValidationFromValidator(op string, err error) error {
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return Unknown(op, err)
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fe.Namespace()] = describe(fe)
	}
	return Validation(op, fields)
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "gt":
		return fmt.Sprintf("must be greater than %s", fe.Param())
	case "gte":
		return fmt.Sprintf("must be %s or more", fe.Param())
	case "url":
		return "must be a valid URL"
	case "email":
		return "must be a valid email address"
	default:
		return fmt.Sprintf("failed %q check", fe.Tag())
	}
}
