// Package fault defines the error kinds surfaced by the dues and referral services.
package fault

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Kind classifies an error for callers and transports.
type Kind string

const (
	KindNotFound   Kind = "not_found"
	KindValidation Kind = "validation"
	KindConflict   Kind = "conflict"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrValidation = errors.New("validation failed")
	ErrConflict   = errors.New("conflict")
)

// Error carries enough context for an admin UI to explain a refusal.
type Error struct {
	Kind   Kind
	Entity string
	ID     string
	Reason string
	// Remaining is the annual allowance left, set when the cap was the cause.
	Remaining *decimal.Decimal
}

func (e *Error) Error() string {
	msg := e.Reason
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Entity != "" && e.ID != "" {
		msg = fmt.Sprintf("%s %s: %s", e.Entity, e.ID, msg)
	} else if e.Entity != "" {
		msg = fmt.Sprintf("%s: %s", e.Entity, msg)
	}
	if e.Remaining != nil {
		msg = fmt.Sprintf("%s (remaining %s)", msg, e.Remaining.StringFixed(2))
	}
	return msg
}

// Is lets errors.Is match an Error against the sentinel of its kind.
func (e *Error) Is(target error) bool {
	switch e.Kind {
	case KindNotFound:
		return target == ErrNotFound
	case KindValidation:
		return target == ErrValidation
	case KindConflict:
		return target == ErrConflict
	}
	return false
}

func NotFound(entity, id string) *Error {
	return &Error{Kind: KindNotFound, Entity: entity, ID: id, Reason: "not found"}
}

func Validation(entity, id, reason string) *Error {
	return &Error{Kind: KindValidation, Entity: entity, ID: id, Reason: reason}
}

func Conflict(entity, id, reason string) *Error {
	return &Error{Kind: KindConflict, Entity: entity, ID: id, Reason: reason}
}

// As extracts the *Error from err's chain.
func As(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// KindOf returns the kind of err, or "" for errors outside the taxonomy.
func KindOf(err error) Kind {
	if fe, ok := As(err); ok {
		return fe.Kind
	}
	return ""
}
