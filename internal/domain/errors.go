package domain

import (
	"github.com/cockroachdb/errors"
)

// Error kinds. Errors are tagged with errors.Mark so the tag survives
// wrapping and can be read back with KindOf.
var (
	ErrValidation      = errors.New("validation failed")
	ErrNotFound        = errors.New("not found")
	ErrAccountMismatch = errors.New("account mismatch")
	ErrLoginPrecheck   = errors.New("login precheck failed")
	ErrSessionExpired  = errors.New("session expired")
	ErrNonRetryable    = errors.New("non-retryable content error")
	ErrTransient       = errors.New("transient error")
)

type Kind string

const (
	KindUnknown         Kind = "unknown"
	KindValidation      Kind = "validation"
	KindNotFound        Kind = "not_found"
	KindAccountMismatch Kind = "account_mismatch"
	KindLoginPrecheck   Kind = "login_precheck"
	KindSessionExpired  Kind = "session_expired"
	KindNonRetryable    Kind = "non_retryable"
	KindTransient       Kind = "transient"
)

var kindOrder = []struct {
	kind Kind
	mark error
}{
	{KindValidation, ErrValidation},
	{KindNotFound, ErrNotFound},
	{KindAccountMismatch, ErrAccountMismatch},
	{KindLoginPrecheck, ErrLoginPrecheck},
	{KindSessionExpired, ErrSessionExpired},
	{KindNonRetryable, ErrNonRetryable},
	{KindTransient, ErrTransient},
}

// KindOf returns the first kind err is marked with.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	for _, k := range kindOrder {
		if errors.Is(err, k.mark) {
			return k.kind
		}
	}
	return KindUnknown
}

// Validation wraps a message as a validation error.
func Validation(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrValidation)
}

// NotFound builds a not-found error for the given entity.
func NotFound(entity, id string) error {
	return errors.Mark(errors.Newf("%s %q not found", entity, id), ErrNotFound)
}

// WithKind tags err with the given mark, keeping its message.
func WithKind(err error, mark error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, mark)
}
