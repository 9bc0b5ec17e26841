package job

import (
	"github.com/cockroachdb/errors"
)

// Error taxonomy. Use errors.Is against these sentinels; the concrete error
// keeps its message and stack.
var (
	ErrValidation = errors.New("validation error")
	ErrStore      = errors.New("store error")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("version conflict")
	ErrBusy       = errors.New("job has an active execution")
	ErrCooling    = errors.New("cooldown active")
)

// Validationf builds a validation error carrying a user-facing hint.
func Validationf(hint, format string, args ...any) error {
	err := errors.Newf(format, args...)
	if hint != "" {
		err = errors.WithHint(err, hint)
	}
	return errors.Mark(err, ErrValidation)
}

// StoreErr wraps a persistence failure. Errors that already carry a
// taxonomy mark are passed through with the extra context.
func StoreErr(err error, msg string) error {
	if err == nil {
		return nil
	}
	wrapped := errors.Wrap(err, msg)
	if errors.IsAny(err, ErrValidation, ErrNotFound, ErrConflict, ErrBusy) {
		return wrapped
	}
	return errors.Mark(wrapped, ErrStore)
}

func NotFound(what string, id any) error {
	return errors.Mark(errors.Newf("%s %v not found", what, id), ErrNotFound)
}

func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }
func IsNotFound(err error) bool   { return errors.Is(err, ErrNotFound) }
func IsStore(err error) bool      { return errors.Is(err, ErrStore) }
func IsCooling(err error) bool    { return errors.Is(err, ErrCooling) }

// Hint returns the user-facing hints attached to err, joined by newlines.
func Hint(err error) string { return errors.FlattenHints(err) }
