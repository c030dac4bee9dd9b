package engine

import (
	"errors"
	"fmt"

	"github.com/cabewaldrop/neisandb/internal/schema"
)

// Result is the return shape spec.md 6 defines for mutating operations:
// exactly one of Value or Errors is meaningful, mirroring the {ok, value}
// / {ok, errors} discriminated union of the source system.
type Result[T any] struct {
	OK     bool
	Value  T
	Errors map[string]string
}

func ok[T any](value T) Result[T] {
	return Result[T]{OK: true, Value: value}
}

func fail[T any](errs map[string]string) Result[T] {
	return Result[T]{OK: false, Errors: errs}
}

func failGeneral[T any](message string) Result[T] {
	return fail[T](map[string]string{"general": message})
}

// ErrNoMatch is returned (wrapped in a Result) when an update or delete
// search resolves to nothing.
var ErrNoMatch = errors.New("No Document Matches")

// ValidationError carries schema.FieldErrors surfaced from a failed
// insert or update.
type ValidationError struct {
	Fields schema.FieldErrors
}

func (e *ValidationError) Error() string {
	return e.Fields.Error()
}

// UniquenessError names the single field whose value conflicted with an
// existing live record.
type UniquenessError struct {
	Field string
}

func (e *UniquenessError) Error() string {
	return fmt.Sprintf("%s: Conflict as unique key", e.Field)
}

// UpdaterError wraps a panic or error surfaced from a caller-supplied
// updater callback, per spec.md 7's "Updater exception" kind. FindAndMap's
// mapper errors are discarded rather than wrapped.
type UpdaterError struct {
	Message string
}

func (e *UpdaterError) Error() string {
	return e.Message
}

func validationResult[T any](fields schema.FieldErrors) Result[T] {
	return fail[T](map[string]string(fields))
}

func uniquenessResult[T any](field string) Result[T] {
	return fail[T](map[string]string{field: "Conflict as unique key"})
}

func noMatchResult[T any]() Result[T] {
	return failGeneral[T](ErrNoMatch.Error())
}
