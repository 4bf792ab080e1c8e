// Package errors classifies engine failures and holds the event retry policy.
//
// Failures are grouped by where they happen and how far they propagate:
//   - Snapshot: recovered inside the snapshotter, never surfaced.
//   - Condition: a binding condition could not be evaluated; the binding is skipped.
//   - Handler: one handler failed; siblings still run and the retry policy applies.
//   - Dispatch: the attempt as a whole failed; no handler results are kept.
//   - Exhausted: retries are used up and the event is terminally FAILED.
package errors

import (
	"errors"
	"fmt"
)

// Category represents how a failure propagates.
type Category int

const (
	// CategoryHandler is a single handler failure. It is the default for
	// uncategorized errors.
	CategoryHandler Category = iota

	// CategorySnapshot is a field that could not be serialized.
	CategorySnapshot

	// CategoryCondition is a condition that could not be evaluated.
	CategoryCondition

	// CategoryDispatch is a failure of the dispatch attempt itself, such as
	// an unavailable store or a tenant that cannot be restored.
	CategoryDispatch

	// CategoryExhausted marks an event that ran out of retries.
	CategoryExhausted
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryHandler:
		return "handler"
	case CategorySnapshot:
		return "snapshot"
	case CategoryCondition:
		return "condition"
	case CategoryDispatch:
		return "dispatch"
	case CategoryExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// CategorizedError wraps an error with its category and context.
type CategorizedError struct {
	// Err is the underlying error.
	Err error

	// Category indicates how this error propagates.
	Category Category

	// Attempt is the retry count of the event when the error occurred.
	Attempt int

	// Context describes what operation was being attempted.
	Context string
}

// Error implements the error interface.
func (e *CategorizedError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("%s: %s (category: %s, attempt: %d)",
			e.Context, e.Err, e.Category, e.Attempt)
	}
	return fmt.Sprintf("%s (category: %s, attempt: %d)", e.Err, e.Category, e.Attempt)
}

// Unwrap returns the underlying error.
func (e *CategorizedError) Unwrap() error {
	return e.Err
}

// NewCategorized creates a new categorized error.
func NewCategorized(err error, category Category, context string) *CategorizedError {
	return &CategorizedError{
		Err:      err,
		Category: category,
		Context:  context,
	}
}

// Dispatch creates a dispatch-level error.
func Dispatch(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryDispatch, context)
}

// Condition creates a condition-evaluation error.
func Condition(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryCondition, context)
}

// Exhausted creates an exhausted-retries error.
func Exhausted(err error, attempt int) *CategorizedError {
	e := NewCategorized(err, CategoryExhausted, "retries exhausted")
	e.Attempt = attempt
	return e
}

// CategoryOf returns the category of err. Errors without an explicit
// category are handler failures.
func CategoryOf(err error) Category {
	var catErr *CategorizedError
	if errors.As(err, &catErr) {
		return catErr.Category
	}
	return CategoryHandler
}

// IsDispatchLevel reports whether err failed the whole attempt.
func IsDispatchLevel(err error) bool {
	return err != nil && CategoryOf(err) == CategoryDispatch
}
