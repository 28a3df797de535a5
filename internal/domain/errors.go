package domain

import (
	"errors"
	"fmt"
)

var (
	ErrCatalogUnavailable = errors.New("catalog unavailable")
	ErrCounterStore       = errors.New("counter store failure")
	ErrCounterNotFound    = errors.New("counter not found")
	ErrCounterUnderflow   = errors.New("counter would go negative")
	ErrNotFound           = errors.New("not found")
)

// RecognitionError marks an image the engine could not parse or process. It
// is terminal for the page and never retried.
type RecognitionError struct {
	Op  string
	Err error
}

func (e *RecognitionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("recognition %s: %v", e.Op, e.Err)
	}
	return "recognition " + e.Op
}

func (e *RecognitionError) Unwrap() error {
	return e.Err
}

func NewRecognitionError(op string, err error) *RecognitionError {
	return &RecognitionError{Op: op, Err: err}
}

func IsRecognitionError(err error) bool {
	var re *RecognitionError
	return errors.As(err, &re)
}

// StoreError wraps a persistence failure. Kind is one of the sentinel errors
// above and is matched by errors.Is.
type StoreError struct {
	Kind  error
	Store string
	Op    string
	Err   error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Store, e.Op, e.Err)
}

func (e *StoreError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

func CatalogError(store, op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Kind: ErrCatalogUnavailable, Store: store, Op: op, Err: err}
}

func CounterError(store, op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Kind: ErrCounterStore, Store: store, Op: op, Err: err}
}
