package engine

import (
	"errors"
	"fmt"
)

var (
	ErrNoHandler = errors.New("task executor has no handler")
	ErrNoAgent   = errors.New("task has no agent scope")
)

// PanicError carries a recovered handler panic.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

// IsPanic reports whether err came from a recovered handler panic.
func IsPanic(err error) bool {
	var pe *PanicError
	return errors.As(err, &pe)
}
