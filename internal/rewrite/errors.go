package rewrite

import (
	"errors"
	"fmt"
)

var ErrInvalidUTF8 = errors.New("document is not valid UTF-8")

// RewriteError is returned when a document cannot be parsed or one of the
// substitution passes fails.
type RewriteError struct {
	Op  string
	Err error
}

func (e *RewriteError) Error() string {
	return fmt.Sprintf("rewrite %s: %v", e.Op, e.Err)
}

func (e *RewriteError) Unwrap() error {
	return e.Err
}
