package index

import (
	"errors"
	"fmt"
)

// ErrIndexEmpty is returned when an operation needs at least one
// indexed document and none exist. Callers surface it as an
// empty-result condition, not a crash.
var ErrIndexEmpty = errors.New("index is empty")

// QuerySyntaxError reports a malformed query string. The query is never
// partially applied.
type QuerySyntaxError struct {
	Query string
	Err   error
}

func (e *QuerySyntaxError) Error() string {
	return fmt.Sprintf("malformed query %q: %v", e.Query, e.Err)
}

func (e *QuerySyntaxError) Unwrap() error {
	return e.Err
}
