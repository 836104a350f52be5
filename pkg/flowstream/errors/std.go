package errors

import "errors"

// Is, As and Join forward to the standard library so callers importing this
// package under the name errors keep the usual helpers.
var (
	Is   = errors.Is
	As   = errors.As
	Join = errors.Join
	New  = errors.New
)
