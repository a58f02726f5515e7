package sqlrunner

import (
	"errors"
	"fmt"
)

var (
	ErrLoad           = errors.New("sqlrunner: load failed")
	ErrExecute        = errors.New("sqlrunner: execute failed")
	ErrArity          = errors.New("sqlrunner: parameter count mismatch")
	ErrStreamClosed   = errors.New("sqlrunner: row stream closed")
	ErrScriptNotFound = errors.New("sqlrunner: script not found")
)

// LoadError reports a script that could not be read or a statement the
// database refused to prepare. Nothing has executed when it is returned.
// Ordinal is -1 when the script itself could not be read.
type LoadError struct {
	Script    string
	Ordinal   int
	Statement string
	Err       error
}

func (e *LoadError) Error() string {
	if e.Ordinal < 0 {
		return fmt.Sprintf("load script %s: %v", e.Script, e.Err)
	}
	return fmt.Sprintf("load script %s statement %d (%s): %v", e.Script, e.Ordinal, abbreviate(e.Statement), e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

func (e *LoadError) Is(target error) bool { return target == ErrLoad }

// ExecuteError reports the first prepared statement that failed while running.
// Statements with a lower ordinal have already taken effect.
type ExecuteError struct {
	Script    string
	Ordinal   int
	Statement string
	Err       error
}

func (e *ExecuteError) Error() string {
	return fmt.Sprintf("execute script %s statement %d (%s): %v", e.Script, e.Ordinal, abbreviate(e.Statement), e.Err)
}

func (e *ExecuteError) Unwrap() error { return e.Err }

func (e *ExecuteError) Is(target error) bool { return target == ErrExecute }

type ArityError struct {
	Script   string
	Required int
	Supplied int
}

func (e *ArityError) Error() string {
	return fmt.Sprintf("script %s requires %d parameter(s), %d supplied", e.Script, e.Required, e.Supplied)
}

func (e *ArityError) Is(target error) bool { return target == ErrArity }

func abbreviate(text string) string {
	const limit = 64
	if len(text) <= limit {
		return text
	}
	return text[:limit] + "..."
}
