package sandbox

import "fmt"

// ErrorKind classifies why an invocation did not complete.
type ErrorKind string

const (
	KindSyntax  ErrorKind = "syntax"
	KindRuntime ErrorKind = "runtime"
	KindTimeout ErrorKind = "timeout"
	KindAction  ErrorKind = "action"
	KindAborted ErrorKind = "aborted"
)

// Error is returned for every failed compile or invocation.
type Error struct {
	Kind   ErrorKind
	Action string
	Bar    int
	Cause  error
}

func (e *Error) Error() string {
	if e.Bar >= 0 {
		return fmt.Sprintf("sandbox %s error (%s, bar %d): %v", e.Kind, e.Action, e.Bar, e.Cause)
	}
	return fmt.Sprintf("sandbox %s error (%s): %v", e.Kind, e.Action, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }
