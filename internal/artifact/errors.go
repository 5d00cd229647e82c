package artifact

import "fmt"

// ErrorKind classifies a staging or publishing failure.
type ErrorKind string

const (
	// NoMatch means a rule of a strict edge matched no files.
	NoMatch ErrorKind = "NoMatch"
	IO      ErrorKind = "IO"
)

// Error is returned by Stage and Publish.
type Error struct {
	Kind ErrorKind
	// Upstream is the build type the failing rule reads from, if any.
	Upstream string
	Rule     string
	Err      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("artifact %s", e.Kind)
	if e.Upstream != "" {
		msg += fmt.Sprintf(" from %s", e.Upstream)
	}
	if e.Rule != "" {
		msg += fmt.Sprintf(" (rule %q)", e.Rule)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}
