package depgraph

import (
	"fmt"
	"strings"
)

// ErrorKind classifies a configuration error.
type ErrorKind string

const (
	CyclicDependency ErrorKind = "CyclicDependency"
	UnknownReference ErrorKind = "UnknownReference"
	DuplicateID      ErrorKind = "DuplicateID"
	InvalidValue     ErrorKind = "InvalidValue"
)

// ConfigurationError is returned by Build for a model that cannot become a
// graph.
type ConfigurationError struct {
	Kind ErrorKind
	// Subject is the id of the entity the error was found on.
	Subject string
	Message string
	// Cycle lists the build types of a cycle in edge order, with the first
	// id repeated at the end. Set only for CyclicDependency.
	Cycle []string
}

func (e *ConfigurationError) Error() string {
	if e.Kind == CyclicDependency && len(e.Cycle) > 0 {
		return fmt.Sprintf("%s: %s", e.Kind, strings.Join(e.Cycle, " -> "))
	}
	if e.Subject == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Subject, e.Message)
}

func newError(kind ErrorKind, subject, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Kind: kind, Subject: subject, Message: fmt.Sprintf(format, args...)}
}
