package config

import (
	"errors"
	"strings"
)

// Error is a configuration problem. The supervisor exits with status 1 when
// it sees one.
type Error struct {
	Path   string
	Issues []string
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("invalid configuration")
	if e.Path != "" {
		b.WriteString(" (" + e.Path + ")")
	}
	b.WriteString(": ")
	b.WriteString(strings.Join(e.Issues, "; "))
	return b.String()
}

func (e *Error) add(field, msg string) {
	e.Issues = append(e.Issues, field+": "+msg)
}

func (e *Error) orNil() error {
	if len(e.Issues) == 0 {
		return nil
	}
	return e
}

// IsConfigError reports whether err is or wraps an *Error.
func IsConfigError(err error) bool {
	var ce *Error
	return errors.As(err, &ce)
}
