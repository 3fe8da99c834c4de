package toolchain

import (
	"errors"
	"fmt"
	"strings"
)

// Error definitions for the toolchain package.
var (
	ErrToolNotFound      = errors.New("tool not found in PATH")
	ErrDependencyMissing = errors.New("required dependency is missing")
)

// ExitError reports a tool that ran but exited with a non-zero status.
type ExitError struct {
	Tool     string
	Args     []string
	Stderr   string
	ExitCode int
	Err      error
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s exited with status %d", e.Tool, e.ExitCode)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + lastLine(s)
	}
	return msg
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// lastLine keeps error strings short; Python tracebacks end with the useful line.
func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}
