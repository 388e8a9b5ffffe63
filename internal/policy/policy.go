// Package policy implements the sandbox policy enforcer: the single
// checkpoint that gates every remote call against the connection's mode.
//
// Enforcement is structural, not conventional. The bridge authorizes each
// call before it is scheduled onto a dispatch loop, so a denied call never
// reaches the loop or the remote side regardless of which tool body issued
// it.
package policy

import (
	"errors"
	"fmt"
	"strings"
)

// Mode restricts which remote methods a connection may invoke.
type Mode string

const (
	// ModeReadOnly permits only non-mutating protocol methods.
	ModeReadOnly Mode = "read-only"

	// ModeReadWrite permits every method.
	ModeReadWrite Mode = "read-write"
)

// ErrReadOnlyViolation is returned when a mutating method is invoked on a
// read-only connection. It signals a caller logic error, not a transient
// condition.
var ErrReadOnlyViolation = errors.New("read-only violation")

// ParseMode normalizes a user-facing mode string. Unrecognized values report
// ok=false; callers that need a safe default use ModeReadOnly.
func ParseMode(value string) (Mode, bool) {
	trimmed := strings.ToLower(strings.TrimSpace(value))
	switch trimmed {
	case "read-only", "readonly", "ro", "":
		return ModeReadOnly, trimmed != ""
	case "read-write", "readwrite", "rw":
		return ModeReadWrite, true
	default:
		return ModeReadOnly, false
	}
}

// Valid reports whether m is one of the defined modes.
func (m Mode) Valid() bool {
	return m == ModeReadOnly || m == ModeReadWrite
}

// readOnlyMethods is the non-mutating protocol surface. tools/call is
// deliberately absent: tool execution may have arbitrary side effects, so a
// read-only connection cannot invoke it.
var readOnlyMethods = map[string]struct{}{
	"initialize":               {},
	"ping":                     {},
	"tools/list":               {},
	"resources/list":           {},
	"resources/templates/list": {},
	"resources/read":           {},
	"prompts/list":             {},
	"prompts/get":              {},
	"completion/complete":      {},
}

// Allowed reports whether method may be invoked under mode.
func Allowed(mode Mode, method string) bool {
	if mode == ModeReadWrite {
		return true
	}
	if _, ok := readOnlyMethods[method]; ok {
		return true
	}
	// Protocol notifications carry no mutating semantics.
	return strings.HasPrefix(method, "notifications/")
}

// Authorize gates a single remote call. A denial wraps
// ErrReadOnlyViolation and names the offending method.
func Authorize(mode Mode, method string) error {
	if Allowed(mode, method) {
		return nil
	}
	return fmt.Errorf("%w: method %q requires %s mode", ErrReadOnlyViolation, method, ModeReadWrite)
}
