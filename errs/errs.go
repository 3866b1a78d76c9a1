// Package errs defines the error taxonomy shared by every vpnpki component.
// Errors carry the operation that failed and a Kind; the outer boundaries
// (CLI exit codes, HTTP status codes) translate the Kind, nothing else does.
package errs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind categorizes a failure.
type Kind int

const (
	Unknown Kind = iota
	InvalidInput
	NotFound
	AlreadyExists
	NotInitialized
	ToolchainError
	ToolchainNotFound
	Timeout
	PassphraseRequired
	StoreUnavailable
	BackupFailed
	CorruptSnapshot
	Corrupted
	Canceled
	RuntimeUnavailable
)

var kindNames = map[Kind]string{
	Unknown:            "unknown",
	InvalidInput:       "invalid_input",
	NotFound:           "not_found",
	AlreadyExists:      "already_exists",
	NotInitialized:     "not_initialized",
	ToolchainError:     "toolchain_error",
	ToolchainNotFound:  "toolchain_not_found",
	Timeout:            "timeout",
	PassphraseRequired: "passphrase_required",
	StoreUnavailable:   "store_unavailable",
	BackupFailed:       "backup_failed",
	CorruptSnapshot:    "corrupt_snapshot",
	Corrupted:          "corrupted",
	Canceled:           "canceled",
	RuntimeUnavailable: "runtime_unavailable",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ExitCode returns the process exit code used by the CLI for this kind.
func (k Kind) ExitCode() int {
	switch k {
	case InvalidInput:
		return 2
	case NotFound:
		return 3
	case AlreadyExists:
		return 4
	case NotInitialized:
		return 5
	case ToolchainError, ToolchainNotFound, Timeout, PassphraseRequired, Canceled:
		return 6
	case StoreUnavailable, BackupFailed:
		return 7
	case CorruptSnapshot:
		return 8
	case Corrupted:
		return 9
	case RuntimeUnavailable:
		return 10
	default:
		return 1
	}
}

// HTTPStatus returns an appropriate HTTP status code for this kind.
func (k Kind) HTTPStatus() int {
	switch k {
	case InvalidInput, CorruptSnapshot:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case AlreadyExists, NotInitialized, Corrupted:
		return http.StatusConflict
	case PassphraseRequired:
		return http.StatusPreconditionRequired
	case Timeout:
		return http.StatusGatewayTimeout
	case ToolchainNotFound, StoreUnavailable, RuntimeUnavailable:
		return http.StatusServiceUnavailable
	case Canceled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// Error wraps a cause with the failing operation and its Kind.
type Error struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Err == nil:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Op == "":
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E builds an *Error. When kind is Unknown the kind of err is inherited, so
// wrapping a classified error with a new Op keeps its classification.
func E(op string, kind Kind, err error) error {
	if kind == Unknown {
		kind = KindOf(err)
	}
	return &Error{Op: op, Kind: kind, Err: err}
}

// Errorf is E with a formatted cause.
func Errorf(op string, kind Kind, format string, args ...any) error {
	return E(op, kind, fmt.Errorf(format, args...))
}

// KindOf reports the first non-Unknown Kind found in err's chain. Context
// errors that were never classified map to Timeout and Canceled.
func KindOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		if pe, ok := e.(*Error); ok && pe.Kind != Unknown {
			return pe.Kind
		}
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Timeout
	case errors.Is(err, context.Canceled):
		return Canceled
	}
	return Unknown
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
