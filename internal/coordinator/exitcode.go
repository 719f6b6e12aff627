package coordinator

import (
	"github.com/ajitpratap0/notesync/internal/store"
	"github.com/ajitpratap0/notesync/pkg/errors"
)

// ExitCode is the process exit status of a run.
type ExitCode int

// Exit codes. The failure codes are stable: schedulers and alerting key on
// them.
const (
	ExitSuccess         ExitCode = 0
	ExitInternal        ExitCode = 1
	ExitConfig          ExitCode = 2
	ExitNoop            ExitCode = 3
	ExitWarnings        ExitCode = 4
	ExitPreviousFailure ExitCode = 238
	ExitLock            ExitCode = 246
	ExitFetch           ExitCode = 247
	ExitStore           ExitCode = 249
	ExitValidation      ExitCode = 250
)

var exitNames = map[ExitCode]string{
	ExitSuccess:         "success",
	ExitInternal:        "internal_error",
	ExitConfig:          "config_error",
	ExitNoop:            "noop",
	ExitWarnings:        "success_with_warnings",
	ExitPreviousFailure: "previous_failure",
	ExitLock:            "lock_error",
	ExitFetch:           "fetch_error",
	ExitStore:           "store_error",
	ExitValidation:      "validation_error",
}

func (c ExitCode) String() string {
	if s, ok := exitNames[c]; ok {
		return s
	}
	return "unknown"
}

// Success reports whether the run completed its work.
func (c ExitCode) Success() bool {
	return c == ExitSuccess || c == ExitWarnings
}

// ExitCodeFor maps an error to its class exit code. Timeouts and broken
// connections count as fetch failures unless the store raised them.
func ExitCodeFor(err error) ExitCode {
	if err == nil {
		return ExitSuccess
	}
	switch errors.TypeOf(err) {
	case errors.ErrorTypeValidation:
		return ExitValidation
	case errors.ErrorTypeConnection, errors.ErrorTypeTimeout:
		if store.FromStore(err) {
			return ExitStore
		}
		return ExitFetch
	case errors.ErrorTypeFetch, errors.ErrorTypeRateLimit, errors.ErrorTypeAuthentication,
		errors.ErrorTypePermission:
		return ExitFetch
	case errors.ErrorTypeStore, errors.ErrorTypeQuery, errors.ErrorTypeResource:
		return ExitStore
	case errors.ErrorTypeLock:
		return ExitLock
	case errors.ErrorTypeConfig:
		return ExitConfig
	default:
		return ExitInternal
	}
}
