package scanning

import (
	"errors"
	"fmt"
)

// Sentinel errors for the scan failure taxonomy. Per-file transfer errors
// are absorbed into progress metadata and never terminate a session; the
// errors below are session-fatal.
var (
	// ErrSessionNotFound indicates the progress store holds no record for
	// the given session id. Callers surface this as an idle status, not as
	// a failure.
	ErrSessionNotFound = errors.New("session not found")

	// ErrNoFilesFound indicates the remote folder contained no objects.
	ErrNoFilesFound = errors.New("no files found in the selected folder")

	// ErrStalled indicates a transfer received no bytes within the
	// inactivity limit.
	ErrStalled = errors.New("transfer stalled: no data received within inactivity limit")

	// ErrFileTooLarge indicates a transfer exceeded the configured size cap
	// and was aborted rather than truncated.
	ErrFileTooLarge = errors.New("file exceeds maximum allowed size")
)

// ConfigurationError indicates missing or invalid operator configuration
// (storage credentials, folder path, staging directory). It is fatal and
// reported immediately.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s", e.Reason)
}

// NewConfigurationError creates a ConfigurationError with the given reason.
func NewConfigurationError(format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Reason: fmt.Sprintf(format, args...)}
}

// SpawnError indicates the verification tool could not be started at all
// (missing executable, permissions). It is distinct from VerificationError
// because it points at environment misconfiguration rather than a failed
// verification.
type SpawnError struct {
	Err error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to start verification process: %v", e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// VerificationError indicates the verification tool ran but exited non-zero.
// Stderr carries the truncated diagnostic output of the process.
type VerificationError struct {
	ExitCode int
	Stderr   string
}

func (e *VerificationError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("verification process exited with code %d", e.ExitCode)
	}
	return fmt.Sprintf("verification process exited with code %d: %s", e.ExitCode, e.Stderr)
}
