package scanning

import (
	"errors"
	"fmt"
)

// Stage represents one phase of the scan state machine. Stages advance
// monotonically through the happy path; StageError is reachable from every
// stage and, like StageCompleted, is terminal.
type Stage string

// ErrStageUnknown is returned when a stage string cannot be parsed.
var ErrStageUnknown = errors.New("scan stage unknown")

// ErrInvalidStageTransition is returned when a stage write would violate the
// lifecycle rules, e.g. resurrecting a terminal record.
var ErrInvalidStageTransition = errors.New("invalid scan stage transition")

const (
	// StageInitializing indicates a session was created and preconditions
	// are being validated.
	StageInitializing Stage = "initializing"

	// StageDownloading indicates remote objects are being fetched into the
	// local staging directory.
	StageDownloading Stage = "downloading"

	// StageVerifying indicates the external verification tool is running.
	StageVerifying Stage = "verifying"

	// StageCompleted indicates the scan finished and its result payload is
	// attached to the progress record.
	StageCompleted Stage = "completed"

	// StageError indicates the scan terminated with a failure.
	StageError Stage = "error"

	// StageIdle is reported to pollers for unknown or expired sessions.
	// It is never stored.
	StageIdle Stage = "idle"
)

// String returns the string representation of the Stage.
func (s Stage) String() string { return string(s) }

// Terminal reports whether no further transitions are allowed from s.
func (s Stage) Terminal() bool { return s == StageCompleted || s == StageError }

// ParseStage converts a string to a Stage.
func ParseStage(s string) (Stage, error) {
	switch Stage(s) {
	case StageInitializing, StageDownloading, StageVerifying, StageCompleted, StageError, StageIdle:
		return Stage(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrStageUnknown, s)
	}
}

// ValidateTransition checks if a stage transition is valid and returns an
// error if not.
func (s Stage) ValidateTransition(target Stage) error {
	if !s.isValidTransition(target) {
		return fmt.Errorf("%w: %s to %s", ErrInvalidStageTransition, s, target)
	}
	return nil
}

// isValidTransition enforces the scan lifecycle rules to prevent invalid
// state changes.
func (s Stage) isValidTransition(target Stage) bool {
	switch s {
	case StageInitializing:
		return target == StageDownloading || target == StageError
	case StageDownloading:
		return target == StageVerifying || target == StageError
	case StageVerifying:
		return target == StageCompleted || target == StageError
	case StageCompleted, StageError:
		// Terminal states - no further transitions allowed.
		return false
	default:
		return false
	}
}
