package lineage

import (
	"errors"
	"fmt"
)

// Each missing link in the device chain gets its own sentinel so callers can
// react differently: drop the wake, queue it, or alert operations.
var (
	ErrDeviceNotFound = errors.New("device not found")
	ErrDeviceInactive = errors.New("device is inactive")
	ErrNoSite         = errors.New("device not assigned to a site")
	ErrNoProgram      = errors.New("site not assigned to a program")
	ErrNoCompany      = errors.New("program not assigned to a company")
)

// LineageError wraps one of the sentinel errors with the device reference
// that failed to resolve and the level at which the chain broke.
type LineageError struct {
	DeviceRef string
	Level     string // device, site, program, company
	Err       error
}

func (e *LineageError) Error() string {
	return fmt.Sprintf("lineage for %q incomplete at %s: %v", e.DeviceRef, e.Level, e.Err)
}

func (e *LineageError) Unwrap() error {
	return e.Err
}

func newLineageError(deviceRef, level string, err error) *LineageError {
	return &LineageError{DeviceRef: deviceRef, Level: level, Err: err}
}
