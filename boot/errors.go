package boot

import (
	"errors"
	"fmt"
)

var (
	// ErrConfigInvalid is the sentinel "config_invalid" wraps.
	ErrConfigInvalid = errors.New("boot: config_invalid")
	// ErrFSUnavailable is the sentinel "fs_unavailable" wraps.
	ErrFSUnavailable = errors.New("boot: fs_unavailable")
)

// SubsystemError records one subsystem's construction failure, whether or
// not it ultimately aborts the boot.
type SubsystemError struct {
	Subsystem string
	Code      string
	Err       error
}

func (e SubsystemError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Subsystem, e.Code, e.Err)
}

// Error is a structured boot-abort error listing every subsystem's status
// and the elapsed boot time.
type Error struct {
	Subsystems map[string]string
	Failures   []SubsystemError
	BootTimeMs int64
}

func (e *Error) Error() string {
	return fmt.Sprintf("boot: aborted after %dms with %d P0 failure(s)", e.BootTimeMs, len(e.Failures))
}
