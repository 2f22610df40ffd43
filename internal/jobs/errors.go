package jobs

import (
	"errors"
	"fmt"
)

// ErrInterrupted is returned by FlashManager.Run when its context ends
// before every job reported an outcome.
var ErrInterrupted = errors.New("flashing interrupted")

// LaunchError means the flashing tool could not be started for a port
// (missing executable, permission denied, ...).
type LaunchError struct {
	Port string
	Err  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("failed to launch flashing tool for %s: %v", e.Port, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// StreamReadError means the tool's output could not be read to the end or
// the process could not be waited on.
type StreamReadError struct {
	Port string
	Err  error
}

func (e *StreamReadError) Error() string {
	return fmt.Sprintf("lost output of flashing tool for %s: %v", e.Port, e.Err)
}

func (e *StreamReadError) Unwrap() error { return e.Err }

// ExitError reports a tool run that ended with a non-zero status.
type ExitError struct {
	Port string
	Code int
}

func (e *ExitError) Error() string {
	if e.Code < 0 {
		return fmt.Sprintf("flashing tool for %s was terminated by a signal", e.Port)
	}
	return fmt.Sprintf("flashing tool for %s exited with code %d", e.Port, e.Code)
}
