package jobs

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/oee-monitor/fleetflash/pkg/console"
)

// ErrNoEndpoints means discovery found nothing to flash.
var ErrNoEndpoints = errors.New("no matching serial ports found")

// Process exit codes of a flashing run.
const (
	ExitOK          = 0
	ExitFailures    = 1
	ExitNoEndpoints = 2
	ExitInterrupted = 130
)

// WriteSummary prints the end-of-run report: totals, then one line per
// failed port with its cause and, after an interrupt, the ports that never
// finished.
func WriteSummary(w io.Writer, result *Result) error {
	if result == nil {
		result = &Result{}
	}

	var b strings.Builder
	fmt.Fprintln(&b)
	fmt.Fprintln(&b, "Flashing summary")
	if result.RunID != "" {
		fmt.Fprintf(&b, "  Run:       %s\n", result.RunID)
	}
	fmt.Fprintf(&b, "  Total:     %d\n", result.Summary.Total)
	fmt.Fprintf(&b, "  Succeeded: %d\n", result.Summary.Succeeded)
	fmt.Fprintf(&b, "  Failed:    %d\n", result.Summary.Failed)
	if !result.Finished.IsZero() && !result.Started.IsZero() {
		fmt.Fprintf(&b, "  Elapsed:   %s\n", formatElapsed(result))
	}

	if failures := result.Failures(); len(failures) > 0 {
		fmt.Fprintln(&b, "Failed ports:")
		for _, o := range failures {
			fmt.Fprintf(&b, "  %s: %s\n", o.Port, o.Cause())
		}
	}

	if len(result.Pending) > 0 {
		fmt.Fprintf(&b, "Interrupted before finishing: %s\n", strings.Join(result.Pending, ", "))
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func formatElapsed(result *Result) string {
	return console.FormatDuration(int(result.Finished.Sub(result.Started).Seconds()))
}

// ExitCode maps the result of a run to the process exit status. runErr is
// the error returned by FlashManager.Run, if any.
func ExitCode(result *Result, discovered int, runErr error) int {
	switch {
	case errors.Is(runErr, ErrInterrupted):
		return ExitInterrupted
	case discovered == 0:
		return ExitNoEndpoints
	case runErr != nil:
		return ExitFailures
	case result == nil:
		return ExitFailures
	case result.Summary.Failed > 0:
		return ExitFailures
	case result.Summary.Succeeded != discovered:
		// a job without an outcome is not a success
		return ExitFailures
	default:
		return ExitOK
	}
}
