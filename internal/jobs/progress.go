package jobs

import (
	"bytes"
	"regexp"
	"strconv"
)

// progressPattern is the one piece of esptool output this package relies on:
// "Writing at 0x00012000... (42 %)". Everything else on the line is ignored.
var progressPattern = regexp.MustCompile(`\((\d+) %\)`)

// ParseProgress extracts the percentage from a line of flashing tool output.
// The value is returned as reported, without range checks; ok is false when
// the line carries no progress.
func ParseProgress(line string) (percent int, ok bool) {
	match := progressPattern.FindStringSubmatch(line)
	if match == nil {
		return 0, false
	}
	value, err := strconv.Atoi(match[1])
	if err != nil {
		// more digits than fit in an int
		return 0, false
	}
	return value, true
}

// ScanLines is a bufio.SplitFunc that ends lines at "\n", "\r\n" or a lone
// "\r". Progress-style tools redraw a single terminal line with bare carriage
// returns, and each redraw must be seen as its own line.
func ScanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}

	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		if data[i] == '\n' {
			return i + 1, data[:i], nil
		}
		// '\r': need one more byte to know whether this is "\r\n"
		if i+1 < len(data) {
			if data[i+1] == '\n' {
				return i + 2, data[:i], nil
			}
			return i + 1, data[:i], nil
		}
		if atEOF {
			return i + 1, data[:i], nil
		}
		return 0, nil, nil
	}

	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
