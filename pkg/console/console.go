package console

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

var (
	// Global writer for console output
	writer io.Writer = os.Stdout

	// Mutex for thread-safe console output
	mu sync.Mutex

	// ANSI color codes
	colorReset  = "\033[0m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorRed    = "\033[31m"
	colorCyan   = "\033[36m"

	// ANSI cursor control
	clearLine = "\r\033[K"

	// Check if colors are supported
	colorsSupported = IsTerminal(os.Stdout)
)

// IsTerminal reports whether w is an interactive terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

// TerminalWidth returns the column count of w, or fallback when unknown.
func TerminalWidth(w io.Writer, fallback int) int {
	f, ok := w.(*os.File)
	if !ok {
		return fallback
	}
	width, _, err := term.GetSize(int(f.Fd()))
	if err != nil || width <= 0 {
		return fallback
	}
	return width
}

// SetWriter sets the output writer (useful for testing)
func SetWriter(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	writer = w
	colorsSupported = IsTerminal(w)
}

// Writer returns the current output writer.
func Writer() io.Writer {
	mu.Lock()
	defer mu.Unlock()
	return writer
}

// color returns the colored string if colors are supported
func color(text, colorCode string) string {
	if !colorsSupported {
		return text
	}
	return colorCode + text + colorReset
}

// Print outputs a message to the console
func Print(format string, args ...interface{}) {
	mu.Lock()
	defer mu.Unlock()

	fmt.Fprintln(writer, fmt.Sprintf(format, args...))
}

// Info outputs an info message with optional color
func Info(format string, args ...interface{}) {
	Print("["+color("INFO", colorBlue)+"] "+format, args...)
}

// Success outputs a success message in green
func Success(format string, args ...interface{}) {
	Print("["+color("OK", colorGreen)+"] "+format, args...)
}

// Warning outputs a warning message in yellow
func Warning(format string, args ...interface{}) {
	Print("["+color("WARN", colorYellow)+"] "+format, args...)
}

// Error outputs an error message in red
func Error(format string, args ...interface{}) {
	Print("["+color("ERROR", colorRed)+"] "+format, args...)
}

// Status outputs a status message in cyan
func Status(format string, args ...interface{}) {
	Print("["+color("*", colorCyan)+"] "+format, args...)
}

// ProgressBar generates a progress bar string
func ProgressBar(current, total int64, width int) string {
	if total == 0 {
		return strings.Repeat("─", width)
	}

	percent := float64(current) * 100.0 / float64(total)
	filled := int(float64(width) * float64(current) / float64(total))

	if filled > width {
		filled = width
	}
	if filled < 0 {
		filled = 0
	}

	bar := "["
	bar += strings.Repeat("=", filled)
	if filled < width {
		bar += ">"
		bar += strings.Repeat(" ", width-filled-1)
	}
	bar += "]"

	return fmt.Sprintf("%s %6.2f%%", bar, percent)
}

// FormatDuration formats a duration into human-readable format
func FormatDuration(seconds int) string {
	if seconds < 0 {
		return "calculating..."
	}

	hours := seconds / 3600
	minutes := (seconds % 3600) / 60
	secs := seconds % 60

	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, secs)
	} else if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, secs)
	}
	return fmt.Sprintf("%ds", secs)
}
