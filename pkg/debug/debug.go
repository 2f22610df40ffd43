package debug

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarning
	LevelError
)

var (
	// IsEnabled controls whether debug messages are output
	IsEnabled bool
	// CurrentLevel is the minimum level of messages to output
	CurrentLevel LogLevel
	logger       *logrus.Logger
	levelNames   = map[LogLevel]string{
		LevelDebug:   "DEBUG",
		LevelInfo:    "INFO",
		LevelWarning: "WARNING",
		LevelError:   "ERROR",
	}
	levelMap = map[string]LogLevel{
		"DEBUG":   LevelDebug,
		"INFO":    LevelInfo,
		"WARNING": LevelWarning,
		"ERROR":   LevelError,
	}
	logrusLevels = map[LogLevel]logrus.Level{
		LevelDebug:   logrus.DebugLevel,
		LevelInfo:    logrus.InfoLevel,
		LevelWarning: logrus.WarnLevel,
		LevelError:   logrus.ErrorLevel,
	}
)

// lineFormatter renders entries as
// [LEVEL] [timestamp] [file:line] [function] message
type lineFormatter struct{}

func (lineFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	name := levelNames[LevelInfo]
	for l, ll := range logrusLevels {
		if ll == entry.Level {
			name = levelNames[l]
			break
		}
	}

	line := fmt.Sprintf("[%s] [%s] [%s:%v] [%s] %s",
		name,
		entry.Time.Format("2006-01-02 15:04:05.000"),
		entry.Data["file"],
		entry.Data["line"],
		entry.Data["func"],
		entry.Message,
	)
	for _, key := range []string{"run", "port"} {
		if v, ok := entry.Data[key]; ok {
			line += fmt.Sprintf(" %s=%v", key, v)
		}
	}
	return []byte(line + "\n"), nil
}

func newLogger(w io.Writer) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetLevel(logrus.DebugLevel)
	l.SetFormatter(lineFormatter{})
	return l
}

func init() {
	// stderr keeps log lines out of the progress display on stdout
	logger = newLogger(os.Stderr)
	configureFromEnv()

	if IsEnabled {
		Info("Debug logging initialized - Enabled: %v, Level: %s", IsEnabled, levelNames[CurrentLevel])
	}
}

func configureFromEnv() {
	debugEnv := os.Getenv("DEBUG")
	IsEnabled = debugEnv == "true" || debugEnv == "1"

	levelEnv := strings.ToUpper(os.Getenv("LOG_LEVEL"))
	if level, exists := levelMap[levelEnv]; exists {
		CurrentLevel = level
	} else {
		CurrentLevel = LevelInfo
	}
}

// SetOutput redirects log output
func SetOutput(w io.Writer) {
	logger.SetOutput(w)
}

// Log prints a debug message with the specified level if debugging is enabled
func Log(level LogLevel, format string, v ...interface{}) {
	logWith(nil, level, format, v...)
}

func logWith(fields logrus.Fields, level LogLevel, format string, v ...interface{}) {
	if !IsEnabled || level < CurrentLevel {
		return
	}

	pc, file, line, _ := runtime.Caller(2)
	funcName := "unknown"
	if fn := runtime.FuncForPC(pc); fn != nil {
		funcName = fn.Name()
	}

	entry := logger.WithFields(logrus.Fields{
		"file": file,
		"line": line,
		"func": funcName,
	})
	if len(fields) > 0 {
		entry = entry.WithFields(fields)
	}
	entry.Log(logrusLevels[level], fmt.Sprintf(format, v...))
}

// Debug logs a debug level message
func Debug(format string, v ...interface{}) {
	logWith(nil, LevelDebug, format, v...)
}

// Info logs an info level message
func Info(format string, v ...interface{}) {
	logWith(nil, LevelInfo, format, v...)
}

// Warning logs a warning level message
func Warning(format string, v ...interface{}) {
	logWith(nil, LevelWarning, format, v...)
}

// Error logs an error level message
func Error(format string, v ...interface{}) {
	logWith(nil, LevelError, format, v...)
}

// Entry carries fields (run id, port) attached to every message it logs.
type Entry struct {
	fields logrus.Fields
}

// With returns an Entry tagged with key/value pairs.
func With(key string, value interface{}) *Entry {
	return &Entry{fields: logrus.Fields{key: value}}
}

// With adds another field.
func (e *Entry) With(key string, value interface{}) *Entry {
	fields := make(logrus.Fields, len(e.fields)+1)
	for k, v := range e.fields {
		fields[k] = v
	}
	fields[key] = value
	return &Entry{fields: fields}
}

func (e *Entry) Debug(format string, v ...interface{}) {
	logWith(e.fields, LevelDebug, format, v...)
}

func (e *Entry) Info(format string, v ...interface{}) {
	logWith(e.fields, LevelInfo, format, v...)
}

func (e *Entry) Warning(format string, v ...interface{}) {
	logWith(e.fields, LevelWarning, format, v...)
}

func (e *Entry) Error(format string, v ...interface{}) {
	logWith(e.fields, LevelError, format, v...)
}

// Reinitialize updates the debug settings based on current environment variables
func Reinitialize() {
	configureFromEnv()

	if IsEnabled {
		Info("Debug logging reinitialized - Enabled: %v, Level: %s", IsEnabled, levelNames[CurrentLevel])
	}
}
