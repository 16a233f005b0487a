package util

import (
	"fmt"

	"github.com/pterm/pterm"
)

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05"
	pterm.DefaultLogger.MaxWidth = 1000
}

// Logger prints leveled lines through pterm's default logger, tagged with a
// fixed set of structured arguments. Output goes to stderr.
type Logger struct {
	args []pterm.LoggerArgument
}

// process tags nothing; it backs the package-level Log functions.
var process Logger

// ForInstance returns a Logger whose lines carry the instance number.
func ForInstance(n int) *Logger {
	return &Logger{args: pterm.DefaultLogger.Args("instance", n)}
}

func (l *Logger) print(level pterm.LogLevel, format string, args []interface{}) {
	logger := pterm.DefaultLogger
	if !logger.CanPrint(level) {
		return
	}
	msg := fmt.Sprintf(format, args...)
	switch level {
	case pterm.LogLevelDebug:
		logger.Debug(msg, l.args)
	case pterm.LogLevelWarn:
		logger.Warn(msg, l.args)
	case pterm.LogLevelError:
		logger.Error(msg, l.args)
	default:
		logger.Info(msg, l.args)
	}
}

func (l *Logger) Debug(format string, args ...interface{}) { l.print(pterm.LogLevelDebug, format, args) }
func (l *Logger) Info(format string, args ...interface{})  { l.print(pterm.LogLevelInfo, format, args) }
func (l *Logger) Warn(format string, args ...interface{})  { l.print(pterm.LogLevelWarn, format, args) }
func (l *Logger) Error(format string, args ...interface{}) { l.print(pterm.LogLevelError, format, args) }

func LogInfo(format string, args ...interface{})    { process.Info(format, args...) }
func LogSuccess(format string, args ...interface{}) { process.Info(format, args...) }
func LogWarning(format string, args ...interface{}) { process.Warn(format, args...) }
func LogError(format string, args ...interface{})   { process.Error(format, args...) }

// EnableDebug configures the logger to show debug messages.
func EnableDebug() {
	pterm.DefaultLogger.Level = pterm.LogLevelDebug
}

// DebugEnabled reports whether debug messages are printed, so that callers
// can skip building expensive trace arguments.
func DebugEnabled() bool {
	return pterm.DefaultLogger.CanPrint(pterm.LogLevelDebug)
}
