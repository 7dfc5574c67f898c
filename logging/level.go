package logging

import (
	"github.com/sirupsen/logrus"

	"go.yogi.dev/core/yerrors"
)

// Level is one of spec.md §6's six named logging levels, ordered from
// noisiest to quietest.
type Level int

const (
	Trace Level = iota
	Debug
	Info
	Warning
	Error
	Fatal
)

func (l Level) String() string {
	switch l {
	case Trace:
		return "TRACE"
	case Debug:
		return "DEBUG"
	case Info:
		return "INFO"
	case Warning:
		return "WARNING"
	case Error:
		return "ERROR"
	case Fatal:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel parses one of spec.md §6's six level names, spelled either all
// upper-case or all lower-case.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "TRACE", "trace":
		return Trace, nil
	case "DEBUG", "debug":
		return Debug, nil
	case "INFO", "info":
		return Info, nil
	case "WARNING", "warning":
		return Warning, nil
	case "ERROR", "error":
		return Error, nil
	case "FATAL", "fatal":
		return Fatal, nil
	default:
		return 0, yerrors.New(yerrors.BadConfiguration, "%q is not a recognized log level", s)
	}
}

// logrusLevel maps a Level onto the logrus.Level it permits: a sink
// configured at Level l emits any logrus entry at or above the mapped
// severity. logrus has no TRACE-quieter-than-DEBUG distinction beyond its
// own logrus.TraceLevel, which lines up one-to-one with spec.md's TRACE.
func (l Level) logrusLevel() logrus.Level {
	switch l {
	case Trace:
		return logrus.TraceLevel
	case Debug:
		return logrus.DebugLevel
	case Info:
		return logrus.InfoLevel
	case Warning:
		return logrus.WarnLevel
	case Error:
		return logrus.ErrorLevel
	case Fatal:
		return logrus.FatalLevel
	default:
		return logrus.InfoLevel
	}
}
