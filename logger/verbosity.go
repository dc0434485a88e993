package logger

import "go.uber.org/zap/zapcore"

// Verbosity level constants for CLI flag counts.
const (
	VerbosityUser  = 0 // No flags: results, warnings and errors only
	VerbosityInfo  = 1 // -v: + scheduler ticks, dispatches, run transitions
	VerbosityDebug = 2 // -vv: + store queries, evaluator decisions
)

// VerbosityToLevel maps verbosity flags (-v, -vv, etc.) to zap log levels
func VerbosityToLevel(verbosity int) zapcore.Level {
	switch verbosity {
	case VerbosityUser:
		return zapcore.WarnLevel
	case VerbosityInfo:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}
