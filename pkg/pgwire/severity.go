package pgwire

import "log/slog"

// Severity is the severity field of a server error or notice, in its
// non-localized form.
type Severity string

const (
	SeverityError   Severity = "ERROR"
	SeverityFatal   Severity = "FATAL"
	SeverityPanic   Severity = "PANIC"
	SeverityWarning Severity = "WARNING"
	SeverityNotice  Severity = "NOTICE"
	SeverityDebug   Severity = "DEBUG"
	SeverityInfo    Severity = "INFO"
	SeverityLog     Severity = "LOG"
)

// Level maps s to the slog level server messages of that severity are
// logged at. Unknown severities log as warnings.
func (s Severity) Level() slog.Level {
	switch s {
	case SeverityDebug:
		return slog.LevelDebug
	case SeverityInfo, SeverityLog, SeverityNotice:
		return slog.LevelInfo
	case SeverityError, SeverityFatal, SeverityPanic:
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}
