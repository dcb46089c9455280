package client

import "log/slog"

// Severity decides how an error surfaces to the user.
type Severity int

const (
	// SeverityLog is recorded and otherwise silent.
	SeverityLog Severity = iota
	// SeverityWarning is shown to the user; the session continues.
	SeverityWarning
	// SeverityFatal is shown to the user and terminates the client.
	SeverityFatal
)

// Reporter is the central error sink. The reconciler suppresses expected
// races itself and routes everything else here.
type Reporter interface {
	Report(err error, operation, message string, severity Severity)
}

// LogReporter writes reports through slog. Embedders with a UI replace it
// with something that can raise dialogs.
type LogReporter struct {
	Log *slog.Logger
	// OnFatal runs after a fatal report, defaulting to nothing so tests
	// can observe fatals without the process exiting.
	OnFatal func()
}

// Report implements Reporter.
func (r *LogReporter) Report(err error, operation, message string, severity Severity) {
	log := r.Log
	if log == nil {
		log = slog.Default()
	}
	switch severity {
	case SeverityLog:
		log.Info(message, "operation", operation, "error", err)
	case SeverityWarning:
		log.Warn(message, "operation", operation, "error", err)
	case SeverityFatal:
		log.Error(message, "operation", operation, "error", err)
		if r.OnFatal != nil {
			r.OnFatal()
		}
	}
}
