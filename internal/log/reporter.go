package log

import "fmt"

// Reporter delivers non-fatal loader errors. Every report goes to the
// structured log; Dialog, when set, additionally receives the message for
// user-facing display (the CLI prints a banner, a GUI host could pop a
// dialog). Reporting never stops execution.
type Reporter struct {
	Log    *Logger
	Dialog func(msg string)
}

// NewReporter creates a Reporter backed by the given logger.
func NewReporter(l *Logger) *Reporter {
	return &Reporter{Log: l}
}

// Report delivers a non-fatal error message.
func (r *Reporter) Report(msg string) {
	if r.Log != nil {
		r.Log.Error("Error occurred: " + msg)
	}
	if r.Dialog != nil {
		r.Dialog(msg)
	}
}

// Reportf delivers a formatted non-fatal error message.
func (r *Reporter) Reportf(format string, args ...any) {
	r.Report(fmt.Sprintf(format, args...))
}

// ReportErr delivers a message with the underlying host error appended.
func (r *Reporter) ReportErr(msg string, err error) {
	if err != nil {
		msg = msg + "\n" + err.Error()
	}
	r.Report(msg)
}
