// Package monitoring is the error-reporting seam. A process-wide Monitor
// starts as a no-op and is swapped for a real backend by the service
// wiring; callers report through the package functions and never see
// which backend is installed.
package monitoring

import "time"

// Monitor receives errors and panics worth shipping out of process.
type Monitor interface {
	CaptureException(err error, tags map[string]string)
	Recover()
	Flush(timeout time.Duration)
}

// NopMonitor discards every report.
type NopMonitor struct{}

func (NopMonitor) CaptureException(error, map[string]string) {}
func (NopMonitor) Recover()                                  {}
func (NopMonitor) Flush(time.Duration)                       {}

var current Monitor = NopMonitor{}

// Init installs the process-wide monitor. A nil monitor is ignored so the
// no-op default survives misconfiguration.
func Init(m Monitor) {
	if m != nil {
		current = m
	}
}

// CaptureException reports err, annotated with the given tags.
func CaptureException(err error, tags map[string]string) {
	if current != nil {
		current.CaptureException(err, tags)
	}
}

// Recover reports the in-flight panic, if any; defer it at the top of
// every long-lived goroutine.
func Recover() {
	if current != nil {
		current.Recover()
	}
}

// Flush waits up to d for buffered reports to leave the process.
func Flush(d time.Duration) {
	if current != nil {
		current.Flush(d)
	}
}
