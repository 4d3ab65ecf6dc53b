// Package logging provides the three logging streams used across the
// estimation pipeline. Ops carries lifecycle events and data loss, diag
// carries per-sample anomalies useful when tuning, and trace carries
// high-rate detail that is off unless explicitly enabled.
package logging

import (
	"io"
	"log"
	"os"
)

var (
	opsLogger   = newLogger("[ruck] ", os.Stderr)
	diagLogger  *log.Logger
	traceLogger *log.Logger
)

// SetWriters configures the three logging streams. Pass nil for any writer
// to disable that stream.
func SetWriters(ops, diag, trace io.Writer) {
	opsLogger = newLogger("[ruck] ", ops)
	diagLogger = newLogger("[ruck] ", diag)
	traceLogger = newLogger("[ruck] ", trace)
}

// SetSingleWriter routes all three streams to one writer. Pass nil to
// disable all logging.
func SetSingleWriter(w io.Writer) {
	SetWriters(w, w, w)
}

func newLogger(prefix string, w io.Writer) *log.Logger {
	if w == nil {
		return nil
	}
	return log.New(w, prefix, log.LstdFlags|log.Lmicroseconds)
}

// Opsf logs to the ops stream (session lifecycle, tier changes, data loss).
func Opsf(format string, args ...interface{}) {
	if opsLogger != nil {
		opsLogger.Printf(format, args...)
	}
}

// Diagf logs to the diag stream (dropped samples, rejected fixes, stale data).
func Diagf(format string, args ...interface{}) {
	if diagLogger != nil {
		diagLogger.Printf(format, args...)
	}
}

// Tracef logs to the trace stream (per-sample estimation telemetry).
func Tracef(format string, args ...interface{}) {
	if traceLogger != nil {
		traceLogger.Printf(format, args...)
	}
}
