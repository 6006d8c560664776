// Package telemetry wires the ambient logging and metrics stack shared
// by every package in this module. Logging follows zap, the structured
// logger used throughout the example corpus; metrics follow the
// Prometheus client library.
package telemetry

import "go.uber.org/zap"

// base is the process-wide logger. Production callers normally leave it
// at its default (a production JSON encoder); tests can swap in a no-op
// logger via SetLogger to keep test output quiet.
var base = mustDefault()

func mustDefault() *zap.Logger {
	l, err := zap.NewProduction()
	if err != nil {
		// zap.NewProduction only fails on a broken encoder/sink config,
		// which never happens with the zero-value config it builds
		// internally; fall back to a no-op rather than panic a library
		// import.
		return zap.NewNop()
	}
	return l
}

// SetLogger replaces the process-wide logger. Intended for tests and for
// hosts that want to route this library's logs into their own zap core.
func SetLogger(l *zap.Logger) {
	base = l
}

// Component returns a child logger tagged with a "component" field, the
// convention this module's packages use to identify which subsystem
// emitted a given line (e.g. "bptree", "epoch").
func Component(name string) *zap.Logger {
	return base.With(zap.String("component", name))
}
