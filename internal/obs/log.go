// Package obs provides the ambient observability stack shared by every
// ZHTP subsystem: a structured logger and a Prometheus metric registry.
// Concrete log sinks and metric exporters are the caller's concern; this
// package only wires the interfaces subsystems are built against.
package obs

import "go.uber.org/zap"

// NewNop returns a logger that discards everything, used as the safe
// zero-value default when a caller does not supply one.
func NewNop() *zap.Logger {
	return zap.NewNop()
}

// Named returns a child logger scoped to a subsystem name, or a no-op
// logger if l is nil.
func Named(l *zap.Logger, name string) *zap.Logger {
	if l == nil {
		return NewNop()
	}
	return l.Named(name)
}
