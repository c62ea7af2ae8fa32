package audit

import (
	"context"
	"sync/atomic"
)

// AtomicLogger delegates to a Logger that can be replaced at runtime.
// Components capture the AtomicLogger once and always write to whatever
// logger is current, so a config reload can switch the sink without
// re-wiring them.
type AtomicLogger struct {
	current atomic.Pointer[Logger]
}

var _ Logger = (*AtomicLogger)(nil)

var defaultNoopLogger Logger = &noopLogger{}

// NewAtomicLogger wraps logger. A nil logger is replaced by a no-op.
func NewAtomicLogger(logger Logger) *AtomicLogger {
	if logger == nil {
		logger = NewNoopLogger()
	}
	a := &AtomicLogger{}
	a.current.Store(&logger)
	return a
}

// Swap installs next and returns the previous logger, which the caller
// must close.
func (a *AtomicLogger) Swap(next Logger) Logger {
	if next == nil {
		next = NewNoopLogger()
	}
	if old := a.current.Swap(&next); old != nil {
		return *old
	}
	return nil
}

// Load returns the current logger.
func (a *AtomicLogger) Load() Logger {
	if ptr := a.current.Load(); ptr != nil {
		return *ptr
	}
	return defaultNoopLogger
}

// Log delegates to the current logger.
func (a *AtomicLogger) Log(ctx context.Context, record *Record) {
	a.Load().Log(ctx, record)
}

// Close closes the current logger.
func (a *AtomicLogger) Close() error {
	return a.Load().Close()
}
