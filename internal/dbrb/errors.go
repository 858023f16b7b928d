package dbrb

import "fmt"

// ProtocolError is the "silently dropped" category of message handling:
// unknown message type, invalid sender signature, sender not in claimed
// view, payload signature failure, reference to an unknown broadcast,
// malformed certificate. Handlers log these at warning level via
// dbrbLogger() and never propagate them past processMessage — the type
// exists so that the logging call sites stay uniform and testable.
type ProtocolError struct {
	Op     string
	Reason string
	Cause  error
}

func (e *ProtocolError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("dbrb: %s: %s: %v", e.Op, e.Reason, e.Cause)
	}
	return fmt.Sprintf("dbrb: %s: %s", e.Op, e.Reason)
}

func (e *ProtocolError) Unwrap() error {
	return e.Cause
}

func dropf(op, reason string, cause error) *ProtocolError {
	return &ProtocolError{Op: op, Reason: reason, Cause: cause}
}

// logDrop logs a ProtocolError at warning level and discards it, the single
// call site every handler uses for the "silently dropped" category.
func logDrop(err *ProtocolError) {
	dbrbLogger().Warnw("dropping message", "op", err.Op, "reason", err.Reason, "cause", err.Cause)
	recordDrop(err.Op)
}

// ConfigError is surfaced from configuration loading/validation — an
// invalid shard size and similar misconfigurations that should stop
// startup but are not engine-internal faults. Missing bootstrap processes
// are reported as a FatalError instead.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("dbrb: config %s: %s", e.Field, e.Reason)
}

// FatalError models conditions that should abort process startup outright
// (no DBRB processes available at boot, an impossible re-registration
// expiration time).
type FatalError struct {
	Reason string
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("dbrb: fatal: %s", e.Reason)
}
