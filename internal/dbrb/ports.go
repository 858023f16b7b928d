package dbrb

import (
	"context"
	"time"
)

// MessageTransport is the narrow interface the broadcast engines use to
// move signed packets between process identities. A concrete
// implementation owns the actual connection pool and wire codec.
type MessageTransport interface {
	// Enqueue schedules msg for delivery to every recipient, returning
	// immediately; the transport's own worker drains the queue.
	Enqueue(msg Message, recipients []ProcessId)
	// Send delivers msg to a single recipient, used for responses that
	// should not wait behind the broadcast queue.
	Send(msg Message, recipient ProcessId)
	// ClearQueue drops any buffered, not-yet-sent entries. Used when a
	// broadcast is abandoned (e.g. a shard construction failure) and its
	// still-queued messages would otherwise go out.
	ClearQueue()
}

// ViewFetcher supplies the authorised membership the engines run against.
// Implementations are expected to be safe for concurrent read access;
// nothing in this package ever mutates a ViewFetcher.
type ViewFetcher interface {
	// GetView returns the active registered process set at timestamp ts,
	// with the bootstrap process set already merged in.
	GetView(ts time.Time) View
	// BootstrapView returns the static bootstrap membership alone.
	BootstrapView() View
	// GetExpirationTime returns when id's registration lapses, absent a
	// renewal.
	GetExpirationTime(id ProcessId) (time.Time, bool)
	// GetBanPeriod returns how long id remains banned, if currently
	// banned.
	GetBanPeriod(id ProcessId) (time.Duration, bool)
}

// TransactionSender emits the external ledger transactions that carry
// DBRB protocol decisions out of the broadcast core: registering this
// process, notarising an Install, and voting to remove an unresponsive
// process. Submitting and confirming these transactions is handled
// entirely outside this package; the broadcast core only needs to know
// that the call was accepted for processing.
type TransactionSender interface {
	SendAddDbrbProcessTransaction(ctx context.Context) error
	SendInstallMessageTransaction(ctx context.Context, install *InstallMessage) error
	SendRemoveDbrbProcessByNetworkTransaction(ctx context.Context, id ProcessId, timestamp time.Time, votes Certificate) error
}

// ValidationResult is the application's verdict on a received payload.
type ValidationResult int

const (
	// ValidationNeutral means the application has no opinion yet; the
	// Prepare is dropped the same as Invalid. Neither result penalises
	// the sender.
	ValidationNeutral ValidationResult = iota
	ValidationValid
	ValidationInvalid
)

// DbrbMode reports whether the engine is fully participating or is in
// limited processing, which lasts from the receipt of an Install until
// the StateUpdate round for it completes.
type DbrbMode int

const (
	ModeRunning DbrbMode = iota
	ModeLimitedProcessing
)

// DeliverCallback is invoked at most once per (process, payload) once a
// broadcast commits.
type DeliverCallback func(payload []byte)

// ValidationCallback lets the application accept or reject a payload
// before this process acknowledges it.
type ValidationCallback func(payload []byte) ValidationResult

// DbrbModeCallback reports this process's current participation mode to
// the application.
type DbrbModeCallback func() DbrbMode
