package checkpoint

import "context"

// Consumer is the capability every subsystem that participates in
// checkpointing must implement (§5): device, journal, and repl-dev state
// all flush through this same interface so CPManager can fan a flush out
// without knowing what it's flushing.
type Consumer interface {
	// Name identifies the consumer for logging and progress reporting.
	Name() string

	// OnSwitchoverCP is called synchronously, on the triggering goroutine,
	// the instant the current CP changes from prev to next. Consumers use
	// it to snapshot whatever mutable state they need captured under prev
	// before new writers start accumulating state under next.
	OnSwitchoverCP(prev, next *CP)

	// CPFlush durably persists everything this consumer accumulated under
	// cp. It is only ever called after cp's writer refcount has reached
	// zero.
	CPFlush(ctx context.Context, cp *CP) error

	// CPCleanup runs after every consumer's CPFlush for cp has succeeded,
	// releasing resources (e.g. trimming a journal) now that cp is durable.
	CPCleanup(cp *CP)

	// ProgressPercent reports how far this consumer's in-flight CPFlush
	// has gotten, in [0, 100]. Consumers not currently flushing return 100.
	ProgressPercent() int

	// RepairSlowCP is invoked by the watchdog when the flush's progress has
	// stopped advancing across consecutive checks and this consumer is still
	// below 100%, giving the consumer a chance to force progress (e.g. abort
	// a stuck I/O and retry). The watchdog does not escalate further: if the
	// flush stays stuck, it calls RepairSlowCP again after the next run of
	// stalled checks.
	RepairSlowCP(cp *CP)
}
