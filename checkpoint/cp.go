// Package checkpoint implements the globally serialized flush-epoch
// machinery (§5): a monotonically increasing sequence of checkpoints, each
// owning a generation of in-flight writes, flushed atomically across every
// registered Consumer before the next checkpoint may itself flush.
//
// It grounds on the teacher's internal/wal generation/rotation bookkeeping
// (one active segment accepting writes while the previous rotates out and
// is durably synced), generalized from "one WAL segment" to "one flush
// epoch shared by an arbitrary set of consumers".
package checkpoint

import (
	"sync/atomic"

	"github.com/xiaoxichen/homestore/internal/lsn"
)

// State is a checkpoint's lifecycle stage.
type State int32

const (
	StateActive State = iota
	StateFlushing
	StateDone
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateFlushing:
		return "flushing"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// CP is one checkpoint: a flush epoch that writers enter via Guard while
// they are producing state that must be captured by the next flush, and
// that consumers flush once no writer holds it anymore.
type CP struct {
	ID    int64
	state atomic.Int32

	// refs counts writers currently attributing their work to this CP.
	// A flush cannot start until refs reaches zero (§5: "a CP only starts
	// flushing once every writer that entered under it has left").
	refs atomic.Int64

	// LastLSN is a per-CP LSN slot available to consumers. Nothing in this
	// module sets or reads it; SoloReplDev keeps its own commit_upto and
	// checkpoint_lsn watermarks.
	LastLSN lsn.Atomic

	// context holds arbitrary per-consumer state accumulated during this
	// CP's active phase (e.g. dirty-page lists), keyed by consumer name.
	context map[string]interface{}
}

func newCP(id int64) *CP {
	return &CP{ID: id, context: make(map[string]interface{})}
}

func (c *CP) State() State {
	return State(c.state.Load())
}

func (c *CP) setState(s State) {
	c.state.Store(int32(s))
}

func (c *CP) incRef() {
	c.refs.Add(1)
}

func (c *CP) decRef() int64 {
	return c.refs.Add(-1)
}

func (c *CP) refCount() int64 {
	return c.refs.Load()
}

// Context returns the per-consumer scratch value stashed on this CP, or
// nil if none was set.
func (c *CP) Context(consumer string) interface{} {
	return c.context[consumer]
}

// SetContext stashes a per-consumer scratch value on this CP.
func (c *CP) SetContext(consumer string, v interface{}) {
	c.context[consumer] = v
}
