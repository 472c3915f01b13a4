package checkpoint

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/xiaoxichen/homestore/internal/future"
)

// SuperblockWriter persists the id of the last successfully flushed
// checkpoint. CPManager calls it once per completed flush; the root
// package's writer encodes the record with EncodeSuperblock
// (checkpoint/superblock.go). Nothing in this module reads it back at
// startup.
type SuperblockWriter func(cpID int64) error

// Manager drives the checkpoint lifecycle: switchover, fan-out flush across
// every registered Consumer, and post-flush cleanup (§5). At most one
// flush runs at a time. A trigger that arrives while a flush is already
// running is dropped unless it is forced; forced triggers are queued as
// exactly one more back-to-back flush (shared by all of them) once the
// current one finishes.
type Manager struct {
	mu        sync.RWMutex
	consumers []Consumer

	current atomic.Pointer[CP]
	nextID  atomic.Int64

	sf singleflight.Group

	// roundMu guards flushing, pendingBackToBk, and nextRoundWaiters, which
	// together decide whether a trigger starts a fresh flush, is dropped as
	// a no-op, or is queued as a back-to-back round (§4.F).
	roundMu          sync.Mutex
	flushing         bool
	pendingBackToBk  bool
	nextRoundWaiters []func(error)

	drainPollInterval time.Duration

	writeSuperblock SuperblockWriter

	watchdog *Watchdog

	log *logrus.Entry
}

// NewManager returns a Manager whose first checkpoint (id 1) is
// immediately active.
func NewManager(sbw SuperblockWriter) *Manager {
	m := &Manager{
		writeSuperblock:   sbw,
		drainPollInterval: time.Millisecond,
		log:               logrus.WithField("component", "cp_manager"),
	}
	first := newCP(1)
	m.nextID.Store(1)
	m.current.Store(first)
	m.watchdog = newWatchdog(m)
	return m
}

// RegisterConsumer adds a checkpoint participant. Must be called before
// the first TriggerCPFlush.
func (m *Manager) RegisterConsumer(c Consumer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consumers = append(m.consumers, c)
}

// CurrentCP returns the checkpoint new writers should attribute their work
// to.
func (m *Manager) CurrentCP() *CP {
	return m.current.Load()
}

// AcquireGuard pins the current CP so it cannot start flushing until the
// guard is released (§5 cp_guard).
func (m *Manager) AcquireGuard() Guard {
	cp := m.current.Load()
	cp.incRef()
	return Guard{cp: cp}
}

// StartWatchdog begins periodic stall detection with the given interval
// and miss threshold. Safe to call once at startup.
func (m *Manager) StartWatchdog(interval time.Duration, missThreshold int) {
	m.watchdog.start(interval, missThreshold)
}

func (m *Manager) StopWatchdog() {
	m.watchdog.stop()
}

// TriggerCPFlush starts a checkpoint switchover and flush (§4.F). If no
// flush is in progress, it starts one and returns a future resolved when
// that flush completes. If a flush is already in progress and force is
// false, the call has no side effect and returns an already-resolved
// future, matching the "don't block the common path behind a slow flush"
// design. If a flush is already in progress and force is true, it queues
// exactly one more back-to-back round to run immediately after the
// current one finishes, and returns a future resolved when THAT round
// completes, not the one already running.
func (m *Manager) TriggerCPFlush(ctx context.Context, force bool) *future.Future {
	m.roundMu.Lock()
	if m.flushing {
		if !force {
			m.roundMu.Unlock()
			return future.Resolved(nil)
		}
		f, resolve := future.New()
		m.pendingBackToBk = true
		m.nextRoundWaiters = append(m.nextRoundWaiters, resolve)
		m.roundMu.Unlock()
		return f
	}
	m.flushing = true
	m.roundMu.Unlock()

	f, resolve := future.New()
	go func() {
		_, _, _ = m.sf.Do("cp_flush", func() (interface{}, error) {
			return nil, m.driveFlushLoop(ctx, resolve)
		})
	}()
	return f
}

// driveFlushLoop runs the round that made flushing true, then keeps
// running back-to-back rounds for as long as a force trigger queued one
// while the previous round was running, resolving each round's waiters
// with that round's own result. flushing only flips back to false in the
// same critical section that finds no back-to-back round queued, so a
// force trigger arriving in the gap either observes flushing still true
// (and is folded into the loop) or observes it already false (and starts
// a brand new round itself) — never a queued waiter the loop has already
// stopped checking for.
func (m *Manager) driveFlushLoop(ctx context.Context, resolveFirst func(error)) error {
	err := m.runFlush(ctx)
	resolveFirst(err)
	for {
		m.roundMu.Lock()
		if !m.pendingBackToBk {
			m.flushing = false
			m.roundMu.Unlock()
			return err
		}
		m.pendingBackToBk = false
		waiters := m.nextRoundWaiters
		m.nextRoundWaiters = nil
		m.roundMu.Unlock()

		m.log.Debug("running back-to-back checkpoint flush")
		roundErr := m.runFlush(ctx)
		if err == nil {
			err = roundErr
		}
		for _, resolve := range waiters {
			resolve(roundErr)
		}
	}
}

func (m *Manager) runFlush(ctx context.Context) error {
	m.mu.RLock()
	consumers := append([]Consumer(nil), m.consumers...)
	m.mu.RUnlock()

	prev := m.current.Load()
	next := newCP(m.nextID.Add(1))
	m.current.Store(next)

	for _, c := range consumers {
		c.OnSwitchoverCP(prev, next)
	}

	if err := m.drainWriters(ctx, prev); err != nil {
		return err
	}

	prev.setState(StateFlushing)
	m.watchdog.beginTracking(prev, consumers)
	defer m.watchdog.endTracking()

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range consumers {
		c := c
		g.Go(func() error {
			return c.CPFlush(gctx, prev)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	prev.setState(StateDone)
	for _, c := range consumers {
		c.CPCleanup(prev)
	}

	if m.writeSuperblock != nil {
		if err := m.writeSuperblock(prev.ID); err != nil {
			return err
		}
	}

	m.log.WithField("cp_id", prev.ID).Info("checkpoint flushed")
	return nil
}

// drainWriters waits until no writer holds a guard on cp. Writers are
// expected to hold guards only briefly (the duration of one write), so a
// short poll loop is sufficient rather than a condition variable.
func (m *Manager) drainWriters(ctx context.Context, cp *CP) error {
	for cp.refCount() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.drainPollInterval):
		}
	}
	return nil
}
