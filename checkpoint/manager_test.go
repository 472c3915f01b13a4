package checkpoint

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeConsumer struct {
	name string

	mu          sync.Mutex
	flushed     []int64
	flushErr    error
	flushDelay  time.Duration
	progressPct atomic.Int32
	repairs     atomic.Int32
}

func newFakeConsumer(name string) *fakeConsumer {
	c := &fakeConsumer{name: name}
	c.progressPct.Store(100)
	return c
}

func (c *fakeConsumer) Name() string { return c.name }

func (c *fakeConsumer) OnSwitchoverCP(prev, next *CP) {}

func (c *fakeConsumer) CPFlush(ctx context.Context, cp *CP) error {
	if c.flushDelay > 0 {
		select {
		case <-time.After(c.flushDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.mu.Lock()
	c.flushed = append(c.flushed, cp.ID)
	c.mu.Unlock()
	return c.flushErr
}

func (c *fakeConsumer) CPCleanup(cp *CP) {}

func (c *fakeConsumer) ProgressPercent() int { return int(c.progressPct.Load()) }

func (c *fakeConsumer) RepairSlowCP(cp *CP) { c.repairs.Add(1) }

func (c *fakeConsumer) flushedCPs() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int64(nil), c.flushed...)
}

func TestTriggerCPFlushRunsEveryConsumer(t *testing.T) {
	var lastCP int64
	m := NewManager(func(cpID int64) error {
		lastCP = cpID
		return nil
	})

	a := newFakeConsumer("a")
	b := newFakeConsumer("b")
	m.RegisterConsumer(a)
	m.RegisterConsumer(b)

	firstCP := m.CurrentCP().ID
	err := m.TriggerCPFlush(context.Background(), true).Wait()
	require.NoError(t, err)

	require.Equal(t, []int64{firstCP}, a.flushedCPs())
	require.Equal(t, []int64{firstCP}, b.flushedCPs())
	require.Equal(t, firstCP, lastCP)
	require.NotEqual(t, firstCP, m.CurrentCP().ID)
}

func TestAcquireGuardBlocksFlushUntilReleased(t *testing.T) {
	m := NewManager(nil)
	c := newFakeConsumer("c")
	m.RegisterConsumer(c)
	m.drainPollInterval = time.Millisecond

	g := m.AcquireGuard()

	done := make(chan error, 1)
	go func() {
		done <- m.TriggerCPFlush(context.Background(), true).Wait()
	}()

	select {
	case <-done:
		t.Fatal("flush completed while guard still held")
	case <-time.After(20 * time.Millisecond):
	}

	g.Release()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("flush did not complete after guard release")
	}
}

func TestNonForceTriggerWhileFlushingReturnsImmediatelyWithoutSideEffect(t *testing.T) {
	m := NewManager(nil)
	c := newFakeConsumer("slow")
	c.flushDelay = 100 * time.Millisecond
	m.RegisterConsumer(c)

	f1 := m.TriggerCPFlush(context.Background(), true)
	time.Sleep(30 * time.Millisecond) // let the first flush actually start

	f2 := m.TriggerCPFlush(context.Background(), false)
	require.NoError(t, f2.Wait())

	// f2 must not have queued a back-to-back round: at this point the only
	// flush running is the first one, still in flight.
	require.Empty(t, c.flushedCPs())

	require.NoError(t, f1.Wait())
	require.Len(t, c.flushedCPs(), 1)
}

func TestForceTriggerWhileFlushingRunsSecondRound(t *testing.T) {
	m := NewManager(nil)
	c := newFakeConsumer("slow")
	c.flushDelay = 100 * time.Millisecond
	m.RegisterConsumer(c)

	f1 := m.TriggerCPFlush(context.Background(), true)
	time.Sleep(30 * time.Millisecond) // let the first flush actually start

	f2 := m.TriggerCPFlush(context.Background(), true)

	require.NoError(t, f1.Wait())
	require.NoError(t, f2.Wait())

	require.Len(t, c.flushedCPs(), 2)
}

func TestWatchdogRepairsStalledConsumer(t *testing.T) {
	m := NewManager(nil)
	c := newFakeConsumer("stuck")
	c.progressPct.Store(0)
	c.flushDelay = 200 * time.Millisecond
	m.RegisterConsumer(c)
	m.StartWatchdog(5*time.Millisecond, 2)
	defer m.StopWatchdog()

	done := make(chan struct{})
	go func() {
		_ = m.TriggerCPFlush(context.Background(), true).Wait()
		close(done)
	}()

	<-done
	require.GreaterOrEqual(t, c.repairs.Load(), int32(1))
}
