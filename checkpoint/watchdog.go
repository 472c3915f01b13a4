package checkpoint

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Watchdog periodically samples the aggregate flush progress of whatever
// CP is currently flushing and calls Consumer.RepairSlowCP on every
// consumer still below 100% when progress stops advancing for
// missThreshold consecutive samples. After a repair the stall counter
// starts over, so a flush that stays stuck is repaired again every
// missThreshold samples; the watchdog takes no further action beyond that.
//
// Progress is recorded as the average of every consumer's ProgressPercent
// (cum_pct / count); a sample only resets the stall counter when that
// average strictly increases over the highest value seen so far. Because
// it is an average, progress by any one consumer resets the counter even
// while another consumer is stuck.
type Watchdog struct {
	m *Manager

	mu        sync.Mutex
	ticker    *time.Ticker
	stopCh    chan struct{}
	interval  time.Duration
	missLimit int

	trackedCP   *CP
	trackedCons []Consumer
	storedPct   int
	misses      int
}

func newWatchdog(m *Manager) *Watchdog {
	return &Watchdog{m: m}
}

func (w *Watchdog) start(interval time.Duration, missThreshold int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ticker != nil {
		return
	}
	w.interval = interval
	w.missLimit = missThreshold
	w.ticker = time.NewTicker(interval)
	w.stopCh = make(chan struct{})
	go w.loop(w.ticker, w.stopCh)
}

func (w *Watchdog) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ticker == nil {
		return
	}
	w.ticker.Stop()
	close(w.stopCh)
	w.ticker = nil
}

func (w *Watchdog) loop(ticker *time.Ticker, stopCh chan struct{}) {
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			w.sample()
		}
	}
}

// beginTracking is called under runFlush right before the fan-out flush
// starts, so the watchdog knows which CP and consumer set to sample.
func (w *Watchdog) beginTracking(cp *CP, consumers []Consumer) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.trackedCP = cp
	w.trackedCons = consumers
	w.storedPct = 0
	w.misses = 0
}

func (w *Watchdog) endTracking() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.trackedCP = nil
	w.trackedCons = nil
}

func (w *Watchdog) sample() {
	w.mu.Lock()
	cp := w.trackedCP
	consumers := w.trackedCons
	w.mu.Unlock()

	if cp == nil || len(consumers) == 0 {
		return
	}

	sum := 0
	for _, c := range consumers {
		sum += c.ProgressPercent()
	}
	avg := sum / len(consumers)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.trackedCP != cp {
		return // flush finished/changed between unlock and re-lock
	}

	if avg > w.storedPct {
		w.storedPct = avg
		w.misses = 0
		return
	}

	w.misses++
	if w.misses < w.missLimit {
		return
	}

	logrus.WithField("cp_id", cp.ID).Warn("checkpoint flush stalled, invoking repair_slow_cp")
	for _, c := range consumers {
		if c.ProgressPercent() < 100 {
			c.RepairSlowCP(cp)
		}
	}
	w.misses = 0
}
