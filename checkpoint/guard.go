package checkpoint

// Guard is a scoped hold on "the currently active CP" (§5's cp_guard): a
// writer acquires one before mutating state that must be captured by the
// next flush, and releases it when done. The CP a guard was acquired
// against never changes underneath it even if TriggerCPFlush switches
// over while the guard is held, so a long-running writer always finishes
// attributing its work to the CP it started under.
type Guard struct {
	cp *CP
}

// CP returns the checkpoint this guard was acquired against.
func (g Guard) CP() *CP {
	return g.cp
}

// Release drops this guard's hold on its CP, allowing a pending flush to
// proceed once every other guard on the same CP has also released.
func (g Guard) Release() {
	g.cp.decRef()
}
