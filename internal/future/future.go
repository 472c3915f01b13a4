// Package future implements the single-resolution completion signal used
// throughout the core wherever the spec calls for "a future that resolves
// with an error code" (§5: "results are futures that complete with an
// error code"). It grounds on the channel-plus-waitgroup completion
// signals the teacher already uses for memtable flush and writer shutdown
// (internal/memtable/memtable.go's flushed channel, pkg/storage/file.go's
// done channel), generalized into a single reusable type instead of a
// bespoke channel at each call site.
package future

import "sync"

// Future is a one-shot completion signal carrying an error (nil on
// success). It is safe to call Wait from multiple goroutines; each sees
// the same result once resolved.
type Future struct {
	done chan struct{}
	once sync.Once
	err  error
}

// New returns an unresolved Future and the function used to resolve it.
// Resolve is idempotent; only the first call's error is kept.
func New() (*Future, func(error)) {
	f := &Future{done: make(chan struct{})}
	resolve := func(err error) {
		f.once.Do(func() {
			f.err = err
			close(f.done)
		})
	}
	return f, resolve
}

// Done returns a channel closed when the future resolves, for use in a
// select alongside other events (e.g. shutdown).
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future resolves and returns its error.
func (f *Future) Wait() error {
	<-f.done
	return f.err
}

// Resolved returns an already-resolved Future, useful for synchronous
// fast paths (e.g. trigger_cp_flush's "already in-flush, !force" branch).
func Resolved(err error) *Future {
	f, resolve := New()
	resolve(err)
	return f
}

// Join returns a Future that resolves once every future in fs has
// resolved, with the first non-nil error among them (or nil if all
// succeeded). Used to fan a mirrored write out to N pdevs and wait for all
// copies to land.
func Join(fs ...*Future) *Future {
	f, resolve := New()
	go func() {
		var first error
		for _, sub := range fs {
			if err := sub.Wait(); err != nil && first == nil {
				first = err
			}
		}
		resolve(first)
	}()
	return f
}
