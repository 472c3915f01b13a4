// Package freelist is the in-memory best-fit index over a PhysicalDev's
// free chunks. It grounds on the teacher's internal/skiplist: the same
// precomputed-probability, geometrically-distributed height scheme (§4.C
// wants O(log n) "smallest free chunk >= req_size" search), stripped of
// the arena/unsafe-pointer plumbing that skiplist needed for a
// concurrently-mutated in-process memtable. Chunk allocation is already
// serialized by PhysicalDev's own mutex (§5), so this list assumes a
// single writer and needs no atomics of its own.
//
// The persisted, structural truth of chunk adjacency is the doubly-linked
// prev_chunk_id/next_chunk_id list described in §3; this skiplist is a
// derived, rebuildable-on-load index used only to make allocation fast.
package freelist

import (
	"math"
	"math/rand"
)

const maxHeight = 12

// pValue is the geometric-distribution parameter recommended by the
// original skiplist paper: the inverse of Euler's number, minimizing
// expected search cost.
const pValue = 1 / math.E

var probabilities [maxHeight]uint32

func init() {
	p := 1.0
	for i := 0; i < maxHeight; i++ {
		probabilities[i] = uint32(float64(math.MaxUint32) * p)
		p *= pValue
	}
}

// Key orders free chunks by size first (for best-fit search), then by
// start offset as a tiebreaker (§4.B: "best-fit; tie-break by lower
// offset").
type Key struct {
	Size   uint64
	Offset uint64
}

func (k Key) less(other Key) bool {
	if k.Size != other.Size {
		return k.Size < other.Size
	}
	return k.Offset < other.Offset
}

// Entry associates a free-list key with the chunk-id it describes.
type Entry struct {
	Key     Key
	ChunkID uint32
}

type node struct {
	entry Entry
	next  []*node
}

// List is a best-fit index of free chunks, ordered by (size, offset).
// Not safe for concurrent use.
type List struct {
	head   *node
	height int
	rnd    *rand.Rand
	length int
}

func New() *List {
	return &List{
		head:   &node{next: make([]*node, maxHeight)},
		height: 1,
		rnd:    rand.New(rand.NewSource(1)),
	}
}

func (l *List) randomHeight() int {
	r := l.rnd.Uint32()
	h := 1
	for h < maxHeight && r <= probabilities[h] {
		h++
	}
	return h
}

// Insert adds a free chunk to the index.
func (l *List) Insert(e Entry) {
	update := make([]*node, maxHeight)
	cur := l.head
	for i := l.height - 1; i >= 0; i-- {
		for cur.next[i] != nil && cur.next[i].entry.Key.less(e.Key) {
			cur = cur.next[i]
		}
		update[i] = cur
	}

	h := l.randomHeight()
	if h > l.height {
		for i := l.height; i < h; i++ {
			update[i] = l.head
		}
		l.height = h
	}

	n := &node{entry: e, next: make([]*node, h)}
	for i := 0; i < h; i++ {
		n.next[i] = update[i].next[i]
		update[i].next[i] = n
	}
	l.length++
}

// Delete removes the free-list entry for chunkID at key, returning false
// if it is not present.
func (l *List) Delete(key Key, chunkID uint32) bool {
	update := make([]*node, maxHeight)
	cur := l.head
	for i := l.height - 1; i >= 0; i-- {
		for cur.next[i] != nil && cur.next[i].entry.Key.less(key) {
			cur = cur.next[i]
		}
		update[i] = cur
	}

	target := update[0].next[0]
	for target != nil && target.entry.Key == key && target.entry.ChunkID != chunkID {
		update[0] = target
		target = target.next[0]
	}
	if target == nil || target.entry.Key != key || target.entry.ChunkID != chunkID {
		return false
	}

	for i := 0; i < l.height; i++ {
		if update[i].next[i] != target {
			continue
		}
		update[i].next[i] = target.next[i]
	}
	l.length--
	return true
}

// BestFit returns the smallest free chunk whose size is >= minSize,
// breaking ties by lowest offset, or ok=false if none exists.
func (l *List) BestFit(minSize uint64) (e Entry, ok bool) {
	cur := l.head
	target := Key{Size: minSize}
	for i := l.height - 1; i >= 0; i-- {
		for cur.next[i] != nil && cur.next[i].entry.Key.less(target) {
			cur = cur.next[i]
		}
	}
	next := cur.next[0]
	if next == nil {
		return Entry{}, false
	}
	return next.entry, true
}

func (l *List) Len() int {
	return l.length
}

// All returns every entry in ascending (size, offset) order, used by
// tests to assert on the shape of the free list after a merge.
func (l *List) All() []Entry {
	out := make([]Entry, 0, l.length)
	for cur := l.head.next[0]; cur != nil; cur = cur.next[0] {
		out = append(out, cur.entry)
	}
	return out
}
