// Package repldev implements the single-node ("solo") replicated log
// device: the write path that allocates a block, writes its data, appends
// a journal record, and commits, all in one caller-facing operation
// (§6). It grounds on the teacher's write-then-index sequencing in
// pkg/db's Put path, generalized from an in-memory memtable write to a
// durable allocate+journal+commit pipeline.
package repldev

import (
	"github.com/xiaoxichen/homestore/device"
	"github.com/xiaoxichen/homestore/internal/lsn"
	"github.com/xiaoxichen/homestore/journal"
)

// ReplReq is one write request submitted to AsyncAllocWrite. Header and Key
// are opaque to the repl-dev and carried through to the journal entry and
// the Listener callbacks unmodified; Value is the data written to the
// allocated block.
type ReplReq struct {
	Header []byte
	Key    []byte
	Value  []byte

	// LocalBlkID is filled in by AsyncAllocWrite once the block range is
	// allocated, before OnPreCommit is invoked. It spans as many blocks as
	// Value actually needs, not always exactly one (§4.G).
	LocalBlkID device.MultiBlkId

	// LSN is filled in once the journal append completes.
	LSN lsn.LSN

	// entry is the journal record this request produced, retained so
	// recovery replay and the request share one encoding path.
	entry *journal.Entry
}
