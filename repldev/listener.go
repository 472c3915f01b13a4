package repldev

// Listener receives the two commit-path callbacks a data service layered
// on top of a SoloReplDev needs (§6): a chance to react before a write is
// durably committed, and a notification once it is.
type Listener interface {
	// OnPreCommit runs after the block is written and journaled but
	// before commit_upto advances past its LSN. Returning an error aborts
	// the write before it becomes visible.
	OnPreCommit(req *ReplReq) error

	// OnCommit runs after commit_upto has advanced past req.LSN. It is
	// also invoked once per record during recovery replay, so it must be
	// idempotent.
	OnCommit(req *ReplReq)
}
