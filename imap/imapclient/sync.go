package imapclient

import (
	"context"
	"sort"
	"time"

	"github.com/neomutt/goimap/imap"
	"github.com/neomutt/goimap/imap/imaptag"
	"github.com/neomutt/goimap/imap/seqset"
)

// SyncOptions configures one Sync call.
type SyncOptions struct {
	Expunge bool
	Close   bool

	// DeleteRight gates the fast-delete phase: without the ACL delete
	// right, STORE \Deleted is skipped and the caller falls through to
	// the ordinary flag-sync phase for \Deleted like any other flag.
	DeleteRight bool

	// MaxSetLen bounds each STORE/EXPUNGE command line, defaulting to
	// a 1024-octet ceiling.
	MaxSetLen int

	// OnReupload is called once for each message the host has marked
	// ExcludeFromNextSet (how it flags structural changes such as
	// attachment deletion, header rewrite or thread relink); it must
	// Append a fresh copy. The mark already keeps later phases from
	// touching the message. A nil OnReupload skips the reupload phase.
	OnReupload func(ctx context.Context, msg *imap.Message) error
}

// syncFlagOrder is the fixed per-flag-kind order the flag-sync phase
// runs in: \Deleted, \Flagged, Old, \Seen, \Answered (spec.md section
// 4.7 phase 4). Old has no wire flag of its own — it is derived from
// the server-assigned, client-unsettable \Recent bit — so its pass
// runs (preserving the spec's ordering) but never emits a STORE; see
// seqset.Diverge.
var syncFlagOrder = []struct {
	sel  seqset.Selector
	flag imap.Flag
}{
	{seqset.Deleted, imap.FlagDeleted},
	{seqset.Flagged, imap.FlagFlagged},
	{seqset.Old, imap.FlagNone},
	{seqset.Read, imap.FlagSeen},
	{seqset.Replied, imap.FlagAnswered},
}

// Sync runs the sync engine's phases in order against the currently
// selected mailbox: poll, fast-delete, reupload, flag sync,
// reconcile, expunge, close.
func (c *Connection) Sync(ctx context.Context, opts SyncOptions) (CheckResult, error) {
	start := time.Now()
	if opts.MaxSetLen == 0 {
		opts.MaxSetLen = 1024
	}
	defer func() {
		c.metrics.SyncDuration.WithLabelValues(boolLabel(opts.Expunge)).Observe(time.Since(start).Seconds())
	}()

	state := c.selectedState()
	if state == nil {
		return NoChange, imap.NewError(imap.KindLocal, "", errNoMailbox)
	}

	// Phase 1: poll.
	result, err := c.Check(ctx, false)
	if err != nil {
		return result, err
	}
	if result == ReopenRequired {
		return result, imap.NewError(imap.KindRejectedExpected, "", errReopenRequired)
	}
	if result == NewMail {
		// read_headers (spec.md section 6): EXISTS only grew the count,
		// it didn't hand us Message objects for the new slots. Later
		// phases scan state.Messages(), so they'd silently skip this new
		// mail unless it is materialized first.
		if err := c.ReadHeaders(ctx, opts.MaxSetLen); err != nil {
			return result, err
		}
	}

	// Phase 2: fast-delete. Queued commands are flushed as their own
	// batch here rather than folded into phase 4's: the ServerFlags
	// update just below depends on this STORE having already completed.
	if opts.Expunge && opts.DeleteRight {
		match := seqset.Predicate(seqset.Deleted, true, false, true)
		cmds, err := c.runStorePasses(ctx, state, match, "+", imap.FlagDeleted, opts.MaxSetLen)
		if err != nil {
			return result, err
		}
		if err := c.flushBatch(ctx); err != nil {
			return result, err
		}
		for _, cmd := range cmds {
			if err := c.outcomeErr(cmd); err != nil {
				return result, err
			}
		}
		for _, m := range state.Messages() {
			if m.LocalFlags&imap.FlagDeleted != 0 && m.Changed {
				// Mark \Deleted server-confirmed now, not just
				// Changed=false: otherwise phase 4's divergence check
				// for \Deleted sees local=true/server=false and issues
				// a redundant second STORE for the same messages.
				m.ServerFlags |= imap.FlagDeleted
				m.Changed = false
			}
		}
	}

	// Phase 3: reupload. The engine has no structural-change bit of
	// its own (attachment deletion, header rewrite and thread relink
	// live in the host's MIME layer, out of scope here); a host that
	// needs a message reuploaded marks it ExcludeFromNextSet first so
	// phases 2 and 4 skip it, then relies on OnReupload to save it
	// under a fresh UID.
	if opts.OnReupload != nil {
		for _, m := range state.Messages() {
			if !m.ExcludeFromNextSet {
				continue
			}
			if err := opts.OnReupload(ctx, m); err != nil {
				return result, err
			}
		}
	}

	// Phase 4 (+ 4b): flag sync, both directions per flag kind in order,
	// plus keyword sync for every pending custom tag. Gated on per-flag
	// divergence (local != server-cached), not on Changed, so a second
	// immediate Sync with no external mutation issues zero STORE
	// commands here (spec.md section 8's idempotence invariant and
	// section 4.6 rule 5). Every STORE this produces is queued rather
	// than sent, and flushed once below as a single pipelined batch
	// (spec.md section 4.7): a naive per-command round-trip here would
	// turn what the server can answer in one read into dozens.
	var storeCmds []*imaptag.Command
	queue := func(cmds []*imaptag.Command, err error) error {
		if err != nil {
			return err
		}
		storeCmds = append(storeCmds, cmds...)
		return nil
	}
	for _, kind := range syncFlagOrder {
		if kind.flag == imap.FlagNone {
			continue
		}
		add := seqset.Diverge(kind.sel, false)
		remove := seqset.Diverge(kind.sel, true)
		if err := queue(c.runStorePasses(ctx, state, add, "+", kind.flag, opts.MaxSetLen)); err != nil {
			return result, err
		}
		if err := queue(c.runStorePasses(ctx, state, remove, "-", kind.flag, opts.MaxSetLen)); err != nil {
			return result, err
		}
	}

	// Phase 4b: keyword sync. Selector has no keyword case (custom tags
	// aren't wire flags), so each pending keyword gets its own add/remove
	// pass over a purpose-built Match closure instead of seqset.Diverge,
	// gated the same way: only messages where Tags and KeywordsRemote
	// actually disagree on that keyword generate a STORE (spec.md
	// section 6 tags-edit/tags-commit, section 8's idempotence
	// invariant).
	for _, kw := range pendingKeywords(state) {
		add := func(m *imap.Message) bool {
			return hasTag(m.Tags, kw) && !hasTag(m.KeywordsRemote, kw)
		}
		remove := func(m *imap.Message) bool {
			return !hasTag(m.Tags, kw) && hasTag(m.KeywordsRemote, kw)
		}
		if err := queue(c.runKeywordStorePasses(ctx, state, add, "+", kw, opts.MaxSetLen)); err != nil {
			return result, err
		}
		if err := queue(c.runKeywordStorePasses(ctx, state, remove, "-", kw, opts.MaxSetLen)); err != nil {
			return result, err
		}
	}

	if err := c.flushBatch(ctx); err != nil {
		return result, err
	}
	for _, cmd := range storeCmds {
		if err := c.outcomeErr(cmd); err != nil {
			return result, err
		}
	}

	// Phase 5: reconcile.
	for _, m := range state.Messages() {
		m.ServerFlags = m.LocalFlags
		m.KeywordsRemote = append([]string(nil), m.Tags...)
		m.Changed = false
	}

	// Phase 6: expunge.
	if opts.Expunge && !opts.Close {
		if err := c.Expunge(ctx); err != nil {
			return result, err
		}
	}

	// Phase 7: close.
	if opts.Close {
		if err := c.Close(ctx); err != nil {
			return result, err
		}
	}

	return result, nil
}

// runStorePasses drives the message-set builder to exhaustion for one
// (match, sign, flag) triple, queuing one UID STORE per builder
// iteration without flushing, and returns every command it queued so
// the caller can fold them into a larger batch.
func (c *Connection) runStorePasses(ctx context.Context, state *imap.MailboxState, match seqset.Match, sign string, flag imap.Flag, maxSetLen int) ([]*imaptag.Command, error) {
	var cmds []*imaptag.Command
	from := 0
	for {
		set, _, next, done := seqset.Build(state.Messages(), match, maxSetLen, from)
		if set != "" {
			cmd, err := c.queueStore(ctx, set, sign, flag)
			if err != nil {
				return cmds, err
			}
			cmds = append(cmds, cmd)
		}
		if done {
			return cmds, nil
		}
		from = next
	}
}

// runKeywordStorePasses is runStorePasses for a single custom keyword:
// same resume-cursor loop over seqset.Build, but queuing
// queueStoreKeyword instead since a keyword has no imap.Flag bit to
// pack.
func (c *Connection) runKeywordStorePasses(ctx context.Context, state *imap.MailboxState, match seqset.Match, sign, keyword string, maxSetLen int) ([]*imaptag.Command, error) {
	var cmds []*imaptag.Command
	from := 0
	for {
		set, _, next, done := seqset.Build(state.Messages(), match, maxSetLen, from)
		if set != "" {
			cmd, err := c.queueStoreKeyword(ctx, set, sign, keyword)
			if err != nil {
				return cmds, err
			}
			cmds = append(cmds, cmd)
		}
		if done {
			return cmds, nil
		}
		from = next
	}
}

// pendingKeywords returns the union of every custom tag mentioned by
// either Tags or KeywordsRemote across the mailbox, sorted for a
// deterministic STORE order between otherwise-identical syncs.
func pendingKeywords(state *imap.MailboxState) []string {
	seen := map[string]bool{}
	var out []string
	for _, m := range state.Messages() {
		for _, kw := range m.Tags {
			if !seen[kw] {
				seen[kw] = true
				out = append(out, kw)
			}
		}
		for _, kw := range m.KeywordsRemote {
			if !seen[kw] {
				seen[kw] = true
				out = append(out, kw)
			}
		}
	}
	sort.Strings(out)
	return out
}

func hasTag(tags []string, kw string) bool {
	for _, t := range tags {
		if t == kw {
			return true
		}
	}
	return false
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
