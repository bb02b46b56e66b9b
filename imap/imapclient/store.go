package imapclient

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/neomutt/goimap/imap"
	"github.com/neomutt/goimap/imap/imaptag"
	"github.com/neomutt/goimap/imap/imapwire"
	"github.com/neomutt/goimap/imap/seqset"
)

// Store issues "UID STORE <set> <sign>FLAGS.SILENT (<flags>)" for an
// already-built UID set, per spec.md section 4.6/4.7. sign is "+" to
// add flags, "-" to remove them.
func (c *Connection) Store(ctx context.Context, set string, sign string, flags imap.Flag) error {
	if set == "" {
		return nil
	}
	return c.send(ctx, "UID STORE", imaptag.None, func(w *imapwire.Writer) error {
		w.Raw(set)
		w.Raw(sign + "FLAGS.SILENT")
		w.Raw("(" + flags.String() + ")")
		return nil
	})
}

// queueStore is Store queued onto the pending output batch instead of
// sent immediately; the caller flushes once after queuing every set a
// builder pass produces, so an otherwise-multi-command pass becomes
// one pipelined batch (spec.md section 4.7 phase 4).
func (c *Connection) queueStore(ctx context.Context, set string, sign string, flags imap.Flag) (*imaptag.Command, error) {
	_, cmd, err := c.enqueue(ctx, "UID STORE", imaptag.Queue, func(w *imapwire.Writer) error {
		w.Raw(set)
		w.Raw(sign + "FLAGS.SILENT")
		w.Raw("(" + flags.String() + ")")
		return nil
	}, watchNone)
	return cmd, err
}

// queueStoreKeyword is queueStore for a single custom keyword, the
// counterpart to StoreKeyword.
func (c *Connection) queueStoreKeyword(ctx context.Context, set string, sign string, keyword string) (*imaptag.Command, error) {
	_, cmd, err := c.enqueue(ctx, "UID STORE", imaptag.Queue, func(w *imapwire.Writer) error {
		w.Raw(set)
		w.Raw(sign + "FLAGS.SILENT")
		w.Raw("(" + keyword + ")")
		return nil
	}, watchNone)
	return cmd, err
}

// StoreKeyword issues "UID STORE <set> <sign>FLAGS.SILENT (<keyword>)"
// for a single custom keyword, the counterpart to Store for bits
// outside the fixed imap.Flag set: a user-defined tag has no bit of
// its own, so it is always named literally on the wire rather than
// packed into the Flag bitset (spec.md section 6's tags-edit /
// tags-commit).
func (c *Connection) StoreKeyword(ctx context.Context, set string, sign string, keyword string) error {
	if set == "" {
		return nil
	}
	return c.send(ctx, "UID STORE", imaptag.None, func(w *imapwire.Writer) error {
		w.Raw(set)
		w.Raw(sign + "FLAGS.SILENT")
		w.Raw("(" + keyword + ")")
		return nil
	})
}

// Expunge sends EXPUNGE, setting ExpungeExpected around the call so
// the untagged EXPUNGEs it provokes do not raise the external-reopen
// signal the check/IDLE loop (spec.md section 4.8) would otherwise
// surface for server-initiated expunges.
func (c *Connection) Expunge(ctx context.Context) error {
	state := c.selectedState()
	if state != nil {
		state.ExpungeExpected = true
		defer func() { state.ExpungeExpected = false }()
	}
	if err := c.send(ctx, "EXPUNGE", imaptag.None, nil); err != nil {
		return err
	}
	if state != nil {
		c.compactExpunged(state)
	}
	return nil
}

// compactExpunged removes every message marked ServerExpunged by an
// untagged EXPUNGE, in MSN order, keeping the array dense and every
// surviving message's MSN and UID index correct (spec.md section 8's
// EXPUNGE-sequence invariant). Each removed UID is also dropped from
// the header/body caches, the "expunge" half of spec.md section 6's
// "used only during read_headers/expunge/sync".
func (c *Connection) compactExpunged(state *imap.MailboxState) {
	for {
		removedAny := false
		for _, m := range state.Messages() {
			if m.ServerExpunged {
				removed := state.RemoveAt(m.MSN())
				removedAny = true
				if removed != nil {
					if c.headerCache != nil {
						c.headerCache.Delete(removed.UID)
					}
					if c.bodyCache != nil {
						c.bodyCache.Delete(removed.UID)
					}
				}
				break
			}
		}
		if !removedAny {
			return
		}
	}
}

// Close sends CLOSE, which implicitly expunges \Deleted messages
// without generating untagged EXPUNGE responses, and transitions the
// connection back to AUTHENTICATED (spec.md section 4.4/4.7).
func (c *Connection) Close(ctx context.Context) error {
	if err := c.send(ctx, "CLOSE", imaptag.None, nil); err != nil {
		return err
	}
	c.mailbox.State = nil
	c.mailbox = nil
	c.state = imap.Authenticated
	if err := c.closeCache(); err != nil {
		return imap.NewError(imap.KindLocal, "", err)
	}
	return nil
}

// Copy issues "UID COPY <set> <dest>". On a tagged [TRYCREATE] the
// caller (typically the sync engine's fast-trash path) may create
// dest and retry once, per spec.md section 4.7.
func (c *Connection) Copy(ctx context.Context, set, dest string) error {
	return c.send(ctx, "UID COPY", imaptag.None, func(w *imapwire.Writer) error {
		w.Raw(set)
		return w.Mailbox(c.codec(), dest)
	})
}

// FastTrash copies the deleted-and-changed messages in the selected
// mailbox to dest via UID COPY, offering to create dest once on
// [TRYCREATE], per spec.md section 4.7 "Fast-trash". It does not
// mark the source messages \Deleted or expunge them; the caller is
// expected to run the normal sync afterward for that.
func (c *Connection) FastTrash(ctx context.Context, dest string, confirmCreate func(mailbox string) bool) error {
	state := c.selectedState()
	if state == nil {
		return imap.NewError(imap.KindLocal, "", fmt.Errorf("imapclient: FastTrash requires a selected mailbox"))
	}
	match := seqset.Predicate(seqset.Trash, true, false, true)

	// The offer to create dest is made at most once across the whole
	// call, not once per batch, even though the matching set may need
	// more than one COPY when it exceeds the 1024-octet ceiling
	// (spec.md section 4.6 rule 4).
	offered := false
	from := 0
	for {
		set, _, next, done := seqset.Build(state.Messages(), match, 1024, from)
		if set != "" {
			if err := c.copyToTrash(ctx, set, dest, confirmCreate, &offered); err != nil {
				return err
			}
		}
		if done {
			return nil
		}
		from = next
	}
}

// copyToTrash issues one UID COPY batch, handling the [TRYCREATE]
// retry for the first batch that needs it.
func (c *Connection) copyToTrash(ctx context.Context, set, dest string, confirmCreate func(mailbox string) bool, offered *bool) error {
	err := c.Copy(ctx, set, dest)
	if err == nil {
		return nil
	}
	var ierr *imap.Error
	if !errors.As(err, &ierr) || ierr.Qualifier != "TRYCREATE" {
		return err
	}
	if *offered {
		return err
	}
	*offered = true
	if confirmCreate == nil || !confirmCreate(dest) {
		return err
	}
	if err := c.Create(ctx, dest); err != nil {
		return err
	}
	return c.Copy(ctx, set, dest)
}

// Append uploads a new message via APPEND, letting the server assign
// its UID (spec.md section 4.7 "Reupload per-message" uses this to
// give a structurally-changed message a fresh UID).
func (c *Connection) Append(ctx context.Context, mailbox string, flags imap.Flag, body io.Reader) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return imap.NewError(imap.KindLocal, "", err)
	}
	return c.send(ctx, "APPEND", imaptag.None, func(w *imapwire.Writer) error {
		if err := w.Mailbox(c.codec(), mailbox); err != nil {
			return err
		}
		if flags != imap.FlagNone {
			w.Raw("(" + flags.String() + ")")
		}
		return w.QuoteOrLiteral(string(data))
	})
}
