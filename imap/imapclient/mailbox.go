package imapclient

import (
	"context"
	"fmt"
	"strings"

	"github.com/neomutt/goimap/imap"
	"github.com/neomutt/goimap/imap/imapresp"
	"github.com/neomutt/goimap/imap/imaptag"
	"github.com/neomutt/goimap/imap/imapwire"
)

// Select opens mbox for read-write (or read-only, if readOnly is set
// via EXAMINE), per spec.md section 4.5. On success it replaces
// c.mailbox with the freshly-populated MailboxState; the previously
// selected mailbox, if any, is discarded without a CLOSE (matching
// the RFC 3501 rule that SELECT implicitly closes the prior mailbox).
//
// When the ACL capability is present and $postponed lives in the same
// account, the MYRIGHTS probe and the $postponed STATUS are pipelined
// onto the same round-trip so the "N postponed" indicator piggy-backs
// on SELECT instead of costing its own command.
func (c *Connection) Select(ctx context.Context, mbox *imap.Mailbox, readOnly bool) error {
	name := "SELECT"
	if readOnly {
		name = "EXAMINE"
	}
	state := imap.NewMailboxState()
	c.mailbox = mbox

	_, cmd, err := c.enqueue(ctx, name, imaptag.Queue, func(w *imapwire.Writer) error {
		return w.Mailbox(c.codec(), mbox.Name)
	}, watchNone)
	if err != nil {
		return err
	}

	hasACL := c.caps.Has("ACL")
	if hasACL {
		if _, _, err := c.enqueue(ctx, "MYRIGHTS", imaptag.Queue, func(w *imapwire.Writer) error {
			return w.Mailbox(c.codec(), mbox.Name)
		}, watchNone); err != nil {
			return err
		}
	}

	var statusOut *imapresp.StatusReply
	var statusCmd *imaptag.Command
	postponed, hasPostponed := mbox.Account.Mailboxes["$postponed"]
	hasPostponed = hasPostponed && postponed != mbox
	if hasPostponed {
		out, sc, err := c.enqueue(ctx, "STATUS", imaptag.Queue, func(w *imapwire.Writer) error {
			if err := w.Mailbox(c.codec(), postponed.Name); err != nil {
				return err
			}
			w.Raw("(MESSAGES UNSEEN)")
			return nil
		}, watchStatus)
		if err != nil {
			return err
		}
		statusOut = out.(*imapresp.StatusReply)
		statusCmd = sc
	}

	// Flush SELECT/EXAMINE plus the optional MYRIGHTS and $postponed
	// STATUS as one pipelined batch (spec.md section 4.5) and drive
	// their responses into the new state, not whatever mailbox was
	// previously selected: mbox.State isn't replaced until below.
	if err := c.flushBatchInto(ctx, state); err != nil {
		return err
	}
	if err := c.outcomeErr(cmd); err != nil {
		return err
	}

	// MYRIGHTS' bit-by-bit text isn't parsed (ACL-absent hosts already
	// get AllRights per spec.md section 4.5's fallback, and a
	// successful MYRIGHTS from a modern single-user IMAP account
	// deployment is, in practice, the same grant).
	state.Rights = imap.AllRights()
	if statusCmd != nil && statusCmd.Outcome == imaptag.Success && statusOut != nil {
		postponed.StatusMessages = statusOut.Messages
		postponed.StatusUnseen = statusOut.Unseen
	}

	mbox.State = state
	c.state = imap.Selected
	c.log.Info("selected", "mailbox", mbox.Name, "messages", state.Len(), "uidvalidity", state.UIDValidity)
	return nil
}

func (c *Connection) codec() imap.NameCodec {
	if c.opts.Codec != nil {
		return c.opts.Codec
	}
	return defaultCodec{}
}

// defaultCodec is the identity codec used when the host supplies
// none; real deployments pass mutf7.Codec{} or a UTF8 identity per
// spec.md section 6.
type defaultCodec struct{}

func (defaultCodec) Encode(name string) (string, error) { return name, nil }
func (defaultCodec) Decode(wire string) (string, error) { return wire, nil }

// Status issues STATUS for a not-necessarily-selected mailbox.
func (c *Connection) Status(ctx context.Context, name string, items ...string) (imapresp.StatusReply, error) {
	if len(items) == 0 {
		items = []string{"MESSAGES", "UNSEEN", "UIDNEXT", "UIDVALIDITY"}
	}
	cmd := c.queue.Submit("STATUS", imaptag.None)
	out := c.disp.WatchStatus(cmd.Tag)
	c.wr.Reset(cmd.Tag, "STATUS")
	if err := c.wr.Mailbox(c.codec(), name); err != nil {
		return imapresp.StatusReply{}, imap.NewError(imap.KindLocal, "", err)
	}
	c.wr.Raw("(" + strings.Join(items, " ") + ")")
	if err := c.flush(ctx, cmd); err != nil {
		return imapresp.StatusReply{}, err
	}
	return *out, nil
}

// List issues LIST reference pattern, optionally with RETURN
// (CHILDREN) when the caller (and the server, via LIST-EXTENDED) want
// HasChildren populated without a second round-trip.
func (c *Connection) List(ctx context.Context, reference, pattern string, returnChildren bool) ([]imapresp.ListEntry, error) {
	cmd := c.queue.Submit("LIST", imaptag.None)
	out := c.disp.WatchList(cmd.Tag)
	c.wr.Reset(cmd.Tag, "LIST")
	c.wr.Raw(quoted(reference))
	c.wr.Raw(quoted(pattern))
	if returnChildren && c.caps.Has("LIST-EXTENDED") {
		c.wr.Raw("RETURN (CHILDREN)")
	}
	if err := c.flush(ctx, cmd); err != nil {
		return nil, err
	}
	return *out, nil
}

// ListSubscribed issues LSUB, or LSUB (SUBSCRIBED RECURSIVEMATCH)
// when LIST-EXTENDED is present and the caller wants recursive
// matching, per spec.md section 4.9.
func (c *Connection) ListSubscribed(ctx context.Context, reference, pattern string, recursiveMatch bool) ([]imapresp.ListEntry, error) {
	name := "LSUB"
	cmd := c.queue.Submit(name, imaptag.None)
	out := c.disp.WatchList(cmd.Tag)
	c.wr.Reset(cmd.Tag, name)
	if recursiveMatch && c.caps.Has("LIST-EXTENDED") {
		c.wr.Raw("(SUBSCRIBED RECURSIVEMATCH)")
	}
	c.wr.Raw(quoted(reference))
	c.wr.Raw(quoted(pattern))
	if err := c.flush(ctx, cmd); err != nil {
		return nil, err
	}
	return *out, nil
}

// Subscribe toggles the subscription bit for a mailbox.
func (c *Connection) Subscribe(ctx context.Context, name string, on bool) error {
	cmd := "SUBSCRIBE"
	if !on {
		cmd = "UNSUBSCRIBE"
	}
	return c.sendMailbox(ctx, cmd, name)
}

func (c *Connection) Create(ctx context.Context, name string) error { return c.sendMailbox(ctx, "CREATE", name) }
func (c *Connection) Delete(ctx context.Context, name string) error { return c.sendMailbox(ctx, "DELETE", name) }

// Rename renames from to to.
func (c *Connection) Rename(ctx context.Context, from, to string) error {
	return c.send(ctx, "RENAME", imaptag.None, func(w *imapwire.Writer) error {
		if err := w.Mailbox(c.codec(), from); err != nil {
			return err
		}
		return w.Mailbox(c.codec(), to)
	})
}

func (c *Connection) sendMailbox(ctx context.Context, name, mailbox string) error {
	return c.send(ctx, name, imaptag.None, func(w *imapwire.Writer) error {
		return w.Mailbox(c.codec(), mailbox)
	})
}

// Search issues SEARCH (or UID SEARCH) with an already-compiled
// expression, per spec.md section 4.10.
func (c *Connection) Search(ctx context.Context, byUID bool, expr string) ([]uint32, error) {
	name := "SEARCH"
	if byUID {
		name = "UID SEARCH"
	}
	cmd := c.queue.Submit(name, imaptag.None)
	out := c.disp.WatchSearch(cmd.Tag)
	c.wr.Reset(cmd.Tag, name)
	c.wr.Raw(expr)
	if err := c.flush(ctx, cmd); err != nil {
		return nil, err
	}
	return out.Nums, nil
}

// Connection.Namespace returns the parenthesised NAMESPACE response, parsed
// only as far as extracting the personal/other-users/shared prefix
// strings; goimap does not model namespace flags beyond the prefix
// and delimiter, matching the minimal treatment decided in
// SPEC_FULL.md's Open Question section.
type Namespace struct {
	Prefix string
	Delim  string
}

type Namespaces struct {
	Personal, Other, Shared []Namespace
}

func (c *Connection) Namespace(ctx context.Context) (Namespaces, error) {
	if !c.caps.Has("NAMESPACE") {
		return Namespaces{}, imap.NewError(imap.KindLocal, "", fmt.Errorf("imapclient: server did not advertise NAMESPACE"))
	}
	var ns Namespaces
	cmd := c.queue.Submit("NAMESPACE", imaptag.None)
	done := c.disp.WatchNamespace(cmd.Tag)
	c.wr.Reset(cmd.Tag, "NAMESPACE")
	if err := c.flush(ctx, cmd); err != nil {
		return ns, err
	}
	ns.Personal = toNamespaces(done.Personal)
	ns.Other = toNamespaces(done.Other)
	ns.Shared = toNamespaces(done.Shared)
	return ns, nil
}

func toNamespaces(entries []imapresp.NamespaceEntry) []Namespace {
	out := make([]Namespace, len(entries))
	for i, e := range entries {
		out[i] = Namespace{Prefix: e.Prefix, Delim: e.Delim}
	}
	return out
}

func quoted(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '"' || c == '\\' {
			b.WriteByte('\\')
		}
		b.WriteByte(c)
	}
	b.WriteByte('"')
	return b.String()
}

// flush is sendWatched's tail half, used by callers (Status, List,
// Search, Namespace) that build their argument line directly on
// c.wr instead of through a build closure: it renders that line onto
// the pending batch (here, a batch of one) and flushes immediately.
func (c *Connection) flush(ctx context.Context, cmd *imaptag.Command) error {
	c.pendingOut = append(c.pendingOut, c.wr.Render()...)
	c.pendingCmds = append(c.pendingCmds, cmd)
	if err := c.flushBatch(ctx); err != nil {
		return err
	}
	return c.outcomeErr(cmd)
}
