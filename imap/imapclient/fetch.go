package imapclient

import (
	"bytes"
	"context"
	"io"
	"strconv"

	"github.com/neomutt/goimap/imap"
	"github.com/neomutt/goimap/imap/imapresp"
	"github.com/neomutt/goimap/imap/imaptag"
)

// Fetch issues "UID FETCH <set> (<items>)" (or plain FETCH by MSN
// when byUID is false) and returns the raw BODY[...]/RFC822[...]
// literals the response carried. FLAGS, UID, INTERNALDATE and
// RFC822.SIZE items update the selected mailbox's messages as a side
// effect of the ordinary untagged-FETCH dispatch path, exactly as
// they would for a FETCH pushed unsolicited by another client; this
// is the one place the engine drives that dispatch itself instead of
// just reacting to it (spec.md section 6's fetch(message) operation).
func (c *Connection) Fetch(ctx context.Context, set string, byUID bool, items string) ([]imapresp.BodyPart, error) {
	if set == "" {
		return nil, nil
	}
	name := "FETCH"
	if byUID {
		name = "UID FETCH"
	}
	cmd := c.queue.Submit(name, imaptag.None)
	out := c.disp.WatchBody(cmd.Tag)
	c.wr.Reset(cmd.Tag, name)
	c.wr.Raw(set)
	c.wr.Raw("(" + items + ")")
	if err := c.flush(ctx, cmd); err != nil {
		return nil, err
	}
	return *out, nil
}

// FetchMessage is Fetch for a single message, by UID, pulling the
// flag/size/date triad alongside the full body so a single round-trip
// both refreshes msg's cached fields and returns the bytes the host's
// MIME parser needs.
//
// When a BodyCache is wired (spec.md section 6's bc_fetch/bc_store),
// a hit skips BODY[] on the wire entirely: only the cheap flag/size/
// date triad is re-fetched to catch anything the server changed since
// the body was cached, and the cached bytes are returned in its
// place. A miss falls through to the full fetch and stores what comes
// back for next time.
func (c *Connection) FetchMessage(ctx context.Context, msg *imap.Message) ([]imapresp.BodyPart, error) {
	set := strconv.FormatUint(uint64(msg.UID), 10)

	if c.bodyCache != nil {
		if rc, ok, err := c.bodyCache.Fetch(msg.UID); err == nil && ok {
			data, rerr := io.ReadAll(rc)
			rc.Close()
			if rerr == nil {
				if _, err := c.Fetch(ctx, set, true, "FLAGS INTERNALDATE RFC822.SIZE"); err != nil {
					return nil, err
				}
				return []imapresp.BodyPart{{MSN: msg.MSN(), Section: "", Data: data}}, nil
			}
		}
	}

	parts, err := c.Fetch(ctx, set, true, "FLAGS INTERNALDATE RFC822.SIZE BODY[]")
	if err != nil {
		return nil, err
	}
	if c.bodyCache != nil {
		for _, p := range parts {
			if p.Section == "" {
				c.bodyCache.Store(msg.UID, bytes.NewReader(p.Data))
			}
		}
	}
	return parts, nil
}
