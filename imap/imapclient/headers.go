package imapclient

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/neomutt/goimap/imap"
)

// ReadHeaders is the engine's read_headers step (spec.md section 6):
// it materializes a Message for every MSN the last EXISTS reported
// but this Connection has no object for yet. The untagged-FETCH
// dispatch path (imapresp.readFetch) only ever updates a message it
// can already find by MSN, so a placeholder is appended for each new
// slot first; a UID-only FETCH over that range then assigns each
// placeholder its real UID before anything consults the cache.
//
// Once a placeholder has a UID, the host's HeaderCache is tried
// before spending a round-trip on fields the host may already have on
// disk from a previous session (hc_get); whatever the cache misses is
// batched into UID FETCH calls for the remaining header fields, and
// freshly-fetched messages are written back with hc_put. Sync calls
// this whenever Check reports NewMail; a host may also call it
// directly after Select to materialize an initial mailbox listing.
func (c *Connection) ReadHeaders(ctx context.Context, maxSetLen int) error {
	if maxSetLen == 0 {
		maxSetLen = 1024
	}
	state := c.selectedState()
	if state == nil {
		return imap.NewError(imap.KindLocal, "", errNoMailbox)
	}

	from := state.Len() + 1
	to := int(state.NewMailCount)
	if to < from {
		return nil
	}

	for n := from; n <= to; n++ {
		state.Append(&imap.Message{})
	}

	if _, err := c.Fetch(ctx, fmt.Sprintf("%d:%d", from, to), false, "UID"); err != nil {
		return err
	}

	var missing []uint32
	for n := from; n <= to; n++ {
		msg := state.ByMSN(uint32(n))
		if msg == nil || msg.UID == 0 {
			continue
		}
		if c.headerCache != nil {
			if cached, ok, err := c.headerCache.Get(msg.UID); err == nil && ok {
				applyCachedMessage(msg, cached)
				continue
			}
		}
		missing = append(missing, msg.UID)
	}

	for _, set := range buildUIDRanges(missing, maxSetLen) {
		if _, err := c.Fetch(ctx, set, true, "FLAGS INTERNALDATE RFC822.SIZE"); err != nil {
			return err
		}
	}
	if c.headerCache != nil {
		for _, uid := range missing {
			if msg := state.ByUID(uid); msg != nil {
				c.headerCache.Put(uid, toCachedMessage(msg))
			}
		}
	}

	state.NewMailCount = uint32(state.Len())
	return nil
}

// applyCachedMessage copies a HeaderCache hit's fields onto a
// placeholder, standing in for the UID FETCH that would otherwise be
// needed to learn them.
func applyCachedMessage(msg *imap.Message, cached imap.CachedMessage) {
	msg.ServerFlags = cached.Flags
	msg.LocalFlags = cached.Flags
	msg.KeywordsRemote = append([]string(nil), cached.Keywords...)
	msg.Tags = append([]string(nil), cached.Keywords...)
	msg.InternalDate = cached.InternalDate
	msg.RFC822Size = cached.RFC822Size
}

// toCachedMessage is applyCachedMessage's inverse, the payload
// ReadHeaders hands to HeaderCache.Put for a message it just fetched
// over the wire.
func toCachedMessage(msg *imap.Message) imap.CachedMessage {
	return imap.CachedMessage{
		UID:          msg.UID,
		InternalDate: msg.InternalDate,
		RFC822Size:   msg.RFC822Size,
		Flags:        msg.ServerFlags,
		Keywords:     append([]string(nil), msg.KeywordsRemote...),
	}
}

// buildUIDRanges collapses a list of UIDs into the fewest "u"/"u:v"
// range expressions that fit maxSetLen octets each, the same
// run-length/octet-budget approach seqset.Build uses for a
// Message-backed set, adapted here for a raw UID list gathered from
// HeaderCache misses rather than a MailboxState scan.
func buildUIDRanges(uids []uint32, maxSetLen int) []string {
	if len(uids) == 0 {
		return nil
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })

	var sets []string
	var parts []string
	setLen := 0

	appendRun := func(start, end uint32) {
		part := strconv.FormatUint(uint64(start), 10)
		if end != start {
			part += ":" + strconv.FormatUint(uint64(end), 10)
		}
		add := len(part)
		if len(parts) > 0 {
			add++ // comma
		}
		if setLen+add > maxSetLen && len(parts) > 0 {
			sets = append(sets, strings.Join(parts, ","))
			parts = nil
			setLen = 0
			add = len(part)
		}
		parts = append(parts, part)
		setLen += add
	}

	runStart, runEnd := uids[0], uids[0]
	for i := 1; i < len(uids); i++ {
		if uids[i] == runEnd+1 {
			runEnd = uids[i]
			continue
		}
		appendRun(runStart, runEnd)
		runStart, runEnd = uids[i], uids[i]
	}
	appendRun(runStart, runEnd)
	if len(parts) > 0 {
		sets = append(sets, strings.Join(parts, ","))
	}
	return sets
}
