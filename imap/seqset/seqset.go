// Package seqset builds minimal IMAP UID-set expressions ("u", "u:v",
// comma-joined) from a predicate over a mailbox's message array,
// respecting a hard per-call length ceiling.
package seqset

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/neomutt/goimap/imap"
)

// Match is a predicate over a single message. Build calls it only for
// messages that are Active(); an inactive message always breaks a run.
type Match func(*imap.Message) bool

// Selector names one of the common flag-based predicates, for callers
// that want the common case without writing their own Match closure.
type Selector int

const (
	Deleted Selector = iota
	Flagged
	Old // "old": has been seen before (not \Recent)
	Read
	Replied
	Tagged // UI bulk-selection, not a wire flag
	Trash  // messages slated for fast-trash; same wire flag as Deleted
)

// flagBit returns the single wire flag bit a Selector corresponds to,
// or imap.FlagNone when the selector has no direct wire representation
// (Old and Tagged are client-local bookkeeping, not STORE-able flags).
func flagBit(sel Selector) imap.Flag {
	switch sel {
	case Deleted, Trash:
		return imap.FlagDeleted
	case Flagged:
		return imap.FlagFlagged
	case Read:
		return imap.FlagSeen
	case Replied:
		return imap.FlagAnswered
	default:
		return imap.FlagNone
	}
}

// Diverge builds a Match selecting only messages whose local flag
// value for sel differs from the server-cached value (spec.md section
// 4.6 rule 5): the message is included in the invert=false pass when
// its local value is true, and in the invert=true pass when its local
// value is false — "the local value XOR the invert bit" picks the set
// the message belongs to. A Selector with no wire flag (flagBit
// returns imap.FlagNone) never diverges and so never matches.
func Diverge(sel Selector, invert bool) Match {
	bit := flagBit(sel)
	return func(m *imap.Message) bool {
		if bit == imap.FlagNone {
			return false
		}
		local := m.LocalFlags&bit != 0
		server := m.ServerFlags&bit != 0
		if local == server {
			return false
		}
		return local != invert
	}
}

// Predicate builds a Match from a Selector plus "changed only" and
// "invert" gates. LocalOnly chooses
// between a message's LocalFlags (the UI's view, used when building a
// STORE set during sync) and ServerFlags (used when building a set
// from what the server has already confirmed).
func Predicate(sel Selector, changedOnly, invert, localOnly bool) Match {
	return func(m *imap.Message) bool {
		if changedOnly && !m.Changed {
			return false
		}
		flags := m.ServerFlags
		if localOnly {
			flags = m.LocalFlags
		}
		var v bool
		switch sel {
		case Deleted, Trash:
			v = flags&imap.FlagDeleted != 0
		case Flagged:
			v = flags&imap.FlagFlagged != 0
		case Old:
			v = flags&imap.FlagRecent == 0
		case Read:
			v = flags&imap.FlagSeen != 0
		case Replied:
			v = flags&imap.FlagAnswered != 0
		case Tagged:
			v = m.UITagged
		}
		if invert {
			v = !v
		}
		return v
	}
}

// Build scans messages in UID-ascending order — sorting a temporary
// view rather than the caller's array, to avoid clobbering whatever
// order the caller's UI last sorted by — starting at resume index
// from, and appends comma-separated "u"/"u:v" ranges to the returned
// set until adding the next run would push the set text past
// maxSetLen octets.
//
// It returns the set expression, how many messages it covers, and a
// resume index: pass that back as from on the next call until done is
// true.
func Build(messages []*imap.Message, match Match, maxSetLen int, from int) (set string, count int, next int, done bool) {
	sorted := sortedByUID(messages)

	var parts []string
	setLen := 0

	flush := func(startUID, endUID uint32, n int) bool {
		part := formatRange(startUID, endUID)
		add := len(part)
		if len(parts) > 0 {
			add++ // comma
		}
		if setLen+add > maxSetLen {
			return false
		}
		parts = append(parts, part)
		setLen += add
		count += n
		return true
	}

	i := from
	runStart, runEnd := uint32(0), uint32(0)
	runLen := 0
	runIdx := from
	inRun := false

	for ; i < len(sorted); i++ {
		m := sorted[i]
		if m.Active() && match(m) {
			if !inRun {
				inRun = true
				runStart = m.UID
				runIdx = i
			}
			runEnd = m.UID
			runLen++
			continue
		}
		if inRun {
			if !flush(runStart, runEnd, runLen) {
				return strings.Join(parts, ","), count, runIdx, false
			}
			inRun = false
			runLen = 0
		}
	}
	if inRun {
		if !flush(runStart, runEnd, runLen) {
			return strings.Join(parts, ","), count, runIdx, false
		}
	}
	return strings.Join(parts, ","), count, len(sorted), true
}

func formatRange(start, end uint32) string {
	if start == end {
		return strconv.FormatUint(uint64(start), 10)
	}
	return fmt.Sprintf("%d:%d", start, end)
}

func sortedByUID(messages []*imap.Message) []*imap.Message {
	sorted := make([]*imap.Message, len(messages))
	copy(sorted, messages)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].UID < sorted[j].UID })
	return sorted
}
