// Package imap defines the core data model shared by the protocol
// engine (imapclient), the message-set builder (seqset), the search
// compiler (search) and the hierarchy browser (browser).
//
// It deliberately knows nothing about sockets, TLS or SASL: those are
// external collaborators (see external.go) that the engine drives
// through small interfaces.
package imap

import "sort"

// ConnState is the connection's position in the IMAP session lifecycle.
type ConnState int

const (
	Disconnected ConnState = iota
	Connected
	Authenticated
	Selected
	Idle
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connected:
		return "connected"
	case Authenticated:
		return "authenticated"
	case Selected:
		return "selected"
	case Idle:
		return "idle"
	default:
		return "unknown"
	}
}

// Security is the transport security mode requested for an Account.
type Security int

const (
	SecurityNone Security = iota
	SecurityTLS           // imaps://, implicit TLS
	SecurityStartTLS      // imap:// then STARTTLS
)

// Flag is the bitset of well-known IMAP message flags. Keyword
// (custom) flags do not fit in the bitset and live in
// Message.KeywordsRemote/KeywordsLocal instead.
type Flag int

const (
	FlagNone     Flag = 0
	FlagSeen     Flag = 1 << iota
	FlagAnswered
	FlagFlagged
	FlagDeleted
	FlagDraft
	FlagRecent
)

var flagStrings = map[Flag]string{
	FlagSeen:     `\Seen`,
	FlagAnswered: `\Answered`,
	FlagFlagged:  `\Flagged`,
	FlagDeleted:  `\Deleted`,
	FlagDraft:    `\Draft`,
	FlagRecent:   `\Recent`,
}

var flagOrder = func() []Flag {
	order := make([]Flag, 0, len(flagStrings))
	for f := range flagStrings {
		order = append(order, f)
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })
	return order
}()

// String renders a flag set as a space-separated IMAP flag list, e.g.
// `\Seen \Flagged`, in a stable order.
func (f Flag) String() string {
	var out string
	for _, flag := range flagOrder {
		if f&flag == 0 {
			continue
		}
		if out != "" {
			out += " "
		}
		out += flagStrings[flag]
	}
	return out
}

// ParseFlag maps a single wire flag atom (with leading backslash, if
// any) to its bit, returning ok=false for a keyword/custom flag.
func ParseFlag(s string) (Flag, bool) {
	for flag, name := range flagStrings {
		if name == s {
			return flag, true
		}
	}
	return FlagNone, false
}

// ListAttr is the bitset of mailbox attributes returned by LIST/LSUB,
// including RFC 6154 SPECIAL-USE attributes.
type ListAttr int

const (
	AttrNone ListAttr = 0

	AttrNoinferiors ListAttr = 1 << iota
	AttrNoselect
	AttrMarked
	AttrUnmarked
	AttrHasChildren
	AttrHasNoChildren

	AttrAll
	AttrArchive
	AttrDrafts
	AttrFlagged
	AttrJunk
	AttrSent
	AttrTrash
)

var attrStrings = map[ListAttr]string{
	AttrNoinferiors:   `\Noinferiors`,
	AttrNoselect:      `\Noselect`,
	AttrMarked:        `\Marked`,
	AttrUnmarked:      `\Unmarked`,
	AttrHasChildren:   `\HasChildren`,
	AttrHasNoChildren: `\HasNoChildren`,
	AttrAll:           `\All`,
	AttrArchive:       `\Archive`,
	AttrDrafts:        `\Drafts`,
	AttrFlagged:       `\Flagged`,
	AttrJunk:          `\Junk`,
	AttrSent:          `\Sent`,
	AttrTrash:         `\Trash`,
}

var attrOrder = func() []ListAttr {
	order := make([]ListAttr, 0, len(attrStrings))
	for a := range attrStrings {
		order = append(order, a)
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })
	return order
}()

func (attrs ListAttr) String() (res string) {
	for _, a := range attrOrder {
		if attrs&a == 0 {
			continue
		}
		if res != "" {
			res += " "
		}
		res += attrStrings[a]
	}
	return res
}

// ParseAttr maps a single LIST/LSUB attribute atom to its bit, false
// for an attribute goimap doesn't recognize (it is simply ignored by
// the caller, per RFC 3501's extensibility rule).
func ParseAttr(s string) (ListAttr, bool) {
	for a, name := range attrStrings {
		if name == s {
			return a, true
		}
	}
	return AttrNone, false
}
