// Package imapresp is the response parser and dispatcher: it turns a
// tokenized line from imapwire.Scanner into mutations of the
// connection's capability set, the selected mailbox's MailboxState,
// and per-command out-parameters for LIST, STATUS and SEARCH.
package imapresp

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/neomutt/goimap/imap"
	"github.com/neomutt/goimap/imap/imaptag"
	"github.com/neomutt/goimap/imap/imapwire"
)

// internalDateLayout is the fixed 26-char INTERNALDATE rendering from
// spec.md section 6: "DD-MMM-YYYY HH:MM:SS +ZZzz".
const internalDateLayout = "02-Jan-2006 15:04:05 -0700"

// ListEntry is one LIST/LSUB reply line.
type ListEntry struct {
	Name  string
	Delim string
	Attrs imap.ListAttr
}

// StatusReply is one STATUS reply.
type StatusReply struct {
	Mailbox       string
	Messages      uint32
	Recent        uint32
	UIDNext       uint32
	UIDValidity   uint32
	Unseen        uint32
	HighestModSeq int64
}

// SearchReply is one SEARCH reply: the matched UIDs (or sequence
// numbers, when the originating command was not "UID SEARCH").
type SearchReply struct {
	Nums []uint32
}

// NamespaceEntry is one namespace-descriptor from an untagged
// NAMESPACE response (prefix and hierarchy delimiter only; goimap
// does not model namespace extension parameters — no caller in this
// codebase needs the per-namespace extension data RFC 2342 allows for).
type NamespaceEntry struct {
	Prefix string
	Delim  string
}

// NamespaceReply is the parsed three-list NAMESPACE response: personal,
// other-users, shared. Any of the three lists may be NIL (absent).
type NamespaceReply struct {
	Personal []NamespaceEntry
	Other    []NamespaceEntry
	Shared   []NamespaceEntry
}

// Capabilities is the connection's advertised capability set. Raw
// keeps the untouched CAPABILITY line for SASL mechanisms that need
// to echo it verbatim.
type Capabilities struct {
	set map[string]bool
	Raw string
}

func newCapabilities() *Capabilities { return &Capabilities{set: map[string]bool{}} }

func (c *Capabilities) Has(name string) bool { return c.set[strings.ToUpper(name)] }

func (c *Capabilities) add(name string) { c.set[strings.ToUpper(name)] = true }

// Dispatcher owns the capability set and routes untagged/tagged/
// continuation lines. One Dispatcher per connection; it is reset
// across a reconnect.
type Dispatcher struct {
	log hclog.Logger

	Caps  *Capabilities
	Queue *imaptag.Queue

	// LoggingOut must be set by the caller immediately before sending
	// LOGOUT, so a BYE that follows is not mistaken for a server-
	// initiated disconnect.
	LoggingOut bool

	listOut      map[string]*[]ListEntry
	statusOut    map[string]*StatusReply
	searchOut    map[string]*SearchReply
	namespaceOut map[string]*NamespaceReply
	bodyOut      map[string]*[]BodyPart

	// ContinuationTag, when non-empty, names the command waiting on
	// the next "+" line (an AUTHENTICATE challenge or an about-to-be-
	// written literal).
	ContinuationTag string
}

func NewDispatcher(log hclog.Logger, queue *imaptag.Queue) *Dispatcher {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Dispatcher{
		log:          log,
		Caps:         newCapabilities(),
		Queue:        queue,
		listOut:      map[string]*[]ListEntry{},
		statusOut:    map[string]*StatusReply{},
		searchOut:    map[string]*SearchReply{},
		namespaceOut: map[string]*NamespaceReply{},
		bodyOut:      map[string]*[]BodyPart{},
	}
}

// WatchList registers tag to receive LIST/LSUB entries until the
// command resolves; callers read *out after <-cmd.Done.
func (d *Dispatcher) WatchList(tag string) *[]ListEntry {
	out := &[]ListEntry{}
	d.listOut[tag] = out
	return out
}

// WatchStatus registers tag to receive a STATUS reply.
func (d *Dispatcher) WatchStatus(tag string) *StatusReply {
	out := &StatusReply{}
	d.statusOut[tag] = out
	return out
}

// WatchSearch registers tag to receive a SEARCH reply.
func (d *Dispatcher) WatchSearch(tag string) *SearchReply {
	out := &SearchReply{}
	d.searchOut[tag] = out
	return out
}

// WatchNamespace registers tag to receive a NAMESPACE reply.
func (d *Dispatcher) WatchNamespace(tag string) *NamespaceReply {
	out := &NamespaceReply{}
	d.namespaceOut[tag] = out
	return out
}

// BodyPart is one raw BODY[section]/RFC822[.HEADER|.TEXT] literal
// from a FETCH response, handed back unparsed: full MIME parsing is
// an external collaborator's job (spec.md section 1).
type BodyPart struct {
	MSN     uint32
	Section string
	Data    []byte
}

// WatchBody registers tag to receive the raw body literals a FETCH
// it issued pulls back.
func (d *Dispatcher) WatchBody(tag string) *[]BodyPart {
	out := &[]BodyPart{}
	d.bodyOut[tag] = out
	return out
}

// Result is what Step reports happened with the one line it consumed.
type Result struct {
	Tagged       *imaptag.Command // non-nil if a tagged completion resolved
	Continuation bool             // a "+" line arrived
	Bye          bool
	ByeExpected  bool // LoggingOut was set when the BYE arrived
	PreAuth      bool // greeting was "* PREAUTH", skip authentication
}

// Step consumes exactly one already-loaded response (sc.LoadLine must
// have been called) and applies it to state, which may be nil when no
// mailbox is selected (e.g. during AUTHENTICATED-state CAPABILITY).
func (d *Dispatcher) Step(sc *imapwire.Scanner, state *imap.MailboxState) (Result, error) {
	if !sc.Next() {
		if sc.Error != nil {
			return Result{}, sc.Error
		}
		return Result{}, nil
	}

	switch sc.Token {
	case imapwire.TokenAtom:
		word := string(sc.Value)
		switch word {
		case "+":
			return Result{Continuation: true}, nil
		case "*":
			return d.dispatchUntagged(sc, state)
		}
		// Anything else is a tag: the rest of the line is the completion.
		return d.dispatchTagged(sc, word)
	default:
		return Result{}, fmt.Errorf("imapresp: unexpected leading token %v", sc.Token)
	}
}

// dispatchUntagged is called once "*" has already been consumed as
// the leading token; it reads the keyword and routes.
func (d *Dispatcher) dispatchUntagged(sc *imapwire.Scanner, state *imap.MailboxState) (Result, error) {
	if !sc.Next() {
		return Result{}, fmt.Errorf("imapresp: untagged response missing keyword")
	}

	// A numeric keyword means "<n> EXISTS|EXPUNGE|FETCH|RECENT".
	if sc.Token == imapwire.TokenNumber {
		n := sc.Number
		if !sc.Next() || sc.Token != imapwire.TokenAtom {
			return Result{}, fmt.Errorf("imapresp: numeric response missing keyword")
		}
		return Result{}, d.dispatchNumbered(sc, state, uint32(n), strings.ToUpper(string(sc.Value)))
	}

	if sc.Token != imapwire.TokenAtom && sc.Token != imapwire.TokenNIL {
		return Result{}, fmt.Errorf("imapresp: untagged response keyword is not an atom")
	}
	keyword := strings.ToUpper(string(sc.Value))

	switch keyword {
	case "OK", "NO", "BAD", "PREAUTH", "BYE":
		qualifier, text := parseQualifier(sc)
		_ = text
		if keyword == "BYE" {
			return Result{Bye: true, ByeExpected: d.LoggingOut}, nil
		}
		if keyword == "PREAUTH" {
			d.applyQualifier(qualifier, state)
			return Result{PreAuth: true}, nil
		}
		d.applyQualifier(qualifier, state)
		return Result{}, nil
	case "CAPABILITY":
		d.readCapability(sc)
		return Result{}, nil
	case "FLAGS":
		if state != nil {
			state.PermittedFlags = d.readFlagList(sc)
		}
		return Result{}, nil
	case "LIST", "LSUB":
		return Result{}, d.readList(sc)
	case "SEARCH":
		return Result{}, d.readSearch(sc)
	case "STATUS":
		return Result{}, d.readStatus(sc)
	case "NAMESPACE":
		return Result{}, d.readNamespace(sc)
	case "ENABLED":
		// Consumed for completeness; goimap tracks only the ones it
		// requested, via the tagged completion of ENABLE itself.
		for sc.Next() {
		}
		return Result{}, nil
	default:
		// Unrecognised untagged keyword: drain the rest of the line so
		// the scanner stays in sync (RFC 3501's extensibility rule).
		d.log.Debug("unrecognised untagged response", "keyword", keyword)
		for sc.Next() {
		}
		return Result{}, nil
	}
}

func (d *Dispatcher) dispatchNumbered(sc *imapwire.Scanner, state *imap.MailboxState, n uint32, keyword string) error {
	switch keyword {
	case "EXISTS":
		if state != nil {
			// Compared against ActiveLen, not Len: an untagged EXPUNGE
			// already marked its message ServerExpunged (excluded from
			// ActiveLen) even though the array isn't compacted until the
			// next Expunge call, so a legitimate EXPUNGE-then-EXISTS
			// sequence does not falsely trip this check (spec.md section
			// 4.3's "without a preceding EXPUNGE/VANISHED" qualifier).
			if n < uint32(state.ActiveLen()) {
				return imap.Fatalf("imapresp: EXISTS %d below current message count %d without an intervening EXPUNGE", n, state.ActiveLen())
			}
			state.NewMailCount = n
			state.NewmailPending = true
		}
		return nil
	case "RECENT":
		if state != nil {
			state.Recent = n
		}
		return nil
	case "EXPUNGE":
		if state != nil {
			if msg := state.ByMSN(n); msg != nil {
				msg.ServerExpunged = true
			}
			// A self-initiated EXPUNGE sets ExpungeExpected around the
			// call (imapclient.Connection.Expunge) precisely so the
			// untagged EXPUNGEs it provokes don't raise the external-
			// reopen signal (spec.md section 4.7 phase 6).
			if !state.ExpungeExpected {
				state.ExpungePending = true
			}
		}
		return nil
	case "FETCH":
		return d.readFetch(sc, state, n)
	default:
		for sc.Next() {
		}
		return nil
	}
}

func (d *Dispatcher) dispatchTagged(sc *imapwire.Scanner, tag string) (Result, error) {
	if !sc.Next() || sc.Token != imapwire.TokenAtom {
		return Result{}, fmt.Errorf("imapresp: tagged line %s missing status word", tag)
	}
	var state imaptag.CompletionState
	switch strings.ToUpper(string(sc.Value)) {
	case "OK":
		state = imaptag.StateOK
	case "NO":
		state = imaptag.StateNO
	case "BAD":
		state = imaptag.StateBAD
	default:
		return Result{}, fmt.Errorf("imapresp: tagged line %s has unknown status %q", tag, sc.Value)
	}
	qualifier, _ := parseQualifier(sc)

	cmd, ok := d.Queue.Resolve(tag, state, qualifier)
	delete(d.listOut, tag)
	delete(d.statusOut, tag)
	delete(d.searchOut, tag)
	delete(d.namespaceOut, tag)
	delete(d.bodyOut, tag)
	if !ok {
		return Result{}, fmt.Errorf("imapresp: tagged completion for unknown tag %q", tag)
	}
	return Result{Tagged: cmd}, nil
}

// applyQualifier updates connection/mailbox state from a bracketed
// OK qualifier: CAPABILITY, PERMANENTFLAGS, UIDVALIDITY, UIDNEXT,
// HIGHESTMODSEQ, NOMODSEQ, READ-ONLY.
func (d *Dispatcher) applyQualifier(qualifier string, state *imap.MailboxState) {
	if qualifier == "" {
		return
	}
	word, rest, _ := strings.Cut(qualifier, " ")
	switch strings.ToUpper(word) {
	case "CAPABILITY":
		// "* OK [CAPABILITY IMAP4rev1 STARTTLS LOGINDISABLED] srv" — the
		// same capability list a bare CAPABILITY response carries, just
		// folded into the greeting (spec.md section 4.4).
		for _, w := range strings.Fields(rest) {
			d.Caps.add(w)
		}
		d.Caps.Raw = rest
	case "PERMANENTFLAGS":
		if state == nil {
			return
		}
		state.PermittedFlags, state.PermittedKeyword = parseFlagParen(rest)
	case "UIDVALIDITY":
		if state == nil {
			return
		}
		if v, err := strconv.ParseUint(rest, 10, 32); err == nil {
			state.UIDValidity = uint32(v)
		}
	case "UIDNEXT":
		if state == nil {
			return
		}
		if v, err := strconv.ParseUint(rest, 10, 32); err == nil {
			state.UIDNext = uint32(v)
		}
	case "HIGHESTMODSEQ":
		if state == nil {
			return
		}
		if v, err := strconv.ParseInt(rest, 10, 64); err == nil {
			state.HighestModSeq = v
		}
	case "NOMODSEQ":
		if state == nil {
			return
		}
		state.NoModSeq = true
	case "READ-ONLY":
		if state == nil {
			return
		}
		state.ReadOnly = true
	case "READ-WRITE":
		if state == nil {
			return
		}
		state.ReadOnly = false
	}
}

func parseFlagParen(s string) (imap.Flag, []string) {
	s = strings.TrimPrefix(s, "(")
	s = strings.TrimSuffix(s, ")")
	var flags imap.Flag
	var keywords []string
	for _, f := range strings.Fields(s) {
		if bit, ok := imap.ParseFlag(f); ok {
			flags |= bit
			continue
		}
		if f != `\*` {
			keywords = append(keywords, f)
		}
	}
	return flags, keywords
}

// parseQualifier reads an optional "[...]" qualifier followed by free
// text, returning the qualifier's inner content (e.g. "UIDVALIDITY
// 1234") and the trailing human-readable text.
func parseQualifier(sc *imapwire.Scanner) (qualifier, text string) {
	if !sc.Next() {
		return "", ""
	}
	if sc.Token != imapwire.TokenBracketOpen {
		// No qualifier: sc is already positioned at the first word of
		// the free text; collect it and the rest as the text.
		var words []string
		words = append(words, tokenText(sc))
		for sc.Next() {
			words = append(words, tokenText(sc))
		}
		return "", strings.Join(words, " ")
	}
	var words []string
	for sc.Next() && sc.Token != imapwire.TokenBracketEnd {
		words = append(words, tokenText(sc))
	}
	qualifier = strings.Join(words, " ")
	var rest []string
	for sc.Next() {
		rest = append(rest, tokenText(sc))
	}
	return qualifier, strings.Join(rest, " ")
}

func tokenText(sc *imapwire.Scanner) string {
	switch sc.Token {
	case imapwire.TokenNumber:
		return strconv.FormatUint(sc.Number, 10)
	case imapwire.TokenNIL:
		return "NIL"
	default:
		return string(sc.Value)
	}
}

func (d *Dispatcher) readCapability(sc *imapwire.Scanner) {
	var words []string
	for sc.Next() {
		words = append(words, string(sc.Value))
		d.Caps.add(string(sc.Value))
	}
	d.Caps.Raw = strings.Join(words, " ")
}

func (d *Dispatcher) readFlagList(sc *imapwire.Scanner) imap.Flag {
	if !sc.Next() || sc.Token != imapwire.TokenListStart {
		return imap.FlagNone
	}
	var flags imap.Flag
	for sc.Next() && sc.Token != imapwire.TokenListEnd {
		if bit, ok := imap.ParseFlag(string(sc.Value)); ok {
			flags |= bit
		}
	}
	return flags
}

// readList reads "(attrs) delim name" for LIST/LSUB.
func (d *Dispatcher) readList(sc *imapwire.Scanner) error {
	var entry ListEntry
	if !sc.Next() || sc.Token != imapwire.TokenListStart {
		return fmt.Errorf("imapresp: LIST missing attribute list")
	}
	for sc.Next() && sc.Token != imapwire.TokenListEnd {
		if bit, ok := imap.ParseAttr(string(sc.Value)); ok {
			entry.Attrs |= bit
		}
	}
	if !sc.Next() {
		return fmt.Errorf("imapresp: LIST missing delimiter")
	}
	if sc.Token != imapwire.TokenNIL {
		entry.Delim = string(sc.Value)
	}
	if !sc.Next() {
		return fmt.Errorf("imapresp: LIST missing mailbox name")
	}
	entry.Name = string(sc.Value)

	for _, out := range d.listOut {
		*out = append(*out, entry)
	}
	return nil
}

func (d *Dispatcher) readSearch(sc *imapwire.Scanner) error {
	var nums []uint32
	for sc.Next() {
		if sc.Token != imapwire.TokenNumber {
			continue
		}
		nums = append(nums, uint32(sc.Number))
	}
	for _, out := range d.searchOut {
		out.Nums = append(out.Nums, nums...)
	}
	return nil
}

func (d *Dispatcher) readStatus(sc *imapwire.Scanner) error {
	if !sc.Next() {
		return fmt.Errorf("imapresp: STATUS missing mailbox name")
	}
	reply := StatusReply{Mailbox: string(sc.Value)}
	if !sc.Next() || sc.Token != imapwire.TokenListStart {
		return fmt.Errorf("imapresp: STATUS missing item list")
	}
	for sc.Next() && sc.Token != imapwire.TokenListEnd {
		item := strings.ToUpper(string(sc.Value))
		if !sc.Next() || sc.Token != imapwire.TokenNumber {
			return fmt.Errorf("imapresp: STATUS item %s missing value", item)
		}
		switch item {
		case "MESSAGES":
			reply.Messages = uint32(sc.Number)
		case "RECENT":
			reply.Recent = uint32(sc.Number)
		case "UIDNEXT":
			reply.UIDNext = uint32(sc.Number)
		case "UIDVALIDITY":
			reply.UIDValidity = uint32(sc.Number)
		case "UNSEEN":
			reply.Unseen = uint32(sc.Number)
		case "HIGHESTMODSEQ":
			reply.HighestModSeq = int64(sc.Number)
		}
	}
	for _, out := range d.statusOut {
		*out = reply
	}
	return nil
}

// readNamespace reads the three parenthesised namespace-descriptor
// lists of an untagged NAMESPACE response, per RFC 2342. Each list is
// either NIL or a sequence of (prefix delim [extension...]) entries;
// goimap keeps only prefix and delimiter.
func (d *Dispatcher) readNamespace(sc *imapwire.Scanner) error {
	reply := NamespaceReply{}
	lists := []*[]NamespaceEntry{&reply.Personal, &reply.Other, &reply.Shared}
	for _, dst := range lists {
		if !sc.Next() {
			return fmt.Errorf("imapresp: NAMESPACE missing list")
		}
		if sc.Token == imapwire.TokenNIL {
			continue
		}
		if sc.Token != imapwire.TokenListStart {
			return fmt.Errorf("imapresp: NAMESPACE expected list or NIL")
		}
		for sc.Next() && sc.Token != imapwire.TokenListEnd {
			if sc.Token != imapwire.TokenListStart {
				return fmt.Errorf("imapresp: NAMESPACE entry must be a list")
			}
			var entry NamespaceEntry
			if sc.Next() {
				entry.Prefix = string(sc.Value)
			}
			if sc.Next() && sc.Token != imapwire.TokenNIL {
				entry.Delim = string(sc.Value)
			}
			// Drain any extension parameters for this entry.
			depth := 1
			for depth > 0 && sc.Next() {
				switch sc.Token {
				case imapwire.TokenListStart:
					depth++
				case imapwire.TokenListEnd:
					depth--
				}
			}
			*dst = append(*dst, entry)
		}
	}
	for _, out := range d.namespaceOut {
		*out = reply
	}
	return nil
}

// readFetch applies a "<n> FETCH (...)" response to the message at
// MSN n.
func (d *Dispatcher) readFetch(sc *imapwire.Scanner, state *imap.MailboxState, n uint32) error {
	if !sc.Next() || sc.Token != imapwire.TokenListStart {
		return fmt.Errorf("imapresp: FETCH missing item list")
	}
	var msg *imap.Message
	if state != nil {
		msg = state.ByMSN(n)
	}
	for sc.Next() && sc.Token != imapwire.TokenListEnd {
		item := strings.ToUpper(string(sc.Value))
		switch item {
		case "UID":
			if !sc.Next() || sc.Token != imapwire.TokenNumber {
				return fmt.Errorf("imapresp: FETCH UID missing value")
			}
			if msg != nil && state != nil {
				state.SetUID(msg, uint32(sc.Number))
			}
		case "FLAGS":
			flags := d.readFlagList(sc)
			if msg != nil {
				// An external flag change on a message we already know
				// about: the host's view is now stale (spec.md section
				// 4.8's "detect ... flag updates").
				if msg.ServerFlags != flags && state != nil {
					state.FlagsPending = true
				}
				msg.ServerFlags = flags
				msg.LocalFlags = flags
			}
		case "INTERNALDATE":
			if !sc.Next() || sc.Token != imapwire.TokenString {
				return fmt.Errorf("imapresp: FETCH INTERNALDATE missing value")
			}
			if msg != nil {
				if t, err := time.Parse(internalDateLayout, string(sc.Value)); err == nil {
					msg.InternalDate = t
				}
			}
		case "RFC822.SIZE":
			if !sc.Next() || sc.Token != imapwire.TokenNumber {
				return fmt.Errorf("imapresp: FETCH RFC822.SIZE missing value")
			}
			if msg != nil {
				msg.RFC822Size = uint32(sc.Number)
			}
		case "MODSEQ":
			if !sc.Next() || sc.Token != imapwire.TokenListStart {
				return fmt.Errorf("imapresp: FETCH MODSEQ missing paren")
			}
			for sc.Next() && sc.Token != imapwire.TokenListEnd {
			}
		case "BODY", "RFC822", "RFC822.HEADER", "RFC822.TEXT":
			// BODY[<section>] (and the RFC822 shorthand forms): the
			// section name, if any, sits in its own bracket pair before
			// the literal; the literal bytes are handed to whichever
			// Fetch call is watching for them, raw, for the external
			// MIME parser (spec.md section 1) to interpret.
			section := ""
			if !sc.Next() {
				return fmt.Errorf("imapresp: FETCH %s missing value", item)
			}
			if sc.Token == imapwire.TokenBracketOpen {
				var parts []string
				for sc.Next() && sc.Token != imapwire.TokenBracketEnd {
					parts = append(parts, tokenText(sc))
				}
				section = strings.Join(parts, " ")
				if !sc.Next() {
					return fmt.Errorf("imapresp: FETCH %s[%s] missing value", item, section)
				}
			}
			if sc.Token == imapwire.TokenString && len(d.bodyOut) > 0 {
				data := append([]byte(nil), sc.Value...)
				for _, out := range d.bodyOut {
					*out = append(*out, BodyPart{MSN: n, Section: section, Data: data})
				}
			}
		default:
			// ENVELOPE, BODYSTRUCTURE and friends: skip the single
			// following value without interpreting it; full MIME
			// parsing is out of scope.
			if !sc.Next() {
				return fmt.Errorf("imapresp: FETCH %s missing value", item)
			}
			if sc.Token == imapwire.TokenListStart {
				depth := 1
				for depth > 0 && sc.Next() {
					switch sc.Token {
					case imapwire.TokenListStart:
						depth++
					case imapwire.TokenListEnd:
						depth--
					}
				}
			}
		}
	}
	return nil
}
