package imap

import "time"

// Account is identified by (host, port, user, security) and owns
// exactly one live Connection (the Connection lives in imapclient;
// Account only stores the identity plus the Mailboxes sharing it).
type Account struct {
	Host     string
	Port     int
	User     string
	Security Security

	// Mailboxes the account has a handle to. The Account exclusively
	// owns them; the Connection only holds a relation (not ownership)
	// to whichever one is currently SELECTED.
	Mailboxes map[string]*Mailbox
}

func NewAccount(host string, port int, user string, sec Security) *Account {
	return &Account{Host: host, Port: port, User: user, Security: sec, Mailboxes: map[string]*Mailbox{}}
}

func (a *Account) Mailbox(name string) *Mailbox {
	if mb, ok := a.Mailboxes[name]; ok {
		return mb
	}
	mb := &Mailbox{Name: name, Account: a}
	a.Mailboxes[name] = mb
	return mb
}

// Mailbox is a handle to a server-side mailbox. State is non-nil only
// while this mailbox is the Connection's SELECTED mailbox.
type Mailbox struct {
	Account *Account

	Name        string // server form, as used in LIST/SELECT
	MungedName  string // wire-encoded (mUTF-7 or UTF-8) form
	DisplayName string

	State *MailboxState

	// Cached STATUS-derived stats, valid even when not selected;
	// populated by a bare STATUS call and by the piggy-backed STATUS
	// on $postponed that rides along with SELECT.
	StatusMessages    uint32
	StatusUnseen      uint32
	StatusUIDNext     uint32
	StatusUIDValidity uint32
}

// Rights are the ACL bits a mailbox grants. Absent the ACL
// capability, every right is assumed granted.
type Rights struct {
	Lookup, Read, Seen, Write, Insert, Post, Create, Delete, Administer bool
}

func AllRights() Rights {
	return Rights{true, true, true, true, true, true, true, true, true}
}

// MailboxState is the per-SELECTED-mailbox state. It is reconstructed
// fresh on every SELECT/EXAMINE and must never outlive the Mailbox it
// belongs to.
type MailboxState struct {
	ReadOnly bool
	Rights   Rights

	PermittedFlags   Flag
	PermittedKeyword []string // custom flags the server allows storing

	UIDValidity   uint32
	UIDNext       uint32
	HighestModSeq int64
	NoModSeq      bool

	Recent uint32
	Unseen uint32

	// NewMailCount is the last EXISTS value, cleared the moment the
	// following SELECT or FETCH pass consumes it.
	NewMailCount uint32

	// Pending event bits, cleared by Check.
	ReopenAllowed   bool
	ExpungeExpected bool
	ExpungePending  bool
	NewmailPending  bool
	FlagsPending    bool

	messages []*Message
	byUID    map[uint32]*Message
}

func NewMailboxState() *MailboxState {
	return &MailboxState{ReopenAllowed: true, byUID: map[uint32]*Message{}}
}

// Messages returns the live message array, indexed 0-based; MSN is
// index+1. Callers must not retain the slice across a mutating call
// (RemoveAt/Append/Reset).
func (s *MailboxState) Messages() []*Message { return s.messages }

func (s *MailboxState) Len() int { return len(s.messages) }

// ActiveLen counts messages not yet marked ServerExpunged. An
// untagged EXPUNGE flags a message ServerExpunged immediately but
// does not shrink the array until the next compaction pass
// (imapclient's self-initiated Expunge), so this is the count an
// EXISTS response should be compared against to tell a legitimate
// post-EXPUNGE EXISTS from a genuine server inconsistency (spec.md
// section 4.3).
func (s *MailboxState) ActiveLen() int {
	n := 0
	for _, m := range s.messages {
		if !m.ServerExpunged {
			n++
		}
	}
	return n
}

// ByMSN returns the message at 1-based sequence number n, or nil if
// out of range.
func (s *MailboxState) ByMSN(n uint32) *Message {
	if n == 0 || int(n) > len(s.messages) {
		return nil
	}
	return s.messages[n-1]
}

// ByUID returns the message with the given UID, or nil.
func (s *MailboxState) ByUID(uid uint32) *Message {
	return s.byUID[uid]
}

// SetUID assigns m's UID and indexes it, for a FETCH response that
// learns a message's UID after the message object already exists (a
// placeholder ReadHeaders appended before it knew the UID).
func (s *MailboxState) SetUID(m *Message, uid uint32) {
	m.UID = uid
	if uid != 0 {
		s.byUID[uid] = m
	}
}

// Append adds a newly-seen message (from a FETCH/EXISTS growth) to
// the end of the array, assigning it the next MSN.
func (s *MailboxState) Append(msg *Message) {
	msg.msn = uint32(len(s.messages)) + 1
	s.messages = append(s.messages, msg)
	if msg.UID != 0 {
		s.byUID[msg.UID] = msg
	}
}

// RemoveAt deletes the message at 1-based sequence number n (an
// EXPUNGE), shifting every later message's MSN down by one. It
// returns the removed message, or nil if n was out of range.
//
// The UID index and the server-flag cache of surviving messages are
// left unchanged.
func (s *MailboxState) RemoveAt(n uint32) *Message {
	if n == 0 || int(n) > len(s.messages) {
		return nil
	}
	i := n - 1
	removed := s.messages[i]
	s.messages = append(s.messages[:i], s.messages[i+1:]...)
	for j := i; j < uint32(len(s.messages)); j++ {
		s.messages[j].msn = j + 1
	}
	delete(s.byUID, removed.UID)
	return removed
}

// Reset clears the message array, used when a mailbox is closed or
// re-SELECTed from scratch.
func (s *MailboxState) Reset() {
	s.messages = nil
	s.byUID = map[uint32]*Message{}
}

// Message replaces a single overloaded "active" bit with two
// explicit flags: ServerExpunged and ExcludeFromNextSet below.
type Message struct {
	msn uint32
	UID uint32

	// ServerFlags is the last flag state the server confirmed, via
	// FLAGS in a FETCH or a STORE echo. LocalFlags is the
	// possibly-ahead-of-server value the UI has set; Sync reconciles
	// the two.
	ServerFlags Flag
	LocalFlags  Flag

	// KeywordsRemote is the last known server state of custom
	// (non-backslash) flags; Tags is the live, possibly edited, set.
	KeywordsRemote []string
	Tags           []string

	InternalDate time.Time
	RFC822Size   uint32

	// Changed is set whenever LocalFlags/Tags diverge from the
	// server-known values and cleared once Sync reconciles them.
	Changed bool

	// ServerExpunged is set by an untagged EXPUNGE/VANISHED for this
	// message before the cleanup pass removes it from the array.
	// ExcludeFromNextSet is an independent, UI-driven exclusion from
	// the next message-set build (e.g. "don't touch this one yet").
	ServerExpunged     bool
	ExcludeFromNextSet bool

	// UITagged is the host application's bulk-selection state (mutt's
	// "tagged messages"), independent of any wire flag or keyword.
	UITagged bool
}

// MSN returns the message's current 1-based sequence number.
func (m *Message) MSN() uint32 { return m.msn }

// Active reports whether m should be considered for message-set
// building: not expunged and not explicitly excluded.
func (m *Message) Active() bool {
	return !m.ServerExpunged && !m.ExcludeFromNextSet
}
