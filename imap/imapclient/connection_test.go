package imapclient

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/neomutt/goimap/imap"
)

var errDeadSocket = errors.New("scriptedSocket: poll failed")

// scriptedSocket replays a canned sequence of response lines and
// records every line written to it, the same double-ended fake the
// dispatcher and scanner tests use, adapted here to drive a whole
// Connection round-trip end to end (spec.md section 8, scenario 3).
type scriptedSocket struct {
	lines   [][]byte
	raws    [][]byte
	writes  []string
	polls   []bool
	pollErr error
}

func (s *scriptedSocket) ReadLine() ([]byte, error) {
	if len(s.lines) == 0 {
		return nil, errors.New("scriptedSocket: no more lines")
	}
	l := s.lines[0]
	s.lines = s.lines[1:]
	return l, nil
}

func (s *scriptedSocket) ReadRaw(n int) ([]byte, error) {
	if len(s.raws) == 0 {
		return nil, errors.New("scriptedSocket: no raw reads scripted")
	}
	r := s.raws[0]
	s.raws = s.raws[1:]
	return r, nil
}

func (s *scriptedSocket) Write(buf []byte) error {
	cp := make([]byte, len(buf))
	copy(cp, buf)
	s.writes = append(s.writes, string(cp))
	return nil
}

func (s *scriptedSocket) Poll(time.Duration) (bool, error) {
	if s.pollErr != nil {
		return false, s.pollErr
	}
	if len(s.polls) == 0 {
		return false, nil
	}
	p := s.polls[0]
	s.polls = s.polls[1:]
	return p, nil
}

func (s *scriptedSocket) Close() error { return nil }

func connectGreeting(t *testing.T, greeting string, opts Options) (*Connection, *scriptedSocket) {
	t.Helper()
	sock := &scriptedSocket{lines: [][]byte{[]byte(greeting)}}
	opts.Sock = sock
	c, err := Connect(context.Background(), opts)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return c, sock
}

// TestConnectParsesBracketedCapabilityGreeting is spec.md section 8
// scenario 1: a greeting carrying "[CAPABILITY ...]" must populate the
// capability set just like a bare CAPABILITY response would, so a
// caller can tell STARTTLS was offered before issuing LOGIN.
func TestConnectParsesBracketedCapabilityGreeting(t *testing.T) {
	c, _ := connectGreeting(t, "* OK [CAPABILITY IMAP4rev1 STARTTLS LOGINDISABLED] srv\r\n", Options{})

	if !c.Capabilities().Has("STARTTLS") {
		t.Fatalf("expected STARTTLS capability from bracketed greeting")
	}
	if !c.Capabilities().Has("LOGINDISABLED") {
		t.Fatalf("expected LOGINDISABLED capability from bracketed greeting")
	}
}

// TestSelectPopulatesMailboxState is spec.md section 8 scenario 3:
// after a SELECT round-trip, state is SELECTED with messages,
// uidvalidity and uidnext populated from the untagged responses.
func TestSelectPopulatesMailboxState(t *testing.T) {
	c, sock := connectGreeting(t, "* OK test server\r\n", Options{})

	sock.lines = [][]byte{
		[]byte("* 3 EXISTS"),
		[]byte(`* FLAGS (\Answered \Flagged \Seen)`),
		[]byte("* OK [UIDVALIDITY 1] UIDs valid"),
		[]byte("* OK [UIDNEXT 5] Predicted next UID"),
		[]byte("a0000 OK [READ-WRITE] SELECT completed"),
	}

	acct := imap.NewAccount("mail.example.com", 143, "alice", imap.SecurityStartTLS)
	mbox := acct.Mailbox("INBOX")

	if err := c.Select(context.Background(), mbox, false); err != nil {
		t.Fatalf("Select: %v", err)
	}
	if c.State() != imap.Selected {
		t.Fatalf("state = %v, want Selected", c.State())
	}
	if mbox.State.NewMailCount != 3 {
		t.Fatalf("NewMailCount = %d, want 3 (EXISTS only sets the count; messages materialize via a FETCH pass)", mbox.State.NewMailCount)
	}
	if !mbox.State.NewmailPending {
		t.Fatalf("expected NewmailPending after EXISTS")
	}
	if mbox.State.UIDValidity != 1 {
		t.Fatalf("uidvalidity = %d, want 1", mbox.State.UIDValidity)
	}
	if mbox.State.UIDNext != 5 {
		t.Fatalf("uidnext = %d, want 5", mbox.State.UIDNext)
	}
	if mbox.State.ReadOnly {
		t.Fatalf("expected read-write mailbox")
	}
	if len(sock.writes) != 1 || sock.writes[0] != "a0000 SELECT \"INBOX\"\r\n" {
		t.Fatalf("writes = %q, want one SELECT line", sock.writes)
	}
}
