package imapclient

import (
	"context"
	"strings"
	"testing"

	"github.com/neomutt/goimap/imap"
)

func selectedConn(t *testing.T) (*Connection, *scriptedSocket, *imap.Mailbox) {
	t.Helper()
	c, sock := connectGreeting(t, "* OK test server\r\n", Options{})
	sock.lines = [][]byte{[]byte("a0000 OK SELECT completed")}
	acct := imap.NewAccount("mail.example.com", 143, "alice", imap.SecurityStartTLS)
	mbox := acct.Mailbox("INBOX")
	if err := c.Select(context.Background(), mbox, false); err != nil {
		t.Fatalf("Select: %v", err)
	}
	sock.writes = nil
	return c, sock, mbox
}

func TestStoreSendsUIDStore(t *testing.T) {
	c, sock, _ := selectedConn(t)
	sock.lines = [][]byte{[]byte("a0001 OK STORE completed")}

	if err := c.Store(context.Background(), "1:3", "+", imap.FlagSeen); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if len(sock.writes) != 1 || !strings.Contains(sock.writes[0], "UID STORE 1:3 +FLAGS.SILENT") {
		t.Fatalf("writes = %q", sock.writes)
	}
}

func TestStoreEmptySetIsNoop(t *testing.T) {
	c, sock, _ := selectedConn(t)
	if err := c.Store(context.Background(), "", "+", imap.FlagSeen); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if len(sock.writes) != 0 {
		t.Fatalf("expected no write for an empty set, got %q", sock.writes)
	}
}

func TestExpungeCompactsMessages(t *testing.T) {
	c, sock, mbox := selectedConn(t)
	mbox.State.Append(&imap.Message{UID: 1})
	mbox.State.Append(&imap.Message{UID: 2})
	mbox.State.Append(&imap.Message{UID: 3})

	sock.lines = [][]byte{
		[]byte("* 2 EXPUNGE"),
		[]byte("a0001 OK EXPUNGE completed"),
	}
	if err := c.Expunge(context.Background()); err != nil {
		t.Fatalf("Expunge: %v", err)
	}
	if mbox.State.Len() != 2 {
		t.Fatalf("len = %d, want 2 after compaction", mbox.State.Len())
	}
	if mbox.State.ByMSN(1).UID != 1 || mbox.State.ByMSN(2).UID != 3 {
		t.Fatalf("unexpected survivors: msn1=%d msn2=%d", mbox.State.ByMSN(1).UID, mbox.State.ByMSN(2).UID)
	}
	if mbox.State.ExpungeExpected {
		t.Fatalf("ExpungeExpected should be cleared after Expunge returns")
	}
}

func TestFastTrashRetriesOnTryCreate(t *testing.T) {
	c, sock, mbox := selectedConn(t)
	m := &imap.Message{UID: 7, LocalFlags: imap.FlagDeleted, Changed: true}
	mbox.State.Append(m)

	sock.lines = [][]byte{
		[]byte("a0001 NO [TRYCREATE] no such mailbox"),
		[]byte("a0002 OK CREATE completed"),
		[]byte("a0003 OK COPY completed"),
	}
	created := false
	err := c.FastTrash(context.Background(), "Trash", func(mailbox string) bool {
		created = true
		return true
	})
	if err != nil {
		t.Fatalf("FastTrash: %v", err)
	}
	if !created {
		t.Fatalf("expected confirmCreate to be consulted")
	}
	if len(sock.writes) != 3 {
		t.Fatalf("writes = %q, want COPY, CREATE, COPY", sock.writes)
	}
	if !strings.Contains(sock.writes[0], `UID COPY 7 "Trash"`) {
		t.Fatalf("first write = %q", sock.writes[0])
	}
	if !strings.Contains(sock.writes[1], `CREATE "Trash"`) {
		t.Fatalf("second write = %q", sock.writes[1])
	}
}

func TestFastTrashNoCandidatesIsNoop(t *testing.T) {
	c, sock, mbox := selectedConn(t)
	mbox.State.Append(&imap.Message{UID: 1, ServerFlags: imap.FlagSeen})

	if err := c.FastTrash(context.Background(), "Trash", nil); err != nil {
		t.Fatalf("FastTrash: %v", err)
	}
	if len(sock.writes) != 0 {
		t.Fatalf("expected no COPY for a mailbox with nothing \\Deleted, got %q", sock.writes)
	}
}

// TestFastTrashLoopsAcrossBatches is spec.md section 4.6 rule 4: a
// \Deleted set whose expression exceeds the 1024-octet ceiling must
// not be silently truncated to its first batch — FastTrash must keep
// looping on seqset.Build's resume cursor exactly like runStorePasses
// does, copying every matching message across as many COPY commands
// as it takes.
func TestFastTrashLoopsAcrossBatches(t *testing.T) {
	c, sock, mbox := autoSelectedConn(t)
	const n = 400
	for i := 0; i < n; i++ {
		// Even UIDs two apart never coalesce into a range, so each one
		// costs its own comma-separated entry and the total expression
		// comfortably exceeds 1024 octets.
		uid := uint32(2*i + 2)
		mbox.State.Append(&imap.Message{UID: uid, LocalFlags: imap.FlagDeleted, Changed: true})
	}

	if err := c.FastTrash(context.Background(), "Trash", nil); err != nil {
		t.Fatalf("FastTrash: %v", err)
	}

	var copies []string
	for _, w := range sock.writes {
		if strings.Contains(w, "UID COPY") {
			copies = append(copies, w)
		}
	}
	if len(copies) < 2 {
		t.Fatalf("expected FastTrash to split into multiple COPY batches, got %d: %q", len(copies), copies)
	}

	covered := map[uint32]bool{}
	for _, line := range copies {
		start := strings.Index(line, "UID COPY ") + len("UID COPY ")
		end := strings.Index(line, `"Trash"`)
		for _, part := range strings.Split(strings.TrimSpace(line[start:end]), ",") {
			if lo, hi, ok := strings.Cut(part, ":"); ok {
				loN, hiN := atoiT(t, lo), atoiT(t, hi)
				for u := loN; u <= hiN; u++ {
					covered[uint32(u)] = true
				}
			} else {
				covered[uint32(atoiT(t, part))] = true
			}
		}
	}
	if len(covered) != n {
		t.Fatalf("covered %d UIDs across batches, want %d", len(covered), n)
	}
}

func atoiT(t *testing.T, s string) int {
	t.Helper()
	v := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			t.Fatalf("non-digit in UID fragment %q", s)
		}
		v = v*10 + int(r-'0')
	}
	return v
}

func TestAppendWritesLiteral(t *testing.T) {
	c, sock, _ := selectedConn(t)
	sock.lines = [][]byte{[]byte("a0001 OK APPEND completed")}

	// A body with no CR/LF/control bytes fits as a quoted string rather
	// than a synchronizing literal, keeping this test to one write.
	body := strings.NewReader("a short one-line message body")
	if err := c.Append(context.Background(), "INBOX", imap.FlagSeen, body); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if len(sock.writes) != 1 || !strings.Contains(sock.writes[0], `APPEND "INBOX"`) {
		t.Fatalf("writes = %q", sock.writes)
	}
	if !strings.Contains(sock.writes[0], `"a short one-line message body"`) {
		t.Fatalf("expected quoted literal body, got %q", sock.writes[0])
	}
}
