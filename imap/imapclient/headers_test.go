package imapclient

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/neomutt/goimap/imap"
)

// fakeHeaderCache is an in-memory stand-in for a host's on-disk header
// cache (spec.md section 6's hc_get/hc_put/hc_del/hc_close).
type fakeHeaderCache struct {
	byUID  map[uint32]imap.CachedMessage
	closed bool
}

func newFakeHeaderCache() *fakeHeaderCache {
	return &fakeHeaderCache{byUID: map[uint32]imap.CachedMessage{}}
}

func (f *fakeHeaderCache) Get(uid uint32) (imap.CachedMessage, bool, error) {
	msg, ok := f.byUID[uid]
	return msg, ok, nil
}

func (f *fakeHeaderCache) Put(uid uint32, msg imap.CachedMessage) error {
	f.byUID[uid] = msg
	return nil
}

func (f *fakeHeaderCache) Delete(uid uint32) error {
	delete(f.byUID, uid)
	return nil
}

func (f *fakeHeaderCache) Close() error {
	f.closed = true
	return nil
}

// fakeBodyCache is an in-memory stand-in for bc_fetch/bc_store/bc_delete.
type fakeBodyCache struct {
	byUID map[uint32][]byte
}

func newFakeBodyCache() *fakeBodyCache {
	return &fakeBodyCache{byUID: map[uint32][]byte{}}
}

func (f *fakeBodyCache) Fetch(uid uint32) (io.ReadCloser, bool, error) {
	data, ok := f.byUID[uid]
	if !ok {
		return nil, false, nil
	}
	return io.NopCloser(bytes.NewReader(data)), true, nil
}

func (f *fakeBodyCache) Store(uid uint32, body io.Reader) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	f.byUID[uid] = data
	return nil
}

func (f *fakeBodyCache) Delete(uid uint32) error {
	delete(f.byUID, uid)
	return nil
}

// TestReadHeadersMaterializesNewMailWithoutCache is spec.md section
// 6's read_headers with no HeaderCache wired: EXISTS growth with no
// Message objects behind it must be filled in by a UID-discovery pass
// followed by a header FETCH, not silently dropped.
func TestReadHeadersMaterializesNewMailWithoutCache(t *testing.T) {
	c, sock, mbox := selectedConn(t)
	mbox.State.NewMailCount = 2

	sock.lines = [][]byte{
		[]byte("* 1 FETCH (UID 101)"),
		[]byte("* 2 FETCH (UID 102)"),
		[]byte("a0001 OK FETCH completed"),
		[]byte(`* 1 FETCH (FLAGS (\Seen) INTERNALDATE "01-Jan-2026 00:00:00 +0000" RFC822.SIZE 100)`),
		[]byte(`* 2 FETCH (FLAGS () INTERNALDATE "02-Jan-2026 00:00:00 +0000" RFC822.SIZE 200)`),
		[]byte("a0002 OK FETCH completed"),
	}

	if err := c.ReadHeaders(context.Background(), 0); err != nil {
		t.Fatalf("ReadHeaders: %v", err)
	}
	if mbox.State.Len() != 2 {
		t.Fatalf("Len = %d, want 2", mbox.State.Len())
	}
	m1, m2 := mbox.State.ByUID(101), mbox.State.ByUID(102)
	if m1 == nil || m2 == nil {
		t.Fatalf("expected both UIDs indexed, got %v %v", m1, m2)
	}
	if m1.ServerFlags != imap.FlagSeen {
		t.Fatalf("uid 101 flags = %v, want Seen", m1.ServerFlags)
	}
	if m1.RFC822Size != 100 || m2.RFC822Size != 200 {
		t.Fatalf("unexpected sizes: %d %d", m1.RFC822Size, m2.RFC822Size)
	}
	if mbox.State.NewMailCount != 2 {
		t.Fatalf("NewMailCount = %d, want consumed down to 2", mbox.State.NewMailCount)
	}
	if len(sock.writes) != 2 {
		t.Fatalf("writes = %q, want a UID-discovery FETCH then one header FETCH", sock.writes)
	}
	if !strings.Contains(sock.writes[0], "FETCH 1:2 (UID)") {
		t.Fatalf("first write = %q", sock.writes[0])
	}
	if !strings.Contains(sock.writes[1], "UID FETCH 101:102") {
		t.Fatalf("second write = %q", sock.writes[1])
	}
}

// TestReadHeadersSkipsCachedUIDs covers the HeaderCache hit path: a
// UID already on disk from a prior session must not cost a second
// header FETCH, only the uncached UID should.
func TestReadHeadersSkipsCachedUIDs(t *testing.T) {
	c, sock, mbox := selectedConn(t)
	mbox.State.NewMailCount = 2
	hc := newFakeHeaderCache()
	hc.byUID[101] = imap.CachedMessage{UID: 101, Flags: imap.FlagFlagged, RFC822Size: 555}
	c.headerCache = hc

	sock.lines = [][]byte{
		[]byte("* 1 FETCH (UID 101)"),
		[]byte("* 2 FETCH (UID 102)"),
		[]byte("a0001 OK FETCH completed"),
		[]byte(`* 2 FETCH (FLAGS () INTERNALDATE "02-Jan-2026 00:00:00 +0000" RFC822.SIZE 200)`),
		[]byte("a0002 OK FETCH completed"),
	}

	if err := c.ReadHeaders(context.Background(), 0); err != nil {
		t.Fatalf("ReadHeaders: %v", err)
	}
	if m1 := mbox.State.ByUID(101); m1 == nil || m1.RFC822Size != 555 {
		t.Fatalf("uid 101 should be populated from cache, got %+v", m1)
	}
	if len(sock.writes) != 2 {
		t.Fatalf("writes = %q, want UID-discovery then a header FETCH for only uid 102", sock.writes)
	}
	if !strings.Contains(sock.writes[1], "UID FETCH 102") || strings.Contains(sock.writes[1], "101") {
		t.Fatalf("second write = %q, want it scoped to uid 102 only", sock.writes[1])
	}
	if _, ok := hc.byUID[102]; !ok {
		t.Fatalf("expected the freshly-fetched uid 102 written back via hc_put")
	}
}

// TestFetchMessageUsesBodyCache covers both BodyCache directions: a
// hit skips BODY[] on the wire, and a miss stores what comes back.
func TestFetchMessageUsesBodyCache(t *testing.T) {
	c, sock, mbox := selectedConn(t)
	msg := &imap.Message{UID: 7}
	mbox.State.Append(msg)
	bc := newFakeBodyCache()
	c.bodyCache = bc

	sock.lines = [][]byte{[]byte("a0001 OK FETCH completed")}
	parts, err := c.FetchMessage(context.Background(), msg)
	if err != nil {
		t.Fatalf("FetchMessage (miss path, no cached body yet): %v", err)
	}
	if len(sock.writes) != 1 || !strings.Contains(sock.writes[0], "BODY[]") {
		t.Fatalf("writes = %q, want a full BODY[] fetch on a cache miss", sock.writes)
	}
	_ = parts

	bc.byUID[7] = []byte("cached body bytes")
	sock.writes = nil
	sock.lines = [][]byte{[]byte("a0002 OK FETCH completed")}
	parts, err = c.FetchMessage(context.Background(), msg)
	if err != nil {
		t.Fatalf("FetchMessage (hit path): %v", err)
	}
	if len(sock.writes) != 1 || strings.Contains(sock.writes[0], "BODY[]") {
		t.Fatalf("writes = %q, want a flags-only refresh, no BODY[] on a cache hit", sock.writes)
	}
	if len(parts) != 1 || string(parts[0].Data) != "cached body bytes" {
		t.Fatalf("parts = %+v, want the cached bytes returned", parts)
	}
}

// TestExpungeDeletesFromCaches is spec.md section 6's expunge scoping:
// a compacted-away UID must be dropped from both caches.
func TestExpungeDeletesFromCaches(t *testing.T) {
	c, sock, mbox := selectedConn(t)
	mbox.State.Append(&imap.Message{UID: 1})
	mbox.State.Append(&imap.Message{UID: 2})
	hc := newFakeHeaderCache()
	hc.byUID[2] = imap.CachedMessage{UID: 2}
	bc := newFakeBodyCache()
	bc.byUID[2] = []byte("body")
	c.headerCache = hc
	c.bodyCache = bc

	sock.lines = [][]byte{
		[]byte("* 2 EXPUNGE"),
		[]byte("a0001 OK EXPUNGE completed"),
	}
	if err := c.Expunge(context.Background()); err != nil {
		t.Fatalf("Expunge: %v", err)
	}
	if _, ok := hc.byUID[2]; ok {
		t.Fatalf("expected uid 2 deleted from HeaderCache")
	}
	if _, ok := bc.byUID[2]; ok {
		t.Fatalf("expected uid 2 deleted from BodyCache")
	}
}

// TestLogoutClosesHeaderCache is spec.md section 6's "scoped so the
// cache is closed before control returns to the host".
func TestLogoutClosesHeaderCache(t *testing.T) {
	c, sock := connectGreeting(t, "* OK test server\r\n", Options{})
	hc := newFakeHeaderCache()
	c.headerCache = hc

	sock.lines = [][]byte{[]byte("a0000 OK LOGOUT completed")}
	if err := c.Logout(context.Background()); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if !hc.closed {
		t.Fatalf("expected HeaderCache.Close to be called by Logout")
	}
}
