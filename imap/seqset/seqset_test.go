package seqset

import (
	"strconv"
	"strings"
	"testing"

	"github.com/neomutt/goimap/imap"
)

func newMsg(uid uint32, flags imap.Flag) *imap.Message {
	return &imap.Message{UID: uid, ServerFlags: flags, LocalFlags: flags}
}

func TestBuildContiguousRun(t *testing.T) {
	msgs := []*imap.Message{
		newMsg(10, imap.FlagDeleted),
		newMsg(11, imap.FlagDeleted),
		newMsg(12, imap.FlagDeleted),
	}
	match := Predicate(Deleted, false, false, true)
	set, count, next, done := Build(msgs, match, 1024, 0)
	if set != "10:12" {
		t.Fatalf("set = %q, want 10:12", set)
	}
	if count != 3 || !done || next != 3 {
		t.Fatalf("count=%d done=%v next=%d", count, done, next)
	}
}

func TestBuildBreaksOnNonMatch(t *testing.T) {
	msgs := []*imap.Message{
		newMsg(10, imap.FlagDeleted),
		newMsg(11, imap.FlagNone),
		newMsg(12, imap.FlagDeleted),
	}
	match := Predicate(Deleted, false, false, true)
	set, count, _, done := Build(msgs, match, 1024, 0)
	if set != "10,12" {
		t.Fatalf("set = %q, want 10,12", set)
	}
	if count != 2 || !done {
		t.Fatalf("count=%d done=%v", count, done)
	}
}

func TestBuildInactiveBreaksRun(t *testing.T) {
	middle := newMsg(11, imap.FlagDeleted)
	middle.ExcludeFromNextSet = true
	msgs := []*imap.Message{
		newMsg(10, imap.FlagDeleted),
		middle,
		newMsg(12, imap.FlagDeleted),
	}
	match := Predicate(Deleted, false, false, true)
	set, _, _, _ := Build(msgs, match, 1024, 0)
	if set != "10,12" {
		t.Fatalf("set = %q, want 10,12", set)
	}
}

func TestBuildSortsByUIDRegardlessOfInputOrder(t *testing.T) {
	msgs := []*imap.Message{
		newMsg(30, imap.FlagDeleted),
		newMsg(10, imap.FlagDeleted),
		newMsg(20, imap.FlagDeleted),
	}
	match := Predicate(Deleted, false, false, true)
	set, _, _, _ := Build(msgs, match, 1024, 0)
	if set != "10:30" {
		t.Fatalf("set = %q, want 10:30 (input order must not matter)", set)
	}
}

func TestDivergeSelectsOnlyAddOrRemoveDirection(t *testing.T) {
	newlyFlagged := &imap.Message{UID: 1, ServerFlags: imap.FlagNone, LocalFlags: imap.FlagFlagged}
	newlyUnflagged := &imap.Message{UID: 2, ServerFlags: imap.FlagFlagged, LocalFlags: imap.FlagNone}
	unchanged := &imap.Message{UID: 3, ServerFlags: imap.FlagFlagged, LocalFlags: imap.FlagFlagged}
	msgs := []*imap.Message{newlyFlagged, newlyUnflagged, unchanged}

	add := Diverge(Flagged, false)
	if !add(newlyFlagged) || add(newlyUnflagged) || add(unchanged) {
		t.Fatalf("add pass matched the wrong messages")
	}
	remove := Diverge(Flagged, true)
	if remove(newlyFlagged) || !remove(newlyUnflagged) || remove(unchanged) {
		t.Fatalf("remove pass matched the wrong messages")
	}

	set, count, _, _ := Build(msgs, add, 1024, 0)
	if set != "1" || count != 1 {
		t.Fatalf("add set = %q count=%d, want \"1\" count=1", set, count)
	}
}

// TestDivergeNoWireFlagNeverMatches covers Old (and any other
// Selector with no wire flag): a pass-through that never emits a
// STORE since there is nothing to diverge on.
func TestDivergeNoWireFlagNeverMatches(t *testing.T) {
	msgs := []*imap.Message{
		{UID: 1, ServerFlags: imap.FlagNone, LocalFlags: imap.FlagSeen},
	}
	add := Diverge(Old, false)
	remove := Diverge(Old, true)
	set, count, _, done := Build(msgs, add, 1024, 0)
	if set != "" || count != 0 || !done {
		t.Fatalf("Old add pass should never match: set=%q count=%d", set, count)
	}
	set, count, _, done = Build(msgs, remove, 1024, 0)
	if set != "" || count != 0 || !done {
		t.Fatalf("Old remove pass should never match: set=%q count=%d", set, count)
	}
}

func TestBuildSplitsAtCeiling(t *testing.T) {
	// 1000 present messages at UIDs 1..1000; only the odd ones match,
	// so every match sits alone in its own single-UID run — a present,
	// non-matching message breaks the run, unlike a UID gap that was
	// simply never synced locally.
	var msgs []*imap.Message
	for uid := uint32(1); uid <= 1000; uid++ {
		flags := imap.FlagNone
		if uid%2 == 1 {
			flags = imap.FlagFlagged
		}
		msgs = append(msgs, newMsg(uid, flags))
	}
	match := Predicate(Flagged, false, false, true)

	var batches []string
	from := 0
	for {
		set, _, next, done := Build(msgs, match, 1024, from)
		if set != "" {
			if len(set) > 1024 {
				t.Fatalf("batch exceeds ceiling: %d octets", len(set))
			}
			batches = append(batches, set)
		}
		if done {
			break
		}
		if next == from {
			t.Fatal("Build made no progress")
		}
		from = next
	}
	if len(batches) < 2 {
		t.Fatalf("expected at least two batches, got %d", len(batches))
	}

	// The union of every batch must equal the original UID set.
	got := map[uint32]bool{}
	for _, b := range batches {
		for _, part := range strings.Split(b, ",") {
			if u, err := strconv.ParseUint(part, 10, 32); err == nil {
				got[uint32(u)] = true
				continue
			}
			lo64, hi64, ok := strings.Cut(part, ":")
			if !ok {
				t.Fatalf("bad range %q", part)
			}
			lo, err1 := strconv.ParseUint(lo64, 10, 32)
			hi, err2 := strconv.ParseUint(hi64, 10, 32)
			if err1 != nil || err2 != nil {
				t.Fatalf("bad range %q", part)
			}
			for u := uint32(lo); u <= uint32(hi); u += 2 {
				got[u] = true
			}
		}
	}
	want := map[uint32]bool{}
	for _, m := range msgs {
		if match(m) {
			want[m.UID] = true
		}
	}
	if len(got) != len(want) {
		t.Fatalf("covered %d UIDs, want %d", len(got), len(want))
	}
	for uid := range want {
		if !got[uid] {
			t.Fatalf("UID %d missing from batches", uid)
		}
	}
}
