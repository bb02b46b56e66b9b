// Package browser builds a folder listing for one level of the
// mailbox hierarchy: probing the delimiter, synthesizing a parent
// entry, and collecting/filtering children.
package browser

import (
	"context"
	"errors"
	"strings"

	"github.com/neomutt/goimap/imap"
	"github.com/neomutt/goimap/imap/imapresp"
)

// ErrNoCodec is returned when Options.Codec is nil.
var ErrNoCodec = errors.New("browser: Options.Codec must be set")

// Lister is the subset of the connection the browser drives. It is
// implemented by imapclient.Connection; kept as an interface here so
// browser never imports imapclient.
type Lister interface {
	List(ctx context.Context, reference, pattern string, returnChildren bool) ([]imapresp.ListEntry, error)
	ListSubscribed(ctx context.Context, reference, pattern string, recursiveMatch bool) ([]imapresp.ListEntry, error)
}

// StatsLookup reports cached per-mailbox stats (new/total/unread) for
// a server-form path, when already known from a previous SELECT or
// STATUS.
type StatsLookup func(path string) (newCount, total, unread uint32, ok bool)

// Options configures Populate.
type Options struct {
	// Codec munges path to its wire form. It is required: there is no
	// default, and Populate returns ErrNoCodec when it is nil.
	Codec imap.NameCodec

	// ListExtended enables RETURN (CHILDREN) on the probe/listing LIST
	// commands.
	ListExtended bool

	// UseLSUB lists subscribed mailboxes via LSUB (SUBSCRIBED
	// RECURSIVEMATCH) instead of plain LIST.
	UseLSUB bool

	// FilenameMask, if non-nil, is applied to each entry's server name;
	// entries it rejects are dropped.
	FilenameMask func(name string) bool

	Stats StatsLookup
}

// FolderEntry is one row of a populated folder view.
type FolderEntry struct {
	Name        string // server-form full path
	DisplayName string // relative to the current folder
	Delim       string
	Attrs       imap.ListAttr
	Selectable  bool
	HasChildren bool
	IsParent    bool // synthesized ".." entry

	NewCount, Total, Unread uint32
	StatsKnown              bool
}

// State is a populated folder view at Path.
type State struct {
	Path    string
	Delim   string
	Entries []FolderEntry
}

// Populate builds the folder view at path.
func Populate(ctx context.Context, lister Lister, path string, opts Options) (*State, error) {
	codec := opts.Codec
	if codec == nil {
		return nil, imap.NewError(imap.KindLocal, "", ErrNoCodec)
	}
	munged, err := codec.Encode(path)
	if err != nil {
		return nil, imap.NewError(imap.KindLocal, "", err)
	}

	// Step 1: probe the terminal delimiter.
	probe, err := lister.List(ctx, "", munged, opts.ListExtended)
	if err != nil {
		return nil, err
	}
	delim := ""
	descend := path
	if len(probe) > 0 {
		delim = probe[0].Delim
		if probe[0].Attrs&imap.AttrHasChildren != 0 && delim != "" && !strings.HasSuffix(descend, delim) {
			descend = descend + delim
		}
	}

	st := &State{Path: path, Delim: delim}

	// Step 2: synthesize the parent ".." entry, but only when path
	// actually has one (a top-level mailbox like "INBOX" does not).
	if delim != "" {
		trimmed := strings.TrimSuffix(path, delim)
		if idx := strings.LastIndex(trimmed, delim); idx >= 0 {
			parent := trimmed[:idx+len(delim)]
			st.Entries = append(st.Entries, FolderEntry{
				Name:        parent,
				DisplayName: "../",
				Delim:       delim,
				IsParent:    true,
				Selectable:  false,
				HasChildren: true,
			})
		}
	}

	// Step 3: list one hierarchy level below.
	mungedDescend, err := codec.Encode(descend)
	if err != nil {
		return nil, imap.NewError(imap.KindLocal, "", err)
	}
	var entries []imapresp.ListEntry
	if opts.UseLSUB {
		entries, err = lister.ListSubscribed(ctx, "", mungedDescend+"%", true)
	} else {
		entries, err = lister.List(ctx, "", mungedDescend+"%", opts.ListExtended)
	}
	if err != nil {
		return nil, err
	}

	for _, e := range entries {
		name, err := codec.Decode(e.Name)
		if err != nil {
			name = e.Name
		}
		if opts.FilenameMask != nil && !opts.FilenameMask(name) {
			continue
		}
		fe := FolderEntry{
			Name:        name,
			DisplayName: strings.TrimPrefix(name, descend),
			Delim:       e.Delim,
			Attrs:       e.Attrs,
			Selectable:  e.Attrs&imap.AttrNoselect == 0,
			HasChildren: e.Attrs&imap.AttrHasChildren != 0,
		}
		if opts.Stats != nil {
			if n, total, unread, ok := opts.Stats(name); ok {
				fe.NewCount, fe.Total, fe.Unread, fe.StatsKnown = n, total, unread, true
			}
		}
		st.Entries = append(st.Entries, fe)
	}

	return st, nil
}
