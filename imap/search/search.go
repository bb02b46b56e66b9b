// Package search compiles a pattern tree into an IMAP SEARCH
// expression. The pattern tree is external —
// the engine only knows the node kinds below; the rest (flag
// selectors, date arithmetic a UI might add) is the caller's concern
// and never reaches this package.
package search

import (
	"fmt"
	"strings"

	"github.com/neomutt/goimap/imap"
)

// Kind is a pattern-tree node kind.
type Kind int

const (
	Header Kind = iota
	Body
	WholeMsg
	ServerSearch
	Not
	Or
	And
)

// Node is one pattern-tree node. HeaderName and Value are set for
// Header (name/value), Body/WholeMsg/ServerSearch (Value only).
// Children holds the operands of Not (exactly one), Or, and And.
type Node struct {
	Kind       Kind
	HeaderName string
	Value      string
	Children   []Node
}

// Capabilities is the subset of the connection's capability bitset
// the compiler needs to decide whether SERVERSEARCH is legal.
type Capabilities struct {
	XGMExt1 bool // X-GM-EXT-1, required for SERVERSEARCH / X-GM-RAW
}

// Compile translates root into the argument list of an IMAP SEARCH
// command (everything after "SEARCH", not including the tag or
// command name). A SERVERSEARCH node against a server lacking
// X-GM-EXT-1 is a fatal compile error surfaced to the caller.
func Compile(root Node, caps Capabilities) (string, error) {
	var b strings.Builder
	if err := compile(&b, root, caps, false); err != nil {
		return "", err
	}
	return b.String(), nil
}

func compile(b *strings.Builder, n Node, caps Capabilities, parenthesize bool) error {
	switch n.Kind {
	case Header:
		fmt.Fprintf(b, "HEADER %s %s", quote(n.HeaderName), quote(n.Value))
	case Body:
		fmt.Fprintf(b, "BODY %s", quote(n.Value))
	case WholeMsg:
		fmt.Fprintf(b, "TEXT %s", quote(n.Value))
	case ServerSearch:
		if !caps.XGMExt1 {
			return imap.NewError(imap.KindLocal, "", fmt.Errorf("search: SERVERSEARCH requires X-GM-EXT-1, which the server did not advertise"))
		}
		fmt.Fprintf(b, "X-GM-RAW %s", quote(n.Value))
	case Not:
		if len(n.Children) != 1 {
			return imap.NewError(imap.KindLocal, "", fmt.Errorf("search: NOT requires exactly one child, got %d", len(n.Children)))
		}
		b.WriteString("NOT ")
		return compile(b, n.Children[0], caps, true)
	case Or:
		if len(n.Children) < 2 {
			return imap.NewError(imap.KindLocal, "", fmt.Errorf("search: OR requires at least two children, got %d", len(n.Children)))
		}
		return compileOr(b, n.Children, caps)
	case And:
		if len(n.Children) == 0 {
			return imap.NewError(imap.KindLocal, "", fmt.Errorf("search: AND requires at least one child"))
		}
		return compileAnd(b, n.Children, caps, parenthesize)
	default:
		return imap.NewError(imap.KindLocal, "", fmt.Errorf("search: unknown node kind %d", n.Kind))
	}
	return nil
}

// compileOr nests IMAP's binary "OR a b" to cover an N-ary OR list:
// OR a (OR b c) for [a, b, c].
func compileOr(b *strings.Builder, children []Node, caps Capabilities) error {
	if len(children) == 2 {
		b.WriteString("OR ")
		if err := compile(b, children[0], caps, true); err != nil {
			return err
		}
		b.WriteString(" ")
		return compile(b, children[1], caps, true)
	}
	b.WriteString("OR ")
	if err := compile(b, children[0], caps, true); err != nil {
		return err
	}
	b.WriteString(" (")
	if err := compileOr(b, children[1:], caps); err != nil {
		return err
	}
	b.WriteString(")")
	return nil
}

// compileAnd joins children with spaces — IMAP SEARCH's AND is
// implicit in a space-separated list of keys.
func compileAnd(b *strings.Builder, children []Node, caps Capabilities, parenthesize bool) error {
	if parenthesize {
		b.WriteString("(")
	}
	for i, c := range children {
		if i > 0 {
			b.WriteString(" ")
		}
		if err := compile(b, c, caps, true); err != nil {
			return err
		}
	}
	if parenthesize {
		b.WriteString(")")
	}
	return nil
}

func quote(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '"' || c == '\\' {
			b.WriteByte('\\')
		}
		b.WriteByte(c)
	}
	b.WriteByte('"')
	return b.String()
}
