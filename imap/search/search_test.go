package search

import (
	"testing"

	"github.com/neomutt/goimap/imap"
)

func TestCompileHeaderBodyWholeMsg(t *testing.T) {
	got, err := Compile(Node{Kind: And, Children: []Node{
		{Kind: Header, HeaderName: "Subject", Value: "hello"},
		{Kind: Body, Value: "world"},
		{Kind: WholeMsg, Value: "quux"},
	}}, Capabilities{})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	want := `HEADER "Subject" "hello" BODY "world" TEXT "quux"`
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestCompileNot(t *testing.T) {
	got, err := Compile(Node{Kind: Not, Children: []Node{
		{Kind: Body, Value: "spam"},
	}}, Capabilities{})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if got != `NOT BODY "spam"` {
		t.Fatalf("got %q", got)
	}
}

func TestCompileOrBinary(t *testing.T) {
	got, err := Compile(Node{Kind: Or, Children: []Node{
		{Kind: Body, Value: "a"},
		{Kind: Body, Value: "b"},
	}}, Capabilities{})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if got != `OR BODY "a" BODY "b"` {
		t.Fatalf("got %q", got)
	}
}

func TestCompileOrNaryNests(t *testing.T) {
	got, err := Compile(Node{Kind: Or, Children: []Node{
		{Kind: Body, Value: "a"},
		{Kind: Body, Value: "b"},
		{Kind: Body, Value: "c"},
	}}, Capabilities{})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	want := `OR BODY "a" (OR BODY "b" BODY "c")`
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestCompileServerSearchRequiresCapability(t *testing.T) {
	_, err := Compile(Node{Kind: ServerSearch, Value: "has:attachment"}, Capabilities{})
	if err == nil {
		t.Fatal("expected error for SERVERSEARCH without X-GM-EXT-1")
	}
	if !imap.IsKind(err, imap.KindLocal) {
		t.Fatalf("error kind = %v, want KindLocal", err)
	}
}

func TestCompileServerSearchWithCapability(t *testing.T) {
	got, err := Compile(Node{Kind: ServerSearch, Value: "has:attachment"}, Capabilities{XGMExt1: true})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if got != `X-GM-RAW "has:attachment"` {
		t.Fatalf("got %q", got)
	}
}

func TestCompileQuotesEscapeSpecialChars(t *testing.T) {
	got, err := Compile(Node{Kind: Body, Value: `say "hi" \ ok`}, Capabilities{})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	want := `BODY "say \"hi\" \\ ok"`
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestCompileNotRequiresExactlyOneChild(t *testing.T) {
	_, err := Compile(Node{Kind: Not, Children: []Node{
		{Kind: Body, Value: "a"},
		{Kind: Body, Value: "b"},
	}}, Capabilities{})
	if err == nil {
		t.Fatal("expected error for NOT with two children")
	}
}
