package imapwire

import (
	"fmt"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// UTF8Codec implements imap.NameCodec for servers that have accepted
// "ENABLE UTF8=ACCEPT" (RFC 6855): mailbox names travel as plain UTF-8
// instead of mUTF-7, normalized to NFC as the RFC recommends so two
// differently-composed spellings of the same name compare equal.
type UTF8Codec struct{}

func (UTF8Codec) Encode(name string) (string, error) {
	if !utf8.ValidString(name) {
		return "", fmt.Errorf("imapwire: mailbox name is not valid UTF-8")
	}
	return norm.NFC.String(name), nil
}

func (UTF8Codec) Decode(wire string) (string, error) {
	if !utf8.ValidString(wire) {
		return "", fmt.Errorf("imapwire: server sent a mailbox name that is not valid UTF-8")
	}
	return norm.NFC.String(wire), nil
}
