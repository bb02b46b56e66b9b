package imapwire

import (
	"fmt"
	"strings"

	"github.com/neomutt/goimap/imap"
)

// Writer builds one outbound command line at a time and hands it to
// sock.Write, switching to a synchronizing literal ({n}\r\n<bytes>)
// when an argument needs one, and waiting on the continuation
// callback for the server's "+" before sending the literal body.
type Writer struct {
	sock imap.Socket

	// AwaitContinuation is called after a literal's "{n}\r\n" marker
	// is flushed, and must not return until the server's "+" line has
	// been read (the response dispatcher owns reading, so this is a
	// callback rather than a direct read here).
	AwaitContinuation func() error

	buf []byte
}

func NewWriter(sock imap.Socket, awaitContinuation func() error) *Writer {
	return &Writer{sock: sock, AwaitContinuation: awaitContinuation}
}

// Reset starts a new command line, writing its tag and name.
func (w *Writer) Reset(tag, name string) {
	w.buf = w.buf[:0]
	w.buf = append(w.buf, tag...)
	w.buf = append(w.buf, ' ')
	w.buf = append(w.buf, name...)
}

// Raw appends s verbatim, preceded by a separating space.
func (w *Writer) Raw(s string) {
	w.buf = append(w.buf, ' ')
	w.buf = append(w.buf, s...)
}

// Atom appends an already-wire-safe atom, preceded by a space.
func (w *Writer) Atom(s string) { w.Raw(s) }

// needsLiteral reports whether s cannot be safely sent as a quoted
// string and must be sent as a literal: control bytes, CR, LF or NUL.
func needsLiteral(s string) bool {
	for i := 0; i < len(s); i++ {
		b := s[i]
		if b == '\r' || b == '\n' || b < 0x20 {
			return true
		}
	}
	return false
}

// QuoteOrLiteral appends s as a quoted string, or as a synchronizing
// literal if it contains bytes a quoted string cannot carry.
func (w *Writer) QuoteOrLiteral(s string) error {
	if !needsLiteral(s) {
		w.buf = append(w.buf, ' ')
		w.buf = append(w.buf, '"')
		for i := 0; i < len(s); i++ {
			b := s[i]
			if b == '"' || b == '\\' {
				w.buf = append(w.buf, '\\')
			}
			w.buf = append(w.buf, b)
		}
		w.buf = append(w.buf, '"')
		return nil
	}
	return w.literal(s)
}

func (w *Writer) literal(s string) error {
	w.buf = append(w.buf, ' ')
	w.buf = append(w.buf, fmt.Sprintf("{%d}", len(s))...)
	if err := w.sock.Write(append(append([]byte{}, w.buf...), '\r', '\n')); err != nil {
		return err
	}
	w.buf = w.buf[:0]
	if w.AwaitContinuation != nil {
		if err := w.AwaitContinuation(); err != nil {
			return err
		}
	}
	return w.sock.Write([]byte(s))
}

// Mailbox wire-encodes name with codec then writes it quoted or as a
// literal.
func (w *Writer) Mailbox(codec imap.NameCodec, name string) error {
	wire, err := codec.Encode(name)
	if err != nil {
		return fmt.Errorf("imapwire: encode mailbox name: %w", err)
	}
	return w.QuoteOrLiteral(wire)
}

// Flush writes the accumulated command line terminated by CRLF.
func (w *Writer) Flush() error {
	w.buf = append(w.buf, '\r', '\n')
	err := w.sock.Write(w.buf)
	w.buf = w.buf[:0]
	return err
}

// Render terminates the accumulated command line with CRLF and
// returns the bytes without writing them to the socket, for a command
// queued (imaptag.Queue) onto a batch that a later single write
// flushes. A build step that needs a synchronizing literal still
// writes that literal straight to the socket via literal above, ahead
// of the batch it was meant to join; callers must not queue a command
// whose build can reach QuoteOrLiteral's literal path.
func (w *Writer) Render() []byte {
	w.buf = append(w.buf, '\r', '\n')
	out := append([]byte(nil), w.buf...)
	w.buf = w.buf[:0]
	return out
}

// NextWord advances past the first whitespace-separated token in s
// and returns the remainder, trimmed of any leading space.
func NextWord(s string) string {
	s = strings.TrimLeft(s, " \t")
	i := strings.IndexAny(s, " \t")
	if i == -1 {
		return ""
	}
	return strings.TrimLeft(s[i:], " \t")
}

// GetQualifier extracts the bracketed response code following an
// OK/NO/BAD, e.g. "[READ-ONLY]" or "[UIDVALIDITY 1234]", returning
// the text between the brackets with no brackets, or "" if absent.
func GetQualifier(line string) string {
	i := strings.IndexByte(line, '[')
	if i == -1 {
		return ""
	}
	j := strings.IndexByte(line[i:], ']')
	if j == -1 {
		return ""
	}
	return line[i+1 : i+j]
}
