package imap

import (
	"context"
	"io"
	"time"
)

// Socket is the TCP/TLS primitive the engine drives. It is the only
// network surface the engine touches; a host may implement it over a
// real net.Conn, a spawned tunnel process, or a test double.
type Socket interface {
	// ReadLine returns one CRLF-terminated line, without the CRLF.
	ReadLine() ([]byte, error)

	// ReadRaw reads exactly n octets, used for literal bodies.
	ReadRaw(n int) ([]byte, error)

	// Write writes buf in full.
	Write(buf []byte) error

	// Poll reports whether the socket is readable within timeout.
	// timeout == 0 means a non-blocking check.
	Poll(timeout time.Duration) (readable bool, err error)

	Close() error
}

// TLSUpgrader upgrades an already-open Socket to TLS in place
// (STARTTLS). The engine discards any buffered unconsumed bytes
// before re-requesting CAPABILITY.
type TLSUpgrader interface {
	StartTLS(ctx context.Context, sock Socket, serverName string) (Socket, error)
}

// AuthOutcome is the result of a single AUTHENTICATE/LOGIN attempt.
type AuthOutcome struct {
	OK     bool
	Reason string
}

// Authenticator is the SASL/LOGIN black box the engine defers
// credential handling to. The engine calls it with Write/ReadLine already available on sock;
// the authenticator issues AUTHENTICATE or LOGIN and drives any
// continuation challenges itself.
//
// goimap's default implementation is backed by github.com/emersion/go-sasl
// for PLAIN; OAUTH/GSSAPI/XOAUTH2 are supplied by the host.
type Authenticator interface {
	Authenticate(ctx context.Context, sock Socket, mechanisms []string) (AuthOutcome, error)
}

// NameCodec munges/unmunges a mailbox name for the wire. The default
// is modified UTF-7; when UTF8=ACCEPT is enabled the engine uses a
// plain-UTF-8 codec instead.
type NameCodec interface {
	Encode(name string) (wire string, err error)
	Decode(wire string) (name string, err error)
}

// HeaderCache and BodyCache are the on-disk stores a host plugs in,
// scoped to a single selected mailbox.
type HeaderCache interface {
	Get(uid uint32) (msg CachedMessage, ok bool, err error)
	Put(uid uint32, msg CachedMessage) error
	Delete(uid uint32) error
	Close() error
}

type BodyCache interface {
	Fetch(uid uint32) (io.ReadCloser, bool, error)
	Store(uid uint32, body io.Reader) error
	Delete(uid uint32) error
}

// CachedMessage is the minimal header-cache payload; full MIME
// parsing is out of scope, so the engine only caches what it itself
// needs to reconcile flags and UIDs across sessions.
type CachedMessage struct {
	UID          uint32
	InternalDate time.Time
	RFC822Size   uint32
	Flags        Flag
	Keywords     []string
}
