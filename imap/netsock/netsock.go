// Package netsock is the concrete imap.Socket implementation over a
// real net.Conn, grounded on the teacher's own net.Listener/net.Conn
// use in imapserver/toyserver.go — here driving the client side of
// the same TCP/TLS connection instead of accepting it.
package netsock

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"net"
	"time"

	"github.com/neomutt/goimap/imap"
)

var errNotNetSocket = errors.New("netsock: StartTLS requires a *netsock.Socket")

// Socket implements imap.Socket over a net.Conn.
type Socket struct {
	conn net.Conn
	br   *bufio.Reader
}

// Dial opens a TCP connection to addr (host:port). Use DialTLS
// directly for imaps://'s implicit TLS.
func Dial(ctx context.Context, addr string) (*Socket, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, imap.NewError(imap.KindFatal, "", err)
	}
	return New(conn), nil
}

// DialTLS opens an implicit-TLS connection (imaps://).
func DialTLS(ctx context.Context, addr string, cfg *tls.Config) (*Socket, error) {
	var d net.Dialer
	tlsDialer := &tls.Dialer{NetDialer: &d, Config: cfg}
	conn, err := tlsDialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, imap.NewError(imap.KindFatal, "", err)
	}
	return New(conn), nil
}

// New wraps an already-open net.Conn.
func New(conn net.Conn) *Socket {
	return &Socket{conn: conn, br: bufio.NewReader(conn)}
}

func (s *Socket) ReadLine() ([]byte, error) {
	line, err := s.br.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	line = line[:len(line)-1]
	if len(line) > 0 && line[len(line)-1] == '\r' {
		line = line[:len(line)-1]
	}
	return line, nil
}

func (s *Socket) ReadRaw(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := readFull(s.br, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (s *Socket) Write(buf []byte) error {
	_, err := s.conn.Write(buf)
	return err
}

// Poll reports whether the socket has data ready to read within
// timeout, implemented via a read deadline and a single-byte peek
// through the buffered reader (net.Conn has no native poll).
func (s *Socket) Poll(timeout time.Duration) (bool, error) {
	if s.br.Buffered() > 0 {
		return true, nil
	}
	deadline := time.Now().Add(timeout)
	if timeout == 0 {
		deadline = time.Now()
	}
	if err := s.conn.SetReadDeadline(deadline); err != nil {
		return false, err
	}
	defer s.conn.SetReadDeadline(time.Time{})

	_, err := s.br.Peek(1)
	if err == nil {
		return true, nil
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return false, nil
	}
	return false, err
}

func (s *Socket) Close() error { return s.conn.Close() }

// Raw exposes the underlying net.Conn, for a TLSUpgrader.
func (s *Socket) Raw() net.Conn { return s.conn }

// TLSUpgrader implements imap.TLSUpgrader over crypto/tls.
type TLSUpgrader struct {
	Config *tls.Config
}

func (u TLSUpgrader) StartTLS(ctx context.Context, sock imap.Socket, serverName string) (imap.Socket, error) {
	raw, ok := sock.(*Socket)
	if !ok {
		return nil, imap.NewError(imap.KindLocal, "", errNotNetSocket)
	}
	cfg := u.Config
	if cfg == nil {
		cfg = &tls.Config{}
	}
	if cfg.ServerName == "" && serverName != "" {
		cfg2 := cfg.Clone()
		cfg2.ServerName = serverName
		cfg = cfg2
	}
	tlsConn := tls.Client(raw.Raw(), cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, imap.NewError(imap.KindFatal, "", err)
	}
	// The buffered reader's any already-read-but-unconsumed bytes are
	// discarded by constructing a fresh Socket: post-upgrade the
	// engine must not replay pre-TLS bytes.
	return New(tlsConn), nil
}
