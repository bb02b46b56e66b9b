package imapclient

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"
)

// handshakeSocket is a tiny fixed-script imap.Socket for exercising
// SASLAuthenticator directly, before any Connection exists.
type handshakeSocket struct {
	lines  [][]byte
	writes []string
}

func (s *handshakeSocket) ReadLine() ([]byte, error) {
	if len(s.lines) == 0 {
		return nil, errors.New("handshakeSocket: no more lines")
	}
	l := s.lines[0]
	s.lines = s.lines[1:]
	return l, nil
}

func (s *handshakeSocket) ReadRaw(n int) ([]byte, error) { return nil, errors.New("not used") }

func (s *handshakeSocket) Write(buf []byte) error {
	s.writes = append(s.writes, string(buf))
	return nil
}

func (s *handshakeSocket) Poll(time.Duration) (bool, error) { return false, nil }
func (s *handshakeSocket) Close() error                     { return nil }

func TestPlainAuthenticatorSendsSASLIR(t *testing.T) {
	a := NewPlainAuthenticator("", "alice", "s3cret")
	sock := &handshakeSocket{lines: [][]byte{[]byte("a OK AUTHENTICATE completed")}}

	outcome, err := a.Authenticate(nil, sock, []string{"PLAIN"})
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if !outcome.OK {
		t.Fatalf("outcome = %+v, want OK", outcome)
	}
	if len(sock.writes) != 1 {
		t.Fatalf("writes = %q, want one line carrying the SASL-IR", sock.writes)
	}
	if !strings.HasPrefix(sock.writes[0], "a AUTHENTICATE PLAIN ") {
		t.Fatalf("write = %q", sock.writes[0])
	}
	b64 := strings.TrimSuffix(strings.TrimPrefix(sock.writes[0], "a AUTHENTICATE PLAIN "), "\r\n")
	ir, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		t.Fatalf("decode initial response: %v", err)
	}
	if string(ir) != "\x00alice\x00s3cret" {
		t.Fatalf("initial response = %q", ir)
	}
}

func TestPlainAuthenticatorRejectsBadCredentials(t *testing.T) {
	a := NewPlainAuthenticator("", "alice", "wrong")
	sock := &handshakeSocket{lines: [][]byte{[]byte("a NO [AUTHENTICATIONFAILED] invalid credentials")}}

	outcome, err := a.Authenticate(nil, sock, []string{"PLAIN"})
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if outcome.OK {
		t.Fatalf("expected failed outcome")
	}
}

func TestAuthenticatorFallsBackToLogin(t *testing.T) {
	a := NewPlainAuthenticator("", "alice", "s3cret")
	sock := &handshakeSocket{lines: [][]byte{[]byte("a OK LOGIN completed")}}

	// Server doesn't advertise AUTH=PLAIN at all, only bare LOGIN.
	outcome, err := a.Authenticate(nil, sock, nil)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if !outcome.OK {
		t.Fatalf("expected LOGIN fallback to succeed")
	}
	if len(sock.writes) != 1 || !strings.Contains(sock.writes[0], "LOGIN \"alice\" \"s3cret\"") {
		t.Fatalf("writes = %q", sock.writes)
	}
}

func TestAuthenticatorNoMechanismNoFallback(t *testing.T) {
	a := &SASLAuthenticator{Mechanism: "PLAIN", Client: nil}
	sock := &handshakeSocket{}

	outcome, err := a.Authenticate(nil, sock, nil)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if outcome.OK {
		t.Fatalf("expected failure with no mechanism and no fallback configured")
	}
	if len(sock.writes) != 0 {
		t.Fatalf("expected no writes, got %q", sock.writes)
	}
}
