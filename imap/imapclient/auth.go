package imapclient

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/emersion/go-sasl"

	"github.com/neomutt/goimap/imap"
)

// SASLAuthenticator is the default imap.Authenticator, backed by
// github.com/emersion/go-sasl (present in the pack's madmail and
// fenilsonani-email-server go.mod files). It drives AUTHENTICATE for
// any mechanism the supplied sasl.Client answers to; OAUTH/GSSAPI
// remain true black boxes a host supplies its own sasl.Client for.
type SASLAuthenticator struct {
	// Mechanism names the SASL mechanism this Client speaks, e.g.
	// "PLAIN".
	Mechanism string
	Client    sasl.Client

	// FallbackUser/FallbackPass drive a bare LOGIN when the server does
	// not advertise Mechanism at all; an empty FallbackUser disables
	// the fallback.
	FallbackUser, FallbackPass string
}

// NewPlainAuthenticator builds the default PLAIN-mechanism
// authenticator, per SPEC_FULL.md's domain stack.
func NewPlainAuthenticator(identity, user, pass string) *SASLAuthenticator {
	return &SASLAuthenticator{
		Mechanism:    "PLAIN",
		Client:       sasl.NewPlainClient(identity, user, pass),
		FallbackUser: user,
		FallbackPass: pass,
	}
}

func (a *SASLAuthenticator) Authenticate(ctx context.Context, sock imap.Socket, mechanisms []string) (imap.AuthOutcome, error) {
	if hasMechanism(mechanisms, a.Mechanism) {
		return a.authenticateSASL(sock)
	}
	if a.FallbackUser != "" {
		return a.authenticateLogin(sock)
	}
	return imap.AuthOutcome{OK: false, Reason: fmt.Sprintf("server does not advertise AUTH=%s and no LOGIN fallback is configured", a.Mechanism)}, nil
}

func hasMechanism(mechanisms []string, want string) bool {
	for _, m := range mechanisms {
		if strings.EqualFold(m, want) {
			return true
		}
	}
	return false
}

// authenticateSASL drives "AUTHENTICATE <mech>" with SASL-IR when
// possible (RFC 4959): the initial response rides on the command line
// itself instead of costing a continuation round-trip.
func (a *SASLAuthenticator) authenticateSASL(sock imap.Socket) (imap.AuthOutcome, error) {
	mech, ir, err := a.Client.Start()
	if err != nil {
		return imap.AuthOutcome{}, err
	}
	line := "a AUTHENTICATE " + mech
	if ir != nil {
		line += " " + base64.StdEncoding.EncodeToString(ir)
	}
	if err := sock.Write([]byte(line + "\r\n")); err != nil {
		return imap.AuthOutcome{}, err
	}
	for {
		resp, err := sock.ReadLine()
		if err != nil {
			return imap.AuthOutcome{}, err
		}
		s := string(resp)
		switch {
		case strings.HasPrefix(s, "+ "):
			challenge, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(s, "+ "))
			if err != nil {
				return imap.AuthOutcome{}, err
			}
			reply, err := a.Client.Next(challenge)
			if err != nil {
				return imap.AuthOutcome{}, err
			}
			if err := sock.Write([]byte(base64.StdEncoding.EncodeToString(reply) + "\r\n")); err != nil {
				return imap.AuthOutcome{}, err
			}
		case strings.HasPrefix(s, "a OK"):
			return imap.AuthOutcome{OK: true}, nil
		case strings.HasPrefix(s, "a NO"), strings.HasPrefix(s, "a BAD"):
			return imap.AuthOutcome{OK: false, Reason: s}, nil
		default:
			// Untagged response interleaved during auth (e.g.
			// CAPABILITY): ignored here, re-requested explicitly by
			// Connection.Authenticate once this returns OK.
		}
	}
}

// authenticateLogin drives the plain LOGIN command, the fallback for
// servers without SASL-IR/AUTHENTICATE support for the configured
// mechanism. Password material must never be logged by the caller
// (spec.md section 4.2's PASS submit flag covers this on the
// Connection side; this primitive only ever runs when the caller
// bypassed Connection.send, i.e. during the handshake before a
// Connection exists to apply that flag).
func (a *SASLAuthenticator) authenticateLogin(sock imap.Socket) (imap.AuthOutcome, error) {
	line := fmt.Sprintf("a LOGIN %s %s\r\n", quoteLogin(a.FallbackUser), quoteLogin(a.FallbackPass))
	if err := sock.Write([]byte(line)); err != nil {
		return imap.AuthOutcome{}, err
	}
	for {
		resp, err := sock.ReadLine()
		if err != nil {
			return imap.AuthOutcome{}, err
		}
		s := string(resp)
		switch {
		case strings.HasPrefix(s, "a OK"):
			return imap.AuthOutcome{OK: true}, nil
		case strings.HasPrefix(s, "a NO"), strings.HasPrefix(s, "a BAD"):
			return imap.AuthOutcome{OK: false, Reason: s}, nil
		}
	}
}

func quoteLogin(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		if s[i] == '"' || s[i] == '\\' {
			b.WriteByte('\\')
		}
		b.WriteByte(s[i])
	}
	b.WriteByte('"')
	return b.String()
}
