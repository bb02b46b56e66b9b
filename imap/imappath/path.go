// Package imappath implements path utilities and account matching:
// parsing imap(s):// URLs, canonicalizing a mailbox path for display,
// and computing parents within a given hierarchy delimiter.
//
// URL parsing is the one place this repo reaches for the standard
// library over an ecosystem dependency: net/url already parses
// arbitrary-scheme URLs (userinfo, host, port, path) correctly, and
// nothing in the retrieval pack carries a more IMAP-specific URL
// parser worth adopting instead (see DESIGN.md).
package imappath

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/neomutt/goimap/imap"
)

// Account identifies the server+credentials half of an imap(s)://
// URL: host, port, user, security.
type Account struct {
	Host     string
	Port     int
	User     string
	Security imap.Security
}

// Parsed is a fully decomposed imap(s):// URL.
type Parsed struct {
	Account Account
	Pass    string // empty if not present in the URL (never logged)
	Mailbox string // server-encoded path; "" means INBOX
}

// Parse decomposes an imap(s)://user[:pass]@host[:port]/mailbox URL.
// An empty path denotes INBOX.
func Parse(raw string) (Parsed, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Parsed{}, imap.NewError(imap.KindLocal, "", fmt.Errorf("imappath: %w", err))
	}

	var sec imap.Security
	switch strings.ToLower(u.Scheme) {
	case "imap":
		sec = imap.SecurityStartTLS
	case "imaps":
		sec = imap.SecurityTLS
	default:
		return Parsed{}, imap.NewError(imap.KindLocal, "", fmt.Errorf("imappath: unsupported scheme %q", u.Scheme))
	}

	port := 143
	if sec == imap.SecurityTLS {
		port = 993
	}
	host := u.Hostname()
	if host == "" {
		return Parsed{}, imap.NewError(imap.KindLocal, "", fmt.Errorf("imappath: URL has no host"))
	}
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			return Parsed{}, imap.NewError(imap.KindLocal, "", fmt.Errorf("imappath: invalid port %q", p))
		}
		port = n
	}

	var user, pass string
	if u.User != nil {
		user = u.User.Username()
		pass, _ = u.User.Password()
	}

	mailbox := strings.TrimPrefix(u.Path, "/")

	return Parsed{
		Account: Account{Host: host, Port: port, User: user, Security: sec},
		Pass:    pass,
		Mailbox: mailbox,
	}, nil
}

// Canon rebuilds the canonical imap(s):// form of an account+mailbox
// pair, omitting the password: credentials are never part of the
// durable, displayable form.
func Canon(acct Account, mailbox string) string {
	scheme := "imap"
	defaultPort := 143
	if acct.Security == imap.SecurityTLS {
		scheme = "imaps"
		defaultPort = 993
	}
	var b strings.Builder
	b.WriteString(scheme)
	b.WriteString("://")
	if acct.User != "" {
		b.WriteString(url.User(acct.User).String())
		b.WriteByte('@')
	}
	b.WriteString(acct.Host)
	if acct.Port != 0 && acct.Port != defaultPort {
		fmt.Fprintf(&b, ":%d", acct.Port)
	}
	b.WriteByte('/')
	b.WriteString(mailbox)
	return b.String()
}

// Pretty renders mailbox for display: INBOX is capitalized, and a
// trailing delimiter is trimmed.
func Pretty(mailbox, delim string) string {
	if mailbox == "" || strings.EqualFold(mailbox, "INBOX") {
		return "INBOX"
	}
	if delim != "" {
		mailbox = strings.TrimSuffix(mailbox, delim)
	}
	return mailbox
}

// Parent returns the path one hierarchy level up from mailbox, and
// whether one exists (a top-level mailbox like "INBOX" has none).
func Parent(mailbox, delim string) (parent string, ok bool) {
	if delim == "" {
		return "", false
	}
	trimmed := strings.TrimSuffix(mailbox, delim)
	idx := strings.LastIndex(trimmed, delim)
	if idx < 0 {
		return "", false
	}
	return trimmed[:idx+len(delim)], true
}

// Same reports whether two accounts refer to the same server
// identity (host, port, user, security) — the matching rule used to
// decide whether two Mailboxes share one live Connection.
func Same(a, b Account) bool {
	return strings.EqualFold(a.Host, b.Host) && a.Port == b.Port && a.User == b.User && a.Security == b.Security
}
