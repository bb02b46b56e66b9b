// imapcheck is a small diagnostic client: it connects to an account,
// authenticates, selects a mailbox, runs one check/sync pass, and
// prints what it found. It exists to exercise the engine end to end
// the way toyserver.go exercises the teacher's server side.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"log"
	"os"
	"time"

	"github.com/neomutt/goimap/imap"
	"github.com/neomutt/goimap/imap/imapclient"
	"github.com/neomutt/goimap/imap/imappath"
	"github.com/neomutt/goimap/imap/netsock"
)

func main() {
	log.SetFlags(0)

	flagURL := flag.String("url", "", `account+mailbox, e.g. "imaps://alice@mail.example.com/INBOX"`)
	flagPass := flag.String("pass", os.Getenv("IMAPCHECK_PASS"), "password (defaults to $IMAPCHECK_PASS)")
	flagInsecure := flag.Bool("insecure_skip_verify", false, "skip TLS certificate verification (testing only)")
	flagExpunge := flag.Bool("expunge", false, "expunge \\Deleted messages during sync")
	flagTimeout := flag.Duration("timeout", 30*time.Second, "per-command timeout")
	flag.Parse()

	if *flagURL == "" {
		log.Fatal("imapcheck: -url is required")
	}

	parsed, err := imappath.Parse(*flagURL)
	if err != nil {
		log.Fatalf("imapcheck: %v", err)
	}
	pass := *flagPass
	if pass == "" {
		pass = parsed.Pass
	}
	if pass == "" {
		log.Fatal("imapcheck: no password given (-pass or $IMAPCHECK_PASS)")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *flagTimeout)
	defer cancel()

	addr := parsed.Account.Host + ":" + itoa(parsed.Account.Port)
	tlsConfig := &tls.Config{ServerName: parsed.Account.Host, InsecureSkipVerify: *flagInsecure}

	var sock imap.Socket
	if parsed.Account.Security == imap.SecurityTLS {
		sock, err = netsock.DialTLS(ctx, addr, tlsConfig)
	} else {
		sock, err = netsock.Dial(ctx, addr)
	}
	if err != nil {
		log.Fatalf("imapcheck: dial %s: %v", addr, err)
	}

	conn, err := imapclient.Connect(ctx, imapclient.Options{
		Sock:       sock,
		TLS:        netsock.TLSUpgrader{Config: tlsConfig},
		Auth:       imapclient.NewPlainAuthenticator("", parsed.Account.User, pass),
		ForceTLS:   true,
		ServerName: parsed.Account.Host,
		EnableUTF8: true,
	})
	if err != nil {
		log.Fatalf("imapcheck: connect: %v", err)
	}

	if parsed.Account.Security == imap.SecurityStartTLS && conn.State() == imap.Connected {
		if err := conn.StartTLS(ctx); err != nil {
			log.Fatalf("imapcheck: starttls: %v", err)
		}
	}

	if conn.State() != imap.Authenticated {
		if err := conn.Authenticate(ctx, imap.NewAccount(parsed.Account.Host, parsed.Account.Port, parsed.Account.User, parsed.Account.Security)); err != nil {
			log.Fatalf("imapcheck: authenticate: %v", err)
		}
	}
	log.Printf("imapcheck: authenticated, session %s, capabilities: %s", conn.SessionID(), conn.Capabilities().Raw)

	mailboxName := parsed.Mailbox
	if mailboxName == "" {
		mailboxName = "INBOX"
	}
	acct := imap.NewAccount(parsed.Account.Host, parsed.Account.Port, parsed.Account.User, parsed.Account.Security)
	mbox := acct.Mailbox(mailboxName)
	if err := conn.Select(ctx, mbox, false); err != nil {
		log.Fatalf("imapcheck: select %s: %v", mailboxName, err)
	}
	log.Printf("imapcheck: selected %s: %d messages, uidvalidity=%d, uidnext=%d",
		mailboxName, mbox.State.NewMailCount, mbox.State.UIDValidity, mbox.State.UIDNext)

	result, err := conn.Sync(ctx, imapclient.SyncOptions{Expunge: *flagExpunge, DeleteRight: true})
	if err != nil {
		log.Fatalf("imapcheck: sync: %v", err)
	}
	log.Printf("imapcheck: sync result: %s", result)

	if err := conn.Logout(ctx); err != nil {
		log.Printf("imapcheck: logout: %v", err)
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
