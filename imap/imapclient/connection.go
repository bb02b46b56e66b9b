// Package imapclient is the connection state machine: greeting and
// STARTTLS/authentication handshake, SELECT, the sync engine, and the
// check/IDLE loop (spec.md sections 4.4-4.8).
package imapclient

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/neomutt/goimap/imap"
	"github.com/neomutt/goimap/imap/imapresp"
	"github.com/neomutt/goimap/imap/imaptag"
	"github.com/neomutt/goimap/imap/imapwire"
)

// Options configures a Connection. Only Sock is required; everything
// else has a workable default.
type Options struct {
	Sock imap.Socket

	TLS           imap.TLSUpgrader
	Auth          imap.Authenticator
	Codec         imap.NameCodec
	ForceTLS      bool // refuse to continue unencrypted (spec.md section 4.4)
	ServerName    string
	Keepalive     time.Duration // NOOP freshness window for check()
	PollTimeout   time.Duration // poll timeout bounding IDLE/LOGOUT waits
	EnableUTF8    bool
	EnableQresync bool
	Log           hclog.Logger
	Metrics       *Metrics

	// HeaderCache and BodyCache are the host's already-opened caches
	// for whichever mailbox this Connection selects (spec.md section
	// 6: hc_open/bc_open happen on the host's side before the
	// Connection is handed the result). ReadHeaders and Fetch consult
	// them; Close/Logout close HeaderCache before returning so the
	// host never has to remember to.
	HeaderCache imap.HeaderCache
	BodyCache   imap.BodyCache
}

// Connection is one IMAP session: the state machine from spec.md
// section 4.4 plus the command queue and dispatcher that drive it.
// It is not safe for concurrent use from more than one goroutine,
// matching the single-threaded, cooperative scheduling model of
// spec.md section 5.
type Connection struct {
	opts Options
	log  hclog.Logger

	sessionID string

	sock  imap.Socket
	sc    *imapwire.Scanner
	wr    *imapwire.Writer
	queue *imaptag.Queue
	disp  *imapresp.Dispatcher

	state imap.ConnState
	caps  *imapresp.Capabilities

	account *imap.Account
	mailbox *imap.Mailbox

	idleTag      string
	idleDisabled bool
	lastActivity time.Time

	// pendingOut/pendingCmds accumulate commands submitted with
	// imaptag.Queue: enqueue renders each one's line onto pendingOut
	// without writing it, and flushBatch writes the whole accumulation
	// in a single socket write (spec.md section 4.2's QUEUE/exec).
	pendingOut  []byte
	pendingCmds []*imaptag.Command

	headerCache imap.HeaderCache
	bodyCache   imap.BodyCache

	metrics *Metrics
}

// Connect performs the greeting read and, per spec.md section 4.4,
// transitions to CONNECTED (on "* OK") or AUTHENTICATED (on
// "* PREAUTH", after the ForceTLS/MITM check).
func Connect(ctx context.Context, opts Options) (*Connection, error) {
	if opts.Sock == nil {
		return nil, imap.NewError(imap.KindLocal, "", fmt.Errorf("imapclient: Options.Sock is required"))
	}
	if opts.Keepalive == 0 {
		opts.Keepalive = 5 * time.Minute
	}
	if opts.PollTimeout == 0 {
		opts.PollTimeout = 30 * time.Second
	}
	log := opts.Log
	if log == nil {
		log = hclog.NewNullLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	c := &Connection{
		opts:      opts,
		log:       log,
		sessionID: uuid.NewString(),
		sock:      opts.Sock,
		queue:     imaptag.NewQueue(),
		state:     imap.Connected,
		metrics:   metrics,

		headerCache: opts.HeaderCache,
		bodyCache:   opts.BodyCache,
	}
	c.sc = imapwire.NewScanner(opts.Sock)
	c.wr = imapwire.NewWriter(opts.Sock, c.awaitContinuation)
	c.disp = imapresp.NewDispatcher(log, c.queue)
	c.caps = c.disp.Caps

	if err := c.sc.LoadLine(); err != nil {
		return nil, imap.NewError(imap.KindFatal, "", err)
	}
	res, err := c.disp.Step(c.sc, nil)
	if err != nil {
		return nil, imap.NewError(imap.KindFatal, "", err)
	}
	if res.PreAuth {
		if opts.ForceTLS {
			return nil, imap.NewError(imap.KindFatal, "", fmt.Errorf("imapclient: PREAUTH greeting on an unencrypted link with ssl_force_tls set is treated as a possible MITM"))
		}
		c.state = imap.Authenticated
	}
	c.lastActivity = time.Now()
	c.log.Info("connected", "session", c.sessionID, "state", c.state.String())
	c.metrics.ConnectionsOpened.Inc()
	return c, nil
}

// State reports the current connection state.
func (c *Connection) State() imap.ConnState { return c.state }

// Capabilities exposes the advertised capability set.
func (c *Connection) Capabilities() *imapresp.Capabilities { return c.caps }

// SessionID is the correlation ID attached to every log line this
// connection emits.
func (c *Connection) SessionID() string { return c.sessionID }

// StartTLS performs STARTTLS, per spec.md section 4.4: re-requests
// CAPABILITY afterward since the server may change what it advertises
// once encrypted.
func (c *Connection) StartTLS(ctx context.Context) error {
	if c.opts.TLS == nil {
		return imap.NewError(imap.KindLocal, "", fmt.Errorf("imapclient: STARTTLS requires Options.TLS"))
	}
	if err := c.send(ctx, "STARTTLS", imaptag.Single, nil); err != nil {
		return err
	}
	upgraded, err := c.opts.TLS.StartTLS(ctx, c.sock, c.opts.ServerName)
	if err != nil {
		return imap.NewError(imap.KindFatal, "", err)
	}
	c.sock = upgraded
	c.sc = imapwire.NewScanner(upgraded)
	c.wr = imapwire.NewWriter(upgraded, c.awaitContinuation)
	return c.refreshCapability(ctx)
}

// Authenticate drives SASL/LOGIN via the configured Authenticator,
// then re-requests CAPABILITY and optionally enables UTF8=ACCEPT and
// QRESYNC, per spec.md section 4.4.
func (c *Connection) Authenticate(ctx context.Context, account *imap.Account) error {
	if c.opts.Auth == nil {
		return imap.NewError(imap.KindLocal, "", fmt.Errorf("imapclient: Authenticate requires Options.Auth"))
	}
	if c.opts.ForceTLS && c.state == imap.Connected {
		// A bare "* OK" greeting is not itself proof of encryption;
		// hosts that care must have already called StartTLS before
		// Authenticate when ForceTLS is set and the transport isn't
		// already implicit TLS (imaps://).
	}
	outcome, err := c.opts.Auth.Authenticate(ctx, c.sock, c.capabilityMechanisms())
	if err != nil {
		return imap.NewError(imap.KindFatal, "", err)
	}
	if !outcome.OK {
		return imap.NewError(imap.KindProtocol, "", fmt.Errorf("imapclient: authentication failed: %s", outcome.Reason))
	}
	c.state = imap.Authenticated
	c.account = account
	c.metrics.Authenticated.Inc()

	if err := c.refreshCapability(ctx); err != nil {
		return err
	}
	if c.opts.EnableUTF8 && c.caps.Has("UTF8=ACCEPT") {
		if err := c.send(ctx, "ENABLE UTF8=ACCEPT", imaptag.None, nil); err != nil {
			c.log.Warn("ENABLE UTF8=ACCEPT failed", "err", err)
		} else if c.opts.Codec == nil {
			// RFC 6855: once the server has accepted plain UTF-8, mailbox
			// names no longer need mUTF-7 encoding. A caller that passed
			// its own Codec (e.g. for a server not fully RFC 6855
			// compliant) keeps it.
			c.opts.Codec = imapwire.UTF8Codec{}
		}
	}
	if c.opts.EnableQresync && c.caps.Has("QRESYNC") {
		if err := c.send(ctx, "ENABLE QRESYNC", imaptag.None, nil); err != nil {
			c.log.Warn("ENABLE QRESYNC failed", "err", err)
		}
	}
	return nil
}

func (c *Connection) capabilityMechanisms() []string {
	var out []string
	for _, word := range strings.Fields(c.caps.Raw) {
		if strings.HasPrefix(word, "AUTH=") {
			out = append(out, strings.TrimPrefix(word, "AUTH="))
		}
	}
	return out
}

func (c *Connection) refreshCapability(ctx context.Context) error {
	return c.send(ctx, "CAPABILITY", imaptag.None, nil)
}

// Logout sends LOGOUT and transitions to DISCONNECTED, per spec.md
// section 4.4. It sets Dispatcher.LoggingOut first so the BYE that
// follows is not mistaken for a server-initiated disconnect.
func (c *Connection) Logout(ctx context.Context) error {
	if c.state == imap.Idle {
		if err := c.stopIdle(ctx); err != nil {
			c.state = imap.Disconnected
			c.sock.Close()
			return err
		}
	}
	c.disp.LoggingOut = true
	err := c.send(ctx, "LOGOUT", imaptag.Single, nil)
	c.state = imap.Disconnected
	c.sock.Close()
	c.metrics.ConnectionsOpened.Dec()
	if cerr := c.closeCache(); cerr != nil {
		c.log.Warn("header cache close failed", "err", cerr)
	}
	return err
}

// closeCache closes the header cache if one is wired, satisfying
// spec.md section 6's "scoped so the cache is closed before control
// returns to the host": Close (mailbox CLOSE) and Logout both call
// this before returning, so a host handing the engine an already-open
// HeaderCache never has to remember to close it itself. Idempotent:
// a second call is a no-op.
func (c *Connection) closeCache() error {
	if c.headerCache == nil {
		return nil
	}
	err := c.headerCache.Close()
	c.headerCache = nil
	c.bodyCache = nil
	return err
}

// send submits a command whose argument line is built by build (nil
// for an argument-less command), flushes it, and drives the response
// loop until its tagged completion resolves.
func (c *Connection) send(ctx context.Context, name string, flags imaptag.SubmitFlag, build func(w *imapwire.Writer) error) error {
	_, err := c.sendWatched(ctx, name, flags, build, watchNone)
	return err
}

// watchKind selects which per-command out-parameter (spec.md section
// 4.3) sendWatched registers before flushing the command.
type watchKind int

const (
	watchNone watchKind = iota
	watchList
	watchStatus
	watchSearch
)

// sendWatched is send plus an optional per-command out-parameter
// registration, returned so the caller can read it once the command
// resolves. With imaptag.Queue set it only buffers the command
// (enqueue) and returns without waiting; the caller is responsible for
// a later flushBatch, typically after queuing several commands that
// should travel in one pipelined write.
func (c *Connection) sendWatched(ctx context.Context, name string, flags imaptag.SubmitFlag, build func(w *imapwire.Writer) error, kind watchKind) (interface{}, error) {
	if flags&imaptag.Single != 0 && len(c.pendingCmds) > 0 {
		// Single: drain whatever is already queued before this command
		// gets its own batch of one.
		if err := c.flushBatch(ctx); err != nil {
			return nil, err
		}
	}
	out, cmd, err := c.enqueue(ctx, name, flags, build, kind)
	if err != nil {
		return out, err
	}
	if flags&imaptag.Queue != 0 {
		return out, nil
	}
	if err := c.flushBatch(ctx); err != nil {
		return out, err
	}
	return out, c.outcomeErr(cmd)
}

// enqueue submits a new command, builds its argument line and renders
// it onto the pending output buffer. This is the actual QUEUE
// behavior of spec.md section 4.2: nothing is written to the socket
// here, regardless of flags — that only happens in flushBatch, so
// several enqueue calls in a row accumulate into one pipelined batch.
func (c *Connection) enqueue(ctx context.Context, name string, flags imaptag.SubmitFlag, build func(w *imapwire.Writer) error, kind watchKind) (interface{}, *imaptag.Command, error) {
	if flags&imaptag.Poll != 0 {
		if _, err := c.sock.Poll(0); err != nil {
			c.state = imap.Disconnected
			return nil, nil, imap.NewError(imap.KindFatal, "", fmt.Errorf("imapclient: dead connection detected before write: %w", err))
		}
	}
	cmd := c.queue.Submit(name, flags)
	var out interface{}
	switch kind {
	case watchList:
		out = c.disp.WatchList(cmd.Tag)
	case watchStatus:
		out = c.disp.WatchStatus(cmd.Tag)
	case watchSearch:
		out = c.disp.WatchSearch(cmd.Tag)
	}

	c.wr.Reset(cmd.Tag, name)
	if build != nil {
		if err := build(c.wr); err != nil {
			return out, cmd, imap.NewError(imap.KindLocal, "", err)
		}
	}
	if flags&imaptag.Pass == 0 {
		c.log.Debug("->", "session", c.sessionID, "tag", cmd.Tag, "cmd", name)
	} else {
		c.log.Debug("->", "session", c.sessionID, "tag", cmd.Tag, "cmd", name, "args", "<redacted>")
	}
	c.pendingOut = append(c.pendingOut, c.wr.Render()...)
	c.pendingCmds = append(c.pendingCmds, cmd)
	return out, cmd, nil
}

// flushBatch writes every buffered command in a single socket write —
// the exec(NULL, 0) flush of spec.md section 4.2 — then drives
// responses against the currently selected mailbox's state until
// every queued command has a tagged completion. A no-op when nothing
// is queued.
func (c *Connection) flushBatch(ctx context.Context) error {
	return c.flushBatchInto(ctx, c.selectedState())
}

// flushBatchInto is flushBatch against an explicit state rather than
// c.selectedState(), for callers (Select) whose replacement
// MailboxState is not yet installed on c.mailbox when the batch's
// responses need to land on it.
func (c *Connection) flushBatchInto(ctx context.Context, state *imap.MailboxState) error {
	if len(c.pendingCmds) == 0 {
		return nil
	}
	batch := c.pendingCmds
	out := c.pendingOut
	c.pendingCmds = nil
	c.pendingOut = nil

	if err := c.sock.Write(out); err != nil {
		c.state = imap.Disconnected
		c.queue.DrainFatal(err)
		return imap.NewError(imap.KindFatal, "", err)
	}
	c.metrics.CommandsSent.Add(float64(len(batch)))
	return c.driveBatch(ctx, batch, state)
}

// awaitContinuation blocks, stepping the dispatcher, until a "+" line
// arrives. It is the Writer's synchronizing-literal callback.
func (c *Connection) awaitContinuation() error {
	for {
		if err := c.sc.LoadLine(); err != nil {
			return err
		}
		res, err := c.disp.Step(c.sc, c.selectedState())
		if err != nil {
			return err
		}
		if res.Continuation {
			return nil
		}
		if res.Bye {
			c.state = imap.Disconnected
			return fmt.Errorf("imapclient: BYE while awaiting continuation")
		}
	}
}

// driveBatch steps the dispatcher, reading one response line at a
// time, applying untagged responses to state, until every command in
// batch has a tagged completion or a fatal/BYE condition ends the
// connection. It reports only connection-level failures; a batched
// command's own NO/BAD outcome is left on its Command for the caller
// to read via outcomeErr.
func (c *Connection) driveBatch(ctx context.Context, batch []*imaptag.Command, state *imap.MailboxState) error {
	pending := make(map[string]bool, len(batch))
	for _, cmd := range batch {
		pending[cmd.Tag] = true
	}
	for len(pending) > 0 {
		if err := ctx.Err(); err != nil {
			c.queue.DrainFatal(err)
			c.state = imap.Disconnected
			return imap.NewError(imap.KindCancelled, "", err)
		}
		if err := c.sc.LoadLine(); err != nil {
			c.queue.DrainFatal(err)
			c.state = imap.Disconnected
			return imap.NewError(imap.KindFatal, "", err)
		}
		res, err := c.disp.Step(c.sc, state)
		if err != nil {
			c.queue.DrainFatal(err)
			c.state = imap.Disconnected
			return imap.NewError(imap.KindFatal, "", err)
		}
		if res.Bye {
			c.state = imap.Disconnected
			if !res.ByeExpected {
				reason := fmt.Errorf("imapclient: unsolicited BYE")
				c.queue.DrainFatal(reason)
				return imap.NewError(imap.KindFatal, "", reason)
			}
		}
		if res.Tagged != nil && pending[res.Tagged.Tag] {
			c.lastActivity = time.Now()
			delete(pending, res.Tagged.Tag)
		}
	}
	return nil
}

func (c *Connection) outcomeErr(cmd *imaptag.Command) error {
	switch cmd.Outcome {
	case imaptag.Success:
		return nil
	case imaptag.Fatal:
		c.state = imap.Disconnected
		return imap.NewError(imap.KindFatal, cmd.Qualifier, cmd.Err)
	default:
		return imap.Protocolf(cmd.Qualifier, "imapclient: %s %s", cmd.Name, cmd.State)
	}
}

func (c *Connection) selectedState() *imap.MailboxState {
	if c.mailbox == nil {
		return nil
	}
	return c.mailbox.State
}

// Mailbox returns the currently SELECTED mailbox, or nil.
func (c *Connection) Mailbox() *imap.Mailbox { return c.mailbox }
