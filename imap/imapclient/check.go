package imapclient

import (
	"context"
	"errors"
	"time"

	"github.com/neomutt/goimap/imap"
	"github.com/neomutt/goimap/imap/imaptag"
)

var (
	errNoMailbox      = errors.New("imapclient: no mailbox selected")
	errReopenRequired = errors.New("imapclient: mailbox must be reopened before sync can continue")
)

// CheckResult is Check's report.
type CheckResult int

const (
	NoChange CheckResult = iota
	ReopenRequired
	NewMail
	FlagsChanged
)

func (r CheckResult) String() string {
	switch r {
	case ReopenRequired:
		return "reopen-required"
	case NewMail:
		return "new-mail"
	case FlagsChanged:
		return "flags-changed"
	default:
		return "no-change"
	}
}

// Check chooses NOOP vs IDLE, drains whatever untagged responses are
// already waiting, and translates the mailbox's pending-event bits
// into one CheckResult. The precedence among simultaneous bits is
// fixed: expunge pending, then newmail pending, then flags pending.
func (c *Connection) Check(ctx context.Context, force bool) (CheckResult, error) {
	state := c.selectedState()
	if state == nil {
		return NoChange, imap.NewError(imap.KindLocal, "", errNoMailbox)
	}

	idleCapable := c.caps.Has("IDLE") && !c.idleDisabled
	stale := time.Since(c.lastActivity) >= c.opts.Keepalive

	switch {
	case idleCapable && c.state != imap.Idle:
		// Not yet IDLE (or we dropped out of it because of staleness):
		// (re)enter it, per spec.md section 4.8.
		if err := c.startIdle(ctx); err != nil {
			c.log.Warn("IDLE failed, disabling for session", "err", err)
			c.idleDisabled = true
		}
	case c.state == imap.Idle:
		if err := c.pumpIdle(ctx); err != nil {
			c.log.Warn("IDLE poll failed, disabling IDLE", "err", err)
			c.idleDisabled = true
			if stopErr := c.stopIdle(ctx); stopErr != nil {
				return NoChange, stopErr
			}
		}
	case force || stale:
		if err := c.noop(ctx); err != nil {
			return NoChange, err
		}
	}

	return c.drainPending(state), nil
}

func (c *Connection) drainPending(state *imap.MailboxState) CheckResult {
	var result CheckResult
	switch {
	case state.ExpungePending:
		result = ReopenRequired
	case state.NewmailPending:
		result = NewMail
	case state.FlagsPending:
		result = FlagsChanged
	default:
		result = NoChange
	}
	state.ExpungePending = false
	state.NewmailPending = false
	state.FlagsPending = false
	return result
}

// noop sends NOOP with the POLL submit flag (spec.md section 4.2):
// the socket is checked readable/writable before the write so a dead
// connection is caught without blocking indefinitely.
func (c *Connection) noop(ctx context.Context) error {
	return c.send(ctx, "NOOP", imaptag.Poll, nil)
}

// startIdle sends IDLE and, once the server's continuation arrives,
// switches the connection to the IDLE state (spec.md section 4.4).
func (c *Connection) startIdle(ctx context.Context) error {
	cmd := c.queue.Submit("IDLE", imaptag.Single)
	c.wr.Reset(cmd.Tag, "IDLE")
	if err := c.wr.Flush(); err != nil {
		c.state = imap.Disconnected
		return imap.NewError(imap.KindFatal, "", err)
	}
	c.metrics.CommandsSent.Inc()
	if err := c.awaitContinuation(); err != nil {
		return imap.NewError(imap.KindFatal, "", err)
	}
	c.idleTag = cmd.Tag
	c.state = imap.Idle
	c.metrics.IdleSessions.Inc()
	return nil
}

// pumpIdle polls the socket non-blockingly and, for each readable
// event, steps the dispatcher once; IDLE responses are all untagged,
// so this never resolves a tagged command (spec.md section 4.8).
func (c *Connection) pumpIdle(ctx context.Context) error {
	readable, err := c.sock.Poll(0)
	if err != nil {
		return err
	}
	for readable {
		if err := c.sc.LoadLine(); err != nil {
			return err
		}
		res, err := c.disp.Step(c.sc, c.selectedState())
		if err != nil {
			return err
		}
		if res.Bye {
			c.state = imap.Disconnected
			return nil
		}
		c.lastActivity = time.Now()
		readable, err = c.sock.Poll(0)
		if err != nil {
			return err
		}
	}
	return nil
}

// stopIdle sends DONE and waits for the tagged OK that closes out the
// IDLE command, returning the connection to SELECTED.
func (c *Connection) stopIdle(ctx context.Context) error {
	if c.state != imap.Idle {
		return nil
	}
	tag := c.idleTag
	if err := c.sock.Write([]byte("DONE\r\n")); err != nil {
		c.state = imap.Disconnected
		return imap.NewError(imap.KindFatal, "", err)
	}
	c.metrics.IdleSessions.Dec()
	for {
		if err := c.sc.LoadLine(); err != nil {
			c.state = imap.Disconnected
			return imap.NewError(imap.KindFatal, "", err)
		}
		res, err := c.disp.Step(c.sc, c.selectedState())
		if err != nil {
			c.state = imap.Disconnected
			return imap.NewError(imap.KindFatal, "", err)
		}
		if res.Tagged != nil && res.Tagged.Tag == tag {
			c.state = imap.Selected
			c.idleTag = ""
			return c.outcomeErr(res.Tagged)
		}
	}
}
