package imaptag

// SubmitFlag selects how a command is handed to the connection.
// Flags compose: a command can be both POLL and PASS, for instance.
type SubmitFlag int

const (
	// None sends (or queues, per the caller's exec semantics)
	// normally.
	None SubmitFlag = 0

	// Queue appends the command to the output buffer without
	// flushing it to the socket.
	Queue SubmitFlag = 1 << iota

	// Single means this command must not be pipelined: the queue is
	// drained first, then this command is sent alone.
	Single

	// Poll means the socket is checked readable/writable with a
	// zero-timeout poll before the command is written.
	Poll

	// Pass marks the command as carrying password material; its
	// payload must never be logged.
	Pass
)

// CompletionState is a Command's lifecycle state.
type CompletionState int

const (
	StateNew CompletionState = iota
	StateContinue
	StateOK
	StateNO
	StateBAD
)

func (s CompletionState) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateContinue:
		return "CONTINUE"
	case StateOK:
		return "OK"
	case StateNO:
		return "NO"
	case StateBAD:
		return "BAD"
	default:
		return "UNKNOWN"
	}
}

// Outcome is the result handed back to the submitter.
type Outcome int

const (
	Success Outcome = iota
	ErrOutcome
	Fatal
)

// Command is one in-flight tagged command. It is created by
// Queue.Submit and remains live until its tagged completion line
// arrives (or the connection goes fatal), at which point the queue
// frees its slot and the result is delivered through Done.
type Command struct {
	Tag   string
	Name  string
	Flags SubmitFlag

	State     CompletionState
	Qualifier string // bracketed response code from the completion line

	// Done is closed exactly once, when the command completes
	// (successfully, with a protocol error, or fatally).
	Done chan struct{}

	Outcome Outcome
	Err     error
}

func newCommand(tag, name string, flags SubmitFlag) *Command {
	return &Command{Tag: tag, Name: name, Flags: flags, State: StateNew, Done: make(chan struct{})}
}

// resolve marks the command complete and closes Done. Callers must
// only call this once per Command.
func (c *Command) resolve(outcome Outcome, state CompletionState, qualifier string, err error) {
	c.Outcome = outcome
	c.State = state
	c.Qualifier = qualifier
	c.Err = err
	close(c.Done)
}
