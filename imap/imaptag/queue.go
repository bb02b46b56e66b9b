package imaptag

// Queue is the ring of outstanding command slots for one connection.
// It starts at a small fixed capacity and grows on demand; slots
// freed by resolution are reused before the ring is grown again.
type Queue struct {
	tagger *Tagger
	slots  []*Command
}

const initialCapacity = 16

func NewQueue() *Queue {
	return &Queue{tagger: NewTagger(), slots: make([]*Command, 0, initialCapacity)}
}

// Submit allocates a new tag, creates its Command and adds it to the
// ring, returning the Command for the caller to track (and, for a
// pipelined command, to Flush/Write before moving on).
func (q *Queue) Submit(name string, flags SubmitFlag) *Command {
	cmd := newCommand(q.tagger.Next(), name, flags)
	for i, slot := range q.slots {
		if slot == nil {
			q.slots[i] = cmd
			return cmd
		}
	}
	q.slots = append(q.slots, cmd)
	return cmd
}

// Resolve matches a tagged completion line to its Command, frees the
// slot, and resolves it. It reports false if tag is not outstanding
// (a protocol violation by the server, handled by the caller as it
// sees fit — typically fatal).
func (q *Queue) Resolve(tag string, state CompletionState, qualifier string) (*Command, bool) {
	for i, cmd := range q.slots {
		if cmd == nil || cmd.Tag != tag {
			continue
		}
		q.slots[i] = nil
		outcome := Success
		if state == StateNO || state == StateBAD {
			outcome = ErrOutcome
		}
		cmd.resolve(outcome, state, qualifier, nil)
		return cmd, true
	}
	return nil, false
}

// DrainFatal resolves every outstanding command with Fatal — a fatal
// error drains the queue, handing FATAL to every pending submitter —
// and empties the ring.
func (q *Queue) DrainFatal(err error) []*Command {
	var drained []*Command
	for i, cmd := range q.slots {
		if cmd == nil {
			continue
		}
		cmd.resolve(Fatal, StateBAD, "", err)
		drained = append(drained, cmd)
		q.slots[i] = nil
	}
	return drained
}

// Outstanding reports how many commands are currently live.
func (q *Queue) Outstanding() int {
	n := 0
	for _, cmd := range q.slots {
		if cmd != nil {
			n++
		}
	}
	return n
}

// Find returns the live command for a tag without resolving it, used
// to route continuation ("+") lines to the command that requested
// them.
func (q *Queue) Find(tag string) (*Command, bool) {
	for _, cmd := range q.slots {
		if cmd != nil && cmd.Tag == tag {
			return cmd, true
		}
	}
	return nil, false
}
