// Package meanfield holds the shared approximation state of expectation
// propagation: one message per variable, the per-factor cavity views used
// to update a single factor in isolation, and the Status values threaded
// through every update.
package meanfield

import "strings"

// Status accumulates a success flag and an ordered trace of messages
// across an operation chain. It is a value; methods return new Statuses.
type Status struct {
	Success  bool
	Messages []string
}

// OK returns a successful Status with no messages.
func OK() Status {
	return Status{Success: true}
}

// Combine concatenates message traces in order and ANDs the success flags.
func (s Status) Combine(o Status) Status {
	msgs := make([]string, 0, len(s.Messages)+len(o.Messages))
	msgs = append(msgs, s.Messages...)
	msgs = append(msgs, o.Messages...)
	return Status{Success: s.Success && o.Success, Messages: msgs}
}

// Append returns a Status with msg added to the trace.
func (s Status) Append(msg string) Status {
	msgs := make([]string, 0, len(s.Messages)+1)
	msgs = append(msgs, s.Messages...)
	msgs = append(msgs, msg)
	return Status{Success: s.Success, Messages: msgs}
}

// Fail returns a failed Status with msg added to the trace.
func (s Status) Fail(msg string) Status {
	out := s.Append(msg)
	out.Success = false
	return out
}

func (s Status) String() string {
	state := "ok"
	if !s.Success {
		state = "failed"
	}
	if len(s.Messages) == 0 {
		return "Status(" + state + ")"
	}
	return "Status(" + state + ": " + strings.Join(s.Messages, "; ") + ")"
}
