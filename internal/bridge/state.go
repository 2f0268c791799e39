package bridge

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalidTransition = errors.New("bridge: invalid state transition")

// Phase is the position of a call in its attempt lifecycle.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseAttempting
	PhaseAwaitingReply
	PhaseBackoff
	PhaseSuccess
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseAttempting:
		return "attempting"
	case PhaseAwaitingReply:
		return "awaiting_reply"
	case PhaseBackoff:
		return "backoff"
	case PhaseSuccess:
		return "success"
	case PhaseFailed:
		return "failed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

type EventKind int

const (
	EventStart EventKind = iota
	EventSent
	EventTransportFault
	EventTimeout
	EventPeerDead
	EventReply
	EventAppFault
	EventBackoffElapsed
	EventCancelled
)

func (k EventKind) String() string {
	switch k {
	case EventStart:
		return "start"
	case EventSent:
		return "sent"
	case EventTransportFault:
		return "transport_fault"
	case EventTimeout:
		return "timeout"
	case EventPeerDead:
		return "peer_dead"
	case EventReply:
		return "reply"
	case EventAppFault:
		return "app_fault"
	case EventBackoffElapsed:
		return "backoff_elapsed"
	case EventCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event drives a transition. Err carries the classified fault for
// EventTransportFault, EventAppFault and EventCancelled.
type Event struct {
	Kind EventKind
	Err  *Error
}

// Machine is the full retry state of one call. It is a value: transition
// returns a new Machine and never mutates its input.
type Machine struct {
	Phase       Phase
	Attempt     int
	MaxAttempts int
	Operation   string
	Timeout     time.Duration
	// PauseAfterLast keeps the backoff pause after a failed final attempt.
	PauseAfterLast bool
	// Last is the most recent retryable fault.
	Last *Error
	// Err is the terminal failure once Phase is PhaseFailed.
	Err *Error
}

func NewMachine(operation string, timeout time.Duration, maxAttempts int, pauseAfterLast bool) Machine {
	return Machine{
		Phase:          PhaseIdle,
		MaxAttempts:    maxAttempts,
		Operation:      operation,
		Timeout:        timeout,
		PauseAfterLast: pauseAfterLast,
	}
}

// Done reports whether the machine reached a terminal phase.
func (m Machine) Done() bool {
	return m.Phase == PhaseSuccess || m.Phase == PhaseFailed
}

// Exhausted reports whether every allowed attempt has been spent.
func (m Machine) Exhausted() bool {
	return m.Attempt >= m.MaxAttempts
}

func transition(m Machine, ev Event) (Machine, error) {
	if ev.Kind == EventCancelled && !m.Done() {
		m.Phase = PhaseFailed
		m.Err = ev.Err
		if m.Err == nil {
			m.Err = Timeout(m.Operation, m.Timeout, nil)
		}
		return m, nil
	}

	switch m.Phase {
	case PhaseIdle:
		if ev.Kind == EventStart {
			m.Phase = PhaseAttempting
			m.Attempt = 1
			return m, nil
		}
	case PhaseAttempting:
		switch ev.Kind {
		case EventSent:
			m.Phase = PhaseAwaitingReply
			return m, nil
		case EventTransportFault:
			return retryOrFail(m, ev.Err), nil
		case EventAppFault:
			return fail(m, ev.Err), nil
		}
	case PhaseAwaitingReply:
		switch ev.Kind {
		case EventReply:
			m.Phase = PhaseSuccess
			return m, nil
		case EventAppFault:
			return fail(m, ev.Err), nil
		case EventTimeout, EventPeerDead, EventTransportFault:
			return retryOrFail(m, ev.Err), nil
		}
	case PhaseBackoff:
		if ev.Kind == EventBackoffElapsed {
			if m.Exhausted() {
				return exhausted(m), nil
			}
			m.Phase = PhaseAttempting
			m.Attempt++
			return m, nil
		}
	}
	return m, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, ev.Kind, m.Phase)
}

func retryOrFail(m Machine, fault *Error) Machine {
	if fault != nil {
		m.Last = fault
	}
	if m.Exhausted() && !m.PauseAfterLast {
		return exhausted(m)
	}
	m.Phase = PhaseBackoff
	return m
}

func exhausted(m Machine) Machine {
	m.Phase = PhaseFailed
	var cause error
	if m.Last != nil {
		cause = m.Last
	}
	m.Err = Timeout(m.Operation, m.Timeout, cause)
	return m
}

func fail(m Machine, fault *Error) Machine {
	m.Phase = PhaseFailed
	m.Err = fault
	return m
}
