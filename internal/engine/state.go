package engine

import "errors"

// State identifies where a session is in its transfer lifecycle.
type State int

const (
	StateInit State = iota
	StateSending
	StateAwaitingAck
	StateRetransmitting
	StateComplete
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StateSending:
		return "Sending"
	case StateAwaitingAck:
		return "AwaitingAck"
	case StateRetransmitting:
		return "Retransmitting"
	case StateComplete:
		return "Complete"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Terminal error kinds. A failed session carries exactly one of these in its
// error chain; siblings in the same run are unaffected.
var (
	// ErrRetryExhausted: a block timed out more times than the budget allows.
	ErrRetryExhausted = errors.New("retry budget exhausted")

	// ErrProtocolViolation: the peer sent an ERROR packet, a malformed
	// packet, or an opcode that does not fit the expected exchange.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrTransportFailure: the socket failed, or the run deadline forcibly
	// terminated the session.
	ErrTransportFailure = errors.New("transport failure")
)

// Kind names the category of a terminal session error for reporting.
func Kind(err error) string {
	switch {
	case err == nil:
		return "Success"
	case errors.Is(err, ErrRetryExhausted):
		return "RetryExhausted"
	case errors.Is(err, ErrProtocolViolation):
		return "ProtocolViolation"
	default:
		return "TransportFailure"
	}
}
