package mictcp

// State is one of the per-connection states from §3/§4.5.
type State int

const (
	StateIdle State = iota
	StateClosed
	StateSynSent
	StateAccepting
	StateSynReceived
	StateEstablished
	StateMeasuringReliability
	StateAwaitingClosing
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateClosed:
		return "CLOSED"
	case StateSynSent:
		return "SYN_SENT"
	case StateAccepting:
		return "ACCEPTING"
	case StateSynReceived:
		return "SYN_RECEIVED"
	case StateEstablished:
		return "ESTABLISHED"
	case StateMeasuringReliability:
		return "MEASURING_RELIABILITY"
	case StateAwaitingClosing:
		return "AWAITING_CLOSING"
	case StateClosing:
		return "CLOSING"
	default:
		return "UNKNOWN"
	}
}

// Mode is the role passed to Socket: CLIENT initiates connections, SERVER
// accepts them.
type Mode int

const (
	ModeClient Mode = iota
	ModeServer
)
