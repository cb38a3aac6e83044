package mcp

// State is a connection's position in the session lifecycle. The zero value
// is StateDisconnected.
type State int

const (
	StateDisconnected State = iota
	StateLaunching
	StateHandshaking
	StateInitialized
	StateProbing
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateLaunching:
		return "launching"
	case StateHandshaking:
		return "handshaking"
	case StateInitialized:
		return "initialized"
	case StateProbing:
		return "probing"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}
