package mcpconn

import "fmt"

// State is a Session lifecycle state.
type State int32

// Session states. Failed is terminal for connection purposes and distinct from Closed,
// which is reached only by an explicit close.
const (
	StateDisconnected State = iota
	StateConnecting
	StateHandshaking
	StateReady
	StateDegraded
	StateClosing
	StateClosed
	StateFailed
)

var stateNames = [...]string{
	StateDisconnected: "disconnected",
	StateConnecting:   "connecting",
	StateHandshaking:  "handshaking",
	StateReady:        "ready",
	StateDegraded:     "degraded",
	StateClosing:      "closing",
	StateClosed:       "closed",
	StateFailed:       "failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// transitions lists the allowed moves out of each state. Every state before Closing may
// fail. Closing may not: Close owns the session from then on and always finishes at Closed.
var transitions = map[State][]State{
	StateDisconnected: {StateConnecting, StateClosing, StateFailed},
	StateConnecting:   {StateHandshaking, StateDegraded, StateFailed, StateClosing},
	StateHandshaking:  {StateReady, StateDegraded, StateFailed, StateClosing},
	StateReady:        {StateDegraded, StateClosing, StateFailed},
	StateDegraded:     {StateConnecting, StateClosing, StateFailed},
	StateFailed:       {StateClosing},
	StateClosing:      {StateClosed},
	StateClosed:       {},
}

// CanTransition reports whether a session may move from s to next.
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further connection attempts will be made in this state.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed || s == StateClosing
}
