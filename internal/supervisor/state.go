package supervisor

import "fmt"

// State is where a service is in its lifecycle.
type State int

const (
	Uninitialized State = iota
	Initializing
	Running
	AwaitingRestart
	Stopped
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initializing:
		return "initializing"
	case Running:
		return "running"
	case AwaitingRestart:
		return "awaiting_restart"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}
