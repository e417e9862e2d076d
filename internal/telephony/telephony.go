// Package telephony defines the contract between the call orchestrator and
// the line that carries calls: the events the line reports and the actions
// the orchestrator can ask of it.
package telephony

import "context"

// Direction is which side started the call.
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// State is the lifecycle state of a call.
type State string

const (
	StateIdle          State = "idle"
	StateDialing       State = "dialing"
	StateRinging       State = "ringing"
	StateConnecting    State = "connecting"
	StateActive        State = "active"
	StateHolding       State = "holding"
	StateDisconnecting State = "disconnecting"
	StateDisconnected  State = "disconnected"
)

// AudioRoute is where call audio is played.
type AudioRoute string

const (
	RouteEarpiece AudioRoute = "earpiece"
	RouteSpeaker  AudioRoute = "speaker"
)

// EventKind distinguishes the events a line reports.
type EventKind int

const (
	CallAdded EventKind = iota + 1
	StateChanged
	CallRemoved
)

func (k EventKind) String() string {
	switch k {
	case CallAdded:
		return "call_added"
	case StateChanged:
		return "state_changed"
	case CallRemoved:
		return "call_removed"
	default:
		return "unknown"
	}
}

// Event is a line-level notification about one call.
type Event struct {
	Kind      EventKind
	CallID    string // line-assigned identifier, e.g. the SIP Call-ID
	Number    string // remote party number as reported by the line
	Direction Direction
	State     State
	Cause     string // optional hangup cause for CallRemoved
}

// EventHandler receives line events. Implementations must be safe for
// concurrent use; the line calls it from its own goroutines.
type EventHandler interface {
	HandleEvent(ev Event)
}

// EventHandlerFunc adapts a function to EventHandler.
type EventHandlerFunc func(ev Event)

// HandleEvent calls f(ev).
func (f EventHandlerFunc) HandleEvent(ev Event) { f(ev) }

// Gateway is the set of actions the orchestrator can take on the line.
type Gateway interface {
	// PlaceCall starts dialling and returns the call ID the line's
	// events for this call will carry.
	PlaceCall(ctx context.Context, number string) (string, error)
	Answer(ctx context.Context) error
	Reject(ctx context.Context) error
	EndCall(ctx context.Context) error
	SetAudioRoute(route AudioRoute) error
	// IsDefaultHandler reports whether this process currently owns the line
	// and may place calls on it.
	IsDefaultHandler() bool
}
