package syncshell

// EventType enumerates what the engine surfaces to the hosting
// application. Low-level errors never escape as events; failures show
// up as state changes.
type EventType string

const (
	EventPeerConnected   EventType = "peer_connected"
	EventPeerLost        EventType = "peer_lost"
	EventResourceUpdated EventType = "resource_updated"
	EventShellState      EventType = "shell_state"
)

// Event is one item on the manager's event stream.
type Event struct {
	ShellID     string
	Type        EventType
	PeerID      string
	ResourceKey string
	State       ShellState
}
