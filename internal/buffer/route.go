package buffer

// Route is the outcome of routing one outbound message through a registry.
type Route int

const (
	// Send means the recipient is connected; hand the message to the transport.
	Send Route = iota
	// Held means the recipient is in its grace period and the message was buffered.
	Held
	// Dropped means the recipient is unknown or gone.
	Dropped
)

func (r Route) String() string {
	switch r {
	case Send:
		return "send"
	case Held:
		return "held"
	}
	return "dropped"
}
