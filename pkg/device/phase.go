package device

// Phase is the protocol state of a client session.
type Phase int

const (
	Disconnected Phase = iota
	Connecting
	LayoutKnown
	Active
	Streaming
)

func (p Phase) String() string {
	switch p {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case LayoutKnown:
		return "layout-known"
	case Active:
		return "active"
	case Streaming:
		return "streaming"
	default:
		return "unknown"
	}
}
