package acquisition

// State is a step of the acquisition cycle.
type State int32

const (
	Idle State = iota
	Connecting
	Polling
	Decoding
	Persisting
	Sleeping
	ShuttingDown
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Polling:
		return "polling"
	case Decoding:
		return "decoding"
	case Persisting:
		return "persisting"
	case Sleeping:
		return "sleeping"
	case ShuttingDown:
		return "shutting_down"
	default:
		return "unknown"
	}
}
