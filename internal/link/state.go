package link

// State is the lifecycle of the serial connection. It is reported to the
// watchdog on every transition and never persisted.
type State int

const (
	Closed State = iota
	Opening
	Streaming
	Degraded // silence or read errors, below the failure threshold
	Failed   // threshold exceeded; reopening with backoff
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Opening:
		return "opening"
	case Streaming:
		return "streaming"
	case Degraded:
		return "degraded"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}
