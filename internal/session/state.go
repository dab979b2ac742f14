package session

// State is the phase of the active turn's lifecycle.
type State int

const (
	// Idle means no turn is in flight.
	Idle State = iota
	// Sending means a turn has been accepted but the channel is not open.
	Sending
	// Streaming means chunk events are being consumed.
	Streaming
	// Completing means the terminal chunk arrived with usable content and
	// the turn is being finalized.
	Completing
	// ErroringFallback means the incremental path failed in a retryable
	// way and the single-shot path is running.
	ErroringFallback
	// ErroringTerminal means the turn failed with no recovery path.
	ErroringTerminal
	// Cancelled means the user aborted the turn.
	Cancelled
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Sending:
		return "sending"
	case Streaming:
		return "streaming"
	case Completing:
		return "completing"
	case ErroringFallback:
		return "erroring_fallback"
	case ErroringTerminal:
		return "erroring_terminal"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}
