// ABOUTME: Exchange lifecycle states
// ABOUTME: Idle, Mutating, Sending, Streaming, Failed, Settled

package conversation

// State is the lifecycle position of an exchange.
type State int

const (
	StateIdle      State = iota // no send in flight
	StateMutating               // optimistic user append being applied and persisted
	StateSending                // upload and request in progress
	StateStreaming              // 2xx received, increments arriving
	StateFailed                 // fallback delivered, finalization pending
	StateSettled                // finalized and persisted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateMutating:
		return "mutating"
	case StateSending:
		return "sending"
	case StateStreaming:
		return "streaming"
	case StateFailed:
		return "failed"
	case StateSettled:
		return "settled"
	default:
		return "unknown"
	}
}
