// Package stream owns the duplex connection lifecycle and reconnection policy.
package stream

// Phase identifies a step of the connection state machine.
type Phase string

const (
	// PhaseDisconnected means no connection exists and none is being attempted.
	PhaseDisconnected Phase = "disconnected"
	// PhaseConnecting means an explicit connect is handshaking.
	PhaseConnecting Phase = "connecting"
	// PhaseConnected means the connection is live and the read loop is running.
	PhaseConnected Phase = "connected"
	// PhaseReconnecting means a transport failure occurred and automatic
	// recovery is scheduled; Attempt carries the upcoming attempt number.
	PhaseReconnecting Phase = "reconnecting"
	// PhaseFailed means the reconnect budget is exhausted; only an explicit
	// Connect resumes service.
	PhaseFailed Phase = "failed"
)

// State is the observable connection state. Exactly one instance exists per
// manager and it is mutated only by the manager itself.
type State struct {
	Phase   Phase
	Attempt int
}
