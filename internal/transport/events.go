package transport

import "time"

// Status is the connection state of a Manager.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
)

// Event is emitted by a Manager to its subscribers.
type Event interface {
	isTransportEvent()
}

// StatusChanged reports a connection state transition.
type StatusChanged struct {
	Previous Status
	Current  Status
}

// LatencyMeasured reports the round trip of a heartbeat.
type LatencyMeasured struct {
	RoundTrip time.Duration
}

// ReconnectionFailed is emitted once when the reconnect budget is exhausted.
type ReconnectionFailed struct {
	Attempts int
}

// ConnectionError reports a dial, read or write failure.
type ConnectionError struct {
	Err error
}

func (StatusChanged) isTransportEvent()      {}
func (LatencyMeasured) isTransportEvent()    {}
func (ReconnectionFailed) isTransportEvent() {}
func (ConnectionError) isTransportEvent()    {}
