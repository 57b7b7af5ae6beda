package signaling

import (
	"voicelink/internal/call"
	"voicelink/internal/transport"
)

// EventKind tags the coordinator's outbound events.
type EventKind string

const (
	// EventIncomingCall carries the offering session, or a nil session when
	// the notification is retracted (caller cancelled before answer).
	EventIncomingCall EventKind = "incoming_call"
	// EventStatus reports the local call state.
	EventStatus EventKind = "status"
	// EventRemoteStream carries the inbound media stream handle, or nil on
	// teardown.
	EventRemoteStream EventKind = "remote_stream"
	// EventError carries a user-visible failure message.
	EventError EventKind = "error"
)

// Event is one notification to the consumer (UI / gateway) of a Coordinator.
type Event struct {
	Kind    EventKind              `json:"kind"`
	Session *call.Session          `json:"session,omitempty"`
	State   call.State             `json:"state,omitempty"`
	Stream  transport.RemoteStream `json:"-"`
	// StreamID names the remote stream for consumers that only see the
	// serialized event.
	StreamID string `json:"stream_id,omitempty"`
	Message  string `json:"message,omitempty"`
}

// Error signal names, stable across the API.
const (
	errPermissionDenied  = "permission-denied"
	errDeviceUnavailable = "device-unavailable"
	errNegotiationFailed = "negotiation-failed"
)
