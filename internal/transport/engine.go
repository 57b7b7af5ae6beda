package transport

import (
	"context"
	"errors"

	"voicelink/internal/call"
)

// Engine is the peer-connection capability the signaling coordinator is
// written against. Its internals (media stack, ICE agent) belong to the
// underlying RTC engine, not to the signaling design; the coordinator only
// needs this contract.
type Engine interface {
	// AcquireLocalAudio opens the local audio capture path. Fails with
	// ErrPermissionDenied or ErrDeviceUnavailable.
	AcquireLocalAudio(ctx context.Context, constraints AudioConstraints) (LocalMedia, error)

	// NewConnection creates an unconnected peer connection.
	NewConnection(servers []ICEServer) (Connection, error)
}

// Connection is one peer connection under negotiation.
//
// Callback registration (OnICECandidate, OnRemoteTrack, OnStateChange) must
// happen before descriptions are exchanged. AddICECandidate before the
// remote description is set is an error; the coordinator buffers.
type Connection interface {
	AddTrack(t Track) error

	CreateOffer(ctx context.Context) (call.Description, error)
	CreateAnswer(ctx context.Context) (call.Description, error)
	SetLocalDescription(d call.Description) error
	SetRemoteDescription(d call.Description) error

	AddICECandidate(c call.ICECandidate) error
	OnICECandidate(fn func(call.ICECandidate))
	OnRemoteTrack(fn func(RemoteStream))
	OnStateChange(fn func(State))

	Close() error
}

// LocalMedia holds the acquired capture tracks. Stop releases the device and
// is idempotent.
type LocalMedia interface {
	Tracks() []Track
	Stop()
}

// Track is an engine-owned media track handle.
type Track interface {
	ID() string
	Kind() string
}

// RemoteStream is an inbound media stream handle, passed through to the
// consumer of the coordinator's events; the signaling layer never reads it.
type RemoteStream interface {
	ID() string
}

// AudioConstraints mirror the capture settings used for voice calls:
// voice-processed mono audio, no video.
type AudioConstraints struct {
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// DefaultAudioConstraints are the settings every call uses.
func DefaultAudioConstraints() AudioConstraints {
	return AudioConstraints{
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
	}
}

type ICEServer struct {
	URLs       []string
	Username   string
	Credential string
}

// State is the connection-level state surfaced to the coordinator.
type State string

const (
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateFailed       State = "failed"
)

var (
	ErrPermissionDenied  = errors.New("transport: capture permission denied")
	ErrDeviceUnavailable = errors.New("transport: capture device unavailable")
	ErrNoRemoteDesc      = errors.New("transport: remote description not set")
)
