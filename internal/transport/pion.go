package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/nack"
	pion "github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"voicelink/internal/call"
)

const opusFrameDuration = 20 * time.Millisecond

// AudioSource is the device half of local audio capture. Read returns one
// encoded Opus frame. The engine owns the pump goroutine that moves frames
// from the source onto the outbound track.
type AudioSource interface {
	Read() ([]byte, error)
	Close() error
}

// CaptureFunc opens the capture device. Implementations report
// ErrPermissionDenied / ErrDeviceUnavailable per the engine contract.
type CaptureFunc func(ctx context.Context, constraints AudioConstraints) (AudioSource, error)

// PionEngine implements Engine on pion/webrtc with an audio-only media
// profile (Opus plus PCMU) and a NACK responder interceptor.
type PionEngine struct {
	capture CaptureFunc
	log     *slog.Logger
}

func NewPionEngine(capture CaptureFunc, log *slog.Logger) *PionEngine {
	if log == nil {
		log = slog.Default()
	}
	return &PionEngine{capture: capture, log: log}
}

func (e *PionEngine) AcquireLocalAudio(ctx context.Context, constraints AudioConstraints) (LocalMedia, error) {
	if e.capture == nil {
		return nil, ErrDeviceUnavailable
	}
	src, err := e.capture(ctx, constraints)
	if err != nil {
		return nil, err
	}

	track, err := pion.NewTrackLocalStaticSample(
		pion.RTPCodecCapability{MimeType: pion.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "voicelink",
	)
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("transport: create audio track: %w", err)
	}

	m := &pionMedia{src: src, track: track, log: e.log, done: make(chan struct{})}
	go m.pump()
	return m, nil
}

type pionMedia struct {
	src   AudioSource
	track *pion.TrackLocalStaticSample
	log   *slog.Logger

	once sync.Once
	done chan struct{}
}

func (m *pionMedia) Tracks() []Track {
	return []Track{pionTrack{m.track}}
}

func (m *pionMedia) Stop() {
	m.once.Do(func() {
		close(m.done)
		if err := m.src.Close(); err != nil {
			m.log.Debug("transport: close audio source", "err", err)
		}
	})
}

func (m *pionMedia) pump() {
	for {
		select {
		case <-m.done:
			return
		default:
		}
		frame, err := m.src.Read()
		if err != nil {
			if err != io.EOF {
				m.log.Error("transport: audio source read", "err", err)
			}
			return
		}
		if err := m.track.WriteSample(media.Sample{Data: frame, Duration: opusFrameDuration}); err != nil {
			m.log.Error("transport: write audio sample", "err", err)
			return
		}
	}
}

type pionTrack struct {
	t *pion.TrackLocalStaticSample
}

func (t pionTrack) ID() string   { return t.t.ID() }
func (t pionTrack) Kind() string { return t.t.Kind().String() }

func (e *PionEngine) NewConnection(servers []ICEServer) (Connection, error) {
	m := &pion.MediaEngine{}
	opus := pion.RTPCodecParameters{
		RTPCodecCapability: pion.RTPCodecCapability{
			MimeType:  pion.MimeTypeOpus,
			ClockRate: 48000,
			Channels:  2,
		},
		PayloadType: 111,
	}
	if err := m.RegisterCodec(opus, pion.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("transport: register opus: %w", err)
	}
	pcmu := pion.RTPCodecParameters{
		RTPCodecCapability: pion.RTPCodecCapability{
			MimeType:  pion.MimeTypePCMU,
			ClockRate: 8000,
			Channels:  1,
		},
		PayloadType: 0,
	}
	if err := m.RegisterCodec(pcmu, pion.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("transport: register pcmu: %w", err)
	}

	reg := &interceptor.Registry{}
	responder, err := nack.NewResponderInterceptor()
	if err != nil {
		return nil, fmt.Errorf("transport: create nack responder: %w", err)
	}
	reg.Add(responder)

	api := pion.NewAPI(
		pion.WithMediaEngine(m),
		pion.WithInterceptorRegistry(reg),
	)

	var ice []pion.ICEServer
	for _, s := range servers {
		ice = append(ice, pion.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}

	pc, err := api.NewPeerConnection(pion.Configuration{
		ICEServers:   ice,
		BundlePolicy: pion.BundlePolicyMaxBundle,
	})
	if err != nil {
		return nil, fmt.Errorf("transport: create peer connection: %w", err)
	}
	return &pionConn{pc: pc, log: e.log}, nil
}

type pionConn struct {
	pc  *pion.PeerConnection
	log *slog.Logger
}

func (c *pionConn) AddTrack(t Track) error {
	pt, ok := t.(pionTrack)
	if !ok {
		return fmt.Errorf("transport: foreign track %T", t)
	}
	if _, err := c.pc.AddTrack(pt.t); err != nil {
		return fmt.Errorf("transport: add track: %w", err)
	}
	return nil
}

func (c *pionConn) CreateOffer(_ context.Context) (call.Description, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return call.Description{}, fmt.Errorf("transport: create offer: %w", err)
	}
	return call.Description{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

func (c *pionConn) CreateAnswer(_ context.Context) (call.Description, error) {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return call.Description{}, fmt.Errorf("transport: create answer: %w", err)
	}
	return call.Description{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

func (c *pionConn) SetLocalDescription(d call.Description) error {
	if err := c.pc.SetLocalDescription(toPion(d)); err != nil {
		return fmt.Errorf("transport: set local description: %w", err)
	}
	return nil
}

func (c *pionConn) SetRemoteDescription(d call.Description) error {
	if err := c.pc.SetRemoteDescription(toPion(d)); err != nil {
		return fmt.Errorf("transport: set remote description: %w", err)
	}
	return nil
}

func (c *pionConn) AddICECandidate(cand call.ICECandidate) error {
	if c.pc.RemoteDescription() == nil {
		return ErrNoRemoteDesc
	}
	mid := cand.SDPMid
	mline := uint16(cand.SDPMLineIndex)
	init := pion.ICECandidateInit{
		Candidate:     cand.Candidate,
		SDPMid:        &mid,
		SDPMLineIndex: &mline,
	}
	if err := c.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("transport: add ice candidate: %w", err)
	}
	return nil
}

func (c *pionConn) OnICECandidate(fn func(call.ICECandidate)) {
	c.pc.OnICECandidate(func(pc *pion.ICECandidate) {
		if pc == nil {
			c.log.Debug("transport: ice gathering complete")
			return
		}
		j := pc.ToJSON()
		if isLoopback(j.Candidate) {
			return
		}
		out := call.ICECandidate{Candidate: j.Candidate}
		if j.SDPMid != nil {
			out.SDPMid = *j.SDPMid
		}
		if j.SDPMLineIndex != nil {
			out.SDPMLineIndex = int(*j.SDPMLineIndex)
		}
		fn(out)
	})
}

func (c *pionConn) OnRemoteTrack(fn func(RemoteStream)) {
	c.pc.OnTrack(func(track *pion.TrackRemote, _ *pion.RTPReceiver) {
		c.log.Debug("transport: remote track",
			"kind", track.Kind().String(), "codec", track.Codec().MimeType)
		fn(remoteTrack{id: track.ID()})
	})
}

func (c *pionConn) OnStateChange(fn func(State)) {
	c.pc.OnConnectionStateChange(func(s pion.PeerConnectionState) {
		switch s {
		case pion.PeerConnectionStateConnected:
			fn(StateConnected)
		case pion.PeerConnectionStateDisconnected:
			fn(StateDisconnected)
		case pion.PeerConnectionStateFailed, pion.PeerConnectionStateClosed:
			fn(StateFailed)
		}
	})
}

func (c *pionConn) Close() error {
	return c.pc.Close()
}

type remoteTrack struct {
	id string
}

func (r remoteTrack) ID() string { return r.id }

func toPion(d call.Description) pion.SessionDescription {
	sd := pion.SessionDescription{SDP: d.SDP}
	if d.Type == "answer" {
		sd.Type = pion.SDPTypeAnswer
	} else {
		sd.Type = pion.SDPTypeOffer
	}
	return sd
}

// isLoopback parses the connection-address field of a candidate attribute
// (RFC 8839: foundation, component, transport, priority, address, port, ...).
// Non-IP addresses (mDNS hostnames) are never loopback.
func isLoopback(candidate string) bool {
	fields := strings.Fields(candidate)
	if len(fields) < 5 {
		return false
	}
	ip := net.ParseIP(fields[4])
	return ip != nil && ip.IsLoopback()
}
