package signaling

import (
	"context"
	"sync"

	"voicelink/internal/call"
	"voicelink/internal/store"
	"voicelink/internal/transport"
)

type fakeEngine struct {
	mu        sync.Mutex
	mediaErr  error
	connErr   error
	mediaGate chan struct{} // when set, AcquireLocalAudio blocks until closed
	media     []*fakeMedia
	conns     []*fakeConn
}

func (e *fakeEngine) AcquireLocalAudio(_ context.Context, _ transport.AudioConstraints) (transport.LocalMedia, error) {
	e.mu.Lock()
	gate := e.mediaGate
	e.mu.Unlock()
	if gate != nil {
		<-gate
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.mediaErr != nil {
		return nil, e.mediaErr
	}
	m := &fakeMedia{}
	e.media = append(e.media, m)
	return m, nil
}

func (e *fakeEngine) setMediaGate(gate chan struct{}) {
	e.mu.Lock()
	e.mediaGate = gate
	e.mu.Unlock()
}

func (e *fakeEngine) NewConnection(_ []transport.ICEServer) (transport.Connection, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.connErr != nil {
		return nil, e.connErr
	}
	c := &fakeConn{}
	e.conns = append(e.conns, c)
	return c, nil
}

func (e *fakeEngine) lastConn() *fakeConn {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.conns) == 0 {
		return nil
	}
	return e.conns[len(e.conns)-1]
}

type fakeMedia struct {
	mu      sync.Mutex
	stopped int
}

func (m *fakeMedia) Tracks() []transport.Track { return []transport.Track{fakeTrack{}} }

func (m *fakeMedia) Stop() {
	m.mu.Lock()
	m.stopped++
	m.mu.Unlock()
}

func (m *fakeMedia) stopCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

type fakeTrack struct{}

func (fakeTrack) ID() string   { return "audio-0" }
func (fakeTrack) Kind() string { return "audio" }

type fakeConn struct {
	mu         sync.Mutex
	localDesc  *call.Description
	remoteDesc *call.Description
	added      []call.ICECandidate
	closed     int

	onCand  func(call.ICECandidate)
	onTrack func(transport.RemoteStream)
	onState func(transport.State)
}

func (c *fakeConn) AddTrack(transport.Track) error { return nil }

func (c *fakeConn) CreateOffer(context.Context) (call.Description, error) {
	return call.Description{Type: "offer", SDP: "sdp-offer"}, nil
}

func (c *fakeConn) CreateAnswer(context.Context) (call.Description, error) {
	return call.Description{Type: "answer", SDP: "sdp-answer"}, nil
}

func (c *fakeConn) SetLocalDescription(d call.Description) error {
	c.mu.Lock()
	c.localDesc = &d
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) SetRemoteDescription(d call.Description) error {
	c.mu.Lock()
	c.remoteDesc = &d
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) AddICECandidate(cand call.ICECandidate) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remoteDesc == nil {
		return transport.ErrNoRemoteDesc
	}
	c.added = append(c.added, cand)
	return nil
}

func (c *fakeConn) OnICECandidate(fn func(call.ICECandidate))     { c.onCand = fn }
func (c *fakeConn) OnRemoteTrack(fn func(transport.RemoteStream)) { c.onTrack = fn }
func (c *fakeConn) OnStateChange(fn func(transport.State))        { c.onState = fn }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed++
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) addedCandidates() []call.ICECandidate {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]call.ICECandidate, len(c.added))
	copy(out, c.added)
	return out
}

func (c *fakeConn) remote() *call.Description {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteDesc
}

func (c *fakeConn) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// flakyStore delegates to a real adapter until fail is flipped, then errors
// every write; it stands in for a store that becomes unreachable mid-call.
type flakyStore struct {
	inner store.Adapter
	mu    sync.Mutex
	fail  bool
	err   error
}

func (f *flakyStore) failing() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fail
}

func (f *flakyStore) setFailing(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

func (f *flakyStore) CreateRecord(ctx context.Context, c, id string, fields map[string]any) (string, error) {
	if f.failing() {
		return "", f.err
	}
	return f.inner.CreateRecord(ctx, c, id, fields)
}

func (f *flakyStore) UpdateRecord(ctx context.Context, c, id string, partial map[string]any) error {
	if f.failing() {
		return f.err
	}
	return f.inner.UpdateRecord(ctx, c, id, partial)
}

func (f *flakyStore) UpdateRecordIf(ctx context.Context, c, id, field string, allowed []string, partial map[string]any) error {
	if f.failing() {
		return f.err
	}
	return f.inner.UpdateRecordIf(ctx, c, id, field, allowed, partial)
}

func (f *flakyStore) DeleteRecord(ctx context.Context, c, id string) error {
	if f.failing() {
		return f.err
	}
	return f.inner.DeleteRecord(ctx, c, id)
}

func (f *flakyStore) Subscribe(ctx context.Context, c string, filter store.FilterFunc) (<-chan store.Change, store.CancelFunc, error) {
	return f.inner.Subscribe(ctx, c, filter)
}

func (f *flakyStore) SubscribeChildren(ctx context.Context, c, parent, child string) (<-chan store.Record, store.CancelFunc, error) {
	return f.inner.SubscribeChildren(ctx, c, parent, child)
}

// failingStore errors every operation; it stands in for an unreachable
// backing store.
type failingStore struct{ err error }

func (f failingStore) CreateRecord(context.Context, string, string, map[string]any) (string, error) {
	return "", f.err
}

func (f failingStore) UpdateRecord(context.Context, string, string, map[string]any) error {
	return f.err
}

func (f failingStore) UpdateRecordIf(context.Context, string, string, string, []string, map[string]any) error {
	return f.err
}

func (f failingStore) DeleteRecord(context.Context, string, string) error { return f.err }

func (f failingStore) Subscribe(context.Context, string, store.FilterFunc) (<-chan store.Change, store.CancelFunc, error) {
	return nil, nil, f.err
}

func (f failingStore) SubscribeChildren(context.Context, string, string, string) (<-chan store.Record, store.CancelFunc, error) {
	return nil, nil, f.err
}
