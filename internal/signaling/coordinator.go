package signaling

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"voicelink/internal/call"
	"voicelink/internal/store"
	"voicelink/internal/transport"
)

// Config identifies the local endpoint and its call settings.
type Config struct {
	WorkspaceID    string
	ConversationID string
	LocalName      string

	ICEServers []transport.ICEServer
	Audio      transport.AudioConstraints

	// RingTimeout auto-cancels a call left unanswered in calling/incoming.
	// Zero disables expiry.
	RingTimeout time.Duration
}

// Coordinator owns the local call state machine and choreographs
// offer/answer/candidate exchange through the store adapter.
//
// All mutable state lives on the Run loop; store subscription changes,
// transport callbacks and API commands arrive as tagged messages on one
// inbox channel, so the transition table is exercised without any locking.
// API methods block only until the loop has accepted or refused the command,
// never on I/O; progress is reported through Events.
type Coordinator struct {
	cfg    Config
	store  store.Adapter
	engine transport.Engine
	log    *slog.Logger

	inbox  chan any
	events chan Event
	clock  func() time.Time

	// Loop-owned. Nothing outside Run may touch these.
	state     call.State
	sid       string
	role      call.Role
	sess      *call.Session
	conn      transport.Connection
	media     transport.LocalMedia
	cancels   []store.CancelFunc
	pending   []call.ICECandidate
	remoteSet bool
	ringTimer *time.Timer
}

func New(cfg Config, adapter store.Adapter, engine transport.Engine, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		cfg:    cfg,
		store:  adapter,
		engine: engine,
		log:    log.With("conversation_id", cfg.ConversationID),
		inbox:  make(chan any, 64),
		events: make(chan Event, 32),
		clock:  time.Now,
		state:  call.StateIdle,
	}
}

// Events is the coordinator's outbound stream. A single consumer is
// expected; events are dropped (and logged) if nobody keeps up.
func (c *Coordinator) Events() <-chan Event { return c.events }

/* ===================== inbox messages ===================== */

type cmdInitiate struct {
	target     string
	callerName string
	reply      chan error
}

type cmdAnswer struct {
	sess  call.Session
	reply chan error
}

type cmdEnd struct{ reply chan error }

type cmdReject struct {
	sessionID string
	reply     chan error
}

type cmdOffer struct{ sess call.Session }

type cmdOfferRetracted struct{ sessionID string }

// evSetupDone carries the result of an async caller/callee setup. It is
// always posted before the session subscriptions exist, so the loop holds
// the connection before any store change can reference it.
type evSetupDone struct {
	sid   string
	role  call.Role
	sess  call.Session
	conn  transport.Connection
	media transport.LocalMedia

	created bool // session record exists and may need a terminal write
	err     error
	errMsg  string
}

// evSubscribed delivers the store subscription cancel funcs, or the failure
// to establish them.
type evSubscribed struct {
	sid     string
	cancels []store.CancelFunc
	err     error
}

type evSessionChange struct {
	sid    string
	change store.Change
}

type evRemoteCandidate struct {
	sid  string
	cand call.ICECandidate
}

type evLocalCandidate struct {
	sid  string
	cand call.ICECandidate
}

type evTransportState struct {
	sid   string
	state transport.State
}

type evRemoteStream struct {
	sid    string
	stream transport.RemoteStream
}

type evRingExpired struct{ sid string }

/* ===================== public API ===================== */

// Initiate starts an outbound call. The endpoint must be idle; media
// acquisition, offer creation and the session write continue asynchronously
// and report through Events.
func (c *Coordinator) Initiate(ctx context.Context, targetConversationID, callerName string) error {
	if targetConversationID == "" {
		return call.ErrInvalidSession
	}
	if callerName == "" {
		callerName = c.cfg.LocalName
	}
	return c.roundTrip(ctx, func(reply chan error) any {
		return cmdInitiate{target: targetConversationID, callerName: callerName, reply: reply}
	})
}

// Answer accepts an incoming session. Legal when idle, or when ringing for
// this same session id.
func (c *Coordinator) Answer(ctx context.Context, sess call.Session) error {
	if err := sess.Validate(); err != nil {
		return err
	}
	if sess.Offer == nil {
		return call.ErrInvalidSession
	}
	return c.roundTrip(ctx, func(reply chan error) any {
		return cmdAnswer{sess: sess, reply: reply}
	})
}

// End hangs up. The remote status write is best-effort; local teardown is
// unconditional and calling End on an idle endpoint is a no-op.
func (c *Coordinator) End(ctx context.Context) error {
	return c.roundTrip(ctx, func(reply chan error) any {
		return cmdEnd{reply: reply}
	})
}

// Reject declines a session by id. No local transport is required; this may
// be driven straight from an incoming-call notification.
func (c *Coordinator) Reject(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return call.ErrInvalidSession
	}
	return c.roundTrip(ctx, func(reply chan error) any {
		return cmdReject{sessionID: sessionID, reply: reply}
	})
}

// OfferIncoming feeds an offering session observed by the presence notifier.
// Busy endpoints and self-calls are suppressed here, not at the notifier.
func (c *Coordinator) OfferIncoming(sess call.Session) {
	select {
	case c.inbox <- cmdOffer{sess: sess}:
	default:
		c.log.Warn("signaling: inbox full, dropping incoming offer", "session_id", sess.ID)
	}
}

// OfferRetracted withdraws a previously surfaced incoming call.
func (c *Coordinator) OfferRetracted(sessionID string) {
	select {
	case c.inbox <- cmdOfferRetracted{sessionID: sessionID}:
	default:
		c.log.Warn("signaling: inbox full, dropping retraction", "session_id", sessionID)
	}
}

func (c *Coordinator) roundTrip(ctx context.Context, build func(chan error) any) error {
	reply := make(chan error, 1)
	select {
	case c.inbox <- build(reply):
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

/* ===================== run loop ===================== */

// Run processes the inbox until ctx is cancelled, then tears down.
func (c *Coordinator) Run(ctx context.Context) {
	defer close(c.events)
	for {
		select {
		case <-ctx.Done():
			c.teardown(false)
			return
		case m := <-c.inbox:
			c.dispatch(ctx, m)
		}
	}
}

func (c *Coordinator) dispatch(ctx context.Context, m any) {
	switch msg := m.(type) {
	case cmdInitiate:
		msg.reply <- c.initiate(ctx, msg.target, msg.callerName)
	case cmdAnswer:
		msg.reply <- c.answer(ctx, msg.sess)
	case cmdEnd:
		c.end(ctx)
		msg.reply <- nil
	case cmdReject:
		msg.reply <- c.reject(ctx, msg.sessionID)
	case cmdOffer:
		c.offerIncoming(msg.sess)
	case cmdOfferRetracted:
		c.offerRetracted(msg.sessionID)
	case evSetupDone:
		c.setupDone(ctx, msg)
	case evSubscribed:
		c.subscribed(msg)
	case evSessionChange:
		c.sessionChange(ctx, msg)
	case evRemoteCandidate:
		c.remoteCandidate(msg)
	case evLocalCandidate:
		c.localCandidate(ctx, msg)
	case evTransportState:
		c.transportState(ctx, msg)
	case evRemoteStream:
		c.remoteStream(msg)
	case evRingExpired:
		c.ringExpired(ctx, msg.sid)
	default:
		c.log.Warn("signaling: unhandled message", "type", typeName(m))
	}
}

func (c *Coordinator) initiate(ctx context.Context, target, callerName string) error {
	if c.state != call.StateIdle {
		return call.ErrNotIdle
	}
	sid := uuid.NewString()
	sess := call.Session{
		ID:             sid,
		WorkspaceID:    c.cfg.WorkspaceID,
		ConversationID: target,
		CallerName:     callerName,
		Role:           call.RoleCaller,
		Status:         call.StatusOffering,
		CreatedAt:      c.clock().UTC(),
	}
	c.sid = sid
	c.role = call.RoleCaller
	c.sess = &sess
	c.transition(call.StateCalling)
	c.startRingTimer(sid)

	go c.setupCaller(ctx, sess)
	return nil
}

func (c *Coordinator) answer(ctx context.Context, sess call.Session) error {
	switch {
	case c.state == call.StateIdle:
	case c.state == call.StateIncoming && c.sid == sess.ID:
	default:
		return call.ErrNotIdle
	}

	// Connected is reflected eagerly so the consumer's state follows the
	// accept action; transport-level progress still arrives via state
	// change events.
	sess.Role = call.RoleCallee
	if c.state == call.StateIdle {
		c.transition(call.StateIncoming)
	}
	c.sid = sess.ID
	c.role = call.RoleCallee
	c.sess = &sess
	c.stopRingTimer()
	c.transition(call.StateConnected)

	go c.setupCallee(ctx, sess)
	return nil
}

func (c *Coordinator) end(ctx context.Context) {
	if c.state == call.StateIdle && c.sid == "" {
		return
	}
	if c.sid != "" {
		c.writeStatusAsync(ctx, c.sid, call.StatusEnded)
	}
	c.teardown(true)
}

func (c *Coordinator) reject(ctx context.Context, sessionID string) error {
	c.writeStatusAsync(ctx, sessionID, call.StatusRejected)
	if c.state == call.StateIncoming && c.sid == sessionID {
		c.emit(Event{Kind: EventIncomingCall})
		c.teardown(true)
	}
	return nil
}

func (c *Coordinator) offerIncoming(sess call.Session) {
	if c.state.Busy() {
		c.log.Debug("signaling: busy, offer suppressed", "session_id", sess.ID)
		return
	}
	if sess.CallerName == c.cfg.LocalName {
		c.log.Debug("signaling: self-call suppressed", "session_id", sess.ID)
		return
	}
	if sess.Offer == nil || sess.Status != call.StatusOffering {
		return
	}
	c.sid = sess.ID
	c.role = call.RoleCallee
	c.sess = &sess
	c.transition(call.StateIncoming)
	c.startRingTimer(sess.ID)
	c.emit(Event{Kind: EventIncomingCall, Session: &sess})
}

func (c *Coordinator) offerRetracted(sessionID string) {
	if c.state != call.StateIncoming || c.sid != sessionID {
		return
	}
	c.emit(Event{Kind: EventIncomingCall})
	c.teardown(true)
}

/* ===================== async setup ===================== */

// setupCaller runs off-loop: media, connection, offer, session write. It
// posts evSetupDone first and only then establishes the subscriptions, so no
// session change can outrun the connection handover.
func (c *Coordinator) setupCaller(ctx context.Context, sess call.Session) {
	done := evSetupDone{sid: sess.ID, role: call.RoleCaller, sess: sess}

	media, conn, err := c.buildConnection(ctx, sess.ID)
	if err != nil {
		done.err, done.errMsg = err, setupErrMsg(err)
		c.postSetupDone(ctx, done)
		return
	}
	done.media, done.conn = media, conn

	offer, err := conn.CreateOffer(ctx)
	if err == nil {
		err = conn.SetLocalDescription(offer)
	}
	if err != nil {
		done.err, done.errMsg = err, errNegotiationFailed
		c.postSetupDone(ctx, done)
		return
	}
	sess.Offer = &offer
	done.sess = sess

	fields, err := sess.Fields()
	if err == nil {
		_, err = c.store.CreateRecord(ctx, call.SessionCollection, sess.ID, fields)
	}
	if err != nil {
		done.err, done.errMsg = err, errNegotiationFailed
		c.postSetupDone(ctx, done)
		return
	}
	done.created = true
	if !c.postSetupDone(ctx, done) {
		return
	}

	c.subscribeAndPost(ctx, sess.ID, call.RoleCaller)
}

// setupCallee applies the remote offer, writes the answer, and wires the
// offer-candidate stream. The remote description is set before any candidate
// subscription exists, so candidates on this path apply without buffering.
func (c *Coordinator) setupCallee(ctx context.Context, sess call.Session) {
	done := evSetupDone{sid: sess.ID, role: call.RoleCallee, sess: sess, created: true}

	media, conn, err := c.buildConnection(ctx, sess.ID)
	if err != nil {
		done.err, done.errMsg = err, setupErrMsg(err)
		c.postSetupDone(ctx, done)
		return
	}
	done.media, done.conn = media, conn

	if err := conn.SetRemoteDescription(*sess.Offer); err != nil {
		done.err, done.errMsg = err, errNegotiationFailed
		c.postSetupDone(ctx, done)
		return
	}
	answer, err := conn.CreateAnswer(ctx)
	if err == nil {
		err = conn.SetLocalDescription(answer)
	}
	if err != nil {
		done.err, done.errMsg = err, errNegotiationFailed
		c.postSetupDone(ctx, done)
		return
	}
	sess.Answer = &answer
	sess.Status = call.StatusAnswered
	done.sess = sess

	// Guarded on the record still offering: an answer must not overwrite a
	// hangup or rejection that won the race.
	err = c.store.UpdateRecordIf(ctx, call.SessionCollection, sess.ID,
		"status", call.AdvanceSources(call.StatusAnswered), map[string]any{
			"answer": map[string]any{"type": answer.Type, "sdp": answer.SDP},
			"status": string(call.StatusAnswered),
			"role":   string(call.RoleCallee),
		})
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrConflict) {
		// The record was retired or finalized while we were answering; an
		// implicit ended signal, not a failure.
		done.err, done.errMsg = err, ""
		c.postSetupDone(ctx, done)
		return
	}
	if err != nil {
		done.err, done.errMsg = err, errNegotiationFailed
		c.postSetupDone(ctx, done)
		return
	}
	if !c.postSetupDone(ctx, done) {
		return
	}

	c.subscribeAndPost(ctx, sess.ID, call.RoleCallee)
}

// postSetupDone hands the setup result to the loop; if the loop is gone the
// connection and media are released here instead.
func (c *Coordinator) postSetupDone(ctx context.Context, done evSetupDone) bool {
	if !c.postWait(ctx, done) {
		releaseSetup(done)
		return false
	}
	return true
}

// subscribeAndPost establishes the session subscriptions and hands their
// cancel funcs to the loop.
func (c *Coordinator) subscribeAndPost(ctx context.Context, sid string, role call.Role) {
	cancels, err := c.subscribeSession(ctx, sid, role)
	if !c.postWait(ctx, evSubscribed{sid: sid, cancels: cancels, err: err}) {
		for _, cancel := range cancels {
			cancel()
		}
	}
}

func (c *Coordinator) buildConnection(ctx context.Context, sid string) (transport.LocalMedia, transport.Connection, error) {
	media, err := c.engine.AcquireLocalAudio(ctx, c.cfg.Audio)
	if err != nil {
		return nil, nil, err
	}
	conn, err := c.engine.NewConnection(c.cfg.ICEServers)
	if err != nil {
		media.Stop()
		return nil, nil, err
	}
	for _, t := range media.Tracks() {
		if err := conn.AddTrack(t); err != nil {
			media.Stop()
			conn.Close()
			return nil, nil, err
		}
	}
	conn.OnICECandidate(func(cand call.ICECandidate) {
		c.post(evLocalCandidate{sid: sid, cand: cand})
	})
	conn.OnRemoteTrack(func(s transport.RemoteStream) {
		c.post(evRemoteStream{sid: sid, stream: s})
	})
	conn.OnStateChange(func(s transport.State) {
		c.post(evTransportState{sid: sid, state: s})
	})
	return media, conn, nil
}

// subscribeSession wires the session record watch plus the remote candidate
// stream for the given role, forwarding both into the inbox.
func (c *Coordinator) subscribeSession(ctx context.Context, sid string, role call.Role) ([]store.CancelFunc, error) {
	byID := func(r store.Record) bool { return r.ID == sid }
	changes, cancelDoc, err := c.store.Subscribe(ctx, call.SessionCollection, byID)
	if err != nil {
		return nil, err
	}
	go func() {
		for ch := range changes {
			c.post(evSessionChange{sid: sid, change: ch})
		}
	}()

	records, cancelCands, err := c.store.SubscribeChildren(
		ctx, call.SessionCollection, sid, role.RemoteCandidateCollection())
	if err != nil {
		cancelDoc()
		return nil, err
	}
	go func() {
		for rec := range records {
			cand, err := call.CandidateFromFields(rec.Fields)
			if err != nil {
				c.log.Error("signaling: decode candidate", "session_id", sid, "err", err)
				continue
			}
			c.post(evRemoteCandidate{sid: sid, cand: cand})
		}
	}()
	return []store.CancelFunc{cancelDoc, cancelCands}, nil
}

/* ===================== loop handlers ===================== */

func (c *Coordinator) setupDone(ctx context.Context, msg evSetupDone) {
	if msg.sid != c.sid {
		// The call was torn down (or replaced) while setup was in flight.
		releaseSetup(msg)
		if msg.created {
			// The session record landed after teardown's ended write could
			// reach it; retire it or the remote side keeps ringing.
			c.writeStatusAsync(ctx, msg.sid, call.StatusEnded)
		}
		return
	}
	if msg.err != nil {
		releaseSetup(msg)
		if msg.errMsg != "" {
			c.emit(Event{Kind: EventError, Message: msg.errMsg})
		}
		if msg.created {
			c.writeStatusAsync(ctx, msg.sid, call.StatusEnded)
		}
		c.teardown(true)
		return
	}

	sess := msg.sess
	c.sess = &sess
	c.conn = msg.conn
	c.media = msg.media

	if msg.role == call.RoleCallee {
		// Remote offer already applied during setup; flush anything that
		// raced in ahead of it.
		c.remoteSet = true
		c.flushPending()
	}
}

func (c *Coordinator) subscribed(msg evSubscribed) {
	if msg.sid != c.sid {
		for _, cancel := range msg.cancels {
			cancel()
		}
		return
	}
	if msg.err != nil {
		// Degrade to no live updates rather than killing the call; the
		// remote side can still reach us through candidates already sent.
		c.log.Error("signaling: session subscribe failed", "session_id", msg.sid, "err", msg.err)
		return
	}
	c.cancels = append(c.cancels, msg.cancels...)
}

func (c *Coordinator) sessionChange(ctx context.Context, msg evSessionChange) {
	if msg.sid != c.sid {
		return
	}
	if msg.change.Kind == store.Removed {
		// A retired record is an implicit ended signal.
		c.teardown(true)
		return
	}
	sess, err := call.SessionFromFields(msg.change.Record.ID, msg.change.Record.Fields)
	if err != nil {
		c.log.Error("signaling: decode session", "session_id", msg.sid, "err", err)
		return
	}

	if sess.Status.Terminal() {
		// Remote hangup or rejection: back to idle, no error event.
		c.teardown(true)
		return
	}

	if c.role == call.RoleCaller && c.state == call.StateCalling && !c.remoteSet && sess.Answer != nil {
		if c.conn == nil {
			// The answer outran the setup handover; without a connection the
			// call cannot proceed.
			c.log.Error("signaling: answer before connection ready", "session_id", msg.sid)
			c.emit(Event{Kind: EventError, Message: errNegotiationFailed})
			c.writeStatusAsync(ctx, msg.sid, call.StatusEnded)
			c.teardown(true)
			return
		}
		if err := c.conn.SetRemoteDescription(*sess.Answer); err != nil {
			c.log.Error("signaling: apply answer", "session_id", msg.sid, "err", err)
			c.emit(Event{Kind: EventError, Message: errNegotiationFailed})
			c.writeStatusAsync(ctx, msg.sid, call.StatusEnded)
			c.teardown(true)
			return
		}
		c.remoteSet = true
		c.sess = &sess
		c.flushPending()
		c.stopRingTimer()
		c.transition(call.StateConnected)
	}
}

func (c *Coordinator) remoteCandidate(msg evRemoteCandidate) {
	if msg.sid != c.sid {
		return
	}
	if !c.remoteSet || c.conn == nil {
		c.pending = append(c.pending, msg.cand)
		return
	}
	if err := c.conn.AddICECandidate(msg.cand); err != nil {
		c.log.Error("signaling: add remote candidate", "session_id", msg.sid, "err", err)
	}
}

// flushPending applies buffered candidates in arrival order.
func (c *Coordinator) flushPending() {
	for _, cand := range c.pending {
		if err := c.conn.AddICECandidate(cand); err != nil {
			c.log.Error("signaling: flush candidate", "session_id", c.sid, "err", err)
		}
	}
	c.pending = nil
}

func (c *Coordinator) localCandidate(ctx context.Context, msg evLocalCandidate) {
	if msg.sid != c.sid {
		return
	}
	collection := store.ChildCollection(call.SessionCollection, msg.sid, c.role.CandidateCollection())
	fields, err := msg.cand.Fields()
	if err != nil {
		c.log.Error("signaling: encode candidate", "session_id", msg.sid, "err", err)
		return
	}
	go func() {
		if _, err := c.store.CreateRecord(ctx, collection, "", fields); err != nil {
			// Best-effort: the remote side degrades to fewer paths.
			c.log.Error("signaling: publish candidate", "session_id", msg.sid, "err", err)
		}
	}()
}

func (c *Coordinator) transportState(ctx context.Context, msg evTransportState) {
	if msg.sid != c.sid {
		return
	}
	switch msg.state {
	case transport.StateFailed:
		c.emit(Event{Kind: EventError, Message: errNegotiationFailed})
		c.writeStatusAsync(ctx, msg.sid, call.StatusEnded)
		c.teardown(true)
	case transport.StateDisconnected:
		c.log.Warn("signaling: transport disconnected", "session_id", msg.sid)
	case transport.StateConnected:
		c.log.Info("signaling: transport connected", "session_id", msg.sid)
	}
}

func (c *Coordinator) remoteStream(msg evRemoteStream) {
	if msg.sid != c.sid {
		return
	}
	e := Event{Kind: EventRemoteStream, Stream: msg.stream}
	if msg.stream != nil {
		e.StreamID = msg.stream.ID()
	}
	c.emit(e)
}

func (c *Coordinator) ringExpired(ctx context.Context, sid string) {
	if sid != c.sid {
		return
	}
	switch c.state {
	case call.StateCalling:
		c.log.Info("signaling: unanswered call expired", "session_id", sid)
		c.writeStatusAsync(ctx, sid, call.StatusEnded)
		c.teardown(true)
	case call.StateIncoming:
		c.log.Info("signaling: incoming call expired", "session_id", sid)
		c.emit(Event{Kind: EventIncomingCall})
		c.teardown(true)
	}
}

/* ===================== teardown & plumbing ===================== */

// teardown releases every local resource and returns to idle. It is
// unconditional and idempotent; emitIdle controls whether the idle status
// event fires (false when Run itself is exiting).
func (c *Coordinator) teardown(emitIdle bool) {
	c.stopRingTimer()
	for _, cancel := range c.cancels {
		cancel()
	}
	c.cancels = nil
	if c.media != nil {
		c.media.Stop()
		c.media = nil
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.log.Debug("signaling: close connection", "err", err)
		}
		c.conn = nil
		if emitIdle {
			c.emit(Event{Kind: EventRemoteStream})
		}
	}
	c.sid = ""
	c.sess = nil
	c.role = ""
	c.pending = nil
	c.remoteSet = false
	if c.state != call.StateIdle {
		c.state = call.StateIdle
		if emitIdle {
			c.emit(Event{Kind: EventStatus, State: call.StateIdle})
		}
	}
}

func releaseSetup(msg evSetupDone) {
	if msg.media != nil {
		msg.media.Stop()
	}
	if msg.conn != nil {
		msg.conn.Close()
	}
}

// writeStatusAsync is the best-effort terminal status write: failure must
// never block local teardown. The write is guarded so a late ended cannot
// overwrite a rejection (or any other finalized status) already recorded.
func (c *Coordinator) writeStatusAsync(ctx context.Context, sid string, status call.Status) {
	go func() {
		err := c.store.UpdateRecordIf(ctx, call.SessionCollection, sid,
			"status", call.AdvanceSources(status), map[string]any{
				"status": string(status),
			})
		if err != nil && !errors.Is(err, store.ErrNotFound) && !errors.Is(err, store.ErrConflict) {
			c.log.Error("signaling: status write failed",
				"session_id", sid, "status", status, "err", err)
		}
	}()
}

func (c *Coordinator) transition(to call.State) {
	if !call.CanTransition(c.state, to) {
		c.log.Error("signaling: illegal transition", "from", c.state, "to", to)
		return
	}
	if c.state == to {
		return
	}
	c.state = to
	c.emit(Event{Kind: EventStatus, State: to, Session: c.sess})
}

func (c *Coordinator) startRingTimer(sid string) {
	if c.cfg.RingTimeout <= 0 {
		return
	}
	c.stopRingTimer()
	c.ringTimer = time.AfterFunc(c.cfg.RingTimeout, func() {
		c.post(evRingExpired{sid: sid})
	})
}

func (c *Coordinator) stopRingTimer() {
	if c.ringTimer != nil {
		c.ringTimer.Stop()
		c.ringTimer = nil
	}
}

func (c *Coordinator) post(m any) {
	select {
	case c.inbox <- m:
	default:
		c.log.Warn("signaling: inbox full, dropping message", "type", typeName(m))
	}
}

// postWait delivers a message even when the inbox is saturated with candidate
// traffic. Setup and subscription results go through here: dropping one would
// leak the connection it carries. Returns false if ctx ended first; the
// caller still owns the message's resources then.
func (c *Coordinator) postWait(ctx context.Context, m any) bool {
	select {
	case c.inbox <- m:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Coordinator) emit(e Event) {
	select {
	case c.events <- e:
	default:
		c.log.Warn("signaling: event consumer lagging, dropping event", "kind", e.Kind)
	}
}

func setupErrMsg(err error) string {
	switch {
	case errors.Is(err, transport.ErrPermissionDenied):
		return errPermissionDenied
	case errors.Is(err, transport.ErrDeviceUnavailable):
		return errDeviceUnavailable
	default:
		return errNegotiationFailed
	}
}

func typeName(m any) string {
	switch m.(type) {
	case cmdInitiate:
		return "initiate"
	case cmdAnswer:
		return "answer"
	case cmdEnd:
		return "end"
	case cmdReject:
		return "reject"
	case cmdOffer:
		return "offer"
	case cmdOfferRetracted:
		return "offer_retracted"
	case evSetupDone:
		return "setup_done"
	case evSubscribed:
		return "subscribed"
	case evSessionChange:
		return "session_change"
	case evRemoteCandidate:
		return "remote_candidate"
	case evLocalCandidate:
		return "local_candidate"
	case evTransportState:
		return "transport_state"
	case evRemoteStream:
		return "remote_stream"
	case evRingExpired:
		return "ring_expired"
	default:
		return "unknown"
	}
}
