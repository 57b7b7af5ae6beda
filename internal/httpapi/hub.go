package httpapi

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"voicelink/internal/call"
	"voicelink/internal/history"
	"voicelink/internal/presence"
	"voicelink/internal/rbac"
	"voicelink/internal/signaling"
	"voicelink/internal/store"
	"voicelink/internal/transport"
	"voicelink/pkg/utils"
)

// HubConfig carries the per-endpoint call settings shared by every
// coordinator the hub creates.
type HubConfig struct {
	ICEServers  []transport.ICEServer
	Audio       transport.AudioConstraints
	RingTimeout time.Duration

	// RingSink receives the audible ring while an incoming call is
	// pending. Defaults to io.Discard for headless deployments.
	RingSink     io.Writer
	RingInterval time.Duration

	// WorkspaceCallCap bounds concurrent outbound calls per workspace.
	// Zero disables the cap. Enforcement needs a redis client.
	WorkspaceCallCap int
	CapTTL           time.Duration
}

// Hub owns one signaling endpoint per authenticated user. An endpoint is
// created lazily on first use and lives until Shutdown; its coordinator run
// loop and presence watch are detached from any single HTTP request.
type Hub struct {
	cfg    HubConfig
	store  store.Adapter
	engine transport.Engine
	rdb    *redis.Client
	hist   *history.Service
	log    *slog.Logger

	mu        sync.Mutex
	endpoints map[string]*Endpoint
	closed    bool
}

// WithHistory attaches the call history recorder. Terminal calls observed
// by any endpoint are appended best-effort.
func (h *Hub) WithHistory(svc *history.Service) *Hub {
	h.hist = svc
	return h
}

func NewHub(cfg HubConfig, adapter store.Adapter, engine transport.Engine, rdb *redis.Client, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	if cfg.CapTTL <= 0 {
		cfg.CapTTL = 4 * time.Hour
	}
	if cfg.RingSink == nil {
		cfg.RingSink = io.Discard
	}
	if cfg.RingInterval <= 0 {
		cfg.RingInterval = 2 * time.Second
	}
	return &Hub{
		cfg:       cfg,
		store:     adapter,
		engine:    engine,
		rdb:       rdb,
		log:       log,
		endpoints: make(map[string]*Endpoint),
	}
}

// Endpoint returns the caller's signaling endpoint, creating it on first
// use. The user id doubles as the endpoint's conversation identity.
// Operators (and super admins) watch for offers across every conversation;
// everyone else only hears calls addressed to them.
func (h *Hub) Endpoint(workspaceID, userID, role string) (*Endpoint, error) {
	key := workspaceID + "/" + userID

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}
	if ep, ok := h.endpoints[key]; ok {
		return ep, nil
	}

	coord := signaling.New(signaling.Config{
		WorkspaceID:    workspaceID,
		ConversationID: userID,
		LocalName:      userID,
		ICEServers:     h.cfg.ICEServers,
		Audio:          h.cfg.Audio,
		RingTimeout:    h.cfg.RingTimeout,
	}, h.store, h.engine, h.log)

	ctx, cancel := context.WithCancel(context.Background())
	ep := &Endpoint{
		WorkspaceID: workspaceID,
		UserID:      userID,
		coord:       coord,
		stop:        cancel,
		hist:        h.hist,
		log:         h.log,
		ringer:      presence.NewRinger(h.cfg.RingSink, h.cfg.RingInterval, h.log),
		state:       call.StateIdle,
		clients:     make(map[chan signaling.Event]struct{}),
	}

	go coord.Run(ctx)
	go ep.pump(coord.Events())

	notifier := presence.NewNotifier(h.store, coord, h.log)
	var (
		watchCancel store.CancelFunc
		err         error
	)
	if rbac.IsPrivilegedRole(role) || rbac.IsSuperAdmin(role) {
		watchCancel, err = notifier.ListenAll(ctx)
	} else {
		watchCancel, err = notifier.Listen(ctx, userID)
	}
	if err != nil {
		cancel()
		return nil, err
	}
	ep.watchCancel = watchCancel

	h.endpoints[key] = ep
	h.log.Info("endpoint created", "workspace_id", workspaceID, "user_id", userID, "role", role)
	return ep, nil
}

// AcquireCallSlot reserves one outbound call slot for a workspace. It
// returns a release func, or ok=false when the workspace is at its cap.
// With no cap configured (or no redis) every call is admitted.
func (h *Hub) AcquireCallSlot(ctx context.Context, workspaceID string) (release func(), ok bool, err error) {
	if h.cfg.WorkspaceCallCap <= 0 || h.rdb == nil {
		return func() {}, true, nil
	}
	key := "vl:callcap:" + workspaceID
	ok, err = utils.AcquireConcurrencyCap(ctx, h.rdb, key, h.cfg.WorkspaceCallCap, h.cfg.CapTTL)
	if err != nil || !ok {
		return nil, false, err
	}
	var once sync.Once
	release = func() {
		once.Do(func() {
			relCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := utils.ReleaseConcurrencyCap(relCtx, h.rdb, key); err != nil {
				h.log.Error("call slot release failed", "workspace_id", workspaceID, "err", err)
			}
		})
	}
	return release, true, nil
}

// Shutdown stops every endpoint. Safe to call once at process exit.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	endpoints := make([]*Endpoint, 0, len(h.endpoints))
	for _, ep := range h.endpoints {
		endpoints = append(endpoints, ep)
	}
	h.endpoints = make(map[string]*Endpoint)
	h.closed = true
	h.mu.Unlock()

	for _, ep := range endpoints {
		ep.close()
	}
}

// Endpoint is one user's live signaling surface: the coordinator, the
// presence watch, a state snapshot for polling handlers and the fan-out to
// websocket subscribers.
type Endpoint struct {
	WorkspaceID string
	UserID      string

	coord       *signaling.Coordinator
	stop        context.CancelFunc
	watchCancel store.CancelFunc
	hist        *history.Service
	ringer      *presence.Ringer
	log         *slog.Logger

	mu         sync.Mutex
	state      call.State
	pending    *call.Session
	lastError  string
	releaseCap func()
	clients    map[chan signaling.Event]struct{}

	// Active call bookkeeping for history records.
	active       *call.Session
	connectedAt  time.Time
	wasConnected bool
}

// Snapshot is the polling view of an endpoint.
type Snapshot struct {
	State        call.State    `json:"state"`
	PendingOffer *call.Session `json:"pending_offer,omitempty"`
	LastError    string        `json:"last_error,omitempty"`
}

func (e *Endpoint) Coordinator() *signaling.Coordinator { return e.coord }

func (e *Endpoint) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Snapshot{State: e.state, PendingOffer: e.pending, LastError: e.lastError}
}

// PendingOffer returns the ringing session if it matches the given id.
func (e *Endpoint) PendingOffer(sessionID string) (call.Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pending == nil || e.pending.ID != sessionID {
		return call.Session{}, false
	}
	return *e.pending, true
}

// SetReleaseCap arms the slot release fired on the next return to idle.
func (e *Endpoint) SetReleaseCap(release func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.releaseCap = release
}

// Subscribe registers an event fan-out channel. The returned func
// unregisters it; events are dropped for subscribers that fall behind.
func (e *Endpoint) Subscribe() (<-chan signaling.Event, func()) {
	ch := make(chan signaling.Event, 16)
	e.mu.Lock()
	e.clients[ch] = struct{}{}
	e.mu.Unlock()
	return ch, func() {
		e.mu.Lock()
		delete(e.clients, ch)
		e.mu.Unlock()
	}
}

// pump is the coordinator's single event consumer. It maintains the
// snapshot and rebroadcasts to subscribers.
func (e *Endpoint) pump(events <-chan signaling.Event) {
	for ev := range events {
		e.apply(ev)
	}
}

func (e *Endpoint) apply(ev signaling.Event) {
	e.mu.Lock()
	switch ev.Kind {
	case signaling.EventIncomingCall:
		e.pending = ev.Session
		if ev.Session != nil {
			e.ringer.Start()
		} else {
			e.ringer.Stop()
		}
	case signaling.EventStatus:
		e.state = ev.State
		if ev.State != call.StateIncoming {
			e.ringer.Stop()
		}
		if ev.State == call.StateIdle {
			e.pending = nil
			if e.releaseCap != nil {
				go e.releaseCap()
				e.releaseCap = nil
			}
			e.recordOutcome()
		} else {
			e.lastError = ""
			if ev.Session != nil {
				e.active = ev.Session
			}
			if ev.State == call.StateConnected {
				e.pending = nil
				e.wasConnected = true
				e.connectedAt = time.Now().UTC()
			}
		}
	case signaling.EventError:
		e.lastError = ev.Message
	}
	for ch := range e.clients {
		select {
		case ch <- ev:
		default:
		}
	}
	e.mu.Unlock()
}

// recordOutcome appends a history record for the call that just ended.
// Called with e.mu held; the write itself happens off the pump.
func (e *Endpoint) recordOutcome() {
	sess := e.active
	wasConnected := e.wasConnected
	connectedAt := e.connectedAt
	lastError := e.lastError
	e.active = nil
	e.wasConnected = false
	e.connectedAt = time.Time{}

	if sess == nil || e.hist == nil {
		return
	}

	outcome := history.OutcomeMissed
	switch {
	case wasConnected:
		outcome = history.OutcomeCompleted
	case lastError != "":
		outcome = history.OutcomeFailed
	}
	rec := history.Record{
		WorkspaceID:    e.WorkspaceID,
		SessionID:      sess.ID,
		ConversationID: sess.ConversationID,
		CallerName:     sess.CallerName,
		Role:           string(sess.Role),
		Outcome:        outcome,
	}
	if wasConnected {
		rec.StartedAt = connectedAt
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.hist.Append(ctx, rec); err != nil {
			e.log.Error("history append failed", "session_id", rec.SessionID, "err", err)
		}
	}()
}

func (e *Endpoint) close() {
	if e.watchCancel != nil {
		e.watchCancel()
	}
	e.ringer.Stop()
	e.stop()
	e.mu.Lock()
	if e.releaseCap != nil {
		go e.releaseCap()
		e.releaseCap = nil
	}
	e.mu.Unlock()
}
