package signaling

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"voicelink/internal/call"
	"voicelink/internal/store"
	"voicelink/internal/transport"
)

func testConfig() Config {
	return Config{
		WorkspaceID:    "w1",
		ConversationID: "conv-local",
		LocalName:      "Alice",
		Audio:          transport.DefaultAudioConstraints(),
	}
}

type harness struct {
	st     *store.Memory
	eng    *fakeEngine
	coord  *Coordinator
	cancel context.CancelFunc
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	st := store.NewMemory()
	eng := &fakeEngine{}
	coord := New(cfg, st, eng, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go coord.Run(ctx)
	t.Cleanup(cancel)
	return &harness{st: st, eng: eng, coord: coord, cancel: cancel}
}

func waitEvent(t *testing.T, ch <-chan Event, kind EventKind) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-ch:
			if e.Kind == kind {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", kind)
		}
	}
}

func waitStatus(t *testing.T, ch <-chan Event, state call.State) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-ch:
			if e.Kind == EventStatus && e.State == state {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for status %s", state)
		}
	}
}

func waitSession(t *testing.T, st *store.Memory, id string, ok func(call.Session) bool) call.Session {
	t.Helper()
	ch, cancel, err := st.Subscribe(context.Background(),
		call.SessionCollection, func(r store.Record) bool { return r.ID == id })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case c := <-ch:
			sess, err := call.SessionFromFields(c.Record.ID, c.Record.Fields)
			if err != nil {
				t.Fatalf("decode session: %v", err)
			}
			if ok(sess) {
				return sess
			}
		case <-deadline:
			t.Fatalf("timed out waiting for session %s", id)
		}
	}
}

// firstSessionID waits for any session record to appear and returns its id.
func firstSessionID(t *testing.T, st *store.Memory) string {
	t.Helper()
	ch, cancel, err := st.Subscribe(context.Background(), call.SessionCollection, nil)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()
	select {
	case c := <-ch:
		return c.Record.ID
	case <-time.After(2 * time.Second):
		t.Fatalf("no session record created")
	}
	return ""
}

func TestInitiate_CreatesOfferingSession(t *testing.T) {
	h := newHarness(t, testConfig())
	events := h.coord.Events()

	if err := h.coord.Initiate(context.Background(), "conv-1", "Alice"); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	waitStatus(t, events, call.StateCalling)

	sid := firstSessionID(t, h.st)
	sess := waitSession(t, h.st, sid, func(s call.Session) bool { return s.Offer != nil })

	if sess.Status != call.StatusOffering {
		t.Fatalf("expected offering, got %s", sess.Status)
	}
	if sess.Answer != nil {
		t.Fatalf("answer must not be set before the callee answers")
	}
	if sess.ConversationID != "conv-1" || sess.CallerName != "Alice" {
		t.Fatalf("unexpected session identity: %+v", sess)
	}
	if sess.Role != call.RoleCaller {
		t.Fatalf("expected explicit caller role, got %q", sess.Role)
	}
}

func TestInitiate_WhileBusyIsRefused(t *testing.T) {
	h := newHarness(t, testConfig())
	events := h.coord.Events()

	if err := h.coord.Initiate(context.Background(), "conv-1", "Alice"); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	waitStatus(t, events, call.StateCalling)

	if err := h.coord.Initiate(context.Background(), "conv-2", "Alice"); err != call.ErrNotIdle {
		t.Fatalf("expected ErrNotIdle, got %v", err)
	}
}

// Scenario: the callee answers, and the caller's subscription drives
// calling -> connected.
func TestCallerObservesAnswerAndConnects(t *testing.T) {
	h := newHarness(t, testConfig())
	events := h.coord.Events()
	ctx := context.Background()

	if err := h.coord.Initiate(ctx, "conv-1", "Alice"); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	sid := firstSessionID(t, h.st)
	waitSession(t, h.st, sid, func(s call.Session) bool { return s.Offer != nil })

	err := h.st.UpdateRecord(ctx, call.SessionCollection, sid, map[string]any{
		"answer": map[string]any{"type": "answer", "sdp": "sdp-answer"},
		"status": string(call.StatusAnswered),
	})
	if err != nil {
		t.Fatalf("simulate answer: %v", err)
	}

	waitStatus(t, events, call.StateConnected)
	conn := h.eng.lastConn()
	if conn.remote() == nil || conn.remote().SDP != "sdp-answer" {
		t.Fatalf("remote answer not applied to transport")
	}
}

// Scenario: the callee rejects while the caller is ringing; the caller goes
// back to idle without an error event.
func TestCallerObservesRejection(t *testing.T) {
	h := newHarness(t, testConfig())
	events := h.coord.Events()
	ctx := context.Background()

	if err := h.coord.Initiate(ctx, "conv-1", "Alice"); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	sid := firstSessionID(t, h.st)
	waitSession(t, h.st, sid, func(s call.Session) bool { return s.Offer != nil })

	err := h.st.UpdateRecord(ctx, call.SessionCollection, sid, map[string]any{
		"status": string(call.StatusRejected),
	})
	if err != nil {
		t.Fatalf("simulate reject: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-events:
			if e.Kind == EventError {
				t.Fatalf("remote rejection must not produce an error event")
			}
			if e.Kind == EventStatus && e.State == call.StateIdle {
				return
			}
		case <-deadline:
			t.Fatalf("caller never returned to idle")
		}
	}
}

// Candidates written to the caller's answer-candidate stream are applied to
// the transport only after the answer, in original order.
func TestCallerAppliesRemoteCandidatesInOrder(t *testing.T) {
	h := newHarness(t, testConfig())
	events := h.coord.Events()
	ctx := context.Background()

	if err := h.coord.Initiate(ctx, "conv-1", "Alice"); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	sid := firstSessionID(t, h.st)
	waitSession(t, h.st, sid, func(s call.Session) bool { return s.Offer != nil })

	coll := store.ChildCollection(call.SessionCollection, sid, call.AnswerCandidates)
	for _, cand := range []string{"cand-0", "cand-1", "cand-2"} {
		fields, _ := call.ICECandidate{Candidate: cand}.Fields()
		if _, err := h.st.CreateRecord(ctx, coll, "", fields); err != nil {
			t.Fatalf("write candidate: %v", err)
		}
	}

	err := h.st.UpdateRecord(ctx, call.SessionCollection, sid, map[string]any{
		"answer": map[string]any{"type": "answer", "sdp": "sdp-answer"},
		"status": string(call.StatusAnswered),
	})
	if err != nil {
		t.Fatalf("simulate answer: %v", err)
	}
	waitStatus(t, events, call.StateConnected)

	conn := h.eng.lastConn()
	deadline := time.After(2 * time.Second)
	for {
		added := conn.addedCandidates()
		if len(added) == 3 {
			for i, want := range []string{"cand-0", "cand-1", "cand-2"} {
				if added[i].Candidate != want {
					t.Fatalf("candidate %d: got %q, want %q", i, added[i].Candidate, want)
				}
			}
			return
		}
		select {
		case <-deadline:
			t.Fatalf("expected 3 candidates applied, got %d", len(added))
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestAnswer_WritesAnswerAndStatus(t *testing.T) {
	h := newHarness(t, testConfig())
	events := h.coord.Events()
	ctx := context.Background()

	offer := call.Description{Type: "offer", SDP: "sdp-offer"}
	sess := call.Session{
		ID:             "s1",
		WorkspaceID:    "w1",
		ConversationID: "conv-local",
		CallerName:     "Bob",
		Status:         call.StatusOffering,
		Offer:          &offer,
		CreatedAt:      time.Now().UTC(),
	}
	fields, _ := sess.Fields()
	if _, err := h.st.CreateRecord(ctx, call.SessionCollection, sess.ID, fields); err != nil {
		t.Fatalf("seed session: %v", err)
	}

	if err := h.coord.Answer(ctx, sess); err != nil {
		t.Fatalf("answer: %v", err)
	}
	waitStatus(t, events, call.StateConnected)

	got := waitSession(t, h.st, "s1", func(s call.Session) bool { return s.Answer != nil })
	if got.Status != call.StatusAnswered {
		t.Fatalf("expected answered, got %s", got.Status)
	}
	if got.Answer.SDP != "sdp-answer" {
		t.Fatalf("unexpected answer payload %q", got.Answer.SDP)
	}
	if got.Offer == nil {
		t.Fatalf("offer must survive the answer write")
	}

	conn := h.eng.lastConn()
	if conn.remote() == nil || conn.remote().SDP != "sdp-offer" {
		t.Fatalf("offer not applied as remote description")
	}
}

func TestAnswer_RequiresOffer(t *testing.T) {
	h := newHarness(t, testConfig())
	sess := call.Session{ID: "s1", WorkspaceID: "w1", ConversationID: "c1", Status: call.StatusOffering}
	if err := h.coord.Answer(context.Background(), sess); err == nil {
		t.Fatalf("expected error answering a session without an offer")
	}
}

func TestEnd_WritesEndedAndTearsDown(t *testing.T) {
	h := newHarness(t, testConfig())
	events := h.coord.Events()
	ctx := context.Background()

	if err := h.coord.Initiate(ctx, "conv-1", "Alice"); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	sid := firstSessionID(t, h.st)
	waitSession(t, h.st, sid, func(s call.Session) bool { return s.Offer != nil })

	if err := h.coord.End(ctx); err != nil {
		t.Fatalf("end: %v", err)
	}
	waitStatus(t, events, call.StateIdle)

	waitSession(t, h.st, sid, func(s call.Session) bool { return s.Status == call.StatusEnded })

	conn := h.eng.lastConn()
	if conn.closeCount() == 0 {
		t.Fatalf("transport connection not closed")
	}
	if h.eng.media[0].stopCount() == 0 {
		t.Fatalf("local media not stopped")
	}
}

func TestEnd_IsIdempotent(t *testing.T) {
	h := newHarness(t, testConfig())
	events := h.coord.Events()
	ctx := context.Background()

	if err := h.coord.Initiate(ctx, "conv-1", "Alice"); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	waitStatus(t, events, call.StateCalling)

	if err := h.coord.End(ctx); err != nil {
		t.Fatalf("first end: %v", err)
	}
	waitStatus(t, events, call.StateIdle)
	if err := h.coord.End(ctx); err != nil {
		t.Fatalf("second end must not error: %v", err)
	}
	if err := h.coord.Initiate(ctx, "conv-2", "Alice"); err != nil {
		t.Fatalf("endpoint must be reusable after teardown: %v", err)
	}
}

// Scenario: the store becomes unreachable mid-call; hanging up still tears
// down locally even though the remote status write fails.
func TestEnd_StoreUnreachableStillTearsDownLocally(t *testing.T) {
	flaky := &flakyStore{inner: store.NewMemory(), err: context.DeadlineExceeded}
	eng := &fakeEngine{}
	coord := New(testConfig(), flaky, eng, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go coord.Run(ctx)
	events := coord.Events()

	if err := coord.Initiate(ctx, "conv-1", "Alice"); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	waitStatus(t, events, call.StateCalling)

	flaky.setFailing(true)
	if err := coord.End(ctx); err != nil {
		t.Fatalf("end against dead store must not surface an error: %v", err)
	}
	waitStatus(t, events, call.StateIdle)

	if conn := eng.lastConn(); conn != nil && conn.closeCount() == 0 {
		t.Fatalf("transport connection not closed")
	}
}

// A failed initial session write recovers to idle with a surfaced error.
func TestInitiate_StoreWriteFailureRecovers(t *testing.T) {
	st := failingStore{err: context.DeadlineExceeded}
	coord := New(testConfig(), st, &fakeEngine{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go coord.Run(ctx)
	events := coord.Events()

	if err := coord.Initiate(ctx, "conv-1", "Alice"); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	waitEvent(t, events, EventError)
	waitStatus(t, events, call.StateIdle)
}

func TestMediaAcquisitionFailureEmitsErrorAndRecovers(t *testing.T) {
	h := newHarness(t, testConfig())
	h.eng.mediaErr = transport.ErrPermissionDenied
	events := h.coord.Events()

	if err := h.coord.Initiate(context.Background(), "conv-1", "Alice"); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	e := waitEvent(t, events, EventError)
	if e.Message != "permission-denied" {
		t.Fatalf("expected permission-denied, got %q", e.Message)
	}
	waitStatus(t, events, call.StateIdle)
}

// hangupRaceStore releases the media gate once a status write has missed the
// record, reproducing a hangup that lands before the session write.
type hangupRaceStore struct {
	*store.Memory
	release func()
	once    sync.Once
}

func (s *hangupRaceStore) UpdateRecordIf(ctx context.Context, c, id, field string, allowed []string, partial map[string]any) error {
	err := s.Memory.UpdateRecordIf(ctx, c, id, field, allowed, partial)
	if errors.Is(err, store.ErrNotFound) {
		s.once.Do(s.release)
	}
	return err
}

// Scenario: the caller hangs up while setup is still acquiring media. The
// hangup's status write finds no record yet; the record written afterwards
// must still be finalized, or the remote side rings a dead call.
func TestEnd_DuringSetupFinalizesLateSessionRecord(t *testing.T) {
	gate := make(chan struct{})
	mem := store.NewMemory()
	st := &hangupRaceStore{Memory: mem, release: func() { close(gate) }}
	eng := &fakeEngine{}
	eng.setMediaGate(gate)
	coord := New(testConfig(), st, eng, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go coord.Run(ctx)
	events := coord.Events()

	if err := coord.Initiate(ctx, "conv-1", "Alice"); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	waitStatus(t, events, call.StateCalling)
	if err := coord.End(ctx); err != nil {
		t.Fatalf("end: %v", err)
	}
	waitStatus(t, events, call.StateIdle)

	sid := firstSessionID(t, mem)
	waitSession(t, mem, sid, func(s call.Session) bool { return s.Status == call.StatusEnded })

	// The orphaned setup's transport resources are released as well.
	deadline := time.After(2 * time.Second)
	for {
		if conn := eng.lastConn(); conn != nil && conn.closeCount() > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("setup connection not released after late teardown")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// An answer observed before the setup handover must fail the call cleanly,
// never dereference a missing connection.
func TestSessionChange_AnswerBeforeConnectionReady(t *testing.T) {
	st := store.NewMemory()
	c := New(testConfig(), st, &fakeEngine{}, nil)
	c.state = call.StateCalling
	c.sid = "s1"
	c.role = call.RoleCaller

	offer := call.Description{Type: "offer", SDP: "sdp-offer"}
	answer := call.Description{Type: "answer", SDP: "sdp-answer"}
	fields, _ := call.Session{
		ID: "s1", WorkspaceID: "w1", ConversationID: "conv-1",
		Status: call.StatusAnswered, Offer: &offer, Answer: &answer,
	}.Fields()

	c.sessionChange(context.Background(), evSessionChange{
		sid:    "s1",
		change: store.Change{Kind: store.Updated, Record: store.Record{ID: "s1", Fields: fields}},
	})

	if c.state != call.StateIdle {
		t.Fatalf("expected teardown to idle, got %s", c.state)
	}
}

// Setup and subscription results must not be dropped when candidate traffic
// fills the inbox; the posting goroutine waits for the loop to drain it.
func TestSetupResultSurvivesFullInbox(t *testing.T) {
	c := New(testConfig(), store.NewMemory(), &fakeEngine{}, nil)
	for i := 0; i < cap(c.inbox); i++ {
		c.post(evLocalCandidate{sid: "s1"})
	}

	delivered := make(chan bool, 1)
	go func() { delivered <- c.postWait(context.Background(), evSetupDone{sid: "s1"}) }()
	select {
	case <-delivered:
		t.Fatalf("setup result must wait for inbox capacity, not drop")
	case <-time.After(50 * time.Millisecond):
	}

	<-c.inbox
	select {
	case ok := <-delivered:
		if !ok {
			t.Fatalf("setup result not delivered")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for delivery")
	}
}

// A hangup racing a rejection must not overwrite the recorded outcome: the
// status write advances the lifecycle, never rewinds or replaces a terminal.
func TestStatusWriteCannotOverwriteRejection(t *testing.T) {
	st := store.NewMemory()
	c := New(testConfig(), st, &fakeEngine{}, nil)
	ctx := context.Background()

	fields, _ := call.Session{
		ID: "s1", WorkspaceID: "w1", ConversationID: "conv-1",
		CallerName: "Bob", Status: call.StatusRejected,
	}.Fields()
	if _, err := st.CreateRecord(ctx, call.SessionCollection, "s1", fields); err != nil {
		t.Fatalf("seed: %v", err)
	}

	c.writeStatusAsync(ctx, "s1", call.StatusEnded)
	time.Sleep(100 * time.Millisecond)

	got := waitSession(t, st, "s1", func(call.Session) bool { return true })
	if got.Status != call.StatusRejected {
		t.Fatalf("rejection overwritten: got %s", got.Status)
	}
}

func TestReject_WritesRejectedWithoutLocalSession(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	offer := call.Description{Type: "offer", SDP: "sdp-offer"}
	sess := call.Session{
		ID: "s1", WorkspaceID: "w1", ConversationID: "conv-local",
		CallerName: "Bob", Status: call.StatusOffering, Offer: &offer,
	}
	fields, _ := sess.Fields()
	if _, err := h.st.CreateRecord(ctx, call.SessionCollection, "s1", fields); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := h.coord.Reject(ctx, "s1"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	waitSession(t, h.st, "s1", func(s call.Session) bool { return s.Status == call.StatusRejected })
}
