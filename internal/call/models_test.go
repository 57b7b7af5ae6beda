package call

import (
	"testing"
	"time"
)

func TestStatus_CanAdvance(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusOffering, StatusAnswered, true},
		{StatusOffering, StatusEnded, true},
		{StatusOffering, StatusRejected, true},
		{StatusAnswered, StatusEnded, true},
		{StatusAnswered, StatusRejected, true},
		{StatusAnswered, StatusOffering, false},
		{StatusEnded, StatusAnswered, false},
		{StatusEnded, StatusRejected, false},
		{StatusRejected, StatusEnded, false},
		{StatusRejected, StatusOffering, false},
	}
	for _, c := range cases {
		if got := c.from.CanAdvance(c.to); got != c.want {
			t.Fatalf("CanAdvance(%s -> %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestStatus_TerminalStatesAdmitNothing(t *testing.T) {
	for _, terminal := range []Status{StatusEnded, StatusRejected} {
		for _, next := range []Status{StatusOffering, StatusAnswered, StatusEnded, StatusRejected} {
			if terminal.CanAdvance(next) {
				t.Fatalf("terminal status %s must not advance to %s", terminal, next)
			}
		}
	}
}

func TestAdvanceSources(t *testing.T) {
	cases := []struct {
		next Status
		want []string
	}{
		{StatusAnswered, []string{"offering"}},
		{StatusEnded, []string{"offering", "answered"}},
		{StatusRejected, []string{"offering", "answered"}},
		{StatusOffering, nil},
	}
	for _, c := range cases {
		got := AdvanceSources(c.next)
		if len(got) != len(c.want) {
			t.Fatalf("AdvanceSources(%s) = %v, want %v", c.next, got, c.want)
		}
		for i := range got {
			if got[i] != c.want[i] {
				t.Fatalf("AdvanceSources(%s) = %v, want %v", c.next, got, c.want)
			}
		}
	}
}

func TestSession_ValidateRejectsAnswerWithoutOffer(t *testing.T) {
	s := Session{
		ID:             "s1",
		WorkspaceID:    "w1",
		ConversationID: "conv-1",
		Status:         StatusAnswered,
		Answer:         &Description{Type: "answer", SDP: "v=0"},
		CreatedAt:      time.Now(),
	}
	if err := s.Validate(); err != ErrAnswerBeforeOffer {
		t.Fatalf("expected ErrAnswerBeforeOffer, got %v", err)
	}

	s.Offer = &Description{Type: "offer", SDP: "v=0"}
	if err := s.Validate(); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
}

func TestSession_ValidateRequiresIdentity(t *testing.T) {
	cases := []Session{
		{WorkspaceID: "w", ConversationID: "c"},
		{ID: "s", ConversationID: "c"},
		{ID: "s", WorkspaceID: "w"},
	}
	for i, s := range cases {
		if err := s.Validate(); err != ErrInvalidSession {
			t.Fatalf("case %d: expected ErrInvalidSession, got %v", i, err)
		}
	}
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to State
		want     bool
	}{
		{StateIdle, StateCalling, true},
		{StateIdle, StateIncoming, true},
		{StateIdle, StateConnected, false},
		{StateCalling, StateConnected, true},
		{StateCalling, StateIdle, true},
		{StateCalling, StateIncoming, false},
		{StateIncoming, StateConnected, true},
		{StateIncoming, StateIdle, true},
		{StateConnected, StateIdle, true},
		{StateConnected, StateCalling, false},
		{StateConnected, StateConnected, true},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.want {
			t.Fatalf("CanTransition(%s -> %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestRole_CandidateCollections(t *testing.T) {
	if RoleCaller.CandidateCollection() != OfferCandidates {
		t.Fatalf("caller writes offer candidates")
	}
	if RoleCaller.RemoteCandidateCollection() != AnswerCandidates {
		t.Fatalf("caller reads answer candidates")
	}
	if RoleCallee.CandidateCollection() != AnswerCandidates {
		t.Fatalf("callee writes answer candidates")
	}
	if RoleCallee.RemoteCandidateCollection() != OfferCandidates {
		t.Fatalf("callee reads offer candidates")
	}
}

func TestState_Busy(t *testing.T) {
	if StateIdle.Busy() {
		t.Fatalf("idle is not busy")
	}
	for _, s := range []State{StateCalling, StateIncoming, StateConnected} {
		if !s.Busy() {
			t.Fatalf("%s should be busy", s)
		}
	}
}
