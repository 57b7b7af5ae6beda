package call

import "time"

// Session is the shared signaling record for one call attempt.
//
// It lives in the document store and is the only mutable state the two peers
// share. Each field has exactly one legitimate writer: the caller writes the
// offer, the callee writes the answer, either side writes a terminal status.
//
// Multi-tenant invariant: WorkspaceID is required on every record.
type Session struct {
	ID             string `json:"id"`
	WorkspaceID    string `json:"workspace_id"`
	ConversationID string `json:"conversation_id"`
	CallerName     string `json:"caller_name"`

	// Role is resolved once, at creation (caller) or answer (callee) time,
	// and read thereafter. Candidate records are routed by this field, never
	// inferred from transient transport state.
	Role Role `json:"role,omitempty"`

	Status Status `json:"status"`

	// Offer is set once by the caller and is immutable afterwards.
	Offer *Description `json:"offer,omitempty"`
	// Answer is set once by the callee, never before Offer.
	Answer *Description `json:"answer,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Description is an opaque session description blob (offer or answer).
type Description struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidate is one discovered network path, exchanged as an append-only
// child record of a session. Candidates are never updated or deleted
// individually; the parent session's lifecycle governs cleanup.
type ICECandidate struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdp_mid"`
	SDPMLineIndex int    `json:"sdp_mline_index"`
}

// Child collection names under a session record.
const (
	OfferCandidates  = "offerCandidates"
	AnswerCandidates = "answerCandidates"
)

// SessionCollection is the store collection holding call sessions.
const SessionCollection = "calls"

type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

// CandidateCollection returns the child collection a peer with the given
// role writes its local candidates to.
func (r Role) CandidateCollection() string {
	if r == RoleCallee {
		return AnswerCandidates
	}
	return OfferCandidates
}

// RemoteCandidateCollection returns the child collection holding the remote
// peer's candidates.
func (r Role) RemoteCandidateCollection() string {
	if r == RoleCallee {
		return OfferCandidates
	}
	return AnswerCandidates
}

type Status string

const (
	StatusOffering Status = "offering"
	StatusAnswered Status = "answered"
	StatusEnded    Status = "ended"
	StatusRejected Status = "rejected"
)

// Terminal reports whether no further field mutation is allowed.
func (s Status) Terminal() bool {
	return s == StatusEnded || s == StatusRejected
}

// CanAdvance reports whether a status transition moves forward through the
// session lifecycle. Backward transitions are never legal, and terminal
// statuses admit nothing.
func (s Status) CanAdvance(next Status) bool {
	if s.Terminal() {
		return false
	}
	switch s {
	case StatusOffering:
		return next == StatusAnswered || next == StatusEnded || next == StatusRejected
	case StatusAnswered:
		return next == StatusEnded || next == StatusRejected
	default:
		return false
	}
}

// AdvanceSources lists the statuses a record may currently hold for an
// advance to next to be legal. Store writes guard on these so concurrent
// finalizers cannot overwrite one another.
func AdvanceSources(next Status) []string {
	var from []string
	for _, s := range []Status{StatusOffering, StatusAnswered, StatusEnded, StatusRejected} {
		if s.CanAdvance(next) {
			from = append(from, string(s))
		}
	}
	return from
}

// Validate checks the fields required on every session record.
func (s Session) Validate() error {
	if s.ID == "" {
		return ErrInvalidSession
	}
	if s.WorkspaceID == "" {
		return ErrInvalidSession
	}
	if s.ConversationID == "" {
		return ErrInvalidSession
	}
	if s.Answer != nil && s.Offer == nil {
		return ErrAnswerBeforeOffer
	}
	return nil
}
