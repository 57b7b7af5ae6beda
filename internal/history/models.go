package history

import "time"

// Record is an immutable, append-only call history entry, written once when
// a call reaches a terminal state.
//
// Invariants:
// - Records are never updated or deleted.
// - workspace_id is required for tenancy isolation.
// - History writes are best-effort; do not block call teardown on them.
//
// Storage recommendation (Postgres):
// - Table call_history with an INSERT-only policy.
// - Optional: partition by time for retention.

type Record struct {
	ID          string `json:"id" db:"id"`
	WorkspaceID string `json:"workspace_id" db:"workspace_id"`

	SessionID      string `json:"session_id" db:"session_id"`
	ConversationID string `json:"conversation_id" db:"conversation_id"`
	CallerName     string `json:"caller_name,omitempty" db:"caller_name"`

	// Role is the role of the peer that wrote this record.
	Role string `json:"role,omitempty" db:"role"`

	Outcome Outcome `json:"outcome" db:"outcome"`

	StartedAt time.Time `json:"started_at" db:"started_at"`
	EndedAt   time.Time `json:"ended_at" db:"ended_at"`
}

// Duration is zero for calls that never connected.
func (r Record) Duration() time.Duration {
	if r.EndedAt.Before(r.StartedAt) {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeRejected  Outcome = "rejected"
	OutcomeMissed    Outcome = "missed"
	OutcomeFailed    Outcome = "failed"
)

func validOutcome(o Outcome) bool {
	switch o {
	case OutcomeCompleted, OutcomeRejected, OutcomeMissed, OutcomeFailed:
		return true
	default:
		return false
	}
}
