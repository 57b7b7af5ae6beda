package history

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for call history.
//
// It MUST be append-only for writes.
// No Update/Delete methods are provided by design.

type Repository interface {
	Append(ctx context.Context, r Record) error
	ListByWorkspace(ctx context.Context, workspaceID string, limit int) ([]Record, error)
}

var ErrInvalidRecord = errors.New("history: invalid record")

// Service records terminal call outcomes.
//
// Callers should treat history logging as best-effort: a failed write is
// logged, not propagated into call teardown.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

func (s *Service) Append(ctx context.Context, r Record) error {
	if s.repo == nil {
		return errors.New("history: repository not configured")
	}
	if r.WorkspaceID == "" || r.SessionID == "" {
		return ErrInvalidRecord
	}
	if !validOutcome(r.Outcome) {
		return ErrInvalidRecord
	}

	now := s.clock().UTC()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.EndedAt.IsZero() {
		r.EndedAt = now
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = r.EndedAt
	}
	return s.repo.Append(ctx, r)
}

func (s *Service) ListByWorkspace(ctx context.Context, workspaceID string, limit int) ([]Record, error) {
	if s.repo == nil {
		return nil, errors.New("history: repository not configured")
	}
	if workspaceID == "" {
		return nil, ErrInvalidRecord
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.repo.ListByWorkspace(ctx, workspaceID, limit)
}
