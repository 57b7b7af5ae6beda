package history

import (
	"context"
	"database/sql"

	"voicelink/pkg/utils"
)

// PostgresRepo persists call history via database/sql (pgx stdlib driver).
//
// Expected schema:
//
//	CREATE TABLE call_history (
//	    id              UUID PRIMARY KEY,
//	    workspace_id    TEXT NOT NULL,
//	    session_id      TEXT NOT NULL,
//	    conversation_id TEXT NOT NULL,
//	    caller_name     TEXT NOT NULL DEFAULT '',
//	    role            TEXT NOT NULL DEFAULT '',
//	    outcome         TEXT NOT NULL,
//	    started_at      TIMESTAMPTZ NOT NULL,
//	    ended_at        TIMESTAMPTZ NOT NULL
//	);
//	CREATE INDEX call_history_workspace_idx ON call_history (workspace_id, ended_at DESC);

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Append(ctx context.Context, rec Record) error {
	return utils.WithTx(ctx, r.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO call_history
				(id, workspace_id, session_id, conversation_id, caller_name, role, outcome, started_at, ended_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			rec.ID,
			rec.WorkspaceID,
			rec.SessionID,
			rec.ConversationID,
			rec.CallerName,
			rec.Role,
			string(rec.Outcome),
			rec.StartedAt,
			rec.EndedAt,
		)
		return err
	})
}

func (r *PostgresRepo) ListByWorkspace(ctx context.Context, workspaceID string, limit int) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, workspace_id, session_id, conversation_id, caller_name, role, outcome, started_at, ended_at
		FROM call_history
		WHERE workspace_id = $1
		ORDER BY ended_at DESC
		LIMIT $2`,
		workspaceID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var outcome string
		if err := rows.Scan(
			&rec.ID,
			&rec.WorkspaceID,
			&rec.SessionID,
			&rec.ConversationID,
			&rec.CallerName,
			&rec.Role,
			&outcome,
			&rec.StartedAt,
			&rec.EndedAt,
		); err != nil {
			return nil, err
		}
		rec.Outcome = Outcome(outcome)
		out = append(out, rec)
	}
	return out, rows.Err()
}
