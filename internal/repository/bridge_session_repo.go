package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/casa-bonita/backend/internal/model"
)

// BridgeSessionRepository stores the audit trail of bridge sessions.
type BridgeSessionRepository struct {
	db *sql.DB
}

// NewBridgeSessionRepository creates a new BridgeSessionRepository.
func NewBridgeSessionRepository(db *sql.DB) *BridgeSessionRepository {
	return &BridgeSessionRepository{db: db}
}

const bridgeSessionColumns = `id, user_id, remote_addr, status, authenticated, frames_up, frames_down, close_code, close_reason, started_at, ended_at`

// Open inserts a record for a session that has just been upgraded.
func (r *BridgeSessionRepository) Open(ctx context.Context, session *model.BridgeSession) error {
	query := `
		INSERT INTO bridge_sessions (id, user_id, remote_addr, status, started_at)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, query,
		session.ID,
		session.UserID,
		session.RemoteAddr,
		model.BridgeSessionStatusOpen,
		session.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create bridge session: %w", err)
	}

	return nil
}

// Close marks a session closed and stores its final counters.
func (r *BridgeSessionRepository) Close(ctx context.Context, id string, final model.BridgeSessionClose) error {
	query := `
		UPDATE bridge_sessions
		SET status = ?, authenticated = ?, frames_up = ?, frames_down = ?, close_code = ?, close_reason = ?, ended_at = ?
		WHERE id = ?
	`

	result, err := r.db.ExecContext(ctx, query,
		model.BridgeSessionStatusClosed,
		final.Authenticated,
		final.FramesUp,
		final.FramesDown,
		final.CloseCode,
		final.CloseReason,
		final.EndedAt,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to close bridge session: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return model.ErrBridgeSessionNotFound
	}

	return nil
}

// GetByID retrieves a bridge session by its ID.
func (r *BridgeSessionRepository) GetByID(ctx context.Context, id string) (*model.BridgeSession, error) {
	query := `SELECT ` + bridgeSessionColumns + ` FROM bridge_sessions WHERE id = ?`

	session, err := scanBridgeSession(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrBridgeSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get bridge session: %w", err)
	}
	return session, nil
}

// ListRecent returns the most recently started sessions, newest first.
func (r *BridgeSessionRepository) ListRecent(ctx context.Context, limit int) ([]*model.BridgeSession, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + bridgeSessionColumns + ` FROM bridge_sessions ORDER BY started_at DESC LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list bridge sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*model.BridgeSession
	for rows.Next() {
		session, err := scanBridgeSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan bridge session: %w", err)
		}
		sessions = append(sessions, session)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating bridge sessions: %w", err)
	}

	return sessions, nil
}

// CountOpen returns the number of sessions not yet closed.
func (r *BridgeSessionRepository) CountOpen(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM bridge_sessions WHERE status = ?`,
		model.BridgeSessionStatusOpen,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count open bridge sessions: %w", err)
	}
	return count, nil
}

// MarkAllClosed closes records left open by a previous process.
func (r *BridgeSessionRepository) MarkAllClosed(ctx context.Context, reason string) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE bridge_sessions SET status = ?, close_reason = ? WHERE status = ?`,
		model.BridgeSessionStatusClosed, reason, model.BridgeSessionStatusOpen,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to close stale bridge sessions: %w", err)
	}
	return result.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBridgeSession(row rowScanner) (*model.BridgeSession, error) {
	session := &model.BridgeSession{}
	var closeCode sql.NullInt64
	var closeReason sql.NullString
	var endedAt sql.NullTime

	err := row.Scan(
		&session.ID,
		&session.UserID,
		&session.RemoteAddr,
		&session.Status,
		&session.Authenticated,
		&session.FramesUp,
		&session.FramesDown,
		&closeCode,
		&closeReason,
		&session.StartedAt,
		&endedAt,
	)
	if err != nil {
		return nil, err
	}

	if closeCode.Valid {
		code := int(closeCode.Int64)
		session.CloseCode = &code
	}
	if closeReason.Valid {
		session.CloseReason = closeReason.String
	}
	if endedAt.Valid {
		t := endedAt.Time
		session.EndedAt = &t
	}

	return session, nil
}
