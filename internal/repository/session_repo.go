package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"magicwork-backend/internal/models"
)

const maxHistoryLimit = 100

type SessionRepo struct {
	pool *pgxpool.Pool
}

func NewSessionRepo(pool *pgxpool.Pool) *SessionRepo {
	return &SessionRepo{pool: pool}
}

// UpsertActive inserts the session or refreshes the existing row with the
// same session_id. StartedAt is only set on first insert.
func (r *SessionRepo) UpsertActive(ctx context.Context, s *models.ActiveSession) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO active_sessions (
			session_id, user_id, space_name, card_index, card_id,
			video_asset_id, audio_asset_id, started_at, last_heartbeat_at, expires_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (session_id) DO UPDATE SET
			last_heartbeat_at = EXCLUDED.last_heartbeat_at,
			expires_at = EXCLUDED.expires_at,
			space_name = EXCLUDED.space_name,
			card_index = EXCLUDED.card_index,
			user_id = COALESCE(EXCLUDED.user_id, active_sessions.user_id),
			card_id = COALESCE(EXCLUDED.card_id, active_sessions.card_id),
			video_asset_id = COALESCE(EXCLUDED.video_asset_id, active_sessions.video_asset_id),
			audio_asset_id = COALESCE(EXCLUDED.audio_asset_id, active_sessions.audio_asset_id)
	`,
		s.SessionID, s.UserID, s.SpaceName, s.CardIndex, s.CardID,
		s.VideoAssetID, s.AudioAssetID, s.StartedAt, s.LastHeartbeatAt, s.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("upsert active session: %w", err)
	}
	return nil
}

// ExtendActive moves expires_at forward for a live row. It reports false
// when the row is missing or has already expired.
func (r *SessionRepo) ExtendActive(ctx context.Context, sessionID string, heartbeatAt, expiresAt time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE active_sessions
		SET last_heartbeat_at = $2,
			expires_at = $3
		WHERE session_id = $1
		  AND expires_at > $2
	`, sessionID, heartbeatAt, expiresAt)
	if err != nil {
		return false, fmt.Errorf("extend active session: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// CompleteSession records the history row and drops the active row in one
// transaction.
func (r *SessionRepo) CompleteSession(ctx context.Context, rec *models.PracticeSessionRecord) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin complete session: %w", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `
		INSERT INTO practice_sessions (
			session_id, user_id, space_name, card_index, card_id,
			video_asset_id, audio_asset_id, video_url, audio_url,
			duration_seconds, selected_duration_minutes, voice_audio_selected,
			completed, completion_message_shown, started_at, completed_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, TRUE, $13, $14, $15)
		RETURNING id
	`,
		rec.SessionID, rec.UserID, rec.SpaceName, rec.CardIndex, rec.CardID,
		rec.VideoAssetID, rec.AudioAssetID, rec.VideoURL, rec.AudioURL,
		rec.DurationSeconds, rec.SelectedDurationMinutes, rec.VoiceAudioSelected,
		rec.CompletionMessageShown, rec.StartedAt, rec.CompletedAt,
	).Scan(&rec.ID)
	if err != nil {
		return fmt.Errorf("insert practice session: %w", err)
	}
	rec.Completed = true

	if _, err := tx.Exec(ctx, `DELETE FROM active_sessions WHERE session_id = $1`, rec.SessionID); err != nil {
		return fmt.Errorf("delete active session: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit complete session: %w", err)
	}
	return nil
}

// SweepExpired deletes expired rows across every space.
func (r *SessionRepo) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM active_sessions WHERE expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("sweep expired sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *SessionRepo) CountLive(ctx context.Context, spaceName string, cardIndex int, now time.Time) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*)::INTEGER
		FROM active_sessions
		WHERE space_name = $1
		  AND card_index = $2
		  AND expires_at > $3
	`, spaceName, cardIndex, now).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count live sessions: %w", err)
	}
	return count, nil
}

// CountLiveByCard returns counts for cards that have at least one live
// session. Callers zero-fill the rest.
func (r *SessionRepo) CountLiveByCard(ctx context.Context, spaceName string, now time.Time) (map[int]int, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT card_index, COUNT(*)::INTEGER
		FROM active_sessions
		WHERE space_name = $1
		  AND expires_at > $2
		GROUP BY card_index
		ORDER BY card_index
	`, spaceName, now)
	if err != nil {
		return nil, fmt.Errorf("count live sessions by card: %w", err)
	}
	defer rows.Close()

	counts := make(map[int]int)
	for rows.Next() {
		var card, n int
		if err := rows.Scan(&card, &n); err != nil {
			return nil, fmt.Errorf("scan live count: %w", err)
		}
		counts[card] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate live counts: %w", err)
	}
	return counts, nil
}

// ListHistory returns completed sessions newest first.
func (r *SessionRepo) ListHistory(ctx context.Context, f models.HistoryFilter) ([]*models.PracticeSessionRecord, error) {
	limit := f.Limit
	if limit <= 0 || limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, session_id, user_id, space_name, card_index, card_id,
			video_asset_id, audio_asset_id, video_url, audio_url,
			duration_seconds, selected_duration_minutes, voice_audio_selected,
			completed, completion_message_shown, started_at, completed_at
		FROM practice_sessions
		WHERE ($1 = '' OR user_id = $1)
		  AND ($2 = '' OR space_name = $2)
		ORDER BY completed_at DESC
		LIMIT $3
	`, f.UserID, f.SpaceName, limit)
	if err != nil {
		return nil, fmt.Errorf("list practice sessions: %w", err)
	}

	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*models.PracticeSessionRecord, error) {
		rec := &models.PracticeSessionRecord{}
		err := row.Scan(
			&rec.ID, &rec.SessionID, &rec.UserID, &rec.SpaceName, &rec.CardIndex, &rec.CardID,
			&rec.VideoAssetID, &rec.AudioAssetID, &rec.VideoURL, &rec.AudioURL,
			&rec.DurationSeconds, &rec.SelectedDurationMinutes, &rec.VoiceAudioSelected,
			&rec.Completed, &rec.CompletionMessageShown, &rec.StartedAt, &rec.CompletedAt,
		)
		return rec, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan practice sessions: %w", err)
	}
	return records, nil
}

// CountActiveRows counts physical rows for a session regardless of expiry.
func (r *SessionRepo) CountActiveRows(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*)::INTEGER FROM active_sessions WHERE session_id = $1`, sessionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count active rows: %w", err)
	}
	return count, nil
}

// GetActive loads a row regardless of expiry. Returns pgx.ErrNoRows when
// absent.
func (r *SessionRepo) GetActive(ctx context.Context, sessionID string) (*models.ActiveSession, error) {
	s := &models.ActiveSession{}
	err := r.pool.QueryRow(ctx, `
		SELECT session_id, user_id, space_name, card_index, card_id,
			video_asset_id, audio_asset_id, started_at, last_heartbeat_at, expires_at
		FROM active_sessions
		WHERE session_id = $1
	`, sessionID).Scan(
		&s.SessionID, &s.UserID, &s.SpaceName, &s.CardIndex, &s.CardID,
		&s.VideoAssetID, &s.AudioAssetID, &s.StartedAt, &s.LastHeartbeatAt, &s.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Ping is used by the health endpoint.
func (r *SessionRepo) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}
