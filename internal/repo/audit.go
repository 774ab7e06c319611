package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/revisit/server/internal/model"
)

// AppendMatchLog writes one resolution audit row. Durations are stored
// in milliseconds.
func (s *Store) AppendMatchLog(ctx context.Context, entry *model.MatchLog) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO match_logs (id, client_token, identity_id, status, method, confidence, duration_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		entry.ID, entry.ClientToken, entry.IdentityID,
		string(entry.Status), string(entry.Method), entry.Confidence,
		entry.Duration.Milliseconds(), entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert match log: %w", err)
	}
	return nil
}

// ListMatchLogs returns the most recent audit rows, newest first.
func (s *Store) ListMatchLogs(ctx context.Context, limit int) ([]model.MatchLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, client_token, identity_id, status, method, confidence, duration_ms, created_at
		FROM match_logs
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list match logs: %w", err)
	}
	defer rows.Close()

	var out []model.MatchLog
	for rows.Next() {
		var entry model.MatchLog
		var status, method string
		var durationMs int64
		err := rows.Scan(
			&entry.ID, &entry.ClientToken, &entry.IdentityID,
			&status, &method, &entry.Confidence, &durationMs, &entry.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan match log: %w", err)
		}
		entry.Status = model.MatchStatus(status)
		entry.Method = model.MatchMethod(method)
		entry.Duration = time.Duration(durationMs) * time.Millisecond
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate match logs: %w", err)
	}
	return out, nil
}

// ListEvents returns every change event of an identity, newest first.
func (s *Store) ListEvents(ctx context.Context, identityID uuid.UUID) ([]model.ChangeEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, identity_id, profile_id, prev_profile_id, change_type, category, changed_fields, confidence, detected_at
		FROM change_events
		WHERE identity_id = $1
		ORDER BY detected_at DESC
	`, identityID)
	if err != nil {
		return nil, fmt.Errorf("list change events: %w", err)
	}
	defer rows.Close()

	var out []model.ChangeEvent
	for rows.Next() {
		var e model.ChangeEvent
		var changeType, category string
		var fields pq.StringArray
		err := rows.Scan(
			&e.ID, &e.IdentityID, &e.ProfileID, &e.PrevProfileID,
			&changeType, &category, &fields, &e.Confidence, &e.DetectedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan change event: %w", err)
		}
		e.Type = model.ChangeType(changeType)
		e.Category = model.ChangeCategory(category)
		e.ChangedFields = []string(fields)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate change events: %w", err)
	}
	return out, nil
}
