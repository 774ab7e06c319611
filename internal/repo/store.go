package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/revisit/server/internal/identity"
	"github.com/revisit/server/internal/model"
)

// profileColumns is the canonical column list for device_profiles
// selects, kept in one place so every scan stays in sync.
const profileColumns = `
	id, identity_id, client_token, session_id,
	canvas_hash, audio_hash, webgl_hash,
	user_agent, platform, language, timezone,
	screen_width, screen_height, color_depth, pixel_ratio,
	cpu_cores, device_memory, fonts, plugins,
	ip_address, country, city,
	first_seen_at, last_seen_at, current, visit_count`

// Store is the Postgres implementation of identity.Store.
type Store struct {
	db *sql.DB
}

// NewStore creates a Postgres-backed store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

var _ identity.Store = (*Store)(nil)

// LookupByToken returns the identity and most recently active profile
// for a client token.
func (s *Store) LookupByToken(ctx context.Context, clientToken string) (model.Identity, model.DeviceProfile, error) {
	query := `
		SELECT ` + profileColumns + `
		FROM device_profiles
		WHERE client_token = $1
		ORDER BY current DESC, last_seen_at DESC
		LIMIT 1
	`
	profile, err := scanProfile(s.db.QueryRowContext(ctx, query, clientToken))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Identity{}, model.DeviceProfile{}, identity.ErrNotFound
		}
		return model.Identity{}, model.DeviceProfile{}, fmt.Errorf("lookup profile by token: %w", err)
	}

	ident, err := s.GetIdentity(ctx, profile.IdentityID)
	if err != nil {
		return model.Identity{}, model.DeviceProfile{}, err
	}
	return ident, profile, nil
}

// GetIdentity returns one identity row by ID.
func (s *Store) GetIdentity(ctx context.Context, id uuid.UUID) (model.Identity, error) {
	query := `
		SELECT id, visitor_id, created_at, last_seen_at, session_count, devices_seen, active
		FROM identities
		WHERE id = $1
	`
	var ident model.Identity
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&ident.ID,
		&ident.VisitorID,
		&ident.CreatedAt,
		&ident.LastSeenAt,
		&ident.SessionCount,
		&ident.DevicesSeen,
		&ident.Active,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Identity{}, identity.ErrNotFound
		}
		return model.Identity{}, fmt.Errorf("query identity: %w", err)
	}
	return ident, nil
}

// GetIdentityByVisitorID returns one identity by its external visitor ID.
func (s *Store) GetIdentityByVisitorID(ctx context.Context, visitorID string) (model.Identity, error) {
	query := `
		SELECT id, visitor_id, created_at, last_seen_at, session_count, devices_seen, active
		FROM identities
		WHERE visitor_id = $1
	`
	var ident model.Identity
	err := s.db.QueryRowContext(ctx, query, visitorID).Scan(
		&ident.ID,
		&ident.VisitorID,
		&ident.CreatedAt,
		&ident.LastSeenAt,
		&ident.SessionCount,
		&ident.DevicesSeen,
		&ident.Active,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Identity{}, identity.ErrNotFound
		}
		return model.Identity{}, fmt.Errorf("query identity by visitor id: %w", err)
	}
	return ident, nil
}

// CandidateProfiles returns up to limit profiles sharing the canvas or
// audio hash, most recently seen first.
func (s *Store) CandidateProfiles(ctx context.Context, canvasHash, audioHash *string, limit int) ([]model.DeviceProfile, error) {
	query := `
		SELECT ` + profileColumns + `
		FROM device_profiles
		WHERE (canvas_hash IS NOT NULL AND canvas_hash = $1)
		   OR (audio_hash IS NOT NULL AND audio_hash = $2)
		ORDER BY last_seen_at DESC
		LIMIT $3
	`
	rows, err := s.db.QueryContext(ctx, query, canvasHash, audioHash, limit)
	if err != nil {
		return nil, fmt.Errorf("candidate search: %w", err)
	}
	defer rows.Close()

	var out []model.DeviceProfile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate candidates: %w", err)
	}
	return out, nil
}

// ListProfiles returns every profile of an identity, newest first.
func (s *Store) ListProfiles(ctx context.Context, identityID uuid.UUID) ([]model.DeviceProfile, error) {
	query := `
		SELECT ` + profileColumns + `
		FROM device_profiles
		WHERE identity_id = $1
		ORDER BY first_seen_at DESC
	`
	rows, err := s.db.QueryContext(ctx, query, identityID)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer rows.Close()

	var out []model.DeviceProfile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate profiles: %w", err)
	}
	return out, nil
}

// CreateIdentity inserts a new identity, its initial profile, and the
// initial change event in one transaction.
func (s *Store) CreateIdentity(ctx context.Context, ident *model.Identity, profile *model.DeviceProfile, event *model.ChangeEvent) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO identities (id, visitor_id, created_at, last_seen_at, session_count, devices_seen, active)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, ident.ID, ident.VisitorID, ident.CreatedAt, ident.LastSeenAt, ident.SessionCount, ident.DevicesSeen, ident.Active)
		if err != nil {
			return fmt.Errorf("insert identity: %w", err)
		}
		if err := insertProfile(ctx, tx, profile); err != nil {
			return err
		}
		return insertEvent(ctx, tx, event)
	})
}

// AttachProfile supersedes the identity's current profile with a new
// one, appends the change event, and refreshes the identity counters,
// all in one transaction. The identity row is locked first so two
// concurrent writers cannot both hand over the current flag.
func (s *Store) AttachProfile(ctx context.Context, identityID uuid.UUID, profile *model.DeviceProfile, event *model.ChangeEvent) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var locked uuid.UUID
		err := tx.QueryRowContext(ctx, `
			SELECT id FROM identities WHERE id = $1 FOR UPDATE
		`, identityID).Scan(&locked)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return identity.ErrNotFound
			}
			return fmt.Errorf("lock identity: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE device_profiles SET current = FALSE
			WHERE identity_id = $1 AND current
		`, identityID)
		if err != nil {
			return fmt.Errorf("clear current profile: %w", err)
		}

		if err := insertProfile(ctx, tx, profile); err != nil {
			return err
		}
		if err := insertEvent(ctx, tx, event); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE identities
			SET session_count = session_count + 1,
			    devices_seen = (SELECT COUNT(*) FROM device_profiles WHERE identity_id = $1),
			    last_seen_at = $2
			WHERE id = $1
		`, identityID, profile.LastSeenAt)
		if err != nil {
			return fmt.Errorf("update identity counters: %w", err)
		}
		return nil
	})
}

// TouchProfile bumps visit count and last-seen on the profile and its
// owning identity.
func (s *Store) TouchProfile(ctx context.Context, profileID uuid.UUID, seenAt time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE device_profiles
		SET visit_count = visit_count + 1, last_seen_at = $2
		WHERE id = $1
	`, profileID, seenAt)
	if err != nil {
		return fmt.Errorf("touch profile: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return identity.ErrNotFound
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE identities SET last_seen_at = $2
		WHERE id = (SELECT identity_id FROM device_profiles WHERE id = $1)
	`, profileID, seenAt)
	if err != nil {
		return fmt.Errorf("touch identity: %w", err)
	}
	return nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func insertProfile(ctx context.Context, tx *sql.Tx, p *model.DeviceProfile) error {
	fp := p.Fingerprint
	_, err := tx.ExecContext(ctx, `
		INSERT INTO device_profiles (
			id, identity_id, client_token, session_id,
			canvas_hash, audio_hash, webgl_hash,
			user_agent, platform, language, timezone,
			screen_width, screen_height, color_depth, pixel_ratio,
			cpu_cores, device_memory, fonts, plugins,
			ip_address, country, city,
			first_seen_at, last_seen_at, current, visit_count
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
			$14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26
		)
	`,
		p.ID, p.IdentityID, p.ClientToken, p.SessionID,
		fp.CanvasHash, fp.AudioHash, fp.WebGLHash,
		fp.UserAgent, fp.Platform, fp.Language, fp.Timezone,
		fp.ScreenWidth, fp.ScreenHeight, fp.ColorDepth, fp.PixelRatio,
		fp.CPUCores, fp.DeviceMemory, pq.Array(fp.Fonts), pq.Array(fp.Plugins),
		fp.IPAddress, fp.Country, fp.City,
		p.FirstSeenAt, p.LastSeenAt, p.Current, p.VisitCount,
	)
	if err != nil {
		if isCurrentTokenConflict(err) {
			return fmt.Errorf("insert profile: %w", identity.ErrDuplicateToken)
		}
		return fmt.Errorf("insert profile: %w", err)
	}
	return nil
}

// isCurrentTokenConflict reports a unique violation on the
// one-current-profile-per-token index, i.e. a concurrent resolution
// registered the same client token first.
func isCurrentTokenConflict(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505" && pqErr.Constraint == "device_profiles_current_token"
	}
	return false
}

func insertEvent(ctx context.Context, tx *sql.Tx, e *model.ChangeEvent) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO change_events (
			id, identity_id, profile_id, prev_profile_id,
			change_type, category, changed_fields, confidence, detected_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		e.ID, e.IdentityID, e.ProfileID, e.PrevProfileID,
		string(e.Type), string(e.Category), pq.Array(e.ChangedFields), e.Confidence, e.DetectedAt,
	)
	if err != nil {
		return fmt.Errorf("insert change event: %w", err)
	}
	return nil
}

// rowScanner lets scanProfile work with both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanProfile(row rowScanner) (model.DeviceProfile, error) {
	var p model.DeviceProfile
	fp := &p.Fingerprint
	var fonts, plugins pq.StringArray

	err := row.Scan(
		&p.ID, &p.IdentityID, &p.ClientToken, &p.SessionID,
		&fp.CanvasHash, &fp.AudioHash, &fp.WebGLHash,
		&fp.UserAgent, &fp.Platform, &fp.Language, &fp.Timezone,
		&fp.ScreenWidth, &fp.ScreenHeight, &fp.ColorDepth, &fp.PixelRatio,
		&fp.CPUCores, &fp.DeviceMemory, &fonts, &plugins,
		&fp.IPAddress, &fp.Country, &fp.City,
		&p.FirstSeenAt, &p.LastSeenAt, &p.Current, &p.VisitCount,
	)
	if err != nil {
		return model.DeviceProfile{}, err
	}
	fp.Fonts = []string(fonts)
	fp.Plugins = []string(plugins)
	return p, nil
}
