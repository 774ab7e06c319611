package identity

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/revisit/server/internal/match"
	"github.com/revisit/server/internal/model"
)

// CandidateLimit bounds the fingerprint candidate search to the most
// recently seen profiles.
const CandidateLimit = 10

var (
	// ErrNotFound is returned by Store lookups that matched nothing.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateToken is returned by Store writes that would register
	// a second current profile for the same client token. The resolver
	// treats it as losing a race and re-resolves via the token path.
	ErrDuplicateToken = errors.New("client token already registered")

	// ErrMissingToken rejects a resolution request without a client token.
	ErrMissingToken = errors.New("client token is required")

	// ErrEmptyFingerprint rejects a resolution request whose fingerprint
	// carries no attributes at all.
	ErrEmptyFingerprint = errors.New("fingerprint payload is required")
)

// Store is the persistence contract the resolver drives. Write methods
// marked atomic must apply all their effects in one transaction.
type Store interface {
	// LookupByToken returns the identity owning the given client token
	// together with its most recently active profile, or ErrNotFound.
	LookupByToken(ctx context.Context, clientToken string) (model.Identity, model.DeviceProfile, error)

	// GetIdentity returns one identity by row ID, or ErrNotFound.
	GetIdentity(ctx context.Context, id uuid.UUID) (model.Identity, error)

	// CandidateProfiles returns up to limit profiles sharing the canvas
	// or audio hash, most recently seen first, across all identities.
	CandidateProfiles(ctx context.Context, canvasHash, audioHash *string, limit int) ([]model.DeviceProfile, error)

	// CreateIdentity atomically inserts a new identity, its initial
	// profile, and the initial_registration change event.
	CreateIdentity(ctx context.Context, ident *model.Identity, profile *model.DeviceProfile, event *model.ChangeEvent) error

	// AttachProfile atomically clears the identity's current profile
	// flag, inserts the new current profile, appends the change event,
	// and refreshes the identity's counters and last-seen time.
	AttachProfile(ctx context.Context, identityID uuid.UUID, profile *model.DeviceProfile, event *model.ChangeEvent) error

	// TouchProfile bumps the profile's visit counter and last-seen time
	// along with the owning identity's last-seen time.
	TouchProfile(ctx context.Context, profileID uuid.UUID, seenAt time.Time) error

	// AppendMatchLog writes one audit row; append-only.
	AppendMatchLog(ctx context.Context, entry *model.MatchLog) error
}

// ChangeSummary describes the device transition a resolution recorded.
type ChangeSummary struct {
	Type       model.ChangeType
	Category   model.ChangeCategory
	Fields     []string
	Confidence float64
}

// Result is the outcome of one resolution.
type Result struct {
	Identity      model.Identity
	SessionID     uuid.UUID
	Status        model.MatchStatus
	Confidence    float64
	DeviceChanged bool
	Change        *ChangeSummary
}

// Resolver implements the three-tier resolution strategy: direct token
// match, fingerprint recovery, new-identity creation.
type Resolver struct {
	store  Store
	scorer *match.Scorer
}

// NewResolver wires the resolver with its store and scorer.
func NewResolver(store Store, scorer *match.Scorer) *Resolver {
	return &Resolver{store: store, scorer: scorer}
}

// Identify resolves one (clientToken, fingerprint) observation to an
// identity. Validation failures return before any audit write; store
// failures surface to the caller after a best-effort failed MatchLog.
func (r *Resolver) Identify(ctx context.Context, clientToken string, fp model.Fingerprint) (*Result, error) {
	if clientToken == "" {
		return nil, ErrMissingToken
	}
	if isEmptyFingerprint(fp) {
		return nil, ErrEmptyFingerprint
	}

	start := time.Now()

	ident, profile, err := r.store.LookupByToken(ctx, clientToken)
	switch {
	case err == nil:
		return r.resolveToken(ctx, start, clientToken, ident, profile, fp)
	case errors.Is(err, ErrNotFound):
		return r.resolveByFingerprint(ctx, start, clientToken, fp)
	default:
		r.logFailure(ctx, start, clientToken, model.MethodTokenDirect)
		return nil, fmt.Errorf("lookup by token: %w", err)
	}
}

// resolveToken handles the TOKEN_MATCHED branch.
func (r *Resolver) resolveToken(ctx context.Context, start time.Time, clientToken string, ident model.Identity, profile model.DeviceProfile, fp model.Fingerprint) (*Result, error) {
	changed := match.DetectChanges(profile.Fingerprint, fp)

	if len(changed) == 0 {
		now := time.Now()
		if err := r.store.TouchProfile(ctx, profile.ID, now); err != nil {
			r.logFailure(ctx, start, clientToken, model.MethodTokenDirect)
			return nil, fmt.Errorf("touch profile: %w", err)
		}
		ident.LastSeenAt = now

		r.audit(ctx, &model.MatchLog{
			ClientToken: clientToken,
			IdentityID:  &ident.ID,
			Status:      model.StatusRecognized,
			Method:      model.MethodTokenDirect,
			Confidence:  1.0,
			Duration:    time.Since(start),
		})
		return &Result{
			Identity:   ident,
			SessionID:  profile.SessionID,
			Status:     model.StatusRecognized,
			Confidence: 1.0,
		}, nil
	}

	cls := r.scorer.ClassifyChange(profile.Fingerprint, fp)

	newProfile := newProfile(ident.ID, clientToken, fp)
	event := &model.ChangeEvent{
		IdentityID:    ident.ID,
		ProfileID:     newProfile.ID,
		PrevProfileID: &profile.ID,
		Type:          cls.Type,
		Category:      cls.Category,
		ChangedFields: changed,
		Confidence:    cls.Confidence,
		DetectedAt:    newProfile.FirstSeenAt,
	}
	if err := r.store.AttachProfile(ctx, ident.ID, newProfile, event); err != nil {
		r.logFailure(ctx, start, clientToken, model.MethodTokenDirect)
		return nil, fmt.Errorf("supersede profile: %w", err)
	}

	ident, err := r.store.GetIdentity(ctx, ident.ID)
	if err != nil {
		r.logFailure(ctx, start, clientToken, model.MethodTokenDirect)
		return nil, fmt.Errorf("reload identity: %w", err)
	}

	// MatchLog keeps the token-match certainty; the classification
	// confidence lives on the ChangeEvent.
	r.audit(ctx, &model.MatchLog{
		ClientToken: clientToken,
		IdentityID:  &ident.ID,
		Status:      model.StatusRecognized,
		Method:      model.MethodTokenDirect,
		Confidence:  1.0,
		Duration:    time.Since(start),
	})
	return &Result{
		Identity:      ident,
		SessionID:     newProfile.SessionID,
		Status:        model.StatusRecognized,
		Confidence:    1.0,
		DeviceChanged: true,
		Change: &ChangeSummary{
			Type:       cls.Type,
			Category:   cls.Category,
			Fields:     changed,
			Confidence: cls.Confidence,
		},
	}, nil
}

// resolveByFingerprint handles FINGERPRINT_SEARCH and, failing that,
// NEW_IDENTITY.
func (r *Resolver) resolveByFingerprint(ctx context.Context, start time.Time, clientToken string, fp model.Fingerprint) (*Result, error) {
	var candidates []model.DeviceProfile
	if fp.CanvasHash != nil || fp.AudioHash != nil {
		var err error
		candidates, err = r.store.CandidateProfiles(ctx, fp.CanvasHash, fp.AudioHash, CandidateLimit)
		if err != nil {
			r.logFailure(ctx, start, clientToken, model.MethodFingerprintMatch)
			return nil, fmt.Errorf("candidate search: %w", err)
		}
	}

	best, sim, ok := r.scorer.FindBestMatch(fp, candidates)
	if !ok {
		return r.createIdentity(ctx, start, clientToken, fp)
	}
	matched := candidates[best]

	newProfile := newProfile(matched.IdentityID, clientToken, fp)
	event := &model.ChangeEvent{
		IdentityID:    matched.IdentityID,
		ProfileID:     newProfile.ID,
		PrevProfileID: &matched.ID,
		Type:          model.ChangeReset,
		Category:      model.CategoryDeviceReset,
		ChangedFields: []string{match.FieldClientToken},
		Confidence:    sim.TotalScore,
		DetectedAt:    newProfile.FirstSeenAt,
	}
	if err := r.store.AttachProfile(ctx, matched.IdentityID, newProfile, event); err != nil {
		if errors.Is(err, ErrDuplicateToken) {
			return r.retryAsTokenMatch(ctx, start, clientToken, fp, err)
		}
		r.logFailure(ctx, start, clientToken, model.MethodFingerprintMatch)
		return nil, fmt.Errorf("attach recovered profile: %w", err)
	}

	ident, err := r.store.GetIdentity(ctx, matched.IdentityID)
	if err != nil {
		r.logFailure(ctx, start, clientToken, model.MethodFingerprintMatch)
		return nil, fmt.Errorf("reload identity: %w", err)
	}

	r.audit(ctx, &model.MatchLog{
		ClientToken: clientToken,
		IdentityID:  &ident.ID,
		Status:      model.StatusRecovered,
		Method:      model.MethodFingerprintMatch,
		Confidence:  sim.TotalScore,
		Duration:    time.Since(start),
	})
	return &Result{
		Identity:      ident,
		SessionID:     newProfile.SessionID,
		Status:        model.StatusRecovered,
		Confidence:    sim.TotalScore,
		DeviceChanged: true,
		Change: &ChangeSummary{
			Type:       model.ChangeReset,
			Category:   model.CategoryDeviceReset,
			Fields:     []string{match.FieldClientToken},
			Confidence: sim.TotalScore,
		},
	}, nil
}

// createIdentity handles the NEW_IDENTITY branch.
func (r *Resolver) createIdentity(ctx context.Context, start time.Time, clientToken string, fp model.Fingerprint) (*Result, error) {
	now := time.Now()
	ident := &model.Identity{
		ID:           uuid.New(),
		VisitorID:    uuid.NewString(),
		CreatedAt:    now,
		LastSeenAt:   now,
		SessionCount: 1,
		DevicesSeen:  1,
		Active:       true,
	}
	profile := newProfile(ident.ID, clientToken, fp)
	event := &model.ChangeEvent{
		IdentityID:    ident.ID,
		ProfileID:     profile.ID,
		Type:          model.ChangeNew,
		Category:      model.CategoryInitialRegistration,
		ChangedFields: []string{},
		Confidence:    1.0,
		DetectedAt:    now,
	}
	if err := r.store.CreateIdentity(ctx, ident, profile, event); err != nil {
		if errors.Is(err, ErrDuplicateToken) {
			return r.retryAsTokenMatch(ctx, start, clientToken, fp, err)
		}
		r.logFailure(ctx, start, clientToken, model.MethodNewUser)
		return nil, fmt.Errorf("create identity: %w", err)
	}

	r.audit(ctx, &model.MatchLog{
		ClientToken: clientToken,
		IdentityID:  &ident.ID,
		Status:      model.StatusNew,
		Method:      model.MethodNewUser,
		Confidence:  1.0,
		Duration:    time.Since(start),
	})
	return &Result{
		Identity:   *ident,
		SessionID:  profile.SessionID,
		Status:     model.StatusNew,
		Confidence: 1.0,
	}, nil
}

// retryAsTokenMatch re-resolves after losing the registration race for
// a client token: a concurrent request committed a current profile for
// the same token between our lookup and our write, so the token lookup
// now succeeds and the request resolves as a direct match.
func (r *Resolver) retryAsTokenMatch(ctx context.Context, start time.Time, clientToken string, fp model.Fingerprint, raceErr error) (*Result, error) {
	ident, profile, err := r.store.LookupByToken(ctx, clientToken)
	if err != nil {
		r.logFailure(ctx, start, clientToken, model.MethodTokenDirect)
		return nil, fmt.Errorf("re-lookup after token race (%v): %w", raceErr, err)
	}
	return r.resolveToken(ctx, start, clientToken, ident, profile, fp)
}

// audit appends one MatchLog row. Audit failures are logged, never
// escalated: a broken audit write must not fail a resolution.
func (r *Resolver) audit(ctx context.Context, entry *model.MatchLog) {
	entry.ID = uuid.New()
	entry.CreatedAt = time.Now()
	if err := r.store.AppendMatchLog(ctx, entry); err != nil {
		log.Printf("match log append failed (status=%s token=%s): %v", entry.Status, truncateToken(entry.ClientToken), err)
	}
}

func (r *Resolver) logFailure(ctx context.Context, start time.Time, clientToken string, method model.MatchMethod) {
	r.audit(ctx, &model.MatchLog{
		ClientToken: clientToken,
		Status:      model.StatusFailed,
		Method:      method,
		Confidence:  0,
		Duration:    time.Since(start),
	})
}

func newProfile(identityID uuid.UUID, clientToken string, fp model.Fingerprint) *model.DeviceProfile {
	now := time.Now()
	return &model.DeviceProfile{
		ID:          uuid.New(),
		IdentityID:  identityID,
		ClientToken: clientToken,
		SessionID:   uuid.New(),
		Fingerprint: fp,
		FirstSeenAt: now,
		LastSeenAt:  now,
		Current:     true,
		VisitCount:  1,
	}
}

func isEmptyFingerprint(fp model.Fingerprint) bool {
	return fp.CanvasHash == nil && fp.AudioHash == nil && fp.WebGLHash == nil &&
		fp.UserAgent == nil && fp.Platform == nil && fp.Language == nil &&
		fp.Timezone == nil && fp.ScreenWidth == nil && fp.ScreenHeight == nil &&
		fp.ColorDepth == nil && fp.PixelRatio == nil && fp.CPUCores == nil &&
		fp.DeviceMemory == nil && len(fp.Fonts) == 0 && len(fp.Plugins) == 0 &&
		fp.IPAddress == nil
}

// truncateToken shortens a client token for logging, keeping only a
// recognizable prefix.
func truncateToken(token string) string {
	if len(token) <= 8 {
		return token
	}
	return token[:8] + "…"
}
