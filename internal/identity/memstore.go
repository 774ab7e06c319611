package identity

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/revisit/server/internal/model"
)

// MemStore is an in-memory Store used for unit testing resolver logic
// without a running database. Writes are serialized by a single mutex,
// which also stands in for the per-identity transactionality the SQL
// store provides.
type MemStore struct {
	mu         sync.Mutex
	identities map[uuid.UUID]*model.Identity
	profiles   map[uuid.UUID]*model.DeviceProfile
	events     []model.ChangeEvent
	logs       []model.MatchLog
	failWith   error
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		identities: make(map[uuid.UUID]*model.Identity),
		profiles:   make(map[uuid.UUID]*model.DeviceProfile),
	}
}

// FailWith makes every subsequent store call (except AppendMatchLog)
// return err. Pass nil to clear.
func (m *MemStore) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWith = err
}

func (m *MemStore) LookupByToken(_ context.Context, clientToken string) (model.Identity, model.DeviceProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return model.Identity{}, model.DeviceProfile{}, m.failWith
	}

	// same preference as the SQL store: current DESC, last_seen_at DESC
	var found *model.DeviceProfile
	for _, p := range m.profiles {
		if p.ClientToken != clientToken {
			continue
		}
		switch {
		case found == nil:
			found = p
		case p.Current != found.Current:
			if p.Current {
				found = p
			}
		case p.LastSeenAt.After(found.LastSeenAt):
			found = p
		}
	}
	if found == nil {
		return model.Identity{}, model.DeviceProfile{}, ErrNotFound
	}
	ident, ok := m.identities[found.IdentityID]
	if !ok {
		return model.Identity{}, model.DeviceProfile{}, ErrNotFound
	}
	return *ident, *found, nil
}

func (m *MemStore) GetIdentity(_ context.Context, id uuid.UUID) (model.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return model.Identity{}, m.failWith
	}
	ident, ok := m.identities[id]
	if !ok {
		return model.Identity{}, ErrNotFound
	}
	return *ident, nil
}

func (m *MemStore) CandidateProfiles(_ context.Context, canvasHash, audioHash *string, limit int) ([]model.DeviceProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return nil, m.failWith
	}

	var out []model.DeviceProfile
	for _, p := range m.profiles {
		fp := p.Fingerprint
		canvasEq := canvasHash != nil && fp.CanvasHash != nil && *canvasHash == *fp.CanvasHash
		audioEq := audioHash != nil && fp.AudioHash != nil && *audioHash == *fp.AudioHash
		if canvasEq || audioEq {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeenAt.After(out[j].LastSeenAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemStore) CreateIdentity(_ context.Context, ident *model.Identity, profile *model.DeviceProfile, event *model.ChangeEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	if m.hasCurrentToken(profile.ClientToken, ident.ID) {
		return ErrDuplicateToken
	}

	identCopy := *ident
	profileCopy := *profile
	m.identities[ident.ID] = &identCopy
	m.profiles[profile.ID] = &profileCopy
	eventCopy := *event
	eventCopy.ID = uuid.New()
	m.events = append(m.events, eventCopy)
	return nil
}

func (m *MemStore) AttachProfile(_ context.Context, identityID uuid.UUID, profile *model.DeviceProfile, event *model.ChangeEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}

	ident, ok := m.identities[identityID]
	if !ok {
		return ErrNotFound
	}
	if m.hasCurrentToken(profile.ClientToken, identityID) {
		return ErrDuplicateToken
	}
	for _, p := range m.profiles {
		if p.IdentityID == identityID {
			p.Current = false
		}
	}
	profileCopy := *profile
	m.profiles[profile.ID] = &profileCopy

	eventCopy := *event
	eventCopy.ID = uuid.New()
	m.events = append(m.events, eventCopy)

	ident.SessionCount++
	ident.LastSeenAt = profile.LastSeenAt
	devices := 0
	for _, p := range m.profiles {
		if p.IdentityID == identityID {
			devices++
		}
	}
	ident.DevicesSeen = devices
	return nil
}

func (m *MemStore) TouchProfile(_ context.Context, profileID uuid.UUID, seenAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}

	p, ok := m.profiles[profileID]
	if !ok {
		return ErrNotFound
	}
	p.VisitCount++
	p.LastSeenAt = seenAt
	if ident, ok := m.identities[p.IdentityID]; ok {
		ident.LastSeenAt = seenAt
	}
	return nil
}

// hasCurrentToken mirrors the one-current-profile-per-token unique
// index: a current profile for the token under any other identity
// blocks the write. The caller must hold m.mu.
func (m *MemStore) hasCurrentToken(clientToken string, identityID uuid.UUID) bool {
	for _, p := range m.profiles {
		if p.Current && p.ClientToken == clientToken && p.IdentityID != identityID {
			return true
		}
	}
	return false
}

// AppendMatchLog always succeeds so failure-path tests can still
// observe their audit rows.
func (m *MemStore) AppendMatchLog(_ context.Context, entry *model.MatchLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, *entry)
	return nil
}

// Identities returns a copy of every stored identity for assertions.
func (m *MemStore) Identities() []model.Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Identity, 0, len(m.identities))
	for _, ident := range m.identities {
		out = append(out, *ident)
	}
	return out
}

// Events returns a copy of the recorded change events in append order.
func (m *MemStore) Events() []model.ChangeEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.ChangeEvent(nil), m.events...)
}

// Logs returns a copy of the recorded match logs in append order.
func (m *MemStore) Logs() []model.MatchLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.MatchLog(nil), m.logs...)
}

// Profiles returns a copy of every stored profile for assertions.
func (m *MemStore) Profiles() []model.DeviceProfile {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.DeviceProfile, 0, len(m.profiles))
	for _, p := range m.profiles {
		out = append(out, *p)
	}
	return out
}
