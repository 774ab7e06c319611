package identity

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/revisit/server/internal/match"
	"github.com/revisit/server/internal/model"
)

func strPtr(s string) *string     { return &s }
func intPtr(i int) *int           { return &i }
func floatPtr(f float64) *float64 { return &f }

func testFingerprint() model.Fingerprint {
	return model.Fingerprint{
		CanvasHash:   strPtr("canvas-abc"),
		AudioHash:    strPtr("audio-def"),
		UserAgent:    strPtr("Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"),
		Platform:     strPtr("Win32"),
		Language:     strPtr("en-US"),
		Timezone:     strPtr("Europe/Berlin"),
		ScreenWidth:  intPtr(1920),
		ScreenHeight: intPtr(1080),
		ColorDepth:   intPtr(24),
		PixelRatio:   floatPtr(1.0),
		CPUCores:     intPtr(8),
		DeviceMemory: floatPtr(8),
		Fonts:        []string{"Arial", "Verdana", "Times"},
		IPAddress:    strPtr("203.0.113.10"),
	}
}

func newTestResolver(t *testing.T) (*Resolver, *MemStore) {
	t.Helper()
	scorer, err := match.NewScorer(match.DefaultConfig())
	require.NoError(t, err)
	store := NewMemStore()
	return NewResolver(store, scorer), store
}

func TestIdentify_validation(t *testing.T) {
	r, store := newTestResolver(t)
	ctx := context.Background()

	_, err := r.Identify(ctx, "", testFingerprint())
	assert.ErrorIs(t, err, ErrMissingToken)

	_, err = r.Identify(ctx, "tok-1", model.Fingerprint{})
	assert.ErrorIs(t, err, ErrEmptyFingerprint)

	assert.Empty(t, store.Logs(), "validation failures must not write match logs")
}

func TestIdentify_newVisitor(t *testing.T) {
	r, store := newTestResolver(t)
	ctx := context.Background()

	res, err := r.Identify(ctx, "tok-1", testFingerprint())
	require.NoError(t, err)

	assert.Equal(t, model.StatusNew, res.Status)
	assert.Equal(t, 1.0, res.Confidence)
	assert.False(t, res.DeviceChanged)
	assert.NotEmpty(t, res.Identity.VisitorID)
	assert.Equal(t, 1, res.Identity.SessionCount)
	assert.Equal(t, 1, res.Identity.DevicesSeen)

	events := store.Events()
	require.Len(t, events, 1)
	assert.Equal(t, model.ChangeNew, events[0].Type)
	assert.Equal(t, model.CategoryInitialRegistration, events[0].Category)
	assert.Empty(t, events[0].ChangedFields)
	assert.Equal(t, 1.0, events[0].Confidence)
	assert.Nil(t, events[0].PrevProfileID)

	logs := store.Logs()
	require.Len(t, logs, 1)
	assert.Equal(t, model.StatusNew, logs[0].Status)
	assert.Equal(t, model.MethodNewUser, logs[0].Method)
	assert.Equal(t, 1.0, logs[0].Confidence)
}

func TestIdentify_repeatVisitSameSession(t *testing.T) {
	r, store := newTestResolver(t)
	ctx := context.Background()
	fp := testFingerprint()

	first, err := r.Identify(ctx, "tok-1", fp)
	require.NoError(t, err)

	second, err := r.Identify(ctx, "tok-1", fp)
	require.NoError(t, err)

	assert.Equal(t, model.StatusRecognized, second.Status)
	assert.Equal(t, 1.0, second.Confidence)
	assert.False(t, second.DeviceChanged)
	assert.Equal(t, first.SessionID, second.SessionID, "unchanged device must keep its session")
	assert.Equal(t, first.Identity.VisitorID, second.Identity.VisitorID)

	profiles := store.Profiles()
	require.Len(t, profiles, 1, "no new profile for an unchanged device")
	assert.Equal(t, 2, profiles[0].VisitCount)

	assert.Len(t, store.Events(), 1, "only the initial event")

	logs := store.Logs()
	require.Len(t, logs, 2)
	assert.Equal(t, model.MethodTokenDirect, logs[1].Method)
}

func TestIdentify_hardwareChange(t *testing.T) {
	r, store := newTestResolver(t)
	ctx := context.Background()

	first, err := r.Identify(ctx, "tok-1", testFingerprint())
	require.NoError(t, err)

	changed := testFingerprint()
	changed.CPUCores = intPtr(4)

	second, err := r.Identify(ctx, "tok-1", changed)
	require.NoError(t, err)

	assert.Equal(t, model.StatusRecognized, second.Status)
	assert.Equal(t, 1.0, second.Confidence, "token match keeps full confidence")
	assert.True(t, second.DeviceChanged)
	require.NotNil(t, second.Change)
	assert.Equal(t, model.ChangeMajor, second.Change.Type)
	assert.Equal(t, model.CategoryHardwareChange, second.Change.Category)
	assert.Contains(t, second.Change.Fields, "cpu_cores")
	assert.Less(t, second.Change.Confidence, 1.0)
	assert.NotEqual(t, first.SessionID, second.SessionID, "a device change issues a new session")

	profiles := store.Profiles()
	require.Len(t, profiles, 2)
	currents := 0
	for _, p := range profiles {
		if p.Current {
			currents++
			assert.Equal(t, intPtr(4), p.Fingerprint.CPUCores)
		}
	}
	assert.Equal(t, 1, currents, "exactly one current profile after supersession")

	assert.Equal(t, 2, second.Identity.SessionCount)
	assert.Equal(t, 2, second.Identity.DevicesSeen)

	events := store.Events()
	require.Len(t, events, 2)
	assert.Equal(t, model.ChangeMajor, events[1].Type)
	assert.NotNil(t, events[1].PrevProfileID)
}

func TestIdentify_recoveryByFingerprint(t *testing.T) {
	r, store := newTestResolver(t)
	ctx := context.Background()

	first, err := r.Identify(ctx, "tok-lost", testFingerprint())
	require.NoError(t, err)

	// Same device, storage cleared: new token, fonts differ so the
	// similarity lands at 0.90 (canvas+audio+hardware+screen).
	recoveredFP := testFingerprint()
	recoveredFP.Fonts = []string{"Courier", "Consolas"}

	res, err := r.Identify(ctx, "tok-new", recoveredFP)
	require.NoError(t, err)

	assert.Equal(t, model.StatusRecovered, res.Status)
	assert.Equal(t, 0.9, res.Confidence)
	assert.True(t, res.DeviceChanged)
	require.NotNil(t, res.Change)
	assert.Equal(t, model.ChangeReset, res.Change.Type)
	assert.Equal(t, model.CategoryDeviceReset, res.Change.Category)
	assert.Equal(t, []string{"client_token"}, res.Change.Fields)
	assert.Equal(t, first.Identity.VisitorID, res.Identity.VisitorID, "recovery must reuse the matched identity")

	logs := store.Logs()
	require.Len(t, logs, 2)
	assert.Equal(t, model.StatusRecovered, logs[1].Status)
	assert.Equal(t, model.MethodFingerprintMatch, logs[1].Method)
	assert.Equal(t, 0.9, logs[1].Confidence)
}

func TestIdentify_noMatchCreatesSecondIdentity(t *testing.T) {
	r, store := newTestResolver(t)
	ctx := context.Background()

	first, err := r.Identify(ctx, "tok-1", testFingerprint())
	require.NoError(t, err)

	other := testFingerprint()
	other.CanvasHash = strPtr("other-canvas")
	other.AudioHash = strPtr("other-audio")

	res, err := r.Identify(ctx, "tok-2", other)
	require.NoError(t, err)

	assert.Equal(t, model.StatusNew, res.Status)
	assert.NotEqual(t, first.Identity.VisitorID, res.Identity.VisitorID)
	assert.Len(t, store.Profiles(), 2)
}

func TestIdentify_idempotentRepeats(t *testing.T) {
	r, store := newTestResolver(t)
	ctx := context.Background()
	fp := testFingerprint()

	for i := 0; i < 5; i++ {
		_, err := r.Identify(ctx, "tok-1", fp)
		require.NoError(t, err)
	}

	assert.Len(t, store.Profiles(), 1, "repeated identical requests must not create profiles")
	assert.Len(t, store.Events(), 1, "only the first call produces a change event")
	assert.Len(t, store.Logs(), 5, "every attempt is audited")
}

func TestIdentify_storeFailure(t *testing.T) {
	r, store := newTestResolver(t)
	ctx := context.Background()

	storeErr := errors.New("connection refused")
	store.FailWith(storeErr)

	_, err := r.Identify(ctx, "tok-1", testFingerprint())
	require.Error(t, err)
	assert.ErrorIs(t, err, storeErr)

	logs := store.Logs()
	require.Len(t, logs, 1, "failures still get a best-effort audit row")
	assert.Equal(t, model.StatusFailed, logs[0].Status)
	assert.Equal(t, 0.0, logs[0].Confidence)
}

// gateStore holds every CreateIdentity call until two resolutions have
// passed their token lookup, forcing both to attempt the insert.
type gateStore struct {
	*MemStore
	arrived *sync.WaitGroup
}

func (g *gateStore) CreateIdentity(ctx context.Context, ident *model.Identity, profile *model.DeviceProfile, event *model.ChangeEvent) error {
	g.arrived.Done()
	g.arrived.Wait()
	return g.MemStore.CreateIdentity(ctx, ident, profile, event)
}

func TestIdentify_concurrentUnknownToken(t *testing.T) {
	scorer, err := match.NewScorer(match.DefaultConfig())
	require.NoError(t, err)

	mem := NewMemStore()
	arrived := &sync.WaitGroup{}
	arrived.Add(2)
	r := NewResolver(&gateStore{MemStore: mem, arrived: arrived}, scorer)

	ctx := context.Background()
	fp := testFingerprint()

	results := make([]*Result, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = r.Identify(ctx, "tok-race", fp)
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	idents := mem.Identities()
	require.Len(t, idents, 1, "racing resolutions must converge on a single identity")
	assert.Len(t, mem.Profiles(), 1)

	statuses := []model.MatchStatus{results[0].Status, results[1].Status}
	assert.ElementsMatch(t, []model.MatchStatus{model.StatusNew, model.StatusRecognized}, statuses)
	assert.Equal(t, results[0].Identity.VisitorID, results[1].Identity.VisitorID)
	assert.Equal(t, idents[0].VisitorID, results[0].Identity.VisitorID)
}
