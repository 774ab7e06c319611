package model

import (
	"time"

	"github.com/google/uuid"
)

// Identity represents one recognized visitor across sessions and devices.
type Identity struct {
	ID           uuid.UUID
	VisitorID    string // opaque external identifier, unique and immutable
	CreatedAt    time.Time
	LastSeenAt   time.Time
	SessionCount int
	DevicesSeen  int
	Active       bool
	Metadata     map[string]string
}

// Fingerprint is the device/environment bundle submitted with a
// resolution request. Hash fields arrive pre-hashed; nil means the
// client did not report the attribute.
type Fingerprint struct {
	CanvasHash   *string
	AudioHash    *string
	WebGLHash    *string
	UserAgent    *string
	Platform     *string
	Language     *string
	Timezone     *string
	ScreenWidth  *int
	ScreenHeight *int
	ColorDepth   *int
	PixelRatio   *float64
	CPUCores     *int
	DeviceMemory *float64
	Fonts        []string
	Plugins      []string
	IPAddress    *string
	Country      *string
	City         *string
}

// DeviceProfile is a snapshot of one device/browser configuration,
// always owned by exactly one Identity. At most one profile per
// identity has Current=true.
type DeviceProfile struct {
	ID          uuid.UUID
	IdentityID  uuid.UUID
	ClientToken string
	SessionID   uuid.UUID
	Fingerprint Fingerprint
	FirstSeenAt time.Time
	LastSeenAt  time.Time
	Current     bool
	VisitCount  int
}

// ChangeType classifies how much a device transition altered.
type ChangeType string

const (
	ChangeNew   ChangeType = "new_device"
	ChangeMinor ChangeType = "minor"
	ChangeMajor ChangeType = "major"
	ChangeReset ChangeType = "reset"
)

// ChangeCategory is the subtype of a device change.
type ChangeCategory string

const (
	CategoryInitialRegistration ChangeCategory = "initial_registration"
	CategoryOSChange            ChangeCategory = "os_change"
	CategoryHardwareChange      ChangeCategory = "hardware_change"
	CategoryScreenChange        ChangeCategory = "screen_change"
	CategoryBrowserUpdate       ChangeCategory = "browser_update"
	CategoryIPChange            ChangeCategory = "ip_change"
	CategoryEnvironmental       ChangeCategory = "environmental_change"
	CategoryDeviceReset         ChangeCategory = "device_reset"
)

// ChangeEvent is an append-only record of one profile transition.
type ChangeEvent struct {
	ID            uuid.UUID
	IdentityID    uuid.UUID
	ProfileID     uuid.UUID
	PrevProfileID *uuid.UUID // nil only for the identity's first event
	Type          ChangeType
	Category      ChangeCategory
	ChangedFields []string
	Confidence    float64
	DetectedAt    time.Time
}

// MatchStatus is the terminal outcome of one resolution attempt.
type MatchStatus string

const (
	StatusRecognized MatchStatus = "recognized"
	StatusRecovered  MatchStatus = "recovered"
	StatusNew        MatchStatus = "new"
	StatusFailed     MatchStatus = "failed"
)

// MatchMethod records which tier of the resolution strategy decided.
type MatchMethod string

const (
	MethodTokenDirect      MatchMethod = "token_direct"
	MethodFingerprintMatch MatchMethod = "fingerprint_match"
	MethodNewUser          MatchMethod = "new_user"
)

// MatchLog is an append-only audit row for every resolution attempt,
// including failures.
type MatchLog struct {
	ID          uuid.UUID
	ClientToken string
	IdentityID  *uuid.UUID // nil when resolution failed
	Status      MatchStatus
	Method      MatchMethod
	Confidence  float64
	Duration    time.Duration
	CreatedAt   time.Time
}
