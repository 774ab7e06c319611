package match

import (
	"strings"

	"github.com/revisit/server/internal/model"
)

// Classification labels one profile transition.
type Classification struct {
	Type       model.ChangeType
	Category   model.ChangeCategory
	Confidence float64
}

// classifyRule pairs a change predicate with the classification it
// produces. Rules are evaluated in order; the first predicate that
// fires wins, so precedence lives in the table, not in control flow.
type classifyRule struct {
	applies  func(prev, curr model.Fingerprint) bool
	changeT  model.ChangeType
	category model.ChangeCategory
}

var classifyRules = []classifyRule{
	{
		applies: func(p, c model.Fingerprint) bool {
			return !eqStr(p.Platform, c.Platform)
		},
		changeT:  model.ChangeMajor,
		category: model.CategoryOSChange,
	},
	{
		applies: func(p, c model.Fingerprint) bool {
			return !eqInt(p.CPUCores, c.CPUCores) || !eqFloat(p.DeviceMemory, c.DeviceMemory)
		},
		changeT:  model.ChangeMajor,
		category: model.CategoryHardwareChange,
	},
	{
		applies: func(p, c model.Fingerprint) bool {
			return !eqInt(p.ScreenWidth, c.ScreenWidth) || !eqInt(p.ScreenHeight, c.ScreenHeight)
		},
		changeT:  model.ChangeMinor,
		category: model.CategoryScreenChange,
	},
	{
		applies:  isBrowserUpdate,
		changeT:  model.ChangeMinor,
		category: model.CategoryBrowserUpdate,
	},
	{
		applies: func(p, c model.Fingerprint) bool {
			return !eqStr(p.IPAddress, c.IPAddress)
		},
		changeT:  model.ChangeMinor,
		category: model.CategoryIPChange,
	},
}

// ClassifyChange labels the transition from prev to curr. The caller
// only invokes this when DetectChanges reported a non-empty diff, so
// the catch-all environmental_change category is reachable. Confidence
// is the similarity total between the two fingerprints.
func (s *Scorer) ClassifyChange(prev, curr model.Fingerprint) Classification {
	confidence := s.CalculateSimilarity(prev, curr).TotalScore

	for _, rule := range classifyRules {
		if rule.applies(prev, curr) {
			return Classification{Type: rule.changeT, Category: rule.category, Confidence: confidence}
		}
	}
	return Classification{
		Type:       model.ChangeMinor,
		Category:   model.CategoryEnvironmental,
		Confidence: confidence,
	}
}

// browserSignature maps a user-agent product token to a browser name.
// Order matters: Chrome UAs also contain "Safari/", and Edge/Opera UAs
// contain "Chrome/", so the more specific tokens come first.
type browserSignature struct {
	token string
	name  string
}

var browserSignatures = []browserSignature{
	{"Edg/", "Edge"},
	{"OPR/", "Opera"},
	{"Opera/", "Opera"},
	{"Firefox/", "Firefox"},
	{"Chrome/", "Chrome"},
	{"Safari/", "Safari"},
}

// ParseBrowser extracts a browser name and version from a user-agent
// string with a product/version token scan. Unrecognized agents report
// ("Unknown", "0").
func ParseBrowser(userAgent string) (name, version string) {
	for _, sig := range browserSignatures {
		idx := strings.Index(userAgent, sig.token)
		if idx < 0 {
			continue
		}
		rest := userAgent[idx+len(sig.token):]
		if end := strings.IndexAny(rest, " ;)"); end >= 0 {
			rest = rest[:end]
		}
		return sig.name, rest
	}
	return "Unknown", "0"
}

// isBrowserUpdate reports whether prev→curr looks like the same browser
// at a different version. Two agents that both parse to "Unknown" carry
// no version evidence, so they never count as an update and fall
// through to the later rules.
func isBrowserUpdate(prev, curr model.Fingerprint) bool {
	if prev.UserAgent == nil || curr.UserAgent == nil {
		return false
	}
	prevName, prevVer := ParseBrowser(*prev.UserAgent)
	currName, currVer := ParseBrowser(*curr.UserAgent)
	if prevName == "Unknown" && currName == "Unknown" {
		return false
	}
	return prevName == currName && prevVer != currVer
}
