package match

import (
	"testing"

	"github.com/revisit/server/internal/model"
)

const (
	chromeUA119 = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36"
	chromeUA120 = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	firefoxUA   = "Mozilla/5.0 (X11; Linux x86_64; rv:121.0) Gecko/20100101 Firefox/121.0"
	edgeUA      = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36 Edg/120.0.2210.91"
	safariUA    = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Safari/605.1.15"
)

func TestParseBrowser(t *testing.T) {
	tests := []struct {
		ua          string
		wantName    string
		wantVersion string
	}{
		{chromeUA120, "Chrome", "120.0.0.0"},
		{firefoxUA, "Firefox", "121.0"},
		{edgeUA, "Edge", "120.0.2210.91"},
		{safariUA, "Safari", "605.1.15"},
		{"Opera/9.80 (Windows NT 6.1) Presto/2.12.388 Version/12.16", "Opera", "9.80"},
		{"curl/8.4.0", "Unknown", "0"},
		{"", "Unknown", "0"},
	}
	for _, tt := range tests {
		name, version := ParseBrowser(tt.ua)
		if name != tt.wantName || version != tt.wantVersion {
			t.Errorf("ParseBrowser(%q) = (%q, %q), want (%q, %q)", tt.ua, name, version, tt.wantName, tt.wantVersion)
		}
	}
}

func TestClassifyChange_precedence(t *testing.T) {
	s := newTestScorer(t)

	prev := fullFingerprint()

	tests := []struct {
		name         string
		mutate       func(fp *model.Fingerprint)
		wantType     model.ChangeType
		wantCategory model.ChangeCategory
	}{
		{
			name: "platform wins over screen",
			mutate: func(fp *model.Fingerprint) {
				fp.Platform = strPtr("Linux x86_64")
				fp.ScreenWidth = intPtr(2560)
				fp.ScreenHeight = intPtr(1440)
			},
			wantType:     model.ChangeMajor,
			wantCategory: model.CategoryOSChange,
		},
		{
			name: "hardware wins over screen",
			mutate: func(fp *model.Fingerprint) {
				fp.CPUCores = intPtr(4)
				fp.ScreenWidth = intPtr(2560)
			},
			wantType:     model.ChangeMajor,
			wantCategory: model.CategoryHardwareChange,
		},
		{
			name: "memory change is hardware",
			mutate: func(fp *model.Fingerprint) {
				fp.DeviceMemory = floatPtr(16)
			},
			wantType:     model.ChangeMajor,
			wantCategory: model.CategoryHardwareChange,
		},
		{
			name: "screen change",
			mutate: func(fp *model.Fingerprint) {
				fp.ScreenHeight = intPtr(1200)
			},
			wantType:     model.ChangeMinor,
			wantCategory: model.CategoryScreenChange,
		},
		{
			name: "browser update",
			mutate: func(fp *model.Fingerprint) {
				fp.UserAgent = strPtr(chromeUA119)
			},
			wantType:     model.ChangeMinor,
			wantCategory: model.CategoryBrowserUpdate,
		},
		{
			name: "ip change",
			mutate: func(fp *model.Fingerprint) {
				fp.IPAddress = strPtr("198.51.100.7")
			},
			wantType:     model.ChangeMinor,
			wantCategory: model.CategoryIPChange,
		},
		{
			name: "fonts only is environmental",
			mutate: func(fp *model.Fingerprint) {
				fp.Fonts = []string{"Courier"}
			},
			wantType:     model.ChangeMinor,
			wantCategory: model.CategoryEnvironmental,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			curr := prev
			tt.mutate(&curr)

			got := s.ClassifyChange(prev, curr)
			if got.Type != tt.wantType {
				t.Errorf("type = %q, want %q", got.Type, tt.wantType)
			}
			if got.Category != tt.wantCategory {
				t.Errorf("category = %q, want %q", got.Category, tt.wantCategory)
			}
		})
	}
}

func TestClassifyChange_confidence(t *testing.T) {
	s := newTestScorer(t)

	prev := fullFingerprint()
	curr := prev
	curr.CPUCores = intPtr(4)

	got := s.ClassifyChange(prev, curr)
	want := s.CalculateSimilarity(prev, curr).TotalScore
	if got.Confidence != want {
		t.Errorf("confidence = %v, want similarity total %v", got.Confidence, want)
	}
}

func TestClassifyChange_unknownBrowsersNeverUpdate(t *testing.T) {
	s := newTestScorer(t)

	prev := fullFingerprint()
	prev.UserAgent = strPtr("custom-agent/1.0")
	curr := prev
	curr.UserAgent = strPtr("custom-agent/2.0")

	got := s.ClassifyChange(prev, curr)
	if got.Category == model.CategoryBrowserUpdate {
		t.Error("two Unknown user agents must not classify as browser_update")
	}
	if got.Category != model.CategoryEnvironmental {
		t.Errorf("expected environmental_change fallthrough, got %q", got.Category)
	}
}

func TestClassifyChange_differentBrowserIsNotUpdate(t *testing.T) {
	s := newTestScorer(t)

	prev := fullFingerprint()
	curr := prev
	curr.UserAgent = strPtr(firefoxUA)

	got := s.ClassifyChange(prev, curr)
	if got.Category == model.CategoryBrowserUpdate {
		t.Error("switching browsers must not classify as browser_update")
	}
}
