package match

import (
	"testing"

	"github.com/revisit/server/internal/model"
)

func strPtr(s string) *string     { return &s }
func intPtr(i int) *int           { return &i }
func floatPtr(f float64) *float64 { return &f }

// fullFingerprint returns a fingerprint with every dimension populated.
func fullFingerprint() model.Fingerprint {
	return model.Fingerprint{
		CanvasHash:   strPtr("canvas-abc"),
		AudioHash:    strPtr("audio-def"),
		WebGLHash:    strPtr("webgl-ghi"),
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
		Plugins:      []string{"PDF Viewer"},
		IPAddress:    strPtr("203.0.113.10"),
		Country:      strPtr("DE"),
		City:         strPtr("Berlin"),
	}
}

func newTestScorer(t *testing.T) *Scorer {
	t.Helper()
	s, err := NewScorer(DefaultConfig())
	if err != nil {
		t.Fatalf("NewScorer: %v", err)
	}
	return s
}

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config must be valid: %v", err)
	}

	bad := DefaultConfig()
	bad.CanvasWeight = 0.5
	if err := bad.Validate(); err == nil {
		t.Error("weights not summing to 1.0 must be rejected")
	}

	bad = DefaultConfig()
	bad.MatchThreshold = 0
	if err := bad.Validate(); err == nil {
		t.Error("zero threshold must be rejected")
	}
	bad.MatchThreshold = 1.5
	if err := bad.Validate(); err == nil {
		t.Error("threshold above 1 must be rejected")
	}
}

func TestCalculateSimilarity_identity(t *testing.T) {
	s := newTestScorer(t)
	fp := fullFingerprint()

	sim := s.CalculateSimilarity(fp, fp)
	if sim.TotalScore != 1.0 {
		t.Errorf("self comparison must score 1.0, got %v", sim.TotalScore)
	}
	if !sim.IsMatch {
		t.Error("self comparison must be a match")
	}
}

func TestCalculateSimilarity_symmetry(t *testing.T) {
	s := newTestScorer(t)
	a := fullFingerprint()
	b := fullFingerprint()
	b.CanvasHash = strPtr("other-canvas")
	b.CPUCores = intPtr(4)
	b.Fonts = []string{"Arial", "Helvetica"}
	b.PixelRatio = floatPtr(2.0)

	ab := s.CalculateSimilarity(a, b)
	ba := s.CalculateSimilarity(b, a)
	if ab.TotalScore != ba.TotalScore {
		t.Errorf("similarity must be symmetric: %v != %v", ab.TotalScore, ba.TotalScore)
	}
}

func TestCalculateSimilarity_allMissing(t *testing.T) {
	s := newTestScorer(t)

	sim := s.CalculateSimilarity(model.Fingerprint{}, model.Fingerprint{})
	if sim.TotalScore != 0 {
		t.Errorf("empty fingerprints must score 0, got %v", sim.TotalScore)
	}
	if sim.IsMatch {
		t.Error("empty fingerprints must not match")
	}
}

func TestCalculateSimilarity_thresholdBoundary(t *testing.T) {
	s := newTestScorer(t)

	// canvas + audio + hardware match (0.30+0.25+0.20 = 0.75); screen
	// differs everywhere, font sets are disjoint.
	a := model.Fingerprint{
		CanvasHash:   strPtr("c"),
		AudioHash:    strPtr("a"),
		CPUCores:     intPtr(8),
		DeviceMemory: floatPtr(8),
		ScreenWidth:  intPtr(1920),
		ScreenHeight: intPtr(1080),
		ColorDepth:   intPtr(24),
		PixelRatio:   floatPtr(1.0),
		Fonts:        []string{"Arial"},
	}
	b := a
	b.ScreenWidth = intPtr(1280)
	b.ScreenHeight = intPtr(720)
	b.ColorDepth = intPtr(30)
	b.PixelRatio = floatPtr(2.0)
	b.Fonts = []string{"Helvetica"}

	sim := s.CalculateSimilarity(a, b)
	if sim.TotalScore != 0.75 {
		t.Fatalf("engineered pair must score exactly 0.75, got %v", sim.TotalScore)
	}
	if !sim.IsMatch {
		t.Error("score equal to the threshold must match (>=, not >)")
	}
}

func TestCalculateSimilarity_pixelRatioTolerance(t *testing.T) {
	s := newTestScorer(t)

	a := model.Fingerprint{PixelRatio: floatPtr(1.0)}
	b := model.Fingerprint{PixelRatio: floatPtr(1.05)}
	if got := s.CalculateSimilarity(a, b).Breakdown.Screen; got != 1.0 {
		t.Errorf("pixel ratios within 0.1 must count equal, got screen score %v", got)
	}

	b.PixelRatio = floatPtr(1.5)
	if got := s.CalculateSimilarity(a, b).Breakdown.Screen; got != 0 {
		t.Errorf("pixel ratios 0.5 apart must count unequal, got screen score %v", got)
	}
}

func TestCalculateSimilarity_hardwarePartial(t *testing.T) {
	s := newTestScorer(t)

	// cores match, memory differs: hardware sub-score is 0.5
	a := model.Fingerprint{CPUCores: intPtr(8), DeviceMemory: floatPtr(8)}
	b := model.Fingerprint{CPUCores: intPtr(8), DeviceMemory: floatPtr(16)}
	if got := s.CalculateSimilarity(a, b).Breakdown.Hardware; got != 0.5 {
		t.Errorf("expected hardware sub-score 0.5, got %v", got)
	}

	// memory absent on one side: only cores comparable
	b = model.Fingerprint{CPUCores: intPtr(8)}
	if got := s.CalculateSimilarity(a, b).Breakdown.Hardware; got != 1.0 {
		t.Errorf("expected hardware sub-score 1.0 over comparable attrs, got %v", got)
	}
}

func TestJaccardFonts(t *testing.T) {
	s := newTestScorer(t)

	a := model.Fingerprint{Fonts: []string{"Arial", "Verdana", "Times"}}
	b := model.Fingerprint{Fonts: []string{"Arial", "Verdana", "Helvetica"}}
	if got := s.CalculateSimilarity(a, b).Breakdown.Fonts; got != 0.5 {
		t.Errorf("Jaccard of {Arial,Verdana,Times} vs {Arial,Verdana,Helvetica} must be 0.5, got %v", got)
	}

	b.Fonts = nil
	if got := s.CalculateSimilarity(a, b).Breakdown.Fonts; got != 0 {
		t.Errorf("missing font set must score 0, got %v", got)
	}
}

func TestFindBestMatch(t *testing.T) {
	s := newTestScorer(t)
	target := fullFingerprint()

	t.Run("empty candidates", func(t *testing.T) {
		if _, _, ok := s.FindBestMatch(target, nil); ok {
			t.Error("empty candidate list must return no match")
		}
	})

	t.Run("best below threshold", func(t *testing.T) {
		// canvas + audio match only: 0.55, below 0.75
		weak := model.Fingerprint{
			CanvasHash: target.CanvasHash,
			AudioHash:  target.AudioHash,
		}
		candidates := []model.DeviceProfile{{Fingerprint: weak}}
		if _, _, ok := s.FindBestMatch(target, candidates); ok {
			t.Error("best candidate below threshold must return no match")
		}
	})

	t.Run("picks highest", func(t *testing.T) {
		weaker := fullFingerprint()
		weaker.CanvasHash = strPtr("different")
		candidates := []model.DeviceProfile{
			{Fingerprint: weaker},
			{Fingerprint: fullFingerprint()},
		}
		best, sim, ok := s.FindBestMatch(target, candidates)
		if !ok {
			t.Fatal("expected a match")
		}
		if best != 1 {
			t.Errorf("expected candidate 1 to win, got %d", best)
		}
		if sim.TotalScore != 1.0 {
			t.Errorf("winner must score 1.0, got %v", sim.TotalScore)
		}
	})

	t.Run("tie keeps first", func(t *testing.T) {
		candidates := []model.DeviceProfile{
			{Fingerprint: fullFingerprint()},
			{Fingerprint: fullFingerprint()},
		}
		best, _, ok := s.FindBestMatch(target, candidates)
		if !ok {
			t.Fatal("expected a match")
		}
		if best != 0 {
			t.Errorf("tie must keep the earlier candidate, got %d", best)
		}
	})
}
