package match

import (
	"fmt"
	"math"

	"github.com/revisit/server/internal/model"
)

// Weights and threshold for the similarity computation. Construct via
// DefaultConfig and override fields before calling NewScorer.
type Config struct {
	CanvasWeight   float64
	AudioWeight    float64
	HardwareWeight float64
	ScreenWeight   float64
	FontsWeight    float64
	MatchThreshold float64
}

// DefaultConfig returns the standard weight distribution.
func DefaultConfig() Config {
	return Config{
		CanvasWeight:   0.30,
		AudioWeight:    0.25,
		HardwareWeight: 0.20,
		ScreenWeight:   0.15,
		FontsWeight:    0.10,
		MatchThreshold: 0.75,
	}
}

// Validate checks that the five weights sum to 1.0 and the threshold
// lies in (0,1].
func (c Config) Validate() error {
	sum := c.CanvasWeight + c.AudioWeight + c.HardwareWeight + c.ScreenWeight + c.FontsWeight
	if math.Abs(sum-1.0) > 1e-9 {
		return fmt.Errorf("similarity weights must sum to 1.0, got %.4f", sum)
	}
	if c.MatchThreshold <= 0 || c.MatchThreshold > 1 {
		return fmt.Errorf("match threshold must be in (0,1], got %.4f", c.MatchThreshold)
	}
	return nil
}

// Scorer computes weighted similarity between two fingerprints. It is
// stateless and safe for concurrent use.
type Scorer struct {
	cfg Config
}

// NewScorer validates the config and returns a Scorer.
func NewScorer(cfg Config) (*Scorer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Scorer{cfg: cfg}, nil
}

// Breakdown holds the unweighted per-dimension sub-scores.
type Breakdown struct {
	Canvas   float64
	Audio    float64
	Hardware float64
	Screen   float64
	Fonts    float64
}

// Similarity is the result of comparing two fingerprints.
type Similarity struct {
	TotalScore float64
	Breakdown  Breakdown
	IsMatch    bool
}

// CalculateSimilarity compares two fingerprints and returns the
// weighted composite score. Missing fields degrade the affected
// dimension to zero; the comparison never fails.
func (s *Scorer) CalculateSimilarity(a, b model.Fingerprint) Similarity {
	bd := Breakdown{
		Canvas:   hashScore(a.CanvasHash, b.CanvasHash),
		Audio:    hashScore(a.AudioHash, b.AudioHash),
		Hardware: hardwareScore(a, b),
		Screen:   screenScore(a, b),
		Fonts:    jaccard(a.Fonts, b.Fonts),
	}

	total := bd.Canvas*s.cfg.CanvasWeight +
		bd.Audio*s.cfg.AudioWeight +
		bd.Hardware*s.cfg.HardwareWeight +
		bd.Screen*s.cfg.ScreenWeight +
		bd.Fonts*s.cfg.FontsWeight
	if total > 1.0 {
		total = 1.0
	}

	return Similarity{
		TotalScore: total,
		Breakdown:  bd,
		IsMatch:    total >= s.cfg.MatchThreshold,
	}
}

// FindBestMatch scores the target against every candidate and returns
// the index of the strictly best-scoring candidate, but only when that
// candidate clears the match threshold. Ties keep the earlier
// candidate. Returns ok=false for an empty candidate list or when
// nothing clears the threshold.
func (s *Scorer) FindBestMatch(target model.Fingerprint, candidates []model.DeviceProfile) (best int, sim Similarity, ok bool) {
	if len(candidates) == 0 {
		return 0, Similarity{}, false
	}

	best = -1
	for i := range candidates {
		got := s.CalculateSimilarity(target, candidates[i].Fingerprint)
		if best == -1 || got.TotalScore > sim.TotalScore {
			best = i
			sim = got
		}
	}
	if !sim.IsMatch {
		return 0, Similarity{}, false
	}
	return best, sim, true
}

func hashScore(a, b *string) float64 {
	if a == nil || b == nil {
		return 0
	}
	if *a == *b {
		return 1
	}
	return 0
}

// hardwareScore averages exact-equality indicators over the hardware
// attributes present on both sides.
func hardwareScore(a, b model.Fingerprint) float64 {
	var matched, comparable float64

	if a.CPUCores != nil && b.CPUCores != nil {
		comparable++
		if *a.CPUCores == *b.CPUCores {
			matched++
		}
	}
	if a.DeviceMemory != nil && b.DeviceMemory != nil {
		comparable++
		if *a.DeviceMemory == *b.DeviceMemory {
			matched++
		}
	}

	if comparable == 0 {
		return 0
	}
	return matched / comparable
}

// screenScore averages equality indicators over the screen attributes
// present on both sides. Pixel ratio is compared with a 0.1 tolerance.
func screenScore(a, b model.Fingerprint) float64 {
	var matched, comparable float64

	intAttr := func(x, y *int) {
		if x == nil || y == nil {
			return
		}
		comparable++
		if *x == *y {
			matched++
		}
	}
	intAttr(a.ScreenWidth, b.ScreenWidth)
	intAttr(a.ScreenHeight, b.ScreenHeight)
	intAttr(a.ColorDepth, b.ColorDepth)

	if a.PixelRatio != nil && b.PixelRatio != nil {
		comparable++
		if math.Abs(*a.PixelRatio-*b.PixelRatio) < 0.1 {
			matched++
		}
	}

	if comparable == 0 {
		return 0
	}
	return matched / comparable
}

// jaccard returns |A∩B| / |A∪B| over two font-name sets, 0 when either
// set is empty.
func jaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	setA := make(map[string]struct{}, len(a))
	for _, f := range a {
		setA[f] = struct{}{}
	}
	union := make(map[string]struct{}, len(a)+len(b))
	for f := range setA {
		union[f] = struct{}{}
	}

	var intersection float64
	for _, f := range b {
		if _, seen := union[f]; !seen {
			union[f] = struct{}{}
			continue
		}
		if _, inA := setA[f]; inA {
			// count each shared name once even if b repeats it
			delete(setA, f)
			intersection++
		}
	}

	return intersection / float64(len(union))
}
