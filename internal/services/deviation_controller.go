// internal/services/deviation_controller.go
package services

import (
	"hash/fnv"
	"math"

	"github.com/Corphon/NovelIntruder/internal/config"
)

// DeviationController bounds how far one generation step may move the story
// away from canon. It is immutable after construction.
type DeviationController struct {
	bands          []config.Band
	profiles       config.GenerationProfiles
	version        string
	abSplitPercent int
}

// NewDeviationController 创建偏离度控制器
func NewDeviationController(profiles config.GenerationProfiles, prompt config.PromptConfig) *DeviationController {
	version := prompt.Version
	if version == "" {
		version = "v2"
	}
	return &DeviationController{
		bands:          config.DefaultDeviationBands(),
		profiles:       profiles,
		version:        version,
		abSplitPercent: prompt.ABSplitPercent,
	}
}

// Apply returns the delta actually applied for a proposed change at current
// deviation, both on the 0-1 scale. current+result always stays in [0,1].
func (c *DeviationController) Apply(current, proposed float64) float64 {
	if math.IsNaN(proposed) {
		return 0
	}
	current = clampUnit(current)

	// 0.1+0.2 must land in the 0.30 band
	key := math.Round(current*1e9) / 1e9
	band := c.bands[len(c.bands)-1]
	for _, b := range c.bands {
		if b.Contains(key) {
			band = b
			break
		}
	}

	delta := proposed
	if delta > band.MaxDelta {
		delta = band.MaxDelta
	}
	if delta < band.MinDelta {
		delta = band.MinDelta
	}

	next := clampUnit(current + delta)
	return next - current
}

// Next returns the deviation after applying proposed at current.
func (c *DeviationController) Next(current, proposed float64) float64 {
	current = clampUnit(current)
	return clampUnit(current + c.Apply(current, proposed))
}

// Level classifies a 0-1 deviation.
func (c *DeviationController) Level(deviation float64) config.DeviationLevel {
	// 0.3*100 is 30.000000000000004 in float64
	return config.LevelFor(math.Round(clampUnit(deviation)*100*1e6) / 1e6)
}

// VersionFor picks the profile version for a session. With an A/B split the
// session id hash sends a stable share of sessions to the other version.
func (c *DeviationController) VersionFor(sessionID string) string {
	if c.abSplitPercent <= 0 || sessionID == "" {
		return c.version
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	if int(h.Sum32()%100) < c.abSplitPercent {
		if c.version == "v2" {
			return "v1"
		}
		return "v2"
	}
	return c.version
}

// Profile returns the generation profile for a session at a deviation.
func (c *DeviationController) Profile(sessionID string, deviation float64) config.LevelProfile {
	return c.profiles.Profile(c.VersionFor(sessionID), c.Level(deviation))
}

// GenerationPlan is the sampling and content-balance target for one call.
type GenerationPlan struct {
	Version     string
	Level       config.DeviationLevel
	Temperature float64
	MaxTokens   int
	Narration   int
	Dialogue    int
	Interaction int
	Profile     config.LevelProfile
}

// Plan derives the plan for a session from its deviation, the context length
// and the unit counts of its previous generation (zero when unknown).
func (c *DeviationController) Plan(sessionID string, deviation float64, contextLen, lastNarration, lastDialogue int) GenerationPlan {
	version := c.VersionFor(sessionID)
	level := c.Level(deviation)
	profile := c.profiles.Profile(version, level)
	n, d, i := profile.RequiredCounts(contextLen)

	return GenerationPlan{
		Version:     version,
		Level:       level,
		Temperature: config.AdjustTemperature(profile.Temperature, lastNarration, lastDialogue),
		MaxTokens:   profile.MaxTokens,
		Narration:   n,
		Dialogue:    d,
		Interaction: i,
		Profile:     profile,
	}
}

func clampUnit(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
