// internal/config/profiles.go
package config

import (
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

// DeviationLevel 偏离等级
type DeviationLevel string

const (
	LevelLow      DeviationLevel = "low"
	LevelMedium   DeviationLevel = "medium"
	LevelHigh     DeviationLevel = "high"
	LevelCritical DeviationLevel = "critical"
)

// Range is an inclusive [Min, Max] unit count.
type Range struct {
	Min int `yaml:"min" json:"min"`
	Max int `yaml:"max" json:"max"`
}

func (r Range) midpoint() int {
	return (r.Min + r.Max) / 2
}

func (r Range) midpointFloat() float64 {
	return float64(r.Min+r.Max) / 2
}

// LevelProfile holds the generation parameters for one deviation level.
type LevelProfile struct {
	Temperature float64 `yaml:"temperature" json:"temperature"`
	MaxTokens   int     `yaml:"max_tokens" json:"max_tokens"`
	Narration   Range   `yaml:"narration" json:"narration"`
	Dialogue    Range   `yaml:"dialogue" json:"dialogue"`
	Interaction int     `yaml:"interaction" json:"interaction"`
	Ratio       string  `yaml:"ratio,omitempty" json:"ratio,omitempty"`
	Emphasis    string  `yaml:"emphasis,omitempty" json:"emphasis,omitempty"`
}

// ProfileSet maps every deviation level to a profile.
type ProfileSet map[DeviationLevel]LevelProfile

// GenerationProfiles 各版本的生成参数
type GenerationProfiles struct {
	Versions map[string]ProfileSet `yaml:"versions"`
}

// Band limits one generation step's deviation delta for a range of current deviation.
type Band struct {
	UpTo      float64 // upper bound on current deviation; the last band is open
	Inclusive bool    // whether UpTo itself belongs to the band
	MaxDelta  float64
	MinDelta  float64
}

// Contains reports whether a current deviation falls in the band.
func (b Band) Contains(current float64) bool {
	return current < b.UpTo || (b.Inclusive && current == b.UpTo)
}

// DefaultDeviationBands 偏离度限幅区间（0-1 标度），每次返回新切片
func DefaultDeviationBands() []Band {
	return []Band{
		{UpTo: 0.05, MaxDelta: 0.05, MinDelta: math.Inf(-1)},
		{UpTo: 0.30, Inclusive: true, MaxDelta: 0.10, MinDelta: math.Inf(-1)},
		{UpTo: 0.60, Inclusive: true, MaxDelta: 0.02, MinDelta: -0.15},
		{UpTo: math.Inf(1), MaxDelta: 0, MinDelta: -0.20},
	}
}

// LevelFor maps a deviation on the 0-100 scale to its level.
func LevelFor(deviation float64) DeviationLevel {
	switch {
	case deviation < 5:
		return LevelLow
	case deviation <= 30:
		return LevelMedium
	case deviation <= 60:
		return LevelHigh
	default:
		return LevelCritical
	}
}

// DefaultGenerationProfiles returns the built-in v1 and v2 profile sets.
func DefaultGenerationProfiles() GenerationProfiles {
	return GenerationProfiles{Versions: map[string]ProfileSet{
		"v1": {
			LevelLow: {Temperature: 0.6, MaxTokens: 8192, Narration: Range{6, 10}, Dialogue: Range{4, 8}, Interaction: 1,
				Emphasis: "keep narration dominant with moderate dialogue"},
			LevelMedium: {Temperature: 0.7, MaxTokens: 8192, Narration: Range{5, 8}, Dialogue: Range{6, 10}, Interaction: 1,
				Emphasis: "balance narration and dialogue"},
			LevelHigh: {Temperature: 0.8, MaxTokens: 8192, Narration: Range{4, 6}, Dialogue: Range{8, 12}, Interaction: 1,
				Emphasis: "use dialogue to steer the plot back toward the original"},
			LevelCritical: {Temperature: 0.9, MaxTokens: 8192, Narration: Range{3, 5}, Dialogue: Range{10, 15}, Interaction: 1,
				Emphasis: "heavy dialogue, tightly controlled narration"},
		},
		"v2": {
			LevelLow:      {Temperature: 0.8, MaxTokens: 65536, Narration: Range{4, 8}, Dialogue: Range{3, 6}, Interaction: 1, Ratio: "1:1"},
			LevelMedium:   {Temperature: 0.8, MaxTokens: 65536, Narration: Range{3, 6}, Dialogue: Range{4, 8}, Interaction: 1, Ratio: "1:1"},
			LevelHigh:     {Temperature: 0.8, MaxTokens: 65536, Narration: Range{2, 5}, Dialogue: Range{5, 10}, Interaction: 1, Ratio: "1:1.5"},
			LevelCritical: {Temperature: 1.0, MaxTokens: 65536, Narration: Range{2, 4}, Dialogue: Range{6, 12}, Interaction: 1, Ratio: "1:2"},
		},
	}}
}

// LoadGenerationProfiles returns the defaults, overlaid by a YAML file when path is set.
// Levels present in the file replace the built-in entry for that version.
func LoadGenerationProfiles(path string) (GenerationProfiles, error) {
	profiles := DefaultGenerationProfiles()
	if path == "" {
		return profiles, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return profiles, fmt.Errorf("read profiles file: %w", err)
	}
	var override GenerationProfiles
	if err := yaml.Unmarshal(data, &override); err != nil {
		return profiles, fmt.Errorf("parse profiles file: %w", err)
	}

	for version, set := range override.Versions {
		if _, ok := profiles.Versions[version]; !ok {
			profiles.Versions[version] = ProfileSet{}
		}
		for level, p := range set {
			if err := p.validate(); err != nil {
				return DefaultGenerationProfiles(), fmt.Errorf("profile %s/%s: %w", version, level, err)
			}
			profiles.Versions[version][level] = p
		}
	}
	for version, set := range profiles.Versions {
		for _, level := range []DeviationLevel{LevelLow, LevelMedium, LevelHigh, LevelCritical} {
			if _, ok := set[level]; !ok {
				return DefaultGenerationProfiles(), fmt.Errorf("profile version %s is missing level %s", version, level)
			}
		}
	}
	return profiles, nil
}

func (p LevelProfile) validate() error {
	if p.Temperature < 0 || p.Temperature > 2 {
		return fmt.Errorf("temperature %.2f out of range", p.Temperature)
	}
	if p.MaxTokens <= 0 {
		return fmt.Errorf("max_tokens must be positive")
	}
	if p.Narration.Min > p.Narration.Max || p.Dialogue.Min > p.Dialogue.Max {
		return fmt.Errorf("range min exceeds max")
	}
	if p.Interaction != 1 {
		return fmt.Errorf("interaction count must be 1")
	}
	return nil
}

// Profile looks up the profile for a version and level, falling back to v2.
func (g GenerationProfiles) Profile(version string, level DeviationLevel) LevelProfile {
	if set, ok := g.Versions[version]; ok {
		if p, ok := set[level]; ok {
			return p
		}
	}
	return DefaultGenerationProfiles().Versions["v2"][level]
}

// RequiredCounts computes the target unit counts for this profile.
// With no original length the range midpoints are used. Otherwise the minimum
// total scales with the source text (roughly one unit per 120 characters, never
// below 15) and is split by the narration/dialogue midpoint ratio.
func (p LevelProfile) RequiredCounts(originalLength int) (narration, dialogue, interaction int) {
	if originalLength <= 0 {
		return p.Narration.midpoint(), p.Dialogue.midpoint(), 1
	}

	minUnits := int(math.Ceil(float64(int(float64(originalLength)*0.9)) / 120))
	if minUnits < 15 {
		minUnits = 15
	}

	nMid := p.Narration.midpointFloat()
	dMid := p.Dialogue.midpointFloat()
	total := nMid + dMid
	if total <= 0 {
		return p.Narration.Min, p.Dialogue.Min, 1
	}

	narration = int(float64(minUnits) * nMid / total)
	if narration < p.Narration.Min {
		narration = p.Narration.Min
	}
	dialogue = int(float64(minUnits) * dMid / total)
	if dialogue < p.Dialogue.Min {
		dialogue = p.Dialogue.Min
	}
	return narration, dialogue, 1
}

// AdjustTemperature lowers the temperature when narration outweighs dialogue by more than 1.5x.
func AdjustTemperature(base float64, narration, dialogue int) float64 {
	if dialogue > 0 && float64(narration)/float64(dialogue) > 1.5 {
		return math.Max(0.3, base-0.2)
	}
	return base
}
