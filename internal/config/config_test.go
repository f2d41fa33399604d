package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromMapDefaults(t *testing.T) {
	cfg, err := LoadFromMap(map[string]string{})
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "file", cfg.Storage.Backend)
	assert.Equal(t, 30, cfg.Dispatch.RateLimitRequests)
	assert.Equal(t, 60*time.Second, cfg.Dispatch.RateLimitWindow)
	assert.Equal(t, 3, cfg.Dispatch.RetryAttempts)
	assert.Equal(t, 5*time.Minute, cfg.Dispatch.CacheTTL)
	assert.Equal(t, 50, cfg.Compaction.MaxRecentEvents)
	assert.Equal(t, 32768, cfg.Compaction.MaxSnapshotBytes)
	assert.Equal(t, "v2", cfg.Prompt.Version)
	assert.Equal(t, filepath.Join("data", "article_data.json"), cfg.CorpusFile)
	assert.Len(t, cfg.Generation.Versions, 2)
}

func TestLoadFromMapOverrides(t *testing.T) {
	cfg, err := LoadFromMap(map[string]string{
		"STORAGE_BACKEND":         "badger",
		"LLM_PROVIDER":            "qwen",
		"LLM_MODEL":               "qwen-plus",
		"DISPATCH_RETRY_ATTEMPTS": "5",
		"PROMPT_VERSION":          "v1",
		"DATA_DIR":                "/tmp/novel",
	})
	require.NoError(t, err)

	assert.Equal(t, "badger", cfg.Storage.Backend)
	assert.Equal(t, "/tmp/novel/badger", cfg.Storage.BadgerPath)
	assert.Equal(t, 5, cfg.Dispatch.RetryAttempts)
	assert.Equal(t, "v1", cfg.Prompt.Version)
	assert.Equal(t, "qwen-plus", cfg.LLM.ProviderSettings()["default_model"])
}

func TestLoadFromMapRejectsInvalid(t *testing.T) {
	_, err := LoadFromMap(map[string]string{"STORAGE_BACKEND": "mongo"})
	assert.Error(t, err)

	_, err = LoadFromMap(map[string]string{"PROMPT_AB_SPLIT_PERCENT": "150"})
	assert.Error(t, err)
}

func TestDefaultDeviationBandsAreFresh(t *testing.T) {
	bands := DefaultDeviationBands()
	require.Len(t, bands, 4)
	bands[0].MaxDelta = 1

	again := DefaultDeviationBands()
	assert.Equal(t, 0.05, again[0].MaxDelta)
	assert.True(t, again[1].Contains(0.30))
	assert.False(t, again[0].Contains(0.05))
}

func TestLevelFor(t *testing.T) {
	cases := map[float64]DeviationLevel{
		0:     LevelLow,
		4.9:   LevelLow,
		5:     LevelMedium,
		30:    LevelMedium,
		30.01: LevelHigh,
		60:    LevelHigh,
		61:    LevelCritical,
		100:   LevelCritical,
	}
	for deviation, want := range cases {
		assert.Equal(t, want, LevelFor(deviation), "deviation %.2f", deviation)
	}
}

func TestRequiredCounts(t *testing.T) {
	p := DefaultGenerationProfiles().Profile("v2", LevelLow)

	n, d, i := p.RequiredCounts(0)
	assert.Equal(t, 6, n)
	assert.Equal(t, 4, d)
	assert.Equal(t, 1, i)

	// 6000 chars -> int(5400)/120 = 45 units, narration share 6/(6+4.5)
	n, d, i = p.RequiredCounts(6000)
	assert.Equal(t, 25, n)
	assert.Equal(t, 19, d)
	assert.Equal(t, 1, i)

	// short text stays at the 15-unit floor
	n, d, _ = p.RequiredCounts(100)
	assert.Equal(t, 8, n)
	assert.Equal(t, 6, d)
}

func TestAdjustTemperature(t *testing.T) {
	assert.InDelta(t, 0.6, AdjustTemperature(0.8, 10, 4), 1e-9)
	assert.InDelta(t, 0.8, AdjustTemperature(0.8, 6, 4), 1e-9)
	assert.InDelta(t, 0.3, AdjustTemperature(0.4, 10, 2), 1e-9)
	assert.InDelta(t, 0.8, AdjustTemperature(0.8, 10, 0), 1e-9)
}

func TestLoadGenerationProfilesOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	yamlDoc := `
versions:
  v2:
    critical:
      temperature: 0.95
      max_tokens: 4096
      narration: {min: 1, max: 3}
      dialogue: {min: 8, max: 14}
      interaction: 1
      ratio: "1:3"
`
	require.NoError(t, os.WriteFile(path, []byte(yamlDoc), 0644))

	profiles, err := LoadGenerationProfiles(path)
	require.NoError(t, err)

	critical := profiles.Profile("v2", LevelCritical)
	assert.Equal(t, 4096, critical.MaxTokens)
	assert.Equal(t, "1:3", critical.Ratio)
	// untouched levels keep their defaults
	assert.Equal(t, 65536, profiles.Profile("v2", LevelLow).MaxTokens)
}

func TestLoadGenerationProfilesRejectsBadInteraction(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
versions:
  v1:
    low: {temperature: 0.5, max_tokens: 100, narration: {min: 1, max: 2}, dialogue: {min: 1, max: 2}, interaction: 2}
`), 0644))

	_, err := LoadGenerationProfiles(path)
	assert.Error(t, err)
}
