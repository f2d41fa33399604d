package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Corphon/NovelIntruder/internal/config"
	"github.com/Corphon/NovelIntruder/internal/di"
	"github.com/Corphon/NovelIntruder/internal/llm"
	"github.com/Corphon/NovelIntruder/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProvider struct{}

func (stubProvider) Initialize(map[string]string) error { return nil }
func (stubProvider) Name() string                       { return "stub" }
func (stubProvider) GenerateStructured(context.Context, llm.StructuredRequest) (*llm.StructuredResponse, error) {
	return &llm.StructuredResponse{
		Content:   `{"script_units":[{"type":"narration","content":"雪落无声。"},{"type":"interaction","content":"继续吗？","choice_id":"c1","default_reply":"继续"}],"deviation_delta":2}`,
		ModelName: "stub-1",
	}, nil
}
func (stubProvider) Summarize(_ context.Context, text string, maxLen int) (string, error) {
	return llm.TruncateRunes("记忆:"+text, maxLen), nil
}
func (stubProvider) HealthCheck(context.Context) llm.HealthStatus {
	return llm.HealthStatus{Provider: "stub", Healthy: true}
}
func (stubProvider) ModelInfo() llm.ModelInfo { return llm.ModelInfo{Provider: "stub"} }

func writeJSON(t *testing.T, path string, v any) {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, b, 0644))
}

func testConfig(t *testing.T, backend string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	writeJSON(t, filepath.Join(dir, "article_data.json"), []models.Chapter{
		{ID: 1, Chunks: []models.Chunk{{ChunkID: "ch1_1", Text: "城门初开。"}, {ChunkID: "ch1_2", Text: "旅人入城。"}}},
	})
	writeJSON(t, filepath.Join(dir, "storylines_data.json"), models.StorylineData{
		Storylines:  []models.Storyline{{Protagonist: "char_001", Nodes: []string{"a1_1"}}},
		NodesDetail: map[string]models.StoryNode{"a1_1": {TextChunkID: "ch1_2"}},
	})

	cfg, err := config.LoadFromMap(map[string]string{
		"DATA_DIR":        dir,
		"STORAGE_BACKEND": backend,
		"LLM_PROVIDER":    "stub",
	})
	require.NoError(t, err)
	return cfg
}

func TestNewRegistersServices(t *testing.T) {
	for _, backend := range []string{"file", "sqlite", "badger"} {
		t.Run(backend, func(t *testing.T) {
			a, err := New(testConfig(t, backend), WithProvider(stubProvider{}))
			require.NoError(t, err)
			defer a.Close()

			assert.NoError(t, a.Container().Require(di.Anchors, di.Sessions, di.Game, di.Hub, di.Metrics))
			assert.NotNil(t, a.Router())
		})
	}
}

func TestNewFailsWithoutCorpus(t *testing.T) {
	cfg := testConfig(t, "file")
	cfg.CorpusFile = filepath.Join(cfg.DataDir, "missing.json")

	_, err := New(cfg, WithProvider(stubProvider{}))
	assert.ErrorContains(t, err, "missing.json")
}

func TestNewRejectsUnknownProvider(t *testing.T) {
	_, err := New(testConfig(t, "file"))
	assert.ErrorIs(t, err, llm.ErrUnknownProvider)
}

func TestTurnFlowsToMemoryWorker(t *testing.T) {
	a, err := New(testConfig(t, "file"), WithProvider(stubProvider{}))
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.StartWorkers(ctx))

	body, _ := json.Marshal(map[string]string{"session_id": "s1", "protagonist": "char_001"})
	req := httptest.NewRequest(http.MethodPost, "/api/game/start", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	a.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	assert.Eventually(t, func() bool {
		note, err := a.store.LoadMemory(context.Background(), "s1")
		return err == nil && note != ""
	}, 5*time.Second, 20*time.Millisecond)

	w = httptest.NewRecorder()
	a.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var stats struct {
		Data struct {
			TotalTurns int `json:"total_turns"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.Data.TotalTurns)

	a.Close()
	a.Close()
	_, err = os.Stat(filepath.Join(a.config.DataDir, "stats", "usage_stats.json"))
	assert.NoError(t, err)
}
