package services

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/Corphon/NovelIntruder/internal/config"
	"github.com/Corphon/NovelIntruder/internal/corpus"
	"github.com/Corphon/NovelIntruder/internal/llm"
	"github.com/Corphon/NovelIntruder/internal/models"
	"github.com/stretchr/testify/require"
)

// fakeProvider replays queued replies; once the queue is empty it repeats the last one.
type fakeProvider struct {
	mu       sync.Mutex
	replies  []fakeReply
	calls    int
	requests []llm.StructuredRequest
	summary  string
	healthy  bool
	block    chan struct{}
}

type fakeReply struct {
	content string
	err     error
}

func newFakeProvider(replies ...fakeReply) *fakeProvider {
	return &fakeProvider{replies: replies, healthy: true, summary: "摘要"}
}

func (f *fakeProvider) Initialize(map[string]string) error { return nil }
func (f *fakeProvider) Name() string                       { return "fake" }

func (f *fakeProvider) GenerateStructured(ctx context.Context, req llm.StructuredRequest) (*llm.StructuredResponse, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.requests = append(f.requests, req)

	r := fakeReply{content: validReply(t0Units(), 5)}
	if len(f.replies) > 0 {
		r = f.replies[0]
		if len(f.replies) > 1 {
			f.replies = f.replies[1:]
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	return &llm.StructuredResponse{Content: r.content, ModelName: "fake-1", ProviderName: "fake"}, nil
}

func (f *fakeProvider) Summarize(_ context.Context, text string, maxLen int) (string, error) {
	return llm.TruncateRunes(f.summary, maxLen), nil
}

func (f *fakeProvider) HealthCheck(context.Context) llm.HealthStatus {
	return llm.HealthStatus{Provider: "fake", Model: "fake-1", Healthy: f.healthy}
}

func (f *fakeProvider) ModelInfo() llm.ModelInfo {
	return llm.ModelInfo{Provider: "fake", Model: "fake-1"}
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func transientErr() error {
	return llm.ClassifyError("fake", &llm.StatusError{Provider: "fake", StatusCode: 503, Message: "overloaded"})
}

func t0Units() []map[string]any {
	return []map[string]any{
		{"type": "narration", "content": "夜色渐深。"},
		{"type": "dialogue", "content": "你来了。", "speaker": "char_002"},
		{"type": "interaction", "content": "你要怎么做？", "choice_id": "c1", "default_reply": "点头"},
	}
}

// validReply renders a reply JSON with a delta in percentage points.
func validReply(units []map[string]any, delta float64) string {
	b, _ := json.Marshal(map[string]any{
		"script_units":        units,
		"required_counts":     map[string]int{"narration": 1, "dialogue": 1, "interaction": 1},
		"deviation_delta":     delta,
		"new_deviation":       0,
		"deviation_reasoning": "轻微偏离",
		"affinity_changes":    map[string]float64{"char_002": 3},
		"flags_updates":       map[string]bool{"met": true},
	})
	return string(b)
}

func testDispatchConfig() config.DispatchConfig {
	return config.DispatchConfig{
		RateLimitRequests:   100,
		RateLimitWindow:     time.Minute,
		RetryAttempts:       3,
		RetryBaseDelay:      4 * time.Second,
		RetryMaxDelay:       10 * time.Second,
		BreakerThreshold:    0.1,
		BreakerWindow:       100,
		BreakerOpenDuration: time.Minute,
		CacheTTL:            5 * time.Minute,
		CacheMaxEntries:     100,
		ContextPrefixLen:    200,
		LockWaitTimeout:     time.Second,
	}
}

func testController() *DeviationController {
	return NewDeviationController(config.DefaultGenerationProfiles(), config.PromptConfig{Version: "v2"})
}

// newTestDispatcher returns a dispatcher whose backoff sleeps are recorded, not slept.
func newTestDispatcher(p llm.Provider) (*GenerationDispatcher, *[]time.Duration) {
	d := NewGenerationDispatcher(p, testController(), nil, testDispatchConfig(), nil)
	var slept []time.Duration
	d.sleep = func(ctx context.Context, dur time.Duration) error {
		slept = append(slept, dur)
		return ctx.Err()
	}
	return d, &slept
}

func testChapters() []models.Chapter {
	return []models.Chapter{
		{ID: 1, Chunks: []models.Chunk{
			{ChunkID: "ch1_1", Text: "第一章开头。"},
			{ChunkID: "ch1_2", Text: "主角出场。"},
			{ChunkID: "ch1_3", Text: "第一章结尾。"},
		}},
		{ID: 2, Chunks: []models.Chunk{
			{ChunkID: "ch2_1", Text: "第二章开头。"},
			{ChunkID: "ch2_2", Text: "冲突升级。"},
		}},
	}
}

func testIndex(t *testing.T) *corpus.Index {
	t.Helper()
	idx, err := corpus.NewIndex(testChapters())
	require.NoError(t, err)
	return idx
}

func testStorylines() *corpus.Storylines {
	return corpus.NewStorylines(models.StorylineData{
		Storylines: []models.Storyline{
			{Protagonist: "char_001", Nodes: []string{"a1_1", "a1_2", "a2_1"}},
		},
		NodesDetail: map[string]models.StoryNode{
			"a1_1": {TextChunkID: "ch1_2", Brief: "主角登场", Characters: []string{"char_001"}},
			"a1_2": {TextChunkID: "ch1_3", Brief: "离开故乡"},
			"a2_1": {TextChunkID: "ch2_2", Brief: "冲突升级"},
		},
	})
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(b)
}
