package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Corphon/NovelIntruder/internal/llm"
	"github.com/Corphon/NovelIntruder/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseInput() GenerateInput {
	g := models.NewGlobalState()
	g.Deviation = 0.1
	return GenerateInput{SessionID: "s1", Prompt: "点头", Context: "夜色渐深，主角出场。", Globals: g}
}

func TestGenerateSuccess(t *testing.T) {
	p := newFakeProvider(fakeReply{content: validReply(t0Units(), 5)})
	d, _ := newTestDispatcher(p)

	result := d.Generate(context.Background(), baseInput())

	require.False(t, result.IsFallback())
	assert.True(t, models.EndsWithSingleInteraction(result.ScriptUnits))
	assert.InDelta(t, 0.05, result.DeviationDelta, 1e-9)
	assert.Equal(t, 3.0, result.AffinityChanges["char_002"])
	assert.True(t, result.FlagsUpdates["met"])
	assert.Equal(t, "fake", result.Metadata["provider"])
	assert.Equal(t, 1, result.Metadata["attempts"])
	assert.True(t, result.Usage.Estimated)
	assert.Positive(t, result.Usage.TotalTokens)
	assert.Equal(t, 1, p.callCount())
	assert.Equal(t, llm.ScriptFunctionName, p.requests[0].Schema.Name)
}

func TestGenerateClampsReplyDelta(t *testing.T) {
	p := newFakeProvider(fakeReply{content: validReply(t0Units(), 80)})
	d, _ := newTestDispatcher(p)

	result := d.Generate(context.Background(), baseInput())
	assert.InDelta(t, 0.2, result.DeviationDelta, 1e-9)
}

func TestGenerateDedupSkipsSecondVendorCall(t *testing.T) {
	p := newFakeProvider(fakeReply{content: validReply(t0Units(), 5)})
	d, _ := newTestDispatcher(p)
	in := baseInput()

	first := d.Generate(context.Background(), in)
	second := d.Generate(context.Background(), in)

	assert.False(t, first.CacheHit)
	assert.True(t, second.CacheHit)
	assert.Equal(t, first.ScriptUnits, second.ScriptUnits)
	assert.Equal(t, 1, p.callCount())

	// a different prompt is a different key
	in.Prompt = "摇头"
	third := d.Generate(context.Background(), in)
	assert.False(t, third.CacheHit)
	assert.Equal(t, 2, p.callCount())
}

func narrationHeavyUnits() []map[string]any {
	return []map[string]any{
		{"type": "narration", "content": "风起。"},
		{"type": "narration", "content": "云涌。"},
		{"type": "narration", "content": "山门渐远。"},
		{"type": "narration", "content": "少年回望。"},
		{"type": "dialogue", "content": "走吧。", "speaker": "char_002"},
		{"type": "interaction", "content": "继续前行？", "choice_id": "c1", "default_reply": "前行"},
	}
}

func TestGenerateDedupIgnoresAdjustedTemperature(t *testing.T) {
	p := newFakeProvider(fakeReply{content: validReply(narrationHeavyUnits(), 0)})
	d, _ := newTestDispatcher(p)
	in := baseInput()

	first := d.Generate(context.Background(), in)
	require.False(t, first.IsFallback())

	// 上一轮叙述偏多，下一次真实请求的温度会被下调
	plan := d.plan(in)
	assert.Less(t, plan.Temperature, plan.Profile.Temperature)

	second := d.Generate(context.Background(), in)
	assert.True(t, second.CacheHit)
	assert.Equal(t, first.ScriptUnits, second.ScriptUnits)
	assert.Equal(t, 1, p.callCount())
}

func TestGenerateConcurrentDuplicatesShareOneCall(t *testing.T) {
	p := newFakeProvider(fakeReply{content: validReply(t0Units(), 5)})
	p.block = make(chan struct{})
	d, _ := newTestDispatcher(p)
	in := baseInput()

	var wg sync.WaitGroup
	results := make([]*models.GenerationResult, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			input := in
			input.SessionID = "s1"
			results[i] = d.GenerateLocked(context.Background(), input)
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(p.block)
	wg.Wait()

	assert.Equal(t, 1, p.callCount())
	hits := 0
	for _, r := range results {
		require.False(t, r.IsFallback())
		if r.CacheHit {
			hits++
		}
	}
	assert.Equal(t, 1, hits)
}

func TestGenerateRetriesThenFallsBack(t *testing.T) {
	p := newFakeProvider(fakeReply{err: transientErr()})
	d, slept := newTestDispatcher(p)

	result := d.Generate(context.Background(), baseInput())

	require.True(t, result.IsFallback())
	assert.Equal(t, true, result.Metadata["fallback"])
	assert.Equal(t, "retries_exhausted", result.Metadata["fallback_reason"])
	assert.Equal(t, 3, p.callCount())
	assert.Equal(t, []time.Duration{4 * time.Second, 8 * time.Second}, *slept)
	assert.Zero(t, result.DeviationDelta)
	assert.True(t, models.EndsWithSingleInteraction(result.ScriptUnits))
	assert.Equal(t, FallbackChoiceID, models.Deref(result.ScriptUnits[1].ChoiceID))
	assert.Equal(t, "继续", models.Deref(result.ScriptUnits[1].DefaultReply))
}

func TestGenerateRecoversAfterTransientError(t *testing.T) {
	p := newFakeProvider(fakeReply{err: transientErr()}, fakeReply{content: validReply(t0Units(), 0)})
	d, slept := newTestDispatcher(p)

	result := d.Generate(context.Background(), baseInput())
	require.False(t, result.IsFallback())
	assert.Equal(t, 2, result.Metadata["attempts"])
	assert.Len(t, *slept, 1)
}

func TestGenerateTerminalErrorIsNotRetried(t *testing.T) {
	terminal := llm.ClassifyError("fake", &llm.StatusError{Provider: "fake", StatusCode: 401, Message: "bad key"})
	p := newFakeProvider(fakeReply{err: terminal})
	d, slept := newTestDispatcher(p)

	result := d.Generate(context.Background(), baseInput())
	require.True(t, result.IsFallback())
	assert.Equal(t, "vendor_error", result.Metadata["fallback_reason"])
	assert.Equal(t, 1, p.callCount())
	assert.Empty(t, *slept)
}

func TestGenerateFallbackIsNotCached(t *testing.T) {
	p := newFakeProvider(fakeReply{err: transientErr()}, fakeReply{err: transientErr()},
		fakeReply{err: transientErr()}, fakeReply{content: validReply(t0Units(), 0)})
	d, _ := newTestDispatcher(p)
	in := baseInput()

	require.True(t, d.Generate(context.Background(), in).IsFallback())
	second := d.Generate(context.Background(), in)
	assert.False(t, second.IsFallback())
	assert.False(t, second.CacheHit)
}

func TestGenerateCircuitOpenSkipsVendor(t *testing.T) {
	p := newFakeProvider()
	d, _ := newTestDispatcher(p)
	for i := 0; i < minBreakerSamples; i++ {
		d.breaker.Record(false)
	}
	require.Equal(t, CircuitOpen, d.breaker.State())

	result := d.Generate(context.Background(), baseInput())
	require.True(t, result.IsFallback())
	assert.Equal(t, "circuit_open", result.Metadata["fallback_reason"])
	assert.Zero(t, p.callCount())
}

func TestGenerateRepairsMissingInteraction(t *testing.T) {
	units := []map[string]any{
		{"type": "narration", "content": "风停了。"},
		{"type": "interaction", "content": "中途的选择", "choice_id": "mid"},
		{"type": "dialogue", "content": "走吧。", "speaker": "char_002"},
	}
	p := newFakeProvider(fakeReply{content: validReply(units, 0)})
	d, _ := newTestDispatcher(p)

	result := d.Generate(context.Background(), baseInput())
	require.False(t, result.IsFallback())
	assert.True(t, models.EndsWithSingleInteraction(result.ScriptUnits))
	last := result.ScriptUnits[len(result.ScriptUnits)-1]
	assert.Equal(t, ContinueChoiceID, models.Deref(last.ChoiceID))
	assert.Equal(t, true, result.Metadata["structure_repaired"])
}

func TestGenerateRepairsTruncatedJSON(t *testing.T) {
	p := newFakeProvider(fakeReply{content: "```json\n{\"script_units\": [{\"type\": \"narration\", \"content\": \"雨落下\"}, {\"type\": \"interaction\", \"content\": \"选择\", \"choice_id\": \"c1\"}], \"deviation_delta\": 2,"})
	d, _ := newTestDispatcher(p)

	result := d.Generate(context.Background(), baseInput())
	require.False(t, result.IsFallback())
	assert.Equal(t, true, result.Metadata["json_repaired"])
	assert.Len(t, result.ScriptUnits, 2)
}

func TestGenerateMalformedReplyFallsBack(t *testing.T) {
	p := newFakeProvider(fakeReply{content: "抱歉，我无法完成这个请求。"})
	d, _ := newTestDispatcher(p)

	result := d.Generate(context.Background(), baseInput())
	require.True(t, result.IsFallback())
	assert.Equal(t, "malformed_reply", result.Metadata["fallback_reason"])
}

func TestGenerateLockTimeoutFallsBack(t *testing.T) {
	p := newFakeProvider()
	d, _ := newTestDispatcher(p)
	d.cfg.LockWaitTimeout = 20 * time.Millisecond

	unlock, err := d.Locks().Lock(context.Background(), "s1")
	require.NoError(t, err)
	defer unlock()

	result := d.Generate(context.Background(), baseInput())
	require.True(t, result.IsFallback())
	assert.Equal(t, "lock_timeout", result.Metadata["fallback_reason"])
	assert.Zero(t, p.callCount())
}

func TestGenerateTemperatureOverride(t *testing.T) {
	p := newFakeProvider()
	d, _ := newTestDispatcher(p)
	temp := 0.42
	in := baseInput()
	in.Temperature = &temp

	d.Generate(context.Background(), in)
	require.Equal(t, 1, p.callCount())
	assert.InDelta(t, 0.42, p.requests[0].Temperature, 1e-9)
}

func TestDedupKeyUsesContextPrefix(t *testing.T) {
	long := string(make([]rune, 300))
	a := DedupKey("s1", long+"甲", "p", 0.1, 0.7, 200)
	b := DedupKey("s1", long+"乙", "p", 0.1, 0.7, 200)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, DedupKey("s2", long, "p", 0.1, 0.7, 200))
	assert.NotEqual(t, a, DedupKey("s1", long, "p", 0.2, 0.7, 200))
}

func TestDispatcherHealthCheck(t *testing.T) {
	p := newFakeProvider()
	d, _ := newTestDispatcher(p)

	health := d.HealthCheck(context.Background())
	assert.True(t, health.Healthy)
	assert.Equal(t, "closed", health.Breaker.State)
	assert.Equal(t, 100, health.Limiter.Limit)
	assert.Zero(t, health.SessionLocks)

	d.Generate(context.Background(), baseInput())
	assert.Equal(t, 1, d.HealthCheck(context.Background()).SessionLocks)

	p.healthy = false
	assert.False(t, d.HealthCheck(context.Background()).Healthy)
}
