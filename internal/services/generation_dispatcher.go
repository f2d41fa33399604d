// internal/services/generation_dispatcher.go
package services

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/Corphon/NovelIntruder/internal/config"
	apperrors "github.com/Corphon/NovelIntruder/internal/errors"
	"github.com/Corphon/NovelIntruder/internal/llm"
	"github.com/Corphon/NovelIntruder/internal/models"
	"github.com/Corphon/NovelIntruder/internal/utils"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// maxReplyDelta bounds a reply's deviation delta (0-1 scale) before the controller applies its bands.
const maxReplyDelta = 0.20

// GenerateInput 单次生成的输入
type GenerateInput struct {
	SessionID  string
	Prompt     string
	Context    string
	Globals    models.GlobalState
	AnchorInfo *models.AnchorInfo
	Summary    string
	Memory     string

	// Temperature overrides the profile temperature when set.
	Temperature *float64
	// MaxTokens overrides the profile token budget when positive.
	MaxTokens int
}

// GenerationDispatcher turns session state into a vendor call and always
// hands back a well-formed result.
type GenerationDispatcher struct {
	provider   llm.Provider
	controller *DeviationController
	prompts    PromptBuilder
	locks      *LockManager
	limiter    *SlidingWindowLimiter
	breaker    *CircuitBreaker
	cache      ResultCache
	cfg        config.DispatchConfig
	metrics    *utils.Metrics
	logger     zerolog.Logger

	inflight singleflight.Group
	health   singleflight.Group

	statsMu   sync.Mutex
	lastUnits map[string][2]int // session -> narration, dialogue of the previous result

	sleep func(ctx context.Context, d time.Duration) error
}

// NewGenerationDispatcher 创建生成调度器
func NewGenerationDispatcher(
	provider llm.Provider,
	controller *DeviationController,
	cache ResultCache,
	cfg config.DispatchConfig,
	metrics *utils.Metrics,
) *GenerationDispatcher {
	if cache == nil {
		cache = NewMemoryResultCache(cfg.CacheTTL, cfg.CacheMaxEntries)
	}
	d := &GenerationDispatcher{
		provider:   provider,
		controller: controller,
		prompts:    StoryPromptBuilder{},
		locks:      NewLockManager(),
		limiter:    NewSlidingWindowLimiter(cfg.RateLimitRequests, cfg.RateLimitWindow),
		breaker:    NewCircuitBreaker(cfg.BreakerThreshold, cfg.BreakerWindow, cfg.BreakerOpenDuration),
		cache:      cache,
		cfg:        cfg,
		metrics:    metrics,
		logger:     utils.Component("dispatcher"),
		lastUnits:  make(map[string][2]int),
		sleep:      sleepCtx,
	}
	d.breaker.onChange = func(s CircuitState) {
		d.metrics.SetCircuitState(int(s))
		d.logger.Warn().Str("state", s.String()).Msg("熔断器状态变化")
	}
	return d
}

// Locks exposes the per-session lock so callers can hold it across a whole turn.
func (d *GenerationDispatcher) Locks() *LockManager {
	return d.locks
}

// LockSession waits at most LockWaitTimeout for the session lock.
func (d *GenerationDispatcher) LockSession(ctx context.Context, sessionID string) (func(), error) {
	if d.cfg.LockWaitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.LockWaitTimeout)
		defer cancel()
	}
	return d.locks.Lock(ctx, sessionID)
}

// Provider returns the adapter in use.
func (d *GenerationDispatcher) Provider() llm.Provider {
	return d.provider
}

// Generate takes the session lock, then generates. It never returns vendor
// errors: total failure yields the fallback script.
func (d *GenerationDispatcher) Generate(ctx context.Context, in GenerateInput) *models.GenerationResult {
	unlock, err := d.LockSession(ctx, in.SessionID)
	if err != nil {
		d.logger.Warn().Err(err).Str("session_id", in.SessionID).Msg("等待会话锁超时")
		plan := d.plan(in)
		return d.fallback("lock_timeout", plan)
	}
	defer unlock()
	return d.GenerateLocked(ctx, in)
}

// GenerateLocked assumes the caller already holds the session lock.
func (d *GenerationDispatcher) GenerateLocked(ctx context.Context, in GenerateInput) *models.GenerationResult {
	start := time.Now()
	plan := d.plan(in)
	key := DedupKey(in.SessionID, in.Context, in.Prompt, in.Globals.Deviation, keyTemperature(in, plan), d.cfg.ContextPrefixLen)

	if cached, ok := d.lookup(ctx, key); ok {
		d.metrics.RecordOutcome("cache_hit", time.Since(start))
		return cached
	}

	leader := false
	v, _, _ := d.inflight.Do(key, func() (any, error) {
		leader = true
		result := d.generate(ctx, in, plan)
		if !result.IsFallback() {
			if err := d.cache.Set(ctx, key, result); err != nil {
				d.logger.Warn().Err(err).Msg("写入结果缓存失败")
			}
		}
		return result, nil
	})
	result := v.(*models.GenerationResult)
	if !leader {
		result = copyResult(result)
		result.CacheHit = true
	}

	outcome := "success"
	if result.IsFallback() {
		outcome = "fallback"
	} else {
		d.rememberUnits(in.SessionID, result.ScriptUnits)
	}
	d.metrics.RecordOutcome(outcome, time.Since(start))
	return result
}

func (d *GenerationDispatcher) lookup(ctx context.Context, key string) (*models.GenerationResult, bool) {
	cached, ok, err := d.cache.Get(ctx, key)
	if err != nil {
		d.logger.Warn().Err(err).Msg("读取结果缓存失败")
		d.metrics.RecordCacheLookup(false)
		return nil, false
	}
	d.metrics.RecordCacheLookup(ok)
	if !ok {
		return nil, false
	}
	out := copyResult(cached)
	out.CacheHit = true
	return out, true
}

func (d *GenerationDispatcher) plan(in GenerateInput) GenerationPlan {
	d.statsMu.Lock()
	last := d.lastUnits[in.SessionID]
	d.statsMu.Unlock()

	plan := d.controller.Plan(in.SessionID, in.Globals.Deviation, len([]rune(in.Context)), last[0], last[1])
	if in.Temperature != nil {
		plan.Temperature = *in.Temperature
	}
	if in.MaxTokens > 0 {
		plan.MaxTokens = in.MaxTokens
	}
	return plan
}

// keyTemperature ignores the per-session adjustment so a repeated request
// maps to the same key after the first reply has been remembered.
func keyTemperature(in GenerateInput, plan GenerationPlan) float64 {
	if in.Temperature != nil {
		return *in.Temperature
	}
	return plan.Profile.Temperature
}

func (d *GenerationDispatcher) rememberUnits(sessionID string, units []models.ScriptUnit) {
	counts := models.CountUnits(units)
	d.statsMu.Lock()
	d.lastUnits[sessionID] = [2]int{counts[models.UnitNarration], counts[models.UnitDialogue]}
	d.statsMu.Unlock()
}

// generate runs the retry loop against the vendor.
func (d *GenerationDispatcher) generate(ctx context.Context, in GenerateInput, plan GenerationPlan) *models.GenerationResult {
	counts := models.RequiredCounts{Narration: plan.Narration, Dialogue: plan.Dialogue, Interaction: plan.Interaction}
	system, user := d.prompts.Build(PromptInput{
		Context:    in.Context,
		Prompt:     in.Prompt,
		AnchorInfo: in.AnchorInfo,
		Globals:    in.Globals,
		Plan:       plan,
		Summary:    in.Summary,
		Memory:     in.Memory,
	})
	req := llm.StructuredRequest{
		SystemPrompt: system,
		UserMessage:  user,
		Schema:       llm.ScriptSchema(counts),
		Temperature:  plan.Temperature,
		MaxTokens:    plan.MaxTokens,
	}

	log := d.logger.With().Str("session_id", in.SessionID).Str("provider", d.provider.Name()).Logger()
	attempts := d.cfg.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if !d.breaker.Allow() {
			log.Warn().Msg("熔断器打开，返回降级结果")
			return d.fallback("circuit_open", plan)
		}

		waited, err := d.limiter.Acquire(ctx)
		if waited {
			d.metrics.RecordRateLimitWait()
		}
		if err != nil {
			d.breaker.Abandon()
			log.Warn().Err(err).Msg("等待限流时请求被取消")
			return d.fallback("cancelled", plan)
		}

		resp, err := d.provider.GenerateStructured(ctx, req)
		if err != nil {
			d.breaker.Record(false)
			lastErr = err
			retryable := llm.IsRetryable(err)
			d.metrics.RecordAttempt(d.provider.Name(), attemptLabel(err))
			log.Warn().Err(err).Int("attempt", attempt).Bool("retryable", retryable).Msg("生成请求失败")
			if !retryable || attempt == attempts {
				break
			}
			if err := d.sleep(ctx, d.backoff(attempt)); err != nil {
				return d.fallback("cancelled", plan)
			}
			continue
		}

		result, err := d.parseReply(resp, req, counts, plan)
		if err != nil {
			d.breaker.Record(false)
			d.metrics.RecordAttempt(d.provider.Name(), "malformed")
			log.Error().Err(err).Int("attempt", attempt).Msg("回复无法解析")
			return d.fallback("malformed_reply", plan)
		}

		d.breaker.Record(true)
		d.metrics.RecordAttempt(d.provider.Name(), "success")
		result.Metadata["attempts"] = attempt
		return result
	}

	reason := "vendor_error"
	if llm.IsRetryable(lastErr) {
		reason = "retries_exhausted"
	}
	if ctx.Err() != nil {
		reason = "cancelled"
	}
	result := d.fallback(reason, plan)
	if lastErr != nil {
		result.Metadata["error"] = lastErr.Error()
	}
	return result
}

// backoff is base*2^(attempt-1) capped at the max delay.
func (d *GenerationDispatcher) backoff(attempt int) time.Duration {
	delay := time.Duration(float64(d.cfg.RetryBaseDelay) * math.Pow(2, float64(attempt-1)))
	if d.cfg.RetryMaxDelay > 0 && delay > d.cfg.RetryMaxDelay {
		delay = d.cfg.RetryMaxDelay
	}
	return delay
}

func attemptLabel(err error) string {
	if llm.IsRetryable(err) {
		return "transient"
	}
	return "error"
}

func (d *GenerationDispatcher) fallback(reason string, plan GenerationPlan) *models.GenerationResult {
	d.metrics.RecordFallback(reason)
	result := FallbackResult(reason, models.RequiredCounts{
		Narration: plan.Narration, Dialogue: plan.Dialogue, Interaction: plan.Interaction,
	})
	result.Metadata["prompt_version"] = plan.Version
	result.Metadata["deviation_level"] = string(plan.Level)
	return result
}

// parseReply decodes the vendor JSON, making one repair attempt, and
// normalises the unit structure.
func (d *GenerationDispatcher) parseReply(resp *llm.StructuredResponse, req llm.StructuredRequest, counts models.RequiredCounts, plan GenerationPlan) (*models.GenerationResult, error) {
	reply, repaired, err := decodeReply(resp.Content)
	if err != nil {
		return nil, err
	}

	units, changed := repairStructure(normalizeUnits(reply.ScriptUnits))
	if len(units) == 0 {
		return nil, apperrors.NewMalformedReplyError("reply has no script units", nil)
	}

	delta := reply.DeviationDelta / 100
	if math.IsNaN(delta) || math.IsInf(delta, 0) {
		delta = 0
	}
	delta = math.Max(-maxReplyDelta, math.Min(maxReplyDelta, delta))

	metadata := map[string]any{}
	for k, v := range reply.Metadata {
		metadata[k] = v
	}
	metadata["provider"] = d.provider.Name()
	metadata["model"] = resp.ModelName
	metadata["finish_reason"] = resp.FinishReason
	metadata["prompt_version"] = plan.Version
	metadata["deviation_level"] = string(plan.Level)
	metadata["temperature"] = plan.Temperature
	if repaired {
		metadata["json_repaired"] = true
	}
	if changed {
		metadata["structure_repaired"] = true
	}
	if reply.NewDeviation != nil {
		metadata["reported_new_deviation"] = *reply.NewDeviation
	}
	if reply.RequiredCounts != nil {
		metadata["reported_counts"] = *reply.RequiredCounts
	}

	usageResp := *resp
	estimated := llm.FillUsage(&usageResp, req)

	result := &models.GenerationResult{
		ScriptUnits:        units,
		DeviationDelta:     delta,
		DeviationReasoning: reply.DeviationReasoning,
		AffinityChanges:    nonNilFloatMap(reply.AffinityChanges),
		FlagsUpdates:       nonNilBoolMap(reply.FlagsUpdates),
		VariablesUpdates:   nonNilAnyMap(reply.VariablesUpdates),
		RequiredCounts:     counts,
		Usage: models.Usage{
			PromptTokens:     usageResp.PromptTokens,
			CompletionTokens: usageResp.CompletionTokens,
			TotalTokens:      usageResp.TotalTokens,
			Estimated:        estimated,
		},
		Metadata: metadata,
	}
	return result, nil
}

// decodeReply parses the reply JSON; repaired reports whether RepairJSON was needed.
// A bare array is accepted as the unit list.
func decodeReply(content string) (reply llm.ScriptReply, repaired bool, err error) {
	if strings.TrimSpace(content) == "" {
		return reply, false, apperrors.NewMalformedReplyError("empty reply", nil)
	}

	cleaned := llm.CleanJSON(content)
	if decodeInto(cleaned, &reply) == nil {
		return reply, false, nil
	}

	fixed, ok := llm.RepairJSON(content)
	if !ok {
		return reply, true, apperrors.NewMalformedReplyError("reply is not valid JSON after repair", nil)
	}
	reply = llm.ScriptReply{}
	if err := decodeInto(fixed, &reply); err != nil {
		return reply, true, apperrors.NewMalformedReplyError("reply does not match the script schema", err)
	}
	return reply, true, nil
}

func decodeInto(s string, reply *llm.ScriptReply) error {
	if strings.HasPrefix(s, "[") {
		return json.Unmarshal([]byte(s), &reply.ScriptUnits)
	}
	return json.Unmarshal([]byte(s), reply)
}

// DedupKey hashes the inputs that make two generate calls interchangeable.
func DedupKey(sessionID, contextText, prompt string, deviation, temperature float64, prefixLen int) string {
	prefix := []rune(contextText)
	if prefixLen > 0 && len(prefix) > prefixLen {
		prefix = prefix[:prefixLen]
	}
	sum := md5.Sum([]byte(fmt.Sprintf("%s|%s|%s|%.4f|%.2f", sessionID, string(prefix), prompt, deviation, temperature)))
	return hex.EncodeToString(sum[:])
}

func copyResult(r *models.GenerationResult) *models.GenerationResult {
	out := *r
	out.ScriptUnits = append([]models.ScriptUnit(nil), r.ScriptUnits...)
	out.Metadata = make(map[string]any, len(r.Metadata))
	for k, v := range r.Metadata {
		out.Metadata[k] = v
	}
	return &out
}

func nonNilFloatMap(m map[string]float64) map[string]float64 {
	if m == nil {
		return map[string]float64{}
	}
	return m
}

func nonNilBoolMap(m map[string]bool) map[string]bool {
	if m == nil {
		return map[string]bool{}
	}
	return m
}

func nonNilAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// DispatcherHealth 调度器健康状态
type DispatcherHealth struct {
	Healthy  bool             `json:"healthy"`
	Provider llm.HealthStatus `json:"provider"`
	Model    llm.ModelInfo    `json:"model"`
	Breaker  BreakerStats     `json:"circuit_breaker"`
	Limiter  LimiterStats     `json:"rate_limiter"`
	// SessionLocks counts tracked per-session locks.
	SessionLocks int `json:"session_locks"`
}

// HealthCheck aggregates adapter, breaker and limiter state. Concurrent
// callers share one vendor probe.
func (d *GenerationDispatcher) HealthCheck(ctx context.Context) DispatcherHealth {
	v, _, _ := d.health.Do("health", func() (any, error) {
		return d.provider.HealthCheck(ctx), nil
	})
	status := v.(llm.HealthStatus)
	breaker := d.breaker.Stats()
	return DispatcherHealth{
		Healthy:  status.Healthy && breaker.State != CircuitOpen.String(),
		Provider: status,
		Model:    d.provider.ModelInfo(),
		Breaker:  breaker,
		Limiter:  d.limiter.Stats(),

		SessionLocks: d.locks.Size(),
	}
}

// Summarize condenses text through the configured adapter for compaction.
func (d *GenerationDispatcher) Summarize(ctx context.Context, text string, maxLen int) (string, error) {
	return d.provider.Summarize(ctx, text, maxLen)
}

// Close releases the cache and lock cleanup loop.
func (d *GenerationDispatcher) Close() error {
	d.locks.Close()
	return d.cache.Close()
}
