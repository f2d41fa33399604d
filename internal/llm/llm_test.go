package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"testing"

	apperrors "github.com/Corphon/NovelIntruder/internal/errors"
	"github.com/Corphon/NovelIntruder/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanJSONStripsFencesAndChatter(t *testing.T) {
	raw := "Sure! Here is the script:\n```json\n{\"script_units\": []}\n```\nEnjoy."
	assert.Equal(t, `{"script_units": []}`, CleanJSON(raw))
}

func TestCleanJSONNormalisesFullWidthPunctuation(t *testing.T) {
	raw := "｛“content”：“你好，世界”｝"
	cleaned := CleanJSON(raw)
	var v map[string]string
	require.NoError(t, json.Unmarshal([]byte(cleaned), &v))
	assert.Equal(t, "你好，世界", v["content"])
}

func TestRepairJSON(t *testing.T) {
	cases := map[string]string{
		"trailing comma":      `{"a": [1, 2,], "b": 3,}`,
		"truncated string":    `{"script_units": [{"type": "narration", "content": "the rain fell`,
		"truncated after key": `{"a": 1, "b":`,
		"raw newline":         "{\"content\": \"line one\nline two\"}",
		"bom and fence":       "\ufeff```json\n{\"ok\": true}\n```",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			fixed, ok := RepairJSON(raw)
			assert.True(t, ok, fixed)
			assert.True(t, json.Valid([]byte(fixed)), fixed)
		})
	}
}

func TestRepairJSONGivesUp(t *testing.T) {
	_, ok := RepairJSON("no json here at all")
	assert.False(t, ok)
}

func TestRepairedTruncatedReplyDecodes(t *testing.T) {
	raw := `{"script_units": [{"type": "narration", "content": "dusk"}, {"type": "dialogue", "content": "wait", "speaker": "c1"`
	fixed, ok := RepairJSON(raw)
	require.True(t, ok)

	var reply ScriptReply
	require.NoError(t, json.Unmarshal([]byte(fixed), &reply))
	assert.Len(t, reply.ScriptUnits, 2)
	assert.Equal(t, "c1", *reply.ScriptUnits[1].Speaker)
}

func TestClassifyError(t *testing.T) {
	assert.True(t, IsRetryable(ClassifyError("x", &StatusError{Provider: "x", StatusCode: 429})))
	assert.True(t, IsRetryable(ClassifyError("x", &StatusError{Provider: "x", StatusCode: 503})))
	assert.False(t, IsRetryable(ClassifyError("x", &StatusError{Provider: "x", StatusCode: 401})))
	assert.True(t, IsRetryable(ClassifyError("x", context.DeadlineExceeded)))
	assert.True(t, IsRetryable(ClassifyError("x", &net.OpError{Op: "dial", Err: fmt.Errorf("refused")})))
	assert.ErrorIs(t, ClassifyError("x", context.Canceled), context.Canceled)
	assert.Nil(t, ClassifyError("x", nil))

	terminal := ClassifyError("x", fmt.Errorf("bad request"))
	assert.Equal(t, apperrors.ErrorTypeError, apperrors.TypeOf(terminal))
}

func TestScriptSchemaAdvertisesCounts(t *testing.T) {
	schema := ScriptSchema(models.RequiredCounts{Narration: 7, Dialogue: 9, Interaction: 1})
	assert.Equal(t, ScriptFunctionName, schema.Name)

	data, err := json.Marshal(schema.Parameters)
	require.NoError(t, err)
	assert.Contains(t, string(data), "about 7")
	assert.Contains(t, string(data), "about 9")
}

func TestEstimateTokens(t *testing.T) {
	assert.Zero(t, EstimateTokens(""))
	assert.Positive(t, EstimateTokens("The quick brown fox jumps over the lazy dog."))

	resp := &StructuredResponse{Content: `{"script_units": []}`}
	estimated := FillUsage(resp, StructuredRequest{SystemPrompt: "system", UserMessage: "user"})
	assert.True(t, estimated)
	assert.Equal(t, resp.PromptTokens+resp.CompletionTokens, resp.TotalTokens)
}

type stubProvider struct{ initialized map[string]string }

func (s *stubProvider) Initialize(config map[string]string) error {
	s.initialized = config
	return nil
}
func (s *stubProvider) Name() string { return "stub" }
func (s *stubProvider) GenerateStructured(context.Context, StructuredRequest) (*StructuredResponse, error) {
	return &StructuredResponse{}, nil
}
func (s *stubProvider) Summarize(context.Context, string, int) (string, error) { return "", nil }
func (s *stubProvider) HealthCheck(context.Context) HealthStatus               { return HealthStatus{Healthy: true} }
func (s *stubProvider) ModelInfo() ModelInfo                                   { return ModelInfo{} }

func TestRegistry(t *testing.T) {
	Register("stub-test", func() Provider { return &stubProvider{} })

	p, err := GetProvider("stub-test", map[string]string{"api_key": "k"})
	require.NoError(t, err)
	stub := p.(*stubProvider)
	assert.Equal(t, "stub-test", stub.initialized["provider"])
	assert.Equal(t, "k", stub.initialized["api_key"])
	assert.Contains(t, ListProviders(), "stub-test")

	_, err = GetProvider("missing", nil)
	assert.ErrorIs(t, err, ErrUnknownProvider)
}
