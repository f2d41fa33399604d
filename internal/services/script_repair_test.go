package services

import (
	"testing"

	"github.com/Corphon/NovelIntruder/internal/llm"
	"github.com/Corphon/NovelIntruder/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeUnits(t *testing.T) {
	units := normalizeUnits([]llm.RawScriptUnit{
		{Type: "Narration", Content: "  风起。 "},
		{Type: "monologue", Content: "我该走了。"},
		{Type: "dialogue", Content: "", Speaker: models.StringPtr("char_002")},
		{Type: "dialogue", Content: "站住！", Speaker: models.StringPtr(" ")},
		{Type: "interaction", Content: "", ChoiceID: models.StringPtr("c1")},
	})
	require.Len(t, units, 4)
	assert.Equal(t, models.UnitNarration, units[0].Type)
	assert.Equal(t, "风起。", units[0].Content)
	assert.Equal(t, models.UnitNarration, units[1].Type)
	assert.Equal(t, "monologue", units[1].Metadata["original_type"])
	assert.Nil(t, units[2].Speaker)
	assert.Equal(t, "c1", models.Deref(units[3].ChoiceID))
}

func TestRepairStructure(t *testing.T) {
	narr := models.ScriptUnit{Type: models.UnitNarration, Content: "夜。"}
	ask := func(id string) models.ScriptUnit {
		return models.ScriptUnit{Type: models.UnitInteraction, Content: "选？", ChoiceID: models.StringPtr(id)}
	}

	out, changed := repairStructure([]models.ScriptUnit{narr, ask("c1")})
	assert.False(t, changed)
	assert.Len(t, out, 2)

	out, changed = repairStructure([]models.ScriptUnit{ask("early"), narr, ask("late")})
	assert.True(t, changed)
	require.Len(t, out, 2)
	assert.Equal(t, "late", models.Deref(out[1].ChoiceID))

	out, changed = repairStructure([]models.ScriptUnit{ask("early"), narr})
	assert.True(t, changed)
	require.Len(t, out, 2)
	assert.Equal(t, ContinueChoiceID, models.Deref(out[1].ChoiceID))
	assert.Equal(t, "继续", models.Deref(out[1].DefaultReply))
	assert.True(t, models.EndsWithSingleInteraction(out))

	out, _ = repairStructure([]models.ScriptUnit{narr, {Type: models.UnitInteraction}})
	assert.Equal(t, ContinueChoiceID, models.Deref(out[1].ChoiceID))
	assert.NotEmpty(t, out[1].Content)

	out, changed = repairStructure(nil)
	assert.Nil(t, out)
	assert.False(t, changed)
}

func TestFallbackResultShape(t *testing.T) {
	r := FallbackResult("circuit_open", models.RequiredCounts{Narration: 1, Interaction: 1})
	assert.True(t, r.IsFallback())
	assert.True(t, models.EndsWithSingleInteraction(r.ScriptUnits))
	assert.Equal(t, FallbackChoiceID, models.Deref(r.ScriptUnits[1].ChoiceID))
	assert.Equal(t, "circuit_open", r.Metadata["fallback_reason"])
	assert.Zero(t, r.DeviationDelta)
}
