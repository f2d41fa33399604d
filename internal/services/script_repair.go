// internal/services/script_repair.go
package services

import (
	"strings"

	"github.com/Corphon/NovelIntruder/internal/llm"
	"github.com/Corphon/NovelIntruder/internal/models"
)

const (
	FallbackChoiceID = "fallback_choice"
	ContinueChoiceID = "continue_story"

	defaultReplyContinue = "继续"
)

// normalizeUnits converts the model's units into typed script units.
// Unknown types become narration; empty non-interaction units are dropped.
func normalizeUnits(raw []llm.RawScriptUnit) []models.ScriptUnit {
	units := make([]models.ScriptUnit, 0, len(raw))
	for _, r := range raw {
		unitType := models.ScriptUnitType(strings.ToLower(strings.TrimSpace(r.Type)))
		metadata := r.Metadata
		if !unitType.Valid() {
			if metadata == nil {
				metadata = map[string]any{}
			}
			metadata["original_type"] = r.Type
			unitType = models.UnitNarration
		}

		content := strings.TrimSpace(r.Content)
		if content == "" && unitType != models.UnitInteraction {
			continue
		}

		unit := models.ScriptUnit{
			Type:     unitType,
			Content:  content,
			Metadata: metadata,
		}
		if unitType == models.UnitDialogue {
			unit.Speaker = nonEmpty(r.Speaker)
		}
		if unitType == models.UnitInteraction {
			unit.ChoiceID = nonEmpty(r.ChoiceID)
			unit.DefaultReply = nonEmpty(r.DefaultReply)
		}
		units = append(units, unit)
	}
	return units
}

func nonEmpty(s *string) *string {
	if s == nil || strings.TrimSpace(*s) == "" {
		return nil
	}
	v := strings.TrimSpace(*s)
	return &v
}

// repairStructure makes a non-empty unit list end with exactly one interaction.
// A trailing interaction is kept and earlier ones are dropped; without one,
// every interaction is removed and a continuation prompt is appended.
// It returns nil for an empty list so the caller can fall back.
func repairStructure(units []models.ScriptUnit) (repaired []models.ScriptUnit, changed bool) {
	if len(units) == 0 {
		return nil, false
	}
	if models.EndsWithSingleInteraction(units) {
		return ensureChoiceID(units), false
	}

	last := units[len(units)-1]
	out := make([]models.ScriptUnit, 0, len(units)+1)
	for _, u := range units[:len(units)-1] {
		if !u.IsInteraction() {
			out = append(out, u)
		}
	}

	if last.IsInteraction() {
		out = append(out, last)
		return ensureChoiceID(out), true
	}

	out = append(out, last, models.ScriptUnit{
		Type:         models.UnitInteraction,
		Content:      "请选择你的下一步行动：",
		ChoiceID:     models.StringPtr(ContinueChoiceID),
		DefaultReply: models.StringPtr(defaultReplyContinue),
		Metadata:     map[string]any{"fallback_added": true},
	})
	return out, true
}

// ensureChoiceID gives the final interaction a choice id when the model left it out.
func ensureChoiceID(units []models.ScriptUnit) []models.ScriptUnit {
	last := &units[len(units)-1]
	if last.ChoiceID == nil {
		last.ChoiceID = models.StringPtr(ContinueChoiceID)
	}
	if strings.TrimSpace(last.Content) == "" {
		last.Content = "请选择你的下一步行动："
	}
	return units
}

// FallbackResult is the canned minimal script returned when generation fails.
func FallbackResult(reason string, counts models.RequiredCounts) *models.GenerationResult {
	return &models.GenerationResult{
		ScriptUnits: []models.ScriptUnit{
			{
				Type:     models.UnitNarration,
				Content:  "故事暂时停顿了一下，等待着下一个转折点的到来。",
				Metadata: map[string]any{"fallback": true},
			},
			{
				Type:         models.UnitInteraction,
				Content:      "请选择你的下一步行动：",
				ChoiceID:     models.StringPtr(FallbackChoiceID),
				DefaultReply: models.StringPtr(defaultReplyContinue),
				Metadata:     map[string]any{"fallback": true},
			},
		},
		DeviationDelta:     0,
		DeviationReasoning: "fallback",
		AffinityChanges:    map[string]float64{},
		FlagsUpdates:       map[string]bool{},
		VariablesUpdates:   map[string]any{},
		RequiredCounts:     counts,
		Metadata: map[string]any{
			"fallback":        true,
			"fallback_reason": reason,
		},
	}
}
