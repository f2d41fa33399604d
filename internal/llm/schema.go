// internal/llm/schema.go
package llm

import (
	"encoding/json"
	"fmt"

	"github.com/Corphon/NovelIntruder/internal/models"
)

// ScriptFunctionName is the tool name adapters force the model to call.
const ScriptFunctionName = "generate_story_script"

// RawScriptUnit is a unit as the model wrote it; the type is not trusted yet.
type RawScriptUnit struct {
	Type         string         `json:"type"`
	Content      string         `json:"content"`
	Speaker      *string        `json:"speaker,omitempty"`
	ChoiceID     *string        `json:"choice_id,omitempty"`
	DefaultReply *string        `json:"default_reply,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// ScriptReply 模型返回的结构化脚本
// deviation_delta and new_deviation are on the 0-100 scale.
type ScriptReply struct {
	ScriptUnits        []RawScriptUnit        `json:"script_units"`
	RequiredCounts     *models.RequiredCounts `json:"required_counts,omitempty"`
	DeviationDelta     float64                `json:"deviation_delta"`
	NewDeviation       *float64               `json:"new_deviation,omitempty"`
	DeviationReasoning string                 `json:"deviation_reasoning,omitempty"`
	AffinityChanges    map[string]float64     `json:"affinity_changes,omitempty"`
	FlagsUpdates       map[string]bool        `json:"flags_updates,omitempty"`
	VariablesUpdates   map[string]any         `json:"variables_updates,omitempty"`
	Metadata           map[string]any         `json:"metadata,omitempty"`
}

// ScriptSchema builds the function schema advertising the target unit counts.
func ScriptSchema(counts models.RequiredCounts) FunctionSchema {
	unit := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"type": map[string]any{
				"type":        "string",
				"enum":        []string{string(models.UnitNarration), string(models.UnitDialogue), string(models.UnitInteraction)},
				"description": "Unit type; the single interaction unit must be last",
			},
			"content":       map[string]any{"type": "string"},
			"speaker":       map[string]any{"type": "string", "description": "Character id for dialogue, omitted for narration"},
			"choice_id":     map[string]any{"type": "string", "description": "Choice id for the interaction unit"},
			"default_reply": map[string]any{"type": "string", "description": "Suggested default reply for the interaction unit"},
			"metadata":      map[string]any{"type": "object"},
		},
		"required": []string{"type", "content"},
	}

	return FunctionSchema{
		Name:        ScriptFunctionName,
		Description: "Generate a structured story script with controlled content balance",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"script_units": map[string]any{
					"type":        "array",
					"items":       unit,
					"description": "Script units; the last unit must be the only interaction",
				},
				"required_counts": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"narration": map[string]any{
							"type": "integer", "minimum": 1,
							"description": fmt.Sprintf("Narration units, about %d", counts.Narration),
						},
						"dialogue": map[string]any{
							"type": "integer", "minimum": 1,
							"description": fmt.Sprintf("Dialogue units, about %d", counts.Dialogue),
						},
						"interaction": map[string]any{
							"type": "integer", "minimum": 1, "maximum": 1,
							"description": "Always 1",
						},
					},
					"required": []string{"narration", "dialogue", "interaction"},
				},
				"deviation_delta": map[string]any{
					"type": "number", "minimum": -20, "maximum": 20,
					"description": "Change of story deviation in percentage points",
				},
				"new_deviation": map[string]any{
					"type": "number", "minimum": 0, "maximum": 100,
					"description": "Deviation after applying the delta, in percent",
				},
				"deviation_reasoning": map[string]any{"type": "string"},
				"affinity_changes":    map[string]any{"type": "object", "description": "Character id to affinity change"},
				"flags_updates":       map[string]any{"type": "object", "description": "Story flag updates"},
				"variables_updates":   map[string]any{"type": "object", "description": "Game variable updates"},
				"metadata":            map[string]any{"type": "object"},
			},
			"required": []string{"script_units", "required_counts", "deviation_delta", "new_deviation", "deviation_reasoning"},
		},
	}
}

// MarshalSchema renders the schema parameters for prompt-embedded use.
func MarshalSchema(schema FunctionSchema) string {
	data, err := json.MarshalIndent(schema.Parameters, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}
