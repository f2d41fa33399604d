// internal/models/script.go
package models

import (
	"encoding/json"
	"fmt"
)

// ScriptUnitType 脚本单元类型
type ScriptUnitType string

const (
	UnitNarration   ScriptUnitType = "narration"
	UnitDialogue    ScriptUnitType = "dialogue"
	UnitInteraction ScriptUnitType = "interaction"
)

func (t ScriptUnitType) Valid() bool {
	switch t {
	case UnitNarration, UnitDialogue, UnitInteraction:
		return true
	}
	return false
}

func (t *ScriptUnitType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("script unit type: %w", err)
	}
	ut := ScriptUnitType(s)
	if !ut.Valid() {
		return fmt.Errorf("unknown script unit type %q", s)
	}
	*t = ut
	return nil
}

// ScriptUnit is one piece of generated output.
type ScriptUnit struct {
	Type         ScriptUnitType `json:"type"`
	Content      string         `json:"content"`
	Speaker      *string        `json:"speaker,omitempty"`
	ChoiceID     *string        `json:"choice_id,omitempty"`
	DefaultReply *string        `json:"default_reply,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// IsInteraction 是否为玩家交互单元
func (u ScriptUnit) IsInteraction() bool {
	return u.Type == UnitInteraction
}

// CountUnits tallies units by type.
func CountUnits(units []ScriptUnit) map[ScriptUnitType]int {
	counts := map[ScriptUnitType]int{}
	for _, u := range units {
		counts[u.Type]++
	}
	return counts
}

// EndsWithSingleInteraction reports whether the sequence is well formed:
// exactly one interaction unit, placed last.
func EndsWithSingleInteraction(units []ScriptUnit) bool {
	if len(units) == 0 || !units[len(units)-1].IsInteraction() {
		return false
	}
	return CountUnits(units)[UnitInteraction] == 1
}
