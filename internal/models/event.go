// internal/models/event.go
package models

import (
	"encoding/json"
	"fmt"
)

// TurnEventRole 回合事件的发起方
type TurnEventRole string

const (
	RoleUser      TurnEventRole = "user"
	RoleAssistant TurnEventRole = "assistant"
	RoleSystem    TurnEventRole = "system"
)

// Valid reports whether r is one of the known roles.
func (r TurnEventRole) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// UnmarshalJSON rejects unknown roles so that corrupt records fail at the storage boundary.
func (r *TurnEventRole) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("turn event role: %w", err)
	}
	role := TurnEventRole(s)
	if !role.Valid() {
		return fmt.Errorf("unknown turn event role %q", s)
	}
	*r = role
	return nil
}

// TurnEvent is one append-only entry of a session's event log.
type TurnEvent struct {
	T               int                `json:"t"`
	Role            TurnEventRole      `json:"role"`
	Anchor          *string            `json:"anchor,omitempty"`
	Choice          *string            `json:"choice,omitempty"`
	Script          []ScriptUnit       `json:"script,omitempty"`
	DeviationDelta  float64            `json:"deviation_delta"`
	AffinityChanges map[string]float64 `json:"affinity_changes,omitempty"`
	Metadata        map[string]any     `json:"metadata,omitempty"`
}

// DecodeTurnEvent strictly decodes one stored event record.
func DecodeTurnEvent(data []byte) (TurnEvent, error) {
	var ev TurnEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return TurnEvent{}, err
	}
	if ev.Role == "" {
		return TurnEvent{}, fmt.Errorf("turn event %d has no role", ev.T)
	}
	if ev.T <= 0 {
		return TurnEvent{}, fmt.Errorf("turn event has invalid turn number %d", ev.T)
	}
	return ev, nil
}

// StringPtr 返回字符串指针，空串返回nil
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Deref returns the pointed string or "".
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
