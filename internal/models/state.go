// internal/models/state.go
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	SnapshotVersion = 1

	AffinityMin = -100.0
	AffinityMax = 100.0
)

// GlobalState 会话的全局游戏状态
type GlobalState struct {
	Deviation float64            `json:"deviation"`
	Affinity  map[string]float64 `json:"affinity"`
	Flags     map[string]bool    `json:"flags"`
	Variables map[string]any     `json:"variables"`
}

// NewGlobalState returns a zero state with initialised maps.
func NewGlobalState() GlobalState {
	return GlobalState{
		Affinity:  map[string]float64{},
		Flags:     map[string]bool{},
		Variables: map[string]any{},
	}
}

// Clone copies the maps so callers can mutate the result freely.
func (g GlobalState) Clone() GlobalState {
	out := GlobalState{
		Deviation: g.Deviation,
		Affinity:  make(map[string]float64, len(g.Affinity)),
		Flags:     make(map[string]bool, len(g.Flags)),
		Variables: make(map[string]any, len(g.Variables)),
	}
	for k, v := range g.Affinity {
		out.Affinity[k] = v
	}
	for k, v := range g.Flags {
		out.Flags[k] = v
	}
	for k, v := range g.Variables {
		out.Variables[k] = v
	}
	return out
}

// Snapshot is the compacted, fast-path view of a session.
type Snapshot struct {
	SessionID   string      `json:"session_id"`
	Protagonist string      `json:"protagonist"`
	Globals     GlobalState `json:"globals"`
	Summary     *string     `json:"summary,omitempty"`
	Recent      []TurnEvent `json:"recent"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
	Version     int         `json:"version"`
}

// NewSnapshot 创建初始快照
func NewSnapshot(sessionID, protagonist string) *Snapshot {
	now := time.Now().UTC()
	return &Snapshot{
		SessionID:   sessionID,
		Protagonist: protagonist,
		Globals:     NewGlobalState(),
		Recent:      []TurnEvent{},
		CreatedAt:   now,
		UpdatedAt:   now,
		Version:     SnapshotVersion,
	}
}

// DecodeSnapshot decodes a stored snapshot and fills nil maps left by older records.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	if snap.Version > SnapshotVersion {
		return nil, fmt.Errorf("snapshot version %d is newer than supported %d", snap.Version, SnapshotVersion)
	}
	if snap.Version == 0 {
		snap.Version = SnapshotVersion
	}
	if snap.Globals.Affinity == nil {
		snap.Globals.Affinity = map[string]float64{}
	}
	if snap.Globals.Flags == nil {
		snap.Globals.Flags = map[string]bool{}
	}
	if snap.Globals.Variables == nil {
		snap.Globals.Variables = map[string]any{}
	}
	if snap.Recent == nil {
		snap.Recent = []TurnEvent{}
	}
	return &snap, nil
}

// SummaryText returns the rolling summary or "".
func (s *Snapshot) SummaryText() string {
	return Deref(s.Summary)
}

// SessionInfo 会话概要
type SessionInfo struct {
	SessionID   string    `json:"session_id"`
	Protagonist string    `json:"protagonist"`
	CreatedAt   time.Time `json:"created_at"`
	LastActive  time.Time `json:"last_active"`
	TurnCount   int       `json:"turn_count"`
	Status      string    `json:"status"`
	Deviation   float64   `json:"deviation"`
}
