package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeTurnEventRejectsUnknownRole(t *testing.T) {
	_, err := DecodeTurnEvent([]byte(`{"t":1,"role":"narrator"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "narrator")
}

func TestDecodeTurnEventRejectsMissingTurn(t *testing.T) {
	_, err := DecodeTurnEvent([]byte(`{"role":"user"}`))
	require.Error(t, err)
}

func TestDecodeTurnEventWithScript(t *testing.T) {
	raw := `{"t":2,"role":"assistant","script":[
		{"type":"narration","content":"rain"},
		{"type":"interaction","content":"?","choice_id":"c1","default_reply":"go"}
	],"deviation_delta":0.05}`
	ev, err := DecodeTurnEvent([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, RoleAssistant, ev.Role)
	require.Len(t, ev.Script, 2)
	assert.Equal(t, "c1", Deref(ev.Script[1].ChoiceID))
	assert.True(t, EndsWithSingleInteraction(ev.Script))
}

func TestScriptUnitTypeRejectsUnknown(t *testing.T) {
	var u ScriptUnit
	err := json.Unmarshal([]byte(`{"type":"monologue","content":"x"}`), &u)
	require.Error(t, err)
}

func TestEndsWithSingleInteraction(t *testing.T) {
	n := ScriptUnit{Type: UnitNarration}
	i := ScriptUnit{Type: UnitInteraction}
	assert.False(t, EndsWithSingleInteraction(nil))
	assert.False(t, EndsWithSingleInteraction([]ScriptUnit{i, n}))
	assert.False(t, EndsWithSingleInteraction([]ScriptUnit{i, n, i}))
	assert.True(t, EndsWithSingleInteraction([]ScriptUnit{n, n, i}))
}

func TestDecodeSnapshotFillsMaps(t *testing.T) {
	snap, err := DecodeSnapshot([]byte(`{"session_id":"s1","protagonist":"p","globals":{"deviation":0.2}}`))
	require.NoError(t, err)
	assert.Equal(t, SnapshotVersion, snap.Version)
	assert.NotNil(t, snap.Globals.Affinity)
	assert.NotNil(t, snap.Globals.Flags)
	assert.NotNil(t, snap.Globals.Variables)
	assert.NotNil(t, snap.Recent)
}

func TestDecodeSnapshotRejectsFutureVersion(t *testing.T) {
	_, err := DecodeSnapshot([]byte(`{"session_id":"s1","version":9}`))
	require.Error(t, err)
}

func TestGlobalStateCloneIsDeep(t *testing.T) {
	g := NewGlobalState()
	g.Affinity["a"] = 10
	c := g.Clone()
	c.Affinity["a"] = 50
	assert.Equal(t, 10.0, g.Affinity["a"])
}
