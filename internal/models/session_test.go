package models

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTechnique_Valid(t *testing.T) {
	assert.True(t, TechniqueSixHats.Valid())
	assert.True(t, TechniqueFirstPrinciples.Valid())
	assert.False(t, Technique("mind_reading").Valid())
	assert.False(t, Technique("").Valid())
}

func TestSession_CloneIsDeep(t *testing.T) {
	s := &Session{
		ID:         "s1",
		History:    []StepRecord{{Step: 1, Output: "a", Payload: &StepPayload{Kind: PayloadKindSixHats, SixHats: &SixHatsPayload{Hat: "blue"}}}},
		DependsOn:  []string{"s0"},
		Extensions: map[string]any{"k": "v"},
	}
	c := s.Clone()
	c.History[0].Output = "changed"
	c.History[0].Payload.SixHats.Hat = "red"
	c.DependsOn[0] = "x"
	c.Extensions["k"] = "w"

	assert.Equal(t, "a", s.History[0].Output)
	assert.Equal(t, "blue", s.History[0].Payload.SixHats.Hat)
	assert.Equal(t, "s0", s.DependsOn[0])
	assert.Equal(t, "v", s.Extensions["k"])
}

func TestSession_CompletedSteps(t *testing.T) {
	s := &Session{TotalSteps: 9, Status: SessionStatusActive}
	assert.Equal(t, 0, s.CompletedSteps())

	s.History = []StepRecord{{Step: 1}, {Step: 3}, {Step: 2}}
	assert.Equal(t, 3, s.CompletedSteps())

	s.Status = SessionStatusCompleted
	assert.Equal(t, 9, s.CompletedSteps())
}

func TestStepRecord_Validate(t *testing.T) {
	tests := []struct {
		name    string
		record  StepRecord
		wantErr bool
	}{
		{"in range", StepRecord{Step: 2, Technique: TechniquePo}, false},
		{"zero step", StepRecord{Step: 0, Technique: TechniquePo}, true},
		{"past total", StepRecord{Step: 5, Technique: TechniquePo}, true},
		{"matching payload", StepRecord{Step: 1, Technique: TechniquePo, Payload: &StepPayload{Kind: PayloadKindPo, Po: &PoPayload{Provocation: "Po: cars have square wheels"}}}, false},
		{"mismatched payload", StepRecord{Step: 1, Technique: TechniquePo, Payload: &StepPayload{Kind: PayloadKindSixHats, SixHats: &SixHatsPayload{Hat: "white"}}}, true},
		{"generic payload", StepRecord{Step: 1, Technique: TechniquePo, Payload: &StepPayload{Kind: PayloadKindGeneric}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.record.Validate(4)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestStepPayload_Validate(t *testing.T) {
	p := &StepPayload{Kind: PayloadKindTriz, Triz: &TrizPayload{Contradiction: "speed vs safety"}}
	require.NoError(t, p.Validate())

	p.Scamper = &ScamperPayload{Action: "combine"}
	assert.Error(t, p.Validate(), "two variants set")

	missing := &StepPayload{Kind: PayloadKindDisney}
	assert.Error(t, missing.Validate())

	unknown := &StepPayload{Kind: "telepathy"}
	assert.Error(t, unknown.Validate())

	generic := &StepPayload{Kind: PayloadKindGeneric, Po: &PoPayload{}}
	assert.Error(t, generic.Validate())
}

func TestGroupStatus_Terminal(t *testing.T) {
	assert.False(t, GroupStatusPending.Terminal())
	assert.False(t, GroupStatusRunning.Terminal())
	assert.True(t, GroupStatusCompleted.Terminal())
	assert.True(t, GroupStatusPartialSuccess.Terminal())
	assert.True(t, GroupStatusFailed.Terminal())
}

func TestParallelSessionGroup_Clone(t *testing.T) {
	g := &ParallelSessionGroup{
		GroupID:      "g1",
		SessionIDs:   []string{"a", "b"},
		Dependencies: map[string][]string{"b": {"a"}},
	}
	c := g.Clone()
	c.Dependencies["b"][0] = "z"
	c.SessionIDs[0] = "z"
	assert.Equal(t, "a", g.Dependencies["b"][0])
	assert.Equal(t, "a", g.SessionIDs[0])
}

func TestNewID(t *testing.T) {
	a := NewID("")
	b := NewID("grp")
	assert.Len(t, a, 26)
	assert.True(t, strings.HasPrefix(b, "grp_"))
	assert.NotEqual(t, a, NewID(""))
}
