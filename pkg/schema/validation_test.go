package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validDefinition() *WorkflowDefinition {
	return &WorkflowDefinition{
		ID:        "wf-1",
		CompanyID: "co-1",
		Type:      TypeLeadNurturing,
		Active:    true,
		Trigger:   TriggerPredicate{EntityType: "lead", Match: map[string]string{"status": "new"}},
		Actions: []ActionSpec{
			{Name: "outreach", Channel: ChannelEmail, Template: "t1", Delay: "0s"},
			{Name: "followup", Channel: ChannelEmail, Template: "t2", Delay: "24h", Condition: "no_reply"},
		},
		Templates: map[string]string{
			"t1": "Hi {{name}}",
			"t2": "Checking in, {{name}}",
		},
	}
}

func TestValidateDefinitionValid(t *testing.T) {
	result := ValidateDefinition(validDefinition())
	require.True(t, result.Valid())
	assert.Empty(t, result.Warnings)
	assert.NoError(t, result.ToError())
}

func TestValidateDefinitionMissingFields(t *testing.T) {
	def := validDefinition()
	def.ID = ""
	def.CompanyID = ""
	def.Actions = nil

	result := ValidateDefinition(def)
	require.False(t, result.Valid())
	assert.Len(t, result.Errors, 3)
}

func TestValidateDefinitionDuplicateActionNames(t *testing.T) {
	def := validDefinition()
	def.Actions[1].Name = "outreach"

	result := ValidateDefinition(def)
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "duplicate action name")
}

func TestValidateDefinitionUnknownChannel(t *testing.T) {
	def := validDefinition()
	def.Actions[0].Channel = "carrier_pigeon"

	result := ValidateDefinition(def)
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "unknown channel")
}

func TestValidateDefinitionMissingTemplate(t *testing.T) {
	def := validDefinition()
	def.Actions[0].Template = "nope"

	result := ValidateDefinition(def)
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "not defined in templates map")
}

func TestValidateDefinitionBadDurations(t *testing.T) {
	def := validDefinition()
	def.Actions[0].Delay = "tomorrow"
	def.Actions[1].Timeout = "fast"

	result := ValidateDefinition(def)
	require.False(t, result.Valid())
	assert.Len(t, result.Errors, 2)
}

func TestValidateDefinitionNegativeDelay(t *testing.T) {
	def := validDefinition()
	def.Actions[0].Delay = "-5s"

	result := ValidateDefinition(def)
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "negative")
}

func TestValidateDefinitionRetryMax(t *testing.T) {
	def := validDefinition()
	def.Actions[0].Retry = &RetryPolicy{Max: 0}

	result := ValidateDefinition(def)
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "retry max")
}

func TestValidateDefinitionEmptyTriggerWarns(t *testing.T) {
	def := validDefinition()
	def.Trigger = TriggerPredicate{}

	result := ValidateDefinition(def)
	require.True(t, result.Valid())
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0].Message, "manual dispatch")
}

func TestActionSpecDelayDuration(t *testing.T) {
	assert.Equal(t, int64(0), int64(ActionSpec{}.DelayDuration()))
	assert.Equal(t, int64(0), int64(ActionSpec{Delay: "junk"}.DelayDuration()))
	assert.Equal(t, int64(24*60*60*1e9), int64(ActionSpec{Delay: "24h"}.DelayDuration()))
}
