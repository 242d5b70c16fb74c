package registry

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outflowhq/outflow/pkg/schema"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	reg, err := New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return reg
}

func leadDef(id string) *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		ID:        id,
		CompanyID: "co-1",
		Type:      schema.TypeLeadNurturing,
		Active:    true,
		Trigger: schema.TriggerPredicate{
			EntityType: "lead",
			Match:      map[string]string{"status": "new"},
		},
		Actions: []schema.ActionSpec{
			{Name: "outreach", Channel: schema.ChannelEmail, Template: "t1"},
		},
		Templates: map[string]string{"t1": "Hi {{name}}"},
	}
}

func TestRegisterAndGet(t *testing.T) {
	reg := testRegistry(t)
	require.NoError(t, reg.Register(context.Background(), leadDef("wf-1")))

	def, err := reg.Get("wf-1")
	require.NoError(t, err)
	assert.Equal(t, "co-1", def.CompanyID)

	_, err = reg.Get("missing")
	require.Error(t, err)
}

func TestRegisterRejectsSchemaViolations(t *testing.T) {
	reg := testRegistry(t)

	def := leadDef("wf-1")
	def.Actions[0].Channel = "carrier_pigeon"
	err := reg.Register(context.Background(), def)
	require.Error(t, err)

	var engineErr *schema.EngineError
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, schema.ErrCodeValidation, engineErr.Code)
}

func TestRegisterRejectsSemanticViolations(t *testing.T) {
	reg := testRegistry(t)

	// Passes the JSON Schema but references a template the definition
	// does not carry.
	def := leadDef("wf-1")
	def.Actions[0].Template = "missing_template"
	err := reg.Register(context.Background(), def)
	require.Error(t, err)
}

func TestRegisterRejectsBadDelayFormat(t *testing.T) {
	reg := testRegistry(t)

	def := leadDef("wf-1")
	def.Actions[0].Delay = "next tuesday"
	err := reg.Register(context.Background(), def)
	require.Error(t, err)
}

func TestRegisterReplacesExisting(t *testing.T) {
	reg := testRegistry(t)
	require.NoError(t, reg.Register(context.Background(), leadDef("wf-1")))

	updated := leadDef("wf-1")
	updated.Name = "v2"
	require.NoError(t, reg.Register(context.Background(), updated))

	def, err := reg.Get("wf-1")
	require.NoError(t, err)
	assert.Equal(t, "v2", def.Name)
	assert.Len(t, reg.List(""), 1)
}

func TestFindMatching(t *testing.T) {
	reg := testRegistry(t)
	require.NoError(t, reg.Register(context.Background(), leadDef("wf-1")))

	other := leadDef("wf-2")
	other.Trigger.Match = map[string]string{"status": "qualified"}
	require.NoError(t, reg.Register(context.Background(), other))

	event := schema.Event{
		Kind:       schema.EventKindEntityChange,
		CompanyID:  "co-1",
		EntityType: "lead",
		EntityID:   "l-1",
		Fields:     map[string]string{"status": "new", "source": "web"},
	}

	matched := reg.FindMatching(event)
	require.Len(t, matched, 1)
	assert.Equal(t, "wf-1", matched[0].ID)
}

func TestFindMatchingRequiresAllFields(t *testing.T) {
	reg := testRegistry(t)

	def := leadDef("wf-1")
	def.Trigger.Match = map[string]string{"status": "new", "source": "referral"}
	require.NoError(t, reg.Register(context.Background(), def))

	event := schema.Event{
		Kind: schema.EventKindEntityChange, CompanyID: "co-1",
		EntityType: "lead", Fields: map[string]string{"status": "new", "source": "web"},
	}
	assert.Empty(t, reg.FindMatching(event))
}

func TestFindMatchingScopedToCompany(t *testing.T) {
	reg := testRegistry(t)
	require.NoError(t, reg.Register(context.Background(), leadDef("wf-1")))

	event := schema.Event{
		Kind: schema.EventKindEntityChange, CompanyID: "co-other",
		EntityType: "lead", Fields: map[string]string{"status": "new"},
	}
	assert.Empty(t, reg.FindMatching(event))
}

func TestFindMatchingIgnoresInactiveAndManualOnly(t *testing.T) {
	reg := testRegistry(t)

	inactive := leadDef("wf-1")
	inactive.Active = false
	require.NoError(t, reg.Register(context.Background(), inactive))

	manualOnly := leadDef("wf-2")
	manualOnly.Trigger = schema.TriggerPredicate{}
	require.NoError(t, reg.Register(context.Background(), manualOnly))

	event := schema.Event{
		Kind: schema.EventKindEntityChange, CompanyID: "co-1",
		EntityType: "lead", Fields: map[string]string{"status": "new"},
	}
	assert.Empty(t, reg.FindMatching(event))
}

func TestSetActive(t *testing.T) {
	reg := testRegistry(t)
	require.NoError(t, reg.Register(context.Background(), leadDef("wf-1")))
	require.NoError(t, reg.SetActive("wf-1", false))

	event := schema.Event{
		Kind: schema.EventKindEntityChange, CompanyID: "co-1",
		EntityType: "lead", Fields: map[string]string{"status": "new"},
	}
	assert.Empty(t, reg.FindMatching(event))

	require.Error(t, reg.SetActive("missing", true))
}

func TestRemove(t *testing.T) {
	reg := testRegistry(t)
	require.NoError(t, reg.Register(context.Background(), leadDef("wf-1")))
	require.NoError(t, reg.Remove("wf-1"))

	_, err := reg.Get("wf-1")
	require.Error(t, err)
	require.Error(t, reg.Remove("wf-1"))
}

func TestBuiltinDefinitionsAreValid(t *testing.T) {
	reg := testRegistry(t)

	require.NoError(t, reg.Register(context.Background(), NewLeadNurturingDefinition("wf-ln", "co-1")))
	require.NoError(t, reg.Register(context.Background(), NewReviewReferralDefinition("wf-rr", "co-1")))
	require.NoError(t, reg.Register(context.Background(), NewContentGenerationDefinition("wf-cg", "co-1")))

	assert.Len(t, reg.List("co-1"), 3)
}

func TestBuiltinReviewReferralShape(t *testing.T) {
	def := NewReviewReferralDefinition("wf-rr", "co-1")

	require.Len(t, def.Actions, 2)
	assert.Equal(t, "review_request", def.Actions[0].Name)
	assert.Equal(t, "referral_offer", def.Actions[1].Name)
	assert.Equal(t, "positive_review", def.Actions[1].Condition)
	assert.True(t, def.Actions[1].StopIfFalse)
}

func TestRegisterStoresIndependentCopy(t *testing.T) {
	reg := testRegistry(t)
	def := leadDef("wf-1")
	require.NoError(t, reg.Register(context.Background(), def))

	// Mutating the registered object never reaches the catalog.
	def.Actions[0].Delay = "1ns"
	def.Templates["t1"] = "EDITED"
	def.Trigger.Match["status"] = "stale"

	got, err := reg.Get("wf-1")
	require.NoError(t, err)
	assert.Equal(t, "", got.Actions[0].Delay)
	assert.Equal(t, "Hi {{name}}", got.Templates["t1"])
	assert.Equal(t, "new", got.Trigger.Match["status"])
}

func TestRegisterAcceptsCompositeDelay(t *testing.T) {
	reg := testRegistry(t)
	def := leadDef("wf-1")
	def.Actions[0].Delay = "1h30m"
	require.NoError(t, reg.Register(context.Background(), def))
}
