package reciprocity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mallku/internal/fieldsecurity/secured"
	"mallku/internal/platform/config"
	"mallku/internal/reciprocity/models"
)

func TestPolicies(t *testing.T) {
	pf, err := config.ParsePolicies([]byte(`
collections:
  - name: reciprocity_activities
    requires_security: true
    allowed_models: [Activity, " Activity "]
    schema:
      required: [participant_id, participant_id, ""]
  - name: legacy_imports
`))
	require.NoError(t, err)

	policies, err := Policies(pf.Collections)
	require.NoError(t, err)
	require.Len(t, policies, 2)

	activities := policies[0]
	assert.True(t, activities.RequiresSecurity)
	assert.True(t, activities.Allows(secured.TypeOf(models.Activity{})))
	assert.False(t, activities.Allows(secured.TypeOf(models.Balance{})))
	assert.Equal(t, []string{"participant_id"}, activities.Schema.Required)

	assert.True(t, policies[1].Permissive())
}

func TestPoliciesUnknownModel(t *testing.T) {
	_, err := Policies([]config.CollectionPolicy{{Name: "x", AllowedModels: []string{"Ledger"}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Ledger")
}

func TestDefaultPolicies(t *testing.T) {
	policies := DefaultPolicies()
	require.Len(t, policies, 2)
	for _, p := range policies {
		assert.True(t, p.RequiresSecurity, p.CollectionName)
		assert.NotNil(t, p.DecodeType(), p.CollectionName)
	}
	assert.Error(t, policies[0].ValidateModel(models.Activity{Kind: models.KindGift}),
		"missing participant fails the schema")
}
