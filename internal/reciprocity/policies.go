// Package reciprocity wires the reciprocity records into the secured gateway.
package reciprocity

import (
	"fmt"

	"mallku/internal/fieldsecurity/secured"
	"mallku/internal/platform/config"
	"mallku/internal/reciprocity/models"
	"mallku/pkg/platform/strings"
)

// Collection names.
const (
	CollectionActivities = "reciprocity_activities"
	CollectionBalances   = "reciprocity_balances"
)

// Catalog resolves model names used in policy files.
var Catalog = map[string]secured.Model{
	"Activity": models.Activity{},
	"Balance":  models.Balance{},
}

// DefaultPolicies apply when no policy file is configured.
func DefaultPolicies() []secured.CollectionSecurityPolicy {
	activities := secured.NewPolicy(CollectionActivities, models.Activity{})
	activities.Schema = &secured.Schema{Required: []string{"participant_id", "timestamp"}}

	balances := secured.NewPolicy(CollectionBalances, models.Balance{})
	balances.Schema = &secured.Schema{Required: []string{"participant_id", "period_start", "period_end"}}

	return []secured.CollectionSecurityPolicy{activities, balances}
}

// Policies converts policy file entries, resolving model names through
// Catalog. Model names and required members are trimmed and deduplicated.
func Policies(entries []config.CollectionPolicy) ([]secured.CollectionSecurityPolicy, error) {
	out := make([]secured.CollectionSecurityPolicy, 0, len(entries))
	for _, entry := range entries {
		allowed := make([]secured.Model, 0, len(entry.AllowedModels))
		for _, name := range strings.DedupeAndTrim(entry.AllowedModels) {
			m, ok := Catalog[name]
			if !ok {
				return nil, fmt.Errorf("collection %q: unknown model %q", entry.Name, name)
			}
			allowed = append(allowed, m)
		}
		policy := secured.NewPolicy(entry.Name, allowed...)
		policy.RequiresSecurity = entry.RequiresSecurity
		if entry.Schema != nil {
			policy.Schema = &secured.Schema{Required: strings.DedupeAndTrim(entry.Schema.Required)}
		}
		out = append(out, policy)
	}
	return out, nil
}
