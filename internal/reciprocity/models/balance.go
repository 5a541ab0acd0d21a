package models

import (
	"fmt"
	"time"

	fsmodels "mallku/internal/fieldsecurity/models"
)

// Balance is a participant's reciprocity balance over one period.
type Balance struct {
	Key           string    `json:"_key,omitempty"`
	ParticipantID string    `json:"participant_id"`
	Balance       float64   `json:"balance"`
	PeriodStart   time.Time `json:"period_start"`
	PeriodEnd     time.Time `json:"period_end"`
	WindowIDs     []string  `json:"window_ids,omitempty"`
}

func (Balance) FieldSecurity() map[string]fsmodels.FieldSecurityConfig {
	return map[string]fsmodels.FieldSecurityConfig{
		"participant_id": participantConfig(),
		"balance": {
			ObfuscationLevel:   fsmodels.ObfuscationEncrypted,
			IndexStrategy:      fsmodels.IndexBucketed,
			SearchCapabilities: []fsmodels.SearchCapability{fsmodels.SearchRange},
			BucketBoundaries:   BalanceBoundaries,
		},
		"period_start": temporalConfig(),
		"period_end":   temporalConfig(),
		"window_ids":   windowConfig(),
	}
}

// Validate checks domain invariants before the record is stored.
func (b Balance) Validate() error {
	if b.ParticipantID == "" {
		return fmt.Errorf("participant_id is required")
	}
	if !b.PeriodEnd.After(b.PeriodStart) {
		return fmt.Errorf("period_end must be after period_start")
	}
	return nil
}
