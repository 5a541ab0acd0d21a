// Package models holds the reciprocity records stored through the secured
// gateway. Each type declares how its fields are protected at rest.
package models

import (
	"fmt"
	"time"

	fsmodels "mallku/internal/fieldsecurity/models"
)

// AyniBoundaries split the ayni score range [-1, 1] into reporting buckets.
var AyniBoundaries = []float64{-1, -0.5, -0.1, 0, 0.1, 0.5, 1}

// BalanceBoundaries split cumulative balances into reporting buckets.
var BalanceBoundaries = []float64{-10, -5, -1, 0, 1, 5, 10}

// Activity kinds.
const (
	KindGift      = "gift"
	KindExchange  = "exchange"
	KindKnowledge = "knowledge"
	KindLabor     = "labor"
)

// Activity is one act of reciprocity between a participant and the community.
type Activity struct {
	Key           string    `json:"_key,omitempty"`
	ParticipantID string    `json:"participant_id"`
	AyniScore     float64   `json:"ayni_score"`
	Timestamp     time.Time `json:"timestamp"`
	Contribution  string    `json:"contribution,omitempty"`
	Kind          string    `json:"kind"`
	WindowID      string    `json:"window_id,omitempty"`
}

// participantConfig is shared by every model that stores a participant, so
// the first declaration registered is always the same.
func participantConfig() fsmodels.FieldSecurityConfig {
	return fsmodels.FieldSecurityConfig{
		ObfuscationLevel:   fsmodels.ObfuscationEncrypted,
		IndexStrategy:      fsmodels.IndexBlind,
		SearchCapabilities: []fsmodels.SearchCapability{fsmodels.SearchEquality},
		SecurityNotes:      "participant identifiers are never stored in clear",
	}
}

func windowConfig() fsmodels.FieldSecurityConfig {
	return fsmodels.FieldSecurityConfig{
		ObfuscationLevel:   fsmodels.ObfuscationUUIDOnly,
		IndexStrategy:      fsmodels.IndexIdentity,
		SearchCapabilities: []fsmodels.SearchCapability{fsmodels.SearchEquality},
	}
}

func temporalConfig() fsmodels.FieldSecurityConfig {
	return fsmodels.FieldSecurityConfig{
		ObfuscationLevel:   fsmodels.ObfuscationEncrypted,
		IndexStrategy:      fsmodels.IndexTemporalOffset,
		SearchCapabilities: []fsmodels.SearchCapability{fsmodels.SearchRange, fsmodels.SearchOrdering},
	}
}

func (Activity) FieldSecurity() map[string]fsmodels.FieldSecurityConfig {
	return map[string]fsmodels.FieldSecurityConfig{
		"participant_id": participantConfig(),
		"ayni_score": {
			ObfuscationLevel:   fsmodels.ObfuscationEncrypted,
			IndexStrategy:      fsmodels.IndexBucketed,
			SearchCapabilities: []fsmodels.SearchCapability{fsmodels.SearchRange},
			BucketBoundaries:   AyniBoundaries,
		},
		"timestamp": temporalConfig(),
		"contribution": {
			ObfuscationLevel: fsmodels.ObfuscationEncrypted,
			IndexStrategy:    fsmodels.IndexNone,
			SecurityNotes:    "free text, never queried",
		},
		"kind": {
			ObfuscationLevel:   fsmodels.ObfuscationUUIDOnly,
			IndexStrategy:      fsmodels.IndexDeterministic,
			SearchCapabilities: []fsmodels.SearchCapability{fsmodels.SearchEquality},
		},
		"window_id": windowConfig(),
	}
}

// Validate checks domain invariants before the record is stored.
func (a Activity) Validate() error {
	if a.ParticipantID == "" {
		return fmt.Errorf("participant_id is required")
	}
	if a.AyniScore < -1 || a.AyniScore > 1 {
		return fmt.Errorf("ayni_score %v outside [-1, 1]", a.AyniScore)
	}
	switch a.Kind {
	case KindGift, KindExchange, KindKnowledge, KindLabor:
	default:
		return fmt.Errorf("unknown activity kind %q", a.Kind)
	}
	if a.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}
	return nil
}
