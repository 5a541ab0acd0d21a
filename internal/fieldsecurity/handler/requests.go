package handler

import (
	"time"

	"mallku/internal/fieldsecurity/models"
	dErrors "mallku/pkg/domain-errors"
)

var (
	knownLevels = map[models.ObfuscationLevel]bool{
		models.ObfuscationNone:      true,
		models.ObfuscationUUIDOnly:  true,
		models.ObfuscationEncrypted: true,
	}
	knownStrategies = map[models.IndexStrategy]bool{
		models.IndexNone:            true,
		models.IndexIdentity:        true,
		models.IndexDeterministic:   true,
		models.IndexOrderPreserving: true,
		models.IndexBucketed:        true,
		models.IndexBlind:           true,
		models.IndexTemporalOffset:  true,
		models.IndexDerived:         true,
	}
	knownCapabilities = map[models.SearchCapability]bool{
		models.SearchEquality:    true,
		models.SearchRange:       true,
		models.SearchPrefix:      true,
		models.SearchFulltext:    true,
		models.SearchOrdering:    true,
		models.SearchAggregation: true,
	}
)

// UpdateFieldRequest is the body of PUT /admin/registry/fields/{name}.
type UpdateFieldRequest struct {
	ObfuscationLevel   models.ObfuscationLevel   `json:"obfuscation_level"`
	IndexStrategy      models.IndexStrategy      `json:"index_strategy"`
	SearchCapabilities []models.SearchCapability `json:"search_capabilities"`
	BucketBoundaries   []float64                 `json:"bucket_boundaries,omitempty"`
	TemporalPrecision  models.TemporalPrecision  `json:"temporal_precision,omitempty"`
	SecurityNotes      string                    `json:"security_notes,omitempty"`
}

// Validate rejects unknown enum values. Advisory mismatches between strategy
// and capabilities are returned as warnings by the service instead.
func (r UpdateFieldRequest) Validate() error {
	if !knownLevels[r.ObfuscationLevel] {
		return dErrors.Newf(dErrors.CodeValidation, "unknown obfuscation_level %q", r.ObfuscationLevel)
	}
	if !knownStrategies[r.IndexStrategy] {
		return dErrors.Newf(dErrors.CodeValidation, "unknown index_strategy %q", r.IndexStrategy)
	}
	for _, c := range r.SearchCapabilities {
		if !knownCapabilities[c] {
			return dErrors.Newf(dErrors.CodeValidation, "unknown search capability %q", c)
		}
	}
	if !r.TemporalPrecision.Valid() {
		return dErrors.Newf(dErrors.CodeValidation, "unknown temporal_precision %q", r.TemporalPrecision)
	}
	return nil
}

// Config converts the request to a field configuration.
func (r UpdateFieldRequest) Config() models.FieldSecurityConfig {
	return models.FieldSecurityConfig{
		ObfuscationLevel:   r.ObfuscationLevel,
		IndexStrategy:      r.IndexStrategy,
		SearchCapabilities: r.SearchCapabilities,
		BucketBoundaries:   r.BucketBoundaries,
		TemporalPrecision:  r.TemporalPrecision,
		SecurityNotes:      r.SecurityNotes,
	}
}

// BackupRequest is the optional body of POST /admin/registry/backup.
type BackupRequest struct {
	Path string `json:"path,omitempty"`
}

// RevokeTokenRequest is the body of POST /admin/tokens/revoke.
type RevokeTokenRequest struct {
	JTI        string `json:"jti"`
	TTLSeconds int64  `json:"ttl_seconds"`
}

// Validate checks the revocation request.
func (r RevokeTokenRequest) Validate() error {
	if r.JTI == "" {
		return dErrors.New(dErrors.CodeValidation, "jti is required")
	}
	if r.TTLSeconds <= 0 {
		return dErrors.New(dErrors.CodeValidation, "ttl_seconds must be positive")
	}
	return nil
}

// TTL returns the revocation lifetime.
func (r RevokeTokenRequest) TTL() time.Duration {
	return time.Duration(r.TTLSeconds) * time.Second
}
