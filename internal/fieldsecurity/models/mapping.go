package models

import "time"

// FieldMapping binds a semantic field name to its opaque storage identifier.
// A mapping is created on first use and never deleted while its registry lives.
type FieldMapping struct {
	SemanticName   string              `json:"semantic_name"`
	FieldUUID      string              `json:"field_uuid"`
	SecurityConfig FieldSecurityConfig `json:"security_config"`
	CreatedAt      time.Time           `json:"created_at"`
}

// TemporalOffsetConfig is the registry-wide time shift. Once generated it must
// never change: every stored timestamp depends on it.
type TemporalOffsetConfig struct {
	OffsetSeconds int64             `json:"offset_seconds"`
	Precision     TemporalPrecision `json:"precision,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// Snapshot is the exported form of a registry, used for persistence and backups.
type Snapshot struct {
	Mappings       map[string]FieldMapping `json:"mappings"`
	TemporalConfig *TemporalOffsetConfig   `json:"temporal_config"`
	ExportedAt     time.Time               `json:"exported_at"`
}

// IntegrityReport summarizes a persisted registry.
type IntegrityReport struct {
	TotalMappings     int        `json:"total_mappings"`
	UniqueUUIDs       int        `json:"unique_uuids"`
	OldestMapping     *time.Time `json:"oldest_mapping,omitempty"`
	NewestMapping     *time.Time `json:"newest_mapping,omitempty"`
	HasTemporalConfig bool       `json:"has_temporal_config"`
	Warnings          []string   `json:"warnings,omitempty"`
}

// Healthy reports whether the report carries no warnings.
func (r IntegrityReport) Healthy() bool {
	return len(r.Warnings) == 0
}
