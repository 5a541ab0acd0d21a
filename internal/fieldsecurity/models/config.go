// Package models holds the declarative field-security types shared by the
// registry, the transformers and the secured gateway.
package models

import (
	"fmt"
	"slices"
	"sort"
)

// ObfuscationLevel controls how much of a field is hidden from raw storage.
type ObfuscationLevel string

const (
	// ObfuscationNone stores the field under its semantic name with its raw value.
	ObfuscationNone ObfuscationLevel = "none"
	// ObfuscationUUIDOnly hides the field name behind its UUID.
	ObfuscationUUIDOnly ObfuscationLevel = "uuid_only"
	// ObfuscationEncrypted hides the name and transforms the value.
	ObfuscationEncrypted ObfuscationLevel = "encrypted"
)

// IndexStrategy names the value transformation applied before storage.
type IndexStrategy string

const (
	IndexNone            IndexStrategy = "none"
	IndexIdentity        IndexStrategy = "identity"
	IndexDeterministic   IndexStrategy = "deterministic"
	IndexOrderPreserving IndexStrategy = "order_preserving"
	IndexBucketed        IndexStrategy = "bucketed"
	IndexBlind           IndexStrategy = "blind"
	IndexTemporalOffset  IndexStrategy = "temporal_offset"
	IndexDerived         IndexStrategy = "derived"
)

// SearchCapability is a query shape a field promises to support.
type SearchCapability string

const (
	SearchEquality    SearchCapability = "equality"
	SearchRange       SearchCapability = "range"
	SearchPrefix      SearchCapability = "prefix"
	SearchFulltext    SearchCapability = "fulltext"
	SearchOrdering    SearchCapability = "ordering"
	SearchAggregation SearchCapability = "aggregation"
)

// TemporalPrecision truncates timestamps before offsetting.
type TemporalPrecision string

const (
	PrecisionMinute TemporalPrecision = "minute"
	PrecisionHour   TemporalPrecision = "hour"
	PrecisionDay    TemporalPrecision = "day"
)

// Valid reports whether p is empty or a known precision.
func (p TemporalPrecision) Valid() bool {
	switch p {
	case "", PrecisionMinute, PrecisionHour, PrecisionDay:
		return true
	}
	return false
}

// rangeStrategies can answer range queries over their stored form.
var rangeStrategies = map[IndexStrategy]bool{
	IndexIdentity:        true,
	IndexOrderPreserving: true,
	IndexBucketed:        true,
	IndexTemporalOffset:  true,
}

// FieldSecurityConfig is the per-field policy: how the field is hidden, how
// its value is transformed, and which query shapes it is expected to serve.
type FieldSecurityConfig struct {
	ObfuscationLevel   ObfuscationLevel   `json:"obfuscation_level" yaml:"obfuscation_level"`
	IndexStrategy      IndexStrategy      `json:"index_strategy" yaml:"index_strategy"`
	SearchCapabilities []SearchCapability `json:"search_capabilities" yaml:"search_capabilities"`
	BucketBoundaries   []float64          `json:"bucket_boundaries,omitempty" yaml:"bucket_boundaries,omitempty"`
	TemporalPrecision  TemporalPrecision  `json:"temporal_precision,omitempty" yaml:"temporal_precision,omitempty"`
	SecurityNotes      string             `json:"security_notes,omitempty" yaml:"security_notes,omitempty"`
}

// DefaultFieldConfig applies to fields a model does not declare: the name is
// hidden and the value is stored as-is.
func DefaultFieldConfig() FieldSecurityConfig {
	return FieldSecurityConfig{
		ObfuscationLevel:   ObfuscationUUIDOnly,
		IndexStrategy:      IndexIdentity,
		SearchCapabilities: []SearchCapability{SearchEquality},
	}
}

// Has reports whether capability c is declared.
func (c FieldSecurityConfig) Has(capability SearchCapability) bool {
	return slices.Contains(c.SearchCapabilities, capability)
}

// Clone returns a deep copy so callers cannot mutate a registered config.
func (c FieldSecurityConfig) Clone() FieldSecurityConfig {
	out := c
	out.SearchCapabilities = slices.Clone(c.SearchCapabilities)
	out.BucketBoundaries = slices.Clone(c.BucketBoundaries)
	return out
}

// Normalized fills defaults and sorts capabilities so that configs compare
// and serialize stably.
func (c FieldSecurityConfig) Normalized() FieldSecurityConfig {
	out := c.Clone()
	if out.ObfuscationLevel == "" {
		out.ObfuscationLevel = ObfuscationUUIDOnly
	}
	if out.IndexStrategy == "" {
		out.IndexStrategy = IndexNone
	}
	seen := make(map[SearchCapability]bool, len(out.SearchCapabilities))
	caps := out.SearchCapabilities[:0]
	for _, capability := range out.SearchCapabilities {
		if !seen[capability] {
			seen[capability] = true
			caps = append(caps, capability)
		}
	}
	sort.Slice(caps, func(i, j int) bool { return caps[i] < caps[j] })
	out.SearchCapabilities = caps
	return out
}

// Validate returns advisory warnings. It never fails: mismatches are flagged
// for operators rather than blocking writes.
func (c FieldSecurityConfig) Validate() []string {
	var warnings []string

	if c.Has(SearchRange) && !rangeStrategies[c.IndexStrategy] {
		warnings = append(warnings, fmt.Sprintf(
			"range search declared but index strategy %q cannot preserve order", c.IndexStrategy))
	}
	if c.Has(SearchOrdering) && !rangeStrategies[c.IndexStrategy] {
		warnings = append(warnings, fmt.Sprintf(
			"ordering declared but index strategy %q cannot preserve order", c.IndexStrategy))
	}

	switch c.IndexStrategy {
	case IndexBucketed:
		if len(c.BucketBoundaries) == 0 {
			warnings = append(warnings, "bucketed strategy requires bucket boundaries")
		} else if !sort.Float64sAreSorted(c.BucketBoundaries) {
			warnings = append(warnings, "bucket boundaries must be in ascending order")
		}
		if c.Has(SearchEquality) {
			warnings = append(warnings, "bucketed strategy only supports approximate equality (bucket membership)")
		}
	case IndexDeterministic, IndexBlind:
		if c.Has(SearchPrefix) || c.Has(SearchFulltext) {
			warnings = append(warnings, fmt.Sprintf(
				"prefix/fulltext search cannot be served by keyed hashes (%s)", c.IndexStrategy))
		}
		if c.Has(SearchAggregation) {
			warnings = append(warnings, fmt.Sprintf("aggregation over %s hashes is meaningless", c.IndexStrategy))
		}
	case IndexIdentity:
		if c.ObfuscationLevel == ObfuscationEncrypted {
			warnings = append(warnings, "encrypted obfuscation with identity strategy stores the value in clear")
		}
	}

	if c.TemporalPrecision != "" {
		if !c.TemporalPrecision.Valid() {
			warnings = append(warnings, fmt.Sprintf("unknown temporal precision %q", c.TemporalPrecision))
		} else if c.IndexStrategy != IndexTemporalOffset {
			warnings = append(warnings, "temporal precision only applies to the temporal_offset strategy")
		}
	}

	if c.ObfuscationLevel == ObfuscationNone && c.IndexStrategy != IndexNone && c.IndexStrategy != IndexIdentity {
		warnings = append(warnings, fmt.Sprintf(
			"index strategy %q is ignored when obfuscation level is none", c.IndexStrategy))
	}

	return warnings
}
