// Package registry maps semantic field names to stable opaque identifiers and
// owns the per-field security configuration and the registry-wide temporal
// offset.
package registry

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"mallku/internal/fieldsecurity/models"
	"mallku/internal/fieldsecurity/temporal"
	dErrors "mallku/pkg/domain-errors"
)

// DefaultNamespace scopes field UUIDs. Changing it re-keys every field, so it
// is fixed for the lifetime of a deployment.
var DefaultNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("mallku:field-security"))

// Registry is safe for concurrent use. Mutations bump Version so persistence
// can skip saves when nothing changed.
type Registry struct {
	mu        sync.RWMutex
	namespace uuid.UUID
	mappings  map[string]models.FieldMapping
	reverse   map[string]string
	temporal  *models.TemporalOffsetConfig
	encoder   *temporal.Encoder
	version   uint64
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithNamespace overrides the UUID namespace.
func WithNamespace(ns uuid.UUID) Option {
	return func(r *Registry) {
		r.namespace = ns
	}
}

// WithLogger sets the logger used for validation warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithClock sets the time source for creation timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// New returns an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		namespace: DefaultNamespace,
		mappings:  make(map[string]models.FieldMapping),
		reverse:   make(map[string]string),
		now:       func() time.Time { return time.Now().UTC() },
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// UUIDFor derives the identifier a semantic name receives in this registry.
func (r *Registry) UUIDFor(semanticName string) string {
	return uuid.NewSHA1(r.namespace, []byte(semanticName)).String()
}

// GetOrCreateMapping returns the UUID for semanticName, minting a mapping on
// first use. A nil cfg uses DefaultFieldConfig. Existing mappings are returned
// unchanged whatever cfg says.
func (r *Registry) GetOrCreateMapping(semanticName string, cfg *models.FieldSecurityConfig) (string, error) {
	if semanticName == "" {
		return "", dErrors.New(dErrors.CodeConfiguration, "semantic field name is required")
	}

	r.mu.RLock()
	existing, ok := r.mappings[semanticName]
	r.mu.RUnlock()
	if ok {
		return existing.FieldUUID, nil
	}

	config := models.DefaultFieldConfig()
	if cfg != nil {
		config = cfg.Normalized()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.mappings[semanticName]; ok {
		return existing.FieldUUID, nil
	}
	mapping := models.FieldMapping{
		SemanticName:   semanticName,
		FieldUUID:      r.UUIDFor(semanticName),
		SecurityConfig: config,
		CreatedAt:      r.now(),
	}
	r.mappings[semanticName] = mapping
	r.reverse[mapping.FieldUUID] = semanticName
	r.version++
	r.logWarnings(semanticName, config)
	return mapping.FieldUUID, nil
}

// Mapping returns the mapping for a semantic name.
func (r *Registry) Mapping(semanticName string) (models.FieldMapping, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.mappings[semanticName]
	if !ok {
		return models.FieldMapping{}, false
	}
	m.SecurityConfig = m.SecurityConfig.Clone()
	return m, true
}

// SemanticName resolves a field UUID back to its semantic name. Unknown UUIDs
// report false; that means "not a registered field", not an error.
func (r *Registry) SemanticName(fieldUUID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.reverse[fieldUUID]
	return name, ok
}

// UpdateSecurityConfig replaces the configuration of an existing mapping.
// The field UUID is unchanged; previously stored values are not re-encoded.
func (r *Registry) UpdateSecurityConfig(semanticName string, cfg models.FieldSecurityConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.mappings[semanticName]
	if !ok {
		return dErrors.Newf(dErrors.CodeConfiguration, "field %q has no mapping to update", semanticName)
	}
	m.SecurityConfig = cfg.Normalized()
	r.mappings[semanticName] = m
	r.version++
	r.logWarnings(semanticName, m.SecurityConfig)
	return nil
}

// TemporalConfig returns the registry's temporal offset, generating a random
// one on first use. It never changes afterwards.
func (r *Registry) TemporalConfig() (models.TemporalOffsetConfig, error) {
	r.mu.RLock()
	cfg := r.temporal
	r.mu.RUnlock()
	if cfg != nil {
		return *cfg, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.temporal != nil {
		return *r.temporal, nil
	}
	offset, err := temporal.RandomOffset()
	if err != nil {
		return models.TemporalOffsetConfig{}, dErrors.Wrap(err, dErrors.CodeInternal, "generate temporal offset")
	}
	r.setTemporalLocked(models.TemporalOffsetConfig{OffsetSeconds: offset, CreatedAt: r.now()})
	return *r.temporal, nil
}

// HasTemporalConfig reports whether an offset has been generated or loaded.
func (r *Registry) HasTemporalConfig() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.temporal != nil
}

// SetTemporalConfig installs a known offset. Replacing an existing offset with
// a different one is refused.
func (r *Registry) SetTemporalConfig(cfg models.TemporalOffsetConfig) error {
	if cfg.OffsetSeconds > temporal.MaxOffsetSeconds || cfg.OffsetSeconds < -temporal.MaxOffsetSeconds {
		return dErrors.Newf(dErrors.CodeConfiguration, "temporal offset %d is outside +/-%d seconds", cfg.OffsetSeconds, temporal.MaxOffsetSeconds)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.temporal != nil {
		if r.temporal.OffsetSeconds == cfg.OffsetSeconds {
			return nil
		}
		return dErrors.New(dErrors.CodeConfiguration, "temporal offset is already set and cannot be replaced")
	}
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = r.now()
	}
	r.setTemporalLocked(cfg)
	return nil
}

func (r *Registry) setTemporalLocked(cfg models.TemporalOffsetConfig) {
	r.temporal = &cfg
	r.encoder = temporal.NewEncoder(cfg.OffsetSeconds)
	r.version++
}

// TemporalEncoder returns the encoder for the registry offset.
func (r *Registry) TemporalEncoder() (*temporal.Encoder, error) {
	if _, err := r.TemporalConfig(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.encoder, nil
}

// Version increases on every mutation.
func (r *Registry) Version() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// Len returns the number of mappings.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.mappings)
}

// Names returns the registered semantic names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.mappings))
	for name := range r.mappings {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Export dumps all mappings and the temporal config.
func (r *Registry) Export() models.Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap := models.Snapshot{
		Mappings:   make(map[string]models.FieldMapping, len(r.mappings)),
		ExportedAt: r.now(),
	}
	for name, m := range r.mappings {
		m.SecurityConfig = m.SecurityConfig.Clone()
		snap.Mappings[name] = m
	}
	if r.temporal != nil {
		t := *r.temporal
		snap.TemporalConfig = &t
	}
	return snap
}

// FromExport rebuilds a registry from a snapshot. Stored UUIDs are kept as
// they are, even when they differ from what this namespace would derive.
func FromExport(snap models.Snapshot, opts ...Option) (*Registry, error) {
	r := New(opts...)
	names := make([]string, 0, len(snap.Mappings))
	for name := range snap.Mappings {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		m := snap.Mappings[name]
		if m.SemanticName == "" {
			m.SemanticName = name
		}
		if m.SemanticName != name {
			return nil, dErrors.Newf(dErrors.CodeValidation, "snapshot entry %q names field %q", name, m.SemanticName)
		}
		if _, err := uuid.Parse(m.FieldUUID); err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeValidation, "snapshot field "+name+" has an invalid uuid")
		}
		if other, dup := r.reverse[m.FieldUUID]; dup {
			r.logger.Warn("field uuid collision in snapshot",
				"field_uuid", m.FieldUUID,
				"semantic_name", name,
				"existing_semantic_name", other,
			)
		} else {
			r.reverse[m.FieldUUID] = name
		}
		m.SecurityConfig = m.SecurityConfig.Normalized()
		r.mappings[name] = m
	}
	if snap.TemporalConfig != nil {
		if err := r.SetTemporalConfig(*snap.TemporalConfig); err != nil {
			return nil, err
		}
	}
	r.version = 0
	return r, nil
}

// ValidateIndexStrategies returns advisory warnings per field. Warnings are
// logged, never returned as errors.
func (r *Registry) ValidateIndexStrategies(ctx context.Context) map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string][]string)
	for name, m := range r.mappings {
		if warnings := m.SecurityConfig.Validate(); len(warnings) > 0 {
			out[name] = warnings
			r.logger.WarnContext(ctx, "field security configuration warnings",
				"semantic_name", name,
				"warnings", warnings,
			)
		}
	}
	return out
}

func (r *Registry) logWarnings(name string, cfg models.FieldSecurityConfig) {
	if warnings := cfg.Validate(); len(warnings) > 0 {
		r.logger.Warn("field security configuration warnings",
			"semantic_name", name,
			"warnings", warnings,
		)
	}
}
