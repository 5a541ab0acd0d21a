// Package service coordinates the field registry with its durable store:
// startup load, serialized saves, audited configuration updates, backups and
// integrity checks.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"mallku/internal/fieldsecurity/models"
	"mallku/internal/fieldsecurity/registry"
	dErrors "mallku/pkg/domain-errors"
	audit "mallku/pkg/platform/audit"
	"mallku/pkg/platform/sentinel"
	"mallku/pkg/requestcontext"
)

// Store is the durable registry store. store.SQLiteStore and
// store.PostgresStore implement it.
type Store interface {
	LoadRegistry(ctx context.Context) (*registry.Registry, error)
	SaveRegistry(ctx context.Context, reg *registry.Registry) error
	BackupRegistry(ctx context.Context, path string) (string, error)
	VerifyIntegrity(ctx context.Context) (models.IntegrityReport, error)
	Fresh() bool
}

// Uploader copies a local backup file to remote storage and returns where it
// went.
type Uploader interface {
	Upload(ctx context.Context, localPath string) (string, error)
}

// CompliancePublisher records administrative changes. A failed write fails
// the change.
type CompliancePublisher interface {
	Emit(ctx context.Context, event audit.ComplianceEvent) error
}

// SecurityPublisher records integrity findings without blocking.
type SecurityPublisher interface {
	Emit(ctx context.Context, event audit.SecurityEvent)
}

// BackupResult describes a completed backup.
type BackupResult struct {
	Path     string `json:"path"`
	Location string `json:"location,omitempty"`
}

// UpdateResult is the mapping after a configuration update plus its advisory
// warnings.
type UpdateResult struct {
	Mapping  models.FieldMapping `json:"mapping"`
	Warnings []string            `json:"warnings,omitempty"`
}

// Service owns the process-wide registry instance.
type Service struct {
	store      Store
	uploader   Uploader
	compliance CompliancePublisher
	security   SecurityPublisher
	logger     *slog.Logger

	loadMu sync.Mutex
	reg    *registry.Registry

	saveMu       sync.Mutex
	savedVersion uint64
}

type Option func(s *Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithUploader(u Uploader) Option {
	return func(s *Service) {
		s.uploader = u
	}
}

func WithCompliancePublisher(p CompliancePublisher) Option {
	return func(s *Service) {
		s.compliance = p
	}
}

func WithSecurityPublisher(p SecurityPublisher) Option {
	return func(s *Service) {
		s.security = p
	}
}

// New constructs a Service.
func New(store Store, opts ...Option) *Service {
	s := &Service{store: store, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load reads the registry once. A store that exists but cannot be read is an
// error: starting empty would orphan every previously obfuscated document.
func (s *Service) Load(ctx context.Context) (*registry.Registry, error) {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()
	if s.reg != nil {
		return s.reg, nil
	}

	fresh := s.store.Fresh()
	reg, err := s.store.LoadRegistry(ctx)
	if err != nil {
		if errors.Is(err, sentinel.ErrCorrupt) {
			s.logger.ErrorContext(ctx, "field registry store is unreadable; refusing to continue with an empty registry",
				"error", err,
			)
		}
		return nil, err
	}
	if fresh {
		s.logger.InfoContext(ctx, "field registry store is new; starting with an empty registry")
	} else {
		s.logger.InfoContext(ctx, "field registry loaded",
			"mappings", reg.Len(),
			"has_temporal_config", reg.HasTemporalConfig(),
		)
	}
	s.reg = reg
	s.saveMu.Lock()
	s.savedVersion = reg.Version()
	s.saveMu.Unlock()
	return reg, nil
}

// LoadRegistry is Load under the name secured.RegistrySource expects.
func (s *Service) LoadRegistry(ctx context.Context) (*registry.Registry, error) {
	return s.Load(ctx)
}

// SaveRegistry persists reg unless nothing changed since the last save.
// Saves are serialized so an older snapshot can never overwrite a newer one.
func (s *Service) SaveRegistry(ctx context.Context, reg *registry.Registry) error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	version := reg.Version()
	if reg == s.current() && version == s.savedVersion {
		return nil
	}
	if err := s.store.SaveRegistry(ctx, reg); err != nil {
		return err
	}
	if reg == s.current() {
		s.savedVersion = version
	}
	return nil
}

// Save persists the loaded registry.
func (s *Service) Save(ctx context.Context) error {
	reg, err := s.Load(ctx)
	if err != nil {
		return err
	}
	return s.SaveRegistry(ctx, reg)
}

// Registry returns the loaded registry, or nil before Load.
func (s *Service) Registry() *registry.Registry {
	return s.current()
}

// UpdateSecurityConfig replaces a field's configuration, persists it and
// records a compliance event. Stored documents are not re-encoded. If the
// change cannot be persisted or audited it is rolled back.
func (s *Service) UpdateSecurityConfig(ctx context.Context, name string, cfg models.FieldSecurityConfig) (*UpdateResult, error) {
	reg, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}
	previous, ok := reg.Mapping(name)
	if !ok {
		return nil, dErrors.Newf(dErrors.CodeNotFound, "field %q has no mapping", name)
	}
	if err := reg.UpdateSecurityConfig(name, cfg); err != nil {
		return nil, err
	}
	revert := func(cause error) error {
		if rbErr := reg.UpdateSecurityConfig(name, previous.SecurityConfig); rbErr != nil {
			return errors.Join(cause, rbErr)
		}
		if saveErr := s.SaveRegistry(ctx, reg); saveErr != nil {
			return errors.Join(cause, fmt.Errorf("restore previous config: %w", saveErr))
		}
		return cause
	}

	if err := s.SaveRegistry(ctx, reg); err != nil {
		return nil, revert(dErrors.Wrap(err, dErrors.CodePersistence, "persist security config update"))
	}

	if s.compliance != nil {
		err := s.compliance.Emit(ctx, audit.ComplianceEvent{
			Subject:   name,
			Action:    string(audit.EventSecurityConfigUpdated),
			Reason:    fmt.Sprintf("strategy %s -> %s", previous.SecurityConfig.IndexStrategy, cfg.Normalized().IndexStrategy),
			Field:     name,
			RequestID: requestcontext.RequestID(ctx),
			ActorID:   requestcontext.Actor(ctx),
		})
		if err != nil {
			return nil, revert(dErrors.Wrap(err, dErrors.CodeInternal, "audit security config update"))
		}
	}

	updated, _ := reg.Mapping(name)
	s.logger.InfoContext(ctx, "field security config updated",
		"semantic_name", name,
		"index_strategy", updated.SecurityConfig.IndexStrategy,
		"obfuscation_level", updated.SecurityConfig.ObfuscationLevel,
	)
	return &UpdateResult{Mapping: updated, Warnings: updated.SecurityConfig.Validate()}, nil
}

// Backup copies the store to path (a timestamped default when empty) and
// uploads the copy when an uploader is configured.
func (s *Service) Backup(ctx context.Context, path string) (*BackupResult, error) {
	out, err := s.store.BackupRegistry(ctx, path)
	if err != nil {
		return nil, err
	}
	result := &BackupResult{Path: out}
	if s.uploader != nil {
		location, err := s.uploader.Upload(ctx, out)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodePersistence, "upload registry backup")
		}
		result.Location = location
	}

	if s.compliance != nil {
		err := s.compliance.Emit(ctx, audit.ComplianceEvent{
			Subject:   out,
			Action:    string(audit.EventRegistryBackupCreated),
			Reason:    result.Location,
			RequestID: requestcontext.RequestID(ctx),
			ActorID:   requestcontext.Actor(ctx),
		})
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "audit registry backup")
		}
	}
	s.logger.InfoContext(ctx, "field registry backup created",
		"path", out,
		"location", result.Location,
	)
	return result, nil
}

// VerifyIntegrity checks the persisted registry and raises a security event
// for every finding.
func (s *Service) VerifyIntegrity(ctx context.Context) (models.IntegrityReport, error) {
	report, err := s.store.VerifyIntegrity(ctx)
	if err != nil {
		return report, err
	}
	for _, warning := range report.Warnings {
		s.logger.WarnContext(ctx, "field registry integrity warning",
			"log_type", "audit",
			"warning", warning,
		)
		if s.security != nil {
			s.security.Emit(ctx, audit.SecurityEvent{
				Subject:   "field_registry",
				Action:    string(audit.EventIntegrityWarning),
				Reason:    warning,
				RequestID: requestcontext.RequestID(ctx),
				ActorID:   requestcontext.Actor(ctx),
				Severity:  audit.SeverityCritical,
			})
		}
	}
	return report, nil
}

// Validate returns advisory configuration warnings per field.
func (s *Service) Validate(ctx context.Context) (map[string][]string, error) {
	reg, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}
	return reg.ValidateIndexStrategies(ctx), nil
}

// Mappings lists every registered mapping in name order.
func (s *Service) Mappings(ctx context.Context) ([]models.FieldMapping, error) {
	reg, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}
	names := reg.Names()
	out := make([]models.FieldMapping, 0, len(names))
	for _, name := range names {
		if m, ok := reg.Mapping(name); ok {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *Service) current() *registry.Registry {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()
	return s.reg
}
