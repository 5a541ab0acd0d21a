// Package store persists the field-security registry in a relational
// database. Saves rewrite the whole registry in one transaction: a partial
// write would orphan previously obfuscated data.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"mallku/internal/fieldsecurity/metrics"
	"mallku/internal/fieldsecurity/models"
	"mallku/internal/fieldsecurity/registry"
	dErrors "mallku/pkg/domain-errors"
	"mallku/pkg/platform/sentinel"
	"mallku/pkg/platform/tx"
)

//go:embed migrations/001_registry.sql
var schema string

// TimestampLayout is how created_at columns are written. It is fixed width in
// UTC so text ordering matches time ordering.
const TimestampLayout = "2006-01-02T15:04:05.000000Z07:00"

// SyncTimeout bounds the blocking wrappers.
const SyncTimeout = 30 * time.Second

// Option configures a store.
type Option func(*config)

type config struct {
	logger       *slog.Logger
	metrics      *metrics.Metrics
	tracer       trace.Tracer
	backupDir    string
	registryOpts []registry.Option
	now          func() time.Time
}

// WithLogger sets the store logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics records save and load outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *config) {
		c.metrics = m
	}
}

// WithTracer overrides the global tracer provider.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *config) {
		if tracer != nil {
			c.tracer = tracer
		}
	}
}

// WithBackupDir sets where BackupRegistry writes when no path is given.
func WithBackupDir(dir string) Option {
	return func(c *config) {
		c.backupDir = dir
	}
}

// WithRegistryOptions passes options to registries built by LoadRegistry.
func WithRegistryOptions(opts ...registry.Option) Option {
	return func(c *config) {
		c.registryOpts = append(c.registryOpts, opts...)
	}
}

// WithClock sets the time source used for backup file names.
func WithClock(now func() time.Time) Option {
	return func(c *config) {
		if now != nil {
			c.now = now
		}
	}
}

func newConfig(opts []Option) config {
	c := config{
		logger: slog.Default(),
		tracer: otel.GetTracerProvider().Tracer("mallku.fieldsecurity.store"),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// sqlStore holds the dialect-independent persistence logic.
type sqlStore struct {
	db      *sql.DB
	driver  string
	rebind  func(string) string
	corrupt func(error) bool
	// lock serializes concurrent saves where the database allows several
	// writers; empty when the driver already serializes them.
	lock    string
	config
}

func (s *sqlStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return s.classify(err, "migrate registry schema")
	}
	return nil
}

// SaveRegistry replaces the persisted registry with reg's current state.
func (s *sqlStore) SaveRegistry(ctx context.Context, reg *registry.Registry) (err error) {
	if reg == nil {
		return dErrors.New(dErrors.CodeValidation, "registry is required")
	}
	ctx, span := s.tracer.Start(ctx, "registry.save", trace.WithAttributes(attribute.String("db.system", s.driver)))
	start := time.Now()
	defer func() {
		s.finish(span, err)
		s.metrics.ObserveRegistrySave(s.driver, time.Since(start).Seconds(), err)
	}()

	snap := reg.Export()
	span.SetAttributes(attribute.Int("registry.mappings", len(snap.Mappings)))

	err = tx.RunInTx(ctx, s.db, func(ctx context.Context, sqlTx *sql.Tx) error {
		if s.lock != "" {
			if _, err := sqlTx.ExecContext(ctx, s.lock); err != nil {
				return fmt.Errorf("lock registry tables: %w", err)
			}
		}
		if _, err := sqlTx.ExecContext(ctx, "DELETE FROM field_mappings"); err != nil {
			return fmt.Errorf("clear field mappings: %w", err)
		}
		stmt, err := sqlTx.PrepareContext(ctx, s.rebind(
			"INSERT INTO field_mappings (semantic_name, field_uuid, security_config, created_at) VALUES (?, ?, ?, ?)"))
		if err != nil {
			return fmt.Errorf("prepare mapping insert: %w", err)
		}
		defer stmt.Close()

		for _, name := range sortedNames(snap.Mappings) {
			m := snap.Mappings[name]
			cfg, err := json.Marshal(m.SecurityConfig)
			if err != nil {
				return fmt.Errorf("encode security config for %s: %w", name, err)
			}
			if _, err := stmt.ExecContext(ctx, m.SemanticName, m.FieldUUID, string(cfg), formatTime(m.CreatedAt)); err != nil {
				return fmt.Errorf("insert mapping %s: %w", name, err)
			}
		}

		if _, err := sqlTx.ExecContext(ctx, "DELETE FROM temporal_config"); err != nil {
			return fmt.Errorf("clear temporal config: %w", err)
		}
		if tc := snap.TemporalConfig; tc != nil {
			var precision sql.NullString
			if tc.Precision != "" {
				precision = sql.NullString{String: string(tc.Precision), Valid: true}
			}
			if _, err := sqlTx.ExecContext(ctx, s.rebind(
				"INSERT INTO temporal_config (id, offset_seconds, precision, created_at) VALUES (1, ?, ?, ?)"),
				tc.OffsetSeconds, precision, formatTime(tc.CreatedAt)); err != nil {
				return fmt.Errorf("insert temporal config: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return s.classify(err, "save registry")
	}
	s.metrics.SetRegisteredMappings(len(snap.Mappings))
	s.logger.DebugContext(ctx, "registry saved", "mappings", len(snap.Mappings), "driver", s.driver)
	return nil
}

// LoadRegistry rebuilds a registry from the persisted rows. An empty store
// yields an empty registry. Rows that cannot be decoded are reported as
// sentinel.ErrCorrupt.
func (s *sqlStore) LoadRegistry(ctx context.Context) (reg *registry.Registry, err error) {
	ctx, span := s.tracer.Start(ctx, "registry.load", trace.WithAttributes(attribute.String("db.system", s.driver)))
	start := time.Now()
	defer func() {
		s.finish(span, err)
		s.metrics.ObserveRegistryLoad(s.driver, time.Since(start).Seconds(), err)
	}()

	snap, err := s.snapshot(ctx, s.db)
	if err != nil {
		return nil, err
	}
	reg, err = registry.FromExport(snap, s.registryOpts...)
	if err != nil {
		return nil, dErrors.Wrap(fmt.Errorf("%w: %v", sentinel.ErrCorrupt, err), dErrors.CodePersistence, "rebuild registry")
	}
	s.metrics.SetRegisteredMappings(len(snap.Mappings))
	return reg, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *sqlStore) snapshot(ctx context.Context, q querier) (models.Snapshot, error) {
	snap := models.Snapshot{Mappings: make(map[string]models.FieldMapping), ExportedAt: s.now()}

	rows, err := q.QueryContext(ctx, "SELECT semantic_name, field_uuid, security_config, created_at FROM field_mappings")
	if err != nil {
		return snap, s.classify(err, "query field mappings")
	}
	defer rows.Close()
	for rows.Next() {
		var (
			m                 models.FieldMapping
			rawCfg, createdAt string
		)
		if err := rows.Scan(&m.SemanticName, &m.FieldUUID, &rawCfg, &createdAt); err != nil {
			return snap, s.classify(err, "scan field mapping")
		}
		if err := json.Unmarshal([]byte(rawCfg), &m.SecurityConfig); err != nil {
			return snap, corruptRow(m.SemanticName, "security_config", err)
		}
		if m.CreatedAt, err = parseTime(createdAt); err != nil {
			return snap, corruptRow(m.SemanticName, "created_at", err)
		}
		snap.Mappings[m.SemanticName] = m
	}
	if err := rows.Err(); err != nil {
		return snap, s.classify(err, "iterate field mappings")
	}

	var (
		offset    int64
		precision sql.NullString
		createdAt string
	)
	err = q.QueryRowContext(ctx, "SELECT offset_seconds, precision, created_at FROM temporal_config WHERE id = 1").
		Scan(&offset, &precision, &createdAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return snap, s.classify(err, "query temporal config")
	default:
		ts, perr := parseTime(createdAt)
		if perr != nil {
			return snap, corruptRow("temporal_config", "created_at", perr)
		}
		snap.TemporalConfig = &models.TemporalOffsetConfig{
			OffsetSeconds: offset,
			Precision:     models.TemporalPrecision(precision.String),
			CreatedAt:     ts,
		}
	}
	return snap, nil
}

// VerifyIntegrity reports counts and timestamps of the persisted mappings,
// warning on UUID collisions and a missing temporal config.
func (s *sqlStore) VerifyIntegrity(ctx context.Context) (report models.IntegrityReport, err error) {
	ctx, span := s.tracer.Start(ctx, "registry.verify_integrity")
	defer func() { s.finish(span, err) }()

	var oldest, newest sql.NullString
	err = s.db.QueryRowContext(ctx,
		"SELECT COUNT(*), COUNT(DISTINCT field_uuid), MIN(created_at), MAX(created_at) FROM field_mappings").
		Scan(&report.TotalMappings, &report.UniqueUUIDs, &oldest, &newest)
	if err != nil {
		return report, s.classify(err, "count field mappings")
	}
	for _, pair := range []struct {
		raw sql.NullString
		dst **time.Time
	}{{oldest, &report.OldestMapping}, {newest, &report.NewestMapping}} {
		if !pair.raw.Valid {
			continue
		}
		ts, perr := parseTime(pair.raw.String)
		if perr != nil {
			return report, corruptRow("field_mappings", "created_at", perr)
		}
		*pair.dst = &ts
	}

	var temporalRows int
	if err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM temporal_config").Scan(&temporalRows); err != nil {
		return report, s.classify(err, "count temporal config")
	}
	report.HasTemporalConfig = temporalRows > 0

	if report.UniqueUUIDs < report.TotalMappings {
		report.Warnings = append(report.Warnings, fmt.Sprintf(
			"uuid collision: %d mappings share %d distinct uuids", report.TotalMappings, report.UniqueUUIDs))
	}
	if !report.HasTemporalConfig && report.TotalMappings > 0 {
		report.Warnings = append(report.Warnings, "temporal offset config is missing")
	}
	return report, nil
}

// SaveRegistrySync blocks until the save finishes or SyncTimeout passes. It is
// for call sites without a context, such as shutdown hooks.
func (s *sqlStore) SaveRegistrySync(reg *registry.Registry) error {
	ctx, cancel := context.WithTimeout(context.Background(), SyncTimeout)
	defer cancel()
	return s.SaveRegistry(ctx, reg)
}

// LoadRegistrySync is the blocking form of LoadRegistry.
func (s *sqlStore) LoadRegistrySync() (*registry.Registry, error) {
	ctx, cancel := context.WithTimeout(context.Background(), SyncTimeout)
	defer cancel()
	return s.LoadRegistry(ctx)
}

// Close closes the database handle.
func (s *sqlStore) Close() error {
	return s.db.Close()
}

func (s *sqlStore) backupName(ext string) string {
	return "registry_backup_" + s.now().Format("20060102T150405.000000Z") + ext
}

func (s *sqlStore) classify(err error, op string) error {
	if err == nil {
		return nil
	}
	var domainErr *dErrors.Error
	if errors.As(err, &domainErr) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return dErrors.Wrap(err, dErrors.CodeTimeout, op)
	}
	if s.corrupt != nil && s.corrupt(err) {
		return dErrors.Wrap(fmt.Errorf("%w: %v", sentinel.ErrCorrupt, err), dErrors.CodePersistence, op)
	}
	return dErrors.Wrap(err, dErrors.CodePersistence, op)
}

func (s *sqlStore) finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func corruptRow(key, column string, err error) error {
	return dErrors.Wrap(fmt.Errorf("%w: %s.%s: %v", sentinel.ErrCorrupt, key, column, err),
		dErrors.CodePersistence, "decode registry row")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(TimestampLayout, s)
}

func sortedNames(m map[string]models.FieldMapping) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// dollarPlaceholders rewrites ? placeholders to $1, $2, ... for Postgres.
func dollarPlaceholders(query string) string {
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func noRebind(query string) string { return query }
