package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel/attribute"

	dErrors "mallku/pkg/domain-errors"
	"mallku/pkg/platform/sentinel"
)

// PostgresStore keeps the registry in PostgreSQL for multi-node deployments.
// The caller owns the *sql.DB (opened with the lib/pq driver).
type PostgresStore struct {
	sqlStore
	fresh bool
}

// NewPostgresStore creates the registry tables when missing.
func NewPostgresStore(ctx context.Context, db *sql.DB, opts ...Option) (*PostgresStore, error) {
	var missing bool
	if err := db.QueryRowContext(ctx, "SELECT to_regclass('field_mappings') IS NULL").Scan(&missing); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodePersistence, "inspect registry schema")
	}
	s := &PostgresStore{
		sqlStore: sqlStore{
			db:     db,
			driver: "postgres",
			rebind: dollarPlaceholders,
			lock:   "LOCK TABLE field_mappings, temporal_config IN EXCLUSIVE MODE",
			config: newConfig(opts),
		},
		fresh: missing,
	}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Fresh reports whether the registry tables had to be created.
func (s *PostgresStore) Fresh() bool {
	return s.fresh
}

// BackupRegistry writes a JSON snapshot read inside one repeatable-read
// transaction, so concurrent saves never tear it.
func (s *PostgresStore) BackupRegistry(ctx context.Context, path string) (out string, err error) {
	ctx, span := s.tracer.Start(ctx, "registry.backup")
	defer func() { s.finish(span, err) }()

	if path == "" {
		dir := s.backupDir
		if dir == "" {
			dir = os.TempDir()
		}
		path = filepath.Join(dir, s.backupName(".json"))
	}
	if _, statErr := os.Stat(path); statErr == nil {
		return "", dErrors.Wrap(fmt.Errorf("%w: %s", sentinel.ErrConflict, path), dErrors.CodeConflict, "backup target exists")
	}

	readTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return "", s.classify(err, "begin backup read")
	}
	snap, err := s.snapshot(ctx, readTx)
	_ = readTx.Rollback()
	if err != nil {
		return "", err
	}

	raw, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeInternal, "encode backup snapshot")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return "", dErrors.Wrap(err, dErrors.CodePersistence, "create backup directory")
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return "", dErrors.Wrap(err, dErrors.CodePersistence, "write backup snapshot")
	}
	span.SetAttributes(attribute.String("backup.path", path))
	s.logger.InfoContext(ctx, "registry backup written", "path", path, "mappings", len(snap.Mappings))
	return path, nil
}
