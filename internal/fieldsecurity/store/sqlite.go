package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	dErrors "mallku/pkg/domain-errors"
	"mallku/pkg/platform/sentinel"

	_ "modernc.org/sqlite"
)

const memoryDSN = ":memory:"

// SQLiteStore keeps the registry in a local SQLite file.
type SQLiteStore struct {
	sqlStore
	path  string
	fresh bool
}

// NewSQLiteStore opens (creating if needed) the registry file at path. Use
// ":memory:" for a throwaway store. A file that exists but is not a readable
// SQLite database fails with sentinel.ErrCorrupt.
func NewSQLiteStore(ctx context.Context, path string, opts ...Option) (*SQLiteStore, error) {
	fresh := true
	if path != memoryDSN {
		info, err := os.Stat(path)
		switch {
		case err == nil:
			fresh = info.Size() == 0
		case !errors.Is(err, fs.ErrNotExist):
			return nil, dErrors.Wrap(err, dErrors.CodePersistence, "stat registry file")
		}
		if dir := filepath.Dir(path); dir != "" {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, dErrors.Wrap(err, dErrors.CodePersistence, "create registry directory")
			}
		}
	}

	dsn := path
	if path != memoryDSN {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodePersistence, "open sqlite")
	}
	// One connection serializes writers and keeps ":memory:" a single database.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{
		sqlStore: sqlStore{
			db:      db,
			driver:  "sqlite",
			rebind:  noRebind,
			corrupt: sqliteCorrupt,
			config:  newConfig(opts),
		},
		path:  path,
		fresh: fresh,
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Fresh reports whether the store file did not exist before it was opened.
// A fresh store and a load error are different conditions: only the former
// may start with an empty registry.
func (s *SQLiteStore) Fresh() bool {
	return s.fresh
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

// BackupRegistry writes a consistent copy of the live database with VACUUM
// INTO. An empty path picks a timestamped name in the backup directory, or
// next to the live file when none is configured.
func (s *SQLiteStore) BackupRegistry(ctx context.Context, path string) (out string, err error) {
	ctx, span := s.tracer.Start(ctx, "registry.backup")
	defer func() { s.finish(span, err) }()

	if path == "" {
		dir := s.backupDir
		if dir == "" {
			dir = os.TempDir()
			if s.path != memoryDSN {
				dir = filepath.Dir(s.path)
			}
		}
		path = filepath.Join(dir, s.backupName(".db"))
	}
	if _, statErr := os.Stat(path); statErr == nil {
		return "", dErrors.Wrap(fmt.Errorf("%w: %s", sentinel.ErrConflict, path), dErrors.CodeConflict, "backup target exists")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return "", dErrors.Wrap(err, dErrors.CodePersistence, "create backup directory")
	}

	start := time.Now()
	if _, err := s.db.ExecContext(ctx, "VACUUM INTO "+quoteLiteral(path)); err != nil {
		return "", s.classify(err, "backup registry")
	}
	span.SetAttributes(attribute.String("backup.path", path))
	s.logger.InfoContext(ctx, "registry backup written", "path", path, "duration", time.Since(start))
	return path, nil
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func sqliteCorrupt(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not a database") ||
		strings.Contains(msg, "malformed") ||
		strings.Contains(msg, "corrupt")
}
