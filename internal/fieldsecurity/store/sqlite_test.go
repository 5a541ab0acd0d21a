package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"mallku/internal/fieldsecurity/models"
	"mallku/internal/fieldsecurity/registry"
	dErrors "mallku/pkg/domain-errors"
	"mallku/pkg/platform/sentinel"
)

type SQLiteStoreSuite struct {
	suite.Suite
	ctx   context.Context
	dir   string
	path  string
	store *SQLiteStore
}

func TestSQLiteStoreSuite(t *testing.T) {
	suite.Run(t, new(SQLiteStoreSuite))
}

func (s *SQLiteStoreSuite) SetupTest() {
	s.ctx = context.Background()
	s.dir = s.T().TempDir()
	s.path = filepath.Join(s.dir, "registry.db")
	st, err := NewSQLiteStore(s.ctx, s.path, WithBackupDir(filepath.Join(s.dir, "backups")))
	s.Require().NoError(err)
	s.store = st
}

func (s *SQLiteStoreSuite) TearDownTest() {
	s.Require().NoError(s.store.Close())
}

func (s *SQLiteStoreSuite) populated() *registry.Registry {
	reg := registry.New()
	_, err := reg.GetOrCreateMapping("email", &models.FieldSecurityConfig{
		ObfuscationLevel:   models.ObfuscationEncrypted,
		IndexStrategy:      models.IndexBlind,
		SearchCapabilities: []models.SearchCapability{models.SearchEquality},
	})
	s.Require().NoError(err)
	_, err = reg.GetOrCreateMapping("ayni_score", &models.FieldSecurityConfig{
		ObfuscationLevel:   models.ObfuscationUUIDOnly,
		IndexStrategy:      models.IndexBucketed,
		SearchCapabilities: []models.SearchCapability{models.SearchRange},
		BucketBoundaries:   []float64{-1, -0.5, -0.1, 0, 0.1, 0.5, 1},
	})
	s.Require().NoError(err)
	_, err = reg.TemporalConfig()
	s.Require().NoError(err)
	return reg
}

func (s *SQLiteStoreSuite) TestFreshStore() {
	s.True(s.store.Fresh())

	reg, err := s.store.LoadRegistry(s.ctx)
	s.Require().NoError(err)
	s.Equal(0, reg.Len())
	s.False(reg.HasTemporalConfig())
}

func (s *SQLiteStoreSuite) TestSaveAndLoad() {
	original := s.populated()
	s.Require().NoError(s.store.SaveRegistry(s.ctx, original))

	loaded, err := s.store.LoadRegistry(s.ctx)
	s.Require().NoError(err)
	s.Equal(original.Names(), loaded.Names())
	for _, name := range original.Names() {
		want, _ := original.Mapping(name)
		got, _ := loaded.Mapping(name)
		s.Equal(want.FieldUUID, got.FieldUUID)
		s.Equal(want.SecurityConfig, got.SecurityConfig)
		s.True(want.CreatedAt.Truncate(time.Microsecond).Equal(got.CreatedAt))
	}
	wantTC, _ := original.TemporalConfig()
	gotTC, _ := loaded.TemporalConfig()
	s.Equal(wantTC.OffsetSeconds, gotTC.OffsetSeconds)

	s.Run("saves replace earlier rows", func() {
		smaller := registry.New()
		_, _ = smaller.GetOrCreateMapping("timestamp", nil)
		s.Require().NoError(s.store.SaveRegistry(s.ctx, smaller))
		loaded, err := s.store.LoadRegistry(s.ctx)
		s.Require().NoError(err)
		s.Equal([]string{"timestamp"}, loaded.Names())
		s.False(loaded.HasTemporalConfig())
	})

	s.Run("reopened store is no longer fresh", func() {
		reopened, err := NewSQLiteStore(s.ctx, s.path)
		s.Require().NoError(err)
		defer reopened.Close()
		s.False(reopened.Fresh())
	})
}

func (s *SQLiteStoreSuite) TestSaveRollsBackOnFailure() {
	s.Require().NoError(s.store.SaveRegistry(s.ctx, s.populated()))
	_, err := s.store.db.ExecContext(s.ctx, `CREATE TRIGGER reject_boom BEFORE INSERT ON field_mappings
		WHEN NEW.semantic_name = 'boom' BEGIN SELECT RAISE(ABORT, 'rejected'); END`)
	s.Require().NoError(err)

	failing := registry.New()
	_, _ = failing.GetOrCreateMapping("a_field", nil)
	_, _ = failing.GetOrCreateMapping("boom", nil)
	err = s.store.SaveRegistry(s.ctx, failing)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodePersistence))

	loaded, err := s.store.LoadRegistry(s.ctx)
	s.Require().NoError(err)
	s.Equal([]string{"ayni_score", "email"}, loaded.Names())
	s.True(loaded.HasTemporalConfig())
}

func (s *SQLiteStoreSuite) TestSyncWrappers() {
	s.Require().NoError(s.store.SaveRegistrySync(s.populated()))
	loaded, err := s.store.LoadRegistrySync()
	s.Require().NoError(err)
	s.Equal(2, loaded.Len())
}

func (s *SQLiteStoreSuite) TestVerifyIntegrity() {
	report, err := s.store.VerifyIntegrity(s.ctx)
	s.Require().NoError(err)
	s.Equal(0, report.TotalMappings)
	s.Nil(report.OldestMapping)
	s.True(report.Healthy())

	s.Require().NoError(s.store.SaveRegistry(s.ctx, s.populated()))
	report, err = s.store.VerifyIntegrity(s.ctx)
	s.Require().NoError(err)
	s.Equal(2, report.TotalMappings)
	s.Equal(2, report.UniqueUUIDs)
	s.True(report.HasTemporalConfig)
	s.NotNil(report.OldestMapping)
	s.NotNil(report.NewestMapping)
	s.True(report.Healthy())

	s.Run("flags shared uuids", func() {
		_, err := s.store.db.ExecContext(s.ctx,
			"UPDATE field_mappings SET field_uuid = (SELECT field_uuid FROM field_mappings WHERE semantic_name = 'email')")
		s.Require().NoError(err)
		report, err := s.store.VerifyIntegrity(s.ctx)
		s.Require().NoError(err)
		s.Equal(1, report.UniqueUUIDs)
		s.False(report.Healthy())
	})
}

func (s *SQLiteStoreSuite) TestBackupRegistry() {
	s.Require().NoError(s.store.SaveRegistry(s.ctx, s.populated()))

	path, err := s.store.BackupRegistry(s.ctx, "")
	s.Require().NoError(err)
	s.Equal(filepath.Join(s.dir, "backups"), filepath.Dir(path))

	backup, err := NewSQLiteStore(s.ctx, path)
	s.Require().NoError(err)
	defer backup.Close()
	loaded, err := backup.LoadRegistry(s.ctx)
	s.Require().NoError(err)
	s.Equal(2, loaded.Len())

	s.Run("existing target is refused", func() {
		_, err := s.store.BackupRegistry(s.ctx, path)
		s.Require().Error(err)
		s.ErrorIs(err, sentinel.ErrConflict)
	})
}

func (s *SQLiteStoreSuite) TestCorruptFile() {
	path := filepath.Join(s.dir, "corrupt.db")
	garbage := make([]byte, 4096)
	for i := range garbage {
		garbage[i] = byte('x')
	}
	s.Require().NoError(os.WriteFile(path, garbage, 0o600))

	_, err := NewSQLiteStore(s.ctx, path)
	s.Require().Error(err)
	s.ErrorIs(err, sentinel.ErrCorrupt)
	s.True(dErrors.HasCode(err, dErrors.CodePersistence))
}

func (s *SQLiteStoreSuite) TestCorruptRow() {
	s.Require().NoError(s.store.SaveRegistry(s.ctx, s.populated()))
	_, err := s.store.db.ExecContext(s.ctx, "UPDATE field_mappings SET security_config = '{' WHERE semantic_name = 'email'")
	s.Require().NoError(err)

	_, err = s.store.LoadRegistry(s.ctx)
	s.Require().Error(err)
	s.ErrorIs(err, sentinel.ErrCorrupt)
}

func TestDollarPlaceholders(t *testing.T) {
	got := dollarPlaceholders("INSERT INTO t (a, b) VALUES (?, ?)")
	if got != "INSERT INTO t (a, b) VALUES ($1, $2)" {
		t.Fatalf("unexpected query %q", got)
	}
}
