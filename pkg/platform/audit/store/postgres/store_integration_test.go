//go:build integration

package postgres_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	audit "mallku/pkg/platform/audit"
	auditpostgres "mallku/pkg/platform/audit/store/postgres"
	txcontext "mallku/pkg/platform/tx"
	"mallku/pkg/testutil/containers"
)

type AuditStoreSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *auditpostgres.Store
}

func TestAuditStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(AuditStoreSuite))
}

func (s *AuditStoreSuite) SetupSuite() {
	s.postgres = containers.GetManager().GetPostgres(s.T())
	st, err := auditpostgres.New(context.Background(), s.postgres.DB)
	s.Require().NoError(err)
	s.store = st
}

func (s *AuditStoreSuite) SetupTest() {
	s.Require().NoError(s.postgres.TruncateTables(context.Background(), "audit_events"))
}

func (s *AuditStoreSuite) TestAppendAndListRecent() {
	ctx := context.Background()
	base := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

	s.Require().NoError(s.store.Append(ctx, audit.SecurityEvent{
		Timestamp:  base,
		Subject:    "User",
		Action:     string(audit.EventSecurityViolation),
		Collection: "users",
		Operation:  "insert",
		Severity:   audit.SeverityCritical,
	}.ToEvent()))
	s.Require().NoError(s.store.Append(ctx, audit.ComplianceEvent{
		Timestamp: base.Add(time.Minute),
		Subject:   "email",
		Action:    string(audit.EventSecurityConfigUpdated),
		Field:     "email",
	}.ToEvent()))

	events, err := s.store.ListRecent(ctx, 10)
	s.Require().NoError(err)
	s.Require().Len(events, 2)
	s.Equal(audit.CategoryCompliance, events[0].Category)
	s.Equal("email", events[0].Field)
	s.Equal(audit.CategorySecurity, events[1].Category)
	s.Equal(audit.SeverityCritical, events[1].Severity)
	s.Equal("users", events[1].Collection)
}

func (s *AuditStoreSuite) TestAppendJoinsTransaction() {
	ctx := context.Background()
	boom := errors.New("boom")

	err := txcontext.RunInTx(ctx, s.postgres.DB, func(ctx context.Context, _ *sql.Tx) error {
		s.Require().NoError(s.store.Append(ctx, audit.Event{
			Timestamp: time.Now().UTC(),
			Subject:   "email",
			Action:    string(audit.EventSecurityConfigUpdated),
		}))
		return boom
	})
	s.Require().ErrorIs(err, boom)

	events, err := s.store.ListRecent(ctx, 10)
	s.Require().NoError(err)
	s.Empty(events)
}
