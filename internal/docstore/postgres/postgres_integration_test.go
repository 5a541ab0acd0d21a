//go:build integration

package postgres_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"mallku/internal/docstore"
	"mallku/internal/docstore/docstoretest"
	"mallku/internal/docstore/postgres"
	"mallku/pkg/testutil/containers"
)

func TestPostgresDatabase(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	pg := containers.GetManager().GetPostgres(t)
	db, err := postgres.New(context.Background(), pg.Pool)
	require.NoError(t, err)

	suite.Run(t, &docstoretest.Suite{
		NewDatabase: func() docstore.Database {
			require.NoError(t, pg.TruncateTables(context.Background(), "docstore_documents", "docstore_collections"))
			return db
		},
	})
}
