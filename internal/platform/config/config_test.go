package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnv(t *testing.T) {
	t.Run("development defaults", func(t *testing.T) {
		t.Setenv("MALLKU_DEVELOPMENT_MODE", "true")

		cfg, err := FromEnv()
		require.NoError(t, err)
		assert.Equal(t, ":8080", cfg.Addr)
		assert.Equal(t, RegistrySQLite, cfg.RegistryDriver)
		assert.Equal(t, DocstoreMemory, cfg.DocstoreDriver)
		assert.NotEmpty(t, cfg.FieldSecret)
		assert.NotEmpty(t, cfg.JWTSigningKey)
		assert.False(t, cfg.ObjectStore.Enabled())
		assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
	})

	t.Run("production requires secrets", func(t *testing.T) {
		t.Setenv("MALLKU_DEVELOPMENT_MODE", "false")
		t.Setenv("MALLKU_FIELD_SECRET", "")
		t.Setenv("MALLKU_JWT_SIGNING_KEY", "")

		_, err := FromEnv()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "MALLKU_FIELD_SECRET")
		assert.Contains(t, err.Error(), "MALLKU_JWT_SIGNING_KEY")
	})

	t.Run("redis driver requires url", func(t *testing.T) {
		t.Setenv("MALLKU_DEVELOPMENT_MODE", "true")
		t.Setenv("MALLKU_DOCSTORE_DRIVER", DocstoreRedis)
		t.Setenv("MALLKU_REDIS_URL", "")

		_, err := FromEnv()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "MALLKU_REDIS_URL")
	})

	t.Run("overrides", func(t *testing.T) {
		t.Setenv("MALLKU_DEVELOPMENT_MODE", "true")
		t.Setenv("MALLKU_REGISTRY_DRIVER", RegistryPostgres)
		t.Setenv("MALLKU_POSTGRES_DSN", "postgres://localhost/mallku")
		t.Setenv("MALLKU_REDIS_POOL_SIZE", "25")
		t.Setenv("MALLKU_SHUTDOWN_TIMEOUT", "3s")
		t.Setenv("MALLKU_BACKUP_S3_ENDPOINT", "minio:9000")

		cfg, err := FromEnv()
		require.NoError(t, err)
		assert.Equal(t, RegistryPostgres, cfg.RegistryDriver)
		assert.Equal(t, 25, cfg.Redis.PoolSize)
		assert.Equal(t, 3*time.Second, cfg.ShutdownTimeout)
		assert.True(t, cfg.ObjectStore.Enabled())
	})

	t.Run("malformed boolean", func(t *testing.T) {
		t.Setenv("MALLKU_DEVELOPMENT_MODE", "sometimes")

		_, err := FromEnv()
		require.Error(t, err)
	})
}

func TestParsePolicies(t *testing.T) {
	t.Run("valid document", func(t *testing.T) {
		pf, err := ParsePolicies([]byte(`
collections:
  - name: activities
    requires_security: true
    allowed_models: [Activity]
    schema:
      required: [participant_id, ayni_score]
  - name: legacy_imports
`))
		require.NoError(t, err)
		require.Len(t, pf.Collections, 2)

		activities := pf.Collections[0]
		assert.True(t, activities.RequiresSecurity)
		assert.Equal(t, []string{"Activity"}, activities.AllowedModels)
		require.NotNil(t, activities.Schema)
		assert.Equal(t, []string{"participant_id", "ayni_score"}, activities.Schema.Required)

		assert.False(t, pf.Collections[1].RequiresSecurity)
		assert.Nil(t, pf.Collections[1].Schema)
	})

	t.Run("duplicate collection", func(t *testing.T) {
		_, err := ParsePolicies([]byte("collections:\n  - name: a\n  - name: a\n"))
		require.Error(t, err)
	})

	t.Run("missing name", func(t *testing.T) {
		_, err := ParsePolicies([]byte("collections:\n  - requires_security: true\n"))
		require.Error(t, err)
	})
}
