package backup

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMinIOConfigValidate(t *testing.T) {
	err := MinIOConfig{Endpoint: "localhost:9000"}.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access key, secret key, bucket")

	assert.NoError(t, MinIOConfig{
		Endpoint:  "localhost:9000",
		AccessKey: "minio",
		SecretKey: "minio123",
		Bucket:    "registry-backups",
	}.Validate())
	assert.False(t, MinIOConfig{}.Enabled())
}

func TestObjectKey(t *testing.T) {
	assert.Equal(t, "registry_backup_1.db", ObjectKey("", "/var/lib/mallku/registry_backup_1.db"))
	assert.Equal(t, "prod/registry/registry_backup_1.db", ObjectKey("/prod/registry/", "/tmp/registry_backup_1.db"))
	assert.Equal(t, "application/json", contentType("snapshot.json"))
}
