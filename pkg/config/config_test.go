package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromEnvDefaults(t *testing.T) {
	cfg := LoadFromEnv()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, 16, cfg.HNSW.M)
	assert.Equal(t, "euclidean", cfg.HNSW.Kernel)
}

func TestLoadFromEnvHonorsOverrides(t *testing.T) {
	t.Setenv("BRAINY_STORAGE_BACKEND", "filesystem")
	t.Setenv("BRAINY_HNSW_M", "32")
	t.Setenv("BRAINY_HNSW_KERNEL", "cosine")

	cfg := LoadFromEnv()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "filesystem", cfg.Storage.Backend)
	assert.Equal(t, 32, cfg.HNSW.M)
	assert.Equal(t, "cosine", cfg.HNSW.Kernel)
}

func TestValidateRejectsUnknownBackend(t *testing.T) {
	cfg := LoadFromEnv()
	cfg.Storage.Backend = "carrier-pigeon"
	assert.Error(t, cfg.Validate())
}

func TestValidateRequiresBucketForS3Backend(t *testing.T) {
	cfg := LoadFromEnv()
	cfg.Storage.Backend = "s3"
	cfg.Storage.S3Bucket = ""
	assert.Error(t, cfg.Validate())

	cfg.Storage.S3Bucket = "my-bucket"
	assert.NoError(t, cfg.Validate())
}

func TestValidateRejectsUnknownKernel(t *testing.T) {
	cfg := LoadFromEnv()
	cfg.HNSW.Kernel = "manhattan-ish"
	assert.Error(t, cfg.Validate())
}

func TestLoadFromFileOverlaysBaseAndEnvWins(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/brainy.yaml"
	yamlContent := "storage:\n  backend: filesystem\n  dataDir: /var/lib/brainy\nhnsw:\n  m: 24\n"
	require.NoError(t, os.WriteFile(path, []byte(yamlContent), 0o600))

	t.Setenv("BRAINY_HNSW_M", "8")

	cfg, err := LoadFromFileThenEnv(path)
	require.NoError(t, err)
	assert.Equal(t, "filesystem", cfg.Storage.Backend)
	assert.Equal(t, "/var/lib/brainy", cfg.Storage.DataDir)
	assert.Equal(t, 8, cfg.HNSW.M, "an explicitly set env var must win over the file")
}

func TestLoadFromFileMissingPathErrors(t *testing.T) {
	_, err := LoadFromFile("/nonexistent/brainy.yaml", &Config{})
	assert.Error(t, err)
}
