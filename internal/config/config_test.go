package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := Default()
	// Bucket has no built-in default; every other default must validate.
	cfg.Bucket = "builds"
	assert.NoError(t, Validate(cfg))
}

func TestValidateRejectsMissingBucket(t *testing.T) {
	cfg := Default()
	cfg.Bucket = ""
	assert.Error(t, Validate(cfg))
}

func TestValidateRejectsBadPort(t *testing.T) {
	cfg := Default()
	cfg.Bucket = "builds"
	cfg.Port = 0
	assert.Error(t, Validate(cfg))
}

func TestValidateRejectsAsyncUploadWithoutCacheDir(t *testing.T) {
	cfg := Default()
	cfg.Bucket = "builds"
	cfg.AsyncUpload.Enabled = true
	cfg.AsyncUpload.CacheDir = ""
	assert.Error(t, Validate(cfg))
}

func TestLoadFromYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	contents := `
host: 0.0.0.0
port: 9000
bucket: my-build-cache
s3_prefix: ci/
idle_minutes: 30
socket_timeout_seconds: 15
errors_before_pausing: 3
pause_minutes: 1
allow_offline: true
allow_gcc_depfiles: false
max_entry_size_bytes: 10Mi
async_upload:
  enabled: true
  cache_dir: ` + filepath.Join(dir, "spool") + `
  max_pending_upload_mb: 200Mi
memory_cache:
  max_total_bytes: 500Mi
  max_entry_bytes: 50Mi
logging:
  level: DEBUG
  format: json
  file: ""
metrics:
  enabled: true
  path: /metrics
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, "my-build-cache", cfg.Bucket)
	assert.Equal(t, 30, cfg.IdleMinutes)
	assert.False(t, cfg.AllowGccDepfiles)
	assert.EqualValues(t, 10<<20, cfg.MaxEntrySizeBytes)
	assert.Equal(t, "DEBUG", cfg.Logging.Level)
}

func TestSaveAndReload(t *testing.T) {
	cfg := Default()
	cfg.Bucket = "roundtrip-bucket"

	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	require.NoError(t, Save(cfg, path))

	reloaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "roundtrip-bucket", reloaded.Bucket)
}
