package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("VAULTSCAN_ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "localhost:3310", cfg.ClamAVAddr)
	assert.Equal(t, 5*time.Second, cfg.ClamAVReadyInterval)
	assert.Equal(t, 500*time.Millisecond, cfg.ClamAVProbeTimeout)
	assert.Equal(t, "Virus Scan", cfg.ReviewTypeName)
	assert.Equal(t, "30001850", cfg.ScorecardID)
	assert.Equal(t, []string{"localhost:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, cfg.ProcessingPool, cfg.ClamAVPool)
	assert.Contains(t, cfg.UploadTypes, "submission")
	assert.Contains(t, cfg.UploadTypes, "asset")

	// No buckets configured: the defaults are not runnable.
	assert.Error(t, cfg.Validate())
}

func TestLoadFromEnvAndDotenv(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(envFile, []byte("VAULTSCAN_DMZ_BUCKET=dmz\nVAULTSCAN_CLAMAV_PORT=3311\n"), 0o600))
	t.Setenv("VAULTSCAN_ENV_FILE", envFile)
	t.Setenv("VAULTSCAN_CLAMAV_HOST", "clamd")
	t.Setenv("VAULTSCAN_SUBMISSION_CLEAN_BUCKET", "sub-clean")
	t.Setenv("VAULTSCAN_SUBMISSION_QUARANTINE_BUCKET", "sub-q")
	t.Setenv("VAULTSCAN_ASSET_CLEAN_BUCKET", "asset-clean")
	t.Setenv("VAULTSCAN_ASSET_QUARANTINE_BUCKET", "asset-q")
	t.Setenv("VAULTSCAN_KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("VAULTSCAN_WORKERS", "-3")
	t.Cleanup(func() {
		os.Unsetenv("VAULTSCAN_DMZ_BUCKET")
		os.Unsetenv("VAULTSCAN_CLAMAV_PORT")
	})

	cfg, err := Load()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "dmz", cfg.DMZBucket)
	assert.Equal(t, "clamd:3311", cfg.ClamAVAddr)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, defaultWorkerCount, cfg.ProcessingPool)

	ut, ok := cfg.UploadType("asset")
	require.True(t, ok)
	assert.Equal(t, "asset-clean", ut.CleanBucket)
	_, ok = cfg.UploadType("video")
	assert.False(t, ok)
}

func TestReadUploadTypesYAML(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "types.yaml")
	doc := `
submission:
  cleanBucket: sub-clean
  quarantineBucket: sub-q
  updateUrl: https://api.example.com/v5/submissions
challenge-brief:
  cleanBucket: brief-clean
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	t.Setenv("VAULTSCAN_UPLOAD_TYPES_FILE", path)
	t.Setenv("VAULTSCAN_DMZ_BUCKET", "dmz")

	cfg, err := Load()
	require.NoError(t, err)
	require.Len(t, cfg.UploadTypes, 2)
	assert.Equal(t, "https://api.example.com/v5/submissions", cfg.UploadTypes["submission"].UpdateURL)

	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "challenge-brief")
	assert.Contains(t, err.Error(), "quarantineBucket")
}

func TestValidateDrivers(t *testing.T) {
	cfg := &Config{
		DMZBucket:     "dmz",
		StorageDriver: "ftp",
		BusDriver:     BusAMQP,
		Source:        SourceKafka,
		UploadTypes: map[string]UploadType{
			"asset": {CleanBucket: "c", QuarantineBucket: "q"},
		},
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown storage driver "ftp"`)
	assert.Contains(t, err.Error(), "VAULTSCAN_AMQP_URL")
}

func TestKafkaClientCertificate(t *testing.T) {
	isolate(t)
	t.Setenv("VAULTSCAN_KAFKA_CLIENT_CERT", `-----BEGIN CERTIFICATE-----\nMIIB\n-----END CERTIFICATE-----`)
	t.Setenv("VAULTSCAN_KAFKA_CLIENT_CERT_KEY", "")
	t.Setenv("VAULTSCAN_DMZ_BUCKET", "dmz")
	t.Setenv("VAULTSCAN_SOURCE", SourceKafka)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "-----BEGIN CERTIFICATE-----\nMIIB\n-----END CERTIFICATE-----", cfg.KafkaClientCert)

	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be set together")

	cfg.KafkaClientCertKey = "key"
	err = cfg.Validate()
	if err != nil {
		assert.NotContains(t, err.Error(), "must be set together")
	}
}
