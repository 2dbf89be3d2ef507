package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromEnv_AllVarsSet(t *testing.T) {
	t.Setenv("KEY_ID", "testkey")
	t.Setenv("SECRET", "testsecret")
	t.Setenv("ENDPOINT", "s3.example.com")
	t.Setenv("REGION", "us-east-1")
	t.Setenv("BUCKET", "test-bucket")
	t.Setenv("META_DB_PATH", "/tmp/test.sqlite")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	require.NotNil(t, cfg.S3KeyID)
	assert.Equal(t, "testkey", *cfg.S3KeyID)
	require.NotNil(t, cfg.S3Bucket)
	assert.Equal(t, "test-bucket", *cfg.S3Bucket)
	assert.Equal(t, "/tmp/test.sqlite", cfg.MetaDBPath)
}

func TestLoadFromEnv_Defaults(t *testing.T) {
	// Clear all S3 vars
	t.Setenv("KEY_ID", "")
	t.Setenv("SECRET", "")
	t.Setenv("ENDPOINT", "")
	t.Setenv("REGION", "")
	t.Setenv("BUCKET", "")
	t.Setenv("META_DB_PATH", "")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	assert.Nil(t, cfg.S3KeyID)
	assert.Nil(t, cfg.S3Bucket)
	assert.Equal(t, "sqllab_meta.sqlite", cfg.MetaDBPath)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "dev-secret-change-in-production", cfg.Auth.JWTSecret)
	assert.Equal(t, "0000000000000000000000000000000000000000000000000000000000000000", cfg.EncryptionKey)
	assert.Len(t, cfg.Warnings, 2)

	assert.Equal(t, 30*time.Second, cfg.SQLLab.Timeout())
	assert.Equal(t, 6*time.Hour, cfg.SQLLab.AsyncTimeLimit())
	assert.Equal(t, 10000, cfg.SQLLab.DisplayMaxRow)
	assert.Equal(t, 100000, cfg.SQLLab.SQLMaxRow)
	assert.True(t, cfg.SQLLab.TemplateProcessing)
	assert.True(t, cfg.SQLLab.BackendPersistence)
	assert.False(t, cfg.SQLLab.CTASNoLimit)
	assert.False(t, cfg.SQLLab.ExpandData)
	assert.Equal(t, "memory", cfg.Results.Backend)
	assert.Equal(t, 24*time.Hour, cfg.Results.TTL())
	assert.True(t, cfg.Results.Compress)
	assert.Equal(t, TaskQueuePool, cfg.TaskQueue.Kind)
	assert.Equal(t, "@every 1m", cfg.ReaperSchedule)
}

func TestLoadFromEnv_NoS3(t *testing.T) {
	t.Setenv("KEY_ID", "")
	t.Setenv("SECRET", "")
	t.Setenv("ENDPOINT", "")
	t.Setenv("REGION", "")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Nil(t, cfg.S3KeyID)
	assert.Nil(t, cfg.S3Secret)
	assert.Nil(t, cfg.S3Endpoint)
	assert.Nil(t, cfg.S3Region)
	assert.False(t, cfg.HasS3Config())
}

func TestLoadFromEnv_WithS3(t *testing.T) {
	t.Setenv("KEY_ID", "testkey")
	t.Setenv("SECRET", "testsecret")
	t.Setenv("ENDPOINT", "s3.example.com")
	t.Setenv("REGION", "us-east-1")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.True(t, cfg.HasS3Config())
	require.NotNil(t, cfg.S3KeyID)
	assert.Equal(t, "testkey", *cfg.S3KeyID)
}

func TestHasS3Config_PartialConfig(t *testing.T) {
	t.Setenv("KEY_ID", "testkey")
	t.Setenv("SECRET", "")
	t.Setenv("ENDPOINT", "s3.example.com")
	t.Setenv("REGION", "")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.False(t, cfg.HasS3Config(), "partial S3 config should return false")
}

func TestLoadDotEnv_FileNotFound(t *testing.T) {
	err := LoadDotEnv("/nonexistent/.env")
	if err != nil {
		t.Errorf("expected no error for missing .env, got: %v", err)
	}
}

func TestLoadDotEnv_ParsesKeyValue(t *testing.T) {
	tmpDir := t.TempDir()
	envFile := filepath.Join(tmpDir, ".env")

	err := os.WriteFile(envFile, []byte("TEST_KEY=test_value\n"), 0644)
	if err != nil {
		t.Fatalf("write .env: %v", err)
	}

	if err := LoadDotEnv(envFile); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}

	if val := os.Getenv("TEST_KEY"); val != "test_value" {
		t.Errorf("TEST_KEY = %q, want %q", val, "test_value")
	}
	_ = os.Unsetenv("TEST_KEY")
}

func TestLoadDotEnv_SkipsComments(t *testing.T) {
	tmpDir := t.TempDir()
	envFile := filepath.Join(tmpDir, ".env")

	err := os.WriteFile(envFile, []byte("# comment\nTEST_COMMENT_KEY=value\n"), 0644)
	if err != nil {
		t.Fatalf("write .env: %v", err)
	}

	if err := LoadDotEnv(envFile); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}

	if val := os.Getenv("TEST_COMMENT_KEY"); val != "value" {
		t.Errorf("TEST_COMMENT_KEY = %q, want %q", val, "value")
	}
	_ = os.Unsetenv("TEST_COMMENT_KEY")
}

func TestLoadDotEnv_EnvVarPrecedence(t *testing.T) {
	t.Setenv("TEST_PRECEDENCE_KEY", "from_env")

	tmpDir := t.TempDir()
	envFile := filepath.Join(tmpDir, ".env")

	err := os.WriteFile(envFile, []byte("TEST_PRECEDENCE_KEY=from_file\n"), 0644)
	if err != nil {
		t.Fatalf("write .env: %v", err)
	}

	if err := LoadDotEnv(envFile); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}

	if val := os.Getenv("TEST_PRECEDENCE_KEY"); val != "from_env" {
		t.Errorf("TEST_PRECEDENCE_KEY = %q, want %q (env precedence)", val, "from_env")
	}
}

func TestLoadFromEnv_SQLLabOverrides(t *testing.T) {
	t.Setenv("SQLLAB_TIMEOUT", "5")
	t.Setenv("SQLLAB_ASYNC_TIME_LIMIT_SEC", "60")
	t.Setenv("SQLLAB_CTAS_NO_LIMIT", "true")
	t.Setenv("DISPLAY_MAX_ROW", "10")
	t.Setenv("SQL_MAX_ROW", "20")
	t.Setenv("ENABLE_TEMPLATE_PROCESSING", "off")
	t.Setenv("PRESTO_EXPAND_DATA", "1")
	t.Setenv("SQLLAB_BACKEND_PERSISTENCE", "no")
	t.Setenv("SQLLAB_CTAS_SCHEMA_NAME_FUNC", "/etc/sqllab/ctas.star")
	t.Setenv("TRACKING_URL_TRANSFORMER", "/etc/sqllab/tracking.star")
	t.Setenv("DISALLOWED_SQL_FUNCTIONS", "postgresql:pg_sleep|version, sqlite:load_extension")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	s := cfg.SQLLab
	assert.Equal(t, 5*time.Second, s.Timeout())
	assert.Equal(t, time.Minute, s.AsyncTimeLimit())
	assert.True(t, s.CTASNoLimit)
	assert.Equal(t, 10, s.DisplayMaxRow)
	assert.Equal(t, 20, s.SQLMaxRow)
	assert.False(t, s.TemplateProcessing)
	assert.True(t, s.ExpandData)
	assert.False(t, s.BackendPersistence)
	assert.Equal(t, "/etc/sqllab/ctas.star", s.CTASSchemaNameFunc)
	assert.Equal(t, "/etc/sqllab/tracking.star", s.TrackingURLTransformer)
	assert.Equal(t, map[string][]string{
		"postgresql": {"pg_sleep", "version"},
		"sqlite":     {"load_extension"},
	}, s.DisallowedFunctions)
}

func TestLoadFromEnv_InvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{name: "non-numeric timeout", env: map[string]string{"SQLLAB_TIMEOUT": "soon"}, wantErr: "SQLLAB_TIMEOUT"},
		{name: "negative timeout", env: map[string]string{"SQLLAB_TIMEOUT": "-1"}, wantErr: "must not be negative"},
		{name: "unknown backend", env: map[string]string{"RESULTS_BACKEND": "floppy"}, wantErr: "unknown RESULTS_BACKEND"},
		{name: "redis backend without addr", env: map[string]string{"RESULTS_BACKEND": "redis"}, wantErr: "REDIS_ADDR"},
		{name: "unknown queue", env: map[string]string{"TASK_QUEUE": "carrier-pigeon"}, wantErr: "unknown TASK_QUEUE"},
		{name: "redis queue without addr", env: map[string]string{"TASK_QUEUE": "redis"}, wantErr: "REDIS_ADDR"},
		{name: "bad disallowed list", env: map[string]string{"DISALLOWED_SQL_FUNCTIONS": "pg_sleep"}, wantErr: "engine:fn1|fn2"},
		{name: "half tls", env: map[string]string{"TLS_CERT_FILE": "cert.pem"}, wantErr: "TLS_KEY_FILE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := LoadFromEnv()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadFromEnv_Production(t *testing.T) {
	t.Setenv("ENV", "production")

	_, err := LoadFromEnv()
	require.ErrorContains(t, err, "JWT_SECRET")

	t.Setenv("JWT_SECRET", "s3cret")
	_, err = LoadFromEnv()
	require.ErrorContains(t, err, "ENCRYPTION_KEY")

	t.Setenv("ENCRYPTION_KEY", "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff")
	_, err = LoadFromEnv()
	require.ErrorContains(t, err, "CORS")

	t.Setenv("CORS_ALLOWED_ORIGINS", "https://lab.example.com")
	_, err = LoadFromEnv()
	require.ErrorContains(t, err, "TLS_CERT_FILE")

	t.Setenv("ALLOW_INSECURE_HTTP", "true")
	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, []string{"https://lab.example.com"}, cfg.CORSAllowedOrigins)
}

func TestLoadFromEnv_YAMLOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sqllab.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
sqllab:
  timeout_sec: 12
  display_max_row: 50
  disallowed_functions:
    duckdb: [read_csv]
results:
  backend: minio
  path_style: true
task_queue:
  pool_size: 3
`), 0o600))
	t.Setenv("SQLLAB_CONFIG_FILE", path)
	t.Setenv("DISPLAY_MAX_ROW", "75")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	assert.Equal(t, 12*time.Second, cfg.SQLLab.Timeout())
	assert.Equal(t, 75, cfg.SQLLab.DisplayMaxRow, "env wins over yaml")
	assert.Equal(t, 100000, cfg.SQLLab.SQLMaxRow, "unset yaml keys keep defaults")
	assert.Equal(t, map[string][]string{"duckdb": {"read_csv"}}, cfg.SQLLab.DisallowedFunctions)
	assert.Equal(t, "minio", cfg.Results.Backend)
	assert.True(t, cfg.Results.PathStyle)
	assert.True(t, cfg.Results.Compress)
	assert.Equal(t, 3, cfg.TaskQueue.PoolSize)
}

func TestLoadFromEnv_YAMLErrors(t *testing.T) {
	t.Setenv("SQLLAB_CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := LoadFromEnv()
	require.ErrorContains(t, err, "read config file")

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sqllab: [unterminated"), 0o600))
	t.Setenv("SQLLAB_CONFIG_FILE", path)
	_, err = LoadFromEnv()
	require.ErrorContains(t, err, "parse config file")
}

func TestApplyFlags(t *testing.T) {
	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	warnings := len(cfg.Warnings)

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"--listen-addr=:9999", "--sqllab-timeout=7", "--task-pool-size", "2"}))
	require.NoError(t, cfg.ApplyFlags(fs))

	assert.Equal(t, ":9999", cfg.ListenAddr)
	assert.Equal(t, 7*time.Second, cfg.SQLLab.Timeout())
	assert.Equal(t, 2, cfg.TaskQueue.PoolSize)
	assert.Equal(t, "sqllab_meta.sqlite", cfg.MetaDBPath, "unset flags keep loaded values")
	assert.Len(t, cfg.Warnings, warnings)

	require.NoError(t, fs.Parse([]string{"--task-queue=redis"}))
	assert.ErrorContains(t, cfg.ApplyFlags(fs), "REDIS_ADDR")
}

func TestParseDisallowedFunctions(t *testing.T) {
	got, err := ParseDisallowedFunctions("mysql:sleep|benchmark,mysql:load_file,")
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{"mysql": {"sleep", "benchmark", "load_file"}}, got)

	_, err = ParseDisallowedFunctions(":sleep")
	assert.Error(t, err)
}
