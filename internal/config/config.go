// Package config handles application configuration and environment loading.
package config

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AuthConfig holds bearer-token authentication and authorization settings.
type AuthConfig struct {
	JWTSecret string // HS256 shared secret
	Issuer    string // required "iss" claim (optional)
	Audience  string // required "aud" claim (optional)

	// DefaultRole is granted to users without an explicit role assignment.
	DefaultRole string
	// PolicyFile is an extra casbin policy CSV loaded over the built-in one.
	PolicyFile string
}

// SQLLab holds the execution flags of the SQL Lab pipeline. Field names
// mirror the environment variables; the YAML overlay uses the tags.
type SQLLab struct {
	TimeoutSec             int                 `yaml:"timeout_sec"`
	AsyncTimeLimitSec      int                 `yaml:"async_time_limit_sec"`
	AbandonGraceSec        int                 `yaml:"abandon_grace_sec"`
	CTASNoLimit            bool                `yaml:"ctas_no_limit"`
	DisplayMaxRow          int                 `yaml:"display_max_row"`
	SQLMaxRow              int                 `yaml:"sql_max_row"`
	TemplateProcessing     bool                `yaml:"enable_template_processing"`
	ExpandData             bool                `yaml:"presto_expand_data"`
	BackendPersistence     bool                `yaml:"backend_persistence"`
	CTASSchemaNameFunc     string              `yaml:"ctas_schema_name_func"`
	TrackingURLTransformer string              `yaml:"tracking_url_transformer"`
	DisallowedFunctions    map[string][]string `yaml:"disallowed_functions"`
}

// Timeout is the synchronous wall-clock limit.
func (s SQLLab) Timeout() time.Duration { return time.Duration(s.TimeoutSec) * time.Second }

// AsyncTimeLimit is the worker wall-clock limit.
func (s SQLLab) AsyncTimeLimit() time.Duration {
	return time.Duration(s.AsyncTimeLimitSec) * time.Second
}

// AbandonGrace is how long a timed-out sync run may take to acknowledge
// cancellation.
func (s SQLLab) AbandonGrace() time.Duration {
	return time.Duration(s.AbandonGraceSec) * time.Second
}

// ResultsConfig selects the results backend.
type ResultsConfig struct {
	Backend    string `yaml:"backend"` // memory, redis, s3, gcs, azure, minio or empty
	TTLSec     int    `yaml:"ttl_sec"`
	Compress   bool   `yaml:"compress"`
	MemorySize int    `yaml:"memory_size"`
	UseSSL     bool   `yaml:"use_ssl"`
	PathStyle  bool   `yaml:"path_style"`
	GCSKeyFile string `yaml:"gcs_key_file"`
	// AzureAccount is the storage account; SECRET holds its key.
	AzureAccount string `yaml:"azure_account"`
}

// TTL is how long stored results live.
func (r ResultsConfig) TTL() time.Duration { return time.Duration(r.TTLSec) * time.Second }

// TaskQueueConfig selects where async queries run.
type TaskQueueConfig struct {
	Kind     string  `yaml:"kind"` // pool or redis
	PoolSize int     `yaml:"pool_size"`
	Backlog  int     `yaml:"backlog"` // queued tasks waiting for a pool worker
	RateRPS  float64 `yaml:"rate_rps"`
	RedisKey string  `yaml:"redis_key"`
}

// Task queue kinds.
const (
	TaskQueuePool  = "pool"
	TaskQueueRedis = "redis"
)

// fileConfig is the shape of the YAML overlay.
type fileConfig struct {
	SQLLab    SQLLab          `yaml:"sqllab"`
	Results   ResultsConfig   `yaml:"results"`
	TaskQueue TaskQueueConfig `yaml:"task_queue"`
}

// Config holds the configuration of the SQL Lab server and workers.
type Config struct {
	// S3-compatible object store credentials for the s3 and minio results
	// backends. Nil when not configured.
	S3KeyID    *string
	S3Secret   *string
	S3Endpoint *string
	S3Region   *string
	S3Bucket   *string

	MetaDBPath        string // path to SQLite metastore file
	ListenAddr        string // HTTP listen address (default ":8080")
	TLSCertFile       string // TLS certificate file path (optional)
	TLSKeyFile        string // TLS private key file path (optional)
	AllowInsecureHTTP bool   // allow non-TLS listener in production (for trusted TLS termination)
	EncryptionKey     string // 64-char hex string (32-byte AES key) for encrypting stored connection URIs
	LogLevel          string // log level: debug, info, warn, error (default "info")
	LogFormat         string // text or json (default "text")
	Env               string // environment: "development" (default) or "production"
	ConfigFile        string // YAML overlay path (SQLLAB_CONFIG_FILE)

	// Rate limiting
	RateLimitRPS   float64 // sustained requests per second (default 100)
	RateLimitBurst int     // burst capacity (default 200)

	// CORS
	CORSAllowedOrigins []string // allowed origins for CORS (default: ["*"])

	Auth      AuthConfig
	SQLLab    SQLLab
	Results   ResultsConfig
	TaskQueue TaskQueueConfig

	RedisAddr      string // shared by the redis results backend and queue
	ReaperSchedule string // cron spec of the stale query reaper

	// Warnings collects non-fatal warnings generated during config loading.
	// These are logged by the caller after the logger is initialised.
	Warnings []string
}

const (
	insecureEncryptionKey = "0000000000000000000000000000000000000000000000000000000000000000"
	insecureJWTSecret     = "dev-secret-change-in-production"
)

// SlogLevel maps the LogLevel string to an slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// IsProduction returns true when the server is running in production mode.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// HasS3Config returns true if all required S3 fields are set.
func (c *Config) HasS3Config() bool {
	return c.S3KeyID != nil && c.S3Secret != nil &&
		c.S3Endpoint != nil && c.S3Region != nil
}

// defaults returns the configuration before the overlay and environment
// are applied.
func defaults() *Config {
	return &Config{
		MetaDBPath:         "sqllab_meta.sqlite",
		ListenAddr:         ":8080",
		LogLevel:           "info",
		LogFormat:          "text",
		RateLimitRPS:       100,
		RateLimitBurst:     200,
		CORSAllowedOrigins: []string{"*"},
		Auth:               AuthConfig{DefaultRole: "role:sql_lab"},
		SQLLab: SQLLab{
			TimeoutSec:         30,
			AsyncTimeLimitSec:  21600,
			AbandonGraceSec:    2,
			DisplayMaxRow:      10000,
			SQLMaxRow:          100000,
			TemplateProcessing: true,
			BackendPersistence: true,
		},
		Results: ResultsConfig{
			Backend:    "memory",
			TTLSec:     86400,
			Compress:   true,
			MemorySize: 1024,
		},
		TaskQueue: TaskQueueConfig{
			Kind:     TaskQueuePool,
			PoolSize: 8,
			Backlog:  64,
			RedisKey: "sqllab:tasks",
		},
		ReaperSchedule: "@every 1m",
	}
}

// LoadFromEnv loads configuration from environment variables on top of the
// defaults and the optional YAML overlay named by SQLLAB_CONFIG_FILE.
// Environment variables win over YAML values.
func LoadFromEnv() (*Config, error) {
	cfg := defaults()

	cfg.ConfigFile = os.Getenv("SQLLAB_CONFIG_FILE")
	if cfg.ConfigFile != "" {
		if err := cfg.loadYAML(cfg.ConfigFile); err != nil {
			return nil, err
		}
	}

	setString(&cfg.MetaDBPath, "META_DB_PATH")
	setString(&cfg.ListenAddr, "LISTEN_ADDR")
	setString(&cfg.TLSCertFile, "TLS_CERT_FILE")
	setString(&cfg.TLSKeyFile, "TLS_KEY_FILE")
	setString(&cfg.EncryptionKey, "ENCRYPTION_KEY")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.LogFormat, "LOG_FORMAT")
	setString(&cfg.Env, "ENV")
	setString(&cfg.RedisAddr, "REDIS_ADDR")
	setString(&cfg.ReaperSchedule, "REAPER_SCHEDULE")

	// Rate limiting
	if v := os.Getenv("RATE_LIMIT_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.RateLimitRPS = f
		}
	}
	if v := os.Getenv("RATE_LIMIT_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateLimitBurst = n
		}
	}

	// S3 fields are optional, only set if present.
	if v := os.Getenv("KEY_ID"); v != "" {
		cfg.S3KeyID = &v
	}
	if v := os.Getenv("SECRET"); v != "" {
		cfg.S3Secret = &v
	}
	if v := os.Getenv("ENDPOINT"); v != "" {
		cfg.S3Endpoint = &v
	}
	if v := os.Getenv("REGION"); v != "" {
		cfg.S3Region = &v
	}
	if v := os.Getenv("BUCKET"); v != "" {
		cfg.S3Bucket = &v
	}

	// CORS
	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		cfg.CORSAllowedOrigins = compactNonEmpty(splitTrim(v, ","))
	}
	if strings.EqualFold(os.Getenv("ALLOW_INSECURE_HTTP"), "true") {
		cfg.AllowInsecureHTTP = true
	}

	// Auth
	setString(&cfg.Auth.JWTSecret, "JWT_SECRET")
	setString(&cfg.Auth.Issuer, "AUTH_ISSUER")
	setString(&cfg.Auth.Audience, "AUTH_AUDIENCE")
	setString(&cfg.Auth.DefaultRole, "AUTH_DEFAULT_ROLE")
	setString(&cfg.Auth.PolicyFile, "AUTH_POLICY_FILE")

	if err := cfg.loadSQLLabEnv(); err != nil {
		return nil, err
	}

	// Results backend
	setString(&cfg.Results.Backend, "RESULTS_BACKEND")
	if err := setInt(&cfg.Results.TTLSec, "RESULTS_BACKEND_TTL"); err != nil {
		return nil, err
	}
	cfg.Results.Compress = parseBoolEnvDefault("RESULTS_BACKEND_COMPRESS", cfg.Results.Compress)
	if err := setInt(&cfg.Results.MemorySize, "RESULTS_BACKEND_MEMORY_SIZE"); err != nil {
		return nil, err
	}
	cfg.Results.UseSSL = parseBoolEnvDefault("RESULTS_BACKEND_USE_SSL", cfg.Results.UseSSL)
	cfg.Results.PathStyle = parseBoolEnvDefault("RESULTS_BACKEND_PATH_STYLE", cfg.Results.PathStyle)
	setString(&cfg.Results.GCSKeyFile, "RESULTS_BACKEND_GCS_KEY_FILE")
	setString(&cfg.Results.AzureAccount, "RESULTS_BACKEND_AZURE_ACCOUNT")

	// Task queue
	setString(&cfg.TaskQueue.Kind, "TASK_QUEUE")
	if err := setInt(&cfg.TaskQueue.PoolSize, "TASK_POOL_SIZE"); err != nil {
		return nil, err
	}
	if err := setInt(&cfg.TaskQueue.Backlog, "TASK_POOL_BACKLOG"); err != nil {
		return nil, err
	}
	if v := os.Getenv("TASK_RATE_RPS"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("TASK_RATE_RPS: %w", err)
		}
		cfg.TaskQueue.RateRPS = f
	}
	setString(&cfg.TaskQueue.RedisKey, "TASK_QUEUE_REDIS_KEY")

	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadSQLLabEnv() error {
	s := &c.SQLLab
	for key, dst := range map[string]*int{
		"SQLLAB_TIMEOUT":              &s.TimeoutSec,
		"SQLLAB_ASYNC_TIME_LIMIT_SEC": &s.AsyncTimeLimitSec,
		"SQLLAB_ABANDON_GRACE_SEC":    &s.AbandonGraceSec,
		"DISPLAY_MAX_ROW":             &s.DisplayMaxRow,
		"SQL_MAX_ROW":                 &s.SQLMaxRow,
	} {
		if err := setInt(dst, key); err != nil {
			return err
		}
	}
	s.CTASNoLimit = parseBoolEnvDefault("SQLLAB_CTAS_NO_LIMIT", s.CTASNoLimit)
	s.TemplateProcessing = parseBoolEnvDefault("ENABLE_TEMPLATE_PROCESSING", s.TemplateProcessing)
	s.ExpandData = parseBoolEnvDefault("PRESTO_EXPAND_DATA", s.ExpandData)
	s.BackendPersistence = parseBoolEnvDefault("SQLLAB_BACKEND_PERSISTENCE", s.BackendPersistence)
	setString(&s.CTASSchemaNameFunc, "SQLLAB_CTAS_SCHEMA_NAME_FUNC")
	setString(&s.TrackingURLTransformer, "TRACKING_URL_TRANSFORMER")

	if v := os.Getenv("DISALLOWED_SQL_FUNCTIONS"); v != "" {
		fns, err := ParseDisallowedFunctions(v)
		if err != nil {
			return err
		}
		s.DisallowedFunctions = fns
	}
	return nil
}

// finish validates the merged configuration and records warnings.
func (c *Config) finish() error {
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return fmt.Errorf("both TLS_CERT_FILE and TLS_KEY_FILE must be set together")
	}
	if c.Auth.JWTSecret == "" {
		c.Auth.JWTSecret = insecureJWTSecret
		c.Warnings = append(c.Warnings, "JWT_SECRET not set, using insecure default. Set JWT_SECRET in production!")
	}
	if c.EncryptionKey == "" {
		c.EncryptionKey = insecureEncryptionKey
		c.Warnings = append(c.Warnings, "ENCRYPTION_KEY not set, using insecure default. Set ENCRYPTION_KEY in production!")
	}

	s := c.SQLLab
	if s.TimeoutSec < 0 || s.AsyncTimeLimitSec < 0 || s.AbandonGraceSec < 0 {
		return fmt.Errorf("sql lab time limits must not be negative")
	}
	if s.DisplayMaxRow < 0 || s.SQLMaxRow < 0 {
		return fmt.Errorf("DISPLAY_MAX_ROW and SQL_MAX_ROW must not be negative")
	}

	c.Results.Backend = strings.ToLower(strings.TrimSpace(c.Results.Backend))
	switch c.Results.Backend {
	case "", "memory", "s3", "gcs", "azure", "minio":
	case "redis":
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required for RESULTS_BACKEND=redis")
		}
	default:
		return fmt.Errorf("unknown RESULTS_BACKEND %q", c.Results.Backend)
	}
	if c.Results.Backend == "" && s.BackendPersistence {
		c.Warnings = append(c.Warnings, "no results backend configured, async queries cannot store results")
	}

	c.TaskQueue.Kind = strings.ToLower(strings.TrimSpace(c.TaskQueue.Kind))
	switch c.TaskQueue.Kind {
	case TaskQueuePool:
	case TaskQueueRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required for TASK_QUEUE=redis")
		}
		if c.Results.Backend == "memory" {
			c.Warnings = append(c.Warnings, "TASK_QUEUE=redis with RESULTS_BACKEND=memory: workers cannot share stored results with the server")
		}
	default:
		return fmt.Errorf("unknown TASK_QUEUE %q", c.TaskQueue.Kind)
	}

	// Production mode: insecure defaults are fatal errors.
	if c.IsProduction() {
		if c.Auth.JWTSecret == insecureJWTSecret {
			return fmt.Errorf("JWT_SECRET must be set in production (ENV=production)")
		}
		if c.EncryptionKey == insecureEncryptionKey {
			return fmt.Errorf("ENCRYPTION_KEY must be set in production (ENV=production)")
		}
		if len(c.CORSAllowedOrigins) == 1 && c.CORSAllowedOrigins[0] == "*" {
			return fmt.Errorf("CORS wildcard (*) is not allowed in production (ENV=production)")
		}
		if c.TLSCertFile == "" && !c.AllowInsecureHTTP {
			return fmt.Errorf("TLS_CERT_FILE/TLS_KEY_FILE must be set in production unless ALLOW_INSECURE_HTTP=true")
		}
	}
	return nil
}

// loadYAML overlays the sections present in the file at path.
func (c *Config) loadYAML(path string) error {
	b, err := os.ReadFile(path) //nolint:gosec // path is operator-controlled
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	fc := fileConfig{SQLLab: c.SQLLab, Results: c.Results, TaskQueue: c.TaskQueue}
	if err := yaml.Unmarshal(b, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	c.SQLLab, c.Results, c.TaskQueue = fc.SQLLab, fc.Results, fc.TaskQueue
	return nil
}

// ParseDisallowedFunctions parses "engine:fn1|fn2,engine2:fn3".
func ParseDisallowedFunctions(v string) (map[string][]string, error) {
	out := map[string][]string{}
	for _, entry := range compactNonEmpty(splitTrim(v, ",")) {
		engine, fns, ok := strings.Cut(entry, ":")
		engine = strings.TrimSpace(engine)
		if !ok || engine == "" {
			return nil, fmt.Errorf("DISALLOWED_SQL_FUNCTIONS: entry %q is not engine:fn1|fn2", entry)
		}
		out[engine] = append(out[engine], compactNonEmpty(splitTrim(fns, "|"))...)
	}
	return out, nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func parseBoolEnvDefault(key string, defaultVal bool) bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	if v == "" {
		return defaultVal
	}
	if v == "0" || v == "false" || v == "no" || v == "off" {
		return false
	}
	if v == "1" || v == "true" || v == "yes" || v == "on" {
		return true
	}
	return defaultVal
}

func splitTrim(v, sep string) []string {
	parts := strings.Split(v, sep)
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func compactNonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

// LoadDotEnv reads a .env file and sets any variables not already in the environment.
// Lines must be in KEY=VALUE format. Comments (#) and blank lines are skipped.
func LoadDotEnv(path string) error {
	f, err := os.Open(path) //nolint:gosec // path is caller-controlled
	if err != nil {
		if os.IsNotExist(err) {
			return nil // .env not found is not an error
		}
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = stripQuotes(strings.TrimSpace(value))
		// Env vars take precedence over the file.
		if os.Getenv(key) == "" {
			if err := os.Setenv(key, value); err != nil {
				return fmt.Errorf("setenv %s: %w", key, err)
			}
		}
	}
	return scanner.Err()
}

// stripQuotes removes surrounding double or single quotes from a value.
// Only strips if both the first and last characters are matching quotes.
func stripQuotes(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
