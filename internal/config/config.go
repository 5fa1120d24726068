package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port           string   `mapstructure:"PORT"`
	Env            string   `mapstructure:"ENV"`
	AuthMode       string   `mapstructure:"AUTH_MODE"`
	DatabaseURL    string   `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32    `mapstructure:"DB_MIN_CONNS"`
	AuthIssuer     string   `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string   `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string   `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string   `mapstructure:"AUTH_SIGNING_KEY"`
	DefaultTenant  string   `mapstructure:"DEFAULT_TENANT"`
	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int      `mapstructure:"RATE_LIMIT_BURST"`
	TLSEnabled     bool     `mapstructure:"TLS_ENABLED"`
	TLSCertFile    string   `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile     string   `mapstructure:"TLS_KEY_FILE"`

	WorkDir          string `mapstructure:"WORK_DIR"`
	DocumentStoreDir string `mapstructure:"DOCUMENT_STORE_DIR"`
	MigrationsDir    string `mapstructure:"MIGRATIONS_DIR"`

	ImportBatchSize       int    `mapstructure:"IMPORT_BATCH_SIZE"`
	ImportBatchPauseMS    int    `mapstructure:"IMPORT_BATCH_PAUSE_MS"`
	ImportMemoryCeilingMB int    `mapstructure:"IMPORT_MEMORY_CEILING_MB"`
	ImportMaxRowsPerFile  int    `mapstructure:"IMPORT_MAX_ROWS_PER_FILE"`
	ImportMaxUploadMB     int    `mapstructure:"IMPORT_MAX_UPLOAD_MB"`
	ImportMaxExtractedMB  int    `mapstructure:"IMPORT_MAX_EXTRACTED_MB"`
	ImportMaxNoteBytes    int64  `mapstructure:"IMPORT_MAX_NOTE_BYTES"`
	ImportReportCap       int    `mapstructure:"IMPORT_REPORT_CAP"`
	ImportPreviewRows     int    `mapstructure:"IMPORT_PREVIEW_ROWS"`
	ImportReclaimMemory   bool   `mapstructure:"IMPORT_RECLAIM_MEMORY"`
	ImportUploaderTag     string `mapstructure:"IMPORT_UPLOADER_TAG"`
}

var defaults = map[string]interface{}{
	"PORT":                     "8000",
	"ENV":                      "development",
	"AUTH_MODE":                "", // inferred, see ResolvedAuthMode
	"DB_MAX_CONNS":             20,
	"DB_MIN_CONNS":             5,
	"DEFAULT_TENANT":           "default",
	"CORS_ORIGINS":             "http://localhost:3000",
	"RATE_LIMIT_RPS":           5,
	"RATE_LIMIT_BURST":         20,
	"WORK_DIR":                 "./data/work",
	"DOCUMENT_STORE_DIR":       "./data/documents",
	"IMPORT_BATCH_SIZE":        100,
	"IMPORT_BATCH_PAUSE_MS":    50,
	"IMPORT_MEMORY_CEILING_MB": 1024,
	"IMPORT_MAX_ROWS_PER_FILE": 50000,
	"IMPORT_MAX_UPLOAD_MB":     500,
	"IMPORT_MAX_EXTRACTED_MB":  2048,
	"IMPORT_MAX_NOTE_BYTES":    1 << 20,
	"IMPORT_REPORT_CAP":        50,
	"IMPORT_PREVIEW_ROWS":      5,
	"IMPORT_RECLAIM_MEMORY":    true,
	"IMPORT_UPLOADER_TAG":      "legacy-import",
}

var keys = []string{
	"PORT", "ENV", "AUTH_MODE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
	"DEFAULT_TENANT", "CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"TLS_ENABLED", "TLS_CERT_FILE", "TLS_KEY_FILE",
	"WORK_DIR", "DOCUMENT_STORE_DIR", "MIGRATIONS_DIR",
	"IMPORT_BATCH_SIZE", "IMPORT_BATCH_PAUSE_MS", "IMPORT_MEMORY_CEILING_MB",
	"IMPORT_MAX_ROWS_PER_FILE", "IMPORT_MAX_UPLOAD_MB", "IMPORT_MAX_EXTRACTED_MB",
	"IMPORT_MAX_NOTE_BYTES", "IMPORT_REPORT_CAP", "IMPORT_PREVIEW_ROWS",
	"IMPORT_RECLAIM_MEMORY", "IMPORT_UPLOADER_TAG",
}

// Load reads .env and the environment. DATABASE_URL is required.
func Load() (*Config, error) {
	cfg, err := LoadWithoutDatabase()
	if err != nil {
		return nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}

// LoadWithoutDatabase is Load for commands that can run against in-memory
// stores, such as a dry run.
func LoadWithoutDatabase() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	// Unmarshal only sees env vars that are bound.
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// A missing .env is fine.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.IsDev() {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: DevAuthMiddleware is active; all requests get admin access.")
		log.Println("WARNING: Set ENV=production and configure AUTH_ISSUER for production.")
		log.Println("WARNING: ============================================================")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns AUTH_MODE when set. Otherwise:
//   - ENV=development      -> "development" (all requests get admin)
//   - AUTH_SIGNING_KEY set -> "shared_secret" (HS256 tokens)
//   - otherwise            -> "external" (RS256 tokens from AUTH_ISSUER)
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	if c.AuthSigningKey != "" {
		return "shared_secret"
	}
	return "external"
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch mode := c.ResolvedAuthMode(); mode {
	case "development":
		if c.IsProduction() {
			return fmt.Errorf("AUTH_MODE \"development\" is not allowed when ENV=production")
		}
	case "external":
		if c.AuthIssuer == "" && c.AuthJWKSURL == "" {
			return fmt.Errorf(
				"AUTH_ISSUER or AUTH_JWKS_URL must be set when AUTH_MODE is \"external\" (current ENV=%q). "+
					"Refusing to start without authentication configuration", c.Env)
		}
	case "shared_secret":
		if len(c.AuthSigningKey) < 32 {
			return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 characters, got %d", len(c.AuthSigningKey))
		}
	default:
		return fmt.Errorf("AUTH_MODE must be \"development\", \"external\", or \"shared_secret\", got %q", mode)
	}

	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}

	return c.validateImport()
}

func (c *Config) validateImport() error {
	positive := []struct {
		key string
		val int
	}{
		{"IMPORT_BATCH_SIZE", c.ImportBatchSize},
		{"IMPORT_MAX_UPLOAD_MB", c.ImportMaxUploadMB},
		{"IMPORT_REPORT_CAP", c.ImportReportCap},
		{"IMPORT_PREVIEW_ROWS", c.ImportPreviewRows},
	}
	for _, p := range positive {
		if p.val <= 0 {
			return fmt.Errorf("%s must be positive, got %d", p.key, p.val)
		}
	}
	nonNegative := []struct {
		key string
		val int64
	}{
		{"IMPORT_BATCH_PAUSE_MS", int64(c.ImportBatchPauseMS)},
		{"IMPORT_MEMORY_CEILING_MB", int64(c.ImportMemoryCeilingMB)},
		{"IMPORT_MAX_ROWS_PER_FILE", int64(c.ImportMaxRowsPerFile)},
		{"IMPORT_MAX_EXTRACTED_MB", int64(c.ImportMaxExtractedMB)},
		{"IMPORT_MAX_NOTE_BYTES", c.ImportMaxNoteBytes},
	}
	for _, n := range nonNegative {
		if n.val < 0 {
			return fmt.Errorf("%s must not be negative, got %d", n.key, n.val)
		}
	}
	if c.WorkDir == "" {
		return fmt.Errorf("WORK_DIR is required")
	}
	if c.DocumentStoreDir == "" {
		return fmt.Errorf("DOCUMENT_STORE_DIR is required")
	}
	return nil
}

func (c *Config) BatchPause() time.Duration {
	return time.Duration(c.ImportBatchPauseMS) * time.Millisecond
}

// MemoryCeilingBytes is zero when the circuit breaker is disabled.
func (c *Config) MemoryCeilingBytes() uint64 {
	return uint64(c.ImportMemoryCeilingMB) << 20
}

func (c *Config) MaxUploadBytes() int64 {
	return int64(c.ImportMaxUploadMB) << 20
}

func (c *Config) MaxExtractedBytes() int64 {
	return int64(c.ImportMaxExtractedMB) << 20
}
