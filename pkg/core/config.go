package core

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/oceanbase/profilestore-go/pkg/cache"
)

// BackendType selects a storage backend implementation.
type BackendType string

const (
	// BackendYAML stores one YAML file per profile.
	BackendYAML BackendType = "yaml"

	// BackendSQLite stores profiles in an embedded SQLite file.
	BackendSQLite BackendType = "sqlite"

	// BackendMySQL stores profiles in a MySQL server.
	BackendMySQL BackendType = "mysql"

	// BackendPostgres stores profiles in a PostgreSQL server.
	BackendPostgres BackendType = "postgres"
)

// BackendTypes returns every supported backend type.
func BackendTypes() []BackendType {
	return []BackendType{BackendYAML, BackendSQLite, BackendMySQL, BackendPostgres}
}

// ParseBackendType parses a backend type case-insensitively.
func ParseBackendType(s string) (BackendType, error) {
	t := BackendType(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range BackendTypes() {
		if t == known {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownBackend, s)
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *BackendType) UnmarshalText(text []byte) error {
	parsed, err := ParseBackendType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Config contains the complete configuration of the profile store.
//
// Example:
//
//	config := &core.Config{
//	    Storage: core.StorageConfig{
//	        Backend: core.BackendSQLite,
//	        SQLite:  core.SQLiteConfig{Path: "./data/profiles.db"},
//	    },
//	    Cache: cache.Config{
//	        Enabled:             true,
//	        MaxSize:             1000,
//	        TTL:                 30 * time.Minute,
//	        WriteBehindInterval: 30 * time.Second,
//	    },
//	    AsyncSaving: true,
//	}
type Config struct {
	// Storage selects the backend and holds the settings of every backend,
	// so a migration can reach a backend other than the live one.
	Storage StorageConfig `json:"storage" yaml:"storage"`

	// Cache configures the profile cache in front of the backend.
	Cache cache.Config `json:"cache" yaml:"cache"`

	// AsyncSaving lets immediate saves return before the backend write.
	AsyncSaving bool `json:"async_saving" yaml:"async_saving" env:"ASYNC_SAVING" envDefault:"true"`

	// Logging configures the logger.
	Logging LoggingConfig `json:"logging" yaml:"logging"`

	// Migration tunes the migration pipeline.
	Migration MigrationConfig `json:"migration" yaml:"migration"`
}

// StorageConfig contains backend selection and connection parameters.
type StorageConfig struct {
	// Backend is the live backend type.
	Backend BackendType `json:"backend" yaml:"backend" env:"STORAGE_BACKEND" envDefault:"sqlite"`

	YAML     YAMLConfig     `json:"yaml" yaml:"yaml"`
	SQLite   SQLiteConfig   `json:"sqlite" yaml:"sqlite"`
	MySQL    MySQLConfig    `json:"mysql" yaml:"mysql"`
	Postgres PostgresConfig `json:"postgres" yaml:"postgres"`
}

// YAMLConfig configures the flat-file backend.
type YAMLConfig struct {
	Directory string `json:"directory" yaml:"directory" env:"YAML_DIRECTORY" envDefault:"./data/profiles"`
}

// SQLiteConfig configures the embedded SQL backend.
type SQLiteConfig struct {
	Path  string `json:"path" yaml:"path" env:"SQLITE_PATH" envDefault:"./data/profiles.db"`
	Table string `json:"table" yaml:"table" env:"SQLITE_TABLE" envDefault:"profiles"`
}

// MySQLConfig configures the MySQL backend.
type MySQLConfig struct {
	Host     string `json:"host" yaml:"host" env:"MYSQL_HOST" envDefault:"127.0.0.1"`
	Port     int    `json:"port" yaml:"port" env:"MYSQL_PORT" envDefault:"3306"`
	User     string `json:"user" yaml:"user" env:"MYSQL_USER" envDefault:"root"`
	Password string `json:"password" yaml:"password" env:"MYSQL_PASSWORD"`
	Database string `json:"database" yaml:"database" env:"MYSQL_DATABASE" envDefault:"profiles"`
	Table    string `json:"table" yaml:"table" env:"MYSQL_TABLE" envDefault:"profiles"`
	Params   string `json:"params,omitempty" yaml:"params,omitempty" env:"MYSQL_PARAMS"`
}

// PostgresConfig configures the PostgreSQL backend.
type PostgresConfig struct {
	Host     string `json:"host" yaml:"host" env:"POSTGRES_HOST" envDefault:"localhost"`
	Port     int    `json:"port" yaml:"port" env:"POSTGRES_PORT" envDefault:"5432"`
	User     string `json:"user" yaml:"user" env:"POSTGRES_USER" envDefault:"postgres"`
	Password string `json:"password" yaml:"password" env:"POSTGRES_PASSWORD"`
	Database string `json:"database" yaml:"database" env:"POSTGRES_DATABASE" envDefault:"profiles"`
	Table    string `json:"table" yaml:"table" env:"POSTGRES_TABLE" envDefault:"profiles"`
	SSLMode  string `json:"ssl_mode" yaml:"ssl_mode" env:"POSTGRES_SSLMODE" envDefault:"disable"`
}

// LoggingConfig configures the logrus logger built by NewLogger.
type LoggingConfig struct {
	// Level is a logrus level name (debug, info, warn, error).
	Level string `json:"level" yaml:"level" env:"LOG_LEVEL" envDefault:"info"`

	// Format is "text" or "json".
	Format string `json:"format" yaml:"format" env:"LOG_FORMAT" envDefault:"text"`
}

// MigrationConfig tunes the migration pipeline.
type MigrationConfig struct {
	// Concurrency bounds the owners loaded from the source at once.
	Concurrency int `json:"concurrency" yaml:"concurrency" env:"MIGRATION_CONCURRENCY" envDefault:"4"`

	// BatchSize is the number of entries written to the target per SaveBatch.
	BatchSize int `json:"batch_size" yaml:"batch_size" env:"MIGRATION_BATCH_SIZE" envDefault:"500"`
}

// DefaultConfig returns the configuration produced by an empty environment.
func DefaultConfig() *Config {
	cfg := &Config{}
	// Parsing an empty environment only applies envDefault tags.
	_ = env.ParseWithOptions(cfg, env.Options{Environment: map[string]string{}})
	return cfg
}

// LoadConfigFromEnv loads configuration from environment variables.
//
// The function:
//  1. Searches for .env or .env.example files (up to 5 directory levels up)
//  2. Loads environment variables from the found file
//  3. Parses environment variables into a Config struct
//
// Supported environment variables:
//   - STORAGE_BACKEND (yaml, sqlite, mysql, postgres)
//   - YAML_DIRECTORY, SQLITE_PATH, SQLITE_TABLE
//   - MYSQL_HOST, MYSQL_PORT, MYSQL_USER, MYSQL_PASSWORD, MYSQL_DATABASE, MYSQL_TABLE, MYSQL_PARAMS
//   - POSTGRES_HOST, POSTGRES_PORT, POSTGRES_USER, POSTGRES_PASSWORD, POSTGRES_DATABASE, POSTGRES_TABLE, POSTGRES_SSLMODE
//   - CACHE_ENABLED, CACHE_MAX_SIZE, CACHE_TTL, CACHE_WRITE_BEHIND_INTERVAL, ASYNC_SAVING
//   - LOG_LEVEL, LOG_FORMAT, MIGRATION_CONCURRENCY, MIGRATION_BATCH_SIZE
//
// Example:
//
//	config, err := core.LoadConfigFromEnv()
//	if err != nil {
//	    log.Fatal(err)
//	}
func LoadConfigFromEnv() (*Config, error) {
	// Use FindEnvFile to locate .env file (supports upward search)
	envPath, found := FindEnvFile()
	if found {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	config := &Config{}
	if err := env.Parse(config); err != nil {
		return nil, NewStoreError("LoadConfigFromEnv", fmt.Errorf("%w: %v", ErrInvalidConfig, err))
	}
	return config, nil
}

// LoadConfigFromEnvFile loads configuration from a specific .env file.
func LoadConfigFromEnvFile(envPath string) (*Config, error) {
	if err := godotenv.Load(envPath); err != nil {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}
	return LoadConfigFromEnv()
}

// LoadConfigFromJSON loads configuration from a JSON file.
//
// Fields absent from the file keep their defaults.
func LoadConfigFromJSON(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewStoreError("LoadConfigFromJSON", err)
	}

	config := DefaultConfig()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, NewStoreError("LoadConfigFromJSON", err)
	}

	return config, nil
}

// LoadConfigFromYAML loads configuration from a YAML file.
//
// Durations may be written as Go duration strings ("30s", "5m").
// Fields absent from the file keep their defaults.
func LoadConfigFromYAML(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewStoreError("LoadConfigFromYAML", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, NewStoreError("LoadConfigFromYAML", err)
	}

	return config, nil
}

// Validate validates the configuration.
//
// Checks that:
//   - the live backend is a known type with its required fields set
//   - cache sizes and intervals are not negative
//   - migration tuning values are positive
//
// Returns an error if validation fails, nil otherwise.
func (c *Config) Validate() error {
	if err := c.Storage.ValidateBackend(c.Storage.Backend); err != nil {
		return NewStoreError("Validate", err)
	}
	if c.Cache.MaxSize < 0 || c.Cache.TTL < 0 || c.Cache.WriteBehindInterval < 0 {
		return NewStoreError("Validate", fmt.Errorf("%w: cache values must not be negative", ErrInvalidConfig))
	}
	if c.Migration.Concurrency <= 0 || c.Migration.BatchSize <= 0 {
		return NewStoreError("Validate", fmt.Errorf("%w: migration concurrency and batch size must be positive", ErrInvalidConfig))
	}
	return nil
}

// ValidateBackend checks the settings a backend of type t requires, without
// any I/O. It returns a *ConfigError naming the first offending field.
func (s *StorageConfig) ValidateBackend(t BackendType) error {
	blank := func(field string) error {
		return &ConfigError{Backend: t, Field: field, Reason: "must not be blank"}
	}
	switch t {
	case BackendYAML:
		if strings.TrimSpace(s.YAML.Directory) == "" {
			return blank("yaml.directory")
		}
	case BackendSQLite:
		if strings.TrimSpace(s.SQLite.Path) == "" {
			return blank("sqlite.path")
		}
	case BackendMySQL:
		switch {
		case strings.TrimSpace(s.MySQL.Host) == "":
			return blank("mysql.host")
		case s.MySQL.Port <= 0:
			return &ConfigError{Backend: t, Field: "mysql.port", Reason: "must be positive"}
		case strings.TrimSpace(s.MySQL.User) == "":
			return blank("mysql.user")
		case strings.TrimSpace(s.MySQL.Database) == "":
			return blank("mysql.database")
		}
	case BackendPostgres:
		switch {
		case strings.TrimSpace(s.Postgres.Host) == "":
			return blank("postgres.host")
		case s.Postgres.Port <= 0:
			return &ConfigError{Backend: t, Field: "postgres.port", Reason: "must be positive"}
		case strings.TrimSpace(s.Postgres.User) == "":
			return blank("postgres.user")
		case strings.TrimSpace(s.Postgres.Database) == "":
			return blank("postgres.database")
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownBackend, t)
	}
	return nil
}

// FindEnvFile searches for .env or .env.example files.
//
// The search:
//  1. Checks the current directory
//  2. Searches up to 5 directory levels up
//  3. Returns the first .env or .env.example file found
//
// Returns:
//   - path: Path to the found file (empty if not found)
//   - found: True if a file was found, false otherwise
func FindEnvFile() (string, bool) {
	if _, err := os.Stat(".env"); err == nil {
		return ".env", true
	}
	if _, err := os.Stat(".env.example"); err == nil {
		return ".env.example", true
	}

	dir, _ := os.Getwd()
	for i := 0; i < 5; i++ {
		envPath := filepath.Join(dir, ".env")
		envExamplePath := filepath.Join(dir, ".env.example")

		if _, err := os.Stat(envPath); err == nil {
			return envPath, true
		}
		if _, err := os.Stat(envExamplePath); err == nil {
			return envExamplePath, true
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", false
}
