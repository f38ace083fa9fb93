package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ahmadzakiakmal/foodtrace/trace"
	"github.com/spf13/viper"
)

// Store drivers a trace node can persist through
const (
	StoreLedger   = "ledger"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

// Config holds all configuration for a trace node
type Config struct {
	// Node identity, recorded as the origin of every change set
	NodeID   string
	HTTPPort string
	LogLevel string

	// Batch number prefix, e.g. BATCH-000001
	BatchPrefix string

	// Store is one of ledger, postgres or sqlite
	Store      string
	L1Endpoint string
	L1Timeout  time.Duration

	Database DatabaseConfig
	SQLite   string

	Retry trace.RetryPolicy

	JWTSecret string
	TokenTTL  time.Duration

	// Lets /users/register create Gov Authority accounts
	AllowAuthoritySignup bool
}

// DatabaseConfig is the PostgreSQL connection used for users and, with
// the postgres store, for batches
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	SSLMode  string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("node_id", "trace-node-a")
	v.SetDefault("http_port", "6000")
	v.SetDefault("log_level", "info")
	v.SetDefault("batch_prefix", "BATCH")

	v.SetDefault("store", StoreLedger)
	v.SetDefault("l1.endpoint", "http://localhost:5000")
	v.SetDefault("l1.timeout", 30*time.Second)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5433)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgrespassword")
	v.SetDefault("database.name", "trace_node_db")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("sqlite.path", "foodtrace.db")

	defaults := trace.DefaultRetryPolicy()
	v.SetDefault("retry.max_attempts", defaults.MaxAttempts)
	v.SetDefault("retry.initial_backoff", defaults.InitialBackoff)
	v.SetDefault("retry.max_backoff", defaults.MaxBackoff)

	v.SetDefault("jwt.secret", "")
	v.SetDefault("jwt.ttl", 24*time.Hour)
	v.SetDefault("identity.allow_authority_signup", false)
}

// LoadConfig reads configuration. Priority, highest first:
//  1. environment variables with the FOODTRACE_ prefix (FOODTRACE_L1_ENDPOINT)
//  2. the TOML file at path, when path is not empty
//  3. built-in defaults
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	v.SetEnvPrefix("FOODTRACE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		NodeID:      v.GetString("node_id"),
		HTTPPort:    v.GetString("http_port"),
		LogLevel:    v.GetString("log_level"),
		BatchPrefix: v.GetString("batch_prefix"),
		Store:       strings.ToLower(v.GetString("store")),
		L1Endpoint:  strings.TrimRight(v.GetString("l1.endpoint"), "/"),
		L1Timeout:   v.GetDuration("l1.timeout"),
		Database: DatabaseConfig{
			Host:     v.GetString("database.host"),
			Port:     v.GetInt("database.port"),
			User:     v.GetString("database.user"),
			Password: v.GetString("database.password"),
			Name:     v.GetString("database.name"),
			SSLMode:  v.GetString("database.sslmode"),
		},
		SQLite: v.GetString("sqlite.path"),
		Retry: trace.RetryPolicy{
			MaxAttempts:    v.GetInt("retry.max_attempts"),
			InitialBackoff: v.GetDuration("retry.initial_backoff"),
			MaxBackoff:     v.GetDuration("retry.max_backoff"),
		},
		JWTSecret: v.GetString("jwt.secret"),
		TokenTTL:  v.GetDuration("jwt.ttl"),

		AllowAuthoritySignup: v.GetBool("identity.allow_authority_signup"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// GetDSN returns the PostgreSQL connection string
func (c *Config) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host,
		c.Database.Port,
		c.Database.User,
		c.Database.Password,
		c.Database.Name,
		c.Database.SSLMode,
	)
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	var errs []error
	if c.NodeID == "" {
		errs = append(errs, errors.New("node_id is required"))
	}
	if c.HTTPPort == "" {
		errs = append(errs, errors.New("http_port is required"))
	}
	switch c.Store {
	case StoreLedger:
		if c.L1Endpoint == "" {
			errs = append(errs, errors.New("l1.endpoint is required with the ledger store"))
		}
	case StorePostgres:
	case StoreSQLite:
		if c.SQLite == "" {
			errs = append(errs, errors.New("sqlite.path is required with the sqlite store"))
		}
	default:
		errs = append(errs, fmt.Errorf("store must be one of ledger, postgres, sqlite; got %q", c.Store))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("jwt.secret is required"))
	} else if len(c.JWTSecret) < 16 {
		errs = append(errs, errors.New("jwt.secret must be at least 16 characters"))
	}
	if c.TokenTTL <= 0 {
		errs = append(errs, errors.New("jwt.ttl must be positive"))
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("retry.max_attempts must be at least 1"))
	}
	if c.Retry.InitialBackoff <= 0 || c.Retry.MaxBackoff < c.Retry.InitialBackoff {
		errs = append(errs, errors.New("retry backoff must be positive and max_backoff >= initial_backoff"))
	}
	return errors.Join(errs...)
}
