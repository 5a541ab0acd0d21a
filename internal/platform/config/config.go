package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Registry store drivers.
const (
	RegistrySQLite   = "sqlite"
	RegistryPostgres = "postgres"
)

// Document store drivers.
const (
	DocstoreMemory   = "memory"
	DocstoreRedis    = "redis"
	DocstorePostgres = "postgres"
)

// Server captures process level configuration.
type Server struct {
	Addr      string
	LogFormat string
	LogLevel  string

	RegistryDriver string
	RegistryPath   string
	BackupDir      string

	DocstoreDriver string
	PostgresDSN    string
	Redis          RedisConfig

	// FieldSecret is the master secret every field key is derived from.
	FieldSecret     string
	DevelopmentMode bool
	PolicyFile      string

	JWTSigningKey string
	JWTIssuer     string

	ObjectStore ObjectStoreConfig

	ShutdownTimeout time.Duration
}

// RedisConfig configures the Redis document store.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// ObjectStoreConfig configures off-host backup uploads. Uploads are disabled
// when Endpoint is empty.
type ObjectStoreConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	UseSSL    bool
}

// Enabled reports whether backups should be uploaded.
func (c ObjectStoreConfig) Enabled() bool {
	return c.Endpoint != ""
}

// FromEnv builds a Server config from environment variables so main stays lean.
func FromEnv() (Server, error) {
	cfg := Server{
		Addr:           getenv("MALLKU_ADDR", ":8080"),
		LogFormat:      getenv("MALLKU_LOG_FORMAT", "json"),
		LogLevel:       getenv("MALLKU_LOG_LEVEL", "info"),
		RegistryDriver: getenv("MALLKU_REGISTRY_DRIVER", RegistrySQLite),
		RegistryPath:   getenv("MALLKU_REGISTRY_PATH", "field_registry.db"),
		BackupDir:      getenv("MALLKU_BACKUP_DIR", "backups"),
		DocstoreDriver: getenv("MALLKU_DOCSTORE_DRIVER", DocstoreMemory),
		PostgresDSN:    os.Getenv("MALLKU_POSTGRES_DSN"),
		Redis: RedisConfig{
			URL:          os.Getenv("MALLKU_REDIS_URL"),
			PoolSize:     10,
			MinIdleConns: 2,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		FieldSecret: os.Getenv("MALLKU_FIELD_SECRET"),
		PolicyFile:  os.Getenv("MALLKU_POLICY_FILE"),
		JWTIssuer:   getenv("MALLKU_JWT_ISSUER", "mallku"),
		ObjectStore: ObjectStoreConfig{
			Endpoint:  os.Getenv("MALLKU_BACKUP_S3_ENDPOINT"),
			AccessKey: os.Getenv("MALLKU_BACKUP_S3_ACCESS_KEY"),
			SecretKey: os.Getenv("MALLKU_BACKUP_S3_SECRET_KEY"),
			Bucket:    getenv("MALLKU_BACKUP_S3_BUCKET", "mallku-registry-backups"),
			Prefix:    os.Getenv("MALLKU_BACKUP_S3_PREFIX"),
		},
		ShutdownTimeout: 10 * time.Second,
	}

	var err error
	if cfg.DevelopmentMode, err = getbool("MALLKU_DEVELOPMENT_MODE", false); err != nil {
		return Server{}, err
	}
	if cfg.ObjectStore.UseSSL, err = getbool("MALLKU_BACKUP_S3_SSL", true); err != nil {
		return Server{}, err
	}
	if v := os.Getenv("MALLKU_REDIS_POOL_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Server{}, fmt.Errorf("MALLKU_REDIS_POOL_SIZE: %w", err)
		}
		cfg.Redis.PoolSize = n
	}
	if v := os.Getenv("MALLKU_SHUTDOWN_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Server{}, fmt.Errorf("MALLKU_SHUTDOWN_TIMEOUT: %w", err)
		}
		cfg.ShutdownTimeout = d
	}

	cfg.JWTSigningKey = os.Getenv("MALLKU_JWT_SIGNING_KEY")
	if cfg.JWTSigningKey == "" && cfg.DevelopmentMode {
		// Use a default for development - should be overridden in production
		cfg.JWTSigningKey = "dev-secret-key-change-in-production"
	}
	if cfg.FieldSecret == "" && cfg.DevelopmentMode {
		cfg.FieldSecret = "dev-field-secret-change-in-production"
	}

	return cfg, cfg.Validate()
}

// Validate checks that the selected drivers have what they need.
func (c Server) Validate() error {
	var problems []string
	switch c.RegistryDriver {
	case RegistrySQLite:
		if c.RegistryPath == "" {
			problems = append(problems, "MALLKU_REGISTRY_PATH is required for the sqlite registry")
		}
	case RegistryPostgres:
		if c.PostgresDSN == "" {
			problems = append(problems, "MALLKU_POSTGRES_DSN is required for the postgres registry")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown registry driver %q", c.RegistryDriver))
	}
	switch c.DocstoreDriver {
	case DocstoreMemory:
	case DocstoreRedis:
		if c.Redis.URL == "" {
			problems = append(problems, "MALLKU_REDIS_URL is required for the redis document store")
		}
	case DocstorePostgres:
		if c.PostgresDSN == "" {
			problems = append(problems, "MALLKU_POSTGRES_DSN is required for the postgres document store")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown document store driver %q", c.DocstoreDriver))
	}
	if c.FieldSecret == "" {
		problems = append(problems, "MALLKU_FIELD_SECRET is required")
	}
	if c.JWTSigningKey == "" {
		problems = append(problems, "MALLKU_JWT_SIGNING_KEY is required")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// PolicyFile is the YAML document listing collection policies.
//
//	collections:
//	  - name: activities
//	    requires_security: true
//	    allowed_models: [Activity]
//	    schema:
//	      required: [participant_id, ayni_score]
type PolicyFile struct {
	Collections []CollectionPolicy `yaml:"collections"`
}

// CollectionPolicy is one collection's entry. Model names are resolved by the
// caller's model catalog.
type CollectionPolicy struct {
	Name             string   `yaml:"name"`
	RequiresSecurity bool     `yaml:"requires_security"`
	AllowedModels    []string `yaml:"allowed_models"`
	Schema           *struct {
		Required []string `yaml:"required"`
	} `yaml:"schema"`
}

// LoadPolicyFile parses the policy file at path.
func LoadPolicyFile(path string) (PolicyFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return PolicyFile{}, fmt.Errorf("read policy file: %w", err)
	}
	return ParsePolicies(raw)
}

// ParsePolicies decodes a policy document and rejects duplicate or unnamed
// collections.
func ParsePolicies(raw []byte) (PolicyFile, error) {
	var pf PolicyFile
	if err := yaml.Unmarshal(raw, &pf); err != nil {
		return PolicyFile{}, fmt.Errorf("parse policy file: %w", err)
	}
	seen := make(map[string]bool, len(pf.Collections))
	for i, c := range pf.Collections {
		if c.Name == "" {
			return PolicyFile{}, fmt.Errorf("policy %d: collection name is required", i)
		}
		if seen[c.Name] {
			return PolicyFile{}, fmt.Errorf("policy %d: duplicate collection %q", i, c.Name)
		}
		seen[c.Name] = true
	}
	return pf, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getbool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}
