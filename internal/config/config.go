package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
)

// DefaultPath is used when neither --config nor CONFIG_PATH is set.
const DefaultPath = "configs/nuka-library.json"

// Config is the top-level configuration structure.
type Config struct {
	Server   ServerConfig   `json:"server"`
	Database DatabaseConfig `json:"database"`
	Library  LibraryConfig  `json:"library"`
	Skills   SkillsConfig   `json:"skills"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

type DatabaseConfig struct {
	Driver   string         `json:"driver"`
	SQLite   SQLiteConfig   `json:"sqlite"`
	Postgres PostgresConfig `json:"postgres"`
	Neo4j    Neo4jConfig    `json:"neo4j"`
	Redis    RedisConfig    `json:"redis"`
}

type SQLiteConfig struct {
	Path string `json:"path"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type Neo4jConfig struct {
	URI      string `json:"uri"`
	User     string `json:"user"`
	Password string `json:"password"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

// LibraryConfig tunes artifact builds and inspector reads.
type LibraryConfig struct {
	BuildRetries    *int `json:"build_retries"`
	DetailMaxChars  int  `json:"detail_max_chars"`
	PreviewMaxDepth int  `json:"preview_max_depth"`
	PreviewMaxNodes int  `json:"preview_max_nodes"`
	ContextMaxDepth int  `json:"context_max_depth"`
	ContextMaxNodes int  `json:"context_max_nodes"`
	Workers         int  `json:"workers"`
}

// Retries returns build_retries, which may legitimately be zero.
func (c LibraryConfig) Retries() int {
	if c.BuildRetries == nil {
		return 3
	}
	return *c.BuildRetries
}

type SkillsConfig struct {
	PacksDir string `json:"packs_dir"`
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file, substitutes environment variable references
// and applies defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	default:
		if err := json.Unmarshal([]byte(expandEnv(string(data))), &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &cfg, nil
}

// ResolvePath picks the config path from the flag value, then CONFIG_PATH.
func ResolvePath(flag string) string {
	if flag != "" {
		return flag
	}
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return DefaultPath
}

func expandEnv(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		if v := os.Getenv(parts[1]); v != "" {
			return v
		}
		return parts[2]
	})
}

func (c *Config) applyDefaults() {
	setDefault(&c.Server.Port, 8080)
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.SQLite.Path == "" {
		c.Database.SQLite.Path = "data/library.db"
	}
	if c.Library.BuildRetries == nil {
		n := 3
		c.Library.BuildRetries = &n
	}
	setDefault(&c.Library.DetailMaxChars, 50000)
	setDefault(&c.Library.PreviewMaxDepth, 2)
	setDefault(&c.Library.PreviewMaxNodes, 8)
	setDefault(&c.Library.ContextMaxDepth, 2)
	setDefault(&c.Library.ContextMaxNodes, 8)
	setDefault(&c.Library.Workers, 4)
}

func setDefault(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}

func (c *Config) validate() error {
	switch c.Database.Driver {
	case "sqlite":
	case "postgres":
		if c.Database.Postgres.DSN == "" {
			return errors.New("database.postgres.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown database.driver %q", c.Database.Driver)
	}
	if c.Library.Retries() < 0 {
		return errors.New("library.build_retries must not be negative")
	}
	return nil
}
