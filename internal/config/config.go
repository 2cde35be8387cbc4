// Package config loads the JSON configuration documents that drive the
// pipeline: API endpoint definitions, warehouse schema mappings, and the
// database connection profile. Values of the form ${VAR} are substituted
// from the environment at load time.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"
)

const (
	EndpointsFile = "api_endpoints.json"
	SchemaFile    = "schema_mappings.json"
	DatabaseFile  = "database_config.json"
)

// Config bundles the three documents a pipeline run needs.
type Config struct {
	Endpoints *Endpoints
	Schema    *Schema
	Database  *Database
}

// Endpoints is the parsed api_endpoints.json document.
type Endpoints struct {
	API       APIConfig           `json:"api_config"`
	Auth      AuthConfig          `json:"authentication"`
	Endpoints map[string]Endpoint `json:"endpoints"`
}

type APIConfig struct {
	BaseURL            string `json:"base_url"`
	LocationID         string `json:"location_id"`
	CompanyID          string `json:"company_id"`
	TimeoutSeconds     int    `json:"timeout_seconds"`
	RateLimitPerMinute int    `json:"rate_limit_requests_per_minute"`
	DefaultPageSize    int    `json:"default_page_size"`
}

// AuthConfig carries the static request headers. The bearer token arrives via
// ${VAR} substitution, so after Load the header values are ready to send.
type AuthConfig struct {
	Headers map[string]string `json:"headers"`
}

// Endpoint describes one API endpoint: how to build its URL, how its
// response is shaped, and how to page through it.
type Endpoint struct {
	URLTemplate  string              `json:"url_template"`
	Parameters   map[string]string   `json:"parameters"`
	ResponseType string              `json:"response_type"` // "array" | "paginated" | "object"
	DataPath     string              `json:"data_path"`
	Pagination   *Pagination         `json:"pagination"`
	Variants     []map[string]string `json:"endpoint_variants"`
	Category     string              `json:"category"`
	DateRange    *DateRange          `json:"date_range"`
}

type Pagination struct {
	Type        string `json:"type"` // "none" | "page_based"
	PageParam   string `json:"page_param"`
	SizeParam   string `json:"size_param"`
	DefaultSize int    `json:"default_size"`
}

// DateRange controls the default extraction window when the caller does not
// supply explicit dates.
type DateRange struct {
	Type        string `json:"type"` // "daily" | "monthly"
	DaysBack    int    `json:"days_back"`
	DaysForward int    `json:"days_forward"`
	MonthsBack  int    `json:"months_back"`
}

// Schema is the parsed schema_mappings.json document.
type Schema struct {
	Tables map[string]Table `json:"tables"`
}

// Table maps API records onto one warehouse table.
type Table struct {
	Endpoint       string         `json:"endpoint"`
	Columns        []FieldMapping `json:"columns"`
	CustomFields   map[string]string `json:"custom_fields"`
	UpdateStrategy string         `json:"update_strategy"` // "insert" | "replace" | "upsert"
}

// FieldMapping declares how one source field becomes one target column.
type FieldMapping struct {
	SourceField    string            `json:"source_field"`
	TargetColumn   string            `json:"target_column"`
	Transformation string            `json:"transformation"`
	Required       bool              `json:"required"`
	AllowNull      bool              `json:"allow_null"`
	SourcePath     string            `json:"source_path"`
	Mapping        map[string]string `json:"mapping"`
}

// Database is the parsed database_config.json document plus the connection
// settings that only ever come from the environment.
type Database struct {
	Kind                   string `json:"kind"` // "mssql" | "postgres" | "sqlite"
	SchemaName             string `json:"schema"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `json:"conn_max_lifetime_minutes"`
	// Path is only used by the sqlite backend.
	Path string `json:"path"`

	Conn ConnSettings `json:"-"`
}

// ConnSettings holds credentials. They are never written to config files.
type ConnSettings struct {
	Server   string `env:"DB_SERVER"`
	Name     string `env:"DB_NAME"`
	Username string `env:"DB_USERNAME"`
	Password string `env:"DB_PASSWORD"`
	Port     int    `env:"DB_PORT" envDefault:"1433"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnv replaces ${VAR} occurrences with the environment value.
// Unset variables are left verbatim so the problem is visible downstream.
func substituteEnv(raw []byte) []byte {
	return envVarPattern.ReplaceAllFunc(raw, func(m []byte) []byte {
		name := string(m[2 : len(m)-1])
		if v, ok := os.LookupEnv(name); ok {
			return []byte(v)
		}
		log.Warn().Str("var", name).Msg("config references unset environment variable")
		return m
	})
}

func loadJSON(path string, out any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := json.Unmarshal(substituteEnv(raw), out); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// Load reads the three configuration documents from dir and resolves the
// database connection settings from the environment.
func Load(dir string) (*Config, error) {
	var cfg Config

	cfg.Endpoints = &Endpoints{}
	if err := loadJSON(filepath.Join(dir, EndpointsFile), cfg.Endpoints); err != nil {
		return nil, err
	}
	cfg.Schema = &Schema{}
	if err := loadJSON(filepath.Join(dir, SchemaFile), cfg.Schema); err != nil {
		return nil, err
	}
	cfg.Database = &Database{}
	if err := loadJSON(filepath.Join(dir, DatabaseFile), cfg.Database); err != nil {
		return nil, err
	}
	if err := env.Parse(&cfg.Database.Conn); err != nil {
		return nil, fmt.Errorf("config: database environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate cross-checks the documents: every table must reference a defined
// endpoint (or be a derived table with no endpoint), and page-based
// pagination must name its parameters.
func (c *Config) Validate() error {
	if c.Endpoints.API.BaseURL == "" {
		return fmt.Errorf("config: api_config.base_url is required")
	}
	if c.Endpoints.API.RateLimitPerMinute <= 0 {
		return fmt.Errorf("config: api_config.rate_limit_requests_per_minute must be positive")
	}
	for name, ep := range c.Endpoints.Endpoints {
		if ep.URLTemplate == "" {
			return fmt.Errorf("config: endpoint %q has no url_template", name)
		}
		if ep.Pagination != nil && ep.Pagination.Type == "page_based" {
			if ep.Pagination.PageParam == "" || ep.Pagination.SizeParam == "" {
				return fmt.Errorf("config: endpoint %q: page_based pagination needs page_param and size_param", name)
			}
		}
		switch ep.ResponseType {
		case "", "array", "paginated", "object":
		default:
			return fmt.Errorf("config: endpoint %q: unknown response_type %q", name, ep.ResponseType)
		}
	}
	for table, tc := range c.Schema.Tables {
		if tc.Endpoint == "" {
			continue // derived tables resolve their sources in code
		}
		if _, ok := c.Endpoints.Endpoints[tc.Endpoint]; !ok {
			return fmt.Errorf("config: table %q references unknown endpoint %q", table, tc.Endpoint)
		}
		switch tc.UpdateStrategy {
		case "", "insert", "replace", "upsert":
		default:
			return fmt.Errorf("config: table %q: unknown update_strategy %q", table, tc.UpdateStrategy)
		}
	}
	switch c.Database.Kind {
	case "mssql", "postgres", "sqlite":
	default:
		return fmt.Errorf("config: unknown database kind %q", c.Database.Kind)
	}
	return nil
}

// DSN renders the connection string for the configured backend kind.
func (d *Database) DSN() string {
	switch d.Kind {
	case "sqlite":
		if d.Path != "" {
			return d.Path
		}
		return "gymetl.db"
	case "postgres":
		u := url.URL{
			Scheme: "postgres",
			User:   url.UserPassword(d.Conn.Username, d.Conn.Password),
			Host:   fmt.Sprintf("%s:%d", d.Conn.Server, d.Conn.Port),
			Path:   "/" + d.Conn.Name,
		}
		return u.String()
	default: // mssql
		u := url.URL{
			Scheme:   "sqlserver",
			User:     url.UserPassword(d.Conn.Username, d.Conn.Password),
			Host:     fmt.Sprintf("%s:%d", d.Conn.Server, d.Conn.Port),
			RawQuery: url.Values{"database": {d.Conn.Name}}.Encode(),
		}
		return u.String()
	}
}

// EndpointFor returns the endpoint definition a table maps to.
func (c *Config) EndpointFor(table string) (Endpoint, bool) {
	tc, ok := c.Schema.Tables[table]
	if !ok || tc.Endpoint == "" {
		return Endpoint{}, false
	}
	ep, ok := c.Endpoints.Endpoints[tc.Endpoint]
	return ep, ok
}
