package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

const endpointsDoc = `{
  "api_config": {
    "base_url": "https://api.example.test/v1",
    "location_id": "loc-1",
    "company_id": "co-1",
    "timeout_seconds": 30,
    "rate_limit_requests_per_minute": 60,
    "default_page_size": 100
  },
  "authentication": {
    "headers": {"Authorization": "Bearer ${GYM_API_TOKEN}"}
  },
  "endpoints": {
    "members": {
      "url_template": "/companies/{company_id}/people",
      "response_type": "paginated",
      "pagination": {"type": "page_based", "page_param": "page", "size_param": "size", "default_size": 100}
    },
    "classes": {
      "url_template": "/locations/{location_id}/courses",
      "response_type": "array",
      "date_range": {"type": "daily", "days_back": 7, "days_forward": 1}
    }
  }
}`

const schemaDoc = `{
  "tables": {
    "Leden": {
      "endpoint": "members",
      "update_strategy": "upsert",
      "columns": [
        {"source_field": "id", "target_column": "Id", "transformation": "direct", "required": true}
      ]
    },
    "LesDeelname": {
      "update_strategy": "replace",
      "columns": [
        {"source_field": "memberId", "target_column": "LedenId", "transformation": "direct"}
      ]
    }
  }
}`

const databaseDoc = `{"kind": "mssql", "schema": "gym", "max_open_conns": 16}`

func writeConfigDir(t *testing.T, endpoints, schema, database string) string {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, dir, EndpointsFile, endpoints)
	writeFile(t, dir, SchemaFile, schema)
	writeFile(t, dir, DatabaseFile, database)
	return dir
}

func TestLoadSubstitutesEnvVars(t *testing.T) {
	t.Setenv("GYM_API_TOKEN", "sekrit")
	t.Setenv("DB_SERVER", "db.example.test")
	t.Setenv("DB_NAME", "warehouse")
	t.Setenv("DB_USERNAME", "etl")
	t.Setenv("DB_PASSWORD", "pw")

	dir := writeConfigDir(t, endpointsDoc, schemaDoc, databaseDoc)
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.Endpoints.Auth.Headers["Authorization"]; got != "Bearer sekrit" {
		t.Errorf("Authorization = %q, want substituted token", got)
	}
	if cfg.Database.Conn.Server != "db.example.test" {
		t.Errorf("Conn.Server = %q", cfg.Database.Conn.Server)
	}
	if cfg.Database.Conn.Port != 1433 {
		t.Errorf("Conn.Port = %d, want default 1433", cfg.Database.Conn.Port)
	}
}

func TestLoadKeepsUnsetVarsVerbatim(t *testing.T) {
	os.Unsetenv("GYM_API_TOKEN")
	dir := writeConfigDir(t, endpointsDoc, schemaDoc, databaseDoc)
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.Endpoints.Auth.Headers["Authorization"]; got != "Bearer ${GYM_API_TOKEN}" {
		t.Errorf("Authorization = %q, want placeholder kept", got)
	}
}

func TestValidateRejectsUnknownEndpointReference(t *testing.T) {
	schema := `{"tables": {"Leden": {"endpoint": "nope", "columns": []}}}`
	dir := writeConfigDir(t, endpointsDoc, schema, databaseDoc)
	if _, err := Load(dir); err == nil {
		t.Fatal("want error for table referencing unknown endpoint")
	}
}

func TestValidateRejectsPaginationWithoutParams(t *testing.T) {
	endpoints := `{
	  "api_config": {"base_url": "https://x", "rate_limit_requests_per_minute": 60},
	  "endpoints": {"members": {"url_template": "/p", "pagination": {"type": "page_based"}}}
	}`
	dir := writeConfigDir(t, endpoints, `{"tables":{}}`, databaseDoc)
	if _, err := Load(dir); err == nil {
		t.Fatal("want error for page_based pagination without params")
	}
}

func TestValidateRejectsUnknownDatabaseKind(t *testing.T) {
	dir := writeConfigDir(t, endpointsDoc, schemaDoc, `{"kind": "oracle"}`)
	if _, err := Load(dir); err == nil {
		t.Fatal("want error for unknown database kind")
	}
}

func TestEndpointFor(t *testing.T) {
	dir := writeConfigDir(t, endpointsDoc, schemaDoc, databaseDoc)
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, ok := cfg.EndpointFor("Leden"); !ok {
		t.Error("EndpointFor(Leden) not found")
	}
	if _, ok := cfg.EndpointFor("LesDeelname"); ok {
		t.Error("EndpointFor(LesDeelname) should be false for derived table")
	}
}
