package extract

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"gymetl/internal/config"
	"gymetl/internal/gymly"
)

var testNow = time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)

func testConfig(baseURL string) *config.Config {
	return &config.Config{
		Endpoints: &config.Endpoints{
			API: config.APIConfig{
				BaseURL:            baseURL,
				LocationID:         "loc-1",
				CompanyID:          "co-1",
				RateLimitPerMinute: 6000,
				TimeoutSeconds:     5,
			},
			Endpoints: map[string]config.Endpoint{
				"members":       {URLTemplate: "/people", ResponseType: "array"},
				"classes":       {URLTemplate: "/courses", ResponseType: "array"},
				"class_members": {URLTemplate: "/courses/{course_id}/members", ResponseType: "array"},
				"subscriptions": {URLTemplate: "/memberships", ResponseType: "array"},
				"subscription_statistics_new":         {URLTemplate: "/analytics/new", ResponseType: "array", Category: "new"},
				"subscription_statistics_paused":      {URLTemplate: "/analytics/paused", ResponseType: "array", Category: "paused"},
				"subscription_statistics_active":      {URLTemplate: "/analytics/active", ResponseType: "array", Category: "active"},
				"subscription_statistics_expirations": {URLTemplate: "/analytics/expirations", ResponseType: "array", Category: "expirations"},
				"subscription_statistics_specific":    {URLTemplate: "/analytics/specific", ResponseType: "array", Category: "active"},
				"pos_statistics":                      {URLTemplate: "/pos/statistics", ResponseType: "array"},
			},
		},
		Schema: &config.Schema{Tables: map[string]config.Table{
			"Leden":                           {Endpoint: "members"},
			"Lessen":                          {Endpoint: "classes"},
			"LesDeelname":                     {Endpoint: "class_members"},
			"Abonnementen":                    {Endpoint: "subscriptions"},
			"AbonnementStatistiekenSpecifiek": {Endpoint: "subscription_statistics_specific"},
			"ProductVerkopen":                 {Endpoint: "pos_statistics"},
		}},
		Database: &config.Database{Kind: "sqlite"},
	}
}

func testExtractor(t *testing.T, handler http.Handler) *Extractor {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := testConfig(srv.URL)
	e := New(gymly.NewClient(cfg.Endpoints), cfg)
	e.now = func() time.Time { return testNow }
	return e
}

func writeJSON(w http.ResponseWriter, v any) {
	json.NewEncoder(w).Encode(v)
}

func TestEndpointDataPassesDateRange(t *testing.T) {
	var gotQuery string
	e := testExtractor(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		writeJSON(w, []any{map[string]any{"id": "m-1"}})
	}))

	win := Window{
		Start:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		End:        time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC),
		Historical: true,
	}
	records, err := e.TableData(context.Background(), "Leden", win)
	if err != nil {
		t.Fatalf("TableData: %v", err)
	}
	if len(records) != 1 || records[0]["endpoint_type"] != "members" {
		t.Errorf("records = %#v", records)
	}
	if !strings.Contains(gotQuery, "start_date=2024-01-01") || !strings.Contains(gotQuery, "end_date=2024-01-31") {
		t.Errorf("query = %q", gotQuery)
	}
}

func TestTableDataUnknownTable(t *testing.T) {
	e := testExtractor(t, http.NewServeMux())
	if _, err := e.TableData(context.Background(), "Mystery", Window{}); err == nil {
		t.Error("want error for unmapped table")
	}
}

func classAttendanceHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/courses", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []any{
			map[string]any{"id": "c-past", "startDate": "2024-03-14T09:00:00Z"},
			map[string]any{"id": "c-today", "startDate": "2024-03-15T09:00:00Z"},
			map[string]any{"id": "c-future", "startDate": "2024-03-16T09:00:00Z"},
		})
	})
	mux.HandleFunc("/courses/", func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(r.URL.Path, "/")
		classID := parts[2]
		writeJSON(w, []any{map[string]any{"memberId": "m-1", "class": classID}})
	})
	return mux
}

func TestClassAttendanceDailyIncludesToday(t *testing.T) {
	e := testExtractor(t, classAttendanceHandler())
	records, err := e.TableData(context.Background(), "LesDeelname", Window{})
	if err != nil {
		t.Fatalf("TableData: %v", err)
	}
	classes := map[any]bool{}
	for _, r := range records {
		classes[r["course_id"]] = true
	}
	if !classes["c-past"] || !classes["c-today"] {
		t.Errorf("daily run should cover past and today's classes: %v", classes)
	}
	if classes["c-future"] {
		t.Error("future class must not be fetched")
	}
}

func TestClassAttendanceHistoricalExcludesToday(t *testing.T) {
	e := testExtractor(t, classAttendanceHandler())
	win := Window{
		Start:      time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		End:        time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC),
		Historical: true,
	}
	records, err := e.TableData(context.Background(), "LesDeelname", win)
	if err != nil {
		t.Fatalf("TableData: %v", err)
	}
	for _, r := range records {
		if r["course_id"] == "c-today" {
			t.Error("historical run must stop strictly before today")
		}
	}
}

func TestClassAttendanceSkipsFailedClass(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/courses", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []any{
			map[string]any{"id": "c-bad", "startDate": "2024-03-13T09:00:00Z"},
			map[string]any{"id": "c-good", "startDate": "2024-03-14T09:00:00Z"},
		})
	})
	mux.HandleFunc("/courses/", func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "c-bad") {
			http.Error(w, "nope", http.StatusNotFound)
			return
		}
		writeJSON(w, []any{map[string]any{"memberId": "m-1"}})
	})
	e := testExtractor(t, mux)
	records, err := e.TableData(context.Background(), "LesDeelname", Window{})
	if err != nil {
		t.Fatalf("TableData: %v", err)
	}
	if len(records) != 1 || records[0]["course_id"] != "c-good" {
		t.Errorf("records = %#v", records)
	}
}

func TestPerSubscriptionStats(t *testing.T) {
	var subFetches, statFetches atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/memberships", func(w http.ResponseWriter, r *http.Request) {
		subFetches.Add(1)
		writeJSON(w, []any{
			map[string]any{"id": "sub-1", "startDate": "2024-01-01"},
			map[string]any{"id": "sub-2", "startDate": "2024-02-01"},
		})
	})
	mux.HandleFunc("/analytics/specific", func(w http.ResponseWriter, r *http.Request) {
		statFetches.Add(1)
		if r.URL.Query().Get("membership_id") == "sub-2" {
			http.Error(w, "nope", http.StatusNotFound)
			return
		}
		writeJSON(w, []any{map[string]any{"labels": []any{"2024-03-01"}}})
	})
	e := testExtractor(t, mux)

	records, err := e.TableData(context.Background(), "AbonnementStatistiekenSpecifiek", Window{})
	if err != nil {
		t.Fatalf("TableData: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("records = %#v, want the surviving subscription only", records)
	}
	r := records[0]
	if r["membership_id"] != "sub-1" || r["granularity"] != "DAY" || r["start_date_context"] != "2024-01-01" {
		t.Errorf("tags = %#v", r)
	}

	// Second run reuses the cached subscription list.
	if _, err := e.TableData(context.Background(), "AbonnementStatistiekenSpecifiek", Window{}); err != nil {
		t.Fatalf("second TableData: %v", err)
	}
	if got := subFetches.Load(); got != 1 {
		t.Errorf("subscription list fetched %d times, want cached 1", got)
	}
	if statFetches.Load() != 4 {
		t.Errorf("stat fetches = %d, want 2 per run", statFetches.Load())
	}
}

func TestProductSales(t *testing.T) {
	var days []string
	mux := http.NewServeMux()
	mux.HandleFunc("/pos/statistics", func(w http.ResponseWriter, r *http.Request) {
		days = append(days, r.URL.Query().Get("start_date"))
		writeJSON(w, []any{
			map[string]any{"id": "prod-towel", "name": "Towel", "sales": 0.0, "revenue": 0.0},
			map[string]any{"id": "prod-shake", "name": "Shake", "sales": 3.0, "revenue": 12.0},
		})
	})
	e := testExtractor(t, mux)

	win := Window{
		Start:      time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		End:        time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC),
		Historical: true,
	}
	records, err := e.TableData(context.Background(), "ProductVerkopen", win)
	if err != nil {
		t.Fatalf("TableData: %v", err)
	}
	if len(days) != 2 {
		t.Errorf("requested days = %v, want one request per day", days)
	}
	if len(records) != 2 {
		t.Fatalf("records = %#v, want zero-sales products filtered", records)
	}
	// The synthetic id indexes the full response array, so the selling
	// product behind a zero-sales one keeps position 001.
	if records[0]["product_verkopen_id"] != "PV_20240301_001" {
		t.Errorf("product_verkopen_id = %v", records[0]["product_verkopen_id"])
	}
	if records[1]["product_verkopen_id"] != "PV_20240302_001" {
		t.Errorf("product_verkopen_id = %v", records[1]["product_verkopen_id"])
	}
	if records[0]["id"] != "prod-shake" {
		t.Errorf("product id = %v, want the product's own id kept", records[0]["id"])
	}
	if records[0]["date"] != "2024-03-01" {
		t.Errorf("date = %v", records[0]["date"])
	}
}
