package dashboard

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/guregu/null/v6"

	"hvcollector/config"
	"hvcollector/internal/orchestrator"
	"hvcollector/internal/pipeline"
	"hvcollector/logger"
	"hvcollector/models"
)

func TestNormalizeAddress(t *testing.T) {
	cases := map[string]string{
		"":                               "0.0.0.0:8080",
		"  :9090  ":                      "0.0.0.0:9090",
		"localhost":                      "localhost:8080",
		"0.0.0.0:80":                     "0.0.0.0:80",
		"[::1]:443":                      "[::1]:443",
		"::1":                            "[::1]:8080",
		"*:8080":                         "0.0.0.0:8080",
		"http://13.200.112.203:8080":     "13.200.112.203:8080",
		"https://13.200.112.203":         "13.200.112.203:8080",
		"http://:7070":                   "0.0.0.0:7070",
		"tcp://localhost:5050":           "localhost:5050",
		"https://dashboard.example.com/": "dashboard.example.com:8080",
	}

	for input, want := range cases {
		if got := normalizeAddress(input); got != want {
			t.Fatalf("normalizeAddress(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestNewServerDisabled(t *testing.T) {
	if srv := NewServer(config.DashboardConfig{}, logger.Logger()); srv != nil {
		t.Fatalf("expected nil server when disabled")
	}
	var srv *Server
	srv.Publish(&pipeline.Result{})
	if srv.Address() != "" {
		t.Fatalf("nil server has an address")
	}
}

func TestNewServerNormalizesConfiguredAddress(t *testing.T) {
	srv := NewServer(config.DashboardConfig{Enabled: true, Address: ":9000"}, logger.Logger())
	if srv == nil {
		t.Fatal("expected dashboard server, got nil")
	}
	if got := srv.Address(); got != "0.0.0.0:9000" {
		t.Fatalf("server address = %q, want %q", got, "0.0.0.0:9000")
	}
}

func testRun() *pipeline.Result {
	day := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	return &pipeline.Result{
		RunID:   "run-1",
		Range:   models.DateRange{From: day, To: day.AddDate(0, 0, 1)},
		Windows: []int{2},
		Assets: []pipeline.AssetResult{
			{
				Asset:      models.AssetSpec{Symbol: "BTC"},
				Resolution: &orchestrator.Resolution{Asset: models.AssetSpec{Symbol: "BTC"}, State: models.StateResolved, Provider: models.ProviderCoinGecko},
				Records: []models.VolatilityRecord{
					{Asset: "BTC", Date: day, Close: null.FloatFrom(100)},
					{Asset: "BTC", Date: day.AddDate(0, 0, 1), Close: null.FloatFrom(101)},
				},
				Summary: models.AssetSummary{Asset: "BTC", Days: 2, DataPoints: 2},
			},
			{
				Asset:      models.AssetSpec{Symbol: "NOPE"},
				Resolution: &orchestrator.Resolution{Asset: models.AssetSpec{Symbol: "NOPE"}, State: models.StateExhausted},
				Summary:    models.AssetSummary{Asset: "NOPE", NoData: true},
			},
		},
		Omissions: []models.Omission{{Asset: "NOPE", Kind: models.KindExhausted, Reason: "all sources unsupported"}},
	}
}

func serve(t *testing.T, srv *Server, path string) (int, map[string]json.RawMessage) {
	t.Helper()
	router, err := srv.buildRouter("hvcollector")
	if err != nil {
		t.Fatalf("buildRouter: %v", err)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]json.RawMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("%s: invalid json %q: %v", path, rec.Body.String(), err)
	}
	return rec.Code, body
}

func TestRoutesBeforeFirstRun(t *testing.T) {
	srv := NewServer(config.DashboardConfig{Enabled: true}, logger.Logger())
	if code, _ := serve(t, srv, "/healthz"); code != http.StatusOK {
		t.Fatalf("healthz = %d", code)
	}
	if code, _ := serve(t, srv, "/api/summaries"); code != http.StatusServiceUnavailable {
		t.Fatalf("summaries before run = %d", code)
	}
}

func TestRoutesServePublishedRun(t *testing.T) {
	srv := NewServer(config.DashboardConfig{Enabled: true}, logger.Logger())
	srv.Publish(testRun())

	cases := []struct {
		path string
		code int
		key  string
	}{
		{"/api/run", http.StatusOK, "run_id"},
		{"/api/summaries", http.StatusOK, "summaries"},
		{"/api/assets/btc/records", http.StatusOK, "records"},
		{"/api/assets/NOPE/records", http.StatusOK, "records"},
		{"/api/assets/DOGE/records", http.StatusNotFound, "error"},
		{"/api/omissions", http.StatusOK, "omissions"},
		{"/api/logs", http.StatusOK, "logs"},
	}
	for _, tc := range cases {
		code, body := serve(t, srv, tc.path)
		if code != tc.code {
			t.Fatalf("%s status = %d, want %d", tc.path, code, tc.code)
		}
		if _, ok := body[tc.key]; !ok {
			t.Fatalf("%s missing key %q: %v", tc.path, tc.key, body)
		}
	}

	_, body := serve(t, srv, "/api/assets/BTC/records")
	var records []map[string]any
	if err := json.Unmarshal(body["records"], &records); err != nil || len(records) != 2 {
		t.Fatalf("records = %s (%v)", body["records"], err)
	}
	if records[0]["funding_rate"] != nil {
		t.Fatalf("absent funding rate serialized as %v", records[0]["funding_rate"])
	}

	_, body = serve(t, srv, "/api/run")
	var assets []assetView
	if err := json.Unmarshal(body["assets"], &assets); err != nil || len(assets) != 2 {
		t.Fatalf("assets = %s (%v)", body["assets"], err)
	}
	if assets[1].State != string(models.StateExhausted) {
		t.Fatalf("NOPE state = %q", assets[1].State)
	}
}

func TestRouterIsReadOnly(t *testing.T) {
	srv := NewServer(config.DashboardConfig{Enabled: true}, logger.Logger())
	srv.Publish(testRun())
	router, err := srv.buildRouter("hvcollector")
	if err != nil {
		t.Fatalf("buildRouter: %v", err)
	}
	for _, r := range router.Routes() {
		if r.Method != http.MethodGet {
			t.Fatalf("non-GET route %s %s", r.Method, r.Path)
		}
	}
}
