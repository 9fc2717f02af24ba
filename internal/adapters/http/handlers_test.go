package http

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jobrunner/offgrid/internal/application"
	"github.com/jobrunner/offgrid/internal/config"
	"github.com/jobrunner/offgrid/internal/domain"
	"github.com/jobrunner/offgrid/internal/ports/input"
)

type testDeps struct {
	catalog  *mockCatalog
	sync     *mockRefresher
	jobs     *mockJobs
	versions *mockVersions
	health   *mockHealth
}

func newTestDeps(t *testing.T) *testDeps {
	t.Helper()
	berlin, err := domain.RectangleFromBBox([]float64{13.08, 52.33, 13.76, 52.68})
	if err != nil {
		t.Fatal(err)
	}
	total := uint64(4096)
	version := "2024_02_01"
	region := domain.NewOfflineRegion(domain.RegionMetadata{
		ID:          "berlin",
		Revision:    3,
		Name:        "Berlin",
		LastUpdated: time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
		Geography:   berlin,
	}, nil, &domain.OfflineRegionPack{
		Path:        "/var/lib/offgrid/tiles/2024_02_01",
		Bytes:       1024,
		TotalBytes:  &total,
		DataVersion: &version,
		Status:      domain.StatusDownloading{},
	})

	return &testDeps{
		catalog:  &mockCatalog{regions: []*domain.OfflineRegion{region}},
		sync:     &mockRefresher{result: application.SyncResult{RegionsAdded: 2, RegionsTotal: 5}},
		jobs:     &mockJobs{},
		versions: &mockVersions{available: []string{"2024_02_01", "2024_01_01"}, installed: []string{"2024_01_01"}},
		health: &mockHealth{healthy: true, ready: true, details: input.HealthDetails{
			Healthy:           true,
			Ready:             true,
			RegionsTotal:      5,
			RegionsDownloaded: 1,
			Components:        map[string]string{"catalog": "ok"},
		}},
	}
}

func (d *testDeps) server(cfg config.ServerConfig) *Server {
	svc := Services{
		Catalog:  d.catalog,
		Jobs:     d.jobs,
		Versions: d.versions,
		Health:   d.health,
	}
	if d.sync != nil {
		svc.Sync = d.sync
	}
	return NewServer(cfg, svc, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return body
}

func TestHandleHealth(t *testing.T) {
	deps := newTestDeps(t)
	deps.health.details.ActiveDownload = "job-7"

	rr := do(t, deps.server(config.ServerConfig{}), http.MethodGet, "/health", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	body := decode(t, rr)
	if body["status"] != "ok" || body["regions_total"] != float64(5) || body["regions_downloaded"] != float64(1) {
		t.Errorf("body = %v", body)
	}
	if body["active_download"] != "job-7" {
		t.Errorf("active_download = %v, want job-7", body["active_download"])
	}

	deps.health.details.Healthy = false
	rr = do(t, deps.server(config.ServerConfig{}), http.MethodGet, "/health", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("unhealthy status = %d, want 503", rr.Code)
	}
}

func TestHandleLivenessAndReadiness(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		healthy bool
		ready   bool
		want    int
	}{
		{"live", "/health/live", true, false, http.StatusOK},
		{"not live", "/health/live", false, false, http.StatusServiceUnavailable},
		{"ready", "/health/ready", true, true, http.StatusOK},
		{"not ready", "/health/ready", true, false, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps := newTestDeps(t)
			deps.health.healthy = tt.healthy
			deps.health.ready = tt.ready

			if rr := do(t, deps.server(config.ServerConfig{}), http.MethodGet, tt.path, ""); rr.Code != tt.want {
				t.Errorf("status = %d, want %d", rr.Code, tt.want)
			}
		})
	}
}

func TestHandleVersions(t *testing.T) {
	deps := newTestDeps(t)

	rr := do(t, deps.server(config.ServerConfig{}), http.MethodGet, "/api/v1/versions", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var body struct {
		Available []string `json:"available"`
		Installed []string `json:"installed"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if len(body.Available) != 2 || body.Available[0] != "2024_02_01" || len(body.Installed) != 1 {
		t.Errorf("body = %+v", body)
	}
}

func TestHandleVersionsBackendDown(t *testing.T) {
	deps := newTestDeps(t)
	deps.versions.availableErr = domain.ErrBackendUnavailable

	if rr := do(t, deps.server(config.ServerConfig{}), http.MethodGet, "/api/v1/versions", ""); rr.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rr.Code)
	}
}

func TestHandleListRegions(t *testing.T) {
	deps := newTestDeps(t)

	rr := do(t, deps.server(config.ServerConfig{}), http.MethodGet, "/api/v1/regions", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	body := decode(t, rr)
	if body["count"] != float64(1) {
		t.Fatalf("count = %v, want 1", body["count"])
	}
	region := body["regions"].([]interface{})[0].(map[string]interface{})
	if region["id"] != "berlin" || region["revision"] != float64(3) || region["downloaded"] != true {
		t.Errorf("region = %v", region)
	}
	nav := region["packs"].(map[string]interface{})["navigation"].(map[string]interface{})
	if nav["status"] != "downloading" || nav["progress"] != 0.25 || nav["data_version"] != "2024_02_01" {
		t.Errorf("navigation pack = %v", nav)
	}
}

func TestHandleGetRegion(t *testing.T) {
	deps := newTestDeps(t)
	s := deps.server(config.ServerConfig{})

	if rr := do(t, s, http.MethodGet, "/api/v1/regions/berlin", ""); rr.Code != http.StatusOK {
		t.Errorf("known region status = %d, want 200", rr.Code)
	}
	if rr := do(t, s, http.MethodGet, "/api/v1/regions/atlantis", ""); rr.Code != http.StatusNotFound {
		t.Errorf("unknown region status = %d, want 404", rr.Code)
	}
}

func TestHandleRefresh(t *testing.T) {
	tests := []struct {
		name       string
		noSync     bool
		err        error
		wantStatus int
	}{
		{name: "refreshed", wantStatus: http.StatusOK},
		{name: "rate limited", err: application.ErrRateLimited, wantStatus: http.StatusTooManyRequests},
		{name: "no enumeration", err: domain.ErrCatalogNotAvailable, wantStatus: http.StatusServiceUnavailable},
		{name: "failure", err: errors.New("boom"), wantStatus: http.StatusInternalServerError},
		{name: "not configured", noSync: true, wantStatus: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps := newTestDeps(t)
			deps.sync.err = tt.err
			if tt.noSync {
				deps.sync = nil
			}

			rr := do(t, deps.server(config.ServerConfig{}), http.MethodPost, "/api/v1/regions/refresh", "")
			if rr.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
			if errors.Is(tt.err, application.ErrRateLimited) && rr.Header().Get("Retry-After") != "30" {
				t.Errorf("Retry-After = %q, want 30", rr.Header().Get("Retry-After"))
			}
			if tt.wantStatus == http.StatusOK && decode(t, rr)["regions_added"] != float64(2) {
				t.Error("refresh result not returned")
			}
		})
	}
}

func TestHandleStartDownload(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		startErr   error
		wantStatus int
	}{
		{name: "accepted", body: `{"bbox":[13.0,52.3,13.5,52.6]}`, wantStatus: http.StatusAccepted},
		{name: "already running", body: `{"bbox":[13.0,52.3,13.5,52.6]}`, startErr: domain.ErrDownloadInProgress, wantStatus: http.StatusConflict},
		{name: "malformed json", body: `{"bbox":`, wantStatus: http.StatusBadRequest},
		{name: "unknown field", body: `{"box":[1,2,3,4]}`, wantStatus: http.StatusBadRequest},
		{name: "short bbox", body: `{"bbox":[13.0,52.3]}`, wantStatus: http.StatusBadRequest},
		{name: "out of range", body: `{"bbox":[13.0,52.3,200,52.6]}`, wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps := newTestDeps(t)
			deps.jobs.startErr = tt.startErr

			rr := do(t, deps.server(config.ServerConfig{}), http.MethodPost, "/api/v1/downloads", tt.body)
			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", rr.Code, tt.wantStatus, rr.Body.String())
			}
			if tt.wantStatus != http.StatusAccepted {
				return
			}
			if loc := rr.Header().Get("Location"); loc != "/api/v1/downloads/job-1" {
				t.Errorf("Location = %q", loc)
			}
			if len(deps.jobs.started) != 1 || deps.jobs.started[0].MinLon() != 13.0 || deps.jobs.started[0].MaxLat() != 52.6 {
				t.Errorf("started = %v", deps.jobs.started)
			}
		})
	}
}

func TestHandleGetDownload(t *testing.T) {
	deps := newTestDeps(t)
	started := time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC)
	deps.jobs.jobs = map[string]domain.DownloadJob{
		"done": {
			ID:         "done",
			Stage:      domain.StageDone,
			StatusText: "Unpacking 0%",
			History:    []string{"Fetching versions", "Downloading tiles", "Unpacking 0%"},
			Version:    "2024_02_01",
			StartedAt:  started,
			FinishedAt: started.Add(90 * time.Second),
			Result: &domain.DownloadResult{
				Stage:      domain.StageDone,
				OutputDir:  "/tiles/2024_02_01",
				Unpack:     &domain.UnpackResult{Files: 12, Bytes: 4096},
				StartedAt:  started,
				FinishedAt: started.Add(90 * time.Second),
			},
		},
	}
	s := deps.server(config.ServerConfig{})

	rr := do(t, s, http.MethodGet, "/api/v1/downloads/done", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	body := decode(t, rr)
	if body["stage"] != "done" || body["done"] != true || body["status_text"] != "Unpacking 0%" {
		t.Errorf("body = %v", body)
	}
	result := body["result"].(map[string]interface{})
	if result["succeeded"] != true || result["files"] != float64(12) || result["duration_ms"] != float64(90000) {
		t.Errorf("result = %v", result)
	}

	if rr := do(t, s, http.MethodGet, "/api/v1/downloads/missing", ""); rr.Code != http.StatusNotFound {
		t.Errorf("missing job status = %d, want 404", rr.Code)
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	deps := newTestDeps(t)
	s := deps.server(config.ServerConfig{RateLimit: config.RateLimitConfig{Enabled: true, Rate: 0.001, Burst: 2}})

	for i := 0; i < 2; i++ {
		if rr := do(t, s, http.MethodGet, "/api/v1/regions", ""); rr.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i, rr.Code)
		}
	}
	rr := do(t, s, http.MethodGet, "/api/v1/regions", "")
	if rr.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", rr.Code)
	}

	// Health endpoints are not limited.
	if rr := do(t, s, http.MethodGet, "/health/live", ""); rr.Code != http.StatusOK {
		t.Errorf("health status = %d, want 200", rr.Code)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	deps := newTestDeps(t)
	s := deps.server(config.ServerConfig{})

	h := s.recoveryMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rr.Code)
	}
}

func TestBoolToStatus(t *testing.T) {
	if boolToStatus(true) != "ok" || boolToStatus(false) != "unhealthy" {
		t.Error("boolToStatus mismatch")
	}
}
