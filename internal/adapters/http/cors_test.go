package http

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jobrunner/offgrid/internal/config"
)

func TestOriginHost(t *testing.T) {
	tests := []struct {
		origin string
		want   string
	}{
		{"https://maps.example.com", "maps.example.com"},
		{"https://maps.example.com:8443", "maps.example.com"},
		{"http://localhost:3000", "localhost"},
		{"https://Example.COM", "example.com"},
		{"https://example.com/path", "example.com"},
		{"example.com:8080", "example.com"},
		{"http://[::1]:8080", "::1"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			if got := originHost(tt.origin); got != tt.want {
				t.Errorf("originHost(%q) = %q, want %q", tt.origin, got, tt.want)
			}
		})
	}
}

func TestMatchOrigin(t *testing.T) {
	tests := []struct {
		name    string
		origin  string
		pattern string
		want    bool
	}{
		{"exact", "https://offgrid.example.com", "https://offgrid.example.com", true},
		{"scheme differs", "http://offgrid.example.com", "https://offgrid.example.com", false},
		{"any origin", "https://anything.test", "*", true},
		{"subdomain wildcard", "https://app.example.com", "*.example.com", true},
		{"nested subdomain", "https://a.b.example.com:8443", "*.example.com", true},
		{"wildcard skips apex", "https://example.com", "*.example.com", false},
		{"suffix without dot", "https://badexample.com", "*.example.com", false},
		{"different domain", "https://app.other.com", "*.example.com", false},
		{"empty origin", "", "*.example.com", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := matchOrigin(tt.origin, tt.pattern); got != tt.want {
				t.Errorf("matchOrigin(%q, %q) = %v, want %v", tt.origin, tt.pattern, got, tt.want)
			}
		})
	}
}

func corsServer(origins ...string) *Server {
	return &Server{config: config.ServerConfig{CORS: config.CORSConfig{AllowedOrigins: origins}}}
}

func TestCORSMiddleware(t *testing.T) {
	tests := []struct {
		name        string
		allowed     []string
		origin      string
		method      string
		wantStatus  int
		wantHeaders bool
		wantNext    bool
	}{
		{"allowed GET", []string{"https://app.example.com"}, "https://app.example.com", http.MethodGet, http.StatusOK, true, true},
		{"allowed POST", []string{"*.example.com"}, "https://app.example.com", http.MethodPost, http.StatusOK, true, true},
		{"preflight", []string{"https://app.example.com"}, "https://app.example.com", http.MethodOptions, http.StatusNoContent, true, false},
		{"foreign origin", []string{"https://app.example.com"}, "https://evil.test", http.MethodGet, http.StatusOK, false, true},
		{"no origin", []string{"https://app.example.com"}, "", http.MethodGet, http.StatusOK, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nextCalled := false
			next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				nextCalled = true
				w.WriteHeader(http.StatusOK)
			})

			req := httptest.NewRequest(tt.method, "/api/v1/downloads", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			rr := httptest.NewRecorder()
			corsServer(tt.allowed...).corsMiddleware(next).ServeHTTP(rr, req)

			if rr.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
			if nextCalled != tt.wantNext {
				t.Errorf("next called = %v, want %v", nextCalled, tt.wantNext)
			}

			h := rr.Header()
			if !tt.wantHeaders {
				if got := h.Get("Access-Control-Allow-Origin"); got != "" {
					t.Errorf("Access-Control-Allow-Origin = %q, want none", got)
				}
				return
			}
			if got := h.Get("Access-Control-Allow-Origin"); got != tt.origin {
				t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, tt.origin)
			}
			if got := h.Get("Access-Control-Allow-Methods"); got != "GET, POST, OPTIONS" {
				t.Errorf("Access-Control-Allow-Methods = %q", got)
			}
			if got := h.Get("Access-Control-Expose-Headers"); got != "Location, Retry-After" {
				t.Errorf("Access-Control-Expose-Headers = %q", got)
			}
			if got := h.Get("Vary"); got != "Origin" {
				t.Errorf("Vary = %q, want Origin", got)
			}
		})
	}
}

func TestCORSConfigEnabled(t *testing.T) {
	if (&config.CORSConfig{}).Enabled() {
		t.Error("empty CORS config should be disabled")
	}
	if !(&config.CORSConfig{AllowedOrigins: []string{"*.example.com"}}).Enabled() {
		t.Error("CORS config with origins should be enabled")
	}
}
