package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// ============================================================================
// Checker Tests
// ============================================================================

func TestNew(t *testing.T) {
	c := New(0)
	if c.checkTimeout != 5*time.Second {
		t.Errorf("Expected default timeout 5s, got %v", c.checkTimeout)
	}

	c = New(time.Second)
	if c.checkTimeout != time.Second {
		t.Errorf("Expected timeout 1s, got %v", c.checkTimeout)
	}
}

func TestRegisterAndUnregister(t *testing.T) {
	c := New(time.Second)
	ok := func(context.Context) error { return nil }

	c.RegisterCheck("policy", ok)
	c.RegisterOptionalCheck("distributed", ok)

	names := c.ListChecks()
	if len(names) != 2 || names[0] != "distributed" || names[1] != "policy" {
		t.Errorf("Expected [distributed policy], got %v", names)
	}

	c.UnregisterCheck("policy")
	if names := c.ListChecks(); len(names) != 1 {
		t.Errorf("Expected 1 check, got %v", names)
	}
}

func TestCheckLiveness(t *testing.T) {
	c := New(time.Second)
	c.RegisterCheck("broken", func(context.Context) error { return errors.New("down") })

	status := c.CheckLiveness(context.Background())
	if status.Status != StatusOK {
		t.Errorf("Expected ok, got %s", status.Status)
	}
	if len(status.Checks) != 0 {
		t.Errorf("Expected liveness to run no checks, got %v", status.Checks)
	}
}

func TestCheckReadiness(t *testing.T) {
	ok := func(context.Context) error { return nil }
	fail := func(context.Context) error { return errors.New("down") }

	tests := []struct {
		name     string
		critical CheckFunc
		optional CheckFunc
		want     string
	}{
		{name: "all healthy", critical: ok, optional: ok, want: StatusReady},
		{name: "optional failing", critical: ok, optional: fail, want: StatusDegraded},
		{name: "critical failing", critical: fail, optional: ok, want: StatusUnhealthy},
		{name: "both failing", critical: fail, optional: fail, want: StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(time.Second)
			c.RegisterCheck("policy", tt.critical)
			c.RegisterOptionalCheck("distributed", tt.optional)

			status := c.CheckReadiness(context.Background())
			if status.Status != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, status.Status)
			}
			if len(status.Checks) != 2 {
				t.Errorf("Expected 2 results, got %d", len(status.Checks))
			}
			if !status.Checks["policy"].Critical || status.Checks["distributed"].Critical {
				t.Errorf("Expected criticality to be reported, got %+v", status.Checks)
			}
		})
	}
}

func TestCheckReadiness_NoChecks(t *testing.T) {
	status := New(time.Second).CheckReadiness(context.Background())
	if status.Status != StatusReady {
		t.Errorf("Expected ready, got %s", status.Status)
	}
}

func TestCheckReadiness_Timeout(t *testing.T) {
	c := New(20 * time.Millisecond)
	c.RegisterOptionalCheck("slow", func(ctx context.Context) error {
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		return nil
	})

	status := c.CheckReadiness(context.Background())
	result := status.Checks["slow"]
	if result.Status != StatusUnhealthy || result.Message != "health check timeout" {
		t.Errorf("Expected timeout result, got %+v", result)
	}
	if status.Status != StatusDegraded {
		t.Errorf("Expected degraded, got %s", status.Status)
	}
}

// ============================================================================
// Endpoint Tests
// ============================================================================

func TestReadinessHandler(t *testing.T) {
	tests := []struct {
		name     string
		register func(c *Checker)
		wantCode int
		wantBody string
	}{
		{
			name:     "ready",
			register: func(c *Checker) { c.RegisterCheck("policy", func(context.Context) error { return nil }) },
			wantCode: http.StatusOK,
			wantBody: StatusReady,
		},
		{
			name: "degraded still serves",
			register: func(c *Checker) {
				c.RegisterOptionalCheck("distributed", func(context.Context) error { return errors.New("refused") })
			},
			wantCode: http.StatusOK,
			wantBody: StatusDegraded,
		},
		{
			name: "unhealthy",
			register: func(c *Checker) {
				c.RegisterCheck("policy", func(context.Context) error { return errors.New("no policy") })
			},
			wantCode: http.StatusServiceUnavailable,
			wantBody: StatusUnhealthy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(time.Second)
			tt.register(c)

			rec := httptest.NewRecorder()
			c.ReadinessHandler()(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

			if rec.Code != tt.wantCode {
				t.Errorf("Expected status %d, got %d", tt.wantCode, rec.Code)
			}
			var status HealthStatus
			if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
				t.Fatalf("Failed to decode body: %v", err)
			}
			if status.Status != tt.wantBody {
				t.Errorf("Expected %s, got %s", tt.wantBody, status.Status)
			}
		})
	}
}

func TestHandlers_MethodNotAllowed(t *testing.T) {
	c := New(time.Second)
	rec := httptest.NewRecorder()
	c.LivenessHandler()(rec, httptest.NewRequest(http.MethodPost, "/health", nil))

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", rec.Code)
	}
}

func TestLivenessHandler_Head(t *testing.T) {
	c := New(time.Second)
	rec := httptest.NewRecorder()
	c.LivenessHandler()(rec, httptest.NewRequest(http.MethodHead, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("Expected empty body for HEAD, got %q", rec.Body.String())
	}
}

func TestMount(t *testing.T) {
	mux := http.NewServeMux()
	Mount(mux, New(time.Second), NewVersionInfo("1.2.3", "abc123", "2026-10-19"))

	for _, path := range []string{"/health", "/ready", "/version"} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", path, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/version", nil))
	var info VersionInfo
	if err := json.NewDecoder(rec.Body).Decode(&info); err != nil {
		t.Fatalf("Failed to decode version: %v", err)
	}
	if info.Version != "1.2.3" || info.Commit != "abc123" || info.GoVersion == "" {
		t.Errorf("Unexpected version info: %+v", info)
	}
}
