package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type healthBody struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func get(t *testing.T, hs *HealthServer, path string) (int, healthBody) {
	t.Helper()
	rec := httptest.NewRecorder()
	hs.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var body healthBody
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
	return rec.Code, body
}

func TestHealthz_IgnoresReadiness(t *testing.T) {
	hs := NewHealthServer()
	hs.AddCheck("store", func(context.Context) error { return errors.New("down") })

	code, body := get(t, hs, "/healthz")
	if code != http.StatusOK || body.Status != "ok" {
		t.Errorf("expected 200 ok, got %d %q", code, body.Status)
	}
}

func TestReadyz(t *testing.T) {
	failing := func(context.Context) error { return errors.New("connection refused") }
	passing := func(context.Context) error { return nil }

	tests := []struct {
		name       string
		ready      bool
		checks     map[string]CheckFunc
		wantCode   int
		wantStatus string
		wantFailed []string
	}{
		{"not ready by default", false, nil, http.StatusServiceUnavailable, "not ready", nil},
		{"ready without checks", true, nil, http.StatusOK, "ready", nil},
		{"checks skipped until ready", false, map[string]CheckFunc{"store": failing}, http.StatusServiceUnavailable, "not ready", nil},
		{"passing checks", true, map[string]CheckFunc{"store": passing, "controller": passing}, http.StatusOK, "ready", nil},
		{"one failing check", true, map[string]CheckFunc{"store": failing, "controller": passing}, http.StatusServiceUnavailable, "not ready", []string{"store"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hs := NewHealthServer()
			hs.SetReady(tt.ready)
			for name, fn := range tt.checks {
				hs.AddCheck(name, fn)
			}

			code, body := get(t, hs, "/readyz")
			if code != tt.wantCode || body.Status != tt.wantStatus {
				t.Fatalf("expected %d %q, got %d %q", tt.wantCode, tt.wantStatus, code, body.Status)
			}
			if len(body.Checks) != len(tt.wantFailed) {
				t.Fatalf("expected failed checks %v, got %v", tt.wantFailed, body.Checks)
			}
			for _, name := range tt.wantFailed {
				if body.Checks[name] != "connection refused" {
					t.Errorf("expected %s failure, got %v", name, body.Checks)
				}
			}
		})
	}
}

func TestReadyz_FollowsState(t *testing.T) {
	hs := NewHealthServer()
	hs.SetReady(true)
	var storeErr error = errors.New("down")
	hs.AddCheck("store", func(context.Context) error { return storeErr })

	if code, _ := get(t, hs, "/readyz"); code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 while store is down, got %d", code)
	}
	storeErr = nil
	if code, _ := get(t, hs, "/readyz"); code != http.StatusOK {
		t.Fatalf("expected 200 after recovery, got %d", code)
	}
	hs.SetReady(false)
	if code, _ := get(t, hs, "/readyz"); code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 after shutdown began, got %d", code)
	}
}

func TestReadyz_CheckDeadline(t *testing.T) {
	hs := NewHealthServer()
	hs.timeout = 0
	hs.SetReady(true)
	hs.AddCheck("store", func(ctx context.Context) error { return ctx.Err() })

	code, body := get(t, hs, "/readyz")
	if code != http.StatusServiceUnavailable || body.Checks["store"] == "" {
		t.Errorf("expected expired deadline to fail the check, got %d %v", code, body.Checks)
	}
}
