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

func ok(ctx context.Context) error { return nil }

func failing(msg string) CheckFunc {
	return func(ctx context.Context) error { return errors.New(msg) }
}

func TestChecker_BasicHealth(t *testing.T) {
	checker := NewChecker(&CheckerConfig{
		Version: "1.0.0",
		Timeout: 5 * time.Second,
	})

	response := checker.Check(context.Background())

	if response.Status != StatusHealthy {
		t.Errorf("expected status healthy, got %s", response.Status)
	}
	if response.Version != "1.0.0" {
		t.Errorf("expected version 1.0.0, got %s", response.Version)
	}
}

func TestChecker_DeepCheck(t *testing.T) {
	tests := []struct {
		name       string
		cfg        CheckerConfig
		wantStatus Status
		wantKeys   []string
		absentKeys []string
	}{
		{
			name:       "required only",
			cfg:        CheckerConfig{Library: ok, Transcoder: ok},
			wantStatus: StatusHealthy,
			wantKeys:   []string{"library", "ffmpeg"},
			absentKeys: []string{"redis", "storage", "credentials"},
		},
		{
			name:       "all healthy",
			cfg:        CheckerConfig{Library: ok, Transcoder: ok, Redis: ok, Storage: ok, Credentials: ok},
			wantStatus: StatusHealthy,
			wantKeys:   []string{"library", "ffmpeg", "redis", "storage", "credentials"},
		},
		{
			name:       "ffmpeg missing",
			cfg:        CheckerConfig{Library: ok, Transcoder: failing("ffmpeg not found")},
			wantStatus: StatusUnhealthy,
		},
		{
			name:       "transcoder not configured",
			cfg:        CheckerConfig{Library: ok},
			wantStatus: StatusUnhealthy,
		},
		{
			name:       "storage down",
			cfg:        CheckerConfig{Library: ok, Transcoder: ok, Storage: failing("connection refused")},
			wantStatus: StatusUnhealthy,
		},
		{
			name:       "no valid credential degrades",
			cfg:        CheckerConfig{Library: ok, Transcoder: ok, Credentials: failing("no credential")},
			wantStatus: StatusDegraded,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			response := NewChecker(&cfg).DeepCheck(context.Background())

			if response.Status != tt.wantStatus {
				t.Errorf("status = %s, want %s (%+v)", response.Status, tt.wantStatus, response.Components)
			}
			for _, k := range tt.wantKeys {
				if _, ok := response.Components[k]; !ok {
					t.Errorf("missing component %q", k)
				}
			}
			for _, k := range tt.absentKeys {
				if _, ok := response.Components[k]; ok {
					t.Errorf("component %q should be skipped", k)
				}
			}
		})
	}
}

func TestChecker_FailureMessage(t *testing.T) {
	checker := NewChecker(&CheckerConfig{Library: failing("library root is not writable"), Transcoder: ok})

	response := checker.DeepCheck(context.Background())
	if got := response.Components["library"].Message; got != "library root is not writable" {
		t.Errorf("message = %q", got)
	}
}

func TestChecker_Timeout(t *testing.T) {
	slow := func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}
	checker := NewChecker(&CheckerConfig{Library: ok, Transcoder: ok, Redis: slow, Timeout: 10 * time.Millisecond})

	response := checker.DeepCheck(context.Background())
	if response.Components["redis"].Status != StatusUnhealthy {
		t.Errorf("slow redis = %+v, want unhealthy", response.Components["redis"])
	}
}

func TestHandler_LivenessHandler(t *testing.T) {
	handler := NewHandler(NewChecker(&CheckerConfig{Version: "1.0.0"}))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()

	handler.HealthHandler(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}

	var response HealthResponse
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if response.Status != StatusHealthy || len(response.Components) != 0 {
		t.Errorf("liveness response = %+v", response)
	}
}

func TestHandler_DeepQuery(t *testing.T) {
	tests := []struct {
		name     string
		cfg      CheckerConfig
		wantCode int
	}{
		{"healthy", CheckerConfig{Library: ok, Transcoder: ok}, http.StatusOK},
		{"degraded", CheckerConfig{Library: ok, Transcoder: ok, Credentials: failing("none")}, http.StatusOK},
		{"unhealthy", CheckerConfig{Library: ok, Transcoder: failing("missing")}, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			handler := NewHandler(NewChecker(&cfg))

			req := httptest.NewRequest(http.MethodGet, "/health?deep=true", nil)
			w := httptest.NewRecorder()
			handler.HealthHandler(w, req)

			if w.Code != tt.wantCode {
				t.Errorf("code = %d, want %d", w.Code, tt.wantCode)
			}
			var response HealthResponse
			if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if len(response.Components) == 0 {
				t.Error("deep check should include components")
			}
		})
	}
}
