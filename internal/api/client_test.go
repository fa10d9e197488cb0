package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"pcdattach/internal/models"
	"pcdattach/internal/reconcile"
)

func TestHTTPTimeoutFromEnv(t *testing.T) {
	t.Run("default", func(t *testing.T) {
		t.Setenv(httpTimeoutEnvKey, "")
		if got := httpTimeoutFromEnv(); got != defaultHTTPTimeout {
			t.Fatalf("expected default timeout %v, got %v", defaultHTTPTimeout, got)
		}
	})

	t.Run("duration format", func(t *testing.T) {
		t.Setenv(httpTimeoutEnvKey, "45s")
		if got := httpTimeoutFromEnv(); got != 45*time.Second {
			t.Fatalf("expected 45s timeout, got %v", got)
		}
	})

	t.Run("integer seconds", func(t *testing.T) {
		t.Setenv(httpTimeoutEnvKey, "25")
		if got := httpTimeoutFromEnv(); got != 25*time.Second {
			t.Fatalf("expected 25s timeout, got %v", got)
		}
	})

	t.Run("invalid falls back", func(t *testing.T) {
		t.Setenv(httpTimeoutEnvKey, "invalid")
		if got := httpTimeoutFromEnv(); got != defaultHTTPTimeout {
			t.Fatalf("expected default timeout %v, got %v", defaultHTTPTimeout, got)
		}
	})
}

func TestClientDecodesStructuredErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(ErrorResponse{Error: "a sweep is already running", Code: "resource_exhausted"})
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).Sweep(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %T (%v)", err, err)
	}
	if !apiErr.Busy() || apiErr.Code != "resource_exhausted" {
		t.Fatalf("unexpected error: %+v", apiErr)
	}
	if apiErr.Error() != "resource_exhausted: a sweep is already running" {
		t.Fatalf("unexpected message %q", apiErr.Error())
	}
}

func TestClientUnstructuredError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gateway down", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewClient(srv.URL).Ping(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusBadGateway {
		t.Fatalf("expected 502 APIError, got %v", err)
	}
}

func TestClientRoutes(t *testing.T) {
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.Method+" "+r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/owners/track_trend/12/attachments":
			_ = json.NewEncoder(w).Encode(AttachmentListResponse{
				Owner:       models.OwnerRef{Type: models.OwnerTypeTrackTrend, ID: 12},
				Attachments: []models.Attachment{{ID: "at-abc123"}},
			})
		case "/v1/sweeps", "/v1/sweeps/last":
			_ = json.NewEncoder(w).Encode(reconcile.Report{RowsRemoved: 3})
		default:
			_ = json.NewEncoder(w).Encode(HealthResponse{Status: "ok"})
		}
	}))
	defer srv.Close()

	client := NewClient(srv.URL + "/")
	ctx := context.Background()

	if err := client.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
	list, err := client.ListAttachments(ctx, models.OwnerRef{Type: models.OwnerTypeTrackTrend, ID: 12})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list.Attachments) != 1 || list.Attachments[0].ID != "at-abc123" {
		t.Fatalf("unexpected listing: %+v", list)
	}
	report, err := client.Sweep(ctx)
	if err != nil || report.RowsRemoved != 3 {
		t.Fatalf("sweep: %+v %v", report, err)
	}
	if _, err := client.LastSweep(ctx); err != nil {
		t.Fatalf("last sweep: %v", err)
	}

	want := []string{
		"GET /health",
		"GET /v1/owners/track_trend/12/attachments",
		"POST /v1/sweeps",
		"GET /v1/sweeps/last",
	}
	if strings.Join(seen, "\n") != strings.Join(want, "\n") {
		t.Fatalf("unexpected requests:\n%s", strings.Join(seen, "\n"))
	}
}
