package httpcall

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"taskvault/internal/domain"
)

func TestRunRecordsResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Token") != "secret" {
			t.Errorf("missing header, got %q", r.Header.Get("X-Token"))
		}
		w.Write([]byte("pong"))
	}))
	defer srv.Close()

	status, result, err := Run(context.Background(), &domain.ScheduledTask{
		Params: map[string]any{
			"url":     srv.URL,
			"headers": map[string]any{"X-Token": "secret"},
		},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if status != domain.StatusComplete {
		t.Fatalf("expected complete, got %s", status)
	}
	if result["status_code"] != 200 {
		t.Fatalf("unexpected status code: %v", result["status_code"])
	}
	if result["body"] != "pong" {
		t.Fatalf("unexpected body: %q", result["body"])
	}
}

func TestRunFailsOnHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	status, result, err := Run(context.Background(), &domain.ScheduledTask{
		Params: map[string]any{"url": srv.URL},
	})
	if err == nil {
		t.Fatal("expected error for 500 response")
	}
	if status != domain.StatusFailed {
		t.Fatalf("expected failed, got %s", status)
	}
	if result["status_code"] != 500 {
		t.Fatalf("unexpected status code: %v", result["status_code"])
	}
}
