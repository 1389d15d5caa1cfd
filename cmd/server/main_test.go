package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/guido-cesarano/dualpipe/pkg/coordinator"
)

func newTestRouter(t *testing.T, apiKey string) http.Handler {
	t.Helper()
	coord, err := coordinator.New(coordinator.Options{
		MaxQueueSize: 10,
		PollInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("coordinator.New failed: %v", err)
	}
	return setupRouter(coord, apiKey)
}

func TestSubmitEndpoint(t *testing.T) {
	router := newTestRouter(t, "")

	body := `{"type":"transcript_analysis","priority":"fast","input":{"text":"hi"},"dual_pipeline":true}`
	req := httptest.NewRequest(http.MethodPost, "/submit", strings.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "real_time") || !strings.Contains(w.Body.String(), "comprehensive") {
		t.Errorf("Expected both pipeline ids in response: %s", w.Body.String())
	}
}

func TestSubmitRejectsBadEnum(t *testing.T) {
	router := newTestRouter(t, "")

	body := `{"type":"bogus","priority":"fast"}`
	req := httptest.NewRequest(http.MethodPost, "/submit", strings.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
}

func TestSubmitRejectsGet(t *testing.T) {
	router := newTestRouter(t, "")

	req := httptest.NewRequest(http.MethodGet, "/submit", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", w.Code)
	}
}

func TestSubmitPartialAdmissionReportsAdmittedTask(t *testing.T) {
	router := newTestRouter(t, "")

	// Fill the comprehensive queue to capacity.
	for i := 0; i < 10; i++ {
		req := httptest.NewRequest(http.MethodPost, "/submit",
			strings.NewReader(`{"type":"transcript_analysis","priority":"deep"}`))
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		if w.Code != http.StatusAccepted {
			t.Fatalf("Fill %d: expected 202, got %d", i, w.Code)
		}
	}

	// Dual submission: real_time admits, comprehensive is full.
	req := httptest.NewRequest(http.MethodPost, "/submit",
		strings.NewReader(`{"type":"transcript_analysis","priority":"fast","dual_pipeline":true}`))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected 503, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "real_time") {
		t.Errorf("Expected admitted real_time id in response: %s", w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "queue full") {
		t.Errorf("Expected queue full error in response: %s", w.Body.String())
	}
}

func TestAuthMiddleware(t *testing.T) {
	router := newTestRouter(t, "secret")

	req := httptest.NewRequest(http.MethodGet, "/metrics-snapshot", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without key, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/metrics-snapshot", nil)
	req.Header.Set("X-API-Key", "secret")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 with key, got %d", w.Code)
	}

	// Preflight requests bypass auth.
	req = httptest.NewRequest(http.MethodOptions, "/metrics-snapshot", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 for preflight, got %d", w.Code)
	}
}

func TestStatusNotFound(t *testing.T) {
	router := newTestRouter(t, "")

	req := httptest.NewRequest(http.MethodGet, "/status?id=missing", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

func TestCancelConflict(t *testing.T) {
	router := newTestRouter(t, "")

	req := httptest.NewRequest(http.MethodPost, "/cancel", strings.NewReader(`{"id":"missing"}`))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown task, got %d", w.Code)
	}
}

func TestSynchronizeEndpoint(t *testing.T) {
	router := newTestRouter(t, "")

	body := `{
		"real_time": {"summary":"x","confidence":0.7},
		"comprehensive": {"summary":"x","confidence":0.95},
		"data_type": "transcript_analysis",
		"sync_id": "manual-http"
	}`
	req := httptest.NewRequest(http.MethodPost, "/synchronize", strings.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "synchronized") {
		t.Errorf("Expected synchronized status: %s", w.Body.String())
	}
}
