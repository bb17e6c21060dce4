package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAuth_RejectsMissingUserID(t *testing.T) {
	handler := Auth()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("Handler should not run without an identity")
	}))

	for _, header := range []string{"", "   "} {
		req := httptest.NewRequest("GET", "/api/projects", nil)
		if header != "" {
			req.Header.Set("X-User-Id", header)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Errorf("Expected 401 for header %q, got %d", header, rec.Code)
		}
		if body := rec.Body.String(); body != `{"error":"Authentication required"}` {
			t.Errorf("Unexpected body %q", body)
		}
	}
}

func TestAuth_PassesUserIDThroughContext(t *testing.T) {
	var seen string
	handler := Auth()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetUserID(r.Context())
	}))

	req := httptest.NewRequest("GET", "/api/projects", nil)
	req.Header.Set("X-User-Id", "user-1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", rec.Code)
	}
	if seen != "user-1" {
		t.Errorf("Expected user-1 in context, got %q", seen)
	}
}

func TestGetUserID_Fallbacks(t *testing.T) {
	if got := GetUserID(context.Background()); got != "" {
		t.Errorf("Expected empty user ID, got %q", got)
	}
	if got := GetUserID(WithUserID(context.Background(), "user-2")); got != "user-2" {
		t.Errorf("Expected user-2, got %q", got)
	}
}
