package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestAdminAuthRoundTrip(t *testing.T) {
	auth := NewAdminAuth("jwt-secret", quietLogger())

	token, err := GenerateAdminToken("jwt-secret", "ops@example.com", time.Hour)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}

	var gotUser string
	handler := auth.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, _ = GetAdminUser(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	r := httptest.NewRequest(http.MethodPost, "/admin/services", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", w.Code, w.Body.String())
	}
	if gotUser != "ops@example.com" {
		t.Fatalf("admin user = %q", gotUser)
	}
}

func TestAdminAuthRejections(t *testing.T) {
	auth := NewAdminAuth("jwt-secret", quietLogger())
	handler := auth.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	expired, err := GenerateAdminToken("jwt-secret", "ops", -time.Minute)
	if err != nil {
		t.Fatalf("generate expired token: %v", err)
	}
	foreign, err := GenerateAdminToken("other-secret", "ops", time.Hour)
	if err != nil {
		t.Fatalf("generate foreign token: %v", err)
	}

	cases := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"not bearer", "Basic abc"},
		{"garbage token", "Bearer not.a.jwt"},
		{"expired token", "Bearer " + expired},
		{"wrong secret", "Bearer " + foreign},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/admin/tokens", nil)
			if tc.header != "" {
				r.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, r)
			if w.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", w.Code)
			}
		})
	}
}
