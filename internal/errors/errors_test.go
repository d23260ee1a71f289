package errors

import (
	"fmt"
	"net/http"
	"testing"
)

func TestGetServiceErrorUnwrapsChain(t *testing.T) {
	base := WrongInput("bad address")
	wrapped := fmt.Errorf("create address: %w", base)

	se := GetServiceError(wrapped)
	if se == nil {
		t.Fatal("expected service error in chain")
	}
	if se.Code != ErrCodeWrongInput {
		t.Fatalf("code = %s, want %s", se.Code, ErrCodeWrongInput)
	}
	if se.HTTPStatus != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", se.HTTPStatus, http.StatusBadRequest)
	}
}

func TestGetServiceErrorNilOnPlainError(t *testing.T) {
	if se := GetServiceError(fmt.Errorf("plain")); se != nil {
		t.Fatalf("expected nil, got %v", se)
	}
}

func TestStatusMapping(t *testing.T) {
	cases := []struct {
		err  *ServiceError
		want int
	}{
		{Unauthorized("nope"), http.StatusUnauthorized},
		{WrongInput("bad"), http.StatusBadRequest},
		{InvalidFormat("body", "not json"), http.StatusUnprocessableEntity},
		{NotFound("transaction"), http.StatusOK},
		{Chain("account not deployed"), http.StatusOK},
		{Internal("boom", nil), http.StatusInternalServerError},
		{RateLimitExceeded(10, "1s"), http.StatusTooManyRequests},
	}
	for _, tc := range cases {
		if tc.err.HTTPStatus != tc.want {
			t.Errorf("%s: status = %d, want %d", tc.err.Code, tc.err.HTTPStatus, tc.want)
		}
	}
}

func TestWithDetailsChains(t *testing.T) {
	se := InvalidToken(nil).WithDetails("method", "none").WithDetails("reason", "missing")
	if se.Details["method"] != "none" || se.Details["reason"] != "missing" {
		t.Fatalf("details not accumulated: %v", se.Details)
	}
}

func TestInternalKeepsCause(t *testing.T) {
	cause := fmt.Errorf("pq: connection refused")
	se := Internal("storage unavailable", cause)
	if se.Unwrap() != cause {
		t.Fatal("cause not preserved")
	}
}
