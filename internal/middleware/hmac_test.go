package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/R3E-Network/ton_gateway/internal/app/domain/service"
	"github.com/R3E-Network/ton_gateway/internal/app/storage"
	"github.com/R3E-Network/ton_gateway/internal/app/storage/memory"
	"github.com/R3E-Network/ton_gateway/pkg/logger"
)

var testNow = time.Unix(1_700_000_000, 0).UTC()

func quietLogger() *logger.Logger {
	log := logger.NewDefault("test")
	log.SetOutput(io.Discard)
	return log
}

func seedKey(t *testing.T) (storage.ServiceStore, service.APIKey) {
	t.Helper()
	store := memory.New()
	svc, err := store.CreateService(context.Background(), service.Definition{Name: "payments"})
	if err != nil {
		t.Fatalf("create service: %v", err)
	}
	key, err := store.CreateAPIKey(context.Background(), service.APIKey{
		ServiceID: svc.ID,
		Key:       "key-1",
		Secret:    "super-secret",
	})
	if err != nil {
		t.Fatalf("create api key: %v", err)
	}
	return store, key
}

func newAuth(store storage.ServiceStore) *ServiceAuth {
	auth := NewServiceAuth(store, quietLogger())
	auth.now = func() time.Time { return testNow }
	return auth
}

// echoServiceID records the service id the middleware attached.
func echoServiceID(got *string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id, ok := GetServiceID(r.Context()); ok {
			*got = id
		}
		w.WriteHeader(http.StatusOK)
	})
}

func signedRequest(method, path, body string, key service.APIKey, at time.Time) *http.Request {
	var reader io.Reader
	signed := ""
	if method != http.MethodGet {
		reader = strings.NewReader(body)
		signed = body
	}
	r := httptest.NewRequest(method, path, reader)
	millis := at.UnixMilli()
	r.Header.Set("api-key", key.Key)
	r.Header.Set("timestamp", strconv.FormatInt(millis, 10))
	r.Header.Set("sign", Sign(key.Secret, millis, path, []byte(signed)))
	return r
}

func TestServiceAuthAcceptsSignedRequest(t *testing.T) {
	store, key := seedKey(t)
	auth := newAuth(store)

	var gotService string
	handler := auth.Handler(echoServiceID(&gotService))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, signedRequest(http.MethodPost, "/ton/v3/transactions", `{"limit":10}`, key, testNow))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", w.Code, w.Body.String())
	}
	if gotService != key.ServiceID {
		t.Fatalf("service id = %q, want %q", gotService, key.ServiceID)
	}
}

func TestServiceAuthSignsEmptyBodyForGet(t *testing.T) {
	store, key := seedKey(t)
	auth := newAuth(store)

	handler := auth.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, signedRequest(http.MethodGet, "/ton/v3/address/0:abc", "", key, testNow))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", w.Code, w.Body.String())
	}
}

func TestServiceAuthSkewBoundary(t *testing.T) {
	store, key := seedKey(t)
	auth := newAuth(store)
	handler := auth.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	cases := []struct {
		name string
		at   time.Time
		want int
	}{
		{"exactly 10s behind", testNow.Add(-10 * time.Second), http.StatusOK},
		{"exactly 10s ahead", testNow.Add(10 * time.Second), http.StatusOK},
		{"10.001s behind", testNow.Add(-10*time.Second - time.Millisecond), http.StatusUnauthorized},
		{"10.001s ahead", testNow.Add(10*time.Second + time.Millisecond), http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, signedRequest(http.MethodPost, "/ton/v3/events", `{}`, key, tc.at))
			if w.Code != tc.want {
				t.Fatalf("status = %d, want %d", w.Code, tc.want)
			}
		})
	}
}

func TestServiceAuthRejectsTamperedBody(t *testing.T) {
	store, key := seedKey(t)
	auth := newAuth(store)
	handler := auth.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	// Sign one body, send another differing by a single byte.
	r := signedRequest(http.MethodPost, "/ton/v3/transactions", `{"limit":10}`, key, testNow)
	r.Body = io.NopCloser(strings.NewReader(`{"limit":11}`))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestServiceAuthUniformRejection(t *testing.T) {
	store, key := seedKey(t)
	auth := newAuth(store)
	handler := auth.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	missing := httptest.NewRequest(http.MethodPost, "/ton/v3/events", strings.NewReader(`{}`))

	badSign := signedRequest(http.MethodPost, "/ton/v3/events", `{}`, key, testNow)
	badSign.Header.Set("sign", Sign("wrong-secret", testNow.UnixMilli(), "/ton/v3/events", []byte(`{}`)))

	unknownKey := signedRequest(http.MethodPost, "/ton/v3/events", `{}`, key, testNow)
	unknownKey.Header.Set("api-key", "no-such-key")

	var bodies []string
	for _, r := range []*http.Request{missing, badSign, unknownKey} {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", w.Code)
		}
		bodies = append(bodies, w.Body.String())
	}
	// Every failure mode must produce the identical response.
	for i := 1; i < len(bodies); i++ {
		if bodies[i] != bodies[0] {
			t.Fatalf("rejection bodies differ: %q vs %q", bodies[0], bodies[i])
		}
	}

	var envelope struct {
		Status       string `json:"status"`
		ErrorMessage string `json:"errorMessage"`
	}
	if err := json.Unmarshal([]byte(bodies[0]), &envelope); err != nil {
		t.Fatalf("unmarshal rejection: %v", err)
	}
	if envelope.Status != "Error" || envelope.ErrorMessage != "Unauthorized" {
		t.Fatalf("rejection envelope = %+v", envelope)
	}
}

type failingKeys struct {
	storage.ServiceStore
}

func (failingKeys) GetAPIKeyByKey(ctx context.Context, key string) (service.APIKey, error) {
	return service.APIKey{}, errors.New("connection refused")
}

func TestServiceAuthStorageOutageIsInternalError(t *testing.T) {
	_, key := seedKey(t)
	auth := newAuth(failingKeys{ServiceStore: memory.New()})
	handler := auth.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, signedRequest(http.MethodPost, "/ton/v3/events", `{}`, key, testNow))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	if !strings.Contains(w.Body.String(), "InternalError") {
		t.Fatalf("body = %s, want InternalError", w.Body.String())
	}
}

type countingKeys struct {
	storage.ServiceStore
	calls int
}

func (c *countingKeys) GetAPIKeyByKey(ctx context.Context, key string) (service.APIKey, error) {
	c.calls++
	return c.ServiceStore.GetAPIKeyByKey(ctx, key)
}

func TestServiceAuthCachesKeyLookups(t *testing.T) {
	store, key := seedKey(t)
	counting := &countingKeys{ServiceStore: store}
	auth := newAuth(counting)
	handler := auth.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, signedRequest(http.MethodPost, "/ton/v3/events", `{}`, key, testNow))
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d", i, w.Code)
		}
	}
	if counting.calls != 1 {
		t.Fatalf("store lookups = %d, want 1", counting.calls)
	}
}

func TestServiceAuthLeavesBodyReadable(t *testing.T) {
	store, key := seedKey(t)
	auth := newAuth(store)

	var seen string
	handler := auth.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		seen = string(body)
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, signedRequest(http.MethodPost, "/ton/v3/transactions", `{"limit":7}`, key, testNow))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if seen != `{"limit":7}` {
		t.Fatalf("handler saw body %q", seen)
	}
}
