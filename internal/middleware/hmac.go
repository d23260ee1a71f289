// Package middleware contains the gateway's HTTP middleware: HMAC request
// authentication for service routes, bearer-token auth for the admin surface,
// and per-key rate limiting.
package middleware

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/R3E-Network/ton_gateway/internal/app/storage"
	"github.com/R3E-Network/ton_gateway/pkg/logger"
)

// MaxSkew is how far a request timestamp may drift from server time, in
// either direction, before the request is rejected. A drift of exactly
// MaxSkew is still accepted.
const MaxSkew = 10 * time.Second

const maxSkewMillis = int64(MaxSkew / time.Millisecond)

type contextKey string

const (
	serviceIDKey contextKey = "service_id"
	adminUserKey contextKey = "admin_user"
)

// GetServiceID returns the authenticated service id attached by ServiceAuth.
func GetServiceID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(serviceIDKey).(string)
	return id, ok
}

// WithServiceID returns a context carrying the given service id. Requests
// normally get one from ServiceAuth; tests use this to call handlers
// directly.
func WithServiceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, serviceIDKey, id)
}

// Sign computes the request signature: base64 of
// HMAC-SHA256(secret, timestamp_ms || path || body). The same scheme covers
// inbound API requests and outbound callbacks.
func Sign(secret string, timestampMillis int64, path string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestampMillis, 10)))
	mac.Write([]byte(path))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

type keyEntry struct {
	serviceID string
	secret    string
}

// ServiceAuth verifies the api-key/timestamp/sign header triple on service
// routes and attaches the owning service id to the request context.
//
// Key records are fetched from the store once and then served from a
// process-local cache with no expiry, so revoking a key requires a restart.
type ServiceAuth struct {
	store storage.ServiceStore
	log   *logger.Logger
	now   func() time.Time

	mu    sync.Mutex
	cache map[string]keyEntry
}

// NewServiceAuth builds the verifier on top of the given key store.
func NewServiceAuth(store storage.ServiceStore, log *logger.Logger) *ServiceAuth {
	if log == nil {
		log = logger.NewDefault("auth")
	}
	return &ServiceAuth{
		store: store,
		log:   log,
		now:   time.Now,
		cache: make(map[string]keyEntry),
	}
}

// Handler enforces the signature scheme on every request passing through it.
func (a *ServiceAuth) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("api-key")
		rawTimestamp := r.Header.Get("timestamp")
		rawSign := r.Header.Get("sign")
		if key == "" || rawTimestamp == "" || rawSign == "" {
			a.reject(w, r, "missing auth header")
			return
		}

		millis, err := strconv.ParseInt(rawTimestamp, 10, 64)
		if err != nil {
			a.reject(w, r, "malformed timestamp")
			return
		}
		if skew := a.now().UnixMilli() - millis; skew > maxSkewMillis || skew < -maxSkewMillis {
			a.reject(w, r, "timestamp out of window")
			return
		}

		sig, err := base64.StdEncoding.DecodeString(rawSign)
		if err != nil {
			a.reject(w, r, "malformed signature")
			return
		}

		entry, err := a.lookup(r.Context(), key)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			a.reject(w, r, "unknown api key")
			return
		case err != nil:
			a.log.WithError(err).Error("api key lookup failed")
			respondError(w, http.StatusInternalServerError, "InternalError")
			return
		}

		body, err := requestBody(r)
		if err != nil {
			a.reject(w, r, "unreadable body")
			return
		}

		// The signed timestamp is the header's exact bytes, not a re-encoding
		// of the parsed value.
		mac := hmac.New(sha256.New, []byte(entry.secret))
		mac.Write([]byte(rawTimestamp))
		mac.Write([]byte(r.URL.Path))
		mac.Write(body)
		if !hmac.Equal(sig, mac.Sum(nil)) {
			a.reject(w, r, "signature mismatch")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithServiceID(r.Context(), entry.serviceID)))
	})
}

// reject logs the concrete reason server-side and answers with a uniform
// Unauthorized so the response does not reveal which check failed.
func (a *ServiceAuth) reject(w http.ResponseWriter, r *http.Request, reason string) {
	a.log.WithField("path", r.URL.Path).WithField("reason", reason).Debug("request rejected")
	respondError(w, http.StatusUnauthorized, "Unauthorized")
}

func (a *ServiceAuth) lookup(ctx context.Context, key string) (keyEntry, error) {
	a.mu.Lock()
	entry, ok := a.cache[key]
	a.mu.Unlock()
	if ok {
		return entry, nil
	}

	apiKey, err := a.store.GetAPIKeyByKey(ctx, key)
	if err != nil {
		return keyEntry{}, err
	}
	entry = keyEntry{serviceID: apiKey.ServiceID, secret: apiKey.Secret}

	a.mu.Lock()
	a.cache[key] = entry
	a.mu.Unlock()
	return entry, nil
}

// requestBody returns the bytes the signature covers: the empty string for
// GET, otherwise the exact received body. The body is restored afterwards so
// the handler can read it again.
func requestBody(r *http.Request) ([]byte, error) {
	if r.Method == http.MethodGet || r.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

func respondError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":       "Error",
		"errorMessage": message,
	})
}
