package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/R3E-Network/ton_gateway/internal/app/domain/token"
	"github.com/R3E-Network/ton_gateway/internal/middleware"
)

// admin performs a request with the given bearer token; an empty token sends
// no Authorization header.
func (fx *fixture) admin(t *testing.T, bearer, method, path string, body interface{}) (int, testEnvelope) {
	t.Helper()

	var raw []byte
	if body != nil {
		var err error
		if raw, err = json.Marshal(body); err != nil {
			t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(method, fx.server.URL+path, bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	if raw != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := fx.server.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var env testEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("%s %s: decode envelope: %v", method, path, err)
	}
	return resp.StatusCode, env
}

func adminToken(t *testing.T) string {
	t.Helper()
	bearer, err := middleware.GenerateAdminToken(adminSecret, "ops", time.Hour)
	if err != nil {
		t.Fatalf("mint admin token: %v", err)
	}
	return bearer
}

func TestAdminRequiresBearerToken(t *testing.T) {
	fx := newFixture(t, nil)

	if status, _ := fx.admin(t, "", http.MethodPost, "/admin/services", createServiceRequest{Name: "x"}); status != http.StatusUnauthorized {
		t.Fatalf("missing token: status %d, want 401", status)
	}
	if status, _ := fx.admin(t, "garbage", http.MethodPost, "/admin/services", createServiceRequest{Name: "x"}); status != http.StatusUnauthorized {
		t.Fatalf("garbage token: status %d, want 401", status)
	}
	wrong, err := middleware.GenerateAdminToken("other-secret", "ops", time.Hour)
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	if status, _ := fx.admin(t, wrong, http.MethodPost, "/admin/services", createServiceRequest{Name: "x"}); status != http.StatusUnauthorized {
		t.Fatalf("wrongly signed token: status %d, want 401", status)
	}
}

func TestAdminServiceProvisioning(t *testing.T) {
	fx := newFixture(t, nil)
	bearer := adminToken(t)

	status, env := fx.admin(t, bearer, http.MethodPost, "/admin/services", createServiceRequest{Name: "exchange"})
	if status != http.StatusOK || env.Status != "Ok" {
		t.Fatalf("create service: status %d envelope %+v", status, env)
	}
	var created createServiceResponse
	if err := json.Unmarshal(env.Data, &created); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if created.Service.ID == "" || created.APIKey.Key == "" || created.APIKey.Secret == "" {
		t.Fatalf("created = %+v", created)
	}
	if created.APIKey.ServiceID != created.Service.ID {
		t.Fatalf("key service = %s, want %s", created.APIKey.ServiceID, created.Service.ID)
	}

	// The issued key works for signed business requests immediately.
	status, env = fx.signedAs(t, created.APIKey.Key, created.APIKey.Secret, http.MethodPost, "/ton/v3/address/check", checkRequest{Address: rootRaw})
	if status != http.StatusOK || env.Status != "Ok" {
		t.Fatalf("signed call with issued key: status %d envelope %+v", status, env)
	}

	// Additional keys attach to the same service.
	status, env = fx.admin(t, bearer, http.MethodPost, "/admin/services/"+created.Service.ID+"/keys", nil)
	if status != http.StatusOK || env.Status != "Ok" {
		t.Fatalf("create key: status %d envelope %+v", status, env)
	}
	var extra issuedKey
	if err := json.Unmarshal(env.Data, &extra); err != nil {
		t.Fatalf("decode extra key: %v", err)
	}
	if extra.Key == created.APIKey.Key || extra.ServiceID != created.Service.ID {
		t.Fatalf("extra key = %+v", extra)
	}

	// Unknown service ids are business misses.
	status, env = fx.admin(t, bearer, http.MethodPost, "/admin/services/nope/keys", nil)
	if status != http.StatusOK || env.Status != "Error" {
		t.Fatalf("unknown service: status %d envelope %+v", status, env)
	}

	// Duplicate names are rejected.
	status, env = fx.admin(t, bearer, http.MethodPost, "/admin/services", createServiceRequest{Name: "exchange"})
	if status != http.StatusBadRequest || env.Status != "Error" {
		t.Fatalf("duplicate name: status %d envelope %+v", status, env)
	}
}

func TestAdminSetCallback(t *testing.T) {
	fx := newFixture(t, nil)
	bearer := adminToken(t)

	status, env := fx.admin(t, bearer, http.MethodPut, "/admin/services/"+fx.svcID+"/callback", setCallbackRequest{
		URL:    "https://client.example/hooks/ton",
		Secret: "hook-secret",
	})
	if status != http.StatusOK || env.Status != "Ok" {
		t.Fatalf("set callback: status %d envelope %+v", status, env)
	}

	cb, err := fx.store.GetCallback(context.Background(), fx.svcID)
	if err != nil {
		t.Fatalf("get callback: %v", err)
	}
	if cb.URL != "https://client.example/hooks/ton" || cb.Secret != "hook-secret" {
		t.Fatalf("stored callback = %+v", cb)
	}

	// The secret never round-trips through the response.
	if bytes.Contains(env.Data, []byte("hook-secret")) {
		t.Fatalf("callback secret leaked: %s", env.Data)
	}

	if status, env := fx.admin(t, bearer, http.MethodPut, "/admin/services/"+fx.svcID+"/callback", setCallbackRequest{URL: "", Secret: ""}); status != http.StatusBadRequest || env.Status != "Error" {
		t.Fatalf("empty callback: status %d envelope %+v", status, env)
	}
}

func TestAdminTokenWhitelisting(t *testing.T) {
	fx := newFixture(t, nil)
	bearer := adminToken(t)

	status, env := fx.admin(t, bearer, http.MethodPost, "/admin/tokens", whitelistTokenRequest{Name: "Wrapped Coin", Address: rootRaw})
	if status != http.StatusOK || env.Status != "Ok" {
		t.Fatalf("whitelist: status %d envelope %+v", status, env)
	}

	status, env = fx.admin(t, bearer, http.MethodGet, "/admin/tokens", nil)
	if status != http.StatusOK || env.Status != "Ok" {
		t.Fatalf("list whitelist: status %d envelope %+v", status, env)
	}
	var roots []token.Whitelist
	if err := json.Unmarshal(env.Data, &roots); err != nil {
		t.Fatalf("decode whitelist: %v", err)
	}
	if len(roots) != 1 || roots[0].Name != "Wrapped Coin" || roots[0].Address != rootRaw {
		t.Fatalf("whitelist = %+v", roots)
	}

	if status, env := fx.admin(t, bearer, http.MethodPost, "/admin/tokens", whitelistTokenRequest{Name: "Again", Address: rootRaw}); status != http.StatusBadRequest || env.Status != "Error" {
		t.Fatalf("duplicate root: status %d envelope %+v", status, env)
	}

	if status, _ := fx.admin(t, bearer, http.MethodPost, "/admin/tokens", whitelistTokenRequest{Name: "Bad", Address: "xyz"}); status != http.StatusBadRequest {
		t.Fatalf("malformed root: status %d, want 400", status)
	}
}
