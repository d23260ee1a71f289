package app

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/R3E-Network/ton_gateway/internal/config"
	"github.com/R3E-Network/ton_gateway/pkg/logger"
)

func quietLogger() *logger.Logger {
	log := logger.NewDefault("test")
	log.SetOutput(io.Discard)
	return log
}

// fakeNode answers the RPC methods the wired application touches: contract
// state lookups and the block polling the stream falls back to without a
// socket URL.
func fakeNode(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string `json:"method"`
			ID     int    `json:"id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode rpc request: %v", err)
		}
		var result interface{}
		switch req.Method {
		case "getContractState":
			result = map[string]interface{}{"status": "uninit", "balance": "0"}
		case "getLatestBlock":
			result = map[string]interface{}{"seqno": 1, "genUtime": 1700000000}
		case "getBlocks":
			result = []interface{}{}
		default:
			t.Errorf("unexpected rpc method %q", req.Method)
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result":  result,
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Node.RPCURL = fakeNode(t).URL
	cfg.Keystore.MasterSecret = strings.Repeat("ab", 32)
	cfg.Admin.JWTSecret = "test-admin-secret"
	cfg.Database.URL = "postgres://unused"
	return cfg
}

func TestApplicationLifecycle(t *testing.T) {
	app, err := New(testConfig(t), nil, quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := context.Background()
	if err := app.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := app.Start(ctx); err == nil {
		t.Fatal("second Start should fail")
	}

	srv := httptest.NewServer(app.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthcheck")
	if err != nil {
		t.Fatalf("healthcheck: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthcheck status = %d", resp.StatusCode)
	}

	// The business API is reachable but guarded.
	resp, err = http.Post(srv.URL+"/ton/v3/address/check", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("unsigned request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unsigned request status = %d, want 401", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d", resp.StatusCode)
	}

	if err := app.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := app.Stop(ctx); err != nil {
		t.Fatalf("repeat Stop: %v", err)
	}
}

func TestApplicationRequiresNodeURL(t *testing.T) {
	cfg := testConfig(t)
	cfg.Node.RPCURL = ""
	if _, err := New(cfg, nil, quietLogger()); err == nil {
		t.Fatal("New should fail without a node URL")
	}
}

func TestApplicationRejectsBadMasterSecret(t *testing.T) {
	cfg := testConfig(t)
	cfg.Keystore.MasterSecret = "not-hex"
	if _, err := New(cfg, nil, quietLogger()); err == nil {
		t.Fatal("New should fail on a malformed master secret")
	}
}
