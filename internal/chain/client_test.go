package chain

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func rpcServer(t *testing.T, handler func(method string, params json.RawMessage) (interface{}, *RPCError)) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			JSONRPC string          `json:"jsonrpc"`
			Method  string          `json:"method"`
			Params  json.RawMessage `json:"params"`
			ID      int             `json:"id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.JSONRPC != "2.0" {
			t.Errorf("jsonrpc = %q", req.JSONRPC)
		}
		result, rpcErr := handler(req.Method, req.Params)
		resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)

	client, err := NewClient(Config{RPCURL: srv.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestClientGetContractStateActive(t *testing.T) {
	client := rpcServer(t, func(method string, params json.RawMessage) (interface{}, *RPCError) {
		if method != "getContractState" {
			t.Errorf("method = %q", method)
		}
		var p struct {
			Address string `json:"address"`
		}
		_ = json.Unmarshal(params, &p)
		if p.Address != addrWith(0x01).String() {
			t.Errorf("address param = %q", p.Address)
		}
		return map[string]interface{}{
			"status":              "active",
			"balance":             "1500000000",
			"lastTransactionLt":   12345,
			"lastTransactionHash": "abc",
			"token": map[string]interface{}{
				"rootAddress":  addrWith(0xaa).String(),
				"ownerAddress": addrWith(0x01).String(),
				"balance":      "7",
			},
		}, nil
	})

	state, err := client.GetContractState(context.Background(), addrWith(0x01))
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if !state.Deployed {
		t.Fatal("active account must report deployed")
	}
	if state.Balance != "1500000000" {
		t.Fatalf("balance = %q", state.Balance)
	}
	if state.LastTransactionLT != 12345 {
		t.Fatalf("last lt = %d", state.LastTransactionLT)
	}
	if state.Token == nil || state.Token.Balance != "7" {
		t.Fatalf("token data = %+v", state.Token)
	}
}

func TestClientGetContractStateUninit(t *testing.T) {
	client := rpcServer(t, func(string, json.RawMessage) (interface{}, *RPCError) {
		return map[string]interface{}{"status": "uninit"}, nil
	})

	state, err := client.GetContractState(context.Background(), addrWith(0x01))
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if state.Deployed {
		t.Fatal("uninit account must not report deployed")
	}
	if state.Balance != "0" {
		t.Fatalf("balance = %q, want zero default", state.Balance)
	}
	if state.Token != nil {
		t.Fatalf("token data = %+v, want none", state.Token)
	}
}

func TestClientSendMessage(t *testing.T) {
	var sent string
	client := rpcServer(t, func(method string, params json.RawMessage) (interface{}, *RPCError) {
		if method != "sendMessage" {
			t.Errorf("method = %q", method)
		}
		var p struct {
			BOC string `json:"boc"`
		}
		_ = json.Unmarshal(params, &p)
		sent = p.BOC
		return map[string]interface{}{"ok": true}, nil
	})

	if err := client.SendMessage(context.Background(), "te6cc=="); err != nil {
		t.Fatalf("send: %v", err)
	}
	if sent != "te6cc==" {
		t.Fatalf("broadcast boc = %q", sent)
	}
}

func TestClientNodeError(t *testing.T) {
	client := rpcServer(t, func(string, json.RawMessage) (interface{}, *RPCError) {
		return nil, &RPCError{Code: -32000, Message: "message expired"}
	})

	err := client.SendMessage(context.Background(), "te6cc==")
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("err = %v, want *RPCError", err)
	}
	if rpcErr.Code != -32000 || rpcErr.Message != "message expired" {
		t.Fatalf("rpc error = %+v", rpcErr)
	}
}

func TestClientGetBlocksAfter(t *testing.T) {
	client := rpcServer(t, func(method string, params json.RawMessage) (interface{}, *RPCError) {
		if method != "getBlocks" {
			t.Errorf("method = %q", method)
		}
		var p struct {
			AfterSeqno uint64 `json:"afterSeqno"`
		}
		_ = json.Unmarshal(params, &p)
		if p.AfterSeqno != 41 {
			t.Errorf("afterSeqno = %d", p.AfterSeqno)
		}
		return []map[string]interface{}{
			{"id": map[string]interface{}{"workchain": 0, "seqno": 7}, "genUtime": 1000, "masterSeqno": 42},
			{"id": map[string]interface{}{"workchain": -1, "seqno": 42}, "genUtime": 1001, "isKeyBlock": true},
		}, nil
	})

	blocks, err := client.GetBlocksAfter(context.Background(), 41)
	if err != nil {
		t.Fatalf("get blocks: %v", err)
	}
	if len(blocks) != 2 {
		t.Fatalf("blocks = %d, want 2", len(blocks))
	}
	if blocks[0].IsMasterchain() || !blocks[1].IsMasterchain() {
		t.Fatal("workchain classification wrong")
	}
	if !blocks[1].IsKeyBlock || blocks[1].GenUtime != 1001 {
		t.Fatalf("master block = %+v", blocks[1])
	}
}
