package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/R3E-Network/ton_gateway/internal/tvm"
)

// Client is the JSON-RPC facade over the chain node. It exposes only the
// surface the gateway consumes: contract state, message broadcast and block
// retrieval.
type Client struct {
	mu         sync.RWMutex
	rpcURL     string
	httpClient *http.Client
}

// Config holds client configuration.
type Config struct {
	RPCURL  string
	Timeout time.Duration
}

// NewClient creates a node client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("RPC URL required")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		rpcURL: cfg.RPCURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// SetEndpoint switches the node URL, used on failover.
func (c *Client) SetEndpoint(rpcURL string) {
	c.mu.Lock()
	c.rpcURL = rpcURL
	c.mu.Unlock()
}

// =============================================================================
// Core RPC Methods
// =============================================================================

// Call makes a JSON-RPC call to the node.
func (c *Client) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	req := RPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      1,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.mu.RLock()
	rpcURL := c.rpcURL
	c.mu.RUnlock()

	httpReq, err := http.NewRequestWithContext(ctx, "POST", rpcURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var rpcResp RPCResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}

	return rpcResp.Result, nil
}

// GetContractState returns the account snapshot. Node implementations vary
// in field naming, so extraction is tolerant of the common spellings.
func (c *Client) GetContractState(ctx context.Context, addr *tvm.Address) (*ContractState, error) {
	result, err := c.Call(ctx, "getContractState", map[string]interface{}{
		"address": addr.String(),
	})
	if err != nil {
		return nil, err
	}

	doc := gjson.ParseBytes(result)
	state := &ContractState{
		Balance:             pick(doc, "balance", "account.balance").String(),
		LastTransactionLT:   pick(doc, "lastTransactionLt", "last_transaction_lt").Uint(),
		LastTransactionHash: pick(doc, "lastTransactionHash", "last_transaction_hash").String(),
		DataBOC:             pick(doc, "data", "dataBoc", "data_boc").String(),
		SyncUtime:           uint32(pick(doc, "syncUtime", "sync_utime").Uint()),
	}
	status := pick(doc, "status", "state", "account_state").String()
	switch status {
	case "active", "frozen":
		state.Deployed = true
	case "", "uninit", "uninitialized", "nonexist":
		state.Deployed = false
	default:
		state.Deployed = pick(doc, "deployed").Bool()
	}
	if state.Balance == "" {
		state.Balance = "0"
	}

	if tok := pick(doc, "token", "jetton"); tok.Exists() {
		state.Token = &TokenData{
			RootAddress:  pick(tok, "rootAddress", "root_address", "root").String(),
			OwnerAddress: pick(tok, "ownerAddress", "owner_address", "owner").String(),
			Balance:      pick(tok, "balance").String(),
		}
	}
	return state, nil
}

// SendMessage broadcasts a serialized external message.
func (c *Client) SendMessage(ctx context.Context, bocBase64 string) error {
	_, err := c.Call(ctx, "sendMessage", map[string]interface{}{
		"boc": bocBase64,
	})
	return err
}

// LatestBlock returns the newest masterchain block header the node knows.
func (c *Client) LatestBlock(ctx context.Context) (*Block, error) {
	result, err := c.Call(ctx, "getLatestBlock", nil)
	if err != nil {
		return nil, err
	}

	var block Block
	if err := json.Unmarshal(result, &block); err != nil {
		return nil, err
	}
	return &block, nil
}

// GetBlocksAfter returns the blocks following masterchain seqno afterSeqno,
// each carrying its account transactions. Per span the node emits the shard
// blocks first and the committing masterchain block last, so a consumer that
// checkpoints on masterchain blocks never skips a shard block.
func (c *Client) GetBlocksAfter(ctx context.Context, afterSeqno uint64) ([]Block, error) {
	result, err := c.Call(ctx, "getBlocks", map[string]interface{}{
		"afterSeqno": afterSeqno,
	})
	if err != nil {
		return nil, err
	}

	var blocks []Block
	if err := json.Unmarshal(result, &blocks); err != nil {
		return nil, err
	}
	return blocks, nil
}

// CurrentUtime returns the chain clock of the node's latest known block.
func (c *Client) CurrentUtime(ctx context.Context) (uint32, error) {
	block, err := c.LatestBlock(ctx)
	if err != nil {
		return 0, err
	}
	return block.GenUtime, nil
}

// pick returns the first existing field among the given paths.
func pick(doc gjson.Result, paths ...string) gjson.Result {
	for _, path := range paths {
		if v := doc.Get(path); v.Exists() {
			return v
		}
	}
	return gjson.Result{}
}
