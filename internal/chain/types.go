// Package chain talks to the TON-family node: an RPC facade for contract
// state and message broadcast, a block stream, the per-account subscriber,
// and the pending-message queue that correlates broadcasts with observed
// transactions.
package chain

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/R3E-Network/ton_gateway/internal/tvm"
)

// RPCRequest is the JSON-RPC 2.0 request envelope.
type RPCRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  interface{}   `json:"params,omitempty"`
	ID      int           `json:"id"`
}

// RPCResponse is the JSON-RPC 2.0 response envelope.
type RPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error,omitempty"`
	ID      int             `json:"id"`
}

// RPCError is a node-side failure.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("node rpc error %d: %s", e.Code, e.Message)
}

// BlockID identifies a block within its chain.
type BlockID struct {
	Workchain int32  `json:"workchain"`
	Shard     string `json:"shard"`
	Seqno     uint64 `json:"seqno"`
	RootHash  string `json:"rootHash"`
}

func (id BlockID) String() string {
	return fmt.Sprintf("(%d,%s,%d)", id.Workchain, id.Shard, id.Seqno)
}

// Block is a delivered block with the account transactions it contains.
type Block struct {
	ID           BlockID          `json:"id"`
	GenUtime     uint32           `json:"genUtime"`
	IsKeyBlock   bool             `json:"isKeyBlock"`
	MasterSeqno  uint64           `json:"masterSeqno"`
	Transactions []RawTransaction `json:"transactions"`
}

// IsMasterchain reports whether the block belongs to the masterchain.
func (b *Block) IsMasterchain() bool { return b.ID.Workchain == -1 }

// MessageType distinguishes the three message kinds on the wire.
type MessageType string

const (
	MessageInternal    MessageType = "internal"
	MessageExternalIn  MessageType = "externalIn"
	MessageExternalOut MessageType = "externalOut"
)

// RawMessage is a transaction's inbound or outbound message as reported by
// the node.
type RawMessage struct {
	Type        MessageType `json:"type"`
	Hash        string      `json:"hash"`
	Source      string      `json:"source,omitempty"`
	Destination string      `json:"destination,omitempty"`
	Value       string      `json:"value,omitempty"`
	FwdFee      string      `json:"fwdFee,omitempty"`
	Bounce      bool        `json:"bounce"`
	Bounced     bool        `json:"bounced"`
	BodyBOC     string      `json:"bodyBoc,omitempty"`
	CreatedLT   uint64      `json:"createdLt"`
}

// ValueGrams parses the message value. Empty means zero.
func (m *RawMessage) ValueGrams() (*big.Int, error) {
	return parseGrams(m.Value)
}

// FwdFeeGrams parses the forwarding fee. Empty means zero.
func (m *RawMessage) FwdFeeGrams() (*big.Int, error) {
	return parseGrams(m.FwdFee)
}

// Body decodes the message body cell, nil when absent.
func (m *RawMessage) Body() (*tvm.Cell, error) {
	if m.BodyBOC == "" {
		return nil, nil
	}
	return tvm.ParseBOCBase64(m.BodyBOC)
}

// DescriptionType is the transaction description kind; only ordinary
// transactions participate in parsing.
type DescriptionType string

const (
	DescriptionOrdinary DescriptionType = "ordinary"
	DescriptionTickTock DescriptionType = "tickTock"
)

// RawTransaction is an account transaction as reported by the node.
type RawTransaction struct {
	Account     string          `json:"account"`
	Hash        string          `json:"hash"`
	LT          uint64          `json:"lt"`
	Now         uint32          `json:"now"`
	TotalFees   string          `json:"totalFees"`
	Aborted     bool            `json:"aborted"`
	Description DescriptionType `json:"description"`
	InMsg       *RawMessage     `json:"inMsg,omitempty"`
	OutMsgs     []RawMessage    `json:"outMsgs,omitempty"`
}

// TotalFeesGrams parses the aggregate fee of the transaction.
func (t *RawTransaction) TotalFeesGrams() (*big.Int, error) {
	return parseGrams(t.TotalFees)
}

// TokenData is the decoded token-wallet state attached to contract states
// of token wallet accounts.
type TokenData struct {
	RootAddress  string `json:"rootAddress"`
	OwnerAddress string `json:"ownerAddress"`
	Balance      string `json:"balance"`
}

// ContractState is the facade's account snapshot.
type ContractState struct {
	Deployed            bool       `json:"deployed"`
	Balance             string     `json:"balance"`
	LastTransactionLT   uint64     `json:"lastTransactionLt"`
	LastTransactionHash string     `json:"lastTransactionHash"`
	DataBOC             string     `json:"dataBoc,omitempty"`
	Token               *TokenData `json:"token,omitempty"`
	SyncUtime           uint32     `json:"syncUtime"`
}

// BalanceGrams parses the account balance.
func (s *ContractState) BalanceGrams() (*big.Int, error) {
	return parseGrams(s.Balance)
}

// DataCell decodes the persisted data cell, nil when the account holds none.
func (s *ContractState) DataCell() (*tvm.Cell, error) {
	if s.DataBOC == "" {
		return nil, nil
	}
	return tvm.ParseBOCBase64(s.DataBOC)
}

// AccountState converts to the builder-facing snapshot.
func (s *ContractState) AccountState() (*tvm.AccountState, error) {
	if s == nil {
		return &tvm.AccountState{}, nil
	}
	data, err := s.DataCell()
	if err != nil {
		return nil, err
	}
	return &tvm.AccountState{Deployed: s.Deployed, Data: data}, nil
}

func parseGrams(s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("chain: malformed grams value %q", s)
	}
	return v, nil
}
