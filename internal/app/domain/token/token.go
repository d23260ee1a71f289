// Package token describes token transfers routed through derived token
// wallets and the whitelist of root contracts the gateway serves.
package token

import (
	"time"

	"github.com/R3E-Network/ton_gateway/internal/app/domain/transaction"
)

// Transaction is one token transfer of a custodial owner account. The
// account columns reference the owner wallet, not the derived token wallet;
// Value is the token amount as a decimal string.
type Transaction struct {
	ID                   string                `db:"id" json:"id"`
	ServiceID            string                `db:"service_id" json:"-"`
	Workchain            int32                 `db:"account_workchain_id" json:"accountWorkchainId"`
	Hex                  string                `db:"account_hex" json:"accountHex"`
	RootAddress          string                `db:"root_address" json:"rootAddress"`
	MessageHash          string                `db:"message_hash" json:"messageHash"`
	OwnerMessageHash     *string               `db:"owner_message_hash" json:"ownerMessageHash,omitempty"`
	TransactionHash      *string               `db:"transaction_hash" json:"transactionHash,omitempty"`
	TransactionTimestamp *int64                `db:"transaction_timestamp" json:"transactionTimestamp,omitempty"`
	Value                string                `db:"value" json:"value"`
	Counterparty         *string               `db:"counterparty" json:"counterparty,omitempty"`
	Direction            transaction.Direction `db:"direction" json:"direction"`
	Status               transaction.Status    `db:"status" json:"status"`
	Error                *string               `db:"error" json:"error,omitempty"`
	ExpireAt             *time.Time            `db:"expire_at" json:"-"`
	CreatedAt            time.Time             `db:"created_at" json:"createdAt"`
	UpdatedAt            time.Time             `db:"updated_at" json:"updatedAt"`
}

// Event mirrors transaction.Event for token transfers.
type Event struct {
	ID                string                  `db:"id" json:"id"`
	ServiceID         string                  `db:"service_id" json:"-"`
	TransactionID     string                  `db:"token_transaction_id" json:"tokenTransactionId"`
	MessageHash       string                  `db:"message_hash" json:"messageHash"`
	Workchain         int32                   `db:"account_workchain_id" json:"accountWorkchainId"`
	Hex               string                  `db:"account_hex" json:"accountHex"`
	RootAddress       string                  `db:"root_address" json:"rootAddress"`
	Value             string                  `db:"value" json:"value"`
	Direction         transaction.Direction   `db:"transaction_direction" json:"transactionDirection"`
	TransactionStatus transaction.Status      `db:"transaction_status" json:"transactionStatus"`
	Status            transaction.EventStatus `db:"status" json:"status"`
	CreatedAt         time.Time               `db:"created_at" json:"createdAt"`
	UpdatedAt         time.Time               `db:"updated_at" json:"updatedAt"`
}

// Whitelist is a root contract the gateway accepts token operations for.
type Whitelist struct {
	Name      string    `db:"name" json:"name"`
	Address   string    `db:"address" json:"address"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}
