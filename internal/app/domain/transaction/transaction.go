// Package transaction describes native transfers tracked by the gateway and
// the event rows that drive callbacks.
package transaction

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Direction distinguishes transfers initiated by the gateway from transfers
// observed on chain.
type Direction string

const (
	DirectionSend    Direction = "Send"
	DirectionReceive Direction = "Receive"
)

// Status is the lifecycle of a transaction row. Send rows start New and end
// in exactly one of the terminal states; Receive rows are created Done.
type Status string

const (
	StatusNew           Status = "New"
	StatusDone          Status = "Done"
	StatusPartiallyDone Status = "PartiallyDone"
	StatusError         Status = "Error"
)

// EventStatus tracks callback delivery for an event row.
type EventStatus string

const (
	EventStatusNew      EventStatus = "New"
	EventStatusNotified EventStatus = "Notified"
	EventStatusError    EventStatus = "Error"
)

// ParseEventStatus validates a client-supplied event status.
func ParseEventStatus(s string) (EventStatus, error) {
	switch EventStatus(s) {
	case EventStatusNew, EventStatusNotified, EventStatusError:
		return EventStatus(s), nil
	default:
		return "", fmt.Errorf("unknown event status %q", s)
	}
}

// Output is one requested transfer leg of a send, kept verbatim for audit.
type Output struct {
	Recipient string `json:"recipientAddress"`
	Value     string `json:"value"`
	Type      string `json:"outputType,omitempty"`
}

// Outputs is the original_outputs JSONB column.
type Outputs []Output

func (o Outputs) Value() (driver.Value, error) {
	if o == nil {
		return nil, nil
	}
	return json.Marshal(o)
}

func (o *Outputs) Scan(src interface{}) error {
	return scanJSON(src, o)
}

// Message is an observed out-message of a completed transaction.
type Message struct {
	Hash      string `json:"messageHash"`
	Recipient string `json:"recipientAddress,omitempty"`
	Value     string `json:"value"`
	Fee       string `json:"fee"`
}

// Messages is the messages JSONB column.
type Messages []Message

func (m Messages) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func (m *Messages) Scan(src interface{}) error {
	return scanJSON(src, m)
}

func scanJSON(src, dst interface{}) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, dst)
	case string:
		return json.Unmarshal([]byte(v), dst)
	default:
		return fmt.Errorf("cannot scan %T into json column", src)
	}
}

// Transaction is one native transfer of an account the gateway custodies.
// Currency amounts are decimal strings in the smallest unit; logical time
// and observed values stay nil until the chain confirms the transfer.
type Transaction struct {
	ID                    string     `db:"id" json:"id"`
	ServiceID             string     `db:"service_id" json:"-"`
	Workchain             int32      `db:"account_workchain_id" json:"accountWorkchainId"`
	Hex                   string     `db:"account_hex" json:"accountHex"`
	MessageHash           string     `db:"message_hash" json:"messageHash"`
	TransactionHash       *string    `db:"transaction_hash" json:"transactionHash,omitempty"`
	TransactionLT         *int64     `db:"transaction_lt" json:"transactionLt,omitempty,string"`
	TransactionTimestamp  *int64     `db:"transaction_timestamp" json:"transactionTimestamp,omitempty"`
	Direction             Direction  `db:"direction" json:"direction"`
	Status                Status     `db:"status" json:"status"`
	OriginalValue         *string    `db:"original_value" json:"originalValue,omitempty"`
	OriginalOutputs       Outputs    `db:"original_outputs" json:"originalOutputs,omitempty"`
	Value                 *string    `db:"value" json:"value,omitempty"`
	Fee                   *string    `db:"fee" json:"fee,omitempty"`
	BalanceChange         *string    `db:"balance_change" json:"balanceChange,omitempty"`
	Messages              Messages   `db:"messages" json:"messages,omitempty"`
	MultisigTransactionID *int64     `db:"multisig_transaction_id" json:"multisigTransactionId,omitempty,string"`
	Error                 *string    `db:"error" json:"error,omitempty"`
	ExpireAt              *time.Time `db:"expire_at" json:"-"`
	CreatedAt             time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt             time.Time  `db:"updated_at" json:"updatedAt"`
}

// Event is the callback row written in the same database transaction as any
// transaction state change. Fields are denormalized so a notification can be
// built from the event alone.
type Event struct {
	ID                string      `db:"id" json:"id"`
	ServiceID         string      `db:"service_id" json:"-"`
	TransactionID     string      `db:"transaction_id" json:"transactionId"`
	MessageHash       string      `db:"message_hash" json:"messageHash"`
	Workchain         int32       `db:"account_workchain_id" json:"accountWorkchainId"`
	Hex               string      `db:"account_hex" json:"accountHex"`
	BalanceChange     *string     `db:"balance_change" json:"balanceChange,omitempty"`
	Direction         Direction   `db:"transaction_direction" json:"transactionDirection"`
	TransactionStatus Status      `db:"transaction_status" json:"transactionStatus"`
	Status            EventStatus `db:"status" json:"status"`
	CreatedAt         time.Time   `db:"created_at" json:"createdAt"`
	UpdatedAt         time.Time   `db:"updated_at" json:"updatedAt"`
}
