package storage

import (
	"context"
	"errors"
	"time"

	"github.com/R3E-Network/ton_gateway/internal/app/domain/chainstate"
	"github.com/R3E-Network/ton_gateway/internal/app/domain/service"
	"github.com/R3E-Network/ton_gateway/internal/app/domain/token"
	"github.com/R3E-Network/ton_gateway/internal/app/domain/transaction"
	"github.com/R3E-Network/ton_gateway/internal/app/domain/wallet"
)

var (
	// ErrNotFound is returned when the requested row does not exist or is
	// not visible to the requesting service.
	ErrNotFound = errors.New("storage: not found")
	// ErrAlreadyExists is returned on unique constraint violations.
	ErrAlreadyExists = errors.New("storage: already exists")
)

// MaxPageSize caps search result pages. Stores clamp larger requests.
const MaxPageSize = 100

// ServiceStore persists registered services, their API keys and callback
// destinations.
type ServiceStore interface {
	CreateService(ctx context.Context, def service.Definition) (service.Definition, error)
	GetService(ctx context.Context, id string) (service.Definition, error)
	ListServices(ctx context.Context) ([]service.Definition, error)

	CreateAPIKey(ctx context.Context, key service.APIKey) (service.APIKey, error)
	GetAPIKeyByKey(ctx context.Context, key string) (service.APIKey, error)
	ListAPIKeys(ctx context.Context, serviceID string) ([]service.APIKey, error)

	SetCallback(ctx context.Context, cb service.Callback) (service.Callback, error)
	GetCallback(ctx context.Context, serviceID string) (service.Callback, error)
}

// AddressStore persists custodial addresses.
type AddressStore interface {
	CreateAddress(ctx context.Context, addr wallet.Address) (wallet.Address, error)
	GetAddress(ctx context.Context, serviceID string, workchain int32, hex string) (wallet.Address, error)
	// LookupAddress finds an address regardless of owning service; the
	// chain observer is not scoped to a tenant.
	LookupAddress(ctx context.Context, workchain int32, hex string) (wallet.Address, error)
	ListAddresses(ctx context.Context, serviceID string) ([]wallet.Address, error)
	ListAllAddresses(ctx context.Context) ([]wallet.Address, error)
	UpdateAddressBalance(ctx context.Context, workchain int32, hex string, balance string, deployed bool) error
}

// SentUpdate carries the chain-observed completion of a Send row.
type SentUpdate struct {
	TransactionHash       string
	TransactionLT         int64
	TransactionTimestamp  int64
	Status                transaction.Status
	Value                 string
	Fee                   string
	BalanceChange         string
	Messages              transaction.Messages
	MultisigTransactionID *int64
	Error                 *string
}

// TransactionFilter narrows transaction searches. Nil fields are ignored.
type TransactionFilter struct {
	MessageHash     *string
	TransactionHash *string
	Workchain       *int32
	Hex             *string
	Direction       *transaction.Direction
	Status          *transaction.Status
	CreatedAfter    *time.Time
	CreatedBefore   *time.Time
	Limit           int
	Offset          int
}

// TransactionStore persists native transfers. Every mutation inserts the
// matching event row in the same database transaction.
type TransactionStore interface {
	CreateTransaction(ctx context.Context, tx transaction.Transaction) (transaction.Transaction, transaction.Event, error)
	GetTransaction(ctx context.Context, serviceID, id string) (transaction.Transaction, error)
	GetTransactionByMessageHash(ctx context.Context, serviceID, messageHash string) (transaction.Transaction, error)
	GetTransactionByHash(ctx context.Context, serviceID, transactionHash string) (transaction.Transaction, error)
	SearchTransactions(ctx context.Context, serviceID string, f TransactionFilter) ([]transaction.Transaction, error)
	// UpdateSentTransaction finalizes the pending Send identified by the
	// external message hash. Only rows still in StatusNew are updated;
	// ErrNotFound reports an already-resolved or unknown message.
	UpdateSentTransaction(ctx context.Context, messageHash string, upd SentUpdate) (transaction.Transaction, transaction.Event, error)
	// FailSentTransaction moves a still-pending Send to StatusError.
	FailSentTransaction(ctx context.Context, messageHash, reason string) (transaction.Transaction, transaction.Event, error)
	// ListExpiredPending returns Send rows still New whose expiry passed.
	ListExpiredPending(ctx context.Context, now time.Time) ([]transaction.Transaction, error)
	// FindByOutMessageHash locates the transaction that emitted the given
	// out-message.
	FindByOutMessageHash(ctx context.Context, messageHash string) (transaction.Transaction, error)
}

// TokenSentUpdate carries the observed completion of a token Send row.
type TokenSentUpdate struct {
	MessageHash          string
	TransactionHash      string
	TransactionTimestamp int64
	Status               transaction.Status
	Value                string
	Error                *string
}

// TokenTransactionStore persists token transfers and the root whitelist.
type TokenTransactionStore interface {
	CreateTokenTransaction(ctx context.Context, tx token.Transaction) (token.Transaction, token.Event, error)
	GetTokenTransaction(ctx context.Context, serviceID, id string) (token.Transaction, error)
	GetTokenTransactionByMessageHash(ctx context.Context, serviceID, messageHash string) (token.Transaction, error)
	// CompleteTokenSend resolves the pending token Send whose owner wallet
	// emitted inMessageHash. The owning native transaction row is locked
	// while the link is resolved so concurrent observers cannot race.
	CompleteTokenSend(ctx context.Context, inMessageHash string, upd TokenSentUpdate) (token.Transaction, token.Event, error)
	// CreateTokenReceive records an inbound transfer, linking
	// owner_message_hash when inMessageHash belongs to a tracked native
	// transaction.
	CreateTokenReceive(ctx context.Context, tx token.Transaction, inMessageHash string) (token.Transaction, token.Event, error)
	ListExpiredPendingTokens(ctx context.Context, now time.Time) ([]token.Transaction, error)
	FailTokenTransaction(ctx context.Context, id, reason string) (token.Transaction, token.Event, error)
	// FailLatestTokenSend marks the newest Send row of (account, root,
	// value) as failed. Bounced transfers return to the owner's token
	// wallet without any hash that links to the original row, so the
	// match is by content.
	FailLatestTokenSend(ctx context.Context, workchain int32, hex, rootAddress, value, reason string) (token.Transaction, token.Event, error)

	ListTokenWhitelist(ctx context.Context) ([]token.Whitelist, error)
	AddTokenRoot(ctx context.Context, entry token.Whitelist) (token.Whitelist, error)
}

// EventFilter narrows event searches. Nil fields are ignored.
type EventFilter struct {
	TransactionID *string
	MessageHash   *string
	Direction     *transaction.Direction
	Status        *transaction.EventStatus
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	Limit         int
	Offset        int
}

// EventStore reads and re-drives callback event rows.
type EventStore interface {
	GetEvent(ctx context.Context, serviceID, id string) (transaction.Event, error)
	ListPendingEvents(ctx context.Context, limit int) ([]transaction.Event, error)
	SearchEvents(ctx context.Context, serviceID string, f EventFilter) ([]transaction.Event, error)
	MarkEvent(ctx context.Context, serviceID, id string, status transaction.EventStatus) (transaction.Event, error)
	MarkEvents(ctx context.Context, serviceID string, from, to transaction.EventStatus) (int64, error)

	ListPendingTokenEvents(ctx context.Context, limit int) ([]token.Event, error)
	SearchTokenEvents(ctx context.Context, serviceID string, f EventFilter) ([]token.Event, error)
	MarkTokenEvent(ctx context.Context, serviceID, id string, status transaction.EventStatus) (token.Event, error)
	MarkTokenEvents(ctx context.Context, serviceID string, from, to transaction.EventStatus) (int64, error)
}

// KeyBlockStore persists the subscriber resume cursor.
type KeyBlockStore interface {
	GetLastKeyBlock(ctx context.Context) (chainstate.KeyBlock, error)
	SetLastKeyBlock(ctx context.Context, kb chainstate.KeyBlock) error
}

// Store is the full persistence surface of the gateway.
type Store interface {
	ServiceStore
	AddressStore
	TransactionStore
	TokenTransactionStore
	EventStore
	KeyBlockStore
}
