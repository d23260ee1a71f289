// Package memory implements the storage interfaces with in-process maps.
// It backs tests and local development where PostgreSQL is unavailable and
// mirrors the uniqueness rules the SQL schema enforces.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/ton_gateway/internal/app/domain/chainstate"
	"github.com/R3E-Network/ton_gateway/internal/app/domain/service"
	"github.com/R3E-Network/ton_gateway/internal/app/domain/token"
	"github.com/R3E-Network/ton_gateway/internal/app/domain/transaction"
	"github.com/R3E-Network/ton_gateway/internal/app/domain/wallet"
	"github.com/R3E-Network/ton_gateway/internal/app/storage"
)

// Store is a thread-safe in-memory implementation of storage.Store.
type Store struct {
	mu sync.RWMutex

	services  map[string]service.Definition
	apiKeys   map[string]service.APIKey
	callbacks map[string]service.Callback

	addresses map[string]wallet.Address

	transactions map[string]transaction.Transaction
	txOrder      []string
	events       map[string]transaction.Event
	eventOrder   []string

	tokenTransactions map[string]token.Transaction
	tokenTxOrder      []string
	tokenEvents       map[string]token.Event
	tokenEventOrder   []string

	whitelist map[string]token.Whitelist

	keyBlock *chainstate.KeyBlock
}

var _ storage.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		services:          make(map[string]service.Definition),
		apiKeys:           make(map[string]service.APIKey),
		callbacks:         make(map[string]service.Callback),
		addresses:         make(map[string]wallet.Address),
		transactions:      make(map[string]transaction.Transaction),
		events:            make(map[string]transaction.Event),
		tokenTransactions: make(map[string]token.Transaction),
		tokenEvents:       make(map[string]token.Event),
		whitelist:         make(map[string]token.Whitelist),
	}
}

// --- ServiceStore -----------------------------------------------------------

func (s *Store) CreateService(ctx context.Context, def service.Definition) (service.Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	if _, ok := s.services[def.ID]; ok {
		return service.Definition{}, fmt.Errorf("service %s: %w", def.ID, storage.ErrAlreadyExists)
	}
	for _, existing := range s.services {
		if existing.Name == def.Name {
			return service.Definition{}, fmt.Errorf("service name %q: %w", def.Name, storage.ErrAlreadyExists)
		}
	}
	def.CreatedAt = time.Now().UTC()
	s.services[def.ID] = def
	return def, nil
}

func (s *Store) GetService(ctx context.Context, id string) (service.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	def, ok := s.services[id]
	if !ok {
		return service.Definition{}, fmt.Errorf("service %s: %w", id, storage.ErrNotFound)
	}
	return def, nil
}

func (s *Store) ListServices(ctx context.Context) ([]service.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	defs := make([]service.Definition, 0, len(s.services))
	for _, def := range s.services {
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].CreatedAt.Before(defs[j].CreatedAt) })
	return defs, nil
}

func (s *Store) CreateAPIKey(ctx context.Context, key service.APIKey) (service.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if key.ID == "" {
		key.ID = uuid.NewString()
	}
	if _, ok := s.apiKeys[key.ID]; ok {
		return service.APIKey{}, fmt.Errorf("api key %s: %w", key.ID, storage.ErrAlreadyExists)
	}
	for _, existing := range s.apiKeys {
		if existing.Key == key.Key {
			return service.APIKey{}, fmt.Errorf("api key: %w", storage.ErrAlreadyExists)
		}
	}
	key.CreatedAt = time.Now().UTC()
	s.apiKeys[key.ID] = key
	return key, nil
}

func (s *Store) GetAPIKeyByKey(ctx context.Context, apiKey string) (service.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, key := range s.apiKeys {
		if key.Key == apiKey {
			return key, nil
		}
	}
	return service.APIKey{}, fmt.Errorf("api key: %w", storage.ErrNotFound)
}

func (s *Store) ListAPIKeys(ctx context.Context, serviceID string) ([]service.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []service.APIKey
	for _, key := range s.apiKeys {
		if key.ServiceID == serviceID {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].CreatedAt.Before(keys[j].CreatedAt) })
	return keys, nil
}

func (s *Store) SetCallback(ctx context.Context, cb service.Callback) (service.Callback, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cb.UpdatedAt = time.Now().UTC()
	s.callbacks[cb.ServiceID] = cb
	return cb, nil
}

func (s *Store) GetCallback(ctx context.Context, serviceID string) (service.Callback, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cb, ok := s.callbacks[serviceID]
	if !ok {
		return service.Callback{}, fmt.Errorf("callback for service %s: %w", serviceID, storage.ErrNotFound)
	}
	return cb, nil
}

// --- AddressStore -----------------------------------------------------------

func addressKey(workchain int32, hex string) string {
	return fmt.Sprintf("%d:%s", workchain, hex)
}

func (s *Store) CreateAddress(ctx context.Context, addr wallet.Address) (wallet.Address, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := addressKey(addr.Workchain, addr.Hex)
	if _, ok := s.addresses[key]; ok {
		return wallet.Address{}, fmt.Errorf("address %s: %w", key, storage.ErrAlreadyExists)
	}
	if addr.ID == "" {
		addr.ID = uuid.NewString()
	}
	if addr.Balance == "" {
		addr.Balance = "0"
	}
	now := time.Now().UTC()
	addr.CreatedAt = now
	addr.UpdatedAt = now
	s.addresses[key] = cloneAddress(addr)
	return addr, nil
}

func (s *Store) GetAddress(ctx context.Context, serviceID string, workchain int32, hex string) (wallet.Address, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	addr, ok := s.addresses[addressKey(workchain, hex)]
	if !ok || addr.ServiceID != serviceID {
		return wallet.Address{}, fmt.Errorf("address %d:%s: %w", workchain, hex, storage.ErrNotFound)
	}
	return cloneAddress(addr), nil
}

func (s *Store) LookupAddress(ctx context.Context, workchain int32, hex string) (wallet.Address, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	addr, ok := s.addresses[addressKey(workchain, hex)]
	if !ok {
		return wallet.Address{}, fmt.Errorf("address %d:%s: %w", workchain, hex, storage.ErrNotFound)
	}
	return cloneAddress(addr), nil
}

func (s *Store) ListAddresses(ctx context.Context, serviceID string) ([]wallet.Address, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var addrs []wallet.Address
	for _, addr := range s.addresses {
		if addr.ServiceID == serviceID {
			addrs = append(addrs, cloneAddress(addr))
		}
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].CreatedAt.Before(addrs[j].CreatedAt) })
	return addrs, nil
}

func (s *Store) ListAllAddresses(ctx context.Context) ([]wallet.Address, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	addrs := make([]wallet.Address, 0, len(s.addresses))
	for _, addr := range s.addresses {
		addrs = append(addrs, cloneAddress(addr))
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].CreatedAt.Before(addrs[j].CreatedAt) })
	return addrs, nil
}

func (s *Store) UpdateAddressBalance(ctx context.Context, workchain int32, hex, balance string, deployed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := addressKey(workchain, hex)
	addr, ok := s.addresses[key]
	if !ok {
		return fmt.Errorf("address %s: %w", key, storage.ErrNotFound)
	}
	addr.Balance = balance
	addr.Deployed = deployed
	addr.UpdatedAt = time.Now().UTC()
	s.addresses[key] = addr
	return nil
}

// --- TransactionStore -------------------------------------------------------

func (s *Store) CreateTransaction(ctx context.Context, tx transaction.Transaction) (transaction.Transaction, transaction.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	if _, ok := s.transactions[tx.ID]; ok {
		return transaction.Transaction{}, transaction.Event{}, fmt.Errorf("transaction %s: %w", tx.ID, storage.ErrAlreadyExists)
	}
	for _, existing := range s.transactions {
		if existing.MessageHash == tx.MessageHash && existing.Direction == tx.Direction {
			return transaction.Transaction{}, transaction.Event{}, fmt.Errorf("transaction message %s: %w", tx.MessageHash, storage.ErrAlreadyExists)
		}
	}
	now := time.Now().UTC()
	tx.CreatedAt = now
	tx.UpdatedAt = now
	s.transactions[tx.ID] = cloneTransaction(tx)
	s.txOrder = append(s.txOrder, tx.ID)
	ev := s.appendEventLocked(tx)
	return tx, ev, nil
}

func (s *Store) GetTransaction(ctx context.Context, serviceID, id string) (transaction.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.transactions[id]
	if !ok || tx.ServiceID != serviceID {
		return transaction.Transaction{}, fmt.Errorf("transaction %s: %w", id, storage.ErrNotFound)
	}
	return cloneTransaction(tx), nil
}

func (s *Store) GetTransactionByMessageHash(ctx context.Context, serviceID, messageHash string) (transaction.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, id := range s.txOrder {
		tx := s.transactions[id]
		if tx.ServiceID == serviceID && tx.MessageHash == messageHash {
			return cloneTransaction(tx), nil
		}
	}
	return transaction.Transaction{}, fmt.Errorf("transaction message %s: %w", messageHash, storage.ErrNotFound)
}

func (s *Store) GetTransactionByHash(ctx context.Context, serviceID, transactionHash string) (transaction.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, id := range s.txOrder {
		tx := s.transactions[id]
		if tx.ServiceID == serviceID && tx.TransactionHash != nil && *tx.TransactionHash == transactionHash {
			return cloneTransaction(tx), nil
		}
	}
	return transaction.Transaction{}, fmt.Errorf("transaction hash %s: %w", transactionHash, storage.ErrNotFound)
}

func (s *Store) SearchTransactions(ctx context.Context, serviceID string, f storage.TransactionFilter) ([]transaction.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []transaction.Transaction
	for _, id := range s.txOrder {
		tx := s.transactions[id]
		if tx.ServiceID != serviceID {
			continue
		}
		if f.MessageHash != nil && tx.MessageHash != *f.MessageHash {
			continue
		}
		if f.TransactionHash != nil && (tx.TransactionHash == nil || *tx.TransactionHash != *f.TransactionHash) {
			continue
		}
		if f.Workchain != nil && tx.Workchain != *f.Workchain {
			continue
		}
		if f.Hex != nil && tx.Hex != *f.Hex {
			continue
		}
		if f.Direction != nil && tx.Direction != *f.Direction {
			continue
		}
		if f.Status != nil && tx.Status != *f.Status {
			continue
		}
		if f.CreatedAfter != nil && tx.CreatedAt.Before(*f.CreatedAfter) {
			continue
		}
		if f.CreatedBefore != nil && !tx.CreatedAt.Before(*f.CreatedBefore) {
			continue
		}
		matched = append(matched, cloneTransaction(tx))
	}
	// Newest first, same as the SQL store.
	reverse(matched)
	return page(matched, f.Limit, f.Offset), nil
}

func (s *Store) UpdateSentTransaction(ctx context.Context, messageHash string, upd storage.SentUpdate) (transaction.Transaction, transaction.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.txOrder {
		tx := s.transactions[id]
		if tx.MessageHash != messageHash || tx.Direction != transaction.DirectionSend || tx.Status != transaction.StatusNew {
			continue
		}
		tx.TransactionHash = &upd.TransactionHash
		tx.TransactionLT = &upd.TransactionLT
		tx.TransactionTimestamp = &upd.TransactionTimestamp
		tx.Status = upd.Status
		tx.Value = &upd.Value
		tx.Fee = &upd.Fee
		tx.BalanceChange = &upd.BalanceChange
		tx.Messages = upd.Messages
		if upd.MultisigTransactionID != nil {
			tx.MultisigTransactionID = upd.MultisigTransactionID
		}
		tx.Error = upd.Error
		tx.UpdatedAt = time.Now().UTC()
		s.transactions[id] = cloneTransaction(tx)
		ev := s.appendEventLocked(tx)
		return tx, ev, nil
	}
	return transaction.Transaction{}, transaction.Event{}, fmt.Errorf("pending transaction %s: %w", messageHash, storage.ErrNotFound)
}

func (s *Store) FailSentTransaction(ctx context.Context, messageHash, reason string) (transaction.Transaction, transaction.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.txOrder {
		tx := s.transactions[id]
		if tx.MessageHash != messageHash || tx.Direction != transaction.DirectionSend || tx.Status != transaction.StatusNew {
			continue
		}
		tx.Status = transaction.StatusError
		tx.Error = &reason
		tx.UpdatedAt = time.Now().UTC()
		s.transactions[id] = cloneTransaction(tx)
		ev := s.appendEventLocked(tx)
		return tx, ev, nil
	}
	return transaction.Transaction{}, transaction.Event{}, fmt.Errorf("pending transaction %s: %w", messageHash, storage.ErrNotFound)
}

func (s *Store) ListExpiredPending(ctx context.Context, now time.Time) ([]transaction.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var expired []transaction.Transaction
	for _, id := range s.txOrder {
		tx := s.transactions[id]
		if tx.Direction == transaction.DirectionSend && tx.Status == transaction.StatusNew &&
			tx.ExpireAt != nil && tx.ExpireAt.Before(now) {
			expired = append(expired, cloneTransaction(tx))
		}
	}
	return expired, nil
}

func (s *Store) FindByOutMessageHash(ctx context.Context, messageHash string) (transaction.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.findByOutMessageLocked(messageHash)
	if !ok {
		return transaction.Transaction{}, fmt.Errorf("out-message %s: %w", messageHash, storage.ErrNotFound)
	}
	return cloneTransaction(tx), nil
}

func (s *Store) findByOutMessageLocked(messageHash string) (transaction.Transaction, bool) {
	for _, id := range s.txOrder {
		tx := s.transactions[id]
		for _, msg := range tx.Messages {
			if msg.Hash == messageHash {
				return tx, true
			}
		}
	}
	return transaction.Transaction{}, false
}

// --- TokenTransactionStore --------------------------------------------------

func (s *Store) CreateTokenTransaction(ctx context.Context, tx token.Transaction) (token.Transaction, token.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertTokenLocked(tx)
}

func (s *Store) insertTokenLocked(tx token.Transaction) (token.Transaction, token.Event, error) {
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	if _, ok := s.tokenTransactions[tx.ID]; ok {
		return token.Transaction{}, token.Event{}, fmt.Errorf("token transaction %s: %w", tx.ID, storage.ErrAlreadyExists)
	}
	for _, existing := range s.tokenTransactions {
		if existing.MessageHash == tx.MessageHash && existing.Direction == tx.Direction {
			return token.Transaction{}, token.Event{}, fmt.Errorf("token message %s: %w", tx.MessageHash, storage.ErrAlreadyExists)
		}
	}
	now := time.Now().UTC()
	tx.CreatedAt = now
	tx.UpdatedAt = now
	s.tokenTransactions[tx.ID] = cloneTokenTransaction(tx)
	s.tokenTxOrder = append(s.tokenTxOrder, tx.ID)
	ev := s.appendTokenEventLocked(tx)
	return tx, ev, nil
}

func (s *Store) GetTokenTransaction(ctx context.Context, serviceID, id string) (token.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.tokenTransactions[id]
	if !ok || tx.ServiceID != serviceID {
		return token.Transaction{}, fmt.Errorf("token transaction %s: %w", id, storage.ErrNotFound)
	}
	return cloneTokenTransaction(tx), nil
}

func (s *Store) GetTokenTransactionByMessageHash(ctx context.Context, serviceID, messageHash string) (token.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, id := range s.tokenTxOrder {
		tx := s.tokenTransactions[id]
		if tx.ServiceID != serviceID {
			continue
		}
		if tx.MessageHash == messageHash || (tx.OwnerMessageHash != nil && *tx.OwnerMessageHash == messageHash) {
			return cloneTokenTransaction(tx), nil
		}
	}
	return token.Transaction{}, fmt.Errorf("token message %s: %w", messageHash, storage.ErrNotFound)
}

func (s *Store) CompleteTokenSend(ctx context.Context, inMessageHash string, upd storage.TokenSentUpdate) (token.Transaction, token.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	owner, ok := s.findByOutMessageLocked(inMessageHash)
	if !ok {
		return token.Transaction{}, token.Event{}, fmt.Errorf("out-message %s: %w", inMessageHash, storage.ErrNotFound)
	}
	for _, id := range s.tokenTxOrder {
		tx := s.tokenTransactions[id]
		if tx.OwnerMessageHash == nil || *tx.OwnerMessageHash != owner.MessageHash {
			continue
		}
		if tx.Direction != transaction.DirectionSend || tx.Status != transaction.StatusNew {
			continue
		}
		tx.MessageHash = upd.MessageHash
		tx.TransactionHash = &upd.TransactionHash
		tx.TransactionTimestamp = &upd.TransactionTimestamp
		tx.Status = upd.Status
		if upd.Value != "" {
			tx.Value = upd.Value
		}
		tx.Error = upd.Error
		tx.UpdatedAt = time.Now().UTC()
		s.tokenTransactions[id] = cloneTokenTransaction(tx)
		ev := s.appendTokenEventLocked(tx)
		return tx, ev, nil
	}
	return token.Transaction{}, token.Event{}, fmt.Errorf("pending token send %s: %w", owner.MessageHash, storage.ErrNotFound)
}

func (s *Store) CreateTokenReceive(ctx context.Context, tx token.Transaction, inMessageHash string) (token.Transaction, token.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if inMessageHash != "" {
		if owner, ok := s.findByOutMessageLocked(inMessageHash); ok {
			hash := owner.MessageHash
			tx.OwnerMessageHash = &hash
		}
	}
	return s.insertTokenLocked(tx)
}

func (s *Store) ListExpiredPendingTokens(ctx context.Context, now time.Time) ([]token.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var expired []token.Transaction
	for _, id := range s.tokenTxOrder {
		tx := s.tokenTransactions[id]
		if tx.Direction == transaction.DirectionSend && tx.Status == transaction.StatusNew &&
			tx.ExpireAt != nil && tx.ExpireAt.Before(now) {
			expired = append(expired, cloneTokenTransaction(tx))
		}
	}
	return expired, nil
}

func (s *Store) FailTokenTransaction(ctx context.Context, id, reason string) (token.Transaction, token.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.tokenTransactions[id]
	if !ok || tx.Status != transaction.StatusNew {
		return token.Transaction{}, token.Event{}, fmt.Errorf("pending token transaction %s: %w", id, storage.ErrNotFound)
	}
	tx.Status = transaction.StatusError
	tx.Error = &reason
	tx.UpdatedAt = time.Now().UTC()
	s.tokenTransactions[id] = cloneTokenTransaction(tx)
	ev := s.appendTokenEventLocked(tx)
	return tx, ev, nil
}

func (s *Store) FailLatestTokenSend(ctx context.Context, workchain int32, hex, rootAddress, value, reason string) (token.Transaction, token.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Newest matching row wins; walk the creation order backwards.
	for i := len(s.tokenTxOrder) - 1; i >= 0; i-- {
		tx := s.tokenTransactions[s.tokenTxOrder[i]]
		if tx.Workchain != workchain || tx.Hex != hex || tx.RootAddress != rootAddress || tx.Value != value {
			continue
		}
		if tx.Direction != transaction.DirectionSend {
			continue
		}
		if tx.Status != transaction.StatusNew && tx.Status != transaction.StatusDone {
			continue
		}
		tx.Status = transaction.StatusError
		tx.Error = &reason
		tx.UpdatedAt = time.Now().UTC()
		s.tokenTransactions[tx.ID] = cloneTokenTransaction(tx)
		ev := s.appendTokenEventLocked(tx)
		return tx, ev, nil
	}
	return token.Transaction{}, token.Event{}, fmt.Errorf("token send %d:%s root %s: %w", workchain, hex, rootAddress, storage.ErrNotFound)
}

func (s *Store) ListTokenWhitelist(ctx context.Context) ([]token.Whitelist, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]token.Whitelist, 0, len(s.whitelist))
	for _, entry := range s.whitelist {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].CreatedAt.Before(entries[j].CreatedAt) })
	return entries, nil
}

func (s *Store) AddTokenRoot(ctx context.Context, entry token.Whitelist) (token.Whitelist, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.whitelist[entry.Address]; ok {
		return token.Whitelist{}, fmt.Errorf("token root %s: %w", entry.Address, storage.ErrAlreadyExists)
	}
	entry.CreatedAt = time.Now().UTC()
	s.whitelist[entry.Address] = entry
	return entry, nil
}

// --- EventStore -------------------------------------------------------------

func (s *Store) GetEvent(ctx context.Context, serviceID, id string) (transaction.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ev, ok := s.events[id]
	if !ok || ev.ServiceID != serviceID {
		return transaction.Event{}, fmt.Errorf("event %s: %w", id, storage.ErrNotFound)
	}
	return cloneEvent(ev), nil
}

func (s *Store) ListPendingEvents(ctx context.Context, limit int) ([]transaction.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || limit > storage.MaxPageSize {
		limit = storage.MaxPageSize
	}
	var evs []transaction.Event
	for _, id := range s.eventOrder {
		ev := s.events[id]
		if ev.Status != transaction.EventStatusNew {
			continue
		}
		evs = append(evs, cloneEvent(ev))
		if len(evs) == limit {
			break
		}
	}
	return evs, nil
}

func (s *Store) SearchEvents(ctx context.Context, serviceID string, f storage.EventFilter) ([]transaction.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []transaction.Event
	for _, id := range s.eventOrder {
		ev := s.events[id]
		if ev.ServiceID != serviceID || !matchEventFilter(f, ev.TransactionID, ev.MessageHash, ev.Direction, ev.Status, ev.CreatedAt) {
			continue
		}
		matched = append(matched, cloneEvent(ev))
	}
	reverse(matched)
	return page(matched, f.Limit, f.Offset), nil
}

func (s *Store) MarkEvent(ctx context.Context, serviceID, id string, status transaction.EventStatus) (transaction.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.events[id]
	if !ok || ev.ServiceID != serviceID {
		return transaction.Event{}, fmt.Errorf("event %s: %w", id, storage.ErrNotFound)
	}
	ev.Status = status
	ev.UpdatedAt = time.Now().UTC()
	s.events[id] = cloneEvent(ev)
	return ev, nil
}

func (s *Store) MarkEvents(ctx context.Context, serviceID string, from, to transaction.EventStatus) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	now := time.Now().UTC()
	for id, ev := range s.events {
		if ev.ServiceID != serviceID || ev.Status != from {
			continue
		}
		ev.Status = to
		ev.UpdatedAt = now
		s.events[id] = ev
		n++
	}
	return n, nil
}

func (s *Store) ListPendingTokenEvents(ctx context.Context, limit int) ([]token.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || limit > storage.MaxPageSize {
		limit = storage.MaxPageSize
	}
	var evs []token.Event
	for _, id := range s.tokenEventOrder {
		ev := s.tokenEvents[id]
		if ev.Status != transaction.EventStatusNew {
			continue
		}
		evs = append(evs, ev)
		if len(evs) == limit {
			break
		}
	}
	return evs, nil
}

func (s *Store) SearchTokenEvents(ctx context.Context, serviceID string, f storage.EventFilter) ([]token.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []token.Event
	for _, id := range s.tokenEventOrder {
		ev := s.tokenEvents[id]
		if ev.ServiceID != serviceID || !matchEventFilter(f, ev.TransactionID, ev.MessageHash, ev.Direction, ev.Status, ev.CreatedAt) {
			continue
		}
		matched = append(matched, ev)
	}
	reverse(matched)
	return page(matched, f.Limit, f.Offset), nil
}

func (s *Store) MarkTokenEvent(ctx context.Context, serviceID, id string, status transaction.EventStatus) (token.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.tokenEvents[id]
	if !ok || ev.ServiceID != serviceID {
		return token.Event{}, fmt.Errorf("token event %s: %w", id, storage.ErrNotFound)
	}
	ev.Status = status
	ev.UpdatedAt = time.Now().UTC()
	s.tokenEvents[id] = ev
	return ev, nil
}

func (s *Store) MarkTokenEvents(ctx context.Context, serviceID string, from, to transaction.EventStatus) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	now := time.Now().UTC()
	for id, ev := range s.tokenEvents {
		if ev.ServiceID != serviceID || ev.Status != from {
			continue
		}
		ev.Status = to
		ev.UpdatedAt = now
		s.tokenEvents[id] = ev
		n++
	}
	return n, nil
}

// --- KeyBlockStore ----------------------------------------------------------

func (s *Store) GetLastKeyBlock(ctx context.Context) (chainstate.KeyBlock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.keyBlock == nil {
		return chainstate.KeyBlock{}, fmt.Errorf("key block: %w", storage.ErrNotFound)
	}
	return *s.keyBlock, nil
}

func (s *Store) SetLastKeyBlock(ctx context.Context, kb chainstate.KeyBlock) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.keyBlock != nil && s.keyBlock.Seqno > kb.Seqno {
		return nil
	}
	kb.UpdatedAt = time.Now().UTC()
	s.keyBlock = &kb
	return nil
}

// --- Helpers ----------------------------------------------------------------

func (s *Store) appendEventLocked(tx transaction.Transaction) transaction.Event {
	now := time.Now().UTC()
	ev := transaction.Event{
		ID:                uuid.NewString(),
		ServiceID:         tx.ServiceID,
		TransactionID:     tx.ID,
		MessageHash:       tx.MessageHash,
		Workchain:         tx.Workchain,
		Hex:               tx.Hex,
		BalanceChange:     tx.BalanceChange,
		Direction:         tx.Direction,
		TransactionStatus: tx.Status,
		Status:            transaction.EventStatusNew,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	s.events[ev.ID] = cloneEvent(ev)
	s.eventOrder = append(s.eventOrder, ev.ID)
	return ev
}

func (s *Store) appendTokenEventLocked(tx token.Transaction) token.Event {
	now := time.Now().UTC()
	ev := token.Event{
		ID:                uuid.NewString(),
		ServiceID:         tx.ServiceID,
		TransactionID:     tx.ID,
		MessageHash:       tx.MessageHash,
		Workchain:         tx.Workchain,
		Hex:               tx.Hex,
		RootAddress:       tx.RootAddress,
		Value:             tx.Value,
		Direction:         tx.Direction,
		TransactionStatus: tx.Status,
		Status:            transaction.EventStatusNew,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	s.tokenEvents[ev.ID] = ev
	s.tokenEventOrder = append(s.tokenEventOrder, ev.ID)
	return ev
}

func matchEventFilter(f storage.EventFilter, txID, messageHash string, dir transaction.Direction, status transaction.EventStatus, createdAt time.Time) bool {
	if f.TransactionID != nil && txID != *f.TransactionID {
		return false
	}
	if f.MessageHash != nil && messageHash != *f.MessageHash {
		return false
	}
	if f.Direction != nil && dir != *f.Direction {
		return false
	}
	if f.Status != nil && status != *f.Status {
		return false
	}
	if f.CreatedAfter != nil && createdAt.Before(*f.CreatedAfter) {
		return false
	}
	if f.CreatedBefore != nil && !createdAt.Before(*f.CreatedBefore) {
		return false
	}
	return true
}

func page[T any](items []T, limit, offset int) []T {
	if limit <= 0 || limit > storage.MaxPageSize {
		limit = storage.MaxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if len(items) > limit {
		items = items[:limit]
	}
	return items
}

func reverse[T any](items []T) {
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
}

func cloneAddress(addr wallet.Address) wallet.Address {
	out := addr
	out.PrivateKey = append([]byte(nil), addr.PrivateKey...)
	out.CustodianKeys = append(out.CustodianKeys[:0:0], addr.CustodianKeys...)
	if addr.Custodians != nil {
		v := *addr.Custodians
		out.Custodians = &v
	}
	if addr.Confirmations != nil {
		v := *addr.Confirmations
		out.Confirmations = &v
	}
	return out
}

func cloneTransaction(tx transaction.Transaction) transaction.Transaction {
	out := tx
	out.TransactionHash = cloneStringPtr(tx.TransactionHash)
	out.TransactionLT = cloneInt64Ptr(tx.TransactionLT)
	out.TransactionTimestamp = cloneInt64Ptr(tx.TransactionTimestamp)
	out.OriginalValue = cloneStringPtr(tx.OriginalValue)
	out.OriginalOutputs = append(tx.OriginalOutputs[:0:0], tx.OriginalOutputs...)
	out.Value = cloneStringPtr(tx.Value)
	out.Fee = cloneStringPtr(tx.Fee)
	out.BalanceChange = cloneStringPtr(tx.BalanceChange)
	out.Messages = append(tx.Messages[:0:0], tx.Messages...)
	out.MultisigTransactionID = cloneInt64Ptr(tx.MultisigTransactionID)
	out.Error = cloneStringPtr(tx.Error)
	out.ExpireAt = cloneTimePtr(tx.ExpireAt)
	return out
}

func cloneTokenTransaction(tx token.Transaction) token.Transaction {
	out := tx
	out.OwnerMessageHash = cloneStringPtr(tx.OwnerMessageHash)
	out.TransactionHash = cloneStringPtr(tx.TransactionHash)
	out.TransactionTimestamp = cloneInt64Ptr(tx.TransactionTimestamp)
	out.Counterparty = cloneStringPtr(tx.Counterparty)
	out.Error = cloneStringPtr(tx.Error)
	out.ExpireAt = cloneTimePtr(tx.ExpireAt)
	return out
}

func cloneEvent(ev transaction.Event) transaction.Event {
	out := ev
	out.BalanceChange = cloneStringPtr(ev.BalanceChange)
	return out
}

func cloneStringPtr(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneInt64Ptr(p *int64) *int64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneTimePtr(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
