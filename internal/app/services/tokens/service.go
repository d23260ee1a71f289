// Package tokens implements fungible-token operations against whitelisted
// root contracts: transfers, burns and mints routed through the owner's
// derived token wallet, balance reads, and the token event ledger.
package tokens

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/R3E-Network/ton_gateway/internal/app/domain/token"
	"github.com/R3E-Network/ton_gateway/internal/app/domain/transaction"
	"github.com/R3E-Network/ton_gateway/internal/app/services/transactions"
	"github.com/R3E-Network/ton_gateway/internal/app/services/wallets"
	"github.com/R3E-Network/ton_gateway/internal/app/storage"
	"github.com/R3E-Network/ton_gateway/internal/chain"
	apperrors "github.com/R3E-Network/ton_gateway/internal/errors"
	"github.com/R3E-Network/ton_gateway/internal/tvm"
	"github.com/R3E-Network/ton_gateway/pkg/logger"
)

// Default native amounts riding along with token operations. The attach
// value funds token-wallet execution; the deploy value additionally covers
// in-flight creation of an uninitialized recipient wallet. All are decimal
// gram strings and can be overridden per request.
const (
	DefaultAttachValue  = "100000000"
	DefaultForwardValue = "20000000"
	DefaultDeployValue  = "50000000"
)

// Store is the persistence surface the service needs.
type Store interface {
	storage.TokenTransactionStore
	storage.EventStore
}

// Service validates token operations against the root whitelist, builds the
// internal token bodies, and rides them on the owner wallet's native send
// path so signing, broadcast and expiry tracking stay in one place.
type Service struct {
	store   Store
	wallets *wallets.Service
	native  *transactions.Service
	client  *chain.Client
	log     *logger.Logger

	now func() time.Time
}

// New wires the token service. Pass a nil logger to use the default.
func New(store Store, walletSvc *wallets.Service, native *transactions.Service, client *chain.Client, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("tokens")
	}
	return &Service{
		store:   store,
		wallets: walletSvc,
		native:  native,
		client:  client,
		log:     log,
		now:     time.Now,
	}
}

// --- Requests ---------------------------------------------------------------

// SendRequest moves token units from the source owner to another owner
// account. Value is the token amount in minimal units.
type SendRequest struct {
	ID           string `json:"id,omitempty"`
	Address      string `json:"sourceAddress"`
	RootAddress  string `json:"rootAddress"`
	Recipient    string `json:"recipientAddress"`
	Value        string `json:"value"`
	AttachValue  string `json:"attachValue,omitempty"`
	ForwardValue string `json:"forwardValue,omitempty"`
	// DeployWallet adds deploy grams so an uninitialized recipient token
	// wallet is created in-flight.
	DeployWallet bool  `json:"deployRecipientWallet,omitempty"`
	Timeout      int64 `json:"timeout,omitempty"`
}

// BurnRequest destroys token units held by the source owner.
type BurnRequest struct {
	ID          string `json:"id,omitempty"`
	Address     string `json:"sourceAddress"`
	RootAddress string `json:"rootAddress"`
	Value       string `json:"value"`
	AttachValue string `json:"attachValue,omitempty"`
	Timeout     int64  `json:"timeout,omitempty"`
}

// MintRequest credits token units to an owner account. The source address
// must be the hosted wallet that administers the root; the internal message
// targets the root contract itself.
type MintRequest struct {
	ID          string `json:"id,omitempty"`
	Address     string `json:"sourceAddress"`
	RootAddress string `json:"rootAddress"`
	// Recipient is the owner account to credit; empty means the sender.
	Recipient   string `json:"recipientAddress,omitempty"`
	Value       string `json:"value"`
	AttachValue string `json:"attachValue,omitempty"`
	DeployValue string `json:"deployValue,omitempty"`
	Timeout     int64  `json:"timeout,omitempty"`
}

// --- Operations -------------------------------------------------------------

// Send builds a token transfer body, sends it to the owner's token wallet
// through the native path, and records the pending token row linked to the
// native message hash.
func (s *Service) Send(ctx context.Context, serviceID string, req SendRequest) (token.Transaction, error) {
	if err := s.checkNewID(ctx, serviceID, req.ID); err != nil {
		return token.Transaction{}, err
	}
	root, err := s.whitelistedRoot(ctx, req.RootAddress)
	if err != nil {
		return token.Transaction{}, err
	}
	owner, ownerAddr, err := s.ownedAccount(ctx, serviceID, req.Address)
	if err != nil {
		return token.Transaction{}, err
	}
	recipient, err := tvm.ParseAddress(req.Recipient)
	if err != nil {
		return token.Transaction{}, apperrors.WrongInputf("recipient address %q: %v", req.Recipient, err)
	}
	amount, err := tokenAmount(req.Value)
	if err != nil {
		return token.Transaction{}, err
	}
	forward, err := gramsOrDefault(req.ForwardValue, DefaultForwardValue, "forwardValue")
	if err != nil {
		return token.Transaction{}, err
	}
	attach, err := gramsOrDefault(req.AttachValue, DefaultAttachValue, "attachValue")
	if err != nil {
		return token.Transaction{}, err
	}
	if req.DeployWallet {
		deploy, _ := new(big.Int).SetString(DefaultDeployValue, 10)
		attach = new(big.Int).Add(attach, deploy)
	}

	body, err := tvm.BuildTokenTransferBody(&tvm.TokenTransferSpec{
		Amount:         amount,
		RecipientOwner: recipient,
		SendGasTo:      ownerAddr,
		ForwardValue:   forward,
	}, s.now())
	if err != nil {
		return token.Transaction{}, apperrors.WrongInput(err.Error())
	}

	wallet, err := tvm.TokenWalletAddress(root, ownerAddr)
	if err != nil {
		return token.Transaction{}, apperrors.Internal("derive token wallet", err)
	}

	counterparty := recipient.String()
	return s.sendThroughOwner(ctx, serviceID, owner, sendPlan{
		id:           req.ID,
		root:         root,
		target:       wallet,
		body:         body,
		attach:       attach,
		value:        amount.String(),
		counterparty: &counterparty,
		timeout:      req.Timeout,
	})
}

// Burn destroys tokens held by the owner's token wallet; the excess and the
// burn callback go back to the owner.
func (s *Service) Burn(ctx context.Context, serviceID string, req BurnRequest) (token.Transaction, error) {
	if err := s.checkNewID(ctx, serviceID, req.ID); err != nil {
		return token.Transaction{}, err
	}
	root, err := s.whitelistedRoot(ctx, req.RootAddress)
	if err != nil {
		return token.Transaction{}, err
	}
	owner, ownerAddr, err := s.ownedAccount(ctx, serviceID, req.Address)
	if err != nil {
		return token.Transaction{}, err
	}
	amount, err := tokenAmount(req.Value)
	if err != nil {
		return token.Transaction{}, err
	}
	attach, err := gramsOrDefault(req.AttachValue, DefaultAttachValue, "attachValue")
	if err != nil {
		return token.Transaction{}, err
	}

	body, err := tvm.BuildTokenBurnBody(amount, ownerAddr, s.now())
	if err != nil {
		return token.Transaction{}, apperrors.WrongInput(err.Error())
	}
	wallet, err := tvm.TokenWalletAddress(root, ownerAddr)
	if err != nil {
		return token.Transaction{}, apperrors.Internal("derive token wallet", err)
	}

	return s.sendThroughOwner(ctx, serviceID, owner, sendPlan{
		id:      req.ID,
		root:    root,
		target:  wallet,
		body:    body,
		attach:  attach,
		value:   amount.String(),
		timeout: req.Timeout,
	})
}

// Mint asks the root contract to credit the recipient owner's token wallet.
func (s *Service) Mint(ctx context.Context, serviceID string, req MintRequest) (token.Transaction, error) {
	if err := s.checkNewID(ctx, serviceID, req.ID); err != nil {
		return token.Transaction{}, err
	}
	root, err := s.whitelistedRoot(ctx, req.RootAddress)
	if err != nil {
		return token.Transaction{}, err
	}
	owner, ownerAddr, err := s.ownedAccount(ctx, serviceID, req.Address)
	if err != nil {
		return token.Transaction{}, err
	}
	recipient := ownerAddr
	if req.Recipient != "" {
		recipient, err = tvm.ParseAddress(req.Recipient)
		if err != nil {
			return token.Transaction{}, apperrors.WrongInputf("recipient address %q: %v", req.Recipient, err)
		}
	}
	amount, err := tokenAmount(req.Value)
	if err != nil {
		return token.Transaction{}, err
	}
	attach, err := gramsOrDefault(req.AttachValue, DefaultAttachValue, "attachValue")
	if err != nil {
		return token.Transaction{}, err
	}
	deploy, err := gramsOrDefault(req.DeployValue, DefaultDeployValue, "deployValue")
	if err != nil {
		return token.Transaction{}, err
	}

	body, err := tvm.BuildTokenMintBody(amount, recipient, deploy, s.now())
	if err != nil {
		return token.Transaction{}, apperrors.WrongInput(err.Error())
	}

	counterparty := recipient.String()
	return s.sendThroughOwner(ctx, serviceID, owner, sendPlan{
		id:           req.ID,
		root:         root,
		target:       root,
		body:         body,
		attach:       attach,
		value:        amount.String(),
		counterparty: &counterparty,
		timeout:      req.Timeout,
	})
}

// sendPlan is the resolved shape of one token operation: the internal body
// and where the owner wallet must send it.
type sendPlan struct {
	id           string
	root         *tvm.Address
	target       *tvm.Address
	body         *tvm.Cell
	attach       *big.Int
	value        string
	counterparty *string
	timeout      int64
}

func (s *Service) sendThroughOwner(ctx context.Context, serviceID string, owner walletRecord, plan sendPlan) (token.Transaction, error) {
	boc, err := tvm.PackBOCBase64(plan.body)
	if err != nil {
		return token.Transaction{}, apperrors.Internal("pack token body", err)
	}

	bounce := true
	native, err := s.native.CreateSend(ctx, serviceID, transactions.SendRequest{
		Address: owner.base64url,
		Outputs: []transactions.Output{{Recipient: plan.target.String(), Value: plan.attach.String()}},
		Body:    boc,
		Bounce:  &bounce,
		Timeout: plan.timeout,
	})
	if err != nil {
		return token.Transaction{}, err
	}

	// The row starts out keyed by the native external hash; the observer
	// rewrites message_hash to the token-wallet side message when the
	// transfer lands.
	ownerHash := native.MessageHash
	row := token.Transaction{
		ID:               plan.id,
		ServiceID:        serviceID,
		Workchain:        owner.workchain,
		Hex:              owner.hex,
		RootAddress:      plan.root.String(),
		MessageHash:      native.MessageHash,
		OwnerMessageHash: &ownerHash,
		Value:            plan.value,
		Counterparty:     plan.counterparty,
		Direction:        transaction.DirectionSend,
		Status:           transaction.StatusNew,
		ExpireAt:         native.ExpireAt,
	}
	created, _, err := s.store.CreateTokenTransaction(ctx, row)
	if err != nil {
		// The native spend is already in flight; surface the row failure
		// instead of pretending nothing happened.
		s.log.Errorf("token row for native %s not persisted: %v", native.MessageHash, err)
		return token.Transaction{}, apperrors.Internal("persist token transaction", err)
	}
	s.log.Infof("token %s %s -> %s (root %s)", created.ID, created.Value, plan.target, plan.root)
	return created, nil
}

// --- Reads ------------------------------------------------------------------

// Get returns one token transaction by client id.
func (s *Service) Get(ctx context.Context, serviceID, id string) (token.Transaction, error) {
	tx, err := s.store.GetTokenTransaction(ctx, serviceID, id)
	if errors.Is(err, storage.ErrNotFound) {
		return token.Transaction{}, apperrors.NotFound("token transaction")
	}
	return tx, err
}

// GetByMessageHash resolves a token transaction by either its token-wallet
// message hash or the owning native message hash.
func (s *Service) GetByMessageHash(ctx context.Context, serviceID, messageHash string) (token.Transaction, error) {
	tx, err := s.store.GetTokenTransactionByMessageHash(ctx, serviceID, messageHash)
	if errors.Is(err, storage.ErrNotFound) {
		return token.Transaction{}, apperrors.NotFound("token transaction")
	}
	return tx, err
}

// Balance is one whitelisted root's holdings of an owner account.
type Balance struct {
	RootAddress string `json:"rootAddress"`
	Name        string `json:"name"`
	TokenWallet string `json:"tokenWallet"`
	Balance     string `json:"balance"`
	Deployed    bool   `json:"deployed"`
}

// Balances reads the owner's token wallet state for every whitelisted root.
// Undeployed token wallets report a zero balance.
func (s *Service) Balances(ctx context.Context, serviceID, rawAddress string) ([]Balance, error) {
	_, ownerAddr, err := s.ownedAccount(ctx, serviceID, rawAddress)
	if err != nil {
		return nil, err
	}
	roots, err := s.store.ListTokenWhitelist(ctx)
	if err != nil {
		return nil, apperrors.Internal("list token whitelist", err)
	}

	out := make([]Balance, 0, len(roots))
	for _, entry := range roots {
		root, err := tvm.ParseAddress(entry.Address)
		if err != nil {
			s.log.Warnf("whitelist entry %s has a malformed address: %v", entry.Name, err)
			continue
		}
		wallet, err := tvm.TokenWalletAddress(root, ownerAddr)
		if err != nil {
			return nil, apperrors.Internal("derive token wallet", err)
		}
		state, err := s.client.GetContractState(ctx, wallet)
		if err != nil {
			return nil, apperrors.Chainf("token wallet state: %v", err)
		}
		balance := "0"
		if state.Token != nil && state.Token.Balance != "" {
			balance = state.Token.Balance
		}
		out = append(out, Balance{
			RootAddress: entry.Address,
			Name:        entry.Name,
			TokenWallet: wallet.String(),
			Balance:     balance,
			Deployed:    state.Deployed,
		})
	}
	return out, nil
}

// --- Events -----------------------------------------------------------------

// EventsRequest filters the token event ledger.
type EventsRequest struct {
	TransactionID *string `json:"tokenTransactionId,omitempty"`
	MessageHash   *string `json:"messageHash,omitempty"`
	Direction     *string `json:"transactionDirection,omitempty"`
	Status        *string `json:"eventStatus,omitempty"`
	CreatedAfter  *int64  `json:"createdAfter,omitempty"`
	CreatedBefore *int64  `json:"createdBefore,omitempty"`
	Limit         int     `json:"limit,omitempty"`
	Offset        int     `json:"offset,omitempty"`
}

// Events searches the service's token event ledger.
func (s *Service) Events(ctx context.Context, serviceID string, req EventsRequest) ([]token.Event, error) {
	filter, err := eventFilter(req)
	if err != nil {
		return nil, err
	}
	return s.store.SearchTokenEvents(ctx, serviceID, filter)
}

// MarkEvent advances one token event to Notified.
func (s *Service) MarkEvent(ctx context.Context, serviceID, id string) (token.Event, error) {
	ev, err := s.store.MarkTokenEvent(ctx, serviceID, id, transaction.EventStatusNotified)
	if errors.Is(err, storage.ErrNotFound) {
		return token.Event{}, apperrors.NotFound("token event")
	}
	return ev, err
}

// MarkEvents advances every New token event of the service to Notified and
// reports how many rows moved.
func (s *Service) MarkEvents(ctx context.Context, serviceID string) (int64, error) {
	return s.store.MarkTokenEvents(ctx, serviceID, transaction.EventStatusNew, transaction.EventStatusNotified)
}

// --- Whitelist --------------------------------------------------------------

// Whitelist lists the roots the gateway serves.
func (s *Service) Whitelist(ctx context.Context) ([]token.Whitelist, error) {
	return s.store.ListTokenWhitelist(ctx)
}

// AddRoot whitelists a token root contract.
func (s *Service) AddRoot(ctx context.Context, name, address string) (token.Whitelist, error) {
	if name == "" {
		return token.Whitelist{}, apperrors.WrongInput("token name is required")
	}
	root, err := tvm.ParseAddress(address)
	if err != nil {
		return token.Whitelist{}, apperrors.WrongInputf("root address %q: %v", address, err)
	}
	entry, err := s.store.AddTokenRoot(ctx, token.Whitelist{Name: name, Address: root.String()})
	if errors.Is(err, storage.ErrAlreadyExists) {
		return token.Whitelist{}, apperrors.WrongInputf("token root %s is already whitelisted", root)
	}
	if err != nil {
		return token.Whitelist{}, apperrors.Internal("whitelist token root", err)
	}
	s.log.Infof("token root %s (%s) whitelisted", entry.Name, entry.Address)
	return entry, nil
}

// --- Helpers ----------------------------------------------------------------

type walletRecord struct {
	workchain int32
	hex       string
	base64url string
}

func (s *Service) ownedAccount(ctx context.Context, serviceID, raw string) (walletRecord, *tvm.Address, error) {
	record, err := s.wallets.Get(ctx, serviceID, raw)
	if err != nil {
		return walletRecord{}, nil, err
	}
	addr, err := record.TonAddress()
	if err != nil {
		return walletRecord{}, nil, apperrors.Internal("account address", err)
	}
	return walletRecord{workchain: record.Workchain, hex: record.Hex, base64url: record.Base64URL}, addr, nil
}

// whitelistedRoot canonicalizes the root address and requires it to be
// whitelisted before any row is written or message built.
func (s *Service) whitelistedRoot(ctx context.Context, raw string) (*tvm.Address, error) {
	root, err := tvm.ParseAddress(raw)
	if err != nil {
		return nil, apperrors.WrongInputf("root address %q: %v", raw, err)
	}
	entries, err := s.store.ListTokenWhitelist(ctx)
	if err != nil {
		return nil, apperrors.Internal("list token whitelist", err)
	}
	for _, entry := range entries {
		known, err := tvm.ParseAddress(entry.Address)
		if err != nil {
			continue
		}
		if known.Equal(root) {
			return root, nil
		}
	}
	return nil, apperrors.WrongInputf("InvalidRootToken:%s", root)
}

func (s *Service) checkNewID(ctx context.Context, serviceID, id string) error {
	if id == "" {
		return nil
	}
	_, err := s.store.GetTokenTransaction(ctx, serviceID, id)
	if err == nil {
		return apperrors.WrongInputf("token transaction %s already exists", id)
	}
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return apperrors.Internal("token transaction lookup", err)
}

func tokenAmount(raw string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok || v.Sign() <= 0 {
		return nil, apperrors.WrongInputf("token value %q must be a positive decimal", raw)
	}
	return v, nil
}

func gramsOrDefault(raw, fallback, field string) (*big.Int, error) {
	if raw == "" {
		raw = fallback
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok || v.Sign() < 0 {
		return nil, apperrors.WrongInputf("%s %q must be a non-negative decimal", field, raw)
	}
	return v, nil
}

func eventFilter(req EventsRequest) (storage.EventFilter, error) {
	f := storage.EventFilter{
		TransactionID: req.TransactionID,
		MessageHash:   req.MessageHash,
		Limit:         req.Limit,
		Offset:        req.Offset,
	}
	if req.Direction != nil {
		switch d := transaction.Direction(*req.Direction); d {
		case transaction.DirectionSend, transaction.DirectionReceive:
			f.Direction = &d
		default:
			return storage.EventFilter{}, apperrors.WrongInputf("unknown direction %q", *req.Direction)
		}
	}
	if req.Status != nil {
		switch st := transaction.EventStatus(*req.Status); st {
		case transaction.EventStatusNew, transaction.EventStatusNotified, transaction.EventStatusError:
			f.Status = &st
		default:
			return storage.EventFilter{}, apperrors.WrongInputf("unknown event status %q", *req.Status)
		}
	}
	if req.CreatedAfter != nil {
		t := time.UnixMilli(*req.CreatedAfter).UTC()
		f.CreatedAfter = &t
	}
	if req.CreatedBefore != nil {
		t := time.UnixMilli(*req.CreatedBefore).UTC()
		f.CreatedBefore = &t
	}
	return f, nil
}
