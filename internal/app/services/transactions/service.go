// Package transactions orchestrates the native transfer lifecycle: message
// building and signing, broadcast, pending-waiter registration and the
// expiry-driven row transitions.
package transactions

import (
	"context"
	"errors"
	"math/big"
	"strconv"
	"time"

	"github.com/R3E-Network/ton_gateway/internal/app/domain/transaction"
	"github.com/R3E-Network/ton_gateway/internal/app/domain/wallet"
	"github.com/R3E-Network/ton_gateway/internal/app/metrics"
	"github.com/R3E-Network/ton_gateway/internal/app/services/messages"
	"github.com/R3E-Network/ton_gateway/internal/app/services/wallets"
	"github.com/R3E-Network/ton_gateway/internal/app/storage"
	"github.com/R3E-Network/ton_gateway/internal/chain"
	apperrors "github.com/R3E-Network/ton_gateway/internal/errors"
	"github.com/R3E-Network/ton_gateway/internal/tvm"
	"github.com/R3E-Network/ton_gateway/pkg/logger"
)

// Notifier nudges the callback dispatcher once new event rows exist.
type Notifier interface {
	Kick()
}

// Store is the persistence surface the service needs.
type Store interface {
	storage.TransactionStore
	storage.EventStore
}

// Service implements the native transaction operations.
type Service struct {
	store      Store
	wallets    *wallets.Service
	client     *chain.Client
	subscriber *chain.Subscriber
	unsigned   *messages.Store
	notifier   Notifier
	log        *logger.Logger
	now        func() time.Time
	defaultTTL time.Duration
}

// New constructs the transaction service.
func New(store Store, walletSvc *wallets.Service, client *chain.Client, subscriber *chain.Subscriber, unsigned *messages.Store, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("transactions")
	}
	return &Service{
		store:      store,
		wallets:    walletSvc,
		client:     client,
		subscriber: subscriber,
		unsigned:   unsigned,
		log:        log,
		now:        time.Now,
	}
}

// AttachNotifier wires the callback dispatcher nudge.
func (s *Service) AttachNotifier(n Notifier) {
	s.notifier = n
}

// SetDefaultTTL overrides the message lifetime applied when a request
// carries no timeout. Zero keeps the built-in default.
func (s *Service) SetDefaultTTL(ttl time.Duration) {
	if ttl > 0 {
		s.defaultTTL = ttl
	}
}

func (s *Service) kick() {
	if s.notifier != nil {
		s.notifier.Kick()
	}
}

func (s *Service) queue() *chain.PendingQueue {
	return s.subscriber.Queue()
}

// Output is one transfer leg of a send request.
type Output struct {
	Recipient string `json:"recipientAddress"`
	Value     string `json:"value"`
	Type      string `json:"outputType,omitempty"`
}

// SendRequest submits a native transfer from a hosted address.
type SendRequest struct {
	// ID lets clients retry safely: a second request carrying the same id
	// is rejected instead of producing a second spend.
	ID      string   `json:"id,omitempty"`
	Address string   `json:"sourceAddress"`
	Outputs []Output `json:"outputs"`
	// Body is an optional payload cell attached to every emitted message,
	// base64 BOC.
	Body   string `json:"body,omitempty"`
	Bounce *bool  `json:"bounce,omitempty"`
	// Timeout is the message expiry in seconds, default 60.
	Timeout int64 `json:"timeout,omitempty"`
}

// CreateSend builds, signs and broadcasts a native transfer and records the
// pending Send row.
func (s *Service) CreateSend(ctx context.Context, serviceID string, req SendRequest) (transaction.Transaction, error) {
	if err := s.checkNewID(ctx, serviceID, req.ID); err != nil {
		return transaction.Transaction{}, err
	}
	sender, err := s.wallets.Get(ctx, serviceID, req.Address)
	if err != nil {
		return transaction.Transaction{}, err
	}
	outputs, original, total, err := parseOutputs(req.Outputs)
	if err != nil {
		return transaction.Transaction{}, err
	}
	var body *tvm.Cell
	if req.Body != "" {
		if body, err = tvm.ParseBOCBase64(req.Body); err != nil {
			return transaction.Transaction{}, apperrors.WrongInputf("body: %v", err)
		}
	}

	msg, err := s.buildTransfer(ctx, sender, outputs, body, req.Bounce != nil && *req.Bounce, req.Timeout)
	if err != nil {
		return transaction.Transaction{}, err
	}
	kp, err := s.wallets.Signer(sender)
	if err != nil {
		return transaction.Transaction{}, err
	}
	signed, err := msg.SignWith(kp)
	if err != nil {
		return transaction.Transaction{}, apperrors.Internal("sign message", err)
	}

	totalValue := total.String()
	expireAt := msg.ExpireAt()
	row := transaction.Transaction{
		ID:              req.ID,
		ServiceID:       serviceID,
		Workchain:       sender.Workchain,
		Hex:             sender.Hex,
		MessageHash:     signed.HashHex(),
		Direction:       transaction.DirectionSend,
		Status:          transaction.StatusNew,
		OriginalValue:   &totalValue,
		OriginalOutputs: original,
		ExpireAt:        &expireAt,
	}
	if sender.AccountType == tvm.AccountSafeMultisig && sender.Custodians != nil && *sender.Custodians > 1 {
		// Submit payloads get a deterministic pending-transaction id the
		// custodians confirm against.
		id := int64(tvm.MultisigTransactionID(msg.Hash()))
		row.MultisigTransactionID = &id
	}
	return s.broadcastTracked(ctx, row, signed)
}

// ConfirmRequest confirms a pending multisig transaction.
type ConfirmRequest struct {
	ID      string `json:"id,omitempty"`
	Address string `json:"sourceAddress"`
	// MultisigTransactionID is decimal; string-typed because 64-bit ids
	// exceed JSON's safe integer range.
	MultisigTransactionID string `json:"multisigTransactionId"`
	Timeout               int64  `json:"timeout,omitempty"`
}

// CreateConfirm signs and broadcasts a confirmation for a pending multisig
// transaction id.
func (s *Service) CreateConfirm(ctx context.Context, serviceID string, req ConfirmRequest) (transaction.Transaction, error) {
	if err := s.checkNewID(ctx, serviceID, req.ID); err != nil {
		return transaction.Transaction{}, err
	}
	sender, err := s.wallets.Get(ctx, serviceID, req.Address)
	if err != nil {
		return transaction.Transaction{}, err
	}
	if sender.AccountType != tvm.AccountSafeMultisig {
		return transaction.Transaction{}, apperrors.WrongInputf("confirm requires a SafeMultisig account, %s is %s", req.Address, sender.AccountType)
	}
	txID, err := strconv.ParseUint(req.MultisigTransactionID, 10, 64)
	if err != nil {
		return transaction.Transaction{}, apperrors.WrongInput("multisigTransactionId must be a decimal integer")
	}
	addr, err := sender.TonAddress()
	if err != nil {
		return transaction.Transaction{}, apperrors.Internal("stored address is malformed", err)
	}

	msg, err := tvm.BuildConfirm(addr, txID, time.Duration(req.Timeout)*time.Second, s.now())
	if err != nil {
		return transaction.Transaction{}, apperrors.WrongInput(err.Error())
	}
	kp, err := s.wallets.Signer(sender)
	if err != nil {
		return transaction.Transaction{}, err
	}
	signed, err := msg.SignWith(kp)
	if err != nil {
		return transaction.Transaction{}, apperrors.Internal("sign message", err)
	}

	expireAt := msg.ExpireAt()
	confirmedID := int64(txID)
	row := transaction.Transaction{
		ID:                    req.ID,
		ServiceID:             serviceID,
		Workchain:             sender.Workchain,
		Hex:                   sender.Hex,
		MessageHash:           signed.HashHex(),
		Direction:             transaction.DirectionSend,
		Status:                transaction.StatusNew,
		MultisigTransactionID: &confirmedID,
		ExpireAt:              &expireAt,
	}
	return s.broadcastTracked(ctx, row, signed)
}

// Get returns a transaction by row id.
func (s *Service) Get(ctx context.Context, serviceID, id string) (transaction.Transaction, error) {
	tx, err := s.store.GetTransaction(ctx, serviceID, id)
	if errors.Is(err, storage.ErrNotFound) {
		return transaction.Transaction{}, apperrors.NotFound("transaction")
	}
	return tx, err
}

// GetByHash returns a transaction by observed chain transaction hash.
func (s *Service) GetByHash(ctx context.Context, serviceID, hash string) (transaction.Transaction, error) {
	tx, err := s.store.GetTransactionByHash(ctx, serviceID, hash)
	if errors.Is(err, storage.ErrNotFound) {
		return transaction.Transaction{}, apperrors.NotFound("transaction")
	}
	return tx, err
}

// GetByMessageHash returns a transaction by external message hash.
func (s *Service) GetByMessageHash(ctx context.Context, serviceID, messageHash string) (transaction.Transaction, error) {
	tx, err := s.store.GetTransactionByMessageHash(ctx, serviceID, messageHash)
	if errors.Is(err, storage.ErrNotFound) {
		return transaction.Transaction{}, apperrors.NotFound("transaction")
	}
	return tx, err
}

// SearchRequest filters the transaction history. All fields are optional;
// timestamps are milliseconds since epoch.
type SearchRequest struct {
	MessageHash     *string `json:"messageHash,omitempty"`
	TransactionHash *string `json:"transactionHash,omitempty"`
	Address         *string `json:"address,omitempty"`
	Direction       *string `json:"direction,omitempty"`
	Status          *string `json:"status,omitempty"`
	CreatedAfter    *int64  `json:"createdAfter,omitempty"`
	CreatedBefore   *int64  `json:"createdBefore,omitempty"`
	Limit           int     `json:"limit,omitempty"`
	Offset          int     `json:"offset,omitempty"`
}

// Search returns matching transactions, newest first, capped at the store's
// page limit.
func (s *Service) Search(ctx context.Context, serviceID string, req SearchRequest) ([]transaction.Transaction, error) {
	filter := storage.TransactionFilter{
		MessageHash:     req.MessageHash,
		TransactionHash: req.TransactionHash,
		Limit:           req.Limit,
		Offset:          req.Offset,
	}
	if req.Address != nil {
		addr, err := tvm.ParseAddress(*req.Address)
		if err != nil {
			return nil, apperrors.WrongInput(err.Error())
		}
		workchain, hexAddr := addr.Workchain, addr.Hex()
		filter.Workchain, filter.Hex = &workchain, &hexAddr
	}
	if req.Direction != nil {
		switch d := transaction.Direction(*req.Direction); d {
		case transaction.DirectionSend, transaction.DirectionReceive:
			filter.Direction = &d
		default:
			return nil, apperrors.WrongInputf("unknown direction %q", *req.Direction)
		}
	}
	if req.Status != nil {
		switch st := transaction.Status(*req.Status); st {
		case transaction.StatusNew, transaction.StatusDone, transaction.StatusPartiallyDone, transaction.StatusError:
			filter.Status = &st
		default:
			return nil, apperrors.WrongInputf("unknown status %q", *req.Status)
		}
	}
	if req.CreatedAfter != nil {
		t := time.UnixMilli(*req.CreatedAfter).UTC()
		filter.CreatedAfter = &t
	}
	if req.CreatedBefore != nil {
		t := time.UnixMilli(*req.CreatedBefore).UTC()
		filter.CreatedBefore = &t
	}
	return s.store.SearchTransactions(ctx, serviceID, filter)
}

// --- Send plumbing ---

// checkNewID rejects a reused client-supplied id so a retried request cannot
// create a second spend.
func (s *Service) checkNewID(ctx context.Context, serviceID, id string) error {
	if id == "" {
		return nil
	}
	_, err := s.store.GetTransaction(ctx, serviceID, id)
	switch {
	case err == nil:
		return apperrors.WrongInputf("transaction %s already exists", id)
	case errors.Is(err, storage.ErrNotFound):
		return nil
	default:
		return err
	}
}

func parseOutputs(reqs []Output) ([]tvm.TransferOutput, transaction.Outputs, *big.Int, error) {
	if len(reqs) == 0 {
		return nil, nil, nil, apperrors.Chain("empty recipient list")
	}
	outputs := make([]tvm.TransferOutput, 0, len(reqs))
	original := make(transaction.Outputs, 0, len(reqs))
	total := new(big.Int)
	for i, out := range reqs {
		recipient, err := tvm.ParseAddress(out.Recipient)
		if err != nil {
			return nil, nil, nil, apperrors.WrongInputf("output %d: %v", i, err)
		}
		value, ok := new(big.Int).SetString(out.Value, 10)
		if !ok || value.Sign() <= 0 {
			return nil, nil, nil, apperrors.WrongInputf("output %d: value must be a positive integer", i)
		}
		outputType, err := tvm.ParseOutputType(out.Type)
		if err != nil {
			return nil, nil, nil, apperrors.WrongInputf("output %d: %v", i, err)
		}
		outputs = append(outputs, tvm.TransferOutput{Recipient: recipient, Value: value, Type: outputType})
		original = append(original, transaction.Output{Recipient: out.Recipient, Value: out.Value, Type: out.Type})
		total.Add(total, value)
	}
	return outputs, original, total, nil
}

// buildTransfer assembles the unsigned message for a hosted sender,
// consulting the chain state the wallet family requires.
func (s *Service) buildTransfer(ctx context.Context, sender wallet.Address, outputs []tvm.TransferOutput, body *tvm.Cell, bounce bool, timeout int64) (*tvm.UnsignedMessage, error) {
	spec, err := s.transferSpec(sender, outputs, body, bounce, timeout)
	if err != nil {
		return nil, err
	}
	state, err := s.accountState(ctx, spec.Sender)
	if err != nil {
		return nil, err
	}
	msg, err := tvm.BuildTransfer(spec, state, s.now())
	if err != nil {
		return nil, mapBuildError(err)
	}
	return msg, nil
}

func (s *Service) transferSpec(sender wallet.Address, outputs []tvm.TransferOutput, body *tvm.Cell, bounce bool, timeout int64) (*tvm.TransferSpec, error) {
	addr, err := sender.TonAddress()
	if err != nil {
		return nil, apperrors.Internal("stored address is malformed", err)
	}
	pub, err := tvm.PublicKeyFromHex(sender.PublicKey)
	if err != nil {
		return nil, apperrors.Internal("stored public key is malformed", err)
	}
	multisig, err := sender.MultisigParams()
	if err != nil {
		return nil, apperrors.Internal("stored custodian keys are malformed", err)
	}
	ttl := time.Duration(timeout) * time.Second
	if timeout == 0 {
		// Falls through to the tvm default when no service-level TTL is set.
		ttl = s.defaultTTL
	}
	return &tvm.TransferSpec{
		Sender:      addr,
		AccountType: sender.AccountType,
		PublicKey:   pub,
		Outputs:     outputs,
		Body:        body,
		Bounce:      bounce,
		TTL:         ttl,
		Multisig:    multisig,
	}, nil
}

// accountState reads the sender's live contract state through the
// subscriber's cached view.
func (s *Service) accountState(ctx context.Context, addr *tvm.Address) (*tvm.AccountState, error) {
	state, err := s.subscriber.StateNow(ctx, addr)
	if err != nil {
		return nil, apperrors.Chainf("contract state: %v", err)
	}
	account, err := state.AccountState()
	if err != nil {
		return nil, apperrors.Chainf("contract data: %v", err)
	}
	return account, nil
}

func mapBuildError(err error) error {
	switch {
	case errors.Is(err, tvm.ErrAccountNotDeployed):
		return apperrors.Chain(err.Error())
	case errors.Is(err, tvm.ErrNoOutputs):
		return apperrors.Chain("empty recipient list")
	default:
		return apperrors.WrongInput(err.Error())
	}
}

// broadcastTracked inserts the Send row, broadcasts the signed message and
// arms the expiry waiter. The row is inserted before the broadcast so the
// observer can never see a completion for a row that does not exist yet.
func (s *Service) broadcastTracked(ctx context.Context, row transaction.Transaction, signed *tvm.SignedMessage) (transaction.Transaction, error) {
	account, err := tvm.AddressFromHex(row.Workchain, row.Hex)
	if err != nil {
		return transaction.Transaction{}, apperrors.Internal("stored address is malformed", err)
	}

	receiver, err := s.queue().Add(account.String(), signed.Hash(), signed.ExpireAt)
	if errors.Is(err, chain.ErrDuplicateMessage) {
		return transaction.Transaction{}, apperrors.WrongInput("message is already pending")
	} else if err != nil {
		return transaction.Transaction{}, err
	}

	created, _, err := s.store.CreateTransaction(ctx, row)
	if err != nil {
		s.queue().Deliver(account.String(), signed.Hash())
		if errors.Is(err, storage.ErrAlreadyExists) {
			return transaction.Transaction{}, apperrors.WrongInput("transaction already exists")
		}
		return transaction.Transaction{}, err
	}
	s.kick()

	boc, err := signed.BOC()
	if err == nil {
		err = s.client.SendMessage(ctx, boc)
	}
	metrics.RecordBroadcast(err)
	if err != nil {
		s.queue().Deliver(account.String(), signed.Hash())
		reason := "broadcast failed: " + err.Error()
		if _, _, failErr := s.store.FailSentTransaction(ctx, row.MessageHash, reason); failErr != nil {
			s.log.WithError(failErr).WithField("messageHash", row.MessageHash).Error("mark failed broadcast")
		}
		s.kick()
		return transaction.Transaction{}, apperrors.Chainf("broadcast: %v", err)
	}

	go s.awaitOutcome(account.String(), row.MessageHash, receiver)

	s.log.WithField("messageHash", row.MessageHash).
		WithField("account", account.String()).
		Info("external message broadcast")
	return created, nil
}

// awaitOutcome resolves the expiry side of the send state machine. Delivery
// is handled by the observer, which updates the row before resolving the
// waiter.
func (s *Service) awaitOutcome(account, messageHash string, receiver <-chan chain.Outcome) {
	outcome, ok := <-receiver
	if !ok || outcome != chain.OutcomeExpired {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, _, err := s.store.FailSentTransaction(ctx, messageHash, "expired"); err != nil {
		// The observer may have settled the row first.
		if !errors.Is(err, storage.ErrNotFound) {
			s.log.WithError(err).WithField("messageHash", messageHash).Error("mark expired send")
		}
		return
	}
	s.log.WithField("messageHash", messageHash).WithField("account", account).Info("send expired")
	s.kick()
}
