package observer

import (
	"context"
	"encoding/hex"
	"errors"

	"github.com/R3E-Network/ton_gateway/internal/app/domain/token"
	"github.com/R3E-Network/ton_gateway/internal/app/domain/transaction"
	"github.com/R3E-Network/ton_gateway/internal/app/domain/wallet"
	"github.com/R3E-Network/ton_gateway/internal/app/storage"
	"github.com/R3E-Network/ton_gateway/internal/chain"
	"github.com/R3E-Network/ton_gateway/internal/tvm"
)

// walletObserver receives the native account's transactions.
type walletObserver struct {
	svc    *Service
	record wallet.Address
}

func (o *walletObserver) HandleTransaction(ctx context.Context, txc *chain.TxContext) {
	o.svc.handleNative(ctx, o.record, txc)
}

// tokenObserver receives the derived token wallet's transactions on behalf
// of the owning account.
type tokenObserver struct {
	svc   *Service
	owner wallet.Address
	root  string
}

func (o *tokenObserver) HandleTransaction(ctx context.Context, txc *chain.TxContext) {
	o.svc.handleToken(ctx, o.owner, o.root, txc)
}

// handleNative classifies one transaction of a hosted wallet and persists
// the outcome. Parse failures are logged and ingestion continues; a single
// bad transaction never halts the block walk.
func (s *Service) handleNative(ctx context.Context, record wallet.Address, txc *chain.TxContext) {
	outcome, err := chain.ParseNative(txc.Tx, record.AccountType)
	if err != nil {
		s.log.WithError(err).WithFields(map[string]interface{}{
			"account": txc.Tx.Account,
			"tx":      txc.Tx.Hash,
		}).Warn("native transaction not parsed")
		return
	}

	switch o := outcome.(type) {
	case *chain.SentCompletion:
		s.settleSent(ctx, txc.Account, o)
	case *chain.InboundTransfer:
		s.recordReceive(ctx, record, o)
	case nil:
		// Service transaction with no inbound message: nothing to persist,
		// but the state snapshot is still fresh.
	}

	s.updateBalance(ctx, record, txc.State)
	s.kick()
}

// settleSent finalizes the Send row tracked under the external in-message
// hash and releases its pending-queue waiter. Completions for untracked
// messages (generic sends, foreign custodian traffic) only settle the queue.
func (s *Service) settleSent(ctx context.Context, account *tvm.Address, o *chain.SentCompletion) {
	status := transaction.StatusDone
	var reason *string
	switch {
	case o.Aborted:
		status = transaction.StatusError
		r := "aborted"
		reason = &r
	case o.MultisigTransactionID != nil && len(o.Messages) == 0:
		// A multisig submit or a non-final confirm lands without emitting
		// the transfer; the row completes once the transfer itself leaves.
		status = transaction.StatusPartiallyDone
	}

	msgs := make(transaction.Messages, 0, len(o.Messages))
	for _, m := range o.Messages {
		recipient := ""
		if m.Recipient != nil {
			recipient = m.Recipient.String()
		}
		msgs = append(msgs, transaction.Message{
			Hash:      m.Hash,
			Recipient: recipient,
			Value:     m.Value.String(),
			Fee:       m.Fee.String(),
		})
	}

	upd := storage.SentUpdate{
		TransactionHash:       o.TransactionHash,
		TransactionLT:         int64(o.TransactionLT),
		TransactionTimestamp:  int64(o.TransactionTimestamp) * 1000,
		Status:                status,
		Value:                 o.Value.String(),
		Fee:                   o.Fee.String(),
		BalanceChange:         o.BalanceChange.String(),
		Messages:              msgs,
		MultisigTransactionID: o.MultisigTransactionID,
		Error:                 reason,
	}
	if _, _, err := s.store.UpdateSentTransaction(ctx, o.MessageHash, upd); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.log.WithField("message_hash", o.MessageHash).Debug("completion for untracked message")
		} else {
			s.log.WithError(err).WithField("message_hash", o.MessageHash).Error("send completion not persisted")
		}
	}

	if raw, err := hex.DecodeString(o.MessageHash); err == nil && len(raw) == 32 {
		var h [32]byte
		copy(h[:], raw)
		s.subscriber.Queue().Deliver(account.String(), h)
	}
}

// recordReceive persists an inbound transfer as a Done Receive row.
// Re-observing the same message is a no-op.
func (s *Service) recordReceive(ctx context.Context, record wallet.Address, o *chain.InboundTransfer) {
	lt := int64(o.TransactionLT)
	ts := int64(o.TransactionTimestamp) * 1000
	value := o.Value.String()
	fee := o.Fee.String()
	change := o.BalanceChange.String()

	row := transaction.Transaction{
		ServiceID:            record.ServiceID,
		Workchain:            record.Workchain,
		Hex:                  record.Hex,
		MessageHash:          o.MessageHash,
		TransactionHash:      &o.TransactionHash,
		TransactionLT:        &lt,
		TransactionTimestamp: &ts,
		Direction:            transaction.DirectionReceive,
		Status:               transaction.StatusDone,
		Value:                &value,
		Fee:                  &fee,
		BalanceChange:        &change,
	}
	if _, _, err := s.store.CreateTransaction(ctx, row); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			s.log.WithField("message_hash", o.MessageHash).Debug("receive already recorded")
		} else {
			s.log.WithError(err).WithField("message_hash", o.MessageHash).Error("receive not persisted")
		}
	}
}

func (s *Service) updateBalance(ctx context.Context, record wallet.Address, state *chain.ContractState) {
	if state == nil {
		return
	}
	if err := s.store.UpdateAddressBalance(ctx, record.Workchain, record.Hex, state.Balance, state.Deployed); err != nil {
		s.log.WithError(err).WithField("account", record.Base64URL).Warn("balance not updated")
	}
}

// handleToken classifies one transaction of a derived token wallet. The
// subscription itself proves the root is whitelisted; the wallet's resolved
// token data drives the parse.
func (s *Service) handleToken(ctx context.Context, owner wallet.Address, root string, txc *chain.TxContext) {
	if txc.State == nil || txc.State.Token == nil {
		s.log.WithField("account", txc.Tx.Account).Debug("token wallet state unavailable, transaction skipped")
		return
	}

	action, err := chain.ParseToken(txc.Tx, txc.State.Token)
	if err != nil {
		s.log.WithError(err).WithFields(map[string]interface{}{
			"account": txc.Tx.Account,
			"tx":      txc.Tx.Hash,
		}).Warn("token transaction not parsed")
		return
	}
	if action == nil {
		return
	}

	amount := "0"
	if action.Amount != nil {
		amount = action.Amount.String()
	}
	ts := int64(action.TransactionTimestamp) * 1000

	switch action.Kind {
	case chain.TokenIncomingTransfer, chain.TokenAccept:
		var counterparty *string
		if action.Counterparty != nil {
			c := action.Counterparty.String()
			counterparty = &c
		}
		row := token.Transaction{
			ServiceID:            owner.ServiceID,
			Workchain:            owner.Workchain,
			Hex:                  owner.Hex,
			RootAddress:          root,
			MessageHash:          action.InMessageHash,
			TransactionHash:      &action.TransactionHash,
			TransactionTimestamp: &ts,
			Value:                amount,
			Counterparty:         counterparty,
			Direction:            transaction.DirectionReceive,
			Status:               transaction.StatusDone,
		}
		if _, _, err := s.store.CreateTokenReceive(ctx, row, action.InMessageHash); err != nil {
			if errors.Is(err, storage.ErrAlreadyExists) {
				s.log.WithField("message_hash", action.InMessageHash).Debug("token receive already recorded")
			} else {
				s.log.WithError(err).WithField("message_hash", action.InMessageHash).Error("token receive not persisted")
			}
		}

	case chain.TokenOutgoingTransfer, chain.TokenSwapBack:
		upd := storage.TokenSentUpdate{
			MessageHash:          action.InMessageHash,
			TransactionHash:      action.TransactionHash,
			TransactionTimestamp: ts,
			Status:               transaction.StatusDone,
			Value:                amount,
		}
		if _, _, err := s.store.CompleteTokenSend(ctx, action.InMessageHash, upd); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				s.log.WithField("message_hash", action.InMessageHash).Debug("token completion for untracked send")
			} else {
				s.log.WithError(err).WithField("message_hash", action.InMessageHash).Error("token send completion not persisted")
			}
		}

	case chain.TokenTransferBounced, chain.TokenSwapBackBounced:
		// The bounce carries no reference to the original message; the
		// newest matching pending send is failed by content.
		if _, _, err := s.store.FailLatestTokenSend(ctx, owner.Workchain, owner.Hex, root, amount, "bounced"); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				s.log.WithField("account", owner.Base64URL).Debug("bounce without a pending token send")
			} else {
				s.log.WithError(err).WithField("account", owner.Base64URL).Error("token bounce not persisted")
			}
		}
	}

	s.kick()
}
