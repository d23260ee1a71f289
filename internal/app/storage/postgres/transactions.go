package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/R3E-Network/ton_gateway/internal/app/domain/transaction"
	"github.com/R3E-Network/ton_gateway/internal/app/storage"
)

const transactionColumns = `id, service_id, account_workchain_id, account_hex, message_hash,
	transaction_hash, transaction_lt, transaction_timestamp, direction, status, original_value,
	original_outputs, value, fee, balance_change, messages, multisig_transaction_id, error,
	expire_at, created_at, updated_at`

// --- TransactionStore -------------------------------------------------------

func (s *Store) CreateTransaction(ctx context.Context, tx transaction.Transaction) (transaction.Transaction, transaction.Event, error) {
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	tx.CreatedAt = now
	tx.UpdatedAt = now

	var ev transaction.Event
	err := s.withinTx(ctx, func(dbtx *sqlx.Tx) error {
		_, err := dbtx.ExecContext(ctx, `
			INSERT INTO transactions (id, service_id, account_workchain_id, account_hex,
				message_hash, transaction_hash, transaction_lt, transaction_timestamp,
				direction, status, original_value, original_outputs, value, fee,
				balance_change, messages, multisig_transaction_id, error, expire_at,
				created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
				$16, $17, $18, $19, $20, $21)
		`, tx.ID, tx.ServiceID, tx.Workchain, tx.Hex, tx.MessageHash, tx.TransactionHash,
			tx.TransactionLT, tx.TransactionTimestamp, tx.Direction, tx.Status,
			tx.OriginalValue, tx.OriginalOutputs, tx.Value, tx.Fee, tx.BalanceChange,
			tx.Messages, tx.MultisigTransactionID, tx.Error, tx.ExpireAt,
			tx.CreatedAt, tx.UpdatedAt)
		if err != nil {
			return err
		}
		ev, err = insertTransactionEvent(ctx, dbtx, tx)
		return err
	})
	if err != nil {
		return transaction.Transaction{}, transaction.Event{}, translate(err)
	}
	return tx, ev, nil
}

func (s *Store) GetTransaction(ctx context.Context, serviceID, id string) (transaction.Transaction, error) {
	var tx transaction.Transaction
	err := s.db.GetContext(ctx, &tx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE service_id = $1 AND id = $2
	`, serviceID, id)
	if err != nil {
		return transaction.Transaction{}, translate(err)
	}
	return tx, nil
}

func (s *Store) GetTransactionByMessageHash(ctx context.Context, serviceID, messageHash string) (transaction.Transaction, error) {
	var tx transaction.Transaction
	err := s.db.GetContext(ctx, &tx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE service_id = $1 AND message_hash = $2
		ORDER BY created_at
		LIMIT 1
	`, serviceID, messageHash)
	if err != nil {
		return transaction.Transaction{}, translate(err)
	}
	return tx, nil
}

func (s *Store) GetTransactionByHash(ctx context.Context, serviceID, transactionHash string) (transaction.Transaction, error) {
	var tx transaction.Transaction
	err := s.db.GetContext(ctx, &tx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE service_id = $1 AND transaction_hash = $2
		ORDER BY created_at
		LIMIT 1
	`, serviceID, transactionHash)
	if err != nil {
		return transaction.Transaction{}, translate(err)
	}
	return tx, nil
}

func (s *Store) SearchTransactions(ctx context.Context, serviceID string, f storage.TransactionFilter) ([]transaction.Transaction, error) {
	where := []string{"service_id = $1"}
	args := []interface{}{serviceID}

	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.MessageHash != nil {
		add("message_hash = $%d", *f.MessageHash)
	}
	if f.TransactionHash != nil {
		add("transaction_hash = $%d", *f.TransactionHash)
	}
	if f.Workchain != nil {
		add("account_workchain_id = $%d", *f.Workchain)
	}
	if f.Hex != nil {
		add("account_hex = $%d", *f.Hex)
	}
	if f.Direction != nil {
		add("direction = $%d", *f.Direction)
	}
	if f.Status != nil {
		add("status = $%d", *f.Status)
	}
	if f.CreatedAfter != nil {
		add("created_at >= $%d", *f.CreatedAfter)
	}
	if f.CreatedBefore != nil {
		add("created_at < $%d", *f.CreatedBefore)
	}

	limit := f.Limit
	if limit <= 0 || limit > storage.MaxPageSize {
		limit = storage.MaxPageSize
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	args = append(args, limit, offset)

	query := fmt.Sprintf(`
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE %s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d
	`, strings.Join(where, " AND "), len(args)-1, len(args))

	var txs []transaction.Transaction
	err := s.db.SelectContext(ctx, &txs, query, args...)
	return txs, translate(err)
}

func (s *Store) UpdateSentTransaction(ctx context.Context, messageHash string, upd storage.SentUpdate) (transaction.Transaction, transaction.Event, error) {
	var (
		tx transaction.Transaction
		ev transaction.Event
	)
	err := s.withinTx(ctx, func(dbtx *sqlx.Tx) error {
		err := dbtx.GetContext(ctx, &tx, `
			SELECT `+transactionColumns+`
			FROM transactions
			WHERE message_hash = $1 AND direction = $2 AND status = $3
			FOR UPDATE
		`, messageHash, transaction.DirectionSend, transaction.StatusNew)
		if err != nil {
			return err
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

		_, err = dbtx.ExecContext(ctx, `
			UPDATE transactions
			SET transaction_hash = $2, transaction_lt = $3, transaction_timestamp = $4,
				status = $5, value = $6, fee = $7, balance_change = $8, messages = $9,
				multisig_transaction_id = $10, error = $11, updated_at = $12
			WHERE id = $1
		`, tx.ID, tx.TransactionHash, tx.TransactionLT, tx.TransactionTimestamp, tx.Status,
			tx.Value, tx.Fee, tx.BalanceChange, tx.Messages, tx.MultisigTransactionID,
			tx.Error, tx.UpdatedAt)
		if err != nil {
			return err
		}
		ev, err = insertTransactionEvent(ctx, dbtx, tx)
		return err
	})
	if err != nil {
		return transaction.Transaction{}, transaction.Event{}, translate(err)
	}
	return tx, ev, nil
}

func (s *Store) FailSentTransaction(ctx context.Context, messageHash, reason string) (transaction.Transaction, transaction.Event, error) {
	var (
		tx transaction.Transaction
		ev transaction.Event
	)
	err := s.withinTx(ctx, func(dbtx *sqlx.Tx) error {
		err := dbtx.QueryRowxContext(ctx, `
			UPDATE transactions
			SET status = $4, error = $5, updated_at = $6
			WHERE message_hash = $1 AND direction = $2 AND status = $3
			RETURNING `+transactionColumns+`
		`, messageHash, transaction.DirectionSend, transaction.StatusNew,
			transaction.StatusError, reason, time.Now().UTC()).StructScan(&tx)
		if err != nil {
			return err
		}
		ev, err = insertTransactionEvent(ctx, dbtx, tx)
		return err
	})
	if err != nil {
		return transaction.Transaction{}, transaction.Event{}, translate(err)
	}
	return tx, ev, nil
}

func (s *Store) ListExpiredPending(ctx context.Context, now time.Time) ([]transaction.Transaction, error) {
	var txs []transaction.Transaction
	err := s.db.SelectContext(ctx, &txs, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE direction = $1 AND status = $2 AND expire_at IS NOT NULL AND expire_at < $3
		ORDER BY created_at
	`, transaction.DirectionSend, transaction.StatusNew, now.UTC())
	return txs, translate(err)
}

func (s *Store) FindByOutMessageHash(ctx context.Context, messageHash string) (transaction.Transaction, error) {
	var tx transaction.Transaction
	err := s.db.GetContext(ctx, &tx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE messages @> jsonb_build_array(jsonb_build_object('messageHash', $1::text))
		ORDER BY created_at
		LIMIT 1
	`, messageHash)
	if err != nil {
		return transaction.Transaction{}, translate(err)
	}
	return tx, nil
}

// insertTransactionEvent writes the event row reflecting the transaction's
// current state. Callers run it inside the same database transaction as the
// state change itself.
func insertTransactionEvent(ctx context.Context, dbtx *sqlx.Tx, tx transaction.Transaction) (transaction.Event, error) {
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
	_, err := dbtx.ExecContext(ctx, `
		INSERT INTO transaction_events (id, service_id, transaction_id, message_hash,
			account_workchain_id, account_hex, balance_change, transaction_direction,
			transaction_status, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, ev.ID, ev.ServiceID, ev.TransactionID, ev.MessageHash, ev.Workchain, ev.Hex,
		ev.BalanceChange, ev.Direction, ev.TransactionStatus, ev.Status,
		ev.CreatedAt, ev.UpdatedAt)
	if err != nil {
		return transaction.Event{}, err
	}
	return ev, nil
}
