package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/R3E-Network/ton_gateway/internal/app/domain/token"
	"github.com/R3E-Network/ton_gateway/internal/app/domain/transaction"
	"github.com/R3E-Network/ton_gateway/internal/app/storage"
)

const tokenTransactionColumns = `id, service_id, account_workchain_id, account_hex, root_address,
	message_hash, owner_message_hash, transaction_hash, transaction_timestamp, value,
	counterparty, direction, status, error, expire_at, created_at, updated_at`

// --- TokenTransactionStore --------------------------------------------------

func (s *Store) CreateTokenTransaction(ctx context.Context, tx token.Transaction) (token.Transaction, token.Event, error) {
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	tx.CreatedAt = now
	tx.UpdatedAt = now

	var ev token.Event
	err := s.withinTx(ctx, func(dbtx *sqlx.Tx) error {
		if err := insertTokenTransaction(ctx, dbtx, tx); err != nil {
			return err
		}
		var err error
		ev, err = insertTokenEvent(ctx, dbtx, tx)
		return err
	})
	if err != nil {
		return token.Transaction{}, token.Event{}, translate(err)
	}
	return tx, ev, nil
}

func (s *Store) GetTokenTransaction(ctx context.Context, serviceID, id string) (token.Transaction, error) {
	var tx token.Transaction
	err := s.db.GetContext(ctx, &tx, `
		SELECT `+tokenTransactionColumns+`
		FROM token_transactions
		WHERE service_id = $1 AND id = $2
	`, serviceID, id)
	if err != nil {
		return token.Transaction{}, translate(err)
	}
	return tx, nil
}

func (s *Store) GetTokenTransactionByMessageHash(ctx context.Context, serviceID, messageHash string) (token.Transaction, error) {
	var tx token.Transaction
	err := s.db.GetContext(ctx, &tx, `
		SELECT `+tokenTransactionColumns+`
		FROM token_transactions
		WHERE service_id = $1 AND (message_hash = $2 OR owner_message_hash = $2)
		ORDER BY created_at
		LIMIT 1
	`, serviceID, messageHash)
	if err != nil {
		return token.Transaction{}, translate(err)
	}
	return tx, nil
}

func (s *Store) CompleteTokenSend(ctx context.Context, inMessageHash string, upd storage.TokenSentUpdate) (token.Transaction, token.Event, error) {
	var (
		tx token.Transaction
		ev token.Event
	)
	err := s.withinTx(ctx, func(dbtx *sqlx.Tx) error {
		// Lock the native transaction that emitted the in-message so a
		// concurrent observer cannot resolve the same send twice.
		var ownerMessageHash string
		err := dbtx.GetContext(ctx, &ownerMessageHash, `
			SELECT message_hash
			FROM transactions
			WHERE messages @> jsonb_build_array(jsonb_build_object('messageHash', $1::text))
			ORDER BY created_at
			LIMIT 1
			FOR UPDATE
		`, inMessageHash)
		if err != nil {
			return err
		}

		err = dbtx.GetContext(ctx, &tx, `
			SELECT `+tokenTransactionColumns+`
			FROM token_transactions
			WHERE owner_message_hash = $1 AND direction = $2 AND status = $3
			FOR UPDATE
		`, ownerMessageHash, transaction.DirectionSend, transaction.StatusNew)
		if err != nil {
			return err
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

		_, err = dbtx.ExecContext(ctx, `
			UPDATE token_transactions
			SET message_hash = $2, transaction_hash = $3, transaction_timestamp = $4,
				status = $5, value = $6, error = $7, updated_at = $8
			WHERE id = $1
		`, tx.ID, tx.MessageHash, tx.TransactionHash, tx.TransactionTimestamp, tx.Status,
			tx.Value, tx.Error, tx.UpdatedAt)
		if err != nil {
			return err
		}
		ev, err = insertTokenEvent(ctx, dbtx, tx)
		return err
	})
	if err != nil {
		return token.Transaction{}, token.Event{}, translate(err)
	}
	return tx, ev, nil
}

func (s *Store) CreateTokenReceive(ctx context.Context, tx token.Transaction, inMessageHash string) (token.Transaction, token.Event, error) {
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	tx.CreatedAt = now
	tx.UpdatedAt = now

	var ev token.Event
	err := s.withinTx(ctx, func(dbtx *sqlx.Tx) error {
		// Link back to the owning native transaction when the in-message
		// was emitted by an account the gateway custodies.
		if inMessageHash != "" {
			var ownerMessageHash string
			err := dbtx.GetContext(ctx, &ownerMessageHash, `
				SELECT message_hash
				FROM transactions
				WHERE messages @> jsonb_build_array(jsonb_build_object('messageHash', $1::text))
				ORDER BY created_at
				LIMIT 1
				FOR UPDATE
			`, inMessageHash)
			switch {
			case err == nil:
				tx.OwnerMessageHash = &ownerMessageHash
			case errors.Is(err, sql.ErrNoRows):
				// Sender is not hosted here; no link to record.
			default:
				return err
			}
		}
		if err := insertTokenTransaction(ctx, dbtx, tx); err != nil {
			return err
		}
		var err error
		ev, err = insertTokenEvent(ctx, dbtx, tx)
		return err
	})
	if err != nil {
		return token.Transaction{}, token.Event{}, translate(err)
	}
	return tx, ev, nil
}

func (s *Store) ListExpiredPendingTokens(ctx context.Context, now time.Time) ([]token.Transaction, error) {
	var txs []token.Transaction
	err := s.db.SelectContext(ctx, &txs, `
		SELECT `+tokenTransactionColumns+`
		FROM token_transactions
		WHERE direction = $1 AND status = $2 AND expire_at IS NOT NULL AND expire_at < $3
		ORDER BY created_at
	`, transaction.DirectionSend, transaction.StatusNew, now.UTC())
	return txs, translate(err)
}

func (s *Store) FailTokenTransaction(ctx context.Context, id, reason string) (token.Transaction, token.Event, error) {
	var (
		tx token.Transaction
		ev token.Event
	)
	err := s.withinTx(ctx, func(dbtx *sqlx.Tx) error {
		err := dbtx.QueryRowxContext(ctx, `
			UPDATE token_transactions
			SET status = $3, error = $4, updated_at = $5
			WHERE id = $1 AND status = $2
			RETURNING `+tokenTransactionColumns+`
		`, id, transaction.StatusNew, transaction.StatusError, reason,
			time.Now().UTC()).StructScan(&tx)
		if err != nil {
			return err
		}
		ev, err = insertTokenEvent(ctx, dbtx, tx)
		return err
	})
	if err != nil {
		return token.Transaction{}, token.Event{}, translate(err)
	}
	return tx, ev, nil
}

func (s *Store) FailLatestTokenSend(ctx context.Context, workchain int32, hex, rootAddress, value, reason string) (token.Transaction, token.Event, error) {
	var (
		tx token.Transaction
		ev token.Event
	)
	err := s.withinTx(ctx, func(dbtx *sqlx.Tx) error {
		err := dbtx.GetContext(ctx, &tx, `
			SELECT `+tokenTransactionColumns+`
			FROM token_transactions
			WHERE account_workchain_id = $1 AND account_hex = $2 AND root_address = $3
				AND value = $4 AND direction = $5 AND status IN ($6, $7)
			ORDER BY created_at DESC
			LIMIT 1
			FOR UPDATE
		`, workchain, hex, rootAddress, value, transaction.DirectionSend,
			transaction.StatusNew, transaction.StatusDone)
		if err != nil {
			return err
		}

		tx.Status = transaction.StatusError
		tx.Error = &reason
		tx.UpdatedAt = time.Now().UTC()
		_, err = dbtx.ExecContext(ctx, `
			UPDATE token_transactions
			SET status = $2, error = $3, updated_at = $4
			WHERE id = $1
		`, tx.ID, tx.Status, tx.Error, tx.UpdatedAt)
		if err != nil {
			return err
		}
		ev, err = insertTokenEvent(ctx, dbtx, tx)
		return err
	})
	if err != nil {
		return token.Transaction{}, token.Event{}, translate(err)
	}
	return tx, ev, nil
}

func (s *Store) ListTokenWhitelist(ctx context.Context) ([]token.Whitelist, error) {
	var entries []token.Whitelist
	err := s.db.SelectContext(ctx, &entries, `
		SELECT name, address, created_at
		FROM token_whitelist
		ORDER BY created_at
	`)
	return entries, translate(err)
}

func (s *Store) AddTokenRoot(ctx context.Context, entry token.Whitelist) (token.Whitelist, error) {
	entry.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO token_whitelist (name, address, created_at)
		VALUES ($1, $2, $3)
	`, entry.Name, entry.Address, entry.CreatedAt)
	if err != nil {
		return token.Whitelist{}, translate(err)
	}
	return entry, nil
}

func insertTokenTransaction(ctx context.Context, dbtx *sqlx.Tx, tx token.Transaction) error {
	_, err := dbtx.ExecContext(ctx, `
		INSERT INTO token_transactions (id, service_id, account_workchain_id, account_hex,
			root_address, message_hash, owner_message_hash, transaction_hash,
			transaction_timestamp, value, counterparty, direction, status, error,
			expire_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`, tx.ID, tx.ServiceID, tx.Workchain, tx.Hex, tx.RootAddress, tx.MessageHash,
		tx.OwnerMessageHash, tx.TransactionHash, tx.TransactionTimestamp, tx.Value,
		tx.Counterparty, tx.Direction, tx.Status, tx.Error, tx.ExpireAt,
		tx.CreatedAt, tx.UpdatedAt)
	return err
}

func insertTokenEvent(ctx context.Context, dbtx *sqlx.Tx, tx token.Transaction) (token.Event, error) {
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
	_, err := dbtx.ExecContext(ctx, `
		INSERT INTO token_transaction_events (id, service_id, token_transaction_id,
			message_hash, account_workchain_id, account_hex, root_address, value,
			transaction_direction, transaction_status, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, ev.ID, ev.ServiceID, ev.TransactionID, ev.MessageHash, ev.Workchain, ev.Hex,
		ev.RootAddress, ev.Value, ev.Direction, ev.TransactionStatus, ev.Status,
		ev.CreatedAt, ev.UpdatedAt)
	if err != nil {
		return token.Event{}, err
	}
	return ev, nil
}
