package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/R3E-Network/ton_gateway/internal/app/domain/token"
	"github.com/R3E-Network/ton_gateway/internal/app/domain/transaction"
	"github.com/R3E-Network/ton_gateway/internal/app/storage"
)

const eventColumns = `id, service_id, transaction_id, message_hash, account_workchain_id,
	account_hex, balance_change, transaction_direction, transaction_status, status,
	created_at, updated_at`

const tokenEventColumns = `id, service_id, token_transaction_id, message_hash,
	account_workchain_id, account_hex, root_address, value, transaction_direction,
	transaction_status, status, created_at, updated_at`

// --- EventStore -------------------------------------------------------------

func (s *Store) GetEvent(ctx context.Context, serviceID, id string) (transaction.Event, error) {
	var ev transaction.Event
	err := s.db.GetContext(ctx, &ev, `
		SELECT `+eventColumns+`
		FROM transaction_events
		WHERE service_id = $1 AND id = $2
	`, serviceID, id)
	if err != nil {
		return transaction.Event{}, translate(err)
	}
	return ev, nil
}

func (s *Store) ListPendingEvents(ctx context.Context, limit int) ([]transaction.Event, error) {
	if limit <= 0 || limit > storage.MaxPageSize {
		limit = storage.MaxPageSize
	}
	var evs []transaction.Event
	err := s.db.SelectContext(ctx, &evs, `
		SELECT `+eventColumns+`
		FROM transaction_events
		WHERE status = $1
		ORDER BY created_at
		LIMIT $2
	`, transaction.EventStatusNew, limit)
	return evs, translate(err)
}

func (s *Store) SearchEvents(ctx context.Context, serviceID string, f storage.EventFilter) ([]transaction.Event, error) {
	where, args := eventFilterClauses(serviceID, f, "transaction_id")
	limit, offset := pageBounds(f.Limit, f.Offset)
	args = append(args, limit, offset)

	query := fmt.Sprintf(`
		SELECT `+eventColumns+`
		FROM transaction_events
		WHERE %s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d
	`, strings.Join(where, " AND "), len(args)-1, len(args))

	var evs []transaction.Event
	err := s.db.SelectContext(ctx, &evs, query, args...)
	return evs, translate(err)
}

func (s *Store) MarkEvent(ctx context.Context, serviceID, id string, status transaction.EventStatus) (transaction.Event, error) {
	var ev transaction.Event
	err := s.db.QueryRowxContext(ctx, `
		UPDATE transaction_events
		SET status = $3, updated_at = $4
		WHERE service_id = $1 AND id = $2
		RETURNING `+eventColumns+`
	`, serviceID, id, status, time.Now().UTC()).StructScan(&ev)
	if err != nil {
		return transaction.Event{}, translate(err)
	}
	return ev, nil
}

func (s *Store) MarkEvents(ctx context.Context, serviceID string, from, to transaction.EventStatus) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE transaction_events
		SET status = $3, updated_at = $4
		WHERE service_id = $1 AND status = $2
	`, serviceID, from, to, time.Now().UTC())
	if err != nil {
		return 0, translate(err)
	}
	rows, _ := result.RowsAffected()
	return rows, nil
}

func (s *Store) ListPendingTokenEvents(ctx context.Context, limit int) ([]token.Event, error) {
	if limit <= 0 || limit > storage.MaxPageSize {
		limit = storage.MaxPageSize
	}
	var evs []token.Event
	err := s.db.SelectContext(ctx, &evs, `
		SELECT `+tokenEventColumns+`
		FROM token_transaction_events
		WHERE status = $1
		ORDER BY created_at
		LIMIT $2
	`, transaction.EventStatusNew, limit)
	return evs, translate(err)
}

func (s *Store) SearchTokenEvents(ctx context.Context, serviceID string, f storage.EventFilter) ([]token.Event, error) {
	where, args := eventFilterClauses(serviceID, f, "token_transaction_id")
	limit, offset := pageBounds(f.Limit, f.Offset)
	args = append(args, limit, offset)

	query := fmt.Sprintf(`
		SELECT `+tokenEventColumns+`
		FROM token_transaction_events
		WHERE %s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d
	`, strings.Join(where, " AND "), len(args)-1, len(args))

	var evs []token.Event
	err := s.db.SelectContext(ctx, &evs, query, args...)
	return evs, translate(err)
}

func (s *Store) MarkTokenEvent(ctx context.Context, serviceID, id string, status transaction.EventStatus) (token.Event, error) {
	var ev token.Event
	err := s.db.QueryRowxContext(ctx, `
		UPDATE token_transaction_events
		SET status = $3, updated_at = $4
		WHERE service_id = $1 AND id = $2
		RETURNING `+tokenEventColumns+`
	`, serviceID, id, status, time.Now().UTC()).StructScan(&ev)
	if err != nil {
		return token.Event{}, translate(err)
	}
	return ev, nil
}

func (s *Store) MarkTokenEvents(ctx context.Context, serviceID string, from, to transaction.EventStatus) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE token_transaction_events
		SET status = $3, updated_at = $4
		WHERE service_id = $1 AND status = $2
	`, serviceID, from, to, time.Now().UTC())
	if err != nil {
		return 0, translate(err)
	}
	rows, _ := result.RowsAffected()
	return rows, nil
}

func eventFilterClauses(serviceID string, f storage.EventFilter, txColumn string) ([]string, []interface{}) {
	where := []string{"service_id = $1"}
	args := []interface{}{serviceID}

	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.TransactionID != nil {
		add(txColumn+" = $%d", *f.TransactionID)
	}
	if f.MessageHash != nil {
		add("message_hash = $%d", *f.MessageHash)
	}
	if f.Direction != nil {
		add("transaction_direction = $%d", *f.Direction)
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
	return where, args
}

func pageBounds(limit, offset int) (int, int) {
	if limit <= 0 || limit > storage.MaxPageSize {
		limit = storage.MaxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
