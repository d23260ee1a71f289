package transactions

import (
	"context"
	"errors"
	"time"

	"github.com/R3E-Network/ton_gateway/internal/app/domain/transaction"
	"github.com/R3E-Network/ton_gateway/internal/app/storage"
	apperrors "github.com/R3E-Network/ton_gateway/internal/errors"
)

// EventsRequest filters the transaction event ledger.
type EventsRequest struct {
	TransactionID *string `json:"transactionId,omitempty"`
	MessageHash   *string `json:"messageHash,omitempty"`
	Direction     *string `json:"transactionDirection,omitempty"`
	Status        *string `json:"eventStatus,omitempty"`
	CreatedAfter  *int64  `json:"createdAfter,omitempty"`
	CreatedBefore *int64  `json:"createdBefore,omitempty"`
	Limit         int     `json:"limit,omitempty"`
	Offset        int     `json:"offset,omitempty"`
}

// Events searches the service's event ledger.
func (s *Service) Events(ctx context.Context, serviceID string, req EventsRequest) ([]transaction.Event, error) {
	filter := storage.EventFilter{
		TransactionID: req.TransactionID,
		MessageHash:   req.MessageHash,
		Limit:         req.Limit,
		Offset:        req.Offset,
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
		switch st := transaction.EventStatus(*req.Status); st {
		case transaction.EventStatusNew, transaction.EventStatusNotified, transaction.EventStatusError:
			filter.Status = &st
		default:
			return nil, apperrors.WrongInputf("unknown event status %q", *req.Status)
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
	return s.store.SearchEvents(ctx, serviceID, filter)
}

// GetEvent returns one event row.
func (s *Service) GetEvent(ctx context.Context, serviceID, id string) (transaction.Event, error) {
	ev, err := s.store.GetEvent(ctx, serviceID, id)
	if errors.Is(err, storage.ErrNotFound) {
		return transaction.Event{}, apperrors.NotFound("event")
	}
	return ev, err
}

// MarkEvent advances one event to Notified, acknowledging its callback
// out-of-band.
func (s *Service) MarkEvent(ctx context.Context, serviceID, id string) (transaction.Event, error) {
	ev, err := s.store.MarkEvent(ctx, serviceID, id, transaction.EventStatusNotified)
	if errors.Is(err, storage.ErrNotFound) {
		return transaction.Event{}, apperrors.NotFound("event")
	}
	return ev, err
}

// MarkEvents advances every New event of the service to Notified and reports
// how many rows moved.
func (s *Service) MarkEvents(ctx context.Context, serviceID string) (int64, error) {
	return s.store.MarkEvents(ctx, serviceID, transaction.EventStatusNew, transaction.EventStatusNotified)
}
