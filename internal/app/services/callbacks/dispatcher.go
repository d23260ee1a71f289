// Package callbacks delivers event notifications to registered services:
// a lifecycle-managed poller drains pending event rows and POSTs each one,
// signed, to the owning service's webhook.
package callbacks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/R3E-Network/ton_gateway/internal/app/domain/token"
	"github.com/R3E-Network/ton_gateway/internal/app/domain/transaction"
	"github.com/R3E-Network/ton_gateway/internal/app/metrics"
	"github.com/R3E-Network/ton_gateway/internal/app/storage"
	"github.com/R3E-Network/ton_gateway/internal/app/system"
	"github.com/R3E-Network/ton_gateway/internal/middleware"
	"github.com/R3E-Network/ton_gateway/internal/tvm"
	"github.com/R3E-Network/ton_gateway/pkg/logger"
)

const (
	// DefaultPollInterval paces the fallback sweep; observers kick the
	// dispatcher directly when new events land.
	DefaultPollInterval = 5 * time.Second
	// DefaultBatchSize caps one drain pass.
	DefaultBatchSize = 100

	requestTimeout = 10 * time.Second
)

// Store is the persistence surface the dispatcher needs.
type Store interface {
	storage.ServiceStore
	storage.EventStore
}

// Dispatcher drains event rows still in EventStatusNew and delivers them.
// Delivery is at-most-once per drain: a failed POST parks the event in
// EventStatusError until an operator re-drives it.
type Dispatcher struct {
	store    Store
	client   *http.Client
	log      *logger.Logger
	interval time.Duration
	now      func() time.Time

	kick    chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

var _ system.Service = (*Dispatcher)(nil)

// New creates the dispatcher with the default pacing.
func New(store Store, log *logger.Logger) *Dispatcher {
	if log == nil {
		log = logger.NewDefault("callbacks")
	}
	return &Dispatcher{
		store:    store,
		client:   &http.Client{Timeout: requestTimeout},
		log:      log,
		interval: DefaultPollInterval,
		now:      time.Now,
		kick:     make(chan struct{}, 1),
	}
}

// SetPollInterval overrides the fallback sweep pacing. Call before Start.
func (d *Dispatcher) SetPollInterval(interval time.Duration) {
	if interval > 0 {
		d.interval = interval
	}
}

// SetRequestTimeout overrides the per-delivery HTTP timeout. Call before
// Start.
func (d *Dispatcher) SetRequestTimeout(timeout time.Duration) {
	if timeout > 0 {
		d.client.Timeout = timeout
	}
}

// Kick wakes the dispatcher without waiting for the next tick. Safe to call
// from any goroutine; a wake-up already pending is not duplicated.
func (d *Dispatcher) Kick() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// Name implements system.Service.
func (d *Dispatcher) Name() string { return "callbacks" }

// Start launches the drain loop.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return fmt.Errorf("callback dispatcher already running")
	}
	d.running = true

	runCtx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.wg.Add(1)
	go d.run(runCtx)

	d.log.Info("callback dispatcher started")
	return nil
}

// Stop halts the drain loop and waits for an in-flight pass to finish.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	cancel := d.cancel
	d.cancel = nil
	d.mu.Unlock()

	cancel()
	d.wg.Wait()
	d.log.Info("callback dispatcher stopped")
	return nil
}

func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		d.drain(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-d.kick:
		}
	}
}

// drain delivers one batch of pending native and token events. Individual
// failures never stop the pass.
func (d *Dispatcher) drain(ctx context.Context) {
	events, err := d.store.ListPendingEvents(ctx, DefaultBatchSize)
	if err != nil {
		d.log.WithError(err).Error("pending events lookup failed")
	} else {
		for _, ev := range events {
			d.deliverNative(ctx, ev)
			if ctx.Err() != nil {
				return
			}
		}
	}

	tokenEvents, err := d.store.ListPendingTokenEvents(ctx, DefaultBatchSize)
	if err != nil {
		d.log.WithError(err).Error("pending token events lookup failed")
		return
	}
	for _, ev := range tokenEvents {
		d.deliverToken(ctx, ev)
		if ctx.Err() != nil {
			return
		}
	}
}

// account is the address block of a notification.
type account struct {
	Workchain int32  `json:"workchainId"`
	Hex       string `json:"hex"`
	Base64URL string `json:"base64url"`
}

// notification is the JSON body POSTed to a service's webhook. Timestamps
// are millisecond epochs.
type notification struct {
	ID                string                  `json:"id"`
	TransactionID     string                  `json:"transactionId"`
	MessageHash       string                  `json:"messageHash"`
	Account           account                 `json:"account"`
	BalanceChange     *string                 `json:"balanceChange,omitempty"`
	RootAddress       string                  `json:"rootAddress,omitempty"`
	Direction         transaction.Direction   `json:"transactionDirection"`
	TransactionStatus transaction.Status      `json:"transactionStatus"`
	EventStatus       transaction.EventStatus `json:"eventStatus"`
	CreatedAt         int64                   `json:"createdAt"`
	UpdatedAt         int64                   `json:"updatedAt"`
}

func (d *Dispatcher) deliverNative(ctx context.Context, ev transaction.Event) {
	body := notification{
		ID:                ev.ID,
		TransactionID:     ev.TransactionID,
		MessageHash:       ev.MessageHash,
		Account:           accountOf(ev.Workchain, ev.Hex),
		BalanceChange:     ev.BalanceChange,
		Direction:         ev.Direction,
		TransactionStatus: ev.TransactionStatus,
		EventStatus:       ev.Status,
		CreatedAt:         ev.CreatedAt.UnixMilli(),
		UpdatedAt:         ev.UpdatedAt.UnixMilli(),
	}
	final, err := d.post(ctx, ev.ServiceID, body)
	if err != nil {
		d.log.WithError(err).WithField("event", ev.ID).Warn("event delivery deferred")
		return
	}
	if _, err := d.store.MarkEvent(ctx, ev.ServiceID, ev.ID, final); err != nil {
		d.log.WithError(err).WithField("event", ev.ID).Error("event status not persisted")
	}
}

func (d *Dispatcher) deliverToken(ctx context.Context, ev token.Event) {
	body := notification{
		ID:                ev.ID,
		TransactionID:     ev.TransactionID,
		MessageHash:       ev.MessageHash,
		Account:           accountOf(ev.Workchain, ev.Hex),
		RootAddress:       ev.RootAddress,
		Direction:         ev.Direction,
		TransactionStatus: ev.TransactionStatus,
		EventStatus:       ev.Status,
		CreatedAt:         ev.CreatedAt.UnixMilli(),
		UpdatedAt:         ev.UpdatedAt.UnixMilli(),
	}
	final, err := d.post(ctx, ev.ServiceID, body)
	if err != nil {
		d.log.WithError(err).WithField("event", ev.ID).Warn("token event delivery deferred")
		return
	}
	if _, err := d.store.MarkTokenEvent(ctx, ev.ServiceID, ev.ID, final); err != nil {
		d.log.WithError(err).WithField("event", ev.ID).Error("token event status not persisted")
	}
}

// post delivers one notification and reports the resulting event status. A
// returned error means delivery could not be attempted at all and the event
// stays pending for the next pass.
func (d *Dispatcher) post(ctx context.Context, serviceID string, body notification) (transaction.EventStatus, error) {
	cb, err := d.store.GetCallback(ctx, serviceID)
	if errors.Is(err, storage.ErrNotFound) {
		// No destination registered: the event is acknowledged unseen.
		return transaction.EventStatusNotified, nil
	}
	if err != nil {
		return "", fmt.Errorf("load callback: %w", err)
	}

	target, err := url.Parse(cb.URL)
	if err != nil {
		d.log.WithError(err).WithField("service", serviceID).Error("callback url does not parse")
		return transaction.EventStatusError, nil
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("encode notification: %w", err)
	}

	ts := d.now().UnixMilli()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cb.URL, bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("TIMESTAMP", strconv.FormatInt(ts, 10))
	req.Header.Set("SIGN", middleware.Sign(cb.Secret, ts, target.Path, raw))

	resp, err := d.client.Do(req)
	if err != nil {
		metrics.RecordCallback("error")
		d.log.WithError(err).WithField("service", serviceID).Warn("callback request failed")
		return transaction.EventStatusError, nil
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		metrics.RecordCallback("error")
		d.log.WithField("service", serviceID).WithField("status", resp.StatusCode).Warn("callback rejected")
		return transaction.EventStatusError, nil
	}
	metrics.RecordCallback("ok")
	return transaction.EventStatusNotified, nil
}

func accountOf(workchain int32, hexAddr string) account {
	out := account{Workchain: workchain, Hex: hexAddr}
	if addr, err := tvm.AddressFromHex(workchain, hexAddr); err == nil {
		out.Base64URL = addr.Base64URL()
	}
	return out
}
