package callbacks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/R3E-Network/ton_gateway/internal/app/domain/service"
	"github.com/R3E-Network/ton_gateway/internal/app/domain/token"
	"github.com/R3E-Network/ton_gateway/internal/app/domain/transaction"
	"github.com/R3E-Network/ton_gateway/internal/app/storage/memory"
	"github.com/R3E-Network/ton_gateway/internal/middleware"
	"github.com/R3E-Network/ton_gateway/pkg/logger"
)

const rootRaw = "0:aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

type hookRequest struct {
	Path      string
	Timestamp string
	Sign      string
	Body      []byte
}

type hook struct {
	mu       sync.Mutex
	status   int
	requests []hookRequest
}

func (h *hook) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		h.mu.Lock()
		h.requests = append(h.requests, hookRequest{
			Path:      r.URL.Path,
			Timestamp: r.Header.Get("TIMESTAMP"),
			Sign:      r.Header.Get("SIGN"),
			Body:      body,
		})
		status := h.status
		h.mu.Unlock()
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
	}
}

func (h *hook) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.requests)
}

func (h *hook) last(t *testing.T) hookRequest {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.requests) == 0 {
		t.Fatal("no webhook request received")
	}
	return h.requests[len(h.requests)-1]
}

func quietLogger() *logger.Logger {
	log := logger.NewDefault("test")
	log.SetOutput(io.Discard)
	return log
}

type fixture struct {
	d     *Dispatcher
	store *memory.Store
	hook  *hook
}

// newFixture registers service svc-a with a webhook at /hooks/ton signed
// with cb-secret.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	store := memory.New()
	if _, err := store.CreateService(ctx, service.Definition{ID: "svc-a", Name: "alpha"}); err != nil {
		t.Fatalf("create service: %v", err)
	}

	h := &hook{}
	srv := httptest.NewServer(h.handler())
	t.Cleanup(srv.Close)
	if _, err := store.SetCallback(ctx, service.Callback{
		ServiceID: "svc-a",
		URL:       srv.URL + "/hooks/ton",
		Secret:    "cb-secret",
	}); err != nil {
		t.Fatalf("set callback: %v", err)
	}

	return &fixture{d: New(store, quietLogger()), store: store, hook: h}
}

func seedReceive(t *testing.T, store *memory.Store, id string) transaction.Event {
	t.Helper()
	change := "500000000"
	_, ev, err := store.CreateTransaction(context.Background(), transaction.Transaction{
		ID:            id,
		ServiceID:     "svc-a",
		Workchain:     0,
		Hex:           strings.Repeat("ab", 32),
		MessageHash:   strings.Repeat(id[len(id)-1:], 64)[:64],
		Direction:     transaction.DirectionReceive,
		Status:        transaction.StatusDone,
		BalanceChange: &change,
	})
	if err != nil {
		t.Fatalf("seed transaction: %v", err)
	}
	return ev
}

func TestDeliverSignedNotification(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	seedReceive(t, fx.store, "tx-1")

	fx.d.drain(ctx)

	if fx.hook.count() != 1 {
		t.Fatalf("requests = %d, want 1", fx.hook.count())
	}
	req := fx.hook.last(t)
	if req.Path != "/hooks/ton" {
		t.Fatalf("path = %s", req.Path)
	}

	ts, err := strconv.ParseInt(req.Timestamp, 10, 64)
	if err != nil {
		t.Fatalf("timestamp header %q: %v", req.Timestamp, err)
	}
	if d := time.Since(time.UnixMilli(ts)); d < 0 || d > time.Minute {
		t.Fatalf("timestamp drift = %v", d)
	}
	if want := middleware.Sign("cb-secret", ts, "/hooks/ton", req.Body); req.Sign != want {
		t.Fatalf("sign header = %q, want %q", req.Sign, want)
	}

	var n notification
	if err := json.Unmarshal(req.Body, &n); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if n.ID == "" || n.TransactionID != "tx-1" {
		t.Fatalf("ids = %q %q", n.ID, n.TransactionID)
	}
	if n.Account.Hex != strings.Repeat("ab", 32) || n.Account.Base64URL == "" {
		t.Fatalf("account = %+v", n.Account)
	}
	if n.BalanceChange == nil || *n.BalanceChange != "500000000" {
		t.Fatalf("balance change = %v", n.BalanceChange)
	}
	if n.Direction != transaction.DirectionReceive || n.TransactionStatus != transaction.StatusDone {
		t.Fatalf("direction = %s status = %s", n.Direction, n.TransactionStatus)
	}
	if n.EventStatus != transaction.EventStatusNew {
		t.Fatalf("event status = %s", n.EventStatus)
	}
	if n.CreatedAt == 0 || n.UpdatedAt == 0 {
		t.Fatalf("timestamps = %d %d", n.CreatedAt, n.UpdatedAt)
	}

	pending, err := fx.store.ListPendingEvents(ctx, 10)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("pending after drain = %d", len(pending))
	}
}

func TestNoCallbackAcknowledgesUnseen(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	if _, err := store.CreateService(ctx, service.Definition{ID: "svc-a", Name: "alpha"}); err != nil {
		t.Fatalf("create service: %v", err)
	}
	ev := seedReceive(t, store, "tx-2")

	d := New(store, quietLogger())
	d.drain(ctx)

	got, err := store.GetEvent(ctx, "svc-a", ev.ID)
	if err != nil {
		t.Fatalf("load event: %v", err)
	}
	if got.Status != transaction.EventStatusNotified {
		t.Fatalf("status = %s, want Notified", got.Status)
	}
}

func TestRejectedDeliveryParksEvent(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.hook.status = http.StatusInternalServerError
	ev := seedReceive(t, fx.store, "tx-3")

	fx.d.drain(ctx)

	got, err := fx.store.GetEvent(ctx, "svc-a", ev.ID)
	if err != nil {
		t.Fatalf("load event: %v", err)
	}
	if got.Status != transaction.EventStatusError {
		t.Fatalf("status = %s, want Error", got.Status)
	}

	// Parked events are not retried by the dispatcher.
	fx.d.drain(ctx)
	if fx.hook.count() != 1 {
		t.Fatalf("requests = %d, want 1", fx.hook.count())
	}
}

func TestTokenNotificationCarriesRoot(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	if _, _, err := fx.store.CreateTokenTransaction(ctx, token.Transaction{
		ID:          "tok-1",
		ServiceID:   "svc-a",
		Workchain:   0,
		Hex:         strings.Repeat("cd", 32),
		RootAddress: rootRaw,
		MessageHash: strings.Repeat("44", 32),
		Value:       "2500",
		Direction:   transaction.DirectionReceive,
		Status:      transaction.StatusDone,
	}); err != nil {
		t.Fatalf("seed token transaction: %v", err)
	}

	fx.d.drain(ctx)

	req := fx.hook.last(t)
	var n notification
	if err := json.Unmarshal(req.Body, &n); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if n.RootAddress != rootRaw {
		t.Fatalf("root = %s", n.RootAddress)
	}
	if n.TransactionID != "tok-1" {
		t.Fatalf("transaction id = %s", n.TransactionID)
	}

	pending, err := fx.store.ListPendingTokenEvents(ctx, 10)
	if err != nil {
		t.Fatalf("list pending token events: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("pending after drain = %d", len(pending))
	}
}

func TestKickWakesLoop(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.d.interval = time.Hour

	if err := fx.d.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = fx.d.Stop(ctx) })
	if err := fx.d.Start(ctx); err == nil {
		t.Fatal("second start succeeded")
	}

	seedReceive(t, fx.store, "tx-4")
	fx.d.Kick()

	deadline := time.Now().Add(2 * time.Second)
	for fx.hook.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("kick did not trigger delivery")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := fx.d.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := fx.d.Stop(ctx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}
