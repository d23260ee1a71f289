package observer

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/R3E-Network/ton_gateway/internal/app/services/messages"
	"github.com/R3E-Network/ton_gateway/internal/app/system"
	"github.com/R3E-Network/ton_gateway/internal/chain"
	"github.com/R3E-Network/ton_gateway/pkg/logger"
)

// DefaultSweepSchedule paces the janitor between message-expiry windows:
// frequent enough that a lost waiter is failed well inside a minute of its
// deadline.
const DefaultSweepSchedule = "@every 30s"

// sweepTimeout bounds one janitor pass.
const sweepTimeout = 30 * time.Second

// Janitor is the scheduled safety net behind the per-message waiters: it
// expires pending queue entries against the wallclock, fails stale New rows
// whose expiry passed (waiters are lost on restart) and resyncs
// subscriptions so runtime whitelist changes reach existing addresses.
type Janitor struct {
	store    Store
	queue    *chain.PendingQueue
	observer *Service
	unsigned *messages.Store
	client   *chain.Client
	notifier Notifier
	log      *logger.Logger

	schedule string
	cron     *cron.Cron
	running  bool
}

var _ system.Service = (*Janitor)(nil)

// NewJanitor creates the janitor. Pass an empty schedule to sweep at the
// default cadence.
func NewJanitor(store Store, queue *chain.PendingQueue, obs *Service, schedule string, log *logger.Logger) *Janitor {
	if log == nil {
		log = logger.NewDefault("janitor")
	}
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	return &Janitor{
		store:    store,
		queue:    queue,
		observer: obs,
		schedule: schedule,
		log:      log,
	}
}

// AttachNotifier wires the callback dispatcher nudge.
func (j *Janitor) AttachNotifier(n Notifier) {
	j.notifier = n
}

// AttachUnsignedStore includes the unsigned message store in the sweep so
// abandoned prepare-message entries are dropped on cadence.
func (j *Janitor) AttachUnsignedStore(s *messages.Store) {
	j.unsigned = s
}

// AttachClient enables the balance refresh step: each sweep re-reads the
// contract state of every hosted address, so storage-rent drift on quiet
// accounts shows up without waiting for a transaction.
func (j *Janitor) AttachClient(c *chain.Client) {
	j.client = c
}

// Name implements system.Service.
func (j *Janitor) Name() string { return "janitor" }

// Start schedules the sweep.
func (j *Janitor) Start(ctx context.Context) error {
	if j.running {
		return fmt.Errorf("janitor already running")
	}
	c := cron.New()
	if _, err := c.AddFunc(j.schedule, j.sweep); err != nil {
		return fmt.Errorf("schedule %q: %w", j.schedule, err)
	}
	c.Start()
	j.cron = c
	j.running = true
	j.log.WithField("schedule", j.schedule).Info("janitor started")
	return nil
}

// Stop halts the schedule and waits for an in-flight sweep to finish.
func (j *Janitor) Stop(ctx context.Context) error {
	if !j.running {
		return nil
	}
	j.running = false
	done := j.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	j.log.Info("janitor stopped")
	return nil
}

// Sweep runs one pass immediately. The cron calls this on schedule; tests
// and operators can call it directly.
func (j *Janitor) Sweep() {
	j.sweep()
}

func (j *Janitor) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	now := time.Now().UTC()
	if expired := j.queue.SweepWallclock(now); expired > 0 {
		j.log.WithField("count", expired).Debug("expired pending messages by wallclock")
	}
	if j.unsigned != nil {
		if dropped := j.unsigned.SweepExpired(now); dropped > 0 {
			j.log.WithField("count", dropped).Debug("expired unsigned messages dropped")
		}
	}

	var failed int
	rows, err := j.store.ListExpiredPending(ctx, now)
	if err != nil {
		j.log.WithError(err).Error("expired send lookup failed")
	} else {
		for _, row := range rows {
			if _, _, err := j.store.FailSentTransaction(ctx, row.MessageHash, "expired"); err != nil {
				// A waiter or the observer may have settled it first.
				j.log.WithError(err).WithField("message_hash", row.MessageHash).Debug("stale send already settled")
				continue
			}
			failed++
		}
	}

	tokens, err := j.store.ListExpiredPendingTokens(ctx, now)
	if err != nil {
		j.log.WithError(err).Error("expired token send lookup failed")
	} else {
		for _, row := range tokens {
			if _, _, err := j.store.FailTokenTransaction(ctx, row.ID, "expired"); err != nil {
				j.log.WithError(err).WithField("id", row.ID).Debug("stale token send already settled")
				continue
			}
			failed++
		}
	}

	if failed > 0 {
		j.log.WithField("count", failed).Info("stale sends expired")
		if j.notifier != nil {
			j.notifier.Kick()
		}
	}

	if j.observer != nil {
		if err := j.observer.Resync(ctx); err != nil {
			j.log.WithError(err).Warn("subscription resync failed")
		}
	}

	if j.client != nil {
		j.refreshBalances(ctx)
	}
}

func (j *Janitor) refreshBalances(ctx context.Context) {
	records, err := j.store.ListAllAddresses(ctx)
	if err != nil {
		j.log.WithError(err).Error("address list for balance refresh failed")
		return
	}
	for _, record := range records {
		addr, err := record.TonAddress()
		if err != nil {
			continue
		}
		state, err := j.client.GetContractState(ctx, addr)
		if err != nil {
			j.log.WithError(err).WithField("account", record.Base64URL).Debug("balance read failed")
			continue
		}
		if err := j.store.UpdateAddressBalance(ctx, record.Workchain, record.Hex, state.Balance, state.Deployed); err != nil {
			j.log.WithError(err).WithField("account", record.Base64URL).Warn("balance not updated")
		}
	}
}
