// Package observer keeps the gateway's view of the chain current: it
// subscribes every custodial address and its derived token wallets with the
// chain subscriber, classifies delivered transactions, persists the
// outcomes, settles pending-message waiters and nudges the callback
// dispatcher.
package observer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/R3E-Network/ton_gateway/internal/app/domain/chainstate"
	"github.com/R3E-Network/ton_gateway/internal/app/domain/wallet"
	"github.com/R3E-Network/ton_gateway/internal/app/metrics"
	"github.com/R3E-Network/ton_gateway/internal/app/services/wallets"
	"github.com/R3E-Network/ton_gateway/internal/app/storage"
	"github.com/R3E-Network/ton_gateway/internal/app/system"
	"github.com/R3E-Network/ton_gateway/internal/chain"
	"github.com/R3E-Network/ton_gateway/internal/tvm"
	"github.com/R3E-Network/ton_gateway/pkg/logger"
)

// watchTimeout bounds the store lookups a single Watch call performs.
const watchTimeout = 5 * time.Second

// Store is the persistence surface the observer needs.
type Store interface {
	storage.AddressStore
	storage.TransactionStore
	storage.TokenTransactionStore
	storage.KeyBlockStore
}

// Notifier nudges the callback dispatcher once new event rows exist.
type Notifier interface {
	Kick()
}

// subKey identifies one subscription: a native account, or a token wallet
// when root is set.
type subKey struct {
	workchain int32
	hex       string
	root      string
}

// Service is the lifecycle-managed chain observer.
type Service struct {
	store      Store
	subscriber *chain.Subscriber
	stream     *chain.Stream
	notifier   Notifier
	log        *logger.Logger

	mu      sync.Mutex
	handles map[subKey]*chain.Handle
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

var (
	_ system.Service  = (*Service)(nil)
	_ wallets.Watcher = (*Service)(nil)
)

// New creates the observer. The stream may be nil, in which case block
// delivery is driven externally through the subscriber.
func New(store Store, subscriber *chain.Subscriber, stream *chain.Stream, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("observer")
	}
	return &Service{
		store:      store,
		subscriber: subscriber,
		stream:     stream,
		log:        log,
		handles:    map[subKey]*chain.Handle{},
	}
}

// AttachNotifier wires the callback dispatcher nudge.
func (s *Service) AttachNotifier(n Notifier) {
	s.notifier = n
}

// Name implements system.Service.
func (s *Service) Name() string { return "chain.observer" }

// Start hydrates subscriptions for every persisted address, resumes the
// block stream from the stored key-block cursor and begins ingesting.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("observer already running")
	}
	s.running = true
	s.mu.Unlock()

	s.subscriber.OnKeyBlock(s.persistKeyBlock)
	metrics.SetPendingMessages(func() float64 {
		return float64(s.subscriber.Queue().Len())
	})

	if err := s.hydrate(ctx); err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	if s.stream != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.stream.Run(runCtx, s.onBlock); err != nil && !errors.Is(err, context.Canceled) {
				s.log.WithError(err).Error("block stream stopped")
			}
		}()
	}

	s.log.Info("chain observer started")
	return nil
}

// Stop halts ingestion and detaches every subscription.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()

	s.mu.Lock()
	for key, h := range s.handles {
		h.Close()
		delete(s.handles, key)
	}
	s.mu.Unlock()

	s.log.Info("chain observer stopped")
	return nil
}

// Watch implements wallets.Watcher: freshly registered addresses start
// being observed without waiting for the next hydration.
func (s *Service) Watch(addr *tvm.Address) {
	ctx, cancel := context.WithTimeout(context.Background(), watchTimeout)
	defer cancel()

	record, err := s.store.LookupAddress(ctx, addr.Workchain, addr.Hex())
	if err != nil {
		s.log.WithError(err).WithField("account", addr.String()).Warn("watch requested for unknown address")
		return
	}
	s.watchRecord(ctx, record)
}

// Resync subscribes any (address, whitelisted root) pair that appeared since
// the last pass. The janitor calls this periodically so roots whitelisted at
// runtime pick up existing addresses.
func (s *Service) Resync(ctx context.Context) error {
	return s.hydrate(ctx)
}

func (s *Service) hydrate(ctx context.Context) error {
	cursor, err := s.store.GetLastKeyBlock(ctx)
	switch {
	case err == nil:
		if s.stream != nil {
			s.stream.Resume(uint64(cursor.Seqno))
		}
	case errors.Is(err, storage.ErrNotFound):
		// First start: the stream begins at the node's current head.
	default:
		return fmt.Errorf("load key block cursor: %w", err)
	}

	records, err := s.store.ListAllAddresses(ctx)
	if err != nil {
		return fmt.Errorf("list addresses: %w", err)
	}
	for _, record := range records {
		s.watchRecord(ctx, record)
	}
	return nil
}

// watchRecord subscribes the account and one token wallet per whitelisted
// root. Already-subscribed pairs are skipped, so repeated calls are cheap.
func (s *Service) watchRecord(ctx context.Context, record wallet.Address) {
	addr, err := record.TonAddress()
	if err != nil {
		s.log.WithError(err).WithField("id", record.ID).Error("persisted address does not parse")
		return
	}

	s.subscribe(subKey{workchain: addr.Workchain, hex: addr.Hex()}, addr, &walletObserver{svc: s, record: record})

	roots, err := s.store.ListTokenWhitelist(ctx)
	if err != nil {
		s.log.WithError(err).Warn("token whitelist unavailable, native-only subscription")
		return
	}
	for _, entry := range roots {
		root, err := tvm.ParseAddress(entry.Address)
		if err != nil {
			s.log.WithError(err).WithField("root", entry.Address).Warn("skip malformed whitelist root")
			continue
		}
		tokenWallet, err := tvm.TokenWalletAddress(root, addr)
		if err != nil {
			s.log.WithError(err).WithField("root", entry.Address).Error("token wallet derivation failed")
			continue
		}
		key := subKey{workchain: tokenWallet.Workchain, hex: tokenWallet.Hex(), root: root.String()}
		s.subscribe(key, tokenWallet, &tokenObserver{svc: s, owner: record, root: root.String()})
	}
}

func (s *Service) subscribe(key subKey, addr *tvm.Address, obs chain.TransactionObserver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.handles[key]; ok {
		return
	}
	s.handles[key] = s.subscriber.Subscribe(addr, obs)
}

// onBlock is the stream sink: it feeds the subscriber and keeps the chain
// gauges current.
func (s *Service) onBlock(ctx context.Context, block *chain.Block) {
	metrics.RecordBlock(block.IsMasterchain())
	if block.IsMasterchain() {
		metrics.SetChainTime(block.GenUtime)
	}
	s.subscriber.OnBlock(ctx, block)
}

func (s *Service) persistKeyBlock(ctx context.Context, block *chain.Block) {
	kb := chainstate.KeyBlock{
		Seqno:    uint32(block.ID.Seqno),
		RootHash: block.ID.RootHash,
		GenUtime: block.GenUtime,
	}
	if err := s.store.SetLastKeyBlock(ctx, kb); err != nil {
		s.log.WithError(err).WithField("seqno", kb.Seqno).Error("key block cursor not persisted")
	}
}

func (s *Service) kick() {
	if s.notifier != nil {
		s.notifier.Kick()
	}
}
