package chain

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/R3E-Network/ton_gateway/internal/tvm"
	"github.com/R3E-Network/ton_gateway/pkg/logger"
)

// TxContext carries one observed account transaction through parsing and
// dispatch. State is the account snapshot fetched for the delivering block
// and may be nil when the node lookup failed.
type TxContext struct {
	Account *tvm.Address
	Tx      *RawTransaction
	State   *ContractState
	Block   *Block
}

// TransactionObserver consumes transactions of subscribed accounts.
// Observers of one account are invoked in subscription order, transactions
// in logical-time order.
type TransactionObserver interface {
	HandleTransaction(ctx context.Context, txc *TxContext)
}

type addrKey struct {
	workchain int32
	hash      [32]byte
}

func keyOf(addr *tvm.Address) addrKey {
	return addrKey{workchain: addr.Workchain, hash: addr.Hash}
}

// Handle represents one account subscription. Closing it detaches the
// observer; the owning slot self-prunes on the next block walk.
type Handle struct {
	sub      *Subscriber
	key      addrKey
	id       uint64
	observer TransactionObserver
	closed   bool
}

// Close detaches the observer. Safe to call more than once.
func (h *Handle) Close() {
	if h == nil {
		return
	}
	h.sub.mu.Lock()
	h.closed = true
	h.sub.mu.Unlock()
}

type slot struct {
	handles []*Handle
	// state is the snapshot cached for the block identified by stateSeqno
	// and stateWorkchain; reused for every transaction of that block.
	state          *ContractState
	stateSeqno     uint64
	stateWorkchain int32
}

// live prunes closed handles and returns the remaining observers.
func (sl *slot) live() []*Handle {
	kept := sl.handles[:0]
	for _, h := range sl.handles {
		if !h.closed {
			kept = append(kept, h)
		}
	}
	sl.handles = kept
	if len(kept) == 0 {
		return nil
	}
	out := make([]*Handle, len(kept))
	copy(out, kept)
	return out
}

// Subscriber fans delivered blocks out to per-account observers and drives
// the pending-message queue's chain-clock expiry.
type Subscriber struct {
	mu    sync.Mutex
	slots map[addrKey]*slot

	client *Client
	queue  *PendingQueue
	log    *logger.Logger

	genUtime   atomic.Uint32
	nextID     atomic.Uint64
	onKeyBlock func(ctx context.Context, block *Block)
}

// NewSubscriber creates a subscriber over the node client and queue.
func NewSubscriber(client *Client, queue *PendingQueue, log *logger.Logger) *Subscriber {
	if log == nil {
		log = logger.NewDefault("chain.subscriber")
	}
	return &Subscriber{
		slots:  map[addrKey]*slot{},
		client: client,
		queue:  queue,
		log:    log,
	}
}

// Subscribe attaches an observer to the account's transaction stream.
func (s *Subscriber) Subscribe(addr *tvm.Address, obs TransactionObserver) *Handle {
	h := &Handle{
		sub:      s,
		key:      keyOf(addr),
		id:       s.nextID.Add(1),
		observer: obs,
	}

	s.mu.Lock()
	sl, ok := s.slots[h.key]
	if !ok {
		sl = &slot{}
		s.slots[h.key] = sl
	}
	sl.handles = append(sl.handles, h)
	s.mu.Unlock()
	return h
}

// OnKeyBlock registers the hook invoked for every masterchain key block,
// after the gateway's chain clock has advanced.
func (s *Subscriber) OnKeyBlock(fn func(ctx context.Context, block *Block)) {
	s.onKeyBlock = fn
}

// GenUtime returns the chain clock: the generation time of the last
// delivered masterchain block.
func (s *Subscriber) GenUtime() uint32 {
	return s.genUtime.Load()
}

// Queue exposes the pending-message queue the subscriber sweeps.
func (s *Subscriber) Queue() *PendingQueue {
	return s.queue
}

// OnBlock ingests one delivered block: advances the chain clock, walks the
// block's transactions for subscribed accounts and expires pending messages
// against the block's generation time.
func (s *Subscriber) OnBlock(ctx context.Context, block *Block) {
	if block.IsMasterchain() {
		// The chain clock only moves forward; stale repeats are ignored.
		for {
			cur := s.genUtime.Load()
			if block.GenUtime <= cur || s.genUtime.CompareAndSwap(cur, block.GenUtime) {
				break
			}
		}
		if block.IsKeyBlock && s.onKeyBlock != nil {
			s.onKeyBlock(ctx, block)
		}
	}

	s.walk(ctx, block)

	if expired := s.queue.SweepChain(block.GenUtime); expired > 0 {
		s.log.WithField("count", expired).Debug("expired pending messages")
	}
}

func (s *Subscriber) walk(ctx context.Context, block *Block) {
	if len(block.Transactions) == 0 {
		return
	}

	txs := make([]*RawTransaction, 0, len(block.Transactions))
	for i := range block.Transactions {
		txs = append(txs, &block.Transactions[i])
	}
	sort.SliceStable(txs, func(i, j int) bool { return txs[i].LT < txs[j].LT })

	for _, tx := range txs {
		addr, err := tvm.ParseAddress(tx.Account)
		if err != nil {
			s.log.WithError(err).WithField("account", tx.Account).Warn("skip transaction with malformed account")
			continue
		}
		key := keyOf(addr)

		s.mu.Lock()
		sl, ok := s.slots[key]
		var observers []*Handle
		if ok {
			observers = sl.live()
			if observers == nil {
				delete(s.slots, key)
			}
		}
		s.mu.Unlock()
		if len(observers) == 0 {
			continue
		}

		state := s.stateForBlock(ctx, key, addr, block)
		txc := &TxContext{Account: addr, Tx: tx, State: state, Block: block}
		for _, h := range observers {
			h.observer.HandleTransaction(ctx, txc)
		}
	}
}

// stateForBlock fetches the account snapshot once per (account, block) and
// caches it on the slot.
func (s *Subscriber) stateForBlock(ctx context.Context, key addrKey, addr *tvm.Address, block *Block) *ContractState {
	s.mu.Lock()
	sl, ok := s.slots[key]
	if ok && sl.state != nil && sl.stateSeqno == block.ID.Seqno && sl.stateWorkchain == block.ID.Workchain {
		state := sl.state
		s.mu.Unlock()
		return state
	}
	s.mu.Unlock()

	state, err := s.client.GetContractState(ctx, addr)
	if err != nil {
		s.log.WithError(err).WithField("account", addr.String()).Warn("contract state lookup failed")
		return nil
	}

	s.mu.Lock()
	if sl, ok := s.slots[key]; ok {
		sl.state = state
		sl.stateSeqno = block.ID.Seqno
		sl.stateWorkchain = block.ID.Workchain
	}
	s.mu.Unlock()
	return state
}

// StateNow fetches the account's current snapshot, refreshing the cache the
// block walk maintains.
func (s *Subscriber) StateNow(ctx context.Context, addr *tvm.Address) (*ContractState, error) {
	state, err := s.client.GetContractState(ctx, addr)
	if err != nil {
		return nil, err
	}

	key := keyOf(addr)
	s.mu.Lock()
	if sl, ok := s.slots[key]; ok {
		sl.state = state
	}
	s.mu.Unlock()
	return state, nil
}
