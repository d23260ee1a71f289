package chain

import (
	"errors"
	"sync"
	"time"
)

// Outcome is the terminal resolution of a pending external message.
type Outcome uint8

const (
	// OutcomeDelivered means the message was observed in a block.
	OutcomeDelivered Outcome = iota + 1
	// OutcomeExpired means the message's expiry passed unobserved.
	OutcomeExpired
)

// ErrDuplicateMessage rejects a second waiter for an in-flight message.
var ErrDuplicateMessage = errors.New("chain: message already pending")

type pendingKey struct {
	account string
	hash    [32]byte
}

type pendingEntry struct {
	ch       chan Outcome
	expireAt time.Time
}

// PendingQueue correlates broadcast external messages with their on-chain
// observation. Each (account, message hash) pair holds at most one waiter;
// resolution is exactly once, by delivery or by expiry sweep.
type PendingQueue struct {
	mu      sync.Mutex
	entries map[pendingKey]*pendingEntry
}

// NewPendingQueue creates an empty queue.
func NewPendingQueue() *PendingQueue {
	return &PendingQueue{entries: map[pendingKey]*pendingEntry{}}
}

// Add registers a waiter for the message. The returned channel receives
// exactly one Outcome and is then closed.
func (q *PendingQueue) Add(account string, hash [32]byte, expireAt time.Time) (<-chan Outcome, error) {
	key := pendingKey{account: account, hash: hash}

	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.entries[key]; exists {
		return nil, ErrDuplicateMessage
	}
	entry := &pendingEntry{
		ch:       make(chan Outcome, 1),
		expireAt: expireAt,
	}
	q.entries[key] = entry
	return entry.ch, nil
}

// Deliver resolves the waiter for an observed message. Reports whether a
// waiter existed.
func (q *PendingQueue) Deliver(account string, hash [32]byte) bool {
	return q.resolve(pendingKey{account: account, hash: hash}, OutcomeDelivered)
}

// SweepChain expires waiters against the chain clock of a delivered block.
func (q *PendingQueue) SweepChain(blockUtime uint32) int {
	return q.sweep(time.Unix(int64(blockUtime), 0))
}

// SweepWallclock expires waiters against the local clock; covers gaps when
// no blocks arrive.
func (q *PendingQueue) SweepWallclock(now time.Time) int {
	return q.sweep(now)
}

// Len reports the number of in-flight messages.
func (q *PendingQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

func (q *PendingQueue) resolve(key pendingKey, outcome Outcome) bool {
	q.mu.Lock()
	entry, ok := q.entries[key]
	if ok {
		delete(q.entries, key)
	}
	q.mu.Unlock()

	if !ok {
		return false
	}
	entry.ch <- outcome
	close(entry.ch)
	return true
}

func (q *PendingQueue) sweep(deadline time.Time) int {
	q.mu.Lock()
	var expired []*pendingEntry
	for key, entry := range q.entries {
		if entry.expireAt.Before(deadline) || entry.expireAt.Equal(deadline) {
			expired = append(expired, entry)
			delete(q.entries, key)
		}
	}
	q.mu.Unlock()

	for _, entry := range expired {
		entry.ch <- OutcomeExpired
		close(entry.ch)
	}
	return len(expired)
}
