// Package messages holds unsigned messages awaiting an external signature.
// Entries live in process memory only: after a restart the client has to
// prepare the message again, which is fine because the old payload would
// have expired before a signature round-trip anyway.
package messages

import (
	"sync"
	"time"

	"github.com/R3E-Network/ton_gateway/internal/tvm"
)

const shardCount = 16

// Store is a sharded map from hex message hash to unsigned message.
type Store struct {
	shards [shardCount]shard
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*tvm.UnsignedMessage
}

// NewStore creates an empty store.
func NewStore() *Store {
	s := &Store{}
	for i := range s.shards {
		s.shards[i].entries = make(map[string]*tvm.UnsignedMessage)
	}
	return s
}

// Put stores the message under its payload hash and returns the hex key.
func (s *Store) Put(msg *tvm.UnsignedMessage) string {
	key := msg.HashHex()
	sh := s.shardFor(key)
	sh.mu.Lock()
	sh.entries[key] = msg
	sh.mu.Unlock()
	return key
}

// Take removes and returns the message with the given hex hash. Expired
// entries in the same shard are dropped on the way, so the store needs no
// background sweeper.
func (s *Store) Take(hashHex string) (*tvm.UnsignedMessage, bool) {
	sh := s.shardFor(hashHex)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := time.Now()
	for key, msg := range sh.entries {
		if msg.ExpireAt().Before(now) {
			delete(sh.entries, key)
		}
	}
	msg, ok := sh.entries[hashHex]
	if ok {
		delete(sh.entries, hashHex)
	}
	return msg, ok
}

// SweepExpired drops every entry whose expiry has passed and reports how
// many were removed. Take prunes its own shard lazily; the sweep catches
// shards no signature ever lands in.
func (s *Store) SweepExpired(now time.Time) int {
	dropped := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for key, msg := range sh.entries {
			if msg.ExpireAt().Before(now) {
				delete(sh.entries, key)
				dropped++
			}
		}
		sh.mu.Unlock()
	}
	return dropped
}

// Len reports the number of stored messages, counting expired entries that
// have not been swept yet.
func (s *Store) Len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}
	return n
}

func (s *Store) shardFor(key string) *shard {
	var h uint32
	for i := 0; i < len(key); i++ {
		h = h*31 + uint32(key[i])
	}
	return &s.shards[h%shardCount]
}
