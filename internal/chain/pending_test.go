package chain

import (
	"errors"
	"testing"
	"time"
)

func TestPendingQueueDeliversExactlyOnce(t *testing.T) {
	q := NewPendingQueue()
	hash := [32]byte{0x01, 0x02}

	ch, err := q.Add("0:ab", hash, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if q.Len() != 1 {
		t.Fatalf("len = %d, want 1", q.Len())
	}

	if !q.Deliver("0:ab", hash) {
		t.Fatal("expected a waiter to resolve")
	}
	if got := <-ch; got != OutcomeDelivered {
		t.Fatalf("outcome = %v, want delivered", got)
	}
	if _, open := <-ch; open {
		t.Fatal("channel must be closed after resolution")
	}

	if q.Deliver("0:ab", hash) {
		t.Fatal("second delivery must be a no-op")
	}
	if q.Len() != 0 {
		t.Fatalf("len = %d, want 0", q.Len())
	}
}

func TestPendingQueueRejectsDuplicates(t *testing.T) {
	q := NewPendingQueue()
	hash := [32]byte{0xaa}

	if _, err := q.Add("0:ab", hash, time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("first add: %v", err)
	}
	if _, err := q.Add("0:ab", hash, time.Now().Add(time.Minute)); !errors.Is(err, ErrDuplicateMessage) {
		t.Fatalf("second add err = %v, want ErrDuplicateMessage", err)
	}

	// A different account with the same hash is a distinct key.
	if _, err := q.Add("0:cd", hash, time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("other account add: %v", err)
	}

	// After resolution the key is free again.
	q.Deliver("0:ab", hash)
	if _, err := q.Add("0:ab", hash, time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("add after resolution: %v", err)
	}
}

func TestPendingQueueChainSweep(t *testing.T) {
	q := NewPendingQueue()
	hash := [32]byte{0x07}

	ch, err := q.Add("0:ab", hash, time.Unix(100, 0))
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	if n := q.SweepChain(99); n != 0 {
		t.Fatalf("sweep before expiry removed %d entries", n)
	}
	// At its expiry second the message can no longer be applied on-chain.
	if n := q.SweepChain(100); n != 1 {
		t.Fatalf("sweep at expiry removed %d entries, want 1", n)
	}
	if got := <-ch; got != OutcomeExpired {
		t.Fatalf("outcome = %v, want expired", got)
	}
	if q.Deliver("0:ab", hash) {
		t.Fatal("delivery after expiry must be a no-op")
	}
}

func TestPendingQueueWallclockSweep(t *testing.T) {
	q := NewPendingQueue()
	now := time.Now()

	stale := [32]byte{0x01}
	fresh := [32]byte{0x02}
	staleCh, err := q.Add("0:ab", stale, now.Add(-time.Second))
	if err != nil {
		t.Fatalf("add stale: %v", err)
	}
	if _, err := q.Add("0:ab", fresh, now.Add(time.Minute)); err != nil {
		t.Fatalf("add fresh: %v", err)
	}

	if n := q.SweepWallclock(now); n != 1 {
		t.Fatalf("sweep removed %d entries, want 1", n)
	}
	if got := <-staleCh; got != OutcomeExpired {
		t.Fatalf("outcome = %v, want expired", got)
	}
	if q.Len() != 1 {
		t.Fatalf("len = %d, want 1", q.Len())
	}
}
