package messages

import (
	"bytes"
	"crypto/ed25519"
	"math/big"
	"testing"
	"time"

	"github.com/R3E-Network/ton_gateway/internal/tvm"
)

func buildMessage(t *testing.T, value int64, now time.Time) *tvm.UnsignedMessage {
	t.Helper()
	kp, err := tvm.KeyPairFromSeed(bytes.Repeat([]byte{0x22}, ed25519.SeedSize))
	if err != nil {
		t.Fatalf("key pair: %v", err)
	}
	sender, err := tvm.DeriveAddress(tvm.AccountWallet, 0, kp.PublicKey, nil)
	if err != nil {
		t.Fatalf("derive sender: %v", err)
	}
	data, err := tvm.NewBuilder().
		StoreUint(3, 32).
		StoreUint(tvm.SubwalletID(0), 32).
		StoreBytes(kp.PublicKey).
		Build()
	if err != nil {
		t.Fatalf("state data: %v", err)
	}
	msg, err := tvm.BuildTransfer(&tvm.TransferSpec{
		Sender:      sender,
		AccountType: tvm.AccountWallet,
		PublicKey:   kp.PublicKey,
		Outputs: []tvm.TransferOutput{{
			Recipient: tvm.MustParseAddress("0:1111111111111111111111111111111111111111111111111111111111111111"),
			Value:     big.NewInt(value),
			Type:      tvm.OutputNormal,
		}},
		Bounce: true,
	}, &tvm.AccountState{Deployed: true, Data: data}, now)
	if err != nil {
		t.Fatalf("build transfer: %v", err)
	}
	return msg
}

func TestStorePutAndTake(t *testing.T) {
	s := NewStore()
	msg := buildMessage(t, 100, time.Now())

	key := s.Put(msg)
	if key != msg.HashHex() {
		t.Fatalf("key %q, want %q", key, msg.HashHex())
	}
	if s.Len() != 1 {
		t.Fatalf("len %d, want 1", s.Len())
	}

	got, ok := s.Take(key)
	if !ok || got != msg {
		t.Fatalf("take: got %v ok=%v", got, ok)
	}
	// Consumed: a second take misses.
	if _, ok := s.Take(key); ok {
		t.Fatal("message taken twice")
	}
	if s.Len() != 0 {
		t.Fatalf("len %d after take, want 0", s.Len())
	}
}

func TestStoreUnknownKey(t *testing.T) {
	s := NewStore()
	if _, ok := s.Take("deadbeef"); ok {
		t.Fatal("unknown key returned a message")
	}
}

func TestStoreDropsExpiredOnTake(t *testing.T) {
	s := NewStore()
	// Built far enough in the past that its expiry already passed.
	stale := buildMessage(t, 100, time.Now().Add(-10*time.Minute))

	key := s.Put(stale)
	if s.Len() != 1 {
		t.Fatalf("len %d, want 1", s.Len())
	}
	if _, ok := s.Take(key); ok {
		t.Fatal("expired message returned")
	}
	if s.Len() != 0 {
		t.Fatalf("expired entry not swept, len %d", s.Len())
	}
}

func TestStoreSweepExpired(t *testing.T) {
	s := NewStore()
	stale := buildMessage(t, 100, time.Now().Add(-10*time.Minute))
	fresh := buildMessage(t, 200, time.Now())

	s.Put(stale)
	freshKey := s.Put(fresh)

	if dropped := s.SweepExpired(time.Now()); dropped != 1 {
		t.Fatalf("dropped %d, want 1", dropped)
	}
	if s.Len() != 1 {
		t.Fatalf("len %d after sweep, want 1", s.Len())
	}
	if _, ok := s.Take(freshKey); !ok {
		t.Fatal("sweep removed a live message")
	}
}
