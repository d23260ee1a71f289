package tvm

import (
	"bytes"
	"math/big"
	"testing"
)

func TestBuilderSliceRoundTrip(t *testing.T) {
	addr := MustParseAddress("0:3333333333333333333333333333333333333333333333333333333333333333")
	ref := NewBuilder().StoreUint(7, 8).MustBuild()

	cell, err := NewBuilder().
		StoreUint(0xdead, 16).
		StoreBit(true).
		StoreCoins(big.NewInt(1_500_000_000)).
		StoreAddr(addr).
		StoreRef(ref).
		Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	s := cell.Slice()
	if v, _ := s.LoadUint(16); v != 0xdead {
		t.Fatalf("uint = %#x", v)
	}
	if bit, _ := s.LoadBit(); !bit {
		t.Fatal("bit lost")
	}
	coins, err := s.LoadCoins()
	if err != nil {
		t.Fatalf("coins: %v", err)
	}
	if coins.Int64() != 1_500_000_000 {
		t.Fatalf("coins = %s", coins)
	}
	got, err := s.LoadAddr()
	if err != nil {
		t.Fatalf("addr: %v", err)
	}
	if !got.Equal(addr) {
		t.Fatalf("addr = %s", got)
	}
	r, err := s.LoadRef()
	if err != nil {
		t.Fatalf("ref: %v", err)
	}
	if v, _ := r.Slice().LoadUint(8); v != 7 {
		t.Fatalf("ref payload = %d", v)
	}
	if s.BitsLeft() != 0 || s.RefsLeft() != 0 {
		t.Fatalf("leftover bits=%d refs=%d", s.BitsLeft(), s.RefsLeft())
	}
}

func TestHashDeterministicAndStructural(t *testing.T) {
	build := func() *Cell {
		inner := NewBuilder().StoreUint(42, 32).MustBuild()
		return NewBuilder().StoreUint(1, 8).StoreRef(inner).MustBuild()
	}
	a, b := build(), build()
	if a.Hash() != b.Hash() {
		t.Fatal("equal cells hash differently")
	}

	otherInner := NewBuilder().StoreUint(43, 32).MustBuild()
	c := NewBuilder().StoreUint(1, 8).StoreRef(otherInner).MustBuild()
	if a.Hash() == c.Hash() {
		t.Fatal("different ref contents must change the parent hash")
	}
}

func TestHashDependsOnBitLength(t *testing.T) {
	a := NewBuilder().StoreUint(0, 7).MustBuild()
	b := NewBuilder().StoreUint(0, 8).MustBuild()
	if a.Hash() == b.Hash() {
		t.Fatal("bit length must be part of the identity")
	}
}

func TestDepth(t *testing.T) {
	leaf := NewBuilder().StoreUint(1, 1).MustBuild()
	mid := NewBuilder().StoreRef(leaf).MustBuild()
	root := NewBuilder().StoreRef(mid).StoreRef(leaf).MustBuild()
	if leaf.Depth() != 0 || mid.Depth() != 1 || root.Depth() != 2 {
		t.Fatalf("depths = %d %d %d", leaf.Depth(), mid.Depth(), root.Depth())
	}
}

func TestBuilderOverflow(t *testing.T) {
	b := NewBuilder()
	for i := 0; i < MaxCellBits; i++ {
		b.StoreBit(true)
	}
	if b.Err() != nil {
		t.Fatalf("unexpected error at capacity: %v", b.Err())
	}
	b.StoreBit(true)
	if _, err := b.Build(); err == nil {
		t.Fatal("expected overflow error")
	}
}

func TestBuilderRefOverflow(t *testing.T) {
	ref := NewBuilder().MustBuild()
	b := NewBuilder()
	for i := 0; i < MaxCellRefs+1; i++ {
		b.StoreRef(ref)
	}
	if _, err := b.Build(); err == nil {
		t.Fatal("expected ref overflow error")
	}
}

func TestStoreUintRejectsOversizedValue(t *testing.T) {
	if _, err := NewBuilder().StoreUint(256, 8).Build(); err == nil {
		t.Fatal("256 must not fit 8 bits")
	}
}

func TestStoreBytesUnaligned(t *testing.T) {
	payload := []byte{0xab, 0xcd, 0xef}
	cell, err := NewBuilder().StoreBit(true).StoreBytes(payload).Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	s := cell.Slice()
	if _, err := s.LoadBit(); err != nil {
		t.Fatal(err)
	}
	got, err := s.LoadBytes(3)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("bytes = %x", got)
	}
}

func TestLoadAddrNone(t *testing.T) {
	cell := NewBuilder().StoreAddr(nil).MustBuild()
	got, err := cell.Slice().LoadAddr()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil address, got %s", got)
	}
}

func TestNegativeWorkchainAddrRoundTrip(t *testing.T) {
	addr := MustParseAddress("-1:5555555555555555555555555555555555555555555555555555555555555555")
	cell := NewBuilder().StoreAddr(addr).MustBuild()
	got, err := cell.Slice().LoadAddr()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Workchain != -1 || !got.Equal(addr) {
		t.Fatalf("round trip = %s", got)
	}
}

func TestStoreBigUint(t *testing.T) {
	v, _ := new(big.Int).SetString("123456789012345678901234567890", 10)
	cell, err := NewBuilder().StoreBigUint(v, 100).Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	got, err := cell.Slice().LoadBigUint(100)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Cmp(v) != 0 {
		t.Fatalf("big uint = %s", got)
	}
}
