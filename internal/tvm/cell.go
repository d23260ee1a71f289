// Package tvm implements the TVM-family primitives the gateway needs to
// build, sign, and decode wallet messages: cells with representation
// hashing, bag-of-cells serialization, address encoding, key handling, and
// the wallet/token payload builders for the three supported contract
// families.
package tvm

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
)

const (
	// MaxCellBits is the data capacity of an ordinary cell.
	MaxCellBits = 1023
	// MaxCellRefs is the reference capacity of an ordinary cell.
	MaxCellRefs = 4
)

var (
	ErrCellOverflow  = errors.New("tvm: cell capacity exceeded")
	ErrCellUnderflow = errors.New("tvm: not enough data in cell slice")
	ErrValueTooLarge = errors.New("tvm: value does not fit requested bit width")
)

// Cell is an immutable ordinary cell: up to 1023 data bits and four
// references. Hash and depth are computed once at construction.
type Cell struct {
	bits int
	data []byte
	refs []*Cell

	hash  [32]byte
	depth uint16
}

// Bits returns the number of data bits stored in the cell.
func (c *Cell) Bits() int { return c.bits }

// Refs returns the cell's references.
func (c *Cell) Refs() []*Cell { return c.refs }

// Hash returns the cell's representation hash. It identifies the cell and
// everything reachable from it.
func (c *Cell) Hash() [32]byte { return c.hash }

// Depth returns the maximum reference depth below this cell.
func (c *Cell) Depth() uint16 { return c.depth }

// Slice returns a reader positioned at the start of the cell.
func (c *Cell) Slice() *Slice {
	return &Slice{cell: c}
}

// descriptors returns the d1/d2 bytes of the standard cell representation.
func (c *Cell) descriptors() (byte, byte) {
	d1 := byte(len(c.refs))
	d2 := byte(c.bits/8 + (c.bits+7)/8)
	return d1, d2
}

// paddedData returns the cell data completed to a byte boundary. When the
// bit length is not a multiple of eight a single one bit marks the end.
func (c *Cell) paddedData() []byte {
	n := (c.bits + 7) / 8
	out := make([]byte, n)
	copy(out, c.data[:n])
	if r := c.bits % 8; r != 0 {
		out[n-1] |= 1 << (7 - uint(r))
	}
	return out
}

func (c *Cell) computeIdentity() {
	var depth uint16
	for _, ref := range c.refs {
		if ref.depth+1 > depth {
			depth = ref.depth + 1
		}
	}
	c.depth = depth

	d1, d2 := c.descriptors()
	repr := make([]byte, 0, 2+len(c.data)+len(c.refs)*34)
	repr = append(repr, d1, d2)
	repr = append(repr, c.paddedData()...)
	for _, ref := range c.refs {
		var db [2]byte
		binary.BigEndian.PutUint16(db[:], ref.depth)
		repr = append(repr, db[:]...)
	}
	for _, ref := range c.refs {
		h := ref.hash
		repr = append(repr, h[:]...)
	}
	c.hash = sha256.Sum256(repr)
}

// Builder assembles a cell bit by bit. Store calls are chainable; the first
// failure sticks and is reported by Build.
type Builder struct {
	bits int
	data []byte
	refs []*Cell
	err  error
}

// NewBuilder returns an empty cell builder.
func NewBuilder() *Builder {
	return &Builder{data: make([]byte, 0, 128)}
}

// Err returns the sticky error, if any store overflowed or was malformed.
func (b *Builder) Err() error { return b.err }

// BitsLeft returns the remaining data capacity.
func (b *Builder) BitsLeft() int { return MaxCellBits - b.bits }

// RefsLeft returns the remaining reference capacity.
func (b *Builder) RefsLeft() int { return MaxCellRefs - len(b.refs) }

func (b *Builder) fail(err error) *Builder {
	if b.err == nil {
		b.err = err
	}
	return b
}

// StoreBit appends a single bit.
func (b *Builder) StoreBit(bit bool) *Builder {
	if b.err != nil {
		return b
	}
	if b.bits >= MaxCellBits {
		return b.fail(ErrCellOverflow)
	}
	if b.bits%8 == 0 {
		b.data = append(b.data, 0)
	}
	if bit {
		b.data[b.bits/8] |= 1 << (7 - uint(b.bits%8))
	}
	b.bits++
	return b
}

// StoreUint appends v as a big-endian unsigned integer of the given width.
func (b *Builder) StoreUint(v uint64, bits int) *Builder {
	if b.err != nil {
		return b
	}
	if bits < 0 || bits > 64 {
		return b.fail(fmt.Errorf("%w: uint width %d", ErrValueTooLarge, bits))
	}
	if bits < 64 && v >= 1<<uint(bits) {
		return b.fail(fmt.Errorf("%w: %d in %d bits", ErrValueTooLarge, v, bits))
	}
	for i := bits - 1; i >= 0; i-- {
		b.StoreBit(v&(1<<uint(i)) != 0)
	}
	return b
}

// StoreInt appends v as a big-endian two's-complement integer.
func (b *Builder) StoreInt(v int64, bits int) *Builder {
	return b.StoreUint(uint64(v)&maskFor(bits), bits)
}

func maskFor(bits int) uint64 {
	if bits >= 64 {
		return ^uint64(0)
	}
	return 1<<uint(bits) - 1
}

// StoreBytes appends whole bytes.
func (b *Builder) StoreBytes(p []byte) *Builder {
	if b.err != nil {
		return b
	}
	if b.bits%8 == 0 {
		if b.bits+len(p)*8 > MaxCellBits {
			return b.fail(ErrCellOverflow)
		}
		b.data = append(b.data, p...)
		b.bits += len(p) * 8
		return b
	}
	for _, by := range p {
		b.StoreUint(uint64(by), 8)
	}
	return b
}

// StoreBigUint appends a non-negative big integer in the given width.
func (b *Builder) StoreBigUint(v *big.Int, bits int) *Builder {
	if b.err != nil {
		return b
	}
	if v.Sign() < 0 || v.BitLen() > bits {
		return b.fail(fmt.Errorf("%w: big uint in %d bits", ErrValueTooLarge, bits))
	}
	for i := bits - 1; i >= 0; i-- {
		b.StoreBit(v.Bit(i) == 1)
	}
	return b
}

// StoreCoins appends a variable-length currency amount: a 4-bit byte-length
// prefix followed by the minimal big-endian representation.
func (b *Builder) StoreCoins(v *big.Int) *Builder {
	if b.err != nil {
		return b
	}
	if v == nil || v.Sign() == 0 {
		return b.StoreUint(0, 4)
	}
	if v.Sign() < 0 {
		return b.fail(fmt.Errorf("%w: negative coins", ErrValueTooLarge))
	}
	raw := v.Bytes()
	if len(raw) > 15 {
		return b.fail(fmt.Errorf("%w: coins need %d bytes", ErrValueTooLarge, len(raw)))
	}
	b.StoreUint(uint64(len(raw)), 4)
	return b.StoreBytes(raw)
}

// StoreAddr appends an internal standard address, or addr_none when a is nil.
func (b *Builder) StoreAddr(a *Address) *Builder {
	if b.err != nil {
		return b
	}
	if a == nil {
		return b.StoreUint(0, 2)
	}
	b.StoreUint(0b10, 2) // addr_std
	b.StoreBit(false)    // no anycast
	b.StoreUint(uint64(uint8(a.Workchain)), 8)
	return b.StoreBytes(a.Hash[:])
}

// StoreRef appends a reference to another cell.
func (b *Builder) StoreRef(c *Cell) *Builder {
	if b.err != nil {
		return b
	}
	if c == nil {
		return b.fail(errors.New("tvm: nil cell reference"))
	}
	if len(b.refs) >= MaxCellRefs {
		return b.fail(ErrCellOverflow)
	}
	b.refs = append(b.refs, c)
	return b
}

// StoreSlice appends the remaining contents of s, bits and refs.
func (b *Builder) StoreSlice(s *Slice) *Builder {
	if b.err != nil {
		return b
	}
	for s.BitsLeft() > 0 {
		bit, err := s.LoadBit()
		if err != nil {
			return b.fail(err)
		}
		b.StoreBit(bit)
	}
	for s.RefsLeft() > 0 {
		ref, err := s.LoadRef()
		if err != nil {
			return b.fail(err)
		}
		b.StoreRef(ref)
	}
	return b
}

// Build finalizes the cell.
func (b *Builder) Build() (*Cell, error) {
	if b.err != nil {
		return nil, b.err
	}
	c := &Cell{
		bits: b.bits,
		data: append([]byte(nil), b.data...),
		refs: append([]*Cell(nil), b.refs...),
	}
	c.computeIdentity()
	return c, nil
}

// MustBuild is Build for cells whose contents are statically known valid.
func (b *Builder) MustBuild() *Cell {
	c, err := b.Build()
	if err != nil {
		panic(err)
	}
	return c
}

// Slice reads a cell sequentially.
type Slice struct {
	cell   *Cell
	bitPos int
	refPos int
}

// BitsLeft returns the number of unread data bits.
func (s *Slice) BitsLeft() int { return s.cell.bits - s.bitPos }

// RefsLeft returns the number of unread references.
func (s *Slice) RefsLeft() int { return len(s.cell.refs) - s.refPos }

// LoadBit reads one bit.
func (s *Slice) LoadBit() (bool, error) {
	if s.BitsLeft() < 1 {
		return false, ErrCellUnderflow
	}
	bit := s.cell.data[s.bitPos/8]&(1<<(7-uint(s.bitPos%8))) != 0
	s.bitPos++
	return bit, nil
}

// LoadUint reads a big-endian unsigned integer of the given width.
func (s *Slice) LoadUint(bits int) (uint64, error) {
	if bits < 0 || bits > 64 {
		return 0, fmt.Errorf("%w: uint width %d", ErrValueTooLarge, bits)
	}
	if s.BitsLeft() < bits {
		return 0, ErrCellUnderflow
	}
	var v uint64
	for i := 0; i < bits; i++ {
		bit, _ := s.LoadBit()
		v <<= 1
		if bit {
			v |= 1
		}
	}
	return v, nil
}

// LoadBigUint reads a non-negative big integer of the given width.
func (s *Slice) LoadBigUint(bits int) (*big.Int, error) {
	if s.BitsLeft() < bits {
		return nil, ErrCellUnderflow
	}
	v := new(big.Int)
	for i := 0; i < bits; i++ {
		bit, _ := s.LoadBit()
		v.Lsh(v, 1)
		if bit {
			v.Or(v, big.NewInt(1))
		}
	}
	return v, nil
}

// LoadBytes reads n whole bytes.
func (s *Slice) LoadBytes(n int) ([]byte, error) {
	if s.BitsLeft() < n*8 {
		return nil, ErrCellUnderflow
	}
	out := make([]byte, n)
	for i := range out {
		v, _ := s.LoadUint(8)
		out[i] = byte(v)
	}
	return out, nil
}

// LoadCoins reads a variable-length currency amount.
func (s *Slice) LoadCoins() (*big.Int, error) {
	n, err := s.LoadUint(4)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return new(big.Int), nil
	}
	raw, err := s.LoadBytes(int(n))
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(raw), nil
}

// LoadAddr reads a message address. addr_none yields a nil address.
func (s *Slice) LoadAddr() (*Address, error) {
	kind, err := s.LoadUint(2)
	if err != nil {
		return nil, err
	}
	switch kind {
	case 0b00:
		return nil, nil
	case 0b10:
		anycast, err := s.LoadBit()
		if err != nil {
			return nil, err
		}
		if anycast {
			return nil, errors.New("tvm: anycast addresses are not supported")
		}
		wc, err := s.LoadUint(8)
		if err != nil {
			return nil, err
		}
		raw, err := s.LoadBytes(32)
		if err != nil {
			return nil, err
		}
		addr := &Address{Workchain: int32(int8(wc))}
		copy(addr.Hash[:], raw)
		return addr, nil
	default:
		return nil, fmt.Errorf("tvm: unsupported address kind %02b", kind)
	}
}

// LoadRef reads the next reference.
func (s *Slice) LoadRef() (*Cell, error) {
	if s.RefsLeft() < 1 {
		return nil, ErrCellUnderflow
	}
	ref := s.cell.refs[s.refPos]
	s.refPos++
	return ref, nil
}
