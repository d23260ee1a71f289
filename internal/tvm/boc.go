package tvm

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
)

// bocMagic is the serialized bag-of-cells tag.
var bocMagic = [4]byte{0xb5, 0xee, 0x9c, 0x72}

var (
	ErrBadBOC = errors.New("tvm: malformed bag of cells")
)

// PackBOC serializes a single-root cell tree into the standard bag-of-cells
// format without index or checksum sections. Shared subtrees are emitted
// once.
func PackBOC(root *Cell) ([]byte, error) {
	if root == nil {
		return nil, errors.New("tvm: nil root cell")
	}

	ordered := orderCells(root)
	index := make(map[[32]byte]int, len(ordered))
	for i, c := range ordered {
		index[c.hash] = i
	}

	sizeBytes := bytesForCount(uint64(len(ordered)))

	var payload []byte
	for _, c := range ordered {
		d1, d2 := c.descriptors()
		payload = append(payload, d1, d2)
		payload = append(payload, c.paddedData()...)
		for _, ref := range c.refs {
			payload = appendUintN(payload, uint64(index[ref.hash]), sizeBytes)
		}
	}

	offBytes := bytesForCount(uint64(len(payload)))

	out := make([]byte, 0, len(payload)+16)
	out = append(out, bocMagic[:]...)
	out = append(out, byte(sizeBytes))
	out = append(out, byte(offBytes))
	out = appendUintN(out, uint64(len(ordered)), sizeBytes) // cells
	out = appendUintN(out, 1, sizeBytes)                    // roots
	out = appendUintN(out, 0, sizeBytes)                    // absent
	out = appendUintN(out, uint64(len(payload)), offBytes)  // payload size
	out = appendUintN(out, 0, sizeBytes)                    // root index
	out = append(out, payload...)
	return out, nil
}

// PackBOCBase64 is PackBOC with standard base64 encoding applied.
func PackBOCBase64(root *Cell) (string, error) {
	raw, err := PackBOC(root)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// ParseBOC deserializes a single-root bag of cells produced by PackBOC or a
// compatible encoder. Index and checksum sections are tolerated and skipped.
func ParseBOC(raw []byte) (*Cell, error) {
	r := &bocReader{data: raw}

	magic, err := r.take(4)
	if err != nil {
		return nil, err
	}
	if [4]byte(magic) != bocMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrBadBOC)
	}

	flags, err := r.byte()
	if err != nil {
		return nil, err
	}
	hasIdx := flags&0x80 != 0
	hasCRC := flags&0x40 != 0
	sizeBytes := int(flags & 0x07)
	if sizeBytes == 0 || sizeBytes > 4 {
		return nil, fmt.Errorf("%w: ref size %d", ErrBadBOC, sizeBytes)
	}

	offByte, err := r.byte()
	if err != nil {
		return nil, err
	}
	offBytes := int(offByte)
	if offBytes == 0 || offBytes > 8 {
		return nil, fmt.Errorf("%w: offset size %d", ErrBadBOC, offBytes)
	}

	cellCount, err := r.uintN(sizeBytes)
	if err != nil {
		return nil, err
	}
	rootCount, err := r.uintN(sizeBytes)
	if err != nil {
		return nil, err
	}
	if rootCount != 1 {
		return nil, fmt.Errorf("%w: %d roots", ErrBadBOC, rootCount)
	}
	absent, err := r.uintN(sizeBytes)
	if err != nil {
		return nil, err
	}
	if absent != 0 {
		return nil, fmt.Errorf("%w: absent cells", ErrBadBOC)
	}
	if _, err := r.uintN(offBytes); err != nil { // total payload size
		return nil, err
	}
	rootIdx, err := r.uintN(sizeBytes)
	if err != nil {
		return nil, err
	}
	if rootIdx >= cellCount {
		return nil, fmt.Errorf("%w: root index out of range", ErrBadBOC)
	}
	if hasIdx {
		if _, err := r.take(int(cellCount) * offBytes); err != nil {
			return nil, err
		}
	}

	type rawCell struct {
		bits int
		data []byte
		refs []uint64
	}
	rawCells := make([]rawCell, cellCount)
	for i := range rawCells {
		d1, err := r.byte()
		if err != nil {
			return nil, err
		}
		if d1&0x08 != 0 {
			return nil, fmt.Errorf("%w: exotic cell", ErrBadBOC)
		}
		if d1>>5 != 0 {
			return nil, fmt.Errorf("%w: non-zero level", ErrBadBOC)
		}
		refCount := int(d1 & 0x07)
		if refCount > MaxCellRefs {
			return nil, fmt.Errorf("%w: %d refs", ErrBadBOC, refCount)
		}
		d2, err := r.byte()
		if err != nil {
			return nil, err
		}
		dataLen := (int(d2) + 1) / 2
		data, err := r.take(dataLen)
		if err != nil {
			return nil, err
		}
		bits := dataLen * 8
		if d2%2 != 0 {
			// Padded cell: a single one bit marks the data end.
			if dataLen == 0 || data[dataLen-1] == 0 {
				return nil, fmt.Errorf("%w: bad padding", ErrBadBOC)
			}
			last := data[dataLen-1]
			bits = dataLen*8 - 1
			for last&1 == 0 {
				last >>= 1
				bits--
			}
		}
		refs := make([]uint64, refCount)
		for j := range refs {
			idx, err := r.uintN(sizeBytes)
			if err != nil {
				return nil, err
			}
			if idx <= uint64(i) || idx >= cellCount {
				return nil, fmt.Errorf("%w: ref %d from cell %d", ErrBadBOC, idx, i)
			}
			refs[j] = idx
		}
		rawCells[i] = rawCell{bits: bits, data: data, refs: refs}
	}
	if hasCRC {
		if _, err := r.take(4); err != nil {
			return nil, err
		}
	}

	// References always point forward, so building back to front resolves
	// them in one pass.
	built := make([]*Cell, cellCount)
	for i := int(cellCount) - 1; i >= 0; i-- {
		rc := rawCells[i]
		cell := &Cell{
			bits: rc.bits,
			data: clearTail(rc.data, rc.bits),
		}
		for _, refIdx := range rc.refs {
			cell.refs = append(cell.refs, built[refIdx])
		}
		cell.computeIdentity()
		built[i] = cell
	}
	return built[rootIdx], nil
}

// ParseBOCBase64 decodes standard or URL base64 and parses the result.
func ParseBOCBase64(s string) (*Cell, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		raw, err = base64.URLEncoding.DecodeString(s)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadBOC, err)
	}
	return ParseBOC(raw)
}

// clearTail zeroes any bits past the logical length so equal cells hash
// equal regardless of encoder padding.
func clearTail(data []byte, bits int) []byte {
	out := append([]byte(nil), data...)
	if r := bits % 8; r != 0 {
		out[bits/8] &= ^byte(0) << (8 - uint(r))
	}
	for i := (bits + 7) / 8; i < len(out); i++ {
		out[i] = 0
	}
	return out
}

// orderCells returns the unique cells of the tree in an order where every
// reference points to a later cell (reverse DFS finish order).
func orderCells(root *Cell) []*Cell {
	var (
		order   []*Cell
		visited = make(map[[32]byte]bool)
		visit   func(*Cell)
	)
	visit = func(c *Cell) {
		if visited[c.hash] {
			return
		}
		visited[c.hash] = true
		for _, ref := range c.refs {
			visit(ref)
		}
		order = append(order, c)
	}
	visit(root)

	for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
		order[i], order[j] = order[j], order[i]
	}
	return order
}

func bytesForCount(n uint64) int {
	size := 1
	for n >= 1<<(8*uint(size)) {
		size++
	}
	return size
}

func appendUintN(dst []byte, v uint64, n int) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(dst, tmp[8-n:]...)
}

// bocReader is a bounds-checked byte cursor over a serialized bag of cells.
type bocReader struct {
	data []byte
	pos  int
}

func (r *bocReader) take(n int) ([]byte, error) {
	if n < 0 || r.pos+n > len(r.data) {
		return nil, fmt.Errorf("%w: truncated", ErrBadBOC)
	}
	out := r.data[r.pos : r.pos+n]
	r.pos += n
	return out, nil
}

func (r *bocReader) byte() (byte, error) {
	p, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return p[0], nil
}

func (r *bocReader) uintN(n int) (uint64, error) {
	p, err := r.take(n)
	if err != nil {
		return 0, err
	}
	var v uint64
	for _, b := range p {
		v = v<<8 | uint64(b)
	}
	return v, nil
}

// cellFromRaw rebuilds a cell from raw data bits. Used by tests and decoders.
func cellFromRaw(data []byte, bits int) *Cell {
	c := &Cell{bits: bits, data: clearTail(data, bits)}
	c.computeIdentity()
	return c
}
