package tvm

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	addrTagBounceable    = 0x11
	addrTagNonBounceable = 0x51
	addrTagTestnet       = 0x80
)

var ErrBadAddress = errors.New("tvm: malformed address")

// Address is a standard account address: a signed workchain and a 32-byte
// account id.
type Address struct {
	Workchain int32
	Hash      [32]byte
}

// ParseAddress accepts either the raw form "workchain:hex" or the packed
// base64/base64url form with tag and checksum.
func ParseAddress(s string) (*Address, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty", ErrBadAddress)
	}
	if strings.ContainsRune(s, ':') {
		return parseRawAddress(s)
	}
	return parsePackedAddress(s)
}

func parseRawAddress(s string) (*Address, error) {
	sep := strings.LastIndexByte(s, ':')
	wc, err := strconv.ParseInt(s[:sep], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("%w: workchain %q", ErrBadAddress, s[:sep])
	}
	raw, err := hex.DecodeString(s[sep+1:])
	if err != nil || len(raw) != 32 {
		return nil, fmt.Errorf("%w: account id %q", ErrBadAddress, s[sep+1:])
	}
	addr := &Address{Workchain: int32(wc)}
	copy(addr.Hash[:], raw)
	return addr, nil
}

func parsePackedAddress(s string) (*Address, error) {
	raw, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		raw, err = base64.StdEncoding.DecodeString(s)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %v", ErrBadAddress, err)
	}
	if len(raw) != 36 {
		return nil, fmt.Errorf("%w: packed length %d", ErrBadAddress, len(raw))
	}
	tag := raw[0] &^ addrTagTestnet
	if tag != addrTagBounceable && tag != addrTagNonBounceable {
		return nil, fmt.Errorf("%w: tag 0x%02x", ErrBadAddress, raw[0])
	}
	sum := crc16xmodem(raw[:34])
	if !bytes.Equal(raw[34:], []byte{byte(sum >> 8), byte(sum)}) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrBadAddress)
	}
	addr := &Address{Workchain: int32(int8(raw[1]))}
	copy(addr.Hash[:], raw[2:34])
	return addr, nil
}

// AddressFromHex rebuilds an address from its stored workchain and account
// id columns.
func AddressFromHex(workchain int32, hexStr string) (*Address, error) {
	raw, err := hex.DecodeString(hexStr)
	if err != nil || len(raw) != 32 {
		return nil, fmt.Errorf("%w: account id %q", ErrBadAddress, hexStr)
	}
	addr := &Address{Workchain: workchain}
	copy(addr.Hash[:], raw)
	return addr, nil
}

// MustParseAddress parses a statically known-good address.
func MustParseAddress(s string) *Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

// String returns the raw "workchain:hex" form.
func (a *Address) String() string {
	return fmt.Sprintf("%d:%s", a.Workchain, a.Hex())
}

// Hex returns the lowercase hex account id without the workchain.
func (a *Address) Hex() string {
	return hex.EncodeToString(a.Hash[:])
}

// Base64URL returns the packed bounceable base64url form.
func (a *Address) Base64URL() string {
	return a.pack(addrTagBounceable)
}

// Base64URLNonBounceable returns the packed non-bounceable base64url form.
func (a *Address) Base64URLNonBounceable() string {
	return a.pack(addrTagNonBounceable)
}

func (a *Address) pack(tag byte) string {
	raw := make([]byte, 36)
	raw[0] = tag
	raw[1] = byte(int8(a.Workchain))
	copy(raw[2:34], a.Hash[:])
	sum := crc16xmodem(raw[:34])
	raw[34] = byte(sum >> 8)
	raw[35] = byte(sum)
	return base64.URLEncoding.EncodeToString(raw)
}

// Equal reports whether two addresses denote the same account.
func (a *Address) Equal(other *Address) bool {
	if a == nil || other == nil {
		return a == other
	}
	return a.Workchain == other.Workchain && a.Hash == other.Hash
}

// MarshalJSON encodes the raw form.
func (a Address) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON accepts either supported text form.
func (a *Address) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseAddress(s)
	if err != nil {
		return err
	}
	*a = *parsed
	return nil
}

// crc16xmodem is the CCITT polynomial 0x1021 with zero initial value, the
// checksum used by the packed address form.
func crc16xmodem(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
