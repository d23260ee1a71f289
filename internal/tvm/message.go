package tvm

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"time"
)

// SignatureSize is the ed25519 signature length wallet externals carry.
const SignatureSize = 64

var ErrBadSignature = errors.New("tvm: signature must be 64 bytes")

// OutputType selects the send-mode flags attached to a transfer output.
type OutputType string

const (
	// OutputNormal pays fees from the message value and ignores
	// unexecutable actions.
	OutputNormal OutputType = "Normal"
	// OutputAllBalance carries the whole remaining account balance.
	OutputAllBalance OutputType = "AllBalance"
	// OutputAllBalanceDelete carries the whole balance and deletes the
	// emptied account.
	OutputAllBalanceDelete OutputType = "AllBalanceDeleteNetworkAccount"
)

// ParseOutputType validates a client-supplied output flag. An empty string
// selects Normal.
func ParseOutputType(s string) (OutputType, error) {
	switch OutputType(s) {
	case "":
		return OutputNormal, nil
	case OutputNormal, OutputAllBalance, OutputAllBalanceDelete:
		return OutputType(s), nil
	default:
		return "", fmt.Errorf("unknown output type %q", s)
	}
}

// SendMode returns the chain-level mode byte for the output type.
func (t OutputType) SendMode() uint8 {
	switch t {
	case OutputAllBalance:
		return 128 + 2
	case OutputAllBalanceDelete:
		return 128 + 32 + 2
	default:
		return 3
	}
}

// InternalMessage describes a message a wallet emits on-chain.
type InternalMessage struct {
	Bounce    bool
	Dest      *Address
	Value     *big.Int
	Body      *Cell
	StateInit *Cell
}

// Cell serializes the internal message header and body.
func (m *InternalMessage) Cell() (*Cell, error) {
	if m.Dest == nil {
		return nil, errors.New("tvm: internal message needs a destination")
	}
	b := NewBuilder().
		StoreBit(false).     // int_msg_info
		StoreBit(true).      // ihr disabled
		StoreBit(m.Bounce).  // bounce
		StoreBit(false).     // bounced
		StoreUint(0, 2).     // src: filled in by the wallet contract
		StoreAddr(m.Dest).
		StoreCoins(m.Value).
		StoreBit(false). // no extra currencies
		StoreCoins(nil). // ihr fee
		StoreCoins(nil). // fwd fee
		StoreUint(0, 64).    // created_lt
		StoreUint(0, 32)     // created_at
	if m.StateInit != nil {
		b.StoreBit(true).StoreBit(true).StoreRef(m.StateInit)
	} else {
		b.StoreBit(false)
	}
	storeEitherCell(b, m.Body)
	return b.Build()
}

// storeEitherCell stores body inline when it fits, as a reference otherwise.
// A nil body is an empty inline body.
func storeEitherCell(b *Builder, body *Cell) {
	if body == nil {
		b.StoreBit(false)
		return
	}
	if b.BitsLeft() >= body.Bits()+1 && b.RefsLeft() >= len(body.Refs()) {
		b.StoreBit(false).StoreSlice(body.Slice())
		return
	}
	b.StoreBit(true).StoreRef(body)
}

// UnsignedMessage is a built wallet message awaiting a signature over its
// payload hash.
type UnsignedMessage struct {
	payload   *Cell
	dest      *Address
	stateInit *Cell
	expireAt  time.Time
}

// Hash returns the digest the holder of the wallet key must sign.
func (m *UnsignedMessage) Hash() [32]byte { return m.payload.Hash() }

// HashHex returns Hash as lowercase hex, the unsigned-store key.
func (m *UnsignedMessage) HashHex() string {
	h := m.payload.Hash()
	return hex.EncodeToString(h[:])
}

// ExpireAt returns the chain-level expiration of the message.
func (m *UnsignedMessage) ExpireAt() time.Time { return m.expireAt }

// Dest returns the account the external message is addressed to.
func (m *UnsignedMessage) Dest() *Address { return m.dest }

// Sign finalizes the message with an externally produced 64-byte signature.
func (m *UnsignedMessage) Sign(sig []byte) (*SignedMessage, error) {
	if len(sig) != SignatureSize {
		return nil, ErrBadSignature
	}
	body := NewBuilder().StoreBytes(sig).StoreSlice(m.payload.Slice())
	bodyCell, err := body.Build()
	if err != nil {
		return nil, err
	}

	b := NewBuilder().
		StoreUint(0b10, 2). // ext_in_msg_info
		StoreUint(0, 2).    // src: none
		StoreAddr(m.dest).
		StoreCoins(nil) // import fee
	if m.stateInit != nil {
		b.StoreBit(true).StoreBit(true).StoreRef(m.stateInit)
	} else {
		b.StoreBit(false)
	}
	storeEitherCell(b, bodyCell)
	msg, err := b.Build()
	if err != nil {
		return nil, err
	}
	return &SignedMessage{Message: msg, ExpireAt: m.expireAt}, nil
}

// SignWith signs the payload with the custodial key and finalizes.
func (m *UnsignedMessage) SignWith(kp *KeyPair) (*SignedMessage, error) {
	h := m.Hash()
	sig := kp.Sign(h[:])
	return m.Sign(sig[:])
}

// SignedMessage is a broadcast-ready external message.
type SignedMessage struct {
	Message  *Cell
	ExpireAt time.Time
}

// Hash returns the external message hash, the key transactions are tracked
// under.
func (m *SignedMessage) Hash() [32]byte { return m.Message.Hash() }

// HashHex returns Hash as lowercase hex.
func (m *SignedMessage) HashHex() string {
	h := m.Message.Hash()
	return hex.EncodeToString(h[:])
}

// BOC returns the base64 bag-of-cells ready for broadcast.
func (m *SignedMessage) BOC() (string, error) {
	return PackBOCBase64(m.Message)
}
