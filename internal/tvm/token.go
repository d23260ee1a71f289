package tvm

import (
	"errors"
	"fmt"
	"math/big"
	"math/rand"
	"time"
)

// Token wallet operation tags. Bounced bodies start with bouncedPrefix
// followed by the original tag.
const (
	TokenOpTransfer             uint32 = 0x0f8a7ea5
	TokenOpInternalTransfer     uint32 = 0x178d4519
	TokenOpTransferNotification uint32 = 0x7362d09c
	TokenOpBurn                 uint32 = 0x595f07bc
	TokenOpBurnNotification     uint32 = 0x7bdd97de
	TokenOpExcesses             uint32 = 0xd53276db
	TokenOpMint                 uint32 = 0x00000015

	bouncedPrefix uint32 = 0xffffffff
)

var ErrNotTokenBody = errors.New("tvm: body is not a token operation")

// TokenTransferSpec describes a fungible-token movement ordered by the
// owner's wallet.
type TokenTransferSpec struct {
	// Amount is the token amount in minimal units.
	Amount *big.Int
	// RecipientOwner is the receiving owner account; the recipient token
	// wallet is derived from it and the root.
	RecipientOwner *Address
	// SendGasTo receives excess gas; defaults to the sending owner.
	SendGasTo *Address
	// ForwardValue is attached to the notification forwarded to the
	// recipient owner.
	ForwardValue *big.Int
	// Payload is an optional forward payload.
	Payload *Cell
}

func tokenQueryID(now time.Time) uint64 {
	return uint64(now.Unix())<<32 | uint64(rand.Uint32())
}

// BuildTokenTransferBody builds the internal body sent to the owner's token
// wallet to move tokens.
func BuildTokenTransferBody(spec *TokenTransferSpec, now time.Time) (*Cell, error) {
	if spec.Amount == nil || spec.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("token amount must be positive")
	}
	if spec.RecipientOwner == nil {
		return nil, fmt.Errorf("recipient is required")
	}
	b := NewBuilder().
		StoreUint(uint64(TokenOpTransfer), 32).
		StoreUint(tokenQueryID(now), 64).
		StoreCoins(spec.Amount).
		StoreAddr(spec.RecipientOwner).
		StoreAddr(spec.SendGasTo).
		StoreBit(false). // no custom payload
		StoreCoins(spec.ForwardValue)
	storeEitherCell(b, spec.Payload)
	return b.Build()
}

// BuildTokenBurnBody builds the internal body that destroys tokens and
// reports to the callback address.
func BuildTokenBurnBody(amount *big.Int, callbackTo *Address, now time.Time) (*Cell, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("token amount must be positive")
	}
	return NewBuilder().
		StoreUint(uint64(TokenOpBurn), 32).
		StoreUint(tokenQueryID(now), 64).
		StoreCoins(amount).
		StoreAddr(callbackTo).
		StoreBit(false). // no custom payload
		Build()
}

// BuildTokenMintBody builds the internal body sent to the token root to
// credit an owner's wallet.
func BuildTokenMintBody(amount *big.Int, recipientOwner *Address, deployValue *big.Int, now time.Time) (*Cell, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("token amount must be positive")
	}
	if recipientOwner == nil {
		return nil, fmt.Errorf("recipient is required")
	}
	return NewBuilder().
		StoreUint(uint64(TokenOpMint), 32).
		StoreUint(tokenQueryID(now), 64).
		StoreAddr(recipientOwner).
		StoreCoins(amount).
		StoreCoins(deployValue).
		Build()
}

// TokenBody is the decoded token operation carried by an internal message
// into or out of a token wallet.
type TokenBody struct {
	Op      uint32
	Bounced bool
	QueryID uint64
	Amount  *big.Int
	// Counterparty is the other side of the movement when the layout
	// carries one: destination owner for transfers, source wallet for
	// internal transfers, callback target for burns.
	Counterparty *Address
}

// ParseTokenBody decodes a token operation body. Bodies that do not start
// with a known tag yield ErrNotTokenBody.
func ParseTokenBody(body *Cell) (*TokenBody, error) {
	if body == nil || body.Bits() < 32 {
		return nil, ErrNotTokenBody
	}
	s := body.Slice()
	op64, err := s.LoadUint(32)
	if err != nil {
		return nil, err
	}
	op := uint32(op64)

	out := &TokenBody{Op: op}
	if op == bouncedPrefix {
		inner, err := s.LoadUint(32)
		if err != nil {
			return nil, fmt.Errorf("%w: truncated bounce", ErrNotTokenBody)
		}
		out.Bounced = true
		out.Op = uint32(inner)
	}

	switch out.Op {
	case TokenOpTransfer, TokenOpInternalTransfer, TokenOpBurn, TokenOpBurnNotification:
		if err := parseAmountAndAddr(s, out); err != nil {
			return nil, err
		}
	case TokenOpMint:
		qid, err := s.LoadUint(64)
		if err != nil {
			return nil, err
		}
		out.QueryID = qid
		addr, err := s.LoadAddr()
		if err != nil {
			return nil, err
		}
		amount, err := s.LoadCoins()
		if err != nil {
			return nil, err
		}
		out.Counterparty = addr
		out.Amount = amount
	case TokenOpTransferNotification, TokenOpExcesses:
		qid, err := s.LoadUint(64)
		if err != nil {
			return nil, err
		}
		out.QueryID = qid
	default:
		return nil, ErrNotTokenBody
	}
	return out, nil
}

func parseAmountAndAddr(s *Slice, out *TokenBody) error {
	qid, err := s.LoadUint(64)
	if err != nil {
		return err
	}
	amount, err := s.LoadCoins()
	if err != nil {
		return err
	}
	addr, err := s.LoadAddr()
	if err != nil {
		return err
	}
	out.QueryID = qid
	out.Amount = amount
	out.Counterparty = addr
	return nil
}
