package tvm

import (
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"math/rand"
	"time"
)

// DefaultMessageTTL bounds how long a built message stays broadcastable.
const DefaultMessageTTL = 60 * time.Second

var (
	ErrAccountNotDeployed = errors.New("tvm: account is not deployed")
	ErrCustodiansNotFound = errors.New("tvm: custodian set is required for multisig")
	ErrInvalidAccountType = errors.New("tvm: operation is not supported for this account type")
	ErrNoOutputs          = errors.New("tvm: at least one output is required")
)

// Multisig operation tags recognized by the wallet family's contracts.
const (
	MultisigOpSubmitTransaction  uint32 = 0x1b3966f8
	MultisigOpSendTransaction    uint32 = 0x2a0b2f29
	MultisigOpConfirmTransaction uint32 = 0x4e72b564
)

// AccountState is the contract-state snapshot the builders consume. The
// chain facade converts its richer state type into this.
type AccountState struct {
	Deployed bool
	// Data is the account's persisted data cell; nil while undeployed.
	Data *Cell
}

// TransferOutput is one requested recipient of a native transfer.
type TransferOutput struct {
	Recipient *Address
	Value     *big.Int
	Type      OutputType
}

// TransferSpec describes a native-currency send.
type TransferSpec struct {
	Sender      *Address
	AccountType AccountType
	PublicKey   ed25519.PublicKey
	Outputs     []TransferOutput
	// Body is an optional payload attached to every emitted message.
	Body   *Cell
	Bounce bool
	// TTL defaults to DefaultMessageTTL when zero.
	TTL time.Duration
	// Multisig is consulted only for SafeMultisig senders.
	Multisig *MultisigParams
}

func (s *TransferSpec) expireAt(now time.Time) time.Time {
	ttl := s.TTL
	if ttl <= 0 {
		ttl = DefaultMessageTTL
	}
	return now.Add(ttl).Truncate(time.Second)
}

// BuildTransfer constructs the unsigned external message for the sender's
// wallet family. Wallet and HighloadWallet accounts self-deploy by attaching
// their init state when undeployed; SafeMultisig cannot and fails with
// ErrAccountNotDeployed.
func BuildTransfer(spec *TransferSpec, state *AccountState, now time.Time) (*UnsignedMessage, error) {
	if len(spec.Outputs) == 0 {
		return nil, ErrNoOutputs
	}
	for i, out := range spec.Outputs {
		if out.Recipient == nil {
			return nil, fmt.Errorf("output %d: recipient is required", i)
		}
		if out.Value == nil || out.Value.Sign() <= 0 {
			return nil, fmt.Errorf("output %d: value must be positive", i)
		}
	}

	switch spec.AccountType {
	case AccountWallet:
		return buildWalletV3Transfer(spec, state, now)
	case AccountHighloadWallet:
		return buildHighloadTransfer(spec, state, now)
	case AccountSafeMultisig:
		return buildMultisigTransfer(spec, state, now)
	default:
		return nil, fmt.Errorf("unknown account type %q", spec.AccountType)
	}
}

// buildWalletV3Transfer uses only the first output; the basic wallet sends a
// single message per external.
func buildWalletV3Transfer(spec *TransferSpec, state *AccountState, now time.Time) (*UnsignedMessage, error) {
	seqno, init, err := walletV3Context(spec, state)
	if err != nil {
		return nil, err
	}

	out := spec.Outputs[0]
	intMsg, err := (&InternalMessage{
		Bounce: spec.Bounce,
		Dest:   out.Recipient,
		Value:  out.Value,
		Body:   spec.Body,
	}).Cell()
	if err != nil {
		return nil, err
	}

	expire := spec.expireAt(now)
	payload, err := NewBuilder().
		StoreUint(SubwalletID(spec.Sender.Workchain), 32).
		StoreUint(uint64(expire.Unix()), 32).
		StoreUint(seqno, 32).
		StoreUint(uint64(out.Type.SendMode()), 8).
		StoreRef(intMsg).
		Build()
	if err != nil {
		return nil, err
	}
	return &UnsignedMessage{
		payload:   payload,
		dest:      spec.Sender,
		stateInit: init,
		expireAt:  expire,
	}, nil
}

// walletV3Context reads the seqno from the deployed data cell, or prepares a
// first-message deploy.
func walletV3Context(spec *TransferSpec, state *AccountState) (uint64, *Cell, error) {
	if state != nil && state.Deployed && state.Data != nil {
		seqno, err := state.Data.Slice().LoadUint(32)
		if err != nil {
			return 0, nil, fmt.Errorf("read wallet seqno: %w", err)
		}
		return seqno, nil, nil
	}
	init, _, err := StateInit(AccountWallet, spec.Sender.Workchain, spec.PublicKey, nil)
	if err != nil {
		return 0, nil, err
	}
	return 0, init, nil
}

// buildHighloadTransfer packs every output into a chained action list keyed
// by a time-salted query id.
func buildHighloadTransfer(spec *TransferSpec, state *AccountState, now time.Time) (*UnsignedMessage, error) {
	var init *Cell
	if state == nil || !state.Deployed {
		var err error
		init, _, err = StateInit(AccountHighloadWallet, spec.Sender.Workchain, spec.PublicKey, nil)
		if err != nil {
			return nil, err
		}
	}

	actions, err := buildActionChain(spec)
	if err != nil {
		return nil, err
	}

	expire := spec.expireAt(now)
	// The high 32 bits order queries by expiration; the low bits keep
	// retries within one second distinct.
	queryID := uint64(expire.Unix())<<32 | uint64(rand.Uint32())

	payload, err := NewBuilder().
		StoreUint(SubwalletID(spec.Sender.Workchain), 32).
		StoreUint(queryID, 64).
		StoreUint(uint64(len(spec.Outputs)), 8).
		StoreRef(actions).
		Build()
	if err != nil {
		return nil, err
	}
	return &UnsignedMessage{
		payload:   payload,
		dest:      spec.Sender,
		stateInit: init,
		expireAt:  expire,
	}, nil
}

// buildActionChain packs (mode, message) pairs three per cell, linked by the
// trailing reference.
func buildActionChain(spec *TransferSpec) (*Cell, error) {
	type action struct {
		mode uint8
		msg  *Cell
	}
	actions := make([]action, 0, len(spec.Outputs))
	for _, out := range spec.Outputs {
		msg, err := (&InternalMessage{
			Bounce: spec.Bounce,
			Dest:   out.Recipient,
			Value:  out.Value,
			Body:   spec.Body,
		}).Cell()
		if err != nil {
			return nil, err
		}
		actions = append(actions, action{mode: out.Type.SendMode(), msg: msg})
	}

	var build func(items []action) (*Cell, error)
	build = func(items []action) (*Cell, error) {
		const perCell = 3
		n := len(items)
		if n > perCell {
			n = perCell
		}
		b := NewBuilder()
		for _, a := range items[:n] {
			b.StoreUint(uint64(a.mode), 8).StoreRef(a.msg)
		}
		if len(items) > perCell {
			rest, err := build(items[perCell:])
			if err != nil {
				return nil, err
			}
			b.StoreRef(rest)
		}
		return b.Build()
	}
	return build(actions)
}

// buildMultisigTransfer forks on custodian count: a shared wallet submits a
// pending transaction, a single-custodian wallet sends directly.
func buildMultisigTransfer(spec *TransferSpec, state *AccountState, now time.Time) (*UnsignedMessage, error) {
	if state == nil || !state.Deployed {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotDeployed, spec.Sender)
	}
	if spec.Multisig == nil || spec.Multisig.Custodians < 1 {
		return nil, ErrCustodiansNotFound
	}

	out := spec.Outputs[0]
	body := spec.Body
	if body == nil {
		var err error
		body, err = NewBuilder().Build()
		if err != nil {
			return nil, err
		}
	}

	expire := spec.expireAt(now)
	b := NewBuilder().StoreUint(uint64(expire.Unix()), 32)
	if spec.Multisig.Custodians > 1 {
		b.StoreUint(uint64(MultisigOpSubmitTransaction), 32).
			StoreAddr(out.Recipient).
			StoreCoins(out.Value).
			StoreBit(spec.Bounce).
			StoreBit(out.Type != OutputNormal). // all-balance flag
			StoreRef(body)
	} else {
		b.StoreUint(uint64(MultisigOpSendTransaction), 32).
			StoreAddr(out.Recipient).
			StoreCoins(out.Value).
			StoreBit(spec.Bounce).
			StoreUint(uint64(out.Type.SendMode()), 8).
			StoreRef(body)
	}
	payload, err := b.Build()
	if err != nil {
		return nil, err
	}
	return &UnsignedMessage{
		payload:  payload,
		dest:     spec.Sender,
		expireAt: expire,
	}, nil
}

// BuildConfirm constructs the multisig confirmation message for a pending
// transaction id.
func BuildConfirm(address *Address, transactionID uint64, ttl time.Duration, now time.Time) (*UnsignedMessage, error) {
	if address == nil {
		return nil, errors.New("tvm: address is required")
	}
	if ttl <= 0 {
		ttl = DefaultMessageTTL
	}
	expire := now.Add(ttl).Truncate(time.Second)
	payload, err := NewBuilder().
		StoreUint(uint64(expire.Unix()), 32).
		StoreUint(uint64(MultisigOpConfirmTransaction), 32).
		StoreUint(transactionID, 64).
		Build()
	if err != nil {
		return nil, err
	}
	return &UnsignedMessage{
		payload:  payload,
		dest:     address,
		expireAt: expire,
	}, nil
}

// BuildGeneric constructs an unsigned message carrying an arbitrary body to
// a single destination. HighloadWallet accounts reject the generic path.
func BuildGeneric(spec *TransferSpec, state *AccountState, now time.Time) (*UnsignedMessage, error) {
	if spec.AccountType == AccountHighloadWallet {
		return nil, ErrInvalidAccountType
	}
	return BuildTransfer(spec, state, now)
}

// MultisigTransactionID derives the pending-transaction identifier of a
// submit payload. Both the builder and the parser compute it from the signed
// payload hash, so confirmations address a stable id.
func MultisigTransactionID(payloadHash [32]byte) uint64 {
	return binary.BigEndian.Uint64(payloadHash[:8])
}
