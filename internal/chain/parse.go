package chain

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/R3E-Network/ton_gateway/internal/tvm"
)

// ErrInvalidStructure marks a transaction whose message layout cannot belong
// to a hosted wallet account.
var ErrInvalidStructure = errors.New("chain: invalid transaction structure")

// NativeOutcome is the classification of one observed transaction of a
// hosted wallet: either the completion of a broadcast external message or an
// inbound transfer.
type NativeOutcome interface {
	nativeOutcome()
}

// OutMessage is one message a wallet transaction emitted.
type OutMessage struct {
	Hash      string
	Recipient *tvm.Address
	Value     *big.Int
	Fee       *big.Int
}

// SentCompletion settles a previously broadcast external message: the
// transaction whose inbound message is external carries the tracked message
// hash.
type SentCompletion struct {
	MessageHash          string
	TransactionHash      string
	TransactionLT        uint64
	TransactionTimestamp uint32
	Aborted              bool
	// Value is the sum of grams carried by emitted internal messages.
	Value *big.Int
	Fee   *big.Int
	// BalanceChange is the signed delta of the account balance.
	BalanceChange *big.Int
	Messages      []OutMessage
	// MultisigTransactionID is set when the in-body is a recognized
	// multisig submit or confirm.
	MultisigTransactionID *int64
}

func (*SentCompletion) nativeOutcome() {}

// InboundTransfer is value arriving from another account.
type InboundTransfer struct {
	MessageHash          string
	TransactionHash      string
	TransactionLT        uint64
	TransactionTimestamp uint32
	Sender               *tvm.Address
	Bounced              bool
	Value                *big.Int
	Fee                  *big.Int
	BalanceChange        *big.Int
}

func (*InboundTransfer) nativeOutcome() {}

// ParseNative classifies an observed transaction of a hosted wallet account.
// Transactions that carry no inbound message or a non-ordinary description
// yield (nil, nil) and are skipped. An external-out message in the inbound
// slot is ill-formed.
func ParseNative(tx *RawTransaction, accountType tvm.AccountType) (NativeOutcome, error) {
	if tx.Description != DescriptionOrdinary && tx.Description != "" {
		return nil, nil
	}
	in := tx.InMsg
	if in == nil {
		return nil, nil
	}

	fee, err := tx.TotalFeesGrams()
	if err != nil {
		return nil, err
	}

	switch in.Type {
	case MessageExternalIn:
		return parseSentCompletion(tx, in, fee, accountType)
	case MessageInternal:
		return parseInboundTransfer(tx, in, fee)
	default:
		return nil, fmt.Errorf("%w: inbound %s message", ErrInvalidStructure, in.Type)
	}
}

func parseSentCompletion(tx *RawTransaction, in *RawMessage, fee *big.Int, accountType tvm.AccountType) (*SentCompletion, error) {
	value := new(big.Int)
	messages := make([]OutMessage, 0, len(tx.OutMsgs))
	for i := range tx.OutMsgs {
		out := &tx.OutMsgs[i]
		if out.Type != MessageInternal {
			continue
		}
		grams, err := out.ValueGrams()
		if err != nil {
			return nil, err
		}
		fwd, err := out.FwdFeeGrams()
		if err != nil {
			return nil, err
		}
		var recipient *tvm.Address
		if out.Destination != "" {
			recipient, err = tvm.ParseAddress(out.Destination)
			if err != nil {
				return nil, fmt.Errorf("out message %d: %w", i, err)
			}
		}
		value.Add(value, grams)
		messages = append(messages, OutMessage{
			Hash:      out.Hash,
			Recipient: recipient,
			Value:     grams,
			Fee:       fwd,
		})
	}

	change := new(big.Int).Neg(new(big.Int).Add(value, fee))
	completion := &SentCompletion{
		MessageHash:          in.Hash,
		TransactionHash:      tx.Hash,
		TransactionLT:        tx.LT,
		TransactionTimestamp: tx.Now,
		Aborted:              tx.Aborted,
		Value:                value,
		Fee:                  fee,
		BalanceChange:        change,
		Messages:             messages,
	}
	if accountType == tvm.AccountSafeMultisig {
		completion.MultisigTransactionID = multisigIDFromBody(in)
	}
	return completion, nil
}

func parseInboundTransfer(tx *RawTransaction, in *RawMessage, fee *big.Int) (*InboundTransfer, error) {
	value, err := in.ValueGrams()
	if err != nil {
		return nil, err
	}
	var sender *tvm.Address
	if in.Source != "" {
		sender, err = tvm.ParseAddress(in.Source)
		if err != nil {
			return nil, fmt.Errorf("in message source: %w", err)
		}
	}
	return &InboundTransfer{
		MessageHash:          in.Hash,
		TransactionHash:      tx.Hash,
		TransactionLT:        tx.LT,
		TransactionTimestamp: tx.Now,
		Sender:               sender,
		Bounced:              in.Bounced,
		Value:                value,
		Fee:                  fee,
		BalanceChange:        new(big.Int).Sub(value, fee),
	}, nil
}

// multisigIDFromBody recovers the pending-transaction id from a multisig
// external body: the 512-bit signature is followed by the signed payload. A
// confirm carries the id inline; a submit's id is the payload hash prefix,
// the same value the builder derived at send time. Unrecognized bodies
// yield nil.
func multisigIDFromBody(in *RawMessage) *int64 {
	body, err := in.Body()
	if err != nil || body == nil || body.Bits() < tvm.SignatureSize*8+64 {
		return nil
	}
	s := body.Slice()
	if _, err := s.LoadBytes(tvm.SignatureSize); err != nil {
		return nil
	}
	payload, err := tvm.NewBuilder().StoreSlice(s).Build()
	if err != nil {
		return nil
	}

	ps := payload.Slice()
	if _, err := ps.LoadUint(32); err != nil { // expire
		return nil
	}
	op, err := ps.LoadUint(32)
	if err != nil {
		return nil
	}
	switch uint32(op) {
	case tvm.MultisigOpSubmitTransaction:
		id := int64(tvm.MultisigTransactionID(payload.Hash()))
		return &id
	case tvm.MultisigOpConfirmTransaction:
		raw, err := ps.LoadUint(64)
		if err != nil {
			return nil
		}
		id := int64(raw)
		return &id
	default:
		return nil
	}
}

// TokenActionKind classifies a token-wallet transaction.
type TokenActionKind int

const (
	// TokenIncomingTransfer credits the wallet from another owner.
	TokenIncomingTransfer TokenActionKind = iota + 1
	// TokenAccept credits the wallet from its root (a mint landing).
	TokenAccept
	// TokenOutgoingTransfer is the owner-ordered transfer leaving the
	// wallet; it completes a pending token send.
	TokenOutgoingTransfer
	// TokenSwapBack is the owner-ordered burn; it completes a pending
	// token burn.
	TokenSwapBack
	// TokenTransferBounced is a transfer rejected by the recipient wallet.
	TokenTransferBounced
	// TokenSwapBackBounced is a burn rejected by the root.
	TokenSwapBackBounced
)

func (k TokenActionKind) String() string {
	switch k {
	case TokenIncomingTransfer:
		return "IncomingTransfer"
	case TokenAccept:
		return "Accept"
	case TokenOutgoingTransfer:
		return "OutgoingTransfer"
	case TokenSwapBack:
		return "SwapBack"
	case TokenTransferBounced:
		return "TransferBounced"
	case TokenSwapBackBounced:
		return "SwapBackBounced"
	default:
		return fmt.Sprintf("TokenActionKind(%d)", int(k))
	}
}

// TokenAction is the classification of one token-wallet transaction,
// produced against the wallet's resolved token data.
type TokenAction struct {
	Kind                 TokenActionKind
	InMessageHash        string
	TransactionHash      string
	TransactionTimestamp uint32
	Amount               *big.Int
	// Counterparty is the other owner when the body names one: the sender
	// for incoming transfers, the destination for outgoing ones.
	Counterparty *tvm.Address
	Root         *tvm.Address
	Owner        *tvm.Address
}

// ParseToken classifies an observed transaction of a token wallet. Service
// bodies (notifications, excess returns) and foreign layouts yield
// (nil, nil).
func ParseToken(tx *RawTransaction, token *TokenData) (*TokenAction, error) {
	if token == nil {
		return nil, fmt.Errorf("%w: token wallet without token data", ErrInvalidStructure)
	}
	if tx.Description != DescriptionOrdinary && tx.Description != "" {
		return nil, nil
	}
	in := tx.InMsg
	if in == nil || in.Type != MessageInternal {
		return nil, nil
	}

	body, err := in.Body()
	if err != nil {
		return nil, err
	}
	parsed, err := tvm.ParseTokenBody(body)
	if errors.Is(err, tvm.ErrNotTokenBody) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	root, err := tvm.ParseAddress(token.RootAddress)
	if err != nil {
		return nil, fmt.Errorf("token root: %w", err)
	}
	owner, err := tvm.ParseAddress(token.OwnerAddress)
	if err != nil {
		return nil, fmt.Errorf("token owner: %w", err)
	}

	action := &TokenAction{
		InMessageHash:        in.Hash,
		TransactionHash:      tx.Hash,
		TransactionTimestamp: tx.Now,
		Amount:               parsed.Amount,
		Counterparty:         parsed.Counterparty,
		Root:                 root,
		Owner:                owner,
	}

	if parsed.Bounced {
		switch parsed.Op {
		case tvm.TokenOpInternalTransfer:
			action.Kind = TokenTransferBounced
		case tvm.TokenOpBurn:
			action.Kind = TokenSwapBackBounced
		default:
			return nil, nil
		}
		return action, nil
	}

	switch parsed.Op {
	case tvm.TokenOpInternalTransfer:
		action.Kind = TokenIncomingTransfer
		if fromRoot(in, root) {
			action.Kind = TokenAccept
		}
	case tvm.TokenOpTransfer:
		action.Kind = TokenOutgoingTransfer
	case tvm.TokenOpBurn:
		action.Kind = TokenSwapBack
	default:
		return nil, nil
	}
	return action, nil
}

func fromRoot(in *RawMessage, root *tvm.Address) bool {
	if in.Source == "" {
		return false
	}
	src, err := tvm.ParseAddress(in.Source)
	if err != nil {
		return false
	}
	return *src == *root
}
