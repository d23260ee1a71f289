package transactions

import (
	"context"
	"encoding/hex"
	"errors"
	"math/big"
	"strconv"
	"strings"

	"github.com/R3E-Network/ton_gateway/internal/app/metrics"
	"github.com/R3E-Network/ton_gateway/internal/chain"
	apperrors "github.com/R3E-Network/ton_gateway/internal/errors"
	"github.com/R3E-Network/ton_gateway/internal/tvm"
)

// PrepareRequest builds an unsigned message whose signature is produced
// outside the gateway.
type PrepareRequest struct {
	Address string   `json:"sourceAddress"`
	Outputs []Output `json:"outputs"`
	Body    string   `json:"body,omitempty"`
	Bounce  *bool    `json:"bounce,omitempty"`
	Timeout int64    `json:"timeout,omitempty"`
}

// PrepareResponse carries the digest the external signer must sign and the
// message expiry in milliseconds.
type PrepareResponse struct {
	UnsignedMessageHash string `json:"unsignedMessageHash"`
	ExpireAt            int64  `json:"expireAt"`
}

// PrepareMessage builds an unsigned message for a hosted sender and parks it
// until send-signed-message supplies the signature. HighloadWallet senders
// are rejected; their rolling query id cannot outlive the request.
func (s *Service) PrepareMessage(ctx context.Context, serviceID string, req PrepareRequest) (PrepareResponse, error) {
	sender, err := s.wallets.Get(ctx, serviceID, req.Address)
	if err != nil {
		return PrepareResponse{}, err
	}
	outputs, _, _, err := parseOutputs(req.Outputs)
	if err != nil {
		return PrepareResponse{}, err
	}
	var body *tvm.Cell
	if req.Body != "" {
		if body, err = tvm.ParseBOCBase64(req.Body); err != nil {
			return PrepareResponse{}, apperrors.WrongInputf("body: %v", err)
		}
	}

	spec, err := s.transferSpec(sender, outputs, body, req.Bounce != nil && *req.Bounce, req.Timeout)
	if err != nil {
		return PrepareResponse{}, err
	}
	state, err := s.accountState(ctx, spec.Sender)
	if err != nil {
		return PrepareResponse{}, err
	}
	msg, err := tvm.BuildGeneric(spec, state, s.now())
	if err != nil {
		if errors.Is(err, tvm.ErrInvalidAccountType) {
			return PrepareResponse{}, apperrors.WrongInput(err.Error())
		}
		return PrepareResponse{}, mapBuildError(err)
	}

	hash := s.unsigned.Put(msg)
	return PrepareResponse{
		UnsignedMessageHash: hash,
		ExpireAt:            msg.ExpireAt().UnixMilli(),
	}, nil
}

// SignedRequest finalizes a prepared message with an external signature.
type SignedRequest struct {
	UnsignedMessageHash string `json:"unsignedMessageHash"`
	// Signature is the hex-encoded 64-byte ed25519 signature of the hash.
	Signature string `json:"signature"`
}

// SignedResponse identifies the broadcast external message.
type SignedResponse struct {
	SignedMessageHash string `json:"signedMessageHash"`
}

// SendSigned retrieves a prepared message, applies the caller's signature
// and broadcasts it. No transaction row is written; generic messages are
// outside the tracked send lifecycle.
func (s *Service) SendSigned(ctx context.Context, req SignedRequest) (SignedResponse, error) {
	msg, ok := s.unsigned.Take(strings.ToLower(req.UnsignedMessageHash))
	if !ok {
		return SignedResponse{}, apperrors.WrongInputf("unknown unsigned message hash %s", req.UnsignedMessageHash)
	}
	sig, err := hex.DecodeString(req.Signature)
	if err != nil {
		return SignedResponse{}, apperrors.WrongInput("signature must be hex")
	}
	signed, err := msg.Sign(sig)
	if err != nil {
		return SignedResponse{}, apperrors.WrongInput(err.Error())
	}
	boc, err := signed.BOC()
	if err != nil {
		return SignedResponse{}, apperrors.Internal("pack message", err)
	}

	account := msg.Dest().String()
	receiver, err := s.queue().Add(account, signed.Hash(), signed.ExpireAt)
	if errors.Is(err, chain.ErrDuplicateMessage) {
		return SignedResponse{}, apperrors.WrongInput("message is already pending")
	} else if err != nil {
		return SignedResponse{}, err
	}

	err = s.client.SendMessage(ctx, boc)
	metrics.RecordBroadcast(err)
	if err != nil {
		s.queue().Deliver(account, signed.Hash())
		return SignedResponse{}, apperrors.Chainf("broadcast: %v", err)
	}

	go s.drainGeneric(account, signed.HashHex(), receiver)
	return SignedResponse{SignedMessageHash: signed.HashHex()}, nil
}

// drainGeneric consumes the waiter of an untracked broadcast; with no row to
// transition, the outcome is only logged.
func (s *Service) drainGeneric(account, messageHash string, receiver <-chan chain.Outcome) {
	if outcome, ok := <-receiver; ok && outcome == chain.OutcomeExpired {
		s.log.WithField("messageHash", messageHash).WithField("account", account).Info("generic message expired")
	}
}

// SendMessageRequest broadcasts a fully formed external message.
type SendMessageRequest struct {
	BOC string `json:"boc"`
}

// SendMessageResponse identifies the broadcast message.
type SendMessageResponse struct {
	MessageHash string `json:"messageHash"`
}

// SendMessage broadcasts a caller-built external message as-is.
func (s *Service) SendMessage(ctx context.Context, req SendMessageRequest) (SendMessageResponse, error) {
	cell, err := tvm.ParseBOCBase64(req.BOC)
	if err != nil {
		return SendMessageResponse{}, apperrors.WrongInputf("boc: %v", err)
	}
	err = s.client.SendMessage(ctx, req.BOC)
	metrics.RecordBroadcast(err)
	if err != nil {
		return SendMessageResponse{}, apperrors.Chainf("broadcast: %v", err)
	}
	hash := cell.Hash()
	return SendMessageResponse{MessageHash: hex.EncodeToString(hash[:])}, nil
}

// ReadContractRequest fetches raw contract state.
type ReadContractRequest struct {
	Address string `json:"address"`
}

// ReadContractResponse is the account state as the node reports it.
type ReadContractResponse struct {
	Deployed            bool   `json:"deployed"`
	Balance             string `json:"balance"`
	LastTransactionLT   uint64 `json:"lastTransactionLt,string"`
	LastTransactionHash string `json:"lastTransactionHash,omitempty"`
	DataBOC             string `json:"dataBoc,omitempty"`
}

// ReadContract returns the live state of any well-formed address.
func (s *Service) ReadContract(ctx context.Context, req ReadContractRequest) (ReadContractResponse, error) {
	addr, err := tvm.ParseAddress(req.Address)
	if err != nil {
		return ReadContractResponse{}, apperrors.WrongInput(err.Error())
	}
	state, err := s.client.GetContractState(ctx, addr)
	if err != nil {
		return ReadContractResponse{}, apperrors.Chainf("contract state: %v", err)
	}
	return ReadContractResponse{
		Deployed:            state.Deployed,
		Balance:             state.Balance,
		LastTransactionLT:   state.LastTransactionLT,
		LastTransactionHash: state.LastTransactionHash,
		DataBOC:             state.DataBOC,
	}, nil
}

// CellField is one typed value packed by encode-into-cell.
type CellField struct {
	Type string `json:"type"`
	// Value is decimal for numeric types, hex for bytes, either address
	// form for addresses, "true"/"false" for bool.
	Value string `json:"value"`
	// Bits applies to uint and int fields.
	Bits int `json:"bits,omitempty"`
}

// EncodeRequest packs typed fields into a single cell.
type EncodeRequest struct {
	Fields []CellField `json:"fields"`
}

// EncodeResponse is the packed cell and its representation hash.
type EncodeResponse struct {
	BOC  string `json:"boc"`
	Hash string `json:"hash"`
}

// EncodeIntoCell packs the given fields left to right into one cell.
func EncodeIntoCell(req EncodeRequest) (EncodeResponse, error) {
	if len(req.Fields) == 0 {
		return EncodeResponse{}, apperrors.WrongInput("at least one field is required")
	}
	b := tvm.NewBuilder()
	for i, field := range req.Fields {
		switch field.Type {
		case "uint":
			v, ok := new(big.Int).SetString(field.Value, 10)
			if !ok || v.Sign() < 0 {
				return EncodeResponse{}, apperrors.WrongInputf("field %d: value must be a non-negative integer", i)
			}
			b.StoreBigUint(v, field.Bits)
		case "int":
			v, err := strconv.ParseInt(field.Value, 10, 64)
			if err != nil {
				return EncodeResponse{}, apperrors.WrongInputf("field %d: %v", i, err)
			}
			b.StoreInt(v, field.Bits)
		case "coins":
			v, ok := new(big.Int).SetString(field.Value, 10)
			if !ok || v.Sign() < 0 {
				return EncodeResponse{}, apperrors.WrongInputf("field %d: value must be a non-negative integer", i)
			}
			b.StoreCoins(v)
		case "address":
			addr, err := tvm.ParseAddress(field.Value)
			if err != nil {
				return EncodeResponse{}, apperrors.WrongInputf("field %d: %v", i, err)
			}
			b.StoreAddr(addr)
		case "bytes":
			raw, err := hex.DecodeString(field.Value)
			if err != nil {
				return EncodeResponse{}, apperrors.WrongInputf("field %d: value must be hex", i)
			}
			b.StoreBytes(raw)
		case "bool":
			v, err := strconv.ParseBool(field.Value)
			if err != nil {
				return EncodeResponse{}, apperrors.WrongInputf("field %d: %v", i, err)
			}
			b.StoreBit(v)
		default:
			return EncodeResponse{}, apperrors.WrongInputf("field %d: unknown type %q", i, field.Type)
		}
	}
	cell, err := b.Build()
	if err != nil {
		return EncodeResponse{}, apperrors.WrongInput(err.Error())
	}
	boc, err := tvm.PackBOCBase64(cell)
	if err != nil {
		return EncodeResponse{}, apperrors.Internal("pack cell", err)
	}
	hash := cell.Hash()
	return EncodeResponse{BOC: boc, Hash: hex.EncodeToString(hash[:])}, nil
}
