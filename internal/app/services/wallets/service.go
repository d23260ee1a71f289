// Package wallets manages custodial addresses: key generation and import,
// address derivation for the three wallet families, private-key sealing and
// chain subscription.
package wallets

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/R3E-Network/ton_gateway/internal/app/domain/wallet"
	"github.com/R3E-Network/ton_gateway/internal/app/storage"
	"github.com/R3E-Network/ton_gateway/internal/chain"
	apperrors "github.com/R3E-Network/ton_gateway/internal/errors"
	"github.com/R3E-Network/ton_gateway/internal/tvm"
	"github.com/R3E-Network/ton_gateway/pkg/logger"
)

// Watcher registers an address with the chain subscriber so its transactions
// are observed as soon as the address exists.
type Watcher interface {
	Watch(addr *tvm.Address)
}

// Service implements the address operations.
type Service struct {
	store      storage.AddressStore
	client     *chain.Client
	watcher    Watcher
	processKey []byte
	log        *logger.Logger
}

// New constructs the address service. processKey is the 32-byte key private
// keys are sealed under.
func New(store storage.AddressStore, client *chain.Client, processKey []byte, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("wallets")
	}
	return &Service{store: store, client: client, processKey: processKey, log: log}
}

// AttachWatcher wires the chain observer. Without one, addresses are only
// picked up on the next hydration pass.
func (s *Service) AttachWatcher(w Watcher) {
	s.watcher = w
}

// Forms is the canonical pair of representations of one address.
type Forms struct {
	WorkchainID int32  `json:"workchainId"`
	Hex         string `json:"hex"`
	Base64URL   string `json:"base64url"`
}

// Check validates a client-supplied address in either raw or packed form and
// returns both canonical representations.
func Check(raw string) (Forms, error) {
	addr, err := tvm.ParseAddress(raw)
	if err != nil {
		return Forms{}, apperrors.WrongInput(err.Error())
	}
	return Forms{WorkchainID: addr.Workchain, Hex: addr.Hex(), Base64URL: addr.Base64URL()}, nil
}

// CreateRequest describes a server-generated address.
type CreateRequest struct {
	AccountType string `json:"accountType"`
	WorkchainID *int32 `json:"workchainId,omitempty"`
	// CustodianKeys are the externally held signer keys of a SafeMultisig;
	// the server-generated key is appended to them.
	CustodianKeys []string `json:"custodiansPublicKeys,omitempty"`
	Confirmations *int32   `json:"confirmations,omitempty"`
}

// Create generates a fresh key pair, derives the address for the requested
// account type and persists the sealed key.
func (s *Service) Create(ctx context.Context, serviceID string, req CreateRequest) (wallet.Address, error) {
	at, err := tvm.ParseAccountType(req.AccountType)
	if err != nil {
		return wallet.Address{}, apperrors.WrongInput(err.Error())
	}

	kp, err := tvm.GenerateKeyPair()
	if err != nil {
		return wallet.Address{}, apperrors.Internal("generate key pair", err)
	}
	return s.register(ctx, serviceID, at, workchainOf(req.WorkchainID), kp, req.CustodianKeys, req.Confirmations)
}

// AddRequest imports an externally generated key. Exactly one of Mnemonic and
// PrivateKey must be supplied.
type AddRequest struct {
	AccountType string `json:"accountType"`
	WorkchainID *int32 `json:"workchainId,omitempty"`
	// PublicKey is optional; when present it must match the supplied key.
	PublicKey string `json:"publicKey,omitempty"`
	Mnemonic  string `json:"mnemonic,omitempty"`
	// PrivateKey is the hex-encoded 32-byte signing seed.
	PrivateKey    string   `json:"privateKey,omitempty"`
	CustodianKeys []string `json:"custodiansPublicKeys,omitempty"`
	Confirmations *int32   `json:"confirmations,omitempty"`
}

// Add registers an address whose key was generated outside the gateway. The
// flow is Create without key generation: the imported key takes the place of
// the server-generated one.
func (s *Service) Add(ctx context.Context, serviceID string, req AddRequest) (wallet.Address, error) {
	at, err := tvm.ParseAccountType(req.AccountType)
	if err != nil {
		return wallet.Address{}, apperrors.WrongInput(err.Error())
	}

	var kp *tvm.KeyPair
	switch {
	case req.Mnemonic != "" && req.PrivateKey != "":
		return wallet.Address{}, apperrors.WrongInput("supply either mnemonic or privateKey, not both")
	case req.Mnemonic != "":
		kp, err = tvm.KeyPairFromMnemonic(req.Mnemonic)
		if err != nil {
			return wallet.Address{}, apperrors.WrongInput(err.Error())
		}
	case req.PrivateKey != "":
		seed, decodeErr := hex.DecodeString(req.PrivateKey)
		if decodeErr != nil {
			return wallet.Address{}, apperrors.WrongInput("privateKey must be hex")
		}
		kp, err = tvm.KeyPairFromSeed(seed)
		if err != nil {
			return wallet.Address{}, apperrors.WrongInput(err.Error())
		}
	default:
		return wallet.Address{}, apperrors.WrongInput("mnemonic or privateKey is required")
	}

	if req.PublicKey != "" {
		pub, err := tvm.PublicKeyFromHex(req.PublicKey)
		if err != nil {
			return wallet.Address{}, apperrors.WrongInputf("publicKey: %v", err)
		}
		if !bytes.Equal(pub, kp.PublicKey) {
			return wallet.Address{}, apperrors.WrongInput("publicKey does not match the supplied private key")
		}
	}

	return s.register(ctx, serviceID, at, workchainOf(req.WorkchainID), kp, req.CustodianKeys, req.Confirmations)
}

// register derives, seals and persists an address around the given key pair,
// then subscribes it for observation.
func (s *Service) register(ctx context.Context, serviceID string, at tvm.AccountType, workchain int32, kp *tvm.KeyPair, extraCustodians []string, confirmations *int32) (wallet.Address, error) {
	var (
		multisig   *tvm.MultisigParams
		custodians *int32
		keysHex    pq.StringArray
	)
	switch at {
	case tvm.AccountSafeMultisig:
		if confirmations == nil {
			return wallet.Address{}, apperrors.WrongInput("confirmations is required for SafeMultisig")
		}
		keys := make([]ed25519.PublicKey, 0, len(extraCustodians)+1)
		for _, raw := range extraCustodians {
			key, err := tvm.PublicKeyFromHex(raw)
			if err != nil {
				return wallet.Address{}, apperrors.WrongInputf("custodian key %q: %v", raw, err)
			}
			keys = append(keys, key)
		}
		keys = append(keys, kp.PublicKey)
		for _, key := range keys {
			keysHex = append(keysHex, hex.EncodeToString(key))
		}
		count := int32(len(keys))
		custodians = &count
		multisig = &tvm.MultisigParams{
			Custodians:    len(keys),
			Confirmations: int(*confirmations),
			CustodianKeys: keys,
		}
	default:
		if len(extraCustodians) > 0 || confirmations != nil {
			return wallet.Address{}, apperrors.WrongInputf("custodian parameters are not valid for %s accounts", at)
		}
	}

	addr, err := tvm.DeriveAddress(at, workchain, kp.PublicKey, multisig)
	if err != nil {
		return wallet.Address{}, apperrors.WrongInput(err.Error())
	}

	id := uuid.New()
	sealed, err := tvm.EncryptPrivateKey(s.processKey, kp.Seed(), id)
	if err != nil {
		return wallet.Address{}, apperrors.Internal("seal private key", err)
	}

	record := wallet.Address{
		ID:            id.String(),
		ServiceID:     serviceID,
		Workchain:     addr.Workchain,
		Hex:           addr.Hex(),
		Base64URL:     addr.Base64URL(),
		PublicKey:     hex.EncodeToString(kp.PublicKey),
		PrivateKey:    sealed,
		AccountType:   at,
		Custodians:    custodians,
		Confirmations: confirmations,
		CustodianKeys: keysHex,
		Balance:       "0",
	}

	created, err := s.store.CreateAddress(ctx, record)
	switch {
	case errors.Is(err, storage.ErrAlreadyExists):
		return wallet.Address{}, apperrors.WrongInput("address already registered")
	case err != nil:
		return wallet.Address{}, err
	}

	if s.watcher != nil {
		s.watcher.Watch(addr)
	}
	s.log.WithField("address", addr.String()).Infof("%s address registered", at)
	return created, nil
}

// Get returns the service's stored record for the given address.
func (s *Service) Get(ctx context.Context, serviceID, raw string) (wallet.Address, error) {
	addr, err := tvm.ParseAddress(raw)
	if err != nil {
		return wallet.Address{}, apperrors.WrongInput(err.Error())
	}
	record, err := s.store.GetAddress(ctx, serviceID, addr.Workchain, addr.Hex())
	if errors.Is(err, storage.ErrNotFound) {
		return wallet.Address{}, apperrors.NotFound("address")
	}
	return record, err
}

// Info is the live chain view of an address. It is served for any
// well-formed address, hosted or not.
type Info struct {
	WorkchainID         int32  `json:"workchainId"`
	Hex                 string `json:"hex"`
	Base64URL           string `json:"base64url"`
	Balance             string `json:"balance"`
	Deployed            bool   `json:"deployed"`
	LastTransactionHash string `json:"lastTransactionHash,omitempty"`
	SyncUtime           uint32 `json:"syncUtime"`
}

// Info fetches the current contract state from the chain node.
func (s *Service) Info(ctx context.Context, raw string) (Info, error) {
	addr, err := tvm.ParseAddress(raw)
	if err != nil {
		return Info{}, apperrors.WrongInput(err.Error())
	}
	state, err := s.client.GetContractState(ctx, addr)
	if err != nil {
		return Info{}, apperrors.Chainf("contract state: %v", err)
	}
	return Info{
		WorkchainID:         addr.Workchain,
		Hex:                 addr.Hex(),
		Base64URL:           addr.Base64URL(),
		Balance:             state.Balance,
		Deployed:            state.Deployed,
		LastTransactionHash: state.LastTransactionHash,
		SyncUtime:           state.SyncUtime,
	}, nil
}

// Signer unseals the stored private key of an address and rebuilds its
// signing key pair.
func (s *Service) Signer(record wallet.Address) (*tvm.KeyPair, error) {
	id, err := uuid.Parse(record.ID)
	if err != nil {
		return nil, apperrors.Internal("malformed address id", err)
	}
	seed, err := tvm.DecryptPrivateKey(s.processKey, record.PrivateKey, id)
	if err != nil {
		return nil, apperrors.Internal("unseal private key", err)
	}
	return tvm.KeyPairFromSeed(seed)
}

func workchainOf(requested *int32) int32 {
	if requested != nil {
		return *requested
	}
	return tvm.DefaultWorkchain
}
