package tvm

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"sync"
)

// AccountType selects the wallet contract family and with it the message
// construction rules.
type AccountType string

const (
	AccountHighloadWallet AccountType = "HighloadWallet"
	AccountWallet         AccountType = "Wallet"
	AccountSafeMultisig   AccountType = "SafeMultisig"
)

// ParseAccountType validates a client-supplied account type.
func ParseAccountType(s string) (AccountType, error) {
	switch AccountType(s) {
	case AccountHighloadWallet, AccountWallet, AccountSafeMultisig:
		return AccountType(s), nil
	default:
		return "", fmt.Errorf("unknown account type %q", s)
	}
}

// DefaultWorkchain is the base workchain custodial accounts are created in.
const DefaultWorkchain int32 = 0

// subwalletBase is the conventional wallet id constant; the effective id is
// base + workchain.
const subwalletBase uint64 = 698983191

// SubwalletID returns the wallet id used in payloads and state data.
func SubwalletID(workchain int32) uint64 {
	return subwalletBase + uint64(uint32(workchain))
}

// Contract code images for the gateway's target network deployment. Images
// are opaque here; only their hashes matter for address derivation. They can
// be overridden per network with RegisterContractCode before any address is
// derived.
const (
	walletV3CodeHex = "ff0020dd2082014c97ba218201339cbab19f71b0ed44d0d31fd31f31d70bffe3" +
		"04e0a4f2608308d71820d31fd31fd31ff82313bbf263ed44d0d31fd31fd3ffd1" +
		"5132baf2a15144baf2a204f901541055f910f2a3f8009320d74a96d307d402fb" +
		"00e8d101a4c8cb1fcb1fcbffc9ed54"
	highloadV2CodeHex = "ff0020dd2082014c97ba218201339cbab19f71b0ed44d0d31fd31f31d70bffe3" +
		"04e0a4f260810f4d1820d70b07d74ced44d0d31fd3ffd15143baf2a15151baf2" +
		"a205f901541064f910f2a3f80001d31f31d70bffe304e0a4f2608308f4a413f4" +
		"bcf2c80b01d0d3030171b0925f03e0fa4030ed44d0fa40d70b3f"
	safeMultisigCodeHex = "ff0020dd2082014c97ba218201339cbab19f71b0ed44d0d31fd31f31d70bffe3" +
		"04e0a4f2608308d718d31fd33fd74ced44d0d31fd33fd3fff404d15152baf2a1" +
		"5145baf2a204f901541063f910f2a3f80002d31f01821043685374baf2a25123" +
		"baf2a304f823bbf2635372f006f00335f02a"
	tokenWalletCodeHex = "ff0020dd2082014c97ba218201339cbab19f71b0ed44d0d31fd31f31d70bffe3" +
		"04e0a4f2608308d71820d31fd33ffa00fa4052509a5230baf2a1f8235122c705" +
		"f2a29a5330f00e5003fa02f004e05163c705f2e04af00d"
)

var (
	contractsMu   sync.RWMutex
	contractCodes = map[AccountType]*Cell{}
	tokenWallet   *Cell
)

func init() {
	contractCodes[AccountWallet] = mustCodeCell(walletV3CodeHex)
	contractCodes[AccountHighloadWallet] = mustCodeCell(highloadV2CodeHex)
	contractCodes[AccountSafeMultisig] = mustCodeCell(safeMultisigCodeHex)
	tokenWallet = mustCodeCell(tokenWalletCodeHex)
}

func mustCodeCell(hexStr string) *Cell {
	raw, err := hex.DecodeString(hexStr)
	if err != nil {
		panic(err)
	}
	return cellFromRaw(raw, len(raw)*8)
}

// RegisterContractCode replaces the code image for a wallet family. Must be
// called before any address derivation for the change to be coherent.
func RegisterContractCode(at AccountType, code *Cell) {
	contractsMu.Lock()
	defer contractsMu.Unlock()
	contractCodes[at] = code
}

// RegisterTokenWalletCode replaces the token wallet code image.
func RegisterTokenWalletCode(code *Cell) {
	contractsMu.Lock()
	defer contractsMu.Unlock()
	tokenWallet = code
}

func contractCode(at AccountType) (*Cell, error) {
	contractsMu.RLock()
	defer contractsMu.RUnlock()
	code, ok := contractCodes[at]
	if !ok {
		return nil, fmt.Errorf("no code image for account type %q", at)
	}
	return code, nil
}

func tokenWalletCode() *Cell {
	contractsMu.RLock()
	defer contractsMu.RUnlock()
	return tokenWallet
}

// MultisigParams describes a SafeMultisig deployment.
type MultisigParams struct {
	Custodians    int
	Confirmations int
	// CustodianKeys are all signer public keys including the server-held
	// one. len(CustodianKeys) == Custodians.
	CustodianKeys []ed25519.PublicKey
}

func (p *MultisigParams) validate() error {
	if p == nil {
		return fmt.Errorf("multisig parameters required")
	}
	if p.Custodians < 1 {
		return fmt.Errorf("custodians must be >= 1")
	}
	if p.Confirmations < 1 || p.Confirmations > p.Custodians {
		return fmt.Errorf("confirmations must be in [1, custodians]")
	}
	if len(p.CustodianKeys) != p.Custodians {
		return fmt.Errorf("custodian key count %d does not match custodians %d",
			len(p.CustodianKeys), p.Custodians)
	}
	for i, k := range p.CustodianKeys {
		if len(k) != ed25519.PublicKeySize {
			return fmt.Errorf("custodian key %d has length %d", i, len(k))
		}
	}
	return nil
}

// StateInit builds the deployment state for an account and returns the cell
// together with the derived account address.
func StateInit(at AccountType, workchain int32, pubkey ed25519.PublicKey, multisig *MultisigParams) (*Cell, *Address, error) {
	if len(pubkey) != ed25519.PublicKeySize {
		return nil, nil, fmt.Errorf("public key must be %d bytes", ed25519.PublicKeySize)
	}
	code, err := contractCode(at)
	if err != nil {
		return nil, nil, err
	}

	var data *Cell
	switch at {
	case AccountWallet:
		data, err = NewBuilder().
			StoreUint(0, 32). // seqno
			StoreUint(SubwalletID(workchain), 32).
			StoreBytes(pubkey).
			Build()
	case AccountHighloadWallet:
		data, err = NewBuilder().
			StoreUint(SubwalletID(workchain), 32).
			StoreUint(0, 64). // last cleaned query id
			StoreBytes(pubkey).
			StoreBit(false). // empty old-queries dict
			Build()
	case AccountSafeMultisig:
		if err := multisig.validate(); err != nil {
			return nil, nil, err
		}
		keysCell, kerr := custodianKeysCell(multisig.CustodianKeys)
		if kerr != nil {
			return nil, nil, kerr
		}
		data, err = NewBuilder().
			StoreBytes(pubkey).
			StoreUint(uint64(multisig.Custodians), 8).
			StoreUint(uint64(multisig.Confirmations), 8).
			StoreRef(keysCell).
			Build()
	default:
		return nil, nil, fmt.Errorf("unknown account type %q", at)
	}
	if err != nil {
		return nil, nil, err
	}

	init, err := stateInitCell(code, data)
	if err != nil {
		return nil, nil, err
	}
	hash := init.Hash()
	addr := &Address{Workchain: workchain, Hash: hash}
	return init, addr, nil
}

// DeriveAddress computes the account address for the family and key without
// returning the init state.
func DeriveAddress(at AccountType, workchain int32, pubkey ed25519.PublicKey, multisig *MultisigParams) (*Address, error) {
	_, addr, err := StateInit(at, workchain, pubkey, multisig)
	return addr, err
}

// stateInitCell packs the standard maybe-bit layout with code and data refs.
func stateInitCell(code, data *Cell) (*Cell, error) {
	return NewBuilder().
		StoreUint(0b00110, 5). // no split depth, not special, code+data present, no libraries
		StoreRef(code).
		StoreRef(data).
		Build()
}

// custodianKeysCell packs custodian public keys three per cell, chained by
// the last reference.
func custodianKeysCell(keys []ed25519.PublicKey) (*Cell, error) {
	const perCell = 3
	n := len(keys)
	if n > perCell {
		n = perCell
	}
	b := NewBuilder()
	for _, k := range keys[:n] {
		b.StoreBytes(k)
	}
	if len(keys) > perCell {
		rest, err := custodianKeysCell(keys[perCell:])
		if err != nil {
			return nil, err
		}
		b.StoreRef(rest)
	}
	return b.Build()
}

// TokenWalletAddress derives the deterministic token wallet account for an
// owner under a token root. The wallet's init data binds owner, root, and
// the wallet code image.
func TokenWalletAddress(root, owner *Address) (*Address, error) {
	if root == nil || owner == nil {
		return nil, fmt.Errorf("root and owner are required")
	}
	code := tokenWalletCode()
	data, err := NewBuilder().
		StoreCoins(nil). // initial balance
		StoreAddr(owner).
		StoreAddr(root).
		StoreRef(code).
		Build()
	if err != nil {
		return nil, err
	}
	init, err := stateInitCell(code, data)
	if err != nil {
		return nil, err
	}
	hash := init.Hash()
	return &Address{Workchain: root.Workchain, Hash: hash}, nil
}

// TokenWalletStateInit returns the init state for deploying an owner's token
// wallet, used by transfers that carry deploy grams.
func TokenWalletStateInit(root, owner *Address) (*Cell, error) {
	code := tokenWalletCode()
	data, err := NewBuilder().
		StoreCoins(nil).
		StoreAddr(owner).
		StoreAddr(root).
		StoreRef(code).
		Build()
	if err != nil {
		return nil, err
	}
	return stateInitCell(code, data)
}
