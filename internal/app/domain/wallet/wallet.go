// Package wallet describes custodial addresses held by the gateway.
package wallet

import (
	"crypto/ed25519"
	"time"

	"github.com/lib/pq"

	"github.com/R3E-Network/ton_gateway/internal/tvm"
)

// Address is a custodial account record. PrivateKey holds the
// ChaCha20-Poly1305 sealed signing seed and never leaves the process
// unencrypted outside the signing path.
type Address struct {
	ID            string          `db:"id" json:"id"`
	ServiceID     string          `db:"service_id" json:"-"`
	Workchain     int32           `db:"workchain_id" json:"workchainId"`
	Hex           string          `db:"hex" json:"hex"`
	Base64URL     string          `db:"base64url" json:"base64url"`
	PublicKey     string          `db:"public_key" json:"publicKey"`
	PrivateKey    []byte          `db:"private_key" json:"-"`
	AccountType   tvm.AccountType `db:"account_type" json:"accountType"`
	Custodians    *int32          `db:"custodians" json:"custodians,omitempty"`
	Confirmations *int32          `db:"confirmations" json:"confirmations,omitempty"`
	CustodianKeys pq.StringArray  `db:"custodians_public_keys" json:"custodiansPublicKeys,omitempty"`
	Balance       string          `db:"balance" json:"balance"`
	Deployed      bool            `db:"deployed" json:"deployed"`
	CreatedAt     time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updatedAt"`
}

// TonAddress reconstructs the chain-level address of the record.
func (a Address) TonAddress() (*tvm.Address, error) {
	return tvm.AddressFromHex(a.Workchain, a.Hex)
}

// MultisigParams assembles the deploy parameters for SafeMultisig
// accounts. Returns nil for single-owner account types.
func (a Address) MultisigParams() (*tvm.MultisigParams, error) {
	if a.AccountType != tvm.AccountSafeMultisig || a.Custodians == nil || a.Confirmations == nil {
		return nil, nil
	}
	keys := make([]ed25519.PublicKey, 0, len(a.CustodianKeys))
	for _, hexKey := range a.CustodianKeys {
		key, err := tvm.PublicKeyFromHex(hexKey)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return &tvm.MultisigParams{
		Custodians:    int(*a.Custodians),
		Confirmations: int(*a.Confirmations),
		CustodianKeys: keys,
	}, nil
}
