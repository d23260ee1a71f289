package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/ton_gateway/internal/app/domain/wallet"
	"github.com/R3E-Network/ton_gateway/internal/app/storage"
)

const addressColumns = `id, service_id, workchain_id, hex, base64url, public_key, private_key,
	account_type, custodians, confirmations, custodians_public_keys, balance, deployed,
	created_at, updated_at`

// --- AddressStore -----------------------------------------------------------

func (s *Store) CreateAddress(ctx context.Context, addr wallet.Address) (wallet.Address, error) {
	if addr.ID == "" {
		addr.ID = uuid.NewString()
	}
	if addr.Balance == "" {
		addr.Balance = "0"
	}
	now := time.Now().UTC()
	addr.CreatedAt = now
	addr.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO addresses (id, service_id, workchain_id, hex, base64url, public_key,
			private_key, account_type, custodians, confirmations, custodians_public_keys,
			balance, deployed, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, addr.ID, addr.ServiceID, addr.Workchain, addr.Hex, addr.Base64URL, addr.PublicKey,
		addr.PrivateKey, addr.AccountType, addr.Custodians, addr.Confirmations, addr.CustodianKeys,
		addr.Balance, addr.Deployed, addr.CreatedAt, addr.UpdatedAt)
	if err != nil {
		return wallet.Address{}, translate(err)
	}
	return addr, nil
}

func (s *Store) GetAddress(ctx context.Context, serviceID string, workchain int32, hex string) (wallet.Address, error) {
	var addr wallet.Address
	err := s.db.GetContext(ctx, &addr, `
		SELECT `+addressColumns+`
		FROM addresses
		WHERE service_id = $1 AND workchain_id = $2 AND hex = $3
	`, serviceID, workchain, hex)
	if err != nil {
		return wallet.Address{}, translate(err)
	}
	return addr, nil
}

func (s *Store) LookupAddress(ctx context.Context, workchain int32, hex string) (wallet.Address, error) {
	var addr wallet.Address
	err := s.db.GetContext(ctx, &addr, `
		SELECT `+addressColumns+`
		FROM addresses
		WHERE workchain_id = $1 AND hex = $2
	`, workchain, hex)
	if err != nil {
		return wallet.Address{}, translate(err)
	}
	return addr, nil
}

func (s *Store) ListAddresses(ctx context.Context, serviceID string) ([]wallet.Address, error) {
	var addrs []wallet.Address
	err := s.db.SelectContext(ctx, &addrs, `
		SELECT `+addressColumns+`
		FROM addresses
		WHERE service_id = $1
		ORDER BY created_at
	`, serviceID)
	return addrs, translate(err)
}

func (s *Store) ListAllAddresses(ctx context.Context) ([]wallet.Address, error) {
	var addrs []wallet.Address
	err := s.db.SelectContext(ctx, &addrs, `
		SELECT `+addressColumns+`
		FROM addresses
		ORDER BY created_at
	`)
	return addrs, translate(err)
}

func (s *Store) UpdateAddressBalance(ctx context.Context, workchain int32, hex, balance string, deployed bool) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE addresses
		SET balance = $3, deployed = $4, updated_at = $5
		WHERE workchain_id = $1 AND hex = $2
	`, workchain, hex, balance, deployed, time.Now().UTC())
	if err != nil {
		return translate(err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return storage.ErrNotFound
	}
	return nil
}
