// Package postgres implements the storage interfaces backed by PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/R3E-Network/ton_gateway/internal/app/domain/service"
	"github.com/R3E-Network/ton_gateway/internal/app/storage"
)

// Store implements the storage interfaces backed by PostgreSQL.
type Store struct {
	db *sqlx.DB
}

var _ storage.Store = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// PoolConfig sizes the connection pool.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Open connects to the database and configures the pool. Zero pool values
// fall back to the package defaults.
func Open(databaseURL string, pool PoolConfig) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	if pool.MaxOpenConns <= 0 {
		pool.MaxOpenConns = 16
	}
	if pool.MaxIdleConns <= 0 {
		pool.MaxIdleConns = 8
	}
	if pool.ConnMaxLifetime <= 0 {
		pool.ConnMaxLifetime = 30 * time.Minute
	}
	db.SetMaxOpenConns(pool.MaxOpenConns)
	db.SetMaxIdleConns(pool.MaxIdleConns)
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	return db, nil
}

// translate maps driver errors onto the storage sentinel errors.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
		return storage.ErrAlreadyExists
	}
	return err
}

// withinTx runs fn inside a transaction, rolling back on error.
func (s *Store) withinTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// --- ServiceStore -----------------------------------------------------------

func (s *Store) CreateService(ctx context.Context, def service.Definition) (service.Definition, error) {
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	def.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO services (id, name, created_at)
		VALUES ($1, $2, $3)
	`, def.ID, def.Name, def.CreatedAt)
	if err != nil {
		return service.Definition{}, translate(err)
	}
	return def, nil
}

func (s *Store) GetService(ctx context.Context, id string) (service.Definition, error) {
	var def service.Definition
	err := s.db.GetContext(ctx, &def, `
		SELECT id, name, created_at
		FROM services
		WHERE id = $1
	`, id)
	if err != nil {
		return service.Definition{}, translate(err)
	}
	return def, nil
}

func (s *Store) ListServices(ctx context.Context) ([]service.Definition, error) {
	var defs []service.Definition
	err := s.db.SelectContext(ctx, &defs, `
		SELECT id, name, created_at
		FROM services
		ORDER BY created_at
	`)
	return defs, translate(err)
}

func (s *Store) CreateAPIKey(ctx context.Context, key service.APIKey) (service.APIKey, error) {
	if key.ID == "" {
		key.ID = uuid.NewString()
	}
	key.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, service_id, key, secret, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, key.ID, key.ServiceID, key.Key, key.Secret, key.CreatedAt)
	if err != nil {
		return service.APIKey{}, translate(err)
	}
	return key, nil
}

func (s *Store) GetAPIKeyByKey(ctx context.Context, apiKey string) (service.APIKey, error) {
	var key service.APIKey
	err := s.db.GetContext(ctx, &key, `
		SELECT id, service_id, key, secret, created_at
		FROM api_keys
		WHERE key = $1
	`, apiKey)
	if err != nil {
		return service.APIKey{}, translate(err)
	}
	return key, nil
}

func (s *Store) ListAPIKeys(ctx context.Context, serviceID string) ([]service.APIKey, error) {
	var keys []service.APIKey
	err := s.db.SelectContext(ctx, &keys, `
		SELECT id, service_id, key, secret, created_at
		FROM api_keys
		WHERE service_id = $1
		ORDER BY created_at
	`, serviceID)
	return keys, translate(err)
}

func (s *Store) SetCallback(ctx context.Context, cb service.Callback) (service.Callback, error) {
	cb.UpdatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO service_callbacks (service_id, url, secret, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (service_id) DO UPDATE
		SET url = EXCLUDED.url, secret = EXCLUDED.secret, updated_at = EXCLUDED.updated_at
	`, cb.ServiceID, cb.URL, cb.Secret, cb.UpdatedAt)
	if err != nil {
		return service.Callback{}, translate(err)
	}
	return cb, nil
}

func (s *Store) GetCallback(ctx context.Context, serviceID string) (service.Callback, error) {
	var cb service.Callback
	err := s.db.GetContext(ctx, &cb, `
		SELECT service_id, url, secret, updated_at
		FROM service_callbacks
		WHERE service_id = $1
	`, serviceID)
	if err != nil {
		return service.Callback{}, translate(err)
	}
	return cb, nil
}
