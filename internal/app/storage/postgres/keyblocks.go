package postgres

import (
	"context"
	"time"

	"github.com/R3E-Network/ton_gateway/internal/app/domain/chainstate"
)

// --- KeyBlockStore ----------------------------------------------------------

func (s *Store) GetLastKeyBlock(ctx context.Context) (chainstate.KeyBlock, error) {
	var kb chainstate.KeyBlock
	err := s.db.GetContext(ctx, &kb, `
		SELECT seqno, root_hash, gen_utime, updated_at
		FROM key_blocks
		WHERE singleton
	`)
	if err != nil {
		return chainstate.KeyBlock{}, translate(err)
	}
	return kb, nil
}

func (s *Store) SetLastKeyBlock(ctx context.Context, kb chainstate.KeyBlock) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO key_blocks (singleton, seqno, root_hash, gen_utime, updated_at)
		VALUES (TRUE, $1, $2, $3, $4)
		ON CONFLICT (singleton) DO UPDATE
		SET seqno = EXCLUDED.seqno, root_hash = EXCLUDED.root_hash,
			gen_utime = EXCLUDED.gen_utime, updated_at = EXCLUDED.updated_at
		WHERE key_blocks.seqno <= EXCLUDED.seqno
	`, kb.Seqno, kb.RootHash, kb.GenUtime, time.Now().UTC())
	return translate(err)
}
