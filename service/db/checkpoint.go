package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// GetLastProcessedSlot returns the checkpoint for key, or 0 when unset.
func (s *Store) GetLastProcessedSlot(ctx context.Context, key string) (uint64, error) {
	start := time.Now()
	var slot int64
	err := s.pool.QueryRow(ctx,
		`SELECT last_processed_slot FROM indexer_state WHERE key = $1`, key,
	).Scan(&slot)
	s.observe("select", "indexer_state", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read checkpoint %q: %w", key, err)
	}
	return uint64(slot), nil
}

// SetLastProcessedSlot upserts the checkpoint for key. It does not enforce
// monotonicity; the poll loop never writes a lower slot, and operators may
// rewind deliberately.
func (s *Store) SetLastProcessedSlot(ctx context.Context, key string, slot uint64) error {
	v, err := slotParam(slot)
	if err != nil {
		return fmt.Errorf("failed to write checkpoint %q: %w", key, err)
	}
	start := time.Now()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO indexer_state (key, last_processed_slot, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE
		SET last_processed_slot = EXCLUDED.last_processed_slot,
		    updated_at = NOW()`,
		key, v,
	)
	s.observe("upsert", "indexer_state", start, err)
	if err != nil {
		return fmt.Errorf("failed to write checkpoint %q: %w", key, err)
	}
	return nil
}
